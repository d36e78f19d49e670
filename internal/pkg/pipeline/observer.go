package pipeline

import (
	"sync"
	"time"

	"github.com/go-arcade/pipesim/pkg/log"
	"github.com/go-arcade/pipesim/pkg/safe"
)

// EventKind names a lifecycle event.
type EventKind string

const (
	EventRunStarted        EventKind = "RunStarted"
	EventStageStarted      EventKind = "StageStarted"
	EventStageRetried      EventKind = "StageRetried"
	EventStageFinished     EventKind = "StageFinished"
	EventTransitionTaken   EventKind = "TransitionTaken"
	EventRollbackTriggered EventKind = "RollbackTriggered"
	EventStageRolledBack   EventKind = "StageRolledBack"
	EventRunFinished       EventKind = "RunFinished"
)

// Event is a lifecycle notification. Seq is strictly increasing within a run.
type Event struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"runId"`
	StageID   string    `json:"stageId,omitempty"`
	Kind      EventKind `json:"kind"`
	Payload   Payload   `json:"payload"`
}

// Payload carries the kind-specific fields of an Event.
type Payload struct {
	StageKind StageKind    `json:"stageKind,omitempty"`
	Outcome   StageOutcome `json:"outcome,omitempty"`
	// Attempt is the attempt starting (StageStarted, StageRetried) or the last one (StageFinished)
	Attempt  int           `json:"attempt,omitempty"`
	ExitCode int           `json:"exitCode,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
	// From and To describe a taken transition or a rollback (failed stage, rollback stage)
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Condition string    `json:"condition,omitempty"`
	Status    RunStatus `json:"status,omitempty"`
	// Outcomes is the final outcome of every stage, set on RunFinished
	Outcomes map[string]StageOutcome `json:"outcomes,omitempty"`
}

// Observer receives lifecycle events in order. Notify must not block for long;
// events are delivered from a single goroutine per run.
type Observer interface {
	Notify(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Notify(e Event) { f(e) }

// eventQueue delivers events to an observer in order without ever blocking
// the coordinator.
type eventQueue struct {
	observer Observer
	logger   log.Logger

	mu      sync.Mutex
	pending []Event
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

func newEventQueue(observer Observer, logger log.Logger) *eventQueue {
	q := &eventQueue{
		observer: observer,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	safe.Go(q.loop)
	return q
}

func (q *eventQueue) push(e Event) {
	q.mu.Lock()
	q.pending = append(q.pending, e)
	q.mu.Unlock()
	q.signal()
}

func (q *eventQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// close delivers what is queued and waits for the delivery goroutine to exit.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
	<-q.done
}

func (q *eventQueue) loop() {
	defer close(q.done)
	for {
		<-q.wake
		for {
			q.mu.Lock()
			batch := q.pending
			q.pending = nil
			closed := q.closed
			q.mu.Unlock()

			for _, e := range batch {
				q.deliver(e)
			}
			if len(batch) == 0 {
				if closed {
					return
				}
				break
			}
		}
	}
}

func (q *eventQueue) deliver(e Event) {
	if q.observer == nil {
		return
	}
	err := safe.Call(func() error {
		q.observer.Notify(e)
		return nil
	})
	if err != nil {
		q.logger.L().Errorw("observer panicked", "event", e.Kind, "seq", e.Seq, "error", err)
	}
}
