package observer

import (
	"sync"
	"time"

	"github.com/go-arcade/pipesim/internal/pkg/pipeline"
	"github.com/go-arcade/pipesim/pkg/metrics"
)

// Metrics feeds lifecycle events into the prometheus pipeline collectors.
type Metrics struct {
	m     *metrics.PipelineMetrics
	graph *pipeline.StageGraph

	mu      sync.Mutex
	started map[string]time.Time
}

// NewMetrics returns a Metrics observer. graph is optional and only used to
// label skipped stages with their kind.
func NewMetrics(m *metrics.PipelineMetrics, graph *pipeline.StageGraph) *Metrics {
	return &Metrics{m: m, graph: graph, started: make(map[string]time.Time)}
}

func (o *Metrics) Notify(e pipeline.Event) {
	p := e.Payload
	switch e.Kind {
	case pipeline.EventRunStarted:
		o.mu.Lock()
		o.started[e.RunID] = e.Timestamp
		o.mu.Unlock()
	case pipeline.EventStageStarted:
		o.m.RecordStageStarted()
	case pipeline.EventStageRetried:
		o.m.RecordRetry(e.StageID)
	case pipeline.EventStageFinished:
		o.m.RecordStageFinished(e.StageID, string(p.StageKind), string(p.Outcome), p.Duration)
	case pipeline.EventTransitionTaken:
		o.m.RecordTransition(p.From, p.To)
	case pipeline.EventRollbackTriggered:
		o.m.RecordRollback(p.From)
	case pipeline.EventRunFinished:
		o.mu.Lock()
		start, ok := o.started[e.RunID]
		delete(o.started, e.RunID)
		o.mu.Unlock()

		var d time.Duration
		if ok {
			d = e.Timestamp.Sub(start)
		}
		o.m.RecordRun(string(p.Status), d)
		for id, outcome := range p.Outcomes {
			if outcome == pipeline.OutcomeSkipped {
				o.m.RecordSkipped(id, o.kindOf(id))
			}
		}
	}
}

func (o *Metrics) kindOf(id string) string {
	if o.graph == nil {
		return "unknown"
	}
	if s, ok := o.graph.Stage(id); ok {
		return string(s.Kind)
	}
	return "unknown"
}
