package observer

import (
	"github.com/go-arcade/pipesim/internal/pkg/pipeline"
	"github.com/go-arcade/pipesim/pkg/log"
)

// Log writes one structured line per lifecycle event.
type Log struct {
	logger log.Logger
}

// NewLog returns a Log observer. A zero logger falls back to the global one.
func NewLog(logger log.Logger) *Log {
	if logger.Log == nil {
		logger = log.Default()
	}
	return &Log{logger: logger.Named("events")}
}

func (l *Log) Notify(e pipeline.Event) {
	kv := []any{"run", e.RunID, "seq", e.Seq}
	if e.StageID != "" {
		kv = append(kv, "stage", e.StageID)
	}
	p := e.Payload

	switch e.Kind {
	case pipeline.EventStageStarted:
		kv = append(kv, "kind", p.StageKind)
	case pipeline.EventStageRetried:
		kv = append(kv, "attempt", p.Attempt, "error", p.Error)
		l.logger.L().Warnw(string(e.Kind), kv...)
		return
	case pipeline.EventStageFinished:
		kv = append(kv, "outcome", p.Outcome, "attempts", p.Attempt, "exitCode", p.ExitCode, "duration", p.Duration)
		if p.Error != "" {
			kv = append(kv, "error", p.Error)
		}
	case pipeline.EventTransitionTaken, pipeline.EventRollbackTriggered, pipeline.EventStageRolledBack:
		kv = append(kv, "from", p.From, "to", p.To)
		if p.Condition != "" {
			kv = append(kv, "when", p.Condition)
		}
	case pipeline.EventRunStarted, pipeline.EventRunFinished:
		kv = append(kv, "status", p.Status)
		if p.Error != "" {
			kv = append(kv, "error", p.Error)
		}
	}
	l.logger.L().Infow(string(e.Kind), kv...)
}
