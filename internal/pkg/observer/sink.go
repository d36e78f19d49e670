package observer

import (
	"github.com/go-arcade/pipesim/internal/pkg/pipeline"
	gometrics "github.com/hashicorp/go-metrics"
)

// Sink mirrors lifecycle events into a go-metrics sink (statsd, inmem, ...).
// Keys are prefixed with "pipesim".
type Sink struct {
	sink gometrics.MetricSink
}

// NewSink returns a Sink observer writing to sink.
func NewSink(sink gometrics.MetricSink) *Sink {
	return &Sink{sink: sink}
}

func (s *Sink) Notify(e pipeline.Event) {
	p := e.Payload
	stage := gometrics.Label{Name: "stage", Value: e.StageID}

	switch e.Kind {
	case pipeline.EventStageRetried:
		s.sink.IncrCounterWithLabels([]string{"pipesim", "stage", "retries"}, 1, []gometrics.Label{stage})
	case pipeline.EventStageFinished:
		labels := []gometrics.Label{stage, {Name: "outcome", Value: string(p.Outcome)}}
		s.sink.IncrCounterWithLabels([]string{"pipesim", "stage", "finished"}, 1, labels)
		s.sink.AddSampleWithLabels([]string{"pipesim", "stage", "duration_ms"},
			float32(p.Duration.Milliseconds()), []gometrics.Label{stage})
	case pipeline.EventTransitionTaken:
		s.sink.IncrCounterWithLabels([]string{"pipesim", "transition"}, 1, []gometrics.Label{
			{Name: "from", Value: p.From},
			{Name: "to", Value: p.To},
		})
	case pipeline.EventRollbackTriggered:
		s.sink.IncrCounterWithLabels([]string{"pipesim", "rollback"}, 1, []gometrics.Label{stage})
	case pipeline.EventRunFinished:
		s.sink.IncrCounterWithLabels([]string{"pipesim", "run", "finished"}, 1, []gometrics.Label{
			{Name: "status", Value: string(p.Status)},
		})
	}
}
