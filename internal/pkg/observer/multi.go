package observer

import (
	"github.com/go-arcade/pipesim/internal/pkg/pipeline"
	"github.com/go-arcade/pipesim/pkg/log"
	"github.com/go-arcade/pipesim/pkg/safe"
)

type multi struct {
	observers []pipeline.Observer
	logger    log.Logger
}

// Multi fans every event out to observers in order. A panicking child is
// logged and does not stop delivery to the others.
func Multi(observers ...pipeline.Observer) pipeline.Observer {
	flat := make([]pipeline.Observer, 0, len(observers))
	for _, o := range observers {
		if o == nil {
			continue
		}
		if m, ok := o.(*multi); ok {
			flat = append(flat, m.observers...)
			continue
		}
		flat = append(flat, o)
	}
	return &multi{observers: flat, logger: log.Default().Named("observer")}
}

func (m *multi) Notify(e pipeline.Event) {
	for _, o := range m.observers {
		err := safe.Call(func() error {
			o.Notify(e)
			return nil
		})
		if err != nil {
			m.logger.L().Errorw("observer panicked", "run", e.RunID, "seq", e.Seq, "kind", e.Kind, "error", err)
		}
	}
}
