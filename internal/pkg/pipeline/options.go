package pipeline

import (
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/go-arcade/pipesim/pkg/log"
	"github.com/go-arcade/pipesim/pkg/retry"
)

// Option configures an Engine.
type Option func(*Engine)

// WithMaxConcurrency caps the number of stages running at once. Zero or a
// negative value means no limit.
func WithMaxConcurrency(n int) Option {
	return func(e *Engine) {
		e.maxConcurrency = n
	}
}

// WithDefaultMaxRetries sets the retry budget of stages that do not set one.
func WithDefaultMaxRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.defaultMaxRetries = n
		}
	}
}

// WithDefaultTimeout bounds every attempt of stages that do not set a timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.defaultTimeout = d
		}
	}
}

// WithRetryBackoff sets the delay between attempts of the same stage.
func WithRetryBackoff(b retry.Backoff) Option {
	return func(e *Engine) {
		if b != nil {
			e.backoff = b
		}
	}
}

// WithRetryJitter randomizes the backoff delay, e.g. retry.FullJitter.
func WithRetryJitter(j retry.Jitter) Option {
	return func(e *Engine) {
		if j != nil {
			e.jitter = j
		}
	}
}

// WithHealOnRollback lets a run succeed when every failure was rolled back.
func WithHealOnRollback(heal bool) Option {
	return func(e *Engine) {
		e.healOnRollback = heal
	}
}

// WithObserver sets the event sink of every run.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

func WithLogger(l log.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}
