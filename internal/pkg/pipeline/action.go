package pipeline

import (
	"context"

	"github.com/go-arcade/pipesim/pkg/condition"
)

// Invocation is one attempt of one stage.
type Invocation struct {
	RunID string
	Stage Stage
	// Attempt is 1-based
	Attempt int
	// Facts is a snapshot taken when the stage was dispatched
	Facts condition.Facts
}

// Result is what an action reports for one attempt.
type Result struct {
	// Outcome must be OutcomeSucceeded or OutcomeFailed
	Outcome  StageOutcome
	ExitCode int
	// Facts are merged into the run when the stage finishes. Values must be
	// strings, bools or numbers.
	Facts map[string]any
	// RequestRetry marks the attempt unsuccessful even when Outcome is Succeeded
	RequestRetry bool
	Message      string
}

// ActionRunner executes stage attempts. Implementations must be safe for
// concurrent use; the engine calls Run from several goroutines at once.
type ActionRunner interface {
	Run(ctx context.Context, inv Invocation) (Result, error)
}

// ActionFunc adapts a function to ActionRunner.
type ActionFunc func(ctx context.Context, inv Invocation) (Result, error)

func (f ActionFunc) Run(ctx context.Context, inv Invocation) (Result, error) {
	return f(ctx, inv)
}

// Succeed is an ActionRunner whose attempts always succeed.
var Succeed ActionRunner = ActionFunc(func(context.Context, Invocation) (Result, error) {
	return Result{Outcome: OutcomeSucceeded}, nil
})
