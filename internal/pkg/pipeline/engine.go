// Copyright 2025 Arcade Team
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/go-arcade/pipesim/pkg/condition"
	"github.com/go-arcade/pipesim/pkg/log"
	"github.com/go-arcade/pipesim/pkg/retry"
	"github.com/go-arcade/pipesim/pkg/safe"
)

const tracerName = "github.com/go-arcade/pipesim/internal/pkg/pipeline"

// Exit codes recorded for failures that carry none of their own.
const (
	exitCodeFailure = 1
	exitCodeTimeout = 124
)

// Engine drives runs of one pipeline. It is immutable once built and may
// execute several runs concurrently.
type Engine struct {
	graph  *StageGraph
	table  *TransitionTable
	runner ActionRunner

	observer          Observer
	logger            log.Logger
	tracer            trace.Tracer
	maxConcurrency    int
	defaultMaxRetries int
	defaultTimeout    time.Duration
	backoff           retry.Backoff
	jitter            retry.Jitter
	healOnRollback    bool
}

// NewEngine returns an engine for graph. A nil table means no transition rules.
func NewEngine(graph *StageGraph, table *TransitionTable, runner ActionRunner, opts ...Option) (*Engine, error) {
	if graph == nil {
		return nil, configErrorf("", "engine needs a stage graph")
	}
	if runner == nil {
		return nil, configErrorf("", "engine needs an action runner")
	}
	if table == nil {
		var err error
		if table, err = NewTransitionTable(nil, graph); err != nil {
			return nil, err
		}
	}
	e := &Engine{
		graph:   graph,
		table:   table,
		runner:  runner,
		logger:  log.Default(),
		tracer:  otel.Tracer(tracerName),
		backoff: retry.Fixed(0),
		jitter:  retry.NoJitter,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Graph returns the stage graph the engine runs.
func (e *Engine) Graph() *StageGraph {
	return e.graph
}

// Table returns the transition table the engine applies.
func (e *Engine) Table() *TransitionTable {
	return e.table
}

// NewRun creates a run in the Initial status.
func (e *Engine) NewRun(opts ...RunOption) *Run {
	return newRun(e, opts...)
}

// Execute drives run to a terminal status and returns that status once every
// event has been delivered. Cancelling ctx aborts the run. The error is
// ErrInvalidRunState when run was already executed or belongs to another
// engine, and the *DeadlockError of a run that stalled.
func (e *Engine) Execute(ctx context.Context, run *Run) (RunStatus, error) {
	if run == nil || run.engine != e {
		return "", ErrInvalidRunState
	}
	if !run.executing.CompareAndSwap(false, true) {
		return run.Status(), ErrInvalidRunState
	}
	x := newExecution(ctx, e, run)
	x.loop()
	return run.Status(), run.Err()
}

// Run creates a run and executes it.
func (e *Engine) Run(ctx context.Context, opts ...RunOption) (*Run, error) {
	run := e.NewRun(opts...)
	_, err := e.Execute(ctx, run)
	return run, err
}

func (e *Engine) maxRetries(s *Stage) int {
	if s.MaxRetries != nil {
		return *s.MaxRetries
	}
	return e.defaultMaxRetries
}

func (e *Engine) timeout(s *Stage) time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return e.defaultTimeout
}

type messageKind uint8

const (
	messageRetry messageKind = iota
	messageDone
)

// message is posted by workers to the coordinator.
type message struct {
	kind     messageKind
	stageID  string
	attempt  int
	result   Result
	err      error
	duration time.Duration
}

// execution is the coordinator of one run. Only its loop goroutine touches
// its fields; workers talk to it through messages.
type execution struct {
	engine *Engine
	run    *Run
	graph  *StageGraph
	table  *TransitionTable
	logger log.Logger
	events *eventQueue

	parent context.Context
	// ctx carries the run span and is never cancelled
	ctx         context.Context
	retryCtx    context.Context
	cancelRetry context.CancelFunc
	span        trace.Span

	sem      *semaphore.Weighted
	messages chan message
	running  int
	// rollbacks maps a triggered rollback stage to the failed stages it covers
	rollbacks map[string][]string
}

func newExecution(parent context.Context, e *Engine, run *Run) *execution {
	if parent == nil {
		parent = context.Background()
	}
	logger := e.logger.Named("engine").With("run", run.id)
	spanCtx, span := e.tracer.Start(parent, "pipeline.run",
		trace.WithAttributes(
			attribute.String("pipeline.run.id", run.id),
			attribute.Int("pipeline.stages", e.graph.Len()),
		))
	ctx := context.WithoutCancel(spanCtx)
	retryCtx, cancelRetry := context.WithCancel(ctx)

	x := &execution{
		engine:      e,
		run:         run,
		graph:       e.graph,
		table:       e.table,
		logger:      logger,
		events:      newEventQueue(e.observer, logger),
		parent:      parent,
		ctx:         ctx,
		retryCtx:    retryCtx,
		cancelRetry: cancelRetry,
		span:        span,
		messages:    make(chan message, e.graph.Len()),
		rollbacks:   make(map[string][]string),
	}
	if e.maxConcurrency > 0 {
		x.sem = semaphore.NewWeighted(int64(e.maxConcurrency))
	}
	return x
}

func (x *execution) loop() {
	defer close(x.run.done)
	defer x.events.close()
	defer x.span.End()
	defer x.cancelRetry()

	if x.run.Aborted() || x.parent.Err() != nil {
		_ = x.run.Abort()
		x.finish(RunAborted, nil)
		return
	}
	if err := x.run.transition(RunRunning, "start"); err != nil {
		x.logger.L().Errorw("failed to start run", "error", err)
		return
	}
	x.run.markStarted(time.Now())
	x.emit(EventRunStarted, "", Payload{Status: RunRunning})
	x.logger.L().Infow("run started", "stages", x.graph.Len(), "rules", x.table.Len())

	abortCh := x.run.abortCh
	ctxDone := x.parent.Done()
	for {
		if x.run.Aborted() {
			if x.running == 0 {
				x.finish(RunAborted, nil)
				return
			}
		} else {
			x.reconcile()
			if x.running == 0 {
				if x.skipUntriggeredRollbacks() {
					continue
				}
				if pending := x.pendingStages(); len(pending) > 0 {
					x.finish(RunFailed, &DeadlockError{Pending: pending})
					return
				}
				x.finish(x.finalStatus(), nil)
				return
			}
		}

		select {
		case m := <-x.messages:
			x.handle(m)
		case <-abortCh:
			abortCh = nil
			x.cancelRetry()
			x.logger.L().Infow("abort requested", "running", x.running)
		case <-ctxDone:
			ctxDone = nil
			_ = x.run.Abort()
		}
	}
}

func (x *execution) handle(m message) {
	switch m.kind {
	case messageRetry:
		err := x.run.updateStage(m.stageID, func(st *StageState) StageOutcome {
			st.Attempts = m.attempt
			return st.Outcome
		})
		if err != nil {
			x.logger.L().Errorw("failed to record retry", "stage", m.stageID, "error", err)
			return
		}
		x.emit(EventStageRetried, m.stageID, Payload{Attempt: m.attempt, Error: errString(m.err)})
		x.logger.L().Warnw("retrying stage", "stage", m.stageID, "attempt", m.attempt, "cause", m.err)
	case messageDone:
		x.running--
		if x.sem != nil {
			x.sem.Release(1)
		}
		x.complete(m)
	}
}

// dispatch marks a stage Running and starts its worker.
func (x *execution) dispatch(stageID string) {
	stage := x.graph.stages[stageID]
	err := x.run.updateStage(stageID, func(st *StageState) StageOutcome {
		st.Attempts = 1
		st.StartedAt = time.Now()
		return OutcomeRunning
	})
	if err != nil {
		x.logger.L().Errorw("failed to start stage", "stage", stageID, "error", err)
		if x.sem != nil {
			x.sem.Release(1)
		}
		return
	}
	x.running++
	x.emit(EventStageStarted, stageID, Payload{StageKind: stage.Kind, Attempt: 1})
	x.logger.L().Debugw("stage started", "stage", stageID, "kind", stage.Kind)

	s := stage.clone()
	facts := x.run.Facts()
	safe.Go(func() { x.work(&s, facts) })
}

// work runs every attempt of one stage and reports the final result.
func (x *execution) work(stage *Stage, facts condition.Facts) {
	started := time.Now()
	var (
		last     Result
		attempts int
	)
	err := retry.Do(x.retryCtx, func(_ context.Context, attempt int) error {
		attempts = attempt
		res, err := x.attempt(stage, attempt, facts)
		last = res
		return err
	},
		retry.WithMaxAttempts(x.engine.maxRetries(stage)+1),
		retry.WithBackoff(x.engine.backoff),
		retry.WithJitter(x.engine.jitter),
		retry.WithRetryIf(func(error) bool { return !x.run.Aborted() }),
		retry.WithOnRetry(func(next int, err error) {
			x.messages <- message{kind: messageRetry, stageID: stage.ID, attempt: next, err: err}
		}),
	)
	x.messages <- message{
		kind:     messageDone,
		stageID:  stage.ID,
		attempt:  attempts,
		result:   last,
		err:      err,
		duration: time.Since(started),
	}
}

// attempt runs the action once under the stage timeout. A panic or an
// overrun becomes an error; an overrunning action is left to finish on its own.
func (x *execution) attempt(stage *Stage, attempt int, facts condition.Facts) (Result, error) {
	ctx, span := x.engine.tracer.Start(x.ctx, "pipeline.stage",
		trace.WithAttributes(
			attribute.String("pipeline.stage.id", stage.ID),
			attribute.String("pipeline.stage.kind", string(stage.Kind)),
			attribute.Int("pipeline.stage.attempt", attempt),
		))
	defer span.End()

	timeout := x.engine.timeout(stage)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	inv := Invocation{RunID: x.run.id, Stage: stage.clone(), Attempt: attempt, Facts: facts}
	type reply struct {
		res Result
		err error
	}
	replies := make(chan reply, 1)
	safe.Go(func() {
		var res Result
		err := safe.Call(func() error {
			var err error
			res, err = x.engine.runner.Run(ctx, inv)
			return err
		})
		replies <- reply{res: res, err: err}
	})

	var (
		res Result
		err error
	)
	select {
	case r := <-replies:
		res, err = r.res, classify(stage.ID, attempt, r.res, r.err)
	case <-ctx.Done():
		res = Result{Outcome: OutcomeFailed, ExitCode: exitCodeTimeout}
		err = &TimeoutError{StageID: stage.ID, Attempt: attempt, Timeout: timeout}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

// classify turns an action reply into nil for a successful attempt or the
// *StageError describing why it was not.
func classify(stageID string, attempt int, res Result, err error) error {
	var panicErr *safe.PanicError
	switch {
	case errors.As(err, &panicErr):
		return &StageError{StageID: stageID, Attempt: attempt, Reason: "action panicked", Err: err}
	case err != nil:
		return &StageError{StageID: stageID, Attempt: attempt, Reason: "action returned an error", Err: err}
	case res.Outcome == OutcomeSucceeded && res.RequestRetry:
		return &StageError{StageID: stageID, Attempt: attempt, Reason: "action requested a retry"}
	case res.Outcome == OutcomeSucceeded:
		return nil
	case res.Outcome == OutcomeFailed:
		reason := "action reported failure"
		if res.Message != "" {
			reason += ": " + res.Message
		}
		return &StageError{StageID: stageID, Attempt: attempt, Reason: reason}
	default:
		return &StageError{StageID: stageID, Attempt: attempt, Reason: fmt.Sprintf("action reported invalid outcome %q", res.Outcome)}
	}
}

// complete records the final state of a stage, merges its facts and applies
// transitions or rollback.
func (x *execution) complete(m message) {
	stage := x.graph.stages[m.stageID]
	st, _ := x.run.StageState(m.stageID)
	st.Attempts = m.attempt
	st.FinishedAt = time.Now()
	st.ExitCode = m.result.ExitCode
	st.Err = m.err
	st.Outcome = OutcomeSucceeded
	if m.err != nil {
		st.Outcome = OutcomeFailed
		if st.ExitCode == 0 {
			st.ExitCode = exitCodeFailure
		}
	}

	conflicts, err := x.run.finishStage(m.stageID, st, x.customFacts(m.stageID, m.result.Facts))
	if err != nil {
		x.logger.L().Errorw("failed to record stage result", "stage", m.stageID, "error", err)
		return
	}
	if len(conflicts) > 0 {
		x.logger.L().Warnw("dropped facts that were already set", "stage", m.stageID, "keys", conflicts)
	}
	x.emit(EventStageFinished, m.stageID, Payload{
		StageKind: stage.Kind,
		Outcome:   st.Outcome,
		Attempt:   st.Attempts,
		ExitCode:  st.ExitCode,
		Duration:  m.duration,
		Error:     errString(m.err),
	})

	if st.Outcome == OutcomeSucceeded {
		x.logger.L().Infow("stage succeeded", "stage", m.stageID, "attempts", st.Attempts, "duration", m.duration)
	} else {
		x.logger.L().Warnw("stage failed", "stage", m.stageID, "attempts", st.Attempts, "error", m.err)
	}

	if stage.Kind == KindRollback {
		x.completeRollback(m.stageID, st.Outcome)
	}
	if st.Outcome == OutcomeSucceeded {
		x.applyTransitions(m.stageID)
		return
	}
	x.closeGates(m.stageID, SkipUpstream)
	if stage.CanRollback() && !x.run.Aborted() {
		x.triggerRollback(m.stageID)
	}
}

// customFacts converts the facts reported by a stage. Keys naming a built-in
// fact of a known stage belong to the engine and are dropped.
func (x *execution) customFacts(stageID string, raw map[string]any) condition.Facts {
	if len(raw) == 0 {
		return nil
	}
	facts := make(condition.Facts, len(raw))
	for k, v := range raw {
		if owner, _, ok := splitBuiltinFact(k); ok && x.graph.Has(owner) {
			x.logger.L().Warnw("dropped fact that shadows a built-in stage fact", "stage", stageID, "key", k)
			continue
		}
		value, err := condition.ValueOf(v)
		if err != nil {
			x.logger.L().Warnw("dropped fact with unsupported value", "stage", stageID, "key", k, "error", err)
			continue
		}
		facts[k] = value
	}
	return facts
}

// applyTransitions opens the gate chosen by the first matching rule out of
// from and closes every other gate leaving from.
func (x *execution) applyTransitions(from string) {
	targets := x.table.Targets(from)
	if len(targets) == 0 {
		return
	}
	rule, ok := x.table.evaluate(from, x.run.Facts(), func(err *EvalError) {
		x.logger.L().Warnw("transition rule could not be evaluated", "stage", from, "error", err)
	})
	for _, to := range targets {
		edge := Edge{From: from, To: to}
		if ok && to == rule.To {
			x.run.setGate(edge, gateOpen, SkipNone)
			x.emit(EventTransitionTaken, from, Payload{From: from, To: to, Condition: rule.Condition})
			x.logger.L().Infow("transition taken", "from", from, "to", to, "condition", rule.Condition)
			continue
		}
		x.run.setGate(edge, gateClosed, SkipBranch)
	}
	if !ok {
		x.logger.L().Infow("no transition rule matched", "stage", from)
	}
}

// finish skips whatever is still pending and moves the run to status.
func (x *execution) finish(status RunStatus, cause error) {
	reason := SkipNotTriggered
	switch {
	case status == RunAborted:
		reason = SkipAborted
	case errors.Is(cause, ErrDeadlock):
		reason = SkipDeadlock
	}
	for _, id := range x.graph.order {
		if st, _ := x.run.StageState(id); st.Outcome == OutcomePending {
			x.skip(id, reason)
		}
	}

	x.run.markFinished(time.Now(), cause)
	if err := x.run.transition(status, "finish"); err != nil {
		x.logger.L().Errorw("failed to finish run", "status", status, "error", err)
		return
	}

	x.span.SetAttributes(attribute.String("pipeline.run.status", string(status)))
	if status != RunSucceeded {
		msg := string(status)
		if cause != nil {
			msg = cause.Error()
		}
		x.span.SetStatus(codes.Error, msg)
	}
	x.emit(EventRunFinished, "", Payload{Status: status, Error: errString(cause), Outcomes: x.run.Outcomes()})
	if cause != nil {
		x.logger.L().Errorw("run finished", "status", status, "error", cause)
		return
	}
	x.logger.L().Infow("run finished", "status", status)
}

// finalStatus decides the status of a run that ran to completion.
func (x *execution) finalStatus() RunStatus {
	for id, st := range x.run.statesCopy() {
		stage := x.graph.stages[id]
		if stage.AllowFailure {
			continue
		}
		switch st.Outcome {
		case OutcomeFailed:
			return RunFailed
		case OutcomeRolledBack:
			if !x.engine.healOnRollback {
				return RunFailed
			}
		}
	}
	return RunSucceeded
}

func (x *execution) emit(kind EventKind, stageID string, payload Payload) {
	x.events.push(Event{
		Seq:       x.run.nextSeq(),
		Timestamp: time.Now(),
		RunID:     x.run.id,
		StageID:   stageID,
		Kind:      kind,
		Payload:   payload,
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
