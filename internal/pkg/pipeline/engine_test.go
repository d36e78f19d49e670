package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-arcade/pipesim/pkg/condition"
)

// recorder collects events in delivery order.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Notify(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) ofKind(kind EventKind) []Event {
	var out []Event
	for _, e := range r.all() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// scripted answers per stage id; unknown stages succeed.
type scripted map[string]func(ctx context.Context, inv Invocation) (Result, error)

func (s scripted) Run(ctx context.Context, inv Invocation) (Result, error) {
	if fn, ok := s[inv.Stage.ID]; ok {
		return fn(ctx, inv)
	}
	return Result{Outcome: OutcomeSucceeded}, nil
}

func fail(context.Context, Invocation) (Result, error) {
	return Result{Outcome: OutcomeFailed, ExitCode: 2}, nil
}

func newTestEngine(t *testing.T, stages []Stage, rules []TransitionRule, runner ActionRunner, opts ...Option) (*Engine, *recorder) {
	t.Helper()
	g, err := NewStageGraph(stages)
	require.NoError(t, err)
	table, err := NewTransitionTable(rules, g)
	require.NoError(t, err)
	rec := &recorder{}
	e, err := NewEngine(g, table, runner, append([]Option{WithObserver(rec)}, opts...)...)
	require.NoError(t, err)
	return e, rec
}

func deliveryRules() []TransitionRule {
	return []TransitionRule{
		{From: "build", To: "test", Condition: "build.success"},
		{From: "test", To: "deploy", Condition: "test.success"},
	}
}

func TestEngine_HappyPath(t *testing.T) {
	e, rec := newTestEngine(t, deliveryStages(), deliveryRules(), Succeed)

	run, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, run.Status())
	assert.Equal(t, map[string]StageOutcome{
		"build":  OutcomeSucceeded,
		"test":   OutcomeSucceeded,
		"deploy": OutcomeSucceeded,
	}, run.Outcomes())

	taken := rec.ofKind(EventTransitionTaken)
	require.Len(t, taken, 2)
	assert.Equal(t, "build", taken[0].Payload.From)
	assert.Equal(t, "test", taken[0].Payload.To)
	assert.Equal(t, "test", taken[1].Payload.From)
	assert.Equal(t, "deploy", taken[1].Payload.To)
	assert.Less(t, taken[0].Seq, taken[1].Seq)
	assert.Equal(t, []Edge{{From: "build", To: "test"}, {From: "test", To: "deploy"}}, run.TakenEdges())

	events := rec.all()
	require.NotEmpty(t, events)
	assert.Equal(t, EventRunStarted, events[0].Kind)
	assert.Equal(t, EventRunFinished, events[len(events)-1].Kind)
	assert.Equal(t, RunSucceeded, events[len(events)-1].Payload.Status)

	facts := run.Facts()
	assert.Equal(t, condition.Bool(true), facts["deploy.success"])
	assert.Equal(t, condition.Number(1), facts["build.attempts"])
	assert.Equal(t, condition.String("SUCCEEDED"), facts["test.outcome"])
}

func TestEngine_BuildFailureSkipsDownstream(t *testing.T) {
	e, rec := newTestEngine(t, deliveryStages(), deliveryRules(), scripted{"build": fail})

	run, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunFailed, run.Status())
	assert.Equal(t, OutcomeFailed, run.Outcomes()["build"])

	for _, id := range []string{"test", "deploy"} {
		st, ok := run.StageState(id)
		require.True(t, ok)
		assert.Equal(t, OutcomeSkipped, st.Outcome, id)
		assert.Equal(t, SkipUpstream, st.SkipReason, id)
	}
	assert.Empty(t, rec.ofKind(EventTransitionTaken))
	assert.Len(t, rec.ofKind(EventStageStarted), 1)

	build, _ := run.StageState("build")
	assert.Equal(t, 2, build.ExitCode)
	assert.Equal(t, condition.Bool(false), run.Facts()["build.success"])
}

func TestEngine_RetryThenSucceed(t *testing.T) {
	var calls atomic.Int32
	runner := scripted{"test": func(_ context.Context, inv Invocation) (Result, error) {
		calls.Add(1)
		if inv.Attempt < 3 {
			return Result{Outcome: OutcomeFailed}, nil
		}
		return Result{Outcome: OutcomeSucceeded}, nil
	}}
	stages := deliveryStages()
	two := 2
	stages[1].MaxRetries = &two
	e, rec := newTestEngine(t, stages, deliveryRules(), runner)

	run, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, run.Status())
	assert.EqualValues(t, 3, calls.Load())

	retried := rec.ofKind(EventStageRetried)
	require.Len(t, retried, 2)
	assert.Equal(t, 2, retried[0].Payload.Attempt)
	assert.Equal(t, 3, retried[1].Payload.Attempt)

	st, _ := run.StageState("test")
	assert.Equal(t, 3, st.Attempts)
	assert.Equal(t, condition.Number(3), run.Facts()["test.attempts"])

	// started, retried, retried, finished
	var order []EventKind
	for _, ev := range rec.all() {
		if ev.StageID == "test" && ev.Kind != EventTransitionTaken {
			order = append(order, ev.Kind)
		}
	}
	assert.Equal(t, []EventKind{EventStageStarted, EventStageRetried, EventStageRetried, EventStageFinished}, order)
}

func TestEngine_RetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	runner := scripted{"build": func(context.Context, Invocation) (Result, error) {
		calls.Add(1)
		return Result{}, errors.New("compiler crashed")
	}}
	e, rec := newTestEngine(t, deliveryStages(), nil, runner, WithDefaultMaxRetries(1))

	run, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunFailed, run.Status())
	assert.EqualValues(t, 2, calls.Load())
	assert.Len(t, rec.ofKind(EventStageRetried), 1)

	st, _ := run.StageState("build")
	assert.ErrorIs(t, st.Err, ErrStageFailure)
	assert.ErrorContains(t, st.Err, "compiler crashed")
	assert.Equal(t, exitCodeFailure, st.ExitCode)
}

func TestEngine_RequestRetryIsUnsuccessful(t *testing.T) {
	runner := scripted{"build": func(context.Context, Invocation) (Result, error) {
		return Result{Outcome: OutcomeSucceeded, RequestRetry: true}, nil
	}}
	one := 1
	stages := deliveryStages()
	stages[0].MaxRetries = &one
	e, rec := newTestEngine(t, stages, nil, runner)

	run, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, run.Outcomes()["build"])
	assert.Len(t, rec.ofKind(EventStageRetried), 1)
}

func TestEngine_Timeout(t *testing.T) {
	hang := make(chan struct{})
	t.Cleanup(func() { close(hang) })
	runner := scripted{"build": func(context.Context, Invocation) (Result, error) {
		<-hang
		return Result{Outcome: OutcomeSucceeded}, nil
	}}
	stages := deliveryStages()
	stages[0].Timeout = 20 * time.Millisecond
	e, _ := newTestEngine(t, stages, nil, runner)

	run, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunFailed, run.Status())

	st, _ := run.StageState("build")
	var timeoutErr *TimeoutError
	require.True(t, errors.As(st.Err, &timeoutErr))
	assert.ErrorIs(t, st.Err, ErrStageFailure)
	assert.Equal(t, 20*time.Millisecond, timeoutErr.Timeout)
	assert.Equal(t, exitCodeTimeout, st.ExitCode)
}

func TestEngine_PanicBecomesFailure(t *testing.T) {
	runner := scripted{"test": func(context.Context, Invocation) (Result, error) {
		panic("boom")
	}}
	e, _ := newTestEngine(t, deliveryStages(), nil, runner)

	run, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunFailed, run.Status())

	st, _ := run.StageState("test")
	assert.Equal(t, OutcomeFailed, st.Outcome)
	assert.ErrorContains(t, st.Err, "action panicked")
	assert.ErrorContains(t, st.Err, "boom")
}

func TestEngine_InvalidOutcome(t *testing.T) {
	runner := scripted{"build": func(context.Context, Invocation) (Result, error) {
		return Result{Outcome: OutcomeSkipped}, nil
	}}
	e, _ := newTestEngine(t, deliveryStages(), nil, runner)

	run, err := e.Run(context.Background())
	require.NoError(t, err)
	st, _ := run.StageState("build")
	assert.ErrorContains(t, st.Err, "invalid outcome")
}

func TestEngine_ConcurrentCompletions(t *testing.T) {
	var stages []Stage
	for i := 0; i < 8; i++ {
		stages = append(stages, stage(fmt.Sprintf("job-%d", i), KindCustom))
	}
	stages = append(stages, Stage{ID: "report", Kind: KindCustom, DependsOn: []string{"job-0", "job-1", "job-2", "job-3", "job-4", "job-5", "job-6", "job-7"}})

	runner := ActionFunc(func(_ context.Context, inv Invocation) (Result, error) {
		time.Sleep(time.Millisecond)
		id := inv.Stage.ID
		return Result{Outcome: OutcomeSucceeded, Facts: map[string]any{
			id + ".a": 1,
			id + ".b": "two",
			id + ".c": true,
		}}, nil
	})
	e, rec := newTestEngine(t, stages, nil, runner)
	run := e.NewRun()

	// every snapshot must hold all of a stage's facts or none of them
	stop := make(chan struct{})
	var torn atomic.Int32
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			facts := run.Facts()
			for i := 0; i < 8; i++ {
				id := fmt.Sprintf("job-%d", i)
				n := 0
				for _, k := range []string{".a", ".b", ".c", ".success"} {
					if _, ok := facts[id+k]; ok {
						n++
					}
				}
				if n != 0 && n != 4 {
					torn.Add(1)
				}
			}
		}
	}()

	status, err := e.Execute(context.Background(), run)
	close(stop)
	wg.Wait()
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, status)
	assert.Zero(t, torn.Load())

	events := rec.all()
	for i := 1; i < len(events); i++ {
		assert.Less(t, events[i-1].Seq, events[i].Seq)
	}
	assert.Len(t, rec.ofKind(EventStageFinished), 9)
}

func TestEngine_MaxConcurrency(t *testing.T) {
	var stages []Stage
	for i := 0; i < 6; i++ {
		stages = append(stages, stage(fmt.Sprintf("s%d", i), KindCustom))
	}
	var current, peak atomic.Int32
	runner := ActionFunc(func(context.Context, Invocation) (Result, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		current.Add(-1)
		return Result{Outcome: OutcomeSucceeded}, nil
	})
	e, _ := newTestEngine(t, stages, nil, runner, WithMaxConcurrency(2))

	run, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, run.Status())
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(2), peak.Load())
}

// blockingRunner lets a test hold stages inside their action.
type blockingRunner struct {
	started chan string
	release chan struct{}
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{started: make(chan string, 16), release: make(chan struct{})}
}

func (b *blockingRunner) Run(_ context.Context, inv Invocation) (Result, error) {
	b.started <- inv.Stage.ID
	<-b.release
	return Result{Outcome: OutcomeSucceeded}, nil
}

func TestEngine_Abort(t *testing.T) {
	stages := []Stage{
		stage("a", KindCustom),
		stage("b", KindCustom),
		stage("c", KindCustom, "a"),
	}
	runner := newBlockingRunner()
	e, rec := newTestEngine(t, stages, nil, runner)
	run := e.NewRun()

	done := make(chan RunStatus, 1)
	go func() {
		status, _ := e.Execute(context.Background(), run)
		done <- status
	}()

	<-runner.started
	<-runner.started
	require.NoError(t, run.Abort())
	require.NoError(t, run.Abort(), "abort is idempotent")
	close(runner.release)

	select {
	case status := <-done:
		assert.Equal(t, RunAborted, status)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after abort")
	}

	assert.Equal(t, OutcomeSucceeded, run.Outcomes()["a"], "running stages finish")
	assert.Equal(t, OutcomeSucceeded, run.Outcomes()["b"])
	c, _ := run.StageState("c")
	assert.Equal(t, OutcomeSkipped, c.Outcome)
	assert.Equal(t, SkipAborted, c.SkipReason)

	for _, ev := range rec.ofKind(EventStageStarted) {
		assert.NotEqual(t, "c", ev.StageID)
	}
	assert.NoError(t, run.Abort(), "aborting an aborted run is a no-op")
}

func TestEngine_AbortStopsRetries(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{}, 1)
	runner := ActionFunc(func(context.Context, Invocation) (Result, error) {
		if calls.Add(1) == 1 {
			started <- struct{}{}
		}
		time.Sleep(20 * time.Millisecond)
		return Result{Outcome: OutcomeFailed}, nil
	})
	e, _ := newTestEngine(t, []Stage{stage("flaky", KindCustom)}, nil, runner,
		WithDefaultMaxRetries(5))
	run := e.NewRun()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = e.Execute(context.Background(), run)
	}()
	<-started
	require.NoError(t, run.Abort())
	<-done

	assert.Equal(t, RunAborted, run.Status())
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, OutcomeFailed, run.Outcomes()["flaky"])
}

func TestEngine_ContextCancelAborts(t *testing.T) {
	runner := newBlockingRunner()
	e, _ := newTestEngine(t, deliveryStages(), nil, runner)

	ctx, cancel := context.WithCancel(context.Background())
	run := e.NewRun()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = e.Execute(ctx, run)
	}()
	<-runner.started
	cancel()
	close(runner.release)
	<-done

	assert.Equal(t, RunAborted, run.Status())
	assert.Equal(t, OutcomeSucceeded, run.Outcomes()["build"])
	assert.Equal(t, OutcomeSkipped, run.Outcomes()["test"])
}

func TestEngine_AbortBeforeStart(t *testing.T) {
	e, rec := newTestEngine(t, deliveryStages(), nil, Succeed)
	run := e.NewRun()
	require.NoError(t, run.Abort())

	status, err := e.Execute(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, RunAborted, status)
	assert.Empty(t, rec.ofKind(EventStageStarted))
	assert.Len(t, rec.ofKind(EventRunFinished), 1)
}

func TestEngine_InvalidRunState(t *testing.T) {
	e, _ := newTestEngine(t, deliveryStages(), nil, Succeed)
	run, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, RunSucceeded, run.Status())

	_, err = e.Execute(context.Background(), run)
	assert.ErrorIs(t, err, ErrInvalidRunState)
	assert.ErrorIs(t, run.Abort(), ErrInvalidRunState)

	other, _ := newTestEngine(t, deliveryStages(), nil, Succeed)
	_, err = other.Execute(context.Background(), e.NewRun())
	assert.ErrorIs(t, err, ErrInvalidRunState)

	assert.ErrorIs(t, run.transition(RunFailed, "late"), ErrInvalidRunState)
	assert.ErrorIs(t, run.updateStage("build", func(*StageState) StageOutcome { return OutcomeFailed }), ErrInvalidRunState)
}

func TestEngine_BranchSelection(t *testing.T) {
	stages := []Stage{
		stage("build", KindBuild),
		stage("test", KindTest, "build"),
		stage("canary", KindDeploy, "test"),
		stage("deploy", KindDeploy, "test"),
		stage("notify", KindCustom, "canary", "deploy"),
	}
	rules := []TransitionRule{
		{From: "test", To: "canary", Condition: `risk == "high"`},
		{From: "test", To: "deploy"},
	}
	runner := scripted{"test": func(context.Context, Invocation) (Result, error) {
		return Result{Outcome: OutcomeSucceeded, Facts: map[string]any{"risk": "low"}}, nil
	}}
	e, rec := newTestEngine(t, stages, rules, runner)

	run, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, run.Status())

	canary, _ := run.StageState("canary")
	assert.Equal(t, OutcomeSkipped, canary.Outcome)
	assert.Equal(t, SkipBranch, canary.SkipReason)
	assert.Equal(t, OutcomeSucceeded, run.Outcomes()["deploy"])
	assert.Equal(t, OutcomeSucceeded, run.Outcomes()["notify"], "a join after a branch not taken still runs")

	taken := rec.ofKind(EventTransitionTaken)
	require.Len(t, taken, 1)
	assert.Equal(t, "deploy", taken[0].Payload.To)
}

func TestEngine_NoRuleMatchedSkipsGatedTargets(t *testing.T) {
	rules := []TransitionRule{
		{From: "test", To: "deploy", Condition: "approved"},
	}
	e, rec := newTestEngine(t, deliveryStages(), rules, Succeed)

	run, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, run.Status())
	st, _ := run.StageState("deploy")
	assert.Equal(t, OutcomeSkipped, st.Outcome)
	assert.Equal(t, SkipBranch, st.SkipReason)
	assert.Empty(t, rec.ofKind(EventTransitionTaken))
}

func TestEngine_EvalErrorCountsAsNoMatch(t *testing.T) {
	rules := []TransitionRule{
		{From: "build", To: "test", Condition: "coverage > 80"},
	}
	runner := scripted{"build": func(context.Context, Invocation) (Result, error) {
		return Result{Outcome: OutcomeSucceeded, Facts: map[string]any{"coverage": "high"}}, nil
	}}
	e, _ := newTestEngine(t, deliveryStages(), rules, runner)

	run, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, run.Outcomes()["test"])
	assert.Equal(t, OutcomeSkipped, run.Outcomes()["deploy"])
}

func TestEngine_RuleWithoutDependencyOrdersStages(t *testing.T) {
	stages := []Stage{
		stage("migrate", KindCustom),
		stage("seed", KindCustom),
	}
	rules := []TransitionRule{{From: "migrate", To: "seed", Condition: "migrate.success"}}
	var order []string
	var mu sync.Mutex
	runner := ActionFunc(func(_ context.Context, inv Invocation) (Result, error) {
		mu.Lock()
		order = append(order, inv.Stage.ID)
		mu.Unlock()
		return Result{Outcome: OutcomeSucceeded}, nil
	})
	e, _ := newTestEngine(t, stages, rules, runner)

	run, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, run.Status())
	assert.Equal(t, []string{"migrate", "seed"}, order)
}

func TestEngine_Deadlock(t *testing.T) {
	stages := []Stage{
		stage("a", KindCustom),
		stage("b", KindCustom),
		stage("c", KindCustom),
	}
	e, rec := newTestEngine(t, stages, []TransitionRule{{From: "a", To: "b"}}, Succeed)
	// a gate back from b to a cannot be declared; wire it directly
	e.table.gated[Edge{From: "b", To: "a"}] = true
	e.table.targets["b"] = append(e.table.targets["b"], "a")
	e.table.sources["a"] = append(e.table.sources["a"], "b")

	run, err := e.Run(context.Background())
	assert.ErrorIs(t, err, ErrDeadlock)
	assert.Equal(t, RunFailed, run.Status())
	assert.ErrorIs(t, run.Err(), ErrDeadlock)

	var deadlock *DeadlockError
	require.True(t, errors.As(run.Err(), &deadlock))
	assert.Equal(t, []string{"a", "b"}, deadlock.Pending)
	assert.Equal(t, OutcomeSucceeded, run.Outcomes()["c"])

	a, _ := run.StageState("a")
	assert.Equal(t, SkipDeadlock, a.SkipReason)
	finished := rec.ofKind(EventRunFinished)
	require.Len(t, finished, 1)
	assert.Contains(t, finished[0].Payload.Error, "deadlock")
}

func rollbackStages() []Stage {
	return []Stage{
		stage("build", KindBuild),
		stage("test", KindTest, "build"),
		stage("deploy", KindDeploy, "test"),
		stage("rollback", KindRollback, "deploy"),
	}
}

func TestEngine_RollbackWithoutHealing(t *testing.T) {
	e, rec := newTestEngine(t, rollbackStages(), nil, scripted{"deploy": fail})

	run, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunFailed, run.Status())
	assert.Equal(t, OutcomeRolledBack, run.Outcomes()["deploy"])
	assert.Equal(t, OutcomeSucceeded, run.Outcomes()["rollback"])
	assert.Equal(t, condition.Bool(true), run.Facts()["deploy.rolledBack"])

	triggered := rec.ofKind(EventRollbackTriggered)
	require.Len(t, triggered, 1)
	assert.Equal(t, "deploy", triggered[0].Payload.From)
	assert.Equal(t, "rollback", triggered[0].StageID)
	assert.Len(t, rec.ofKind(EventStageRolledBack), 1)
}

func TestEngine_RollbackHealing(t *testing.T) {
	e, _ := newTestEngine(t, rollbackStages(), nil, scripted{"deploy": fail}, WithHealOnRollback(true))

	run, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, run.Status())
	assert.Equal(t, OutcomeRolledBack, run.Outcomes()["deploy"])
}

func TestEngine_FailedRollbackNeverHeals(t *testing.T) {
	e, _ := newTestEngine(t, rollbackStages(), nil,
		scripted{"deploy": fail, "rollback": fail}, WithHealOnRollback(true))

	run, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunFailed, run.Status())
	assert.Equal(t, OutcomeFailed, run.Outcomes()["deploy"])
	assert.Equal(t, OutcomeFailed, run.Outcomes()["rollback"])
}

func TestEngine_UntriggeredRollbackIsSkipped(t *testing.T) {
	stages := append(rollbackStages(),
		stage("notify", KindCustom, "deploy", "rollback"),
		stage("postmortem", KindCustom, "rollback"),
	)
	e, rec := newTestEngine(t, stages, nil, Succeed)

	run, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, run.Status())

	rb, _ := run.StageState("rollback")
	assert.Equal(t, OutcomeSkipped, rb.Outcome)
	assert.Equal(t, SkipNotTriggered, rb.SkipReason)
	assert.Equal(t, OutcomeSucceeded, run.Outcomes()["notify"])
	assert.Equal(t, OutcomeSkipped, run.Outcomes()["postmortem"])
	assert.Empty(t, rec.ofKind(EventRollbackTriggered))
}

func TestEngine_NearestRollbackWins(t *testing.T) {
	stages := []Stage{
		stage("build", KindBuild),
		stage("test", KindTest, "build"),
		stage("deploy", KindDeploy, "test"),
		stage("undo-build", KindRollback, "build"),
		stage("undo-deploy", KindRollback, "deploy"),
	}
	e, _ := newTestEngine(t, stages, nil, scripted{"deploy": fail})

	run, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, run.Outcomes()["undo-deploy"])
	assert.Equal(t, OutcomeSkipped, run.Outcomes()["undo-build"])
}

func TestEngine_RunningRollbackIgnoresLaterFailures(t *testing.T) {
	stages := []Stage{
		stage("build", KindBuild),
		stage("east", KindDeploy, "build"),
		stage("west", KindDeploy, "build"),
		stage("undo", KindRollback, "build"),
	}
	undoStarted := make(chan struct{})
	westFinished := make(chan struct{})
	runner := scripted{
		"east": fail,
		"west": func(ctx context.Context, inv Invocation) (Result, error) {
			<-undoStarted
			return fail(ctx, inv)
		},
		"undo": func(context.Context, Invocation) (Result, error) {
			close(undoStarted)
			<-westFinished
			return Result{Outcome: OutcomeSucceeded}, nil
		},
	}
	var once sync.Once
	watcher := ObserverFunc(func(e Event) {
		if e.Kind == EventStageFinished && e.StageID == "west" {
			once.Do(func() { close(westFinished) })
		}
	})
	e, _ := newTestEngine(t, stages, nil, runner, WithObserver(watcher))

	run, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunFailed, run.Status())
	assert.Equal(t, OutcomeSucceeded, run.Outcomes()["undo"])
	assert.Equal(t, OutcomeRolledBack, run.Outcomes()["east"])
	assert.Equal(t, OutcomeFailed, run.Outcomes()["west"])
	_, ok := run.Facts()["west.rolledBack"]
	assert.False(t, ok)
}

func TestEngine_RollbackAttachedToAncestor(t *testing.T) {
	stages := []Stage{
		stage("build", KindBuild),
		stage("deploy", KindDeploy, "build"),
		stage("undo", KindRollback, "build"),
	}
	e, _ := newTestEngine(t, stages, nil, scripted{"deploy": fail})

	run, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, run.Outcomes()["undo"])
	assert.Equal(t, OutcomeRolledBack, run.Outcomes()["deploy"])
}

func TestEngine_NonEligibleFailureDoesNotRollBack(t *testing.T) {
	stages := []Stage{
		stage("build", KindBuild),
		stage("undo", KindRollback, "build"),
	}
	e, _ := newTestEngine(t, stages, nil, scripted{"build": fail})

	run, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, run.Outcomes()["build"])
	assert.Equal(t, OutcomeSkipped, run.Outcomes()["undo"])
}

func TestEngine_AllowFailure(t *testing.T) {
	stages := []Stage{
		stage("build", KindBuild),
		{ID: "lint", Kind: KindTest, AllowFailure: true},
		stage("report", KindCustom, "lint"),
	}
	e, _ := newTestEngine(t, stages, nil, scripted{"lint": fail})

	run, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, run.Status())
	assert.Equal(t, OutcomeFailed, run.Outcomes()["lint"])
	assert.Equal(t, OutcomeSkipped, run.Outcomes()["report"])
}

func TestEngine_FactConflictsKeepFirstValue(t *testing.T) {
	stages := []Stage{
		stage("first", KindCustom),
		stage("second", KindCustom, "first"),
	}
	runner := ActionFunc(func(_ context.Context, inv Invocation) (Result, error) {
		return Result{Outcome: OutcomeSucceeded, Facts: map[string]any{
			"owner":    inv.Stage.ID,
			"bad.type": []string{"x"},
		}}, nil
	})
	e, _ := newTestEngine(t, stages, nil, runner)

	run, err := e.Run(context.Background())
	require.NoError(t, err)
	facts := run.Facts()
	assert.Equal(t, condition.String("first"), facts["owner"])
	_, ok := facts["bad.type"]
	assert.False(t, ok)
}

func TestEngine_CustomFactsCannotShadowBuiltinFacts(t *testing.T) {
	runner := scripted{
		"build": func(context.Context, Invocation) (Result, error) {
			return Result{Outcome: OutcomeSucceeded, Facts: map[string]any{
				"test.success":  false,
				"build.outcome": "FAILED",
				"ghost.success": true,
			}}, nil
		},
	}
	e, rec := newTestEngine(t, deliveryStages(), deliveryRules(), runner)

	run, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, run.Status())
	assert.Equal(t, OutcomeSucceeded, run.Outcomes()["deploy"])
	assert.Len(t, rec.ofKind(EventTransitionTaken), 2)

	facts := run.Facts()
	assert.Equal(t, condition.Bool(true), facts["test.success"])
	assert.Equal(t, condition.String("SUCCEEDED"), facts["build.outcome"])
	assert.Equal(t, condition.Bool(true), facts["ghost.success"])
}

func TestEngine_InvocationSeesUpstreamFacts(t *testing.T) {
	var seen condition.Facts
	runner := scripted{
		"build": func(context.Context, Invocation) (Result, error) {
			return Result{Outcome: OutcomeSucceeded, Facts: map[string]any{"artifact": "app.tar"}}, nil
		},
		"test": func(_ context.Context, inv Invocation) (Result, error) {
			seen = inv.Facts
			return Result{Outcome: OutcomeSucceeded}, nil
		},
	}
	e, _ := newTestEngine(t, deliveryStages(), nil, runner)
	_, err := e.Run(context.Background(), WithRunID("run-1"))
	require.NoError(t, err)
	assert.Equal(t, condition.String("app.tar"), seen["artifact"])
	assert.Equal(t, condition.Bool(true), seen["build.success"])
}

func TestEngine_ObserverPanicIsRecovered(t *testing.T) {
	g, err := NewStageGraph(deliveryStages())
	require.NoError(t, err)
	var delivered atomic.Int32
	obs := ObserverFunc(func(e Event) {
		delivered.Add(1)
		if e.Kind == EventStageStarted {
			panic("observer bug")
		}
	})
	e, err := NewEngine(g, nil, Succeed, WithObserver(obs))
	require.NoError(t, err)

	run, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, run.Status())
	assert.EqualValues(t, run.Snapshot().Events, delivered.Load())
}

func TestEngine_Snapshot(t *testing.T) {
	e, _ := newTestEngine(t, deliveryStages(), deliveryRules(), Succeed)
	run, err := e.Run(context.Background(), WithRunID("01TEST"))
	require.NoError(t, err)

	s := run.Snapshot()
	assert.Equal(t, "01TEST", s.RunID)
	assert.Equal(t, RunSucceeded, s.Status)
	require.Len(t, s.Stages, 3)
	assert.Equal(t, "build", s.Stages[0].ID)
	assert.NotNil(t, s.StartedAt)
	assert.NotNil(t, s.FinishedAt)
	assert.Equal(t, OutcomeSucceeded, s.Outcomes["deploy"])
	assert.Equal(t, true, s.Facts["build.success"])
	assert.Len(t, s.TakenEdges, 2)

	var deps, transitions int
	for _, edge := range s.Edges {
		switch edge.Kind {
		case EdgeDependency:
			deps++
		case EdgeTransition:
			transitions++
			assert.Equal(t, GateOpen, edge.Gate)
		}
	}
	assert.Equal(t, 2, deps)
	assert.Equal(t, 2, transitions)

	st, ok := s.Stage("test")
	require.True(t, ok)
	assert.Equal(t, 1, st.Attempts)
}

func TestEngine_RunHistory(t *testing.T) {
	e, _ := newTestEngine(t, deliveryStages(), nil, Succeed)
	run, err := e.Run(context.Background())
	require.NoError(t, err)

	history := run.History()
	require.Len(t, history, 2)
	assert.Equal(t, RunInitial, history[0].From)
	assert.Equal(t, RunRunning, history[0].To)
	assert.Equal(t, RunSucceeded, history[1].To)
}

func TestNewEngine_RequiresGraphAndRunner(t *testing.T) {
	_, err := NewEngine(nil, nil, Succeed)
	assert.ErrorIs(t, err, ErrConfig)

	g, err := NewStageGraph(deliveryStages())
	require.NoError(t, err)
	_, err = NewEngine(g, nil, nil)
	assert.ErrorIs(t, err, ErrConfig)
}
