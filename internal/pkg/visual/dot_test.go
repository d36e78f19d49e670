package visual

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/go-arcade/pipesim/internal/pkg/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deliveryEngine(t *testing.T, runner pipeline.ActionRunner) *pipeline.Engine {
	t.Helper()
	graph, err := pipeline.NewStageGraph([]pipeline.Stage{
		{ID: "build", Kind: pipeline.KindBuild},
		{ID: "test", Kind: pipeline.KindTest, DependsOn: []string{"build"}},
		{ID: "deploy", Kind: pipeline.KindDeploy, DependsOn: []string{"test"}},
		{ID: "notify", Kind: pipeline.KindCustom, DependsOn: []string{"deploy"}},
	})
	require.NoError(t, err)
	table, err := pipeline.NewTransitionTable([]pipeline.TransitionRule{
		{From: "build", To: "test", Condition: "build.success"},
	}, graph)
	require.NoError(t, err)
	engine, err := pipeline.NewEngine(graph, table, runner)
	require.NoError(t, err)
	return engine
}

func TestDOTPlan(t *testing.T) {
	engine := deliveryEngine(t, pipeline.Succeed)
	snap := engine.NewRun(pipeline.WithRunID("plan")).Snapshot()

	out := DOT(snap, Options{Horizontal: true})

	assert.True(t, strings.HasPrefix(out, "digraph \"pipeline\" {\n"))
	assert.Contains(t, out, "rankdir=LR;")
	assert.Contains(t, out, `"deploy" [label="deploy\nPENDING (deploy)", shape=box3d, fillcolor=white];`)
	assert.Contains(t, out, `"test" -> "deploy";`)
	assert.Contains(t, out, `"build" -> "test" [style=dashed, label="build.success"];`)
	assert.True(t, strings.HasSuffix(out, "}\n"))
}

func TestDOTFinishedRun(t *testing.T) {
	runner := pipeline.ActionFunc(func(_ context.Context, inv pipeline.Invocation) (pipeline.Result, error) {
		if inv.Stage.ID == "deploy" {
			return pipeline.Result{Outcome: pipeline.OutcomeFailed, ExitCode: 3}, nil
		}
		return pipeline.Result{Outcome: pipeline.OutcomeSucceeded}, nil
	})
	run, err := deliveryEngine(t, runner).Run(context.Background(), pipeline.WithRunID("r1"))
	require.NoError(t, err)
	snap := run.Snapshot()

	out := DOT(snap, Options{Name: "delivery"})
	assert.Contains(t, out, `digraph "delivery" {`)
	assert.Contains(t, out, `label="r1 FAILED`)
	assert.Contains(t, out, `fillcolor=salmon`)
	assert.Contains(t, out, `exit 3`)
	assert.Contains(t, out, `upstream-failed`)
	assert.Contains(t, out, `"build" -> "test" [style=dashed, label="build.success", style=bold, color=darkgreen];`)

	hidden := DOT(snap, Options{HideSkipped: true})
	assert.NotContains(t, hidden, `"notify"`)
	assert.Contains(t, hidden, `"deploy"`)
}

func TestRender(t *testing.T) {
	var buf bytes.Buffer
	snap := deliveryEngine(t, pipeline.Succeed).NewRun().Snapshot()
	require.NoError(t, Render(&buf, snap, Options{}))
	assert.Equal(t, DOT(snap, Options{}), buf.String())
}

func TestLifecycle(t *testing.T) {
	run, err := deliveryEngine(t, pipeline.Succeed).Run(context.Background())
	require.NoError(t, err)

	out, err := Lifecycle(run.History())
	require.NoError(t, err)
	assert.Contains(t, out, "digraph run {")
	assert.Contains(t, out, `"SUCCEEDED" [style=filled, fillcolor=lightblue];`)
	assert.Contains(t, out, `"RUNNING" -> "ABORTED";`)

	initial, err := Lifecycle(nil)
	require.NoError(t, err)
	assert.Contains(t, initial, `"INITIAL" [style=filled, fillcolor=lightblue];`)
}

func TestQuote(t *testing.T) {
	assert.Equal(t, `"a\"b\\c\nd"`, quote("a\"b\\c\nd"))
}

func TestLegend(t *testing.T) {
	legend := Legend()
	assert.Len(t, legend, 6)
	assert.Contains(t, legend, "FAILED=salmon")
}
