package pipeline

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-arcade/pipesim/pkg/dag"
)

func stage(id string, kind StageKind, deps ...string) Stage {
	return Stage{ID: id, Kind: kind, DependsOn: deps}
}

func deliveryStages() []Stage {
	return []Stage{
		stage("build", KindBuild),
		stage("test", KindTest, "build"),
		stage("deploy", KindDeploy, "test"),
	}
}

func TestNewStageGraph_Errors(t *testing.T) {
	tests := []struct {
		name   string
		stages []Stage
		target error
	}{
		{"empty id", []Stage{{Kind: KindBuild}}, ErrConfig},
		{"duplicate id", []Stage{stage("a", KindBuild), stage("a", KindTest)}, dag.ErrDuplicateNode},
		{"unknown dependency", []Stage{stage("a", KindBuild, "ghost")}, dag.ErrUnknownNode},
		{"self loop", []Stage{stage("a", KindBuild, "a")}, dag.ErrSelfCycle},
		{"bad kind", []Stage{{ID: "a", Kind: "compile"}}, ErrConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStageGraph(tt.stages)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfig)
			assert.ErrorIs(t, err, tt.target)
		})
	}
}

func TestNewStageGraph_CycleNamesRealEdges(t *testing.T) {
	stages := []Stage{
		stage("a", KindBuild, "c"),
		stage("b", KindTest, "a"),
		stage("c", KindDeploy, "b"),
		stage("d", KindCustom),
	}
	_, err := NewStageGraph(stages)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfig)

	var cycle *dag.CycleError
	require.True(t, errors.As(err, &cycle))
	require.GreaterOrEqual(t, len(cycle.Path), 3)
	assert.Equal(t, cycle.Path[0], cycle.Path[len(cycle.Path)-1])

	deps := map[string][]string{"a": {"c"}, "b": {"a"}, "c": {"b"}}
	for i := 0; i+1 < len(cycle.Path); i++ {
		from, to := cycle.Path[i], cycle.Path[i+1]
		assert.Contains(t, deps[to], from, "%s -> %s is not a dependency edge", from, to)
	}
}

func TestStageGraph_TopologicalBatches(t *testing.T) {
	g, err := NewStageGraph([]Stage{
		stage("lint", KindTest),
		stage("build", KindBuild),
		stage("unit", KindTest, "build"),
		stage("e2e", KindTest, "build", "lint"),
		stage("deploy", KindDeploy, "unit", "e2e"),
	})
	require.NoError(t, err)

	assert.Equal(t, [][]string{
		{"lint", "build"},
		{"unit", "e2e"},
		{"deploy"},
	}, g.TopologicalBatches())

	wave := make(map[string]int)
	for i, b := range g.TopologicalBatches() {
		for _, id := range b {
			wave[id] = i
		}
	}
	for _, s := range g.Stages() {
		for _, dep := range s.DependsOn {
			assert.Less(t, wave[dep], wave[s.ID])
		}
	}
}

func TestStageGraph_RandomGraphs(t *testing.T) {
	r := rand.New(rand.NewPCG(42, 1))
	for round := 0; round < 100; round++ {
		n := 2 + r.IntN(15)
		stages := make([]Stage, n)
		for i := range stages {
			stages[i] = stage(fmt.Sprintf("s%d", i), KindCustom)
			for j := 0; j < i; j++ {
				if r.IntN(3) == 0 {
					stages[i].DependsOn = append(stages[i].DependsOn, stages[j].ID)
				}
			}
		}
		r.Shuffle(n, func(i, j int) { stages[i], stages[j] = stages[j], stages[i] })

		g, err := NewStageGraph(stages)
		require.NoError(t, err, "round %d", round)
		wave := make(map[string]int)
		for i, b := range g.TopologicalBatches() {
			for _, id := range b {
				wave[id] = i
			}
		}
		require.Len(t, wave, n)
		for _, s := range stages {
			for _, dep := range s.DependsOn {
				assert.Less(t, wave[dep], wave[s.ID], "round %d", round)
			}
		}

		// making the farthest ancestor of a last-wave stage depend on it closes a cycle
		batches := g.TopologicalBatches()
		if len(batches) < 2 {
			continue
		}
		last := batches[len(batches)-1][0]
		first := g.Ancestors(last)[len(g.Ancestors(last))-1].Name
		deps := make(map[string][]string, n)
		for i := range stages {
			if stages[i].ID == first {
				stages[i].DependsOn = append(stages[i].DependsOn, last)
			}
			deps[stages[i].ID] = stages[i].DependsOn
		}
		_, err = NewStageGraph(stages)
		assert.ErrorIs(t, err, ErrConfig)
		var cycle *dag.CycleError
		require.True(t, errors.As(err, &cycle), "round %d", round)
		assert.Equal(t, cycle.Path[0], cycle.Path[len(cycle.Path)-1])
		for i := 0; i+1 < len(cycle.Path); i++ {
			assert.Contains(t, deps[cycle.Path[i+1]], cycle.Path[i], "round %d", round)
		}
	}
}

func TestStageGraph_Accessors(t *testing.T) {
	g, err := NewStageGraph(deliveryStages())
	require.NoError(t, err)

	assert.Equal(t, 3, g.Len())
	assert.Equal(t, []string{"build", "test", "deploy"}, g.IDs())
	assert.Equal(t, []string{"test"}, g.Dependents("build"))
	assert.Equal(t, []string{"test"}, g.Dependencies("deploy"))
	assert.True(t, g.IsAncestor("build", "deploy"))
	assert.False(t, g.IsAncestor("deploy", "build"))
	assert.Equal(t, []dag.Ancestor{{Name: "test", Distance: 1}, {Name: "build", Distance: 2}}, g.Ancestors("deploy"))

	s, ok := g.Stage("deploy")
	require.True(t, ok)
	s.DependsOn[0] = "mutated"
	again, _ := g.Stage("deploy")
	assert.Equal(t, []string{"test"}, again.DependsOn)

	_, ok = g.Stage("missing")
	assert.False(t, ok)
}

func TestStageGraph_DefaultsKind(t *testing.T) {
	g, err := NewStageGraph([]Stage{{ID: "notify"}})
	require.NoError(t, err)
	s, _ := g.Stage("notify")
	assert.Equal(t, KindCustom, s.Kind)
}

func TestStageGraph_ReadyStages(t *testing.T) {
	g, err := NewStageGraph([]Stage{
		stage("build", KindBuild),
		stage("test", KindTest, "build"),
		stage("docs", KindCustom),
		stage("rollback", KindRollback, "build"),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"build", "docs"}, g.ReadyStages(nil))

	states := map[string]StageState{
		"build": {Outcome: OutcomeSucceeded},
		"docs":  {Outcome: OutcomeRunning},
	}
	assert.Equal(t, []string{"test"}, g.ReadyStages(states))

	states["build"] = StageState{Outcome: OutcomeSkipped, SkipReason: SkipUpstream}
	assert.Empty(t, g.ReadyStages(states))
	assert.Equal(t, []string{"test"}, g.BlockedStages(states))
}

func TestStageGraph_BranchSkipsAtJoins(t *testing.T) {
	g, err := NewStageGraph([]Stage{
		stage("test", KindTest),
		stage("canary", KindDeploy, "test"),
		stage("deploy", KindDeploy, "test"),
		stage("notify", KindCustom, "canary", "deploy"),
		stage("verify", KindTest, "canary"),
	})
	require.NoError(t, err)

	states := map[string]StageState{
		"test":   {Outcome: OutcomeSucceeded},
		"canary": {Outcome: OutcomeSkipped, SkipReason: SkipBranch},
		"deploy": {Outcome: OutcomeSucceeded},
	}
	assert.Equal(t, []string{"notify"}, g.ReadyStages(states), "a join runs when one branch ran")
	assert.Equal(t, []string{"verify"}, g.OrphanedStages(states), "nothing on the path of verify ran")
	assert.Empty(t, g.BlockedStages(states))
}

func TestStageGraph_BlockedStages(t *testing.T) {
	g, err := NewStageGraph(deliveryStages())
	require.NoError(t, err)

	for _, outcome := range []StageOutcome{OutcomeFailed, OutcomeRolledBack} {
		states := map[string]StageState{"build": {Outcome: outcome}}
		assert.Equal(t, []string{"test"}, g.BlockedStages(states), outcome)
	}
	assert.Empty(t, g.BlockedStages(map[string]StageState{"build": {Outcome: OutcomeSucceeded}}))
}

func TestStage_CanRollback(t *testing.T) {
	yes, no := true, false
	assert.True(t, Stage{Kind: KindDeploy}.CanRollback())
	assert.False(t, Stage{Kind: KindBuild}.CanRollback())
	assert.True(t, Stage{Kind: KindBuild, RollbackEligible: &yes}.CanRollback())
	assert.False(t, Stage{Kind: KindDeploy, RollbackEligible: &no}.CanRollback())
	assert.False(t, Stage{Kind: KindRollback, RollbackEligible: &yes}.CanRollback())
}

func TestParseStageKind(t *testing.T) {
	k, err := ParseStageKind(" Deploy ")
	require.NoError(t, err)
	assert.Equal(t, KindDeploy, k)

	k, err = ParseStageKind("")
	require.NoError(t, err)
	assert.Equal(t, KindCustom, k)

	_, err = ParseStageKind("ship")
	assert.Error(t, err)
}
