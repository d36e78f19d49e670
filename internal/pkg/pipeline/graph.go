package pipeline

import (
	"github.com/go-arcade/pipesim/pkg/dag"
)

// StageGraph is the immutable set of stages and their dependency edges.
type StageGraph struct {
	dag     *dag.DAG
	stages  map[string]*Stage
	order   []string
	batches [][]string
}

// NewStageGraph validates stages and builds the graph. Stage ids must be
// unique and non-empty, dependencies must resolve and the graph must be
// acyclic. Violations are returned as *ConfigError.
func NewStageGraph(stages []Stage) (*StageGraph, error) {
	g := &StageGraph{
		stages: make(map[string]*Stage, len(stages)),
		order:  make([]string, 0, len(stages)),
	}
	nodes := make([]dag.NamedNode, 0, len(stages))
	for i := range stages {
		s := stages[i].clone()
		if s.ID == "" {
			return nil, configErrorf("", "stage #%d has an empty id", i)
		}
		if s.Kind == "" {
			s.Kind = KindCustom
		}
		if !s.Kind.Valid() {
			return nil, configErrorf(s.ID, "unknown stage kind %q", s.Kind)
		}
		if s.MaxRetries != nil && *s.MaxRetries < 0 {
			return nil, configErrorf(s.ID, "maxRetries must not be negative")
		}
		if s.Timeout < 0 {
			return nil, configErrorf(s.ID, "timeout must not be negative")
		}
		if _, ok := g.stages[s.ID]; !ok {
			g.order = append(g.order, s.ID)
		}
		g.stages[s.ID] = &s
		nodes = append(nodes, stageNode{stage: &s})
	}

	d, err := dag.New(nodes)
	if err != nil {
		return nil, &ConfigError{Err: err}
	}
	g.dag = d
	g.batches = d.Batches()
	return g, nil
}

// Len returns the number of stages.
func (g *StageGraph) Len() int {
	return len(g.order)
}

// IDs returns stage ids in declaration order.
func (g *StageGraph) IDs() []string {
	return append([]string(nil), g.order...)
}

// Stage returns a copy of the stage with the given id.
func (g *StageGraph) Stage(id string) (Stage, bool) {
	s, ok := g.stages[id]
	if !ok {
		return Stage{}, false
	}
	return s.clone(), true
}

// Stages returns copies of every stage in declaration order.
func (g *StageGraph) Stages() []Stage {
	r := make([]Stage, 0, len(g.order))
	for _, id := range g.order {
		r = append(r, g.stages[id].clone())
	}
	return r
}

// Has reports whether id names a stage.
func (g *StageGraph) Has(id string) bool {
	_, ok := g.stages[id]
	return ok
}

// Dependencies returns the direct dependencies of id without duplicates.
func (g *StageGraph) Dependencies(id string) []string {
	n, ok := g.dag.Node(id)
	if !ok {
		return nil
	}
	prev := n.PrevNodes()
	r := make([]string, 0, len(prev))
	for _, p := range prev {
		r = append(r, p.NodeName())
	}
	return r
}

// Dependents returns the stages that directly depend on id.
func (g *StageGraph) Dependents(id string) []string {
	n, ok := g.dag.Node(id)
	if !ok {
		return nil
	}
	return n.NextNodeNames()
}

// Ancestors returns every transitive dependency of id, nearest first.
func (g *StageGraph) Ancestors(id string) []dag.Ancestor {
	return g.dag.Ancestors(id)
}

// IsAncestor reports whether candidate is a transitive dependency of id.
func (g *StageGraph) IsAncestor(candidate, id string) bool {
	return g.dag.IsAncestor(candidate, id)
}

// TopologicalBatches groups stages into waves. Every stage lands in a later
// wave than all of its dependencies; a wave keeps declaration order.
func (g *StageGraph) TopologicalBatches() [][]string {
	r := make([][]string, len(g.batches))
	for i, b := range g.batches {
		r[i] = append([]string(nil), b...)
	}
	return r
}

// TopologicalOrder returns a total order consistent with every dependency.
func (g *StageGraph) TopologicalOrder() []string {
	return g.dag.TopologicalOrder()
}

// ReadyStages returns, in declaration order, the Pending stages whose
// dependencies are all Succeeded or skipped by a branch not taken, with at
// least one of them Succeeded. Rollback stages are never ready here; the
// engine dispatches them on demand. Stages missing from states count as Pending.
func (g *StageGraph) ReadyStages(states map[string]StageState) []string {
	var ready []string
	for _, id := range g.order {
		if g.stages[id].Kind == KindRollback || stateOf(states, id).Outcome != OutcomePending {
			continue
		}
		if satisfied, succeeded := g.dependencyStatus(id, states); satisfied && succeeded {
			ready = append(ready, id)
		}
	}
	return ready
}

// OrphanedStages returns the Pending non-rollback stages whose dependencies
// were all skipped by a branch not taken, so nothing on their path ran.
func (g *StageGraph) OrphanedStages(states map[string]StageState) []string {
	var orphaned []string
	for _, id := range g.order {
		if g.stages[id].Kind == KindRollback || stateOf(states, id).Outcome != OutcomePending {
			continue
		}
		if satisfied, succeeded := g.dependencyStatus(id, states); satisfied && !succeeded {
			orphaned = append(orphaned, id)
		}
	}
	return orphaned
}

// BlockedStages returns the Pending non-rollback stages that can never run
// because a dependency failed, was rolled back or was itself skipped upstream.
func (g *StageGraph) BlockedStages(states map[string]StageState) []string {
	var blocked []string
	for _, id := range g.order {
		if g.stages[id].Kind == KindRollback || stateOf(states, id).Outcome != OutcomePending {
			continue
		}
		for _, dep := range g.Dependencies(id) {
			if stateOf(states, dep).blocks() {
				blocked = append(blocked, id)
				break
			}
		}
	}
	return blocked
}

// dependencyStatus reports whether every dependency of id lets it proceed and
// whether at least one of them Succeeded. A stage without dependencies counts
// as having a Succeeded one.
func (g *StageGraph) dependencyStatus(id string, states map[string]StageState) (satisfied, succeeded bool) {
	deps := g.Dependencies(id)
	if len(deps) == 0 {
		return true, true
	}
	for _, dep := range deps {
		st := stateOf(states, dep)
		if !st.satisfies() {
			return false, false
		}
		if st.Outcome == OutcomeSucceeded {
			succeeded = true
		}
	}
	return true, succeeded
}

// dependenciesSettled reports whether every dependency reached a terminal outcome.
func (g *StageGraph) dependenciesSettled(id string, states map[string]StageState) bool {
	for _, dep := range g.Dependencies(id) {
		if !stateOf(states, dep).Outcome.IsTerminal() {
			return false
		}
	}
	return true
}

func stateOf(states map[string]StageState, id string) StageState {
	s, ok := states[id]
	if !ok {
		return StageState{Outcome: OutcomePending}
	}
	return s
}
