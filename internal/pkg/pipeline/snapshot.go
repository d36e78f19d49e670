package pipeline

import (
	"time"
)

// Edge kinds in a snapshot.
const (
	EdgeDependency = "dependency"
	EdgeTransition = "transition"
)

// Gate states in a snapshot.
const (
	GatePending = "pending"
	GateOpen    = "open"
	GateClosed  = "closed"
)

// StageSnapshot is the state of one stage at snapshot time.
type StageSnapshot struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Kind       StageKind    `json:"kind"`
	DependsOn  []string     `json:"dependsOn,omitempty"`
	Outcome    StageOutcome `json:"outcome"`
	SkipReason SkipReason   `json:"skipReason,omitempty"`
	Attempts   int          `json:"attempts"`
	ExitCode   int          `json:"exitCode"`
	Error      string       `json:"error,omitempty"`
	StartedAt  *time.Time   `json:"startedAt,omitempty"`
	FinishedAt *time.Time   `json:"finishedAt,omitempty"`
}

// EdgeSnapshot is a dependency edge or a gated transition edge. A pair of
// stages joined both ways appears twice, once per kind.
type EdgeSnapshot struct {
	From string `json:"from"`
	To   string `json:"to"`
	Kind string `json:"kind"`
	// Conditions lists the rule conditions of a transition edge in order
	Conditions []string `json:"conditions,omitempty"`
	// Gate is the gate state of a transition edge
	Gate string `json:"gate,omitempty"`
}

// Snapshot is a self-contained copy of a run for visualizers and archives.
type Snapshot struct {
	RunID      string                  `json:"runId"`
	Status     RunStatus               `json:"status"`
	Error      string                  `json:"error,omitempty"`
	StartedAt  *time.Time              `json:"startedAt,omitempty"`
	FinishedAt *time.Time              `json:"finishedAt,omitempty"`
	Stages     []StageSnapshot         `json:"stages"`
	Outcomes   map[string]StageOutcome `json:"outcomes"`
	Edges      []EdgeSnapshot          `json:"edges"`
	TakenEdges []Edge                  `json:"takenEdges"`
	Facts      map[string]any          `json:"facts"`
	// Events is the number of events emitted so far
	Events uint64 `json:"events"`
}

// Snapshot returns a consistent copy of the run.
func (r *Run) Snapshot() Snapshot {
	g, t := r.engine.graph, r.engine.table

	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Snapshot{
		RunID:      r.id,
		Status:     r.fsm.Current(),
		Error:      errString(r.err),
		StartedAt:  timePtr(r.startedAt),
		FinishedAt: timePtr(r.finishedAt),
		Stages:     make([]StageSnapshot, 0, g.Len()),
		Outcomes:   r.outcomesLocked(),
		TakenEdges: append([]Edge{}, r.taken...),
		Facts:      r.facts.Map(),
		Events:     r.seq,
	}
	for _, id := range g.order {
		stage := g.stages[id]
		st := r.states[id]
		s.Stages = append(s.Stages, StageSnapshot{
			ID:         id,
			Name:       stage.DisplayName(),
			Kind:       stage.Kind,
			DependsOn:  g.Dependencies(id),
			Outcome:    st.Outcome,
			SkipReason: st.SkipReason,
			Attempts:   st.Attempts,
			ExitCode:   st.ExitCode,
			Error:      errString(st.Err),
			StartedAt:  timePtr(st.StartedAt),
			FinishedAt: timePtr(st.FinishedAt),
		})
		for _, dep := range g.Dependencies(id) {
			s.Edges = append(s.Edges, EdgeSnapshot{From: dep, To: id, Kind: EdgeDependency})
		}
	}
	for _, from := range g.order {
		for _, to := range t.Targets(from) {
			e := EdgeSnapshot{From: from, To: to, Kind: EdgeTransition, Gate: GatePending}
			for _, rule := range t.Rules(from) {
				if rule.To == to {
					e.Conditions = append(e.Conditions, rule.Condition)
				}
			}
			switch r.gates[Edge{From: from, To: to}].state {
			case gateOpen:
				e.Gate = GateOpen
			case gateClosed:
				e.Gate = GateClosed
			}
			s.Edges = append(s.Edges, e)
		}
	}
	return s
}

// Stage returns the snapshot of one stage.
func (s Snapshot) Stage(id string) (StageSnapshot, bool) {
	for _, st := range s.Stages {
		if st.ID == id {
			return st, true
		}
	}
	return StageSnapshot{}, false
}

// Duration returns the wall time of the run, zero while it has not finished.
func (s Snapshot) Duration() time.Duration {
	if s.StartedAt == nil || s.FinishedAt == nil {
		return 0
	}
	return s.FinishedAt.Sub(*s.StartedAt)
}

// Duration returns the wall time of the stage, zero unless it ran to the end.
func (s StageSnapshot) Duration() time.Duration {
	if s.StartedAt == nil || s.FinishedAt == nil {
		return 0
	}
	return s.FinishedAt.Sub(*s.StartedAt)
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
