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
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-arcade/pipesim/pkg/condition"
	"github.com/go-arcade/pipesim/pkg/id"
	"github.com/go-arcade/pipesim/pkg/statemachine"
)

// gateState tracks a gated edge during a run.
type gateState uint8

const (
	gatePending gateState = iota
	gateOpen
	gateClosed
)

type gate struct {
	state  gateState
	reason SkipReason
}

// Run is one execution of a pipeline. The engine is its only writer; every
// exported accessor returns a copy.
type Run struct {
	id     string
	engine *Engine

	mu         sync.RWMutex
	fsm        *statemachine.StateMachine[RunStatus]
	states     map[string]StageState
	facts      condition.Facts
	gates      map[Edge]gate
	taken      []Edge
	seq        uint64
	err        error
	startedAt  time.Time
	finishedAt time.Time

	executing atomic.Bool
	aborted   atomic.Bool
	abortOnce sync.Once
	abortCh   chan struct{}
	done      chan struct{}
}

// RunOption configures a new Run.
type RunOption func(*Run)

// WithRunID overrides the generated ULID.
func WithRunID(runID string) RunOption {
	return func(r *Run) {
		if runID != "" {
			r.id = runID
		}
	}
}

func newRun(e *Engine, opts ...RunOption) *Run {
	r := &Run{
		id:      id.NewRunID(),
		engine:  e,
		fsm:     statemachine.NewRunStateMachine(),
		states:  make(map[string]StageState, e.graph.Len()),
		facts:   make(condition.Facts),
		gates:   make(map[Edge]gate),
		abortCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	for _, sid := range e.graph.IDs() {
		r.states[sid] = StageState{Outcome: OutcomePending}
		for _, to := range e.table.Targets(sid) {
			r.gates[Edge{From: sid, To: to}] = gate{state: gatePending}
		}
	}
	return r
}

// ID returns the run id.
func (r *Run) ID() string {
	return r.id
}

// Status returns the current run status.
func (r *Run) Status() RunStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fsm.Current()
}

// Err returns the terminal cause of a failed run that did not come from a
// stage, such as a *DeadlockError.
func (r *Run) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.err
}

// Done is closed once the run reaches a terminal status and every event has
// been delivered.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Abort asks the engine to stop the run. Running stages finish; nothing new is
// dispatched and no further retries start. Aborting an aborted run is a no-op;
// aborting a run that already succeeded or failed returns ErrInvalidRunState.
func (r *Run) Abort() error {
	switch r.Status() {
	case RunAborted:
		return nil
	case RunSucceeded, RunFailed:
		return ErrInvalidRunState
	}
	r.abortOnce.Do(func() {
		r.aborted.Store(true)
		close(r.abortCh)
	})
	return nil
}

// Aborted reports whether an abort was requested.
func (r *Run) Aborted() bool {
	return r.aborted.Load()
}

// StageState returns the state of one stage.
func (r *Run) StageState(stageID string) (StageState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.states[stageID]
	return s, ok
}

// Outcomes returns the outcome of every stage.
func (r *Run) Outcomes() map[string]StageOutcome {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.outcomesLocked()
}

func (r *Run) outcomesLocked() map[string]StageOutcome {
	out := make(map[string]StageOutcome, len(r.states))
	for k, s := range r.states {
		out[k] = s.Outcome
	}
	return out
}

// Facts returns a copy of the facts gathered so far.
func (r *Run) Facts() condition.Facts {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.facts.Clone()
}

// TakenEdges returns the transitions taken so far, in order.
func (r *Run) TakenEdges() []Edge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Edge(nil), r.taken...)
}

// History returns the run status transitions recorded so far.
func (r *Run) History() []statemachine.TransitionRecord[RunStatus] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fsm.History()
}

// The methods below are called by the engine coordinator only.

func (r *Run) transition(to RunStatus, event string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fsm.IsFinal() {
		return ErrInvalidRunState
	}
	return r.fsm.TransitionTo(to, statemachine.Event(event))
}

// updateStage moves a stage to another outcome after checking the stage FSM.
func (r *Run) updateStage(stageID string, fn func(*StageState) StageOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fsm.Current().IsTerminal() {
		return ErrInvalidRunState
	}
	st := r.states[stageID]
	from := st.Outcome
	to := fn(&st)
	if to != from && !statemachine.CanTransitionStage(from, to) {
		return &statemachine.InvalidTransitionError{From: string(from), To: string(to)}
	}
	st.Outcome = to
	r.states[stageID] = st
	return nil
}

// finishStage records the final state of a stage and merges its facts in one
// step, so readers never see a partial merge. Existing keys are kept; the
// conflicting keys are returned.
func (r *Run) finishStage(stageID string, st StageState, custom condition.Facts) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fsm.Current().IsTerminal() {
		return nil, ErrInvalidRunState
	}
	from := r.states[stageID].Outcome
	if !statemachine.CanTransitionStage(from, st.Outcome) {
		return nil, &statemachine.InvalidTransitionError{From: string(from), To: string(st.Outcome)}
	}
	r.states[stageID] = st

	var conflicts []string
	merge := func(facts condition.Facts) {
		for k, v := range facts {
			if _, exists := r.facts[k]; exists {
				conflicts = append(conflicts, k)
				continue
			}
			r.facts[k] = v
		}
	}
	merge(builtinFacts(stageID, st))
	merge(custom)
	return conflicts, nil
}

func (r *Run) setFact(key string, v condition.Value) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.facts[key]; exists {
		return false
	}
	r.facts[key] = v
	return true
}

func (r *Run) setGate(e Edge, state gateState, reason SkipReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gates[e] = gate{state: state, reason: reason}
	if state == gateOpen {
		r.taken = append(r.taken, e)
	}
}

func (r *Run) gate(e Edge) gate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gates[e]
}

func (r *Run) statesCopy() map[string]StageState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]StageState, len(r.states))
	for k, s := range r.states {
		out[k] = s
	}
	return out
}

func (r *Run) markStarted(at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startedAt = at
}

func (r *Run) markFinished(at time.Time, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finishedAt = at
	r.err = cause
}

func (r *Run) nextSeq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return r.seq
}
