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
	"time"

	"github.com/go-arcade/pipesim/pkg/condition"
)

// reconcile settles stages that can no longer run and dispatches the ready
// ones in declaration order until the concurrency limit is reached.
func (x *execution) reconcile() {
	x.propagateSkips()
	for _, id := range x.readyStages() {
		if x.sem != nil && !x.sem.TryAcquire(1) {
			return
		}
		x.dispatch(id)
	}
}

// propagateSkips skips Pending stages blocked by an upstream failure, left
// without any path that ran, or behind a closed gate. It repeats until nothing
// changes so that skips cascade.
func (x *execution) propagateSkips() {
	for changed := true; changed; {
		changed = false
		states := x.run.statesCopy()
		blocked := make(map[string]SkipReason)
		for _, id := range x.graph.BlockedStages(states) {
			blocked[id] = SkipUpstream
		}
		for _, id := range x.graph.OrphanedStages(states) {
			blocked[id] = SkipBranch
		}
		for _, id := range x.graph.order {
			if x.graph.stages[id].Kind == KindRollback || states[id].Outcome != OutcomePending {
				continue
			}
			reason := blocked[id]
			if r, closed := x.closedGate(id); closed && reason != SkipUpstream {
				reason = r
			}
			if reason != SkipNone {
				x.skip(id, reason)
				changed = true
			}
		}
	}
}

// readyStages returns the stages that can start now: regular stages whose
// dependencies are satisfied and whose gates are open, and triggered
// rollback stages whose dependencies have all settled.
func (x *execution) readyStages() []string {
	states := x.run.statesCopy()
	regular := make(map[string]bool)
	for _, id := range x.graph.ReadyStages(states) {
		if x.gatesOpen(id) {
			regular[id] = true
		}
	}

	var ready []string
	for _, id := range x.graph.order {
		switch {
		case regular[id]:
			ready = append(ready, id)
		case x.graph.stages[id].Kind == KindRollback &&
			len(x.rollbacks[id]) > 0 &&
			states[id].Outcome == OutcomePending &&
			x.graph.dependenciesSettled(id, states):
			ready = append(ready, id)
		}
	}
	return ready
}

func (x *execution) gatesOpen(id string) bool {
	for _, from := range x.table.Incoming(id) {
		if x.run.gate(Edge{From: from, To: id}).state != gateOpen {
			return false
		}
	}
	return true
}

// closedGate reports whether a gate into id is closed. An upstream closure
// wins over a branch closure.
func (x *execution) closedGate(id string) (SkipReason, bool) {
	reason, closed := SkipNone, false
	for _, from := range x.table.Incoming(id) {
		g := x.run.gate(Edge{From: from, To: id})
		if g.state != gateClosed {
			continue
		}
		if g.reason == SkipUpstream {
			return SkipUpstream, true
		}
		reason, closed = g.reason, true
	}
	return reason, closed
}

func (x *execution) skip(id string, reason SkipReason) {
	err := x.run.updateStage(id, func(st *StageState) StageOutcome {
		st.SkipReason = reason
		st.FinishedAt = time.Now()
		return OutcomeSkipped
	})
	if err != nil {
		x.logger.L().Errorw("failed to skip stage", "stage", id, "error", err)
		return
	}
	x.logger.L().Debugw("stage skipped", "stage", id, "reason", reason)

	gateReason := SkipUpstream
	if reason == SkipBranch || reason == SkipNotTriggered {
		gateReason = SkipBranch
	}
	x.closeGates(id, gateReason)
}

// closeGates closes every still pending gate leaving from.
func (x *execution) closeGates(from string, reason SkipReason) {
	for _, to := range x.table.Targets(from) {
		edge := Edge{From: from, To: to}
		if x.run.gate(edge).state == gatePending {
			x.run.setGate(edge, gateClosed, reason)
		}
	}
}

// triggerRollback attaches the failed stage to the nearest rollback stage
// that has not run yet.
func (x *execution) triggerRollback(failed string) {
	rb, ok := x.selectRollback(failed)
	if !ok {
		x.logger.L().Debugw("no rollback stage covers failed stage", "stage", failed)
		return
	}
	x.rollbacks[rb] = append(x.rollbacks[rb], failed)
	x.emit(EventRollbackTriggered, rb, Payload{From: failed, To: rb})
	x.logger.L().Warnw("rollback triggered", "failed", failed, "rollback", rb)
}

// selectRollback picks the Pending rollback stage that depends on failed or
// on its nearest ancestor. Ties go to the stage declared first. A rollback
// stage already running cannot take on failures it was not started for.
func (x *execution) selectRollback(failed string) (string, bool) {
	distance := map[string]int{failed: 0}
	for _, a := range x.graph.Ancestors(failed) {
		distance[a.Name] = a.Distance
	}

	best, bestDistance := "", -1
	for _, id := range x.graph.order {
		if x.graph.stages[id].Kind != KindRollback {
			continue
		}
		if st, _ := x.run.StageState(id); st.Outcome != OutcomePending {
			continue
		}
		d := -1
		for _, dep := range x.graph.Dependencies(id) {
			if dd, ok := distance[dep]; ok && (d < 0 || dd < d) {
				d = dd
			}
		}
		if d < 0 {
			continue
		}
		if best == "" || d < bestDistance {
			best, bestDistance = id, d
		}
	}
	return best, best != ""
}

// completeRollback marks the stages covered by a successful rollback stage
// RolledBack. A failed rollback leaves them Failed.
func (x *execution) completeRollback(rb string, outcome StageOutcome) {
	covered := x.rollbacks[rb]
	if outcome != OutcomeSucceeded {
		x.logger.L().Errorw("rollback failed", "rollback", rb, "stages", covered)
		return
	}
	for _, failed := range covered {
		err := x.run.updateStage(failed, func(*StageState) StageOutcome { return OutcomeRolledBack })
		if err != nil {
			x.logger.L().Errorw("failed to mark stage rolled back", "stage", failed, "error", err)
			continue
		}
		x.run.setFact(FactKey(failed, FactRolledBack), condition.Bool(true))
		x.emit(EventStageRolledBack, failed, Payload{Outcome: OutcomeRolledBack, From: failed, To: rb})
		x.logger.L().Infow("stage rolled back", "stage", failed, "rollback", rb)
	}
}

// skipUntriggeredRollbacks skips rollback stages nobody asked for. It only
// runs once the run is otherwise idle, so no later failure can need them.
func (x *execution) skipUntriggeredRollbacks() bool {
	skipped := false
	for _, id := range x.graph.order {
		if x.graph.stages[id].Kind != KindRollback || len(x.rollbacks[id]) > 0 {
			continue
		}
		if st, _ := x.run.StageState(id); st.Outcome == OutcomePending {
			x.skip(id, SkipNotTriggered)
			skipped = true
		}
	}
	return skipped
}

// pendingStages returns the stages still Pending, in declaration order.
func (x *execution) pendingStages() []string {
	var pending []string
	for _, id := range x.graph.order {
		if st, _ := x.run.StageState(id); st.Outcome == OutcomePending {
			pending = append(pending, id)
		}
	}
	return pending
}
