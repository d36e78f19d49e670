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

package statemachine

// StageOutcome is the live outcome of one stage inside a run.
type StageOutcome string

const (
	StagePending    StageOutcome = "PENDING"
	StageRunning    StageOutcome = "RUNNING"
	StageSucceeded  StageOutcome = "SUCCEEDED"
	StageFailed     StageOutcome = "FAILED"
	StageRolledBack StageOutcome = "ROLLED_BACK"
	StageSkipped    StageOutcome = "SKIPPED"
)

// IsTerminal reports whether the stage finished one way or another.
// RolledBack is reachable from Failed, so Failed counts as terminal too.
func (so StageOutcome) IsTerminal() bool {
	return so == StageSucceeded || so == StageFailed || so == StageRolledBack || so == StageSkipped
}

// stageTransitions is shared by every stage; stages are validated against it
// rather than each carrying their own machine.
var stageTransitions = New[StageOutcome]().
	Allow(StagePending, StageRunning, StageSkipped).
	Allow(StageRunning, StageSucceeded, StageFailed).
	Allow(StageFailed, StageRolledBack)

// CanTransitionStage reports whether a stage may move from one outcome to another.
func CanTransitionStage(from, to StageOutcome) bool {
	return stageTransitions.CanTransition(from, to)
}

// NewStageStateMachine returns a per-stage FSM positioned at StagePending.
func NewStageStateMachine() *StateMachine[StageOutcome] {
	sm := NewWithState(StagePending)
	for _, from := range []StageOutcome{StagePending, StageRunning, StageFailed} {
		sm.Allow(from, stageTransitions.GetValidNextStates(from)...)
	}
	return sm
}
