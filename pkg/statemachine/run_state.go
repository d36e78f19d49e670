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

// RunStatus is the lifecycle status of one pipeline run.
type RunStatus string

const (
	RunInitial   RunStatus = "INITIAL"
	RunRunning   RunStatus = "RUNNING"
	RunSucceeded RunStatus = "SUCCEEDED"
	RunFailed    RunStatus = "FAILED"
	RunAborted   RunStatus = "ABORTED"
)

// IsTerminal reports whether the run can no longer change.
func (rs RunStatus) IsTerminal() bool {
	return rs == RunSucceeded || rs == RunFailed || rs == RunAborted
}

// NewRunStateMachine returns a run FSM positioned at RunInitial.
func NewRunStateMachine() *StateMachine[RunStatus] {
	sm := NewWithState(RunInitial)
	sm.Allow(RunInitial, RunRunning, RunAborted).
		Allow(RunRunning, RunSucceeded, RunFailed, RunAborted)
	return sm
}
