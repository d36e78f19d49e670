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
	"fmt"
	"strings"
	"time"

	"github.com/go-arcade/pipesim/pkg/statemachine"
)

// StageKind classifies what a stage does. Only rollback carries scheduling
// semantics; the other kinds are labels for runners and reports.
type StageKind string

const (
	KindBuild    StageKind = "build"
	KindTest     StageKind = "test"
	KindDeploy   StageKind = "deploy"
	KindRollback StageKind = "rollback"
	KindCustom   StageKind = "custom"
)

var stageKinds = []StageKind{KindBuild, KindTest, KindDeploy, KindRollback, KindCustom}

// ParseStageKind parses a kind name case-insensitively. An empty name is custom.
func ParseStageKind(s string) (StageKind, error) {
	if s == "" {
		return KindCustom, nil
	}
	k := StageKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown stage kind %q", s)
	}
	return k, nil
}

// Valid reports whether k is one of the known kinds.
func (k StageKind) Valid() bool {
	for _, known := range stageKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Configuration is the opaque per-stage payload. Only the action runner reads it.
type Configuration map[string]any

// Stage is one unit of work in a pipeline.
type Stage struct {
	// ID uniquely identifies the stage in its graph
	ID string `json:"id"`
	// Name is a human label; defaults to ID
	Name string `json:"name,omitempty"`
	// Kind defaults to custom
	Kind StageKind `json:"kind"`
	// DependsOn lists the stages that must finish before this one starts
	DependsOn []string `json:"dependsOn,omitempty"`
	// Configuration is handed to the action runner untouched
	Configuration Configuration `json:"configuration,omitempty"`
	// MaxRetries is the number of extra attempts; nil uses the engine default
	MaxRetries *int `json:"maxRetries,omitempty"`
	// Timeout bounds a single attempt; zero uses the engine default
	Timeout time.Duration `json:"timeout,omitempty"`
	// AllowFailure keeps a failure of this stage from failing the run
	AllowFailure bool `json:"allowFailure,omitempty"`
	// RollbackEligible overrides whether a failure triggers a rollback stage
	RollbackEligible *bool `json:"rollbackEligible,omitempty"`
}

// DisplayName returns Name, falling back to ID.
func (s Stage) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// CanRollback reports whether a failure of s should trigger a rollback stage.
// Rollback stages never trigger one themselves.
func (s Stage) CanRollback() bool {
	if s.Kind == KindRollback {
		return false
	}
	if s.RollbackEligible != nil {
		return *s.RollbackEligible
	}
	return s.Kind == KindDeploy
}

func (s Stage) clone() Stage {
	c := s
	c.DependsOn = append([]string(nil), s.DependsOn...)
	if s.Configuration != nil {
		c.Configuration = make(Configuration, len(s.Configuration))
		for k, v := range s.Configuration {
			c.Configuration[k] = v
		}
	}
	if s.MaxRetries != nil {
		n := *s.MaxRetries
		c.MaxRetries = &n
	}
	if s.RollbackEligible != nil {
		b := *s.RollbackEligible
		c.RollbackEligible = &b
	}
	return c
}

// stageNode implements dag.NamedNode for DAG integration
type stageNode struct {
	stage *Stage
}

func (n stageNode) NodeName() string {
	return n.stage.ID
}

func (n stageNode) PrevNodeNames() []string {
	return n.stage.DependsOn
}

type (
	// RunStatus is the lifecycle status of a run.
	RunStatus = statemachine.RunStatus
	// StageOutcome is the live outcome of a stage inside a run.
	StageOutcome = statemachine.StageOutcome
)

const (
	RunInitial   = statemachine.RunInitial
	RunRunning   = statemachine.RunRunning
	RunSucceeded = statemachine.RunSucceeded
	RunFailed    = statemachine.RunFailed
	RunAborted   = statemachine.RunAborted

	OutcomePending    = statemachine.StagePending
	OutcomeRunning    = statemachine.StageRunning
	OutcomeSucceeded  = statemachine.StageSucceeded
	OutcomeFailed     = statemachine.StageFailed
	OutcomeRolledBack = statemachine.StageRolledBack
	OutcomeSkipped    = statemachine.StageSkipped
)

// SkipReason records why a stage ended Skipped.
type SkipReason string

const (
	SkipNone SkipReason = ""
	// SkipUpstream: a dependency failed, was rolled back or was skipped upstream
	SkipUpstream SkipReason = "upstream-failed"
	// SkipBranch: a transition chose a different successor
	SkipBranch SkipReason = "branch-not-taken"
	// SkipNotTriggered: a rollback stage whose rollback never happened
	SkipNotTriggered SkipReason = "rollback-not-triggered"
	SkipAborted      SkipReason = "aborted"
	SkipDeadlock     SkipReason = "deadlock"
)

// StageState is the per-run state of one stage.
type StageState struct {
	Outcome    StageOutcome
	SkipReason SkipReason
	// Attempts counts started attempts, including the first
	Attempts   int
	ExitCode   int
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// satisfies reports whether a dependent may proceed past this state.
func (s StageState) satisfies() bool {
	switch s.Outcome {
	case OutcomeSucceeded:
		return true
	case OutcomeSkipped:
		return s.SkipReason == SkipBranch || s.SkipReason == SkipNotTriggered
	}
	return false
}

// blocks reports whether this state permanently prevents dependents from running.
func (s StageState) blocks() bool {
	switch s.Outcome {
	case OutcomeFailed, OutcomeRolledBack:
		return true
	case OutcomeSkipped:
		return s.SkipReason != SkipBranch && s.SkipReason != SkipNotTriggered
	}
	return false
}
