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

// Package definition loads pipeline definitions written in YAML or JSON.
//
//	name: delivery
//	stages:
//	  - id: build
//	    kind: build
//	    timeout: 30s
//	    config:
//	      duration: 200ms
//	  - id: test
//	    kind: test
//	    dependsOn: [build]
//	    maxRetries: 2
//	transitions:
//	  - from: build
//	    to: test
//	    when: build.success
package definition

import (
	"fmt"
	"os"
	"time"

	"github.com/go-arcade/pipesim/internal/pkg/pipeline"
	"github.com/go-arcade/pipesim/pkg/duration"
	"sigs.k8s.io/yaml"
)

// Definition is a decoded pipeline.
type Definition struct {
	Name        string
	Description string
	Stages      []pipeline.Stage
	Transitions []pipeline.TransitionRule
}

type document struct {
	Name        string                    `json:"name,omitempty"`
	Description string                    `json:"description,omitempty"`
	Stages      []stageDocument           `json:"stages"`
	Transitions []pipeline.TransitionRule `json:"transitions,omitempty"`
}

type stageDocument struct {
	ID           string         `json:"id"`
	Name         string         `json:"name,omitempty"`
	Kind         string         `json:"kind,omitempty"`
	DependsOn    []string       `json:"dependsOn,omitempty"`
	MaxRetries   *int           `json:"maxRetries,omitempty"`
	Timeout      string         `json:"timeout,omitempty"`
	AllowFailure bool           `json:"allowFailure,omitempty"`
	Rollback     *bool          `json:"rollback,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
}

// Parse decodes a definition. Unknown fields are rejected.
func Parse(data []byte) (*Definition, error) {
	var doc document
	if err := yaml.UnmarshalStrict(data, &doc); err != nil {
		return nil, &pipeline.ConfigError{Err: fmt.Errorf("decode definition: %w", err)}
	}
	if len(doc.Stages) == 0 {
		return nil, &pipeline.ConfigError{Err: fmt.Errorf("definition has no stages")}
	}

	def := &Definition{
		Name:        doc.Name,
		Description: doc.Description,
		Stages:      make([]pipeline.Stage, 0, len(doc.Stages)),
		Transitions: doc.Transitions,
	}
	for i, sd := range doc.Stages {
		stage, err := sd.stage()
		if err != nil {
			subject := fmt.Sprintf("stage %q", sd.ID)
			if sd.ID == "" {
				subject = fmt.Sprintf("stage #%d", i+1)
			}
			return nil, &pipeline.ConfigError{Subject: subject, Err: err}
		}
		def.Stages = append(def.Stages, stage)
	}
	return def, nil
}

func (sd stageDocument) stage() (pipeline.Stage, error) {
	kind, err := pipeline.ParseStageKind(sd.Kind)
	if err != nil {
		return pipeline.Stage{}, err
	}
	var timeout time.Duration
	if sd.Timeout != "" {
		if timeout, err = duration.Parse(sd.Timeout); err != nil {
			return pipeline.Stage{}, fmt.Errorf("invalid timeout: %w", err)
		}
	}
	return pipeline.Stage{
		ID:               sd.ID,
		Name:             sd.Name,
		Kind:             kind,
		DependsOn:        sd.DependsOn,
		Configuration:    pipeline.Configuration(sd.Config),
		MaxRetries:       sd.MaxRetries,
		Timeout:          timeout,
		AllowFailure:     sd.AllowFailure,
		RollbackEligible: sd.Rollback,
	}, nil
}

// Load reads and parses the definition at path.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	return Parse(data)
}

// Build validates the definition and returns its graph and transition table.
func (d *Definition) Build() (*pipeline.StageGraph, *pipeline.TransitionTable, error) {
	graph, err := pipeline.NewStageGraph(d.Stages)
	if err != nil {
		return nil, nil, err
	}
	table, err := pipeline.NewTransitionTable(d.Transitions, graph)
	if err != nil {
		return nil, nil, err
	}
	return graph, table, nil
}

// Marshal encodes d as YAML in the format Parse accepts.
func Marshal(d *Definition) ([]byte, error) {
	doc := document{
		Name:        d.Name,
		Description: d.Description,
		Stages:      make([]stageDocument, 0, len(d.Stages)),
		Transitions: d.Transitions,
	}
	for _, s := range d.Stages {
		sd := stageDocument{
			ID:           s.ID,
			Name:         s.Name,
			Kind:         string(s.Kind),
			DependsOn:    s.DependsOn,
			MaxRetries:   s.MaxRetries,
			AllowFailure: s.AllowFailure,
			Rollback:     s.RollbackEligible,
			Config:       s.Configuration,
		}
		if s.Timeout > 0 {
			sd.Timeout = duration.Format(s.Timeout)
		}
		doc.Stages = append(doc.Stages, sd)
	}
	return yaml.Marshal(doc)
}
