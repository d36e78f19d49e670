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

package simulate

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/go-arcade/pipesim/internal/pkg/pipeline"
)

// Runner is a pipeline.ActionRunner that simulates stages from their
// configuration instead of running real work.
//
// Expressions see:
//
//	attempt  1-based attempt number
//	stage    stage id
//	kind     stage kind
//	facts    map of fact key to value, e.g. facts["build.exitCode"]
//	config   the raw stage configuration
type Runner struct {
	programs sync.Map // expression -> *vm.Program

	mu  sync.Mutex
	rnd *rand.Rand
}

// Option configures a Runner.
type Option func(*Runner)

// WithSeed makes failureRate draws reproducible.
func WithSeed(seed uint64) Option {
	return func(r *Runner) {
		r.rnd = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

// NewRunner returns a simulated action runner.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{}
	for _, opt := range opts {
		opt(r)
	}
	if r.rnd == nil {
		r.rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return r
}

var _ pipeline.ActionRunner = (*Runner)(nil)

func (r *Runner) Run(ctx context.Context, inv pipeline.Invocation) (pipeline.Result, error) {
	b, err := ParseBehavior(inv.Stage.Configuration)
	if err != nil {
		return pipeline.Result{}, err
	}
	if b.Panic != "" {
		panic(b.Panic)
	}

	if b.Duration > 0 {
		timer := time.NewTimer(b.Duration)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return pipeline.Result{}, ctx.Err()
		}
	}

	env := newEnv(inv)
	ok, err := r.eval(b.SucceedWhen, env, true)
	if err != nil {
		return pipeline.Result{}, err
	}
	if ok && b.FailureRate > 0 && r.draw() < b.FailureRate {
		ok = false
	}
	if !ok {
		return pipeline.Result{
			Outcome:  pipeline.OutcomeFailed,
			ExitCode: b.ExitCode,
			Facts:    b.Facts,
			Message:  message(b, "simulated failure"),
		}, nil
	}

	retry, err := r.eval(b.RetryWhen, env, false)
	if err != nil {
		return pipeline.Result{}, err
	}
	return pipeline.Result{
		Outcome:      pipeline.OutcomeSucceeded,
		Facts:        b.Facts,
		RequestRetry: retry,
		Message:      message(b, ""),
	}, nil
}

func message(b Behavior, fallback string) string {
	if b.Message != "" {
		return b.Message
	}
	return fallback
}

func (r *Runner) draw() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rnd.Float64()
}

func newEnv(inv pipeline.Invocation) map[string]any {
	config := map[string]any(inv.Stage.Configuration)
	if config == nil {
		config = map[string]any{}
	}
	return map[string]any{
		"attempt": inv.Attempt,
		"stage":   inv.Stage.ID,
		"kind":    string(inv.Stage.Kind),
		"facts":   inv.Facts.Map(),
		"config":  config,
	}
}

// eval runs a boolean expression; an empty expression yields def.
func (r *Runner) eval(source string, env map[string]any, def bool) (bool, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return def, nil
	}
	program, err := r.compile(source)
	if err != nil {
		return false, err
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("evaluate expression %q: %w", source, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q must return bool, got %T", source, out)
	}
	return b, nil
}

func (r *Runner) compile(source string) (*vm.Program, error) {
	if p, ok := r.programs.Load(source); ok {
		return p.(*vm.Program), nil
	}
	program, err := expr.Compile(source, expr.Env(envTemplate), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile expression %q: %w", source, err)
	}
	r.programs.Store(source, program)
	return program, nil
}

var envTemplate = map[string]any{
	"attempt": 0,
	"stage":   "",
	"kind":    "",
	"facts":   map[string]any{},
	"config":  map[string]any{},
}

// Validate checks the simulation settings of every stage and compiles their
// expressions.
func Validate(stages []pipeline.Stage) error {
	r := NewRunner(WithSeed(0))
	for _, s := range stages {
		b, err := ParseBehavior(s.Configuration)
		if err != nil {
			return fmt.Errorf("stage %q: %w", s.ID, err)
		}
		for _, source := range []string{b.SucceedWhen, b.RetryWhen} {
			if strings.TrimSpace(source) == "" {
				continue
			}
			if _, err := r.compile(source); err != nil {
				return fmt.Errorf("stage %q: %w", s.ID, err)
			}
		}
	}
	return nil
}
