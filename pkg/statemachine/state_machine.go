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

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// Event names the cause of a transition. It is recorded in history only.
type Event string

// TransitionHook is triggered when a state transition occurs.
type TransitionHook[T comparable] func(from, to T, event Event) error

// StateHook is triggered when entering a state.
type StateHook[T comparable] func(state T) error

// TransitionRecord records a state transition in the FSM history.
type TransitionRecord[T comparable] struct {
	From      T
	To        T
	Event     Event
	Timestamp time.Time
}

// StateMachine is a generic finite state machine with an explicit transition
// table, enter hooks and bounded history. It is safe for concurrent use.
type StateMachine[T comparable] struct {
	mu sync.RWMutex

	current T
	initial T

	validTransitions map[T][]T

	history        []TransitionRecord[T]
	maxHistorySize int

	onTransition []TransitionHook[T]
	onEnter      map[T][]StateHook[T]
}

// New creates an empty StateMachine.
func New[T comparable]() *StateMachine[T] {
	return &StateMachine[T]{
		validTransitions: make(map[T][]T),
		onEnter:          make(map[T][]StateHook[T]),
		maxHistorySize:   100,
	}
}

// NewWithState creates a StateMachine positioned at initialState.
func NewWithState[T comparable](initialState T) *StateMachine[T] {
	sm := New[T]()
	sm.current = initialState
	sm.initial = initialState
	return sm
}

// Allow registers from -> to for every target.
func (sm *StateMachine[T]) Allow(from T, to ...T) *StateMachine[T] {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for _, target := range to {
		if !slices.Contains(sm.validTransitions[from], target) {
			sm.validTransitions[from] = append(sm.validTransitions[from], target)
		}
	}
	return sm
}

// CanTransition checks if from -> to is registered.
func (sm *StateMachine[T]) CanTransition(from, to T) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return slices.Contains(sm.validTransitions[from], to)
}

// CanTransitionTo checks the transition from the current state.
func (sm *StateMachine[T]) CanTransitionTo(to T) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return slices.Contains(sm.validTransitions[sm.current], to)
}

// Current returns the current state.
func (sm *StateMachine[T]) Current() T {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// Initial returns the initial state.
func (sm *StateMachine[T]) Initial() T {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.initial
}

// Is checks if the current state matches the given state.
func (sm *StateMachine[T]) Is(state T) bool {
	return sm.Current() == state
}

// IsOneOf checks if the current state is one of the given states.
func (sm *StateMachine[T]) IsOneOf(states ...T) bool {
	return slices.Contains(states, sm.Current())
}

// IsFinal reports whether no transition leaves the current state.
func (sm *StateMachine[T]) IsFinal() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.validTransitions[sm.current]) == 0
}

// GetValidNextStates returns all valid next states from the given state.
func (sm *StateMachine[T]) GetValidNextStates(from T) []T {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return slices.Clone(sm.validTransitions[from])
}

// History returns a copy of the transition history.
func (sm *StateMachine[T]) History() []TransitionRecord[T] {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return slices.Clone(sm.history)
}

// SetMaxHistorySize sets the maximum number of history records to keep.
func (sm *StateMachine[T]) SetMaxHistorySize(size int) *StateMachine[T] {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.maxHistorySize = size
	if len(sm.history) > size {
		sm.history = sm.history[len(sm.history)-size:]
	}
	return sm
}

// OnTransition registers a hook called on every successful transition, before
// the current state changes. A hook error aborts the transition.
func (sm *StateMachine[T]) OnTransition(h TransitionHook[T]) *StateMachine[T] {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.onTransition = append(sm.onTransition, h)
	return sm
}

// OnEnter registers a hook called after entering state.
func (sm *StateMachine[T]) OnEnter(state T, h StateHook[T]) *StateMachine[T] {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.onEnter[state] = append(sm.onEnter[state], h)
	return sm
}

// TransitionTo moves from the current state to to.
func (sm *StateMachine[T]) TransitionTo(to T, event Event) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	from := sm.current
	if !slices.Contains(sm.validTransitions[from], to) {
		return &InvalidTransitionError{From: fmt.Sprint(from), To: fmt.Sprint(to)}
	}

	for _, h := range sm.onTransition {
		if err := h(from, to, event); err != nil {
			return fmt.Errorf("transition hook failed: %w", err)
		}
	}

	sm.current = to
	sm.history = append(sm.history, TransitionRecord[T]{From: from, To: to, Event: event, Timestamp: time.Now()})
	if len(sm.history) > sm.maxHistorySize {
		sm.history = sm.history[len(sm.history)-sm.maxHistorySize:]
	}

	for _, h := range sm.onEnter[to] {
		if err := h(to); err != nil {
			return fmt.Errorf("enter hook failed for state %v: %w", to, err)
		}
	}
	return nil
}

// InvalidTransitionError is returned for transitions missing from the table.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s → %s", e.From, e.To)
}

// ToDot exports the transition table as a Graphviz DOT digraph.
func (sm *StateMachine[T]) ToDot(name string) string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	dot := fmt.Sprintf("digraph %s {\n", name)
	dot += "  rankdir=LR;\n"
	dot += "  node [shape=circle];\n"
	dot += "  start [shape=point];\n"
	dot += fmt.Sprintf("  start -> \"%v\";\n", sm.initial)
	dot += fmt.Sprintf("  \"%v\" [style=filled, fillcolor=lightblue];\n", sm.current)

	// map iteration order is random; walk states in first-seen order
	var states []T
	seen := map[T]bool{}
	visit := func(s T) {
		if !seen[s] {
			seen[s] = true
			states = append(states, s)
		}
	}
	visit(sm.initial)
	for i := 0; i < len(states); i++ {
		for _, to := range sm.validTransitions[states[i]] {
			visit(to)
		}
	}
	for _, from := range states {
		for _, to := range sm.validTransitions[from] {
			dot += fmt.Sprintf("  \"%v\" -> \"%v\";\n", from, to)
		}
	}

	dot += "}\n"
	return dot
}
