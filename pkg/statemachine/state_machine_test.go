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
	"errors"
	"strings"
	"sync"
	"testing"
)

// 测试用状态
type OrderStatus string

const (
	OrderCreated   OrderStatus = "CREATED"
	OrderPaid      OrderStatus = "PAID"
	OrderShipped   OrderStatus = "SHIPPED"
	OrderDelivered OrderStatus = "DELIVERED"
	OrderCanceled  OrderStatus = "CANCELED"
)

func newOrderMachine() *StateMachine[OrderStatus] {
	return NewWithState(OrderCreated).
		Allow(OrderCreated, OrderPaid, OrderCanceled).
		Allow(OrderPaid, OrderShipped, OrderCanceled).
		Allow(OrderShipped, OrderDelivered)
}

func TestStateMachine_Basic(t *testing.T) {
	sm := newOrderMachine()

	if sm.Current() != OrderCreated {
		t.Errorf("expected current state to be %v, got %v", OrderCreated, sm.Current())
	}
	if sm.Initial() != OrderCreated {
		t.Errorf("expected initial state to be %v, got %v", OrderCreated, sm.Initial())
	}

	if err := sm.TransitionTo(OrderPaid, "pay"); err != nil {
		t.Errorf("expected transition to succeed, got error: %v", err)
	}
	if !sm.Is(OrderPaid) {
		t.Errorf("expected current state to be %v, got %v", OrderPaid, sm.Current())
	}

	err := sm.TransitionTo(OrderDelivered, "")
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if invalid.From != string(OrderPaid) || invalid.To != string(OrderDelivered) {
		t.Errorf("unexpected error fields: %+v", invalid)
	}
}

func TestStateMachine_HooksAndHistory(t *testing.T) {
	sm := newOrderMachine()

	var order []string
	sm.OnTransition(func(from, to OrderStatus, event Event) error {
		order = append(order, "transition:"+string(event))
		return nil
	})
	sm.OnEnter(OrderPaid, func(state OrderStatus) error {
		order = append(order, "enter:paid")
		return nil
	})

	if err := sm.TransitionTo(OrderPaid, "pay"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := []string{"transition:pay", "enter:paid"}
	if strings.Join(order, ",") != strings.Join(expected, ",") {
		t.Errorf("expected hooks %v, got %v", expected, order)
	}

	history := sm.History()
	if len(history) != 1 || history[0].From != OrderCreated || history[0].To != OrderPaid || history[0].Event != "pay" {
		t.Errorf("unexpected history: %+v", history)
	}
}

func TestStateMachine_TransitionHookErrorKeepsState(t *testing.T) {
	sm := newOrderMachine()
	sm.OnTransition(func(from, to OrderStatus, event Event) error {
		return errors.New("denied")
	})

	if err := sm.TransitionTo(OrderPaid, ""); err == nil {
		t.Fatal("expected hook error")
	}
	if !sm.Is(OrderCreated) {
		t.Errorf("state changed despite hook error: %v", sm.Current())
	}
}

func TestStateMachine_MaxHistorySize(t *testing.T) {
	sm := NewWithState(OrderCreated).
		Allow(OrderCreated, OrderPaid).
		Allow(OrderPaid, OrderCreated).
		SetMaxHistorySize(3)

	for i := 0; i < 10; i++ {
		target := OrderPaid
		if sm.Is(OrderPaid) {
			target = OrderCreated
		}
		if err := sm.TransitionTo(target, ""); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if n := len(sm.History()); n != 3 {
		t.Errorf("expected 3 history records, got %d", n)
	}
}

func TestStateMachine_IsFinal(t *testing.T) {
	sm := newOrderMachine()
	if sm.IsFinal() {
		t.Error("CREATED should not be final")
	}
	_ = sm.TransitionTo(OrderCanceled, "")
	if !sm.IsFinal() {
		t.Error("CANCELED should be final")
	}
	if !sm.IsOneOf(OrderDelivered, OrderCanceled) {
		t.Error("expected IsOneOf to match CANCELED")
	}
}

func TestStateMachine_Concurrency(t *testing.T) {
	sm := newOrderMachine()

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sm.Current()
			if err := sm.TransitionTo(OrderPaid, ""); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 {
		t.Errorf("expected exactly one goroutine to win the transition, got %d", succeeded)
	}
}

func TestStateMachine_ToDot(t *testing.T) {
	dot := newOrderMachine().ToDot("order")

	for _, want := range []string{
		"digraph order {",
		`start -> "CREATED";`,
		`"CREATED" -> "PAID";`,
		`"SHIPPED" -> "DELIVERED";`,
	} {
		if !strings.Contains(dot, want) {
			t.Errorf("expected DOT to contain %q, got:\n%s", want, dot)
		}
	}
}
