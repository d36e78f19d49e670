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

package safe

import (
	"errors"
	"testing"
)

func TestDo(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("Do did not recover from panic: %v", r)
		}
	}()

	Do(func() { panic("test panic") })
}

func TestGo(t *testing.T) {
	done := make(chan bool)
	Go(func() {
		defer func() {
			done <- true
		}()
		panic("test panic in goroutine")
	})
	<-done
}

func TestCall(t *testing.T) {
	err := Call(func() error { panic("boom") })
	var panicErr *PanicError
	if !errors.As(err, &panicErr) {
		t.Fatalf("expected PanicError, got %v", err)
	}
	if panicErr.Value != "boom" || len(panicErr.Stack) == 0 {
		t.Errorf("unexpected panic error: %+v", panicErr)
	}

	want := errors.New("plain")
	if err := Call(func() error { return want }); err != want {
		t.Errorf("expected plain error to pass through, got %v", err)
	}
	if err := Call(func() error { return nil }); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}
