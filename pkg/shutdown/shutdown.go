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

package shutdown

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
)

// DefaultSignals are the signals Listen reacts to when none are given.
var DefaultSignals = []os.Signal{syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT}

// Manager manages graceful shutdown state
type Manager struct {
	shuttingDown atomic.Bool
	once         sync.Once
	shutdownChan chan struct{}

	mu      sync.Mutex
	signals chan os.Signal
	// received is the signal that triggered shutdown, if any
	received os.Signal
}

// NewManager creates a new shutdown manager
func NewManager() *Manager {
	return &Manager{
		shutdownChan: make(chan struct{}),
	}
}

// IsShuttingDown returns true if shutdown was triggered
func (m *Manager) IsShuttingDown() bool {
	return m.shuttingDown.Load()
}

// Shutdown triggers graceful shutdown.
// Returns true if shutdown was triggered, false if already shutting down
func (m *Manager) Shutdown() bool {
	if !m.shuttingDown.CompareAndSwap(false, true) {
		return false
	}
	m.once.Do(func() { close(m.shutdownChan) })
	return true
}

// Wait returns a channel closed once shutdown is triggered
func (m *Manager) Wait() <-chan struct{} {
	return m.shutdownChan
}

// Listen triggers shutdown on the first of sigs, DefaultSignals when empty.
// Calling Listen again is a no-op until Stop.
func (m *Manager) Listen(sigs ...os.Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.signals != nil {
		return
	}
	if len(sigs) == 0 {
		sigs = DefaultSignals
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	m.signals = ch

	go func() {
		sig, ok := <-ch
		if !ok {
			return
		}
		m.mu.Lock()
		m.received = sig
		m.mu.Unlock()
		m.Shutdown()
	}()
}

// Signal returns the signal that triggered shutdown, nil when it was
// triggered by Shutdown or has not happened.
func (m *Manager) Signal() os.Signal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.received
}

// Stop detaches the manager from os signals.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.signals == nil {
		return
	}
	signal.Stop(m.signals)
	close(m.signals)
	m.signals = nil
}
