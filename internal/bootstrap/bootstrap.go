// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bootstrap brings the cache, registry, and engine connection (C1,
// C2, C3) online in the background with exponential backoff, so the HTTP
// surface can serve introspection before the runtime is fully wired (C4).
package bootstrap

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/crashwise/orchestrator/internal/log"
)

// State is one of the bootstrap machine's states.
type State string

const (
	StateNotStarted State = "not_started"
	StateStarting   State = "starting"
	StateReady      State = "ready"
	StateError      State = "error"
	StateCancelled  State = "cancelled"
)

// BringUp performs one bring-up attempt. A non-nil error moves the machine
// to error and schedules a retry.
type BringUp func(ctx context.Context) error

// Snapshot is the point-in-time view returned to status endpoints and
// embedded in EngineUnavailableError responses.
type Snapshot struct {
	State     State
	LastError string
	Attempt   int
}

// Ready reports whether dependent endpoints may serve requests.
func (s Snapshot) Ready() bool {
	return s.State == StateReady
}

// Machine runs the retry loop and exposes a thread-safe status snapshot.
type Machine struct {
	mu       sync.Mutex
	state    State
	lastErr  string
	attempt  int
	base     time.Duration
	cap      time.Duration
	clearFn  func()
	bringUp  BringUp
	logger   *slog.Logger
	readyCh  chan struct{}
	readyCh1 sync.Once
}

// New creates a machine with the given backoff base/cap. clear is called at
// the start of every retry attempt (the registry's Clear, per the invariant
// that a partial snapshot is never observed mid-retry).
func New(base, cap time.Duration, clear func(), bringUp BringUp, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = log.New(log.FromEnv())
	}
	return &Machine{
		state:   StateNotStarted,
		base:    base,
		cap:     cap,
		clearFn: clear,
		bringUp: bringUp,
		logger:  log.WithComponent(logger, "bootstrap"),
		readyCh: make(chan struct{}),
	}
}

// Run executes the retry loop until ctx is cancelled or bring-up succeeds.
// Cancellation is observed either at the backoff sleep or between attempts.
func (m *Machine) Run(ctx context.Context) {
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			m.setState(StateCancelled, "", attempt-1)
			return
		default:
		}

		m.setState(StateStarting, "", attempt)
		if m.clearFn != nil {
			m.clearFn()
		}

		err := m.bringUp(ctx)
		if err == nil {
			m.setState(StateReady, "", attempt)
			m.readyCh1.Do(func() { close(m.readyCh) })
			return
		}

		m.setState(StateError, err.Error(), attempt)
		m.logger.Warn("bootstrap attempt failed", log.Int("attempt", attempt), log.Error(err))

		delay := backoff(m.base, m.cap, attempt)
		select {
		case <-ctx.Done():
			m.setState(StateCancelled, err.Error(), attempt)
			return
		case <-time.After(delay):
		}
	}
}

// backoff computes min(base*2^(attempt-1), cap).
func backoff(base, cap time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}

func (m *Machine) setState(s State, lastErr string, attempt int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
	m.lastErr = lastErr
	m.attempt = attempt
}

// Status returns the current snapshot.
func (m *Machine) Status() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{State: m.state, LastError: m.lastErr, Attempt: m.attempt}
}

// Ready is a convenience wrapper over Status().Ready().
func (m *Machine) Ready() bool {
	return m.Status().Ready()
}

// WaitReady blocks until bring-up succeeds or ctx is cancelled.
func (m *Machine) WaitReady(ctx context.Context) error {
	select {
	case <-m.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
