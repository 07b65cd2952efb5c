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

// Package progress holds per-run fuzzing stats and crash reports in memory
// (C7), and notifies subscribers on every update. Presentation (WebSocket,
// SSE) lives in C8 and consumes this package's Subscribe/ReadStats/
// ReadCrashes surface only.
package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	cwerrors "github.com/crashwise/orchestrator/pkg/errors"
)

// Severity is a CrashReport's triage level.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// FuzzingStats is the current snapshot of one run's fuzzing progress.
// Executions, Crashes, UniqueCrashes and ElapsedSeconds are non-decreasing
// across successive Put calls for the same run; callers are responsible for
// that monotonicity, the store does not enforce it.
type FuzzingStats struct {
	Executions       int64      `json:"executions"`
	ExecutionsPerSec float64    `json:"executions_per_sec"`
	Crashes          int64      `json:"crashes"`
	UniqueCrashes    int64      `json:"unique_crashes"`
	Coverage         *float64   `json:"coverage,omitempty"`
	CorpusSize       int64      `json:"corpus_size"`
	ElapsedSeconds   float64    `json:"elapsed_seconds"`
	LastCrashAt      *time.Time `json:"last_crash_at,omitempty"`
}

// CrashReport is one observed crash within a run.
type CrashReport struct {
	CrashID        string    `json:"crash_id"`
	Timestamp      time.Time `json:"timestamp"`
	Signal         *int      `json:"signal,omitempty"`
	CrashType      *string   `json:"crash_type,omitempty"`
	StackTrace     *string   `json:"stack_trace,omitempty"`
	InputFile      *string   `json:"input_file,omitempty"`
	Reproducer     *string   `json:"reproducer,omitempty"`
	Severity       Severity  `json:"severity"`
	Exploitability *string   `json:"exploitability,omitempty"`
}

// Event is pushed to subscribers on every accepted update.
type Event struct {
	Type  string        `json:"type"` // "stats_update" or "crash_report"
	Stats *FuzzingStats `json:"stats,omitempty"`
	Crash *CrashReport  `json:"crash,omitempty"`
}

const subscriberQueueSize = 64

type track struct {
	mu           sync.Mutex
	workflowName string
	stats        FuzzingStats
	crashes      []CrashReport
	subscribers  map[chan Event]struct{}
}

// Store holds the process-local map of ProgressTracks, one per fuzzing run.
type Store struct {
	mu     sync.RWMutex
	tracks map[string]*track
}

// New creates an empty progress store.
func New() *Store {
	return &Store{tracks: make(map[string]*track)}
}

// Init creates an empty track for runID. Idempotent: calling it again for a
// run that already exists is a no-op.
func (s *Store) Init(runID, workflowName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tracks[runID]; exists {
		return
	}
	s.tracks[runID] = &track{
		workflowName: workflowName,
		subscribers:  make(map[chan Event]struct{}),
	}
}

func (s *Store) get(runID string) (*track, error) {
	s.mu.RLock()
	t, ok := s.tracks[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, &cwerrors.NotFoundError{Resource: "run", ID: runID}
	}
	return t, nil
}

// PutStats replaces the current stats snapshot and notifies subscribers.
func (s *Store) PutStats(runID string, stats FuzzingStats) error {
	t, err := s.get(runID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.stats = stats
	subs := snapshotSubscribers(t)
	t.mu.Unlock()

	notify(subs, Event{Type: "stats_update", Stats: &stats})
	return nil
}

// AppendCrash records a crash, bumps the crash counters and LastCrashAt, and
// notifies subscribers.
func (s *Store) AppendCrash(runID string, crash CrashReport) error {
	t, err := s.get(runID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.crashes = append(t.crashes, crash)
	t.stats.Crashes++
	when := crash.Timestamp
	t.stats.LastCrashAt = &when
	stats := t.stats
	subs := snapshotSubscribers(t)
	t.mu.Unlock()

	notify(subs, Event{Type: "crash_report", Crash: &crash})
	notify(subs, Event{Type: "stats_update", Stats: &stats})
	return nil
}

// ReadStats returns the current stats snapshot for runID.
func (s *Store) ReadStats(runID string) (FuzzingStats, error) {
	t, err := s.get(runID)
	if err != nil {
		return FuzzingStats{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats, nil
}

// ReadCrashes returns a copy of the accumulated crash list for runID.
func (s *Store) ReadCrashes(runID string) ([]CrashReport, error) {
	t, err := s.get(runID)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]CrashReport, len(t.crashes))
	copy(out, t.crashes)
	return out, nil
}

// Subscribe registers a new bounded-queue channel for runID. The channel is
// closed on Purge or Unsubscribe.
func (s *Store) Subscribe(runID string) (chan Event, error) {
	t, err := s.get(runID)
	if err != nil {
		return nil, err
	}

	ch := make(chan Event, subscriberQueueSize)
	t.mu.Lock()
	t.subscribers[ch] = struct{}{}
	current := t.stats
	t.mu.Unlock()

	// Push the current snapshot immediately so a new subscriber never waits
	// on the next event to see where the run stands.
	ch <- Event{Type: "stats_update", Stats: &current}

	return ch, nil
}

// Unsubscribe removes and closes ch. Safe to call more than once.
func (s *Store) Unsubscribe(runID string, ch chan Event) {
	t, err := s.get(runID)
	if err != nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.subscribers[ch]; ok {
		delete(t.subscribers, ch)
		close(ch)
	}
}

// Purge removes runID's track entirely, closing every subscriber channel.
// Idempotent after the first successful call; returns NotFoundError if the
// run was never initialised or was already purged.
func (s *Store) Purge(runID string) error {
	s.mu.Lock()
	t, ok := s.tracks[runID]
	if !ok {
		s.mu.Unlock()
		return &cwerrors.NotFoundError{Resource: "run", ID: runID}
	}
	delete(s.tracks, runID)
	s.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	for ch := range t.subscribers {
		close(ch)
	}
	t.subscribers = nil
	return nil
}

// TotalSubscriberCount implements tracing.SubscriberCounter.
func (s *Store) TotalSubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, t := range s.tracks {
		t.mu.Lock()
		total += len(t.subscribers)
		t.mu.Unlock()
	}
	return total
}

// TrackedRunCount implements tracing.SubscriberCounter.
func (s *Store) TrackedRunCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tracks)
}

// WaitForDrain waits for every tracked run to be purged or until timeout
// elapses, whichever comes first. Returns nil once the store is empty, or
// an error naming the remaining run count if the timeout wins.
func (s *Store) WaitForDrain(ctx context.Context, timeout time.Duration) error {
	if s.TrackedRunCount() == 0 {
		return nil
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	timeoutCh := time.After(timeout)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeoutCh:
			if remaining := s.TrackedRunCount(); remaining > 0 {
				return fmt.Errorf("drain timeout: %d run(s) still tracked", remaining)
			}
			return nil
		case <-ticker.C:
			if s.TrackedRunCount() == 0 {
				return nil
			}
		}
	}
}

func snapshotSubscribers(t *track) []chan Event {
	subs := make([]chan Event, 0, len(t.subscribers))
	for ch := range t.subscribers {
		subs = append(subs, ch)
	}
	return subs
}

// notify pushes ev to every subscriber without holding the track lock.
// Crash-report frames always land: a full queue is drained of its oldest
// progress frame to make room. Progress frames never displace a
// crash-report frame; if the queue is full of crash reports, the new
// progress frame is simply dropped.
func notify(subs []chan Event, ev Event) {
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			if ev.Type == "crash_report" {
				drainOldestProgressFrame(ch)
				select {
				case ch <- ev:
				default:
				}
			}
		}
	}
}

// drainOldestProgressFrame removes at most one buffered stats_update frame
// to make room for an incoming crash report, preserving any buffered
// crash_report frames untouched.
func drainOldestProgressFrame(ch chan Event) {
	pending := make([]Event, 0, len(ch))
loop:
	for {
		select {
		case e := <-ch:
			pending = append(pending, e)
		default:
			break loop
		}
	}

	dropped := false
	for _, e := range pending {
		if !dropped && e.Type == "stats_update" {
			dropped = true
			continue
		}
		select {
		case ch <- e:
		default:
		}
	}
}
