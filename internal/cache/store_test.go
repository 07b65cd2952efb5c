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

package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// newLocalStore builds a Store whose local cache bookkeeping (scanCache,
// CleanupCache, Stats) can be exercised without dialing any S3-compatible
// endpoint; s3Client stays nil, which is fine since none of these methods
// touch it.
func newLocalStore(t *testing.T, capBytes int64) *Store {
	t.Helper()
	root := t.TempDir()
	return &Store{cacheRoot: root, capBytes: capBytes}
}

func writeTarget(t *testing.T, root, targetID string, size int, accessedAt time.Time) {
	t.Helper()
	dir := filepath.Join(root, targetID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(dir, "target")
	if err := os.WriteFile(path, make([]byte, size), 0600); err != nil {
		t.Fatalf("write target: %v", err)
	}
	if err := os.Chtimes(path, accessedAt, accessedAt); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestStats_EmptyCache(t *testing.T) {
	s := newLocalStore(t, 100)

	stats := s.Stats()
	if stats.Bytes != 0 || stats.FileCount != 0 {
		t.Errorf("Stats() = %+v, want zero bytes and files", stats)
	}
	if stats.CapBytes != 100 {
		t.Errorf("Stats().CapBytes = %d, want 100", stats.CapBytes)
	}
}

func TestStats_ReportsFootprintAndUsageFraction(t *testing.T) {
	s := newLocalStore(t, 1000)
	writeTarget(t, s.cacheRoot, "target-a", 200, time.Now())
	writeTarget(t, s.cacheRoot, "target-b", 300, time.Now())

	stats := s.Stats()
	if stats.Bytes != 500 {
		t.Errorf("Stats().Bytes = %d, want 500", stats.Bytes)
	}
	if stats.FileCount != 2 {
		t.Errorf("Stats().FileCount = %d, want 2", stats.FileCount)
	}
	if stats.UsageFraction != 0.5 {
		t.Errorf("Stats().UsageFraction = %v, want 0.5", stats.UsageFraction)
	}
}

func TestCacheBytesAndCacheFiles(t *testing.T) {
	s := newLocalStore(t, 1000)
	writeTarget(t, s.cacheRoot, "target-a", 150, time.Now())

	if got := s.CacheBytes(); got != 150 {
		t.Errorf("CacheBytes() = %d, want 150", got)
	}
	if got := s.CacheFiles(); got != 1 {
		t.Errorf("CacheFiles() = %d, want 1", got)
	}
}

func TestCleanupCache_NoEvictionUnderCap(t *testing.T) {
	s := newLocalStore(t, 1000)
	writeTarget(t, s.cacheRoot, "target-a", 100, time.Now())

	removed, err := s.CleanupCache()
	if err != nil {
		t.Fatalf("CleanupCache() error = %v", err)
	}
	if removed != 0 {
		t.Errorf("CleanupCache() removed = %d, want 0", removed)
	}
}

func TestCleanupCache_EvictsOldestFirstUntilUnderCap(t *testing.T) {
	s := newLocalStore(t, 150)

	old := time.Now().Add(-time.Hour)
	newer := time.Now().Add(-time.Minute)
	writeTarget(t, s.cacheRoot, "oldest", 100, old)
	writeTarget(t, s.cacheRoot, "newest", 100, newer)

	removed, err := s.CleanupCache()
	if err != nil {
		t.Fatalf("CleanupCache() error = %v", err)
	}
	if removed != 1 {
		t.Fatalf("CleanupCache() removed = %d, want 1", removed)
	}

	if _, err := os.Stat(filepath.Join(s.cacheRoot, "oldest", "target")); !os.IsNotExist(err) {
		t.Error("oldest target should have been evicted")
	}
	if _, err := os.Stat(filepath.Join(s.cacheRoot, "newest", "target")); err != nil {
		t.Error("newest target should have survived eviction")
	}
}

func TestCleanupCache_EmptyCacheRootIsNotAnError(t *testing.T) {
	s := &Store{cacheRoot: filepath.Join(t.TempDir(), "does-not-exist"), capBytes: 10}

	removed, err := s.CleanupCache()
	if err != nil {
		t.Fatalf("CleanupCache() error = %v", err)
	}
	if removed != 0 {
		t.Errorf("CleanupCache() removed = %d, want 0", removed)
	}
}

func TestStats_CapBytesNotDefaultedWhenUnset(t *testing.T) {
	cfg := Config{}
	// CapBytes isn't derived on Config itself; this test documents that
	// scanCache/Stats operate purely on whatever capBytes Store was given,
	// independent of how the caller computed it.
	s := &Store{cacheRoot: t.TempDir(), capBytes: cfg.CapBytes}
	if got := s.Stats().CapBytes; got != 0 {
		t.Errorf("Stats().CapBytes = %d, want 0", got)
	}
}
