package tracing

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/metric"
)

func TestNewMetricsCollector(t *testing.T) {
	provider := metric.NewMeterProvider()
	defer provider.Shutdown(context.Background())

	mc, err := NewMetricsCollector(provider)
	if err != nil {
		t.Fatalf("Failed to create metrics collector: %v", err)
	}

	if mc == nil {
		t.Fatal("Expected non-nil MetricsCollector")
	}

	if mc.meter == nil {
		t.Error("Expected meter to be set")
	}

	if mc.activeRuns == nil {
		t.Error("Expected activeRuns map to be initialized")
	}
}

func TestMetricsCollector_RecordSubmission(t *testing.T) {
	provider := metric.NewMeterProvider()
	defer provider.Shutdown(context.Background())

	mc, err := NewMetricsCollector(provider)
	if err != nil {
		t.Fatalf("Failed to create metrics collector: %v", err)
	}

	ctx := context.Background()
	mc.RecordSubmission(ctx, "gitleaks_detection-abc12345", "gitleaks_detection", "secrets", 50*time.Millisecond)

	mc.activeRunsMu.RLock()
	_, exists := mc.activeRuns["gitleaks_detection-abc12345"]
	mc.activeRunsMu.RUnlock()

	if !exists {
		t.Error("Expected run to be tracked as active")
	}
}

func TestMetricsCollector_RecordRunTerminal(t *testing.T) {
	provider := metric.NewMeterProvider()
	defer provider.Shutdown(context.Background())

	mc, err := NewMetricsCollector(provider)
	if err != nil {
		t.Fatalf("Failed to create metrics collector: %v", err)
	}

	ctx := context.Background()
	runID := "gitleaks_detection-deadbeef"

	mc.RecordSubmission(ctx, runID, "gitleaks_detection", "secrets", 5*time.Second)

	mc.activeRunsMu.RLock()
	_, exists := mc.activeRuns[runID]
	mc.activeRunsMu.RUnlock()
	if !exists {
		t.Fatal("Expected run to be tracked")
	}

	mc.RecordRunTerminal(runID)

	mc.activeRunsMu.RLock()
	_, stillExists := mc.activeRuns[runID]
	mc.activeRunsMu.RUnlock()
	if stillExists {
		t.Error("Expected run to be removed from active runs after reaching terminal status")
	}
}

func TestMetricsCollector_RecordFindingsRequest(t *testing.T) {
	provider := metric.NewMeterProvider()
	defer provider.Shutdown(context.Background())

	mc, err := NewMetricsCollector(provider)
	if err != nil {
		t.Fatalf("Failed to create metrics collector: %v", err)
	}

	ctx := context.Background()

	// Should not panic with any outcome label.
	mc.RecordFindingsRequest(ctx, "ok")
	mc.RecordFindingsRequest(ctx, "not_terminal")
	mc.RecordFindingsRequest(ctx, "not_found")
}

func TestMetricsCollector_RecordCacheEvictions(t *testing.T) {
	provider := metric.NewMeterProvider()
	defer provider.Shutdown(context.Background())

	mc, err := NewMetricsCollector(provider)
	if err != nil {
		t.Fatalf("Failed to create metrics collector: %v", err)
	}

	ctx := context.Background()

	// Zero and negative counts are no-ops; should not panic.
	mc.RecordCacheEvictions(ctx, 0)
	mc.RecordCacheEvictions(ctx, -1)
	mc.RecordCacheEvictions(ctx, 3)
}

func TestMetricsCollector_RecordBootstrapAttempt(t *testing.T) {
	provider := metric.NewMeterProvider()
	defer provider.Shutdown(context.Background())

	mc, err := NewMetricsCollector(provider)
	if err != nil {
		t.Fatalf("Failed to create metrics collector: %v", err)
	}

	ctx := context.Background()
	mc.RecordBootstrapAttempt(ctx, "ready", 2*time.Second)
	mc.RecordBootstrapAttempt(ctx, "error", 500*time.Millisecond)
}

type fakeSubscriberCounter struct {
	subscribers int
	runs        int
}

func (f *fakeSubscriberCounter) TotalSubscriberCount() int { return f.subscribers }
func (f *fakeSubscriberCounter) TrackedRunCount() int      { return f.runs }

type fakeCacheStatsProvider struct {
	bytes int64
	files int
}

func (f *fakeCacheStatsProvider) CacheBytes() int64 { return f.bytes }
func (f *fakeCacheStatsProvider) CacheFiles() int   { return f.files }

func TestMetricsCollector_SetSubscriberCounterAndCacheProvider(t *testing.T) {
	provider := metric.NewMeterProvider()
	defer provider.Shutdown(context.Background())

	mc, err := NewMetricsCollector(provider)
	if err != nil {
		t.Fatalf("Failed to create metrics collector: %v", err)
	}

	mc.SetSubscriberCounter(&fakeSubscriberCounter{subscribers: 3, runs: 2})
	mc.SetCacheProvider(&fakeCacheStatsProvider{bytes: 1024, files: 4})

	mc.subscriberCounterMu.RLock()
	counter := mc.subscriberCounter
	mc.subscriberCounterMu.RUnlock()
	if counter == nil || counter.TotalSubscriberCount() != 3 {
		t.Error("expected subscriber counter to be set")
	}

	mc.cacheProviderMu.RLock()
	cacheProvider := mc.cacheProvider
	mc.cacheProviderMu.RUnlock()
	if cacheProvider == nil || cacheProvider.CacheBytes() != 1024 {
		t.Error("expected cache provider to be set")
	}
}

func TestMetricsCollector_ConcurrentAccess(t *testing.T) {
	provider := metric.NewMeterProvider()
	defer provider.Shutdown(context.Background())

	mc, err := NewMetricsCollector(provider)
	if err != nil {
		t.Fatalf("Failed to create metrics collector: %v", err)
	}

	ctx := context.Background()
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(2)

		go func(id int) {
			defer wg.Done()
			runID := "run-" + string(rune(id+'0'))
			mc.RecordSubmission(ctx, runID, "workflow", "vertical", time.Millisecond)
			mc.RecordRunTerminal(runID)
		}(i)

		go func(id int) {
			defer wg.Done()
			mc.RecordFindingsRequest(ctx, "ok")
		}(i)
	}

	wg.Wait()

	// Should complete without panics or races.
}
