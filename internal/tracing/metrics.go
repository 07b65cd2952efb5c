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

package tracing

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SubscriberCounter provides progress fan-out subscriber count metrics.
type SubscriberCounter interface {
	TotalSubscriberCount() int
	TrackedRunCount() int
}

// CacheStatsProvider reports the local object-store cache's current footprint.
type CacheStatsProvider interface {
	CacheBytes() int64
	CacheFiles() int
}

// MetricsCollector collects Prometheus-compatible metrics for the orchestrator.
type MetricsCollector struct {
	meter metric.Meter

	// Counters
	submissionsTotal metric.Int64Counter
	cacheEvictions   metric.Int64Counter
	findingsRequests metric.Int64Counter

	// Histograms
	submissionDuration metric.Float64Histogram
	bootstrapAttempt   metric.Float64Histogram

	activeRuns   map[string]bool
	activeRunsMu sync.RWMutex

	subscriberCounter   SubscriberCounter
	subscriberCounterMu sync.RWMutex

	cacheProvider   CacheStatsProvider
	cacheProviderMu sync.RWMutex
}

// NewMetricsCollector creates a new metrics collector using the given meter provider.
func NewMetricsCollector(meterProvider metric.MeterProvider) (*MetricsCollector, error) {
	meter := meterProvider.Meter("crashwise")

	mc := &MetricsCollector{
		meter:      meter,
		activeRuns: make(map[string]bool),
	}

	var err error

	mc.submissionsTotal, err = meter.Int64Counter(
		"crashwise_submissions_total",
		metric.WithDescription("Total number of workflow submissions accepted"),
		metric.WithUnit("{submission}"),
	)
	if err != nil {
		return nil, err
	}

	mc.cacheEvictions, err = meter.Int64Counter(
		"crashwise_cache_evictions_total",
		metric.WithDescription("Total number of cache entries evicted by LRU cleanup"),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		return nil, err
	}

	mc.findingsRequests, err = meter.Int64Counter(
		"crashwise_findings_requests_total",
		metric.WithDescription("Total number of findings requests, by outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	mc.submissionDuration, err = meter.Float64Histogram(
		"crashwise_submission_duration_seconds",
		metric.WithDescription("Time spent handling a submission, from upload start to engine start"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mc.bootstrapAttempt, err = meter.Float64Histogram(
		"crashwise_bootstrap_attempt_seconds",
		metric.WithDescription("Duration of each bootstrap attempt"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"crashwise_active_runs",
		metric.WithDescription("Number of runs submitted but not yet observed terminal"),
		metric.WithUnit("{run}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.activeRunsMu.RLock()
			count := len(mc.activeRuns)
			mc.activeRunsMu.RUnlock()
			observer.Observe(int64(count))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"crashwise_fanout_subscribers",
		metric.WithDescription("Number of active WS/SSE progress subscribers across all runs"),
		metric.WithUnit("{subscriber}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.subscriberCounterMu.RLock()
			counter := mc.subscriberCounter
			mc.subscriberCounterMu.RUnlock()
			if counter != nil {
				observer.Observe(int64(counter.TotalSubscriberCount()))
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"crashwise_progress_tracks",
		metric.WithDescription("Number of run_id keys currently tracked by the progress store"),
		metric.WithUnit("{run}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.subscriberCounterMu.RLock()
			counter := mc.subscriberCounter
			mc.subscriberCounterMu.RUnlock()
			if counter != nil {
				observer.Observe(int64(counter.TrackedRunCount()))
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"crashwise_cache_bytes",
		metric.WithDescription("Total bytes currently held in the local download cache"),
		metric.WithUnit("By"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.cacheProviderMu.RLock()
			provider := mc.cacheProvider
			mc.cacheProviderMu.RUnlock()
			if provider != nil {
				observer.Observe(provider.CacheBytes())
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"crashwise_cache_files",
		metric.WithDescription("Total number of files currently held in the local download cache"),
		metric.WithUnit("{file}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.cacheProviderMu.RLock()
			provider := mc.cacheProvider
			mc.cacheProviderMu.RUnlock()
			if provider != nil {
				observer.Observe(int64(provider.CacheFiles()))
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"crashwise_goroutines",
		metric.WithDescription("Number of active goroutines"),
		metric.WithUnit("{goroutine}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			observer.Observe(int64(runtime.NumGoroutine()))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"crashwise_heap_bytes",
		metric.WithDescription("Current heap allocation in bytes"),
		metric.WithUnit("By"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			observer.Observe(int64(m.HeapAlloc))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return mc, nil
}

// RecordSubmission records the acceptance of a workflow submission.
func (mc *MetricsCollector) RecordSubmission(ctx context.Context, runID, workflowName, vertical string, duration time.Duration) {
	mc.activeRunsMu.Lock()
	mc.activeRuns[runID] = true
	mc.activeRunsMu.Unlock()

	attrs := []attribute.KeyValue{
		attribute.String("workflow", workflowName),
		attribute.String("vertical", vertical),
	}
	mc.submissionsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	mc.submissionDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordRunTerminal records that a run has reached a terminal status and is no
// longer counted as active.
func (mc *MetricsCollector) RecordRunTerminal(runID string) {
	mc.activeRunsMu.Lock()
	delete(mc.activeRuns, runID)
	mc.activeRunsMu.Unlock()
}

// RecordFindingsRequest records a findings lookup, by outcome ("ok", "not_terminal", "not_found").
func (mc *MetricsCollector) RecordFindingsRequest(ctx context.Context, outcome string) {
	mc.findingsRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordCacheEvictions records the number of entries removed by a cleanup pass.
func (mc *MetricsCollector) RecordCacheEvictions(ctx context.Context, count int) {
	if count <= 0 {
		return
	}
	mc.cacheEvictions.Add(ctx, int64(count))
}

// RecordBootstrapAttempt records the wall-clock duration of one bootstrap attempt.
func (mc *MetricsCollector) RecordBootstrapAttempt(ctx context.Context, outcome string, duration time.Duration) {
	mc.bootstrapAttempt.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// SetSubscriberCounter sets the fan-out subscriber counter for memory metrics.
func (mc *MetricsCollector) SetSubscriberCounter(counter SubscriberCounter) {
	mc.subscriberCounterMu.Lock()
	mc.subscriberCounter = counter
	mc.subscriberCounterMu.Unlock()
}

// SetCacheProvider sets the cache stats provider for cache size/file-count gauges.
func (mc *MetricsCollector) SetCacheProvider(provider CacheStatsProvider) {
	mc.cacheProviderMu.Lock()
	mc.cacheProvider = provider
	mc.cacheProviderMu.Unlock()
}
