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

/*
Package tracing provides distributed tracing and observability for the
orchestrator.

This package implements OpenTelemetry-based tracing for HTTP requests,
submission handling, and engine calls. It also provides Prometheus metrics
collection and correlation ID propagation for distributed debugging.

# Overview

The tracing package supports:

  - Distributed tracing via OpenTelemetry
  - Prometheus metrics export
  - Correlation ID propagation across services
  - Submission and run-lifecycle span creation

# Quick Start

Create an OTel provider:

	cfg := tracing.Config{
	    Enabled:        true,
	    ServiceName:    "crashwise",
	    ServiceVersion: "1.0.0",
	    Sampling: tracing.SamplingConfig{
	        Enabled: true,
	        Rate:    0.1, // 10% sampling
	    },
	}

	provider, err := tracing.NewOTelProviderWithConfig(cfg)

Get a tracer and create spans:

	tracer := provider.Tracer("submission")

	ctx, span := tracer.Start(ctx, "submit-workflow",
	    observability.WithAttributes(map[string]any{
	        "workflow.name": workflowName,
	    }),
	)
	defer span.End()

# Correlation IDs

Correlation IDs link requests across service boundaries:

	// In HTTP middleware
	correlationID := tracing.FromContext(ctx)

	// Add to outbound requests
	req.Header.Set("X-Correlation-ID", string(correlationID))

	// Middleware extracts and injects
	handler = tracing.CorrelationMiddleware(handler)

# Metrics Collection

Prometheus metrics are collected:

	// Get metrics collector
	collector := provider.MetricsCollector()

	// Record events
	collector.RecordSubmission(ctx, runID, workflowName, vertical, duration)
	collector.RecordRunTerminal(runID)

Metrics exposed at /metrics:

  - crashwise_submissions_total{workflow,vertical}
  - crashwise_submission_duration_seconds{workflow,vertical}
  - crashwise_active_runs
  - crashwise_cache_bytes
  - crashwise_cache_files
  - crashwise_cache_evictions_total
  - crashwise_fanout_subscribers

# Configuration

Full configuration options:

	daemon:
	  observability:
	    enabled: true
	    service_name: crashwise
	    sampling:
	      enabled: true
	      type: head
	      rate: 0.1
	      always_sample_errors: true
	    exporters:
	      - type: otlp
	        endpoint: localhost:4317

# Key Components

  - OTelProvider: OpenTelemetry SDK wrapper
  - MetricsCollector: Prometheus metrics recording
  - CorrelationID: Request correlation across services
  - Sampler: Configurable trace sampling
  - Exporter: Trace export to backends (OTLP, etc.)

# Subpackages

  - storage: SQLite-based span, event and trace storage
*/
package tracing
