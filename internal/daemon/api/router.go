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

// Package api implements the HTTP surface (C10): routing, the structured
// error envelope, and the "engine not ready" gating behaviour.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/crashwise/orchestrator/internal/audit"
	"github.com/crashwise/orchestrator/internal/bootstrap"
	"github.com/crashwise/orchestrator/internal/cache"
	"github.com/crashwise/orchestrator/internal/engine"
	"github.com/crashwise/orchestrator/internal/log"
	"github.com/crashwise/orchestrator/internal/progress"
	"github.com/crashwise/orchestrator/internal/registry"
	"github.com/crashwise/orchestrator/internal/submission"
	"github.com/crashwise/orchestrator/internal/tracing"
	"github.com/crashwise/orchestrator/internal/worker"
)

// RouterConfig carries build/version metadata and static deployment facts
// that don't belong to any one component.
type RouterConfig struct {
	Version    string
	Commit     string
	BuildDate  string
	HostRoot   string
	WorkersDir string
}

// Deps wires every C1-C9 component the router dispatches to. Nil fields
// are tolerated (e.g. in tests exercising a single route): a handler that
// needs a missing Engine, Submission or Registry answers with an error
// envelope (503, 500, and 404 or 503 respectively) rather than panicking.
// Progress is not checked for nil; the /fuzzing handlers call it directly.
type Deps struct {
	Registry   *registry.Registry
	Cache      *cache.Store
	Engine     *engine.Client
	Bootstrap  *bootstrap.Machine
	Submission *submission.Pipeline
	Progress   *progress.Store
	Audit      *audit.Log
	Worker     *worker.Manager
}

// Router wraps an http.ServeMux with the tracing/correlation/logging
// middleware chain used throughout the daemon.
type Router struct {
	mux    *http.ServeMux
	cfg    RouterConfig
	deps   Deps
	logger *slog.Logger
}

// NewRouter builds the full C10 route table over deps.
func NewRouter(cfg RouterConfig, deps Deps, logger *slog.Logger) *Router {
	if logger == nil {
		logger = log.New(log.FromEnv())
	}
	r := &Router{mux: http.NewServeMux(), cfg: cfg, deps: deps, logger: log.WithComponent(logger, "api")}
	r.routes()
	return r
}

func (r *Router) routes() {
	r.mux.HandleFunc("GET /", r.handleRoot)
	r.mux.HandleFunc("GET /health", r.handleHealth)

	r.mux.HandleFunc("GET /workflows/", r.handleListWorkflows)
	r.mux.HandleFunc("GET /workflows/metadata/schema", r.handleMetadataSchema)
	r.mux.HandleFunc("GET /workflows/{name}/metadata", r.handleWorkflowMetadata)
	r.mux.HandleFunc("GET /workflows/{name}/parameters", r.handleWorkflowParameters)
	r.mux.HandleFunc("GET /workflows/{name}/worker-info", r.handleWorkerInfo)
	r.mux.HandleFunc("POST /workflows/{name}/submit", r.handleLegacySubmit)
	r.mux.HandleFunc("POST /workflows/{name}/upload-and-submit", r.handleUploadAndSubmit)

	r.mux.HandleFunc("GET /runs/{run_id}/status", r.handleRunStatus)
	r.mux.HandleFunc("GET /runs/{run_id}/findings", r.handleRunFindings)

	r.mux.HandleFunc("GET /fuzzing/{run_id}/stats", r.handleGetStats)
	r.mux.HandleFunc("POST /fuzzing/{run_id}/stats", r.handlePostStats)
	r.mux.HandleFunc("GET /fuzzing/{run_id}/crashes", r.handleGetCrashes)
	r.mux.HandleFunc("POST /fuzzing/{run_id}/crash", r.handlePostCrash)
	r.mux.HandleFunc("GET /fuzzing/{run_id}/stream", r.handleSSEStream)
	r.mux.HandleFunc("GET /fuzzing/{run_id}/live", r.handleWSStream)
	r.mux.HandleFunc("DELETE /fuzzing/{run_id}", r.handlePurgeProgress)

	r.mux.HandleFunc("GET /system/info", r.handleSystemInfo)
}

// ServeHTTP implements http.Handler with the standard middleware chain:
// trace-context extraction, span creation, correlation ID propagation,
// then request logging, outermost to innermost.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var handler http.Handler = r.mux

	innerHandler := handler
	handler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		correlationID := tracing.FromContextOrEmpty(req.Context())
		logger := log.WithCorrelationID(r.logger, string(correlationID))

		defer func() {
			logger.Info("request completed",
				slog.String("method", req.Method),
				slog.String("path", req.URL.Path),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		}()

		innerHandler.ServeHTTP(w, req)
	})

	handler = tracing.CorrelationMiddleware(handler)
	handler = tracing.TracingMiddleware(handler)
	handler = tracing.HTTPMiddleware(handler)

	handler.ServeHTTP(w, req)
}

// Mux exposes the underlying ServeMux for tests and for mounting /metrics.
func (r *Router) Mux() *http.ServeMux {
	return r.mux
}
