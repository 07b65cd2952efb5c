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

// Package daemon wires C1-C9 together behind the C4 bootstrap machine and
// serves the C10 HTTP surface over them.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/crashwise/orchestrator/internal/audit"
	"github.com/crashwise/orchestrator/internal/bootstrap"
	"github.com/crashwise/orchestrator/internal/cache"
	"github.com/crashwise/orchestrator/internal/config"
	"github.com/crashwise/orchestrator/internal/daemon/api"
	"github.com/crashwise/orchestrator/internal/daemon/listener"
	"github.com/crashwise/orchestrator/internal/engine"
	"github.com/crashwise/orchestrator/internal/lifecycle"
	internallog "github.com/crashwise/orchestrator/internal/log"
	"github.com/crashwise/orchestrator/internal/progress"
	"github.com/crashwise/orchestrator/internal/registry"
	"github.com/crashwise/orchestrator/internal/submission"
	"github.com/crashwise/orchestrator/internal/tracing"
	"github.com/crashwise/orchestrator/internal/worker"
	"github.com/crashwise/orchestrator/pkg/security"
)

// Options carries build metadata set at link time.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon is the crashwised process.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	server  *http.Server
	ln      net.Listener
	pidFile *lifecycle.PIDFileManager

	cacheStore *cache.Store
	registry   *registry.Registry
	engineCli  *engine.Client
	bootstrap  *bootstrap.Machine
	submission *submission.Pipeline
	progress   *progress.Store
	auditLog   *audit.Log
	workerMgr  *worker.Manager
	otel       *tracing.OTelProvider

	mu      sync.Mutex
	started bool
}

// New wires every C1-C9 component from cfg. None of them are brought
// online yet: Start hands bringUp to the bootstrap machine, which dials
// the engine and runs the first registry sweep in the background so the
// HTTP surface can serve / and /health immediately.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	logger := internallog.WithComponent(internallog.New(internallog.FromEnv()), "daemon")

	progressStore := progress.New()

	auditPath := filepath.Join(cfg.CheckpointDir(), "submissions.db")
	if err := os.MkdirAll(filepath.Dir(auditPath), 0700); err != nil {
		return nil, fmt.Errorf("creating audit log directory: %w", err)
	}
	auditLog, err := audit.Open(auditPath)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}

	reg := registry.New(internallog.WithComponent(logger, "registry"))

	workerMgr, err := worker.New(cfg.Daemon.HostRoot, internallog.WithComponent(logger, "worker"))
	if err != nil {
		logger.Warn("worker lifecycle manager unavailable, /fuzzing and worker-info routes will report it",
			internallog.Error(err))
		workerMgr = nil
	}

	var otelProvider *tracing.OTelProvider
	if cfg.Daemon.Observability.Enabled {
		tcfg := observabilityToTracingConfig(cfg.Daemon.Observability, opts.Version)
		otelProvider, err = tracing.NewOTelProviderWithConfig(tcfg)
		if err != nil {
			auditLog.Close()
			return nil, fmt.Errorf("initialising observability: %w", err)
		}
	}

	d := &Daemon{
		cfg:        cfg,
		opts:       opts,
		logger:     logger,
		registry:   reg,
		progress:   progressStore,
		auditLog:   auditLog,
		workerMgr:  workerMgr,
		otel:       otelProvider,
	}

	if cfg.Daemon.PIDFile != "" {
		d.pidFile = lifecycle.NewPIDFileManager(cfg.Daemon.PIDFile)
	}

	d.bootstrap = bootstrap.New(
		cfg.Daemon.Bootstrap.Base(),
		cfg.Daemon.Bootstrap.Cap(),
		reg.Clear,
		d.bringUp,
		internallog.WithComponent(logger, "bootstrap"),
	)

	return d, nil
}

// bringUp is the C4 bring-up attempt: open the object store, sweep the
// workflow registry, and dial the engine. Any failure rolls the whole
// attempt back to bootstrap.Machine's retry loop; nothing here is
// persisted across attempts except the registry clear the machine already
// performs before calling this.
func (d *Daemon) bringUp(ctx context.Context) error {
	store, err := cache.New(ctx, cache.Config{
		Endpoint:  d.cfg.Daemon.S3.Endpoint,
		AccessKey: d.cfg.Daemon.S3.AccessKey,
		SecretKey: d.cfg.Daemon.S3.SecretKey,
		Bucket:    d.cfg.Daemon.S3.Bucket,
		Region:    d.cfg.Daemon.S3.Region,
		UseSSL:    d.cfg.Daemon.S3.UseSSL,
		CacheRoot: d.cfg.Daemon.Cache.Dir,
		CapBytes:  d.cfg.Daemon.Cache.MaxSizeBytes(),
	})
	if err != nil {
		return fmt.Errorf("connecting object store: %w", err)
	}

	if _, err := d.registry.Discover(d.cfg.Daemon.WorkflowsDir); err != nil {
		return fmt.Errorf("discovering workflows: %w", err)
	}

	engineCli, err := engine.Dial(ctx, d.cfg.Daemon.Temporal.Address, d.cfg.Daemon.Temporal.Namespace)
	if err != nil {
		return fmt.Errorf("dialing workflow engine: %w", err)
	}

	d.mu.Lock()
	d.cacheStore = store
	d.engineCli = engineCli
	d.submission = &submission.Pipeline{
		Registry: d.registry,
		Cache:    store,
		Engine:   engineCli,
		Progress: d.progress,
		Audit:    d.auditLog,
	}
	d.mu.Unlock()

	return nil
}

// Start brings the daemon online: it checks filesystem permissions, writes
// the PID file, starts the registry watch and bootstrap retry loop, binds
// the listener, and serves the C10 HTTP surface until ctx is cancelled or
// the server fails.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	d.checkPermissionsAtStartup()

	if d.pidFile != nil {
		if err := d.pidFile.Create(os.Getpid()); err != nil {
			return fmt.Errorf("writing PID file: %w", err)
		}
	}

	ln, err := listener.New(d.cfg.Daemon.Listen)
	if err != nil {
		return fmt.Errorf("creating listener: %w", err)
	}
	d.ln = ln

	router := api.NewRouter(api.RouterConfig{
		Version:    d.opts.Version,
		Commit:     d.opts.Commit,
		BuildDate:  d.opts.BuildDate,
		HostRoot:   d.cfg.Daemon.HostRoot,
		WorkersDir: d.cfg.Daemon.WorkflowsDir,
	}, d.currentDeps(), internallog.WithComponent(d.logger, "api"))

	var handler http.Handler = router
	if d.otel != nil {
		mux := router.Mux()
		mux.Handle("GET /metrics", d.otel.MetricsHandler())
	}

	d.server = &http.Server{
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	d.logger.Info("crashwised starting",
		slog.String("version", d.opts.Version),
		slog.String("listen_addr", ln.Addr().String()))

	go d.bootstrap.Run(ctx)

	if watchSignals, err := d.registry.Watch(ctx, d.cfg.Daemon.WorkflowsDir); err != nil {
		d.logger.Warn("workflow directory watch unavailable, discovery is now bootstrap-only",
			internallog.Error(err))
	} else {
		go d.watchLoop(ctx, watchSignals)
	}

	errCh := make(chan error, 1)
	go func() {
		var serveErr error
		if d.cfg.Daemon.Listen.TLSCert != "" && d.cfg.Daemon.Listen.TLSKey != "" {
			serveErr = d.server.ServeTLS(ln, d.cfg.Daemon.Listen.TLSCert, d.cfg.Daemon.Listen.TLSKey)
		} else {
			serveErr = d.server.Serve(ln)
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			errCh <- serveErr
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// watchLoop re-runs a registry sweep each time the workflow directory
// changes, independent of the one-shot sweep bringUp performs.
func (d *Daemon) watchLoop(ctx context.Context, signals <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-signals:
			if !ok {
				return
			}
			if _, err := d.registry.Discover(d.cfg.Daemon.WorkflowsDir); err != nil {
				d.logger.Warn("workflow re-discovery failed", internallog.Error(err))
			}
		}
	}
}

// currentDeps snapshots the component set Start wires into the router.
// Submission, Cache, and Engine are filled in asynchronously by bringUp;
// the router tolerates nil deps by returning 503 (see api.Deps).
func (d *Daemon) currentDeps() api.Deps {
	d.mu.Lock()
	defer d.mu.Unlock()
	return api.Deps{
		Registry:   d.registry,
		Cache:      d.cacheStore,
		Engine:     d.engineCli,
		Bootstrap:  d.bootstrap,
		Submission: d.submission,
		Progress:   d.progress,
		Audit:      d.auditLog,
		Worker:     d.workerMgr,
	}
}

// Shutdown drains in-flight requests, tears down every component, and
// removes the PID file and any Unix socket this instance created.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		return nil
	}

	activeRuns := d.progress.TrackedRunCount()
	d.logger.Info("graceful shutdown initiated", slog.Int("active_runs", activeRuns))

	if d.submission != nil {
		d.submission.StartDraining()
	}

	if d.server != nil {
		d.server.SetKeepAlivesEnabled(false)

		shutdownCtx, cancel := context.WithTimeout(ctx, d.cfg.Daemon.ShutdownTimeout)
		defer cancel()
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			d.logger.Error("HTTP server shutdown error", internallog.Error(err))
		}
	}

	drainCtx, drainCancel := context.WithTimeout(ctx, d.cfg.Daemon.DrainTimeout)
	defer drainCancel()
	if err := d.progress.WaitForDrain(drainCtx, d.cfg.Daemon.DrainTimeout); err != nil {
		d.logger.Warn("drain timeout exceeded",
			slog.Int("remaining_runs", d.progress.TrackedRunCount()),
			slog.Duration("drain_timeout", d.cfg.Daemon.DrainTimeout))
	} else {
		d.logger.Info("all tracked runs drained")
	}

	if d.pidFile != nil {
		if err := d.pidFile.Remove(); err != nil {
			d.logger.Error("failed to remove PID file", internallog.Error(err))
		}
	}

	if d.cfg.Daemon.Listen.SocketPath != "" {
		if err := os.Remove(d.cfg.Daemon.Listen.SocketPath); err != nil && !os.IsNotExist(err) {
			d.logger.Error("failed to remove socket file",
				internallog.Error(err), slog.String("path", d.cfg.Daemon.Listen.SocketPath))
		}
	}

	if d.otel != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := d.otel.Shutdown(shutdownCtx); err != nil {
			d.logger.Error("observability provider shutdown error", internallog.Error(err))
		}
	}

	if d.engineCli != nil {
		d.engineCli.Close()
	}

	if d.auditLog != nil {
		if err := d.auditLog.Close(); err != nil {
			d.logger.Error("failed to close audit log", internallog.Error(err))
		}
	}

	d.started = false
	d.logger.Info("crashwised stopped")
	return nil
}

// checkPermissionsAtStartup warns (never fails) about insecure permissions
// on the directories crashwised reads and writes.
func (d *Daemon) checkPermissionsAtStartup() {
	var pathsToCheck []string

	if d.cfg.Daemon.DataDir != "" {
		pathsToCheck = append(pathsToCheck, d.cfg.Daemon.DataDir)
	}
	if d.cfg.Daemon.PIDFile != "" {
		pathsToCheck = append(pathsToCheck, filepath.Dir(d.cfg.Daemon.PIDFile))
	}
	if d.cfg.Daemon.WorkflowsDir != "" {
		pathsToCheck = append(pathsToCheck, d.cfg.Daemon.WorkflowsDir)
	}

	for _, path := range pathsToCheck {
		for _, warning := range security.CheckConfigPermissions(path) {
			d.logger.Warn("security warning", slog.String("warning", warning))
		}
	}
}

// observabilityToTracingConfig converts config.ObservabilityConfig to
// tracing.Config.
func observabilityToTracingConfig(obs config.ObservabilityConfig, version string) tracing.Config {
	cfg := tracing.Config{
		Enabled:        obs.Enabled,
		ServiceName:    obs.ServiceName,
		ServiceVersion: obs.ServiceVersion,
		Sampling: tracing.SamplingConfig{
			Enabled:            obs.Sampling.Enabled,
			Type:               obs.Sampling.Type,
			Rate:               obs.Sampling.Rate,
			AlwaysSampleErrors: obs.Sampling.AlwaysSampleErrors,
		},
		Storage: tracing.StorageConfig{
			Backend: obs.Storage.Backend,
			Path:    obs.Storage.Path,
			Retention: tracing.RetentionConfig{
				Traces:     time.Duration(obs.Storage.Retention.TraceDays) * 24 * time.Hour,
				Events:     time.Duration(obs.Storage.Retention.EventDays) * 24 * time.Hour,
				Aggregates: time.Duration(obs.Storage.Retention.AggregateDays) * 24 * time.Hour,
			},
		},
		Redaction: tracing.RedactionConfig{
			Level:    obs.Redaction.Level,
			Patterns: convertRedactionPatterns(obs.Redaction.Patterns),
		},
	}

	cfg.Exporters = make([]tracing.ExporterConfig, len(obs.Exporters))
	for i, exp := range obs.Exporters {
		cfg.Exporters[i] = tracing.ExporterConfig{
			Type:     exp.Type,
			Endpoint: exp.Endpoint,
			Headers:  exp.Headers,
			TLS: tracing.TLSConfig{
				Enabled:           exp.TLS.Enabled,
				VerifyCertificate: exp.TLS.VerifyCertificate,
				CACertPath:        exp.TLS.CACertPath,
			},
			Timeout: time.Duration(exp.TimeoutSeconds) * time.Second,
		}
	}

	if cfg.ServiceVersion == "" {
		cfg.ServiceVersion = version
	}

	return cfg
}

func convertRedactionPatterns(patterns []config.RedactionPattern) []tracing.RedactionPattern {
	result := make([]tracing.RedactionPattern, len(patterns))
	for i, p := range patterns {
		result[i] = tracing.RedactionPattern{
			Name:        p.Name,
			Regex:       p.Regex,
			Replacement: p.Replacement,
		}
	}
	return result
}
