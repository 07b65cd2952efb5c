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

// Package worker implements the on-demand worker lifecycle manager (C9):
// starting, waiting for readiness, and stopping the per-vertical worker
// containers that actually execute workflow code. The orchestrator never
// runs workflow code in-process; this package is the client-side peer that
// drives the container runtime to do so.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	cwerrors "github.com/crashwise/orchestrator/pkg/errors"
)

// pollInterval is how often wait_ready polls container state and health.
const pollInterval = 2 * time.Second

// Info describes a worker's build metadata, as declared by its registry
// entry (spec §4.9's "each worker's metadata declares a platforms map").
type Info struct {
	Service         string
	Platforms       map[string]string // e.g. "linux/amd64" -> "Dockerfile.amd64"
	DefaultPlatform string
}

// Manager drives a docker-compose (or podman-compose) project to bring
// per-vertical workers up and down.
type Manager struct {
	runtime     string // "docker" or "podman"
	projectRoot string
	composeFile string
	logger      *slog.Logger
}

// New detects the available container runtime and resolves the project
// root using the four strategies from spec §4.9. installRoot, the first
// strategy ("query the running backend for its install root"), is supplied
// by the caller since only the daemon's own bootstrap state knows it;
// pass "" if unavailable.
func New(installRoot string, logger *slog.Logger) (*Manager, error) {
	rt := detectRuntime()
	if rt == "" {
		return nil, &cwerrors.ResourceError{Vertical: "worker-manager", Message: "neither docker nor podman is available"}
	}

	root, err := resolveProjectRoot(installRoot)
	if err != nil {
		return nil, err
	}

	return &Manager{
		runtime:     rt,
		projectRoot: root,
		composeFile: filepath.Join(root, "docker-compose.yml"),
		logger:      logger,
	}, nil
}

func detectRuntime() string {
	if _, err := exec.LookPath("docker"); err == nil {
		if err := exec.Command("docker", "info").Run(); err == nil {
			return "docker"
		}
	}
	if _, err := exec.LookPath("podman"); err == nil {
		return "podman"
	}
	return ""
}

// resolveProjectRoot tries, in order: the backend-supplied install root;
// walking ancestors of the working directory for a ".crashwise" marker;
// the CRASHWISE_PROJECT_ROOT environment variable; the working directory
// itself. The first candidate with a readable compose file wins.
func resolveProjectRoot(installRoot string) (string, error) {
	candidates := []string{installRoot}

	if cwd, err := os.Getwd(); err == nil {
		candidates = append(candidates, walkForMarker(cwd))
	}

	candidates = append(candidates, os.Getenv("CRASHWISE_PROJECT_ROOT"))

	if cwd, err := os.Getwd(); err == nil {
		candidates = append(candidates, cwd)
	}

	for _, c := range candidates {
		if c == "" {
			continue
		}
		if _, err := os.Stat(filepath.Join(c, "docker-compose.yml")); err == nil {
			return c, nil
		}
	}
	return "", &cwerrors.ResourceError{Vertical: "worker-manager", Message: "no directory with a readable docker-compose.yml was found"}
}

// walkForMarker walks ancestors of dir looking for a ".crashwise" marker
// directory, returning the first ancestor that has one.
func walkForMarker(dir string) string {
	for {
		if _, err := os.Stat(filepath.Join(dir, ".crashwise")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// SelectBuildFile implements spec §4.9's platform-selection rule: exact
// platform match, then the worker's declared default, then a bare
// Dockerfile fallback. Unknown architectures warn and fall back to amd64.
func (m *Manager) SelectBuildFile(info Info, goarch string) string {
	platform := normalizePlatform(goarch)
	if platform == "" {
		if m.logger != nil {
			m.logger.Warn("unknown host architecture, defaulting to amd64", "arch", goarch, "service", info.Service)
		}
		platform = "linux/amd64"
	}

	if f, ok := info.Platforms[platform]; ok {
		return f
	}
	if info.DefaultPlatform != "" {
		if f, ok := info.Platforms[info.DefaultPlatform]; ok {
			return f
		}
	}
	return "Dockerfile"
}

func normalizePlatform(arch string) string {
	switch strings.ToLower(arch) {
	case "x86_64", "amd64":
		return "linux/amd64"
	case "arm64", "aarch64":
		return "linux/arm64"
	default:
		return ""
	}
}

// HostArch is runtime.GOARCH, exposed so callers don't need to import
// "runtime" solely to call SelectBuildFile.
func HostArch() string {
	return runtime.GOARCH
}

type containerState struct {
	Service string `json:"Service"`
	State   string `json:"State"`
	Health  string `json:"Health"`
}

// IsRunning inspects the container runtime and returns true iff the
// service's container state is "running".
func (m *Manager) IsRunning(ctx context.Context, service string) (bool, error) {
	st, err := m.inspect(ctx, service)
	if err != nil {
		return false, err
	}
	return st != nil && st.State == "running", nil
}

func (m *Manager) inspect(ctx context.Context, service string) (*containerState, error) {
	out, err := m.compose(ctx, "ps", "--format", "json", service)
	if err != nil {
		// No matching container is not an error condition here; treat as not-running.
		return nil, nil
	}
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil, nil
	}

	// `docker compose ps --format json` emits one JSON object per line.
	lines := bytes.Split(out, []byte("\n"))
	for _, line := range lines {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var st containerState
		if err := json.Unmarshal(line, &st); err != nil {
			continue
		}
		if st.Service == service {
			return &st, nil
		}
	}
	return nil, nil
}

// Start selects the platform-appropriate build file and brings the
// service up via the container runtime's compose command, rebuilding the
// image. Errors include the runtime's stderr as an actionable hint.
func (m *Manager) Start(ctx context.Context, info Info) error {
	buildFile := m.SelectBuildFile(info, HostArch())

	buildArgs := []string{"build"}
	if buildFile != "" && buildFile != "Dockerfile" {
		buildArgs = append(buildArgs, "--file", filepath.Join(m.projectRoot, buildFile))
	}
	buildArgs = append(buildArgs, info.Service)
	if _, err := m.compose(ctx, buildArgs...); err != nil {
		return fmt.Errorf("building %s: %w", info.Service, err)
	}

	if _, err := m.compose(ctx, "up", "--detach", info.Service); err != nil {
		return fmt.Errorf("starting %s: %w", info.Service, err)
	}
	return nil
}

// WaitReady polls container state and health every two seconds. A service
// is ready once its state is "running" and its health is either "healthy"
// or absent (no health check defined). Returns false, without error, on
// timeout — the worker may still come up later, it's just no longer
// observed by this call.
func (m *Manager) WaitReady(ctx context.Context, service string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		st, err := m.inspect(ctx, service)
		if err == nil && st != nil && st.State == "running" && (st.Health == "" || st.Health == "healthy") {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// Stop stops a single service. It never invokes a broad compose-down,
// which could also affect core services sharing the same project.
func (m *Manager) Stop(ctx context.Context, service string) error {
	if _, err := m.compose(ctx, "stop", service); err != nil {
		return fmt.Errorf("stopping %s: %w", service, err)
	}
	return nil
}

// StopAll stops every named service individually, aggregating failures
// rather than aborting on the first one.
func (m *Manager) StopAll(ctx context.Context, services []string) error {
	var errs []string
	for _, s := range services {
		if err := m.Stop(ctx, s); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("stopping workers: %s", strings.Join(errs, "; "))
	}
	return nil
}

// EnsureRunning returns true immediately if the worker is already running;
// otherwise it starts the worker and waits for readiness.
func (m *Manager) EnsureRunning(ctx context.Context, info Info, autoStart bool, readyTimeout time.Duration) (bool, error) {
	running, err := m.IsRunning(ctx, info.Service)
	if err != nil {
		return false, err
	}
	if running {
		return true, nil
	}
	if !autoStart {
		return false, nil
	}

	if err := m.Start(ctx, info); err != nil {
		return false, err
	}
	return m.WaitReady(ctx, info.Service, readyTimeout), nil
}

// ComposeFile returns the compose file this manager drives, surfaced via
// the /system/info endpoint.
func (m *Manager) ComposeFile() string {
	return m.composeFile
}

// ProjectRoot returns the resolved project root directory.
func (m *Manager) ProjectRoot() string {
	return m.projectRoot
}

func (m *Manager) compose(ctx context.Context, args ...string) ([]byte, error) {
	full := append([]string{"compose", "--file", m.composeFile}, args...)
	cmd := exec.CommandContext(ctx, m.runtime, full...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return stdout.Bytes(), fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return stdout.Bytes(), err
	}
	return stdout.Bytes(), nil
}
