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

// Package submission implements the submission pipeline (C5): binding an
// uploaded target to a workflow run. It is transport-agnostic — callers
// supply an io.Reader for the tarball body; the HTTP multipart handling
// lives in the C10 router.
package submission

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/crashwise/orchestrator/internal/audit"
	"github.com/crashwise/orchestrator/internal/cache"
	"github.com/crashwise/orchestrator/internal/engine"
	"github.com/crashwise/orchestrator/internal/progress"
	"github.com/crashwise/orchestrator/internal/registry"
	"github.com/crashwise/orchestrator/internal/tracing"
	cwerrors "github.com/crashwise/orchestrator/pkg/errors"
)

// MaxUploadBytes is the fixed cap on a target tarball's total size.
const MaxUploadBytes int64 = 10 << 30 // 10 GiB

// Request is the input to Submit.
type Request struct {
	WorkflowName string
	Tarball      io.Reader
	OriginalName string
	Owner        string
	Channel      string
	UserParams   map[string]any
	Timeout      time.Duration
}

// Result is returned on successful submission.
type Result struct {
	RunID        string
	Status       string
	WorkflowName string
	Message      string
}

// TargetUploader is the subset of the cache store Submit depends on.
type TargetUploader interface {
	UploadTarget(ctx context.Context, localPath, owner string, meta cache.TargetMetadata) (string, error)
}

// WorkflowStarter is the subset of the engine client Submit depends on.
type WorkflowStarter interface {
	Start(ctx context.Context, entryType, runID, taskQueue string, args []any) error
}

// ProgressInitializer is the subset of the progress store Submit depends on.
type ProgressInitializer interface {
	Init(runID, workflowName string)
}

// Pipeline wires the C1/C2/C3/C7 dependencies a submission needs.
type Pipeline struct {
	Registry *registry.Registry
	Cache    TargetUploader
	Engine   WorkflowStarter
	Progress ProgressInitializer
	Audit    *audit.Log

	draining atomic.Bool
}

// StartDraining stops Submit from accepting new work; in-flight submissions
// and already-running scans are unaffected.
func (p *Pipeline) StartDraining() {
	p.draining.Store(true)
}

// IsDraining reports whether StartDraining has been called.
func (p *Pipeline) IsDraining() bool {
	return p.draining.Load()
}

// Submit runs the ordered steps from spec §4.5.
func (p *Pipeline) Submit(ctx context.Context, req Request) (Result, error) {
	if p.IsDraining() {
		return Result{}, fmt.Errorf("submission rejected: daemon is shutting down")
	}

	def, ok := p.Registry.Get(req.WorkflowName)
	if !ok {
		return Result{}, &cwerrors.WorkflowNotFoundError{Name: req.WorkflowName, Known: p.Registry.Names()}
	}
	// Discovery already rejects a vertical-less workflow before it ever
	// reaches the registry; this guards the data-model invariant rather
	// than a reachable path.
	if def.Vertical == "" {
		return Result{}, &cwerrors.MissingVerticalError{WorkflowName: req.WorkflowName}
	}

	tmpPath, size, err := spoolToTemp(req.Tarball, MaxUploadBytes)
	if tmpPath != "" {
		defer os.Remove(tmpPath)
	}
	if err != nil {
		return Result{}, err
	}

	targetID, err := p.Cache.UploadTarget(ctx, tmpPath, req.Owner, cache.TargetMetadata{
		Owner:            req.Owner,
		OriginalFilename: req.OriginalName,
		UploadedAt:       time.Now(),
		SizeBytes:        size,
		Workflow:         req.WorkflowName,
		UploadMethod:     req.Channel,
	})
	if err != nil {
		return Result{}, err
	}

	params := effectiveParams(def.DefaultParameters, req.UserParams)
	args := engine.BuildArgs(targetID, def.ParametersSchema, params)

	runID, err := newRunID(req.WorkflowName)
	if err != nil {
		return Result{}, err
	}
	taskQueue := def.TaskQueue()

	if err := p.Engine.Start(ctx, def.EntryType, runID, taskQueue, args); err != nil {
		return Result{}, err
	}

	if def.IsFuzzing() {
		p.Progress.Init(runID, req.WorkflowName)
	}

	if p.Audit != nil {
		_ = p.Audit.Record(ctx, audit.Record{
			TargetID:      targetID,
			RunID:         runID,
			WorkflowName:  req.WorkflowName,
			Owner:         req.Owner,
			UploadedAt:    time.Now(),
			Channel:       req.Channel,
			CorrelationID: tracing.FromContextOrEmpty(ctx).String(),
		})
	}

	return Result{
		RunID:        runID,
		Status:       "RUNNING",
		WorkflowName: req.WorkflowName,
		Message:      fmt.Sprintf("submitted %s as run %s", req.WorkflowName, runID),
	}, nil
}

// spoolToTemp streams src to a temp file, aborting once maxBytes is
// exceeded. The partial file is removed on every exit path except a clean
// success, where the caller is responsible for removing it after use.
func spoolToTemp(src io.Reader, maxBytes int64) (string, int64, error) {
	f, err := os.CreateTemp("", "crashwise-upload-*")
	if err != nil {
		return "", 0, fmt.Errorf("creating temp upload file: %w", err)
	}
	path := f.Name()
	defer f.Close()

	limited := io.LimitReader(src, maxBytes+1)
	n, err := io.Copy(f, limited)
	if err != nil {
		f.Close()
		os.Remove(path)
		return "", 0, fmt.Errorf("streaming upload: %w", err)
	}
	if n > maxBytes {
		f.Close()
		os.Remove(path)
		return "", n, &cwerrors.FileTooLargeError{SizeBytes: n, MaxBytes: maxBytes}
	}
	return path, n, nil
}

// effectiveParams computes defaults ∪ user_params, user wins on conflict.
func effectiveParams(defaults map[string]any, user map[string]any) map[string]any {
	out := make(map[string]any, len(defaults)+len(user))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range user {
		out[k] = v
	}
	return out
}

// newRunID mints <workflow_name>-<8-hex>.
func newRunID(workflowName string) (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating run id: %w", err)
	}
	return fmt.Sprintf("%s-%s", workflowName, hex.EncodeToString(buf)), nil
}
