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

// Package runstatus is a thin query layer over the engine client (C6):
// deriving run status convenience flags and extracting SARIF findings from
// a terminal run's result.
package runstatus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/itchyny/gojq"

	"github.com/crashwise/orchestrator/internal/engine"
	cwerrors "github.com/crashwise/orchestrator/pkg/errors"
)

var sarifQuery = mustParse(".sarif")

func mustParse(expr string) *gojq.Code {
	query, err := gojq.Parse(expr)
	if err != nil {
		panic(err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		panic(err)
	}
	return code
}

// Status is the status() response shape.
type Status struct {
	RunID         string        `json:"run_id"`
	WorkflowName  string        `json:"workflow_name"`
	EngineStatus  engine.Status `json:"status"`
	IsRunning     bool          `json:"is_running"`
	IsCompleted   bool          `json:"is_completed"`
	IsFailed      bool          `json:"is_failed"`
	StartTime     time.Time     `json:"start_time"`
	ExecutionTime time.Time     `json:"execution_time"`
	CloseTime     time.Time     `json:"close_time"`
	TaskQueue     string        `json:"task_queue"`
}

// workflowNameFromRunID parses the embedded workflow name from a run_id of
// the form <workflow_name>-<8-hex>: everything before the last hyphen.
func workflowNameFromRunID(runID string) string {
	idx := strings.LastIndex(runID, "-")
	if idx < 0 {
		return runID
	}
	return runID[:idx]
}

// Describer is the subset of engine.Client that status() and findings()
// depend on.
type Describer interface {
	Describe(ctx context.Context, runID string) (engine.Description, error)
	Result(ctx context.Context, runID string, timeout time.Duration, out any) error
}

// StatusOf wraps the engine's describe call with the derived convenience
// flags and the workflow name parsed from run_id.
func StatusOf(ctx context.Context, eng Describer, runID string) (Status, error) {
	desc, err := eng.Describe(ctx, runID)
	if err != nil {
		return Status{}, err
	}

	return Status{
		RunID:         runID,
		WorkflowName:  workflowNameFromRunID(runID),
		EngineStatus:  desc.Status,
		IsRunning:     desc.Status == engine.StatusRunning,
		IsCompleted:   desc.Status == engine.StatusCompleted,
		IsFailed:      desc.Status == engine.StatusFailed,
		StartTime:     desc.StartTime,
		ExecutionTime: desc.ExecutionTime,
		CloseTime:     desc.CloseTime,
		TaskQueue:     desc.TaskQueue,
	}, nil
}

// NotTerminalError is returned by Findings when the run has not yet
// reached a terminal status, or has FAILED; callers map it to a 400
// response.
type NotTerminalError struct {
	RunID  string
	Status engine.Status
}

func (e *NotTerminalError) Error() string {
	return fmt.Sprintf("run %s is not terminal (status: %s)", e.RunID, e.Status)
}

// Findings requires status to be terminal; RUNNING and FAILED both produce
// a 400-mapped NotTerminalError, matching spec's explicit "FAILED also
// returns 400" rule rather than attempting to extract SARIF from a failed
// run's result. Otherwise it calls Result and extracts the "sarif" field,
// defaulting to an empty mapping when absent.
func Findings(ctx context.Context, eng Describer, runID string, timeout time.Duration) (map[string]any, error) {
	st, err := StatusOf(ctx, eng, runID)
	if err != nil {
		return nil, err
	}

	if !st.EngineStatus.Terminal() || st.EngineStatus == engine.StatusFailed {
		return nil, &NotTerminalError{RunID: runID, Status: st.EngineStatus}
	}

	var result map[string]any
	if err := eng.Result(ctx, runID, timeout, &result); err != nil {
		return nil, &cwerrors.WorkflowError{RunID: runID, Cause: err}
	}

	iter := sarifQuery.Run(result)
	v, ok := iter.Next()
	if !ok {
		return map[string]any{}, nil
	}
	if err, isErr := v.(error); isErr {
		return nil, fmt.Errorf("extracting sarif field: %w", err)
	}
	if sarif, ok := v.(map[string]any); ok {
		return sarif, nil
	}
	return map[string]any{}, nil
}
