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

// Package engine wraps the durable workflow runtime's client (C3),
// translating our vocabulary — start/describe/list/cancel/result — into
// Temporal's API, including the fixed retry policy applied at the engine
// boundary.
package engine

import (
	"context"
	"fmt"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/client"

	cwerrors "github.com/crashwise/orchestrator/pkg/errors"
)

// Status mirrors the run states this service derives from the engine.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusUnknown   Status = "UNKNOWN"
)

// Terminal reports whether status is a closed run state (COMPLETED, FAILED
// or CANCELLED). findings() additionally rejects FAILED.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Description is the engine-side view of one run.
type Description struct {
	Status        Status
	StartTime     time.Time
	ExecutionTime time.Time
	CloseTime     time.Time
	TaskQueue     string
}

// Summary is one entry of a list() call.
type Summary struct {
	RunID     string
	Status    Status
	StartTime time.Time
}

// fixed retry policy applied at the engine boundary (spec §4.3).
var startRetryPolicy = &client.RetryPolicy{
	InitialInterval:    1 * time.Second,
	BackoffCoefficient: 2,
	MaximumInterval:    1 * time.Minute,
	MaximumAttempts:    3,
}

// Client wraps a Temporal client.Client.
type Client struct {
	temporal client.Client
}

// Dial connects to the durable workflow engine.
func Dial(ctx context.Context, address, namespace string) (*Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  address,
		Namespace: namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing temporal at %s: %w", address, err)
	}
	return &Client{temporal: c}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() {
	c.temporal.Close()
}

// Start launches entryType on taskQueue with runID as the workflow ID and
// args as the positional arguments assembled per §4.3.
func (c *Client) Start(ctx context.Context, entryType, runID, taskQueue string, args []any) error {
	opts := client.StartWorkflowOptions{
		ID:          runID,
		TaskQueue:   taskQueue,
		RetryPolicy: startRetryPolicy,
	}

	_, err := c.temporal.ExecuteWorkflow(ctx, opts, entryType, args...)
	if err != nil {
		return &cwerrors.WorkflowSubmissionError{WorkflowName: entryType, Cause: err}
	}
	return nil
}

// Describe reports the current status and timestamps for runID.
func (c *Client) Describe(ctx context.Context, runID string) (Description, error) {
	resp, err := c.temporal.DescribeWorkflowExecution(ctx, runID, "")
	if err != nil {
		return Description{}, &cwerrors.WorkflowError{RunID: runID, Cause: err}
	}

	info := resp.GetWorkflowExecutionInfo()
	desc := Description{
		Status:    statusFromExecutionStatus(info.GetStatus()),
		TaskQueue: info.GetTaskQueue(),
	}
	if t := info.GetStartTime(); t != nil {
		desc.StartTime = t.AsTime()
	}
	if t := info.GetCloseTime(); t != nil {
		desc.CloseTime = t.AsTime()
	}
	if t := info.GetExecutionTime(); t != nil {
		desc.ExecutionTime = t.AsTime()
	}

	return desc, nil
}

// Result blocks until runID reaches a terminal status (or timeout elapses)
// and decodes its return value into out.
func (c *Client) Result(ctx context.Context, runID string, timeout time.Duration, out any) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	run := c.temporal.GetWorkflow(ctx, runID, "")
	if err := run.Get(ctx, out); err != nil {
		return &cwerrors.WorkflowError{RunID: runID, Cause: err}
	}
	return nil
}

// Cancel requests cancellation of runID.
func (c *Client) Cancel(ctx context.Context, runID string) error {
	if err := c.temporal.CancelWorkflow(ctx, runID, ""); err != nil {
		return &cwerrors.WorkflowError{RunID: runID, Cause: err}
	}
	return nil
}

// ListFilter narrows a List call.
type ListFilter struct {
	Query string
}

// List returns up to limit run summaries (default 100).
func (c *Client) List(ctx context.Context, filter ListFilter, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 100
	}

	resp, err := c.temporal.ListWorkflow(ctx, &workflowservice.ListWorkflowExecutionsRequest{
		PageSize: int32(limit),
		Query:    filter.Query,
	})
	if err != nil {
		return nil, &cwerrors.EngineUnavailableError{State: "error", LastError: err.Error()}
	}

	summaries := make([]Summary, 0, len(resp.Executions))
	for _, e := range resp.Executions {
		s := Summary{Status: statusFromExecutionStatus(e.GetStatus())}
		if e.GetExecution() != nil {
			s.RunID = e.GetExecution().GetWorkflowId()
		}
		if t := e.GetStartTime(); t != nil {
			s.StartTime = t.AsTime()
		}
		summaries = append(summaries, s)
	}
	return summaries, nil
}

func statusFromExecutionStatus(s enumspb.WorkflowExecutionStatus) Status {
	switch s {
	case enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING:
		return StatusRunning
	case enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		return StatusCompleted
	case enumspb.WORKFLOW_EXECUTION_STATUS_FAILED, enumspb.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:
		return StatusFailed
	case enumspb.WORKFLOW_EXECUTION_STATUS_CANCELED, enumspb.WORKFLOW_EXECUTION_STATUS_TERMINATED:
		return StatusCancelled
	default:
		return StatusUnknown
	}
}
