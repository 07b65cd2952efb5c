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

package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/crashwise/orchestrator/internal/cli/shared"
)

// runStatus mirrors the daemon's GET /runs/{run_id}/status response.
type runStatus struct {
	RunID         string    `json:"run_id"`
	WorkflowName  string    `json:"workflow_name"`
	EngineStatus  string    `json:"status"`
	IsRunning     bool      `json:"is_running"`
	IsCompleted   bool      `json:"is_completed"`
	IsFailed      bool      `json:"is_failed"`
	StartTime     time.Time `json:"start_time"`
	ExecutionTime time.Time `json:"execution_time"`
	CloseTime     time.Time `json:"close_time"`
	TaskQueue     string    `json:"task_queue"`
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show the status of a workflow run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatusShow(args[0])
		},
	}
}

func runStatusShow(runID string) error {
	reqURL := shared.BuildAPIURL(fmt.Sprintf("/runs/%s/status", runID), nil)
	body, err := shared.MakeAPIRequest("GET", reqURL, nil)
	if err != nil {
		return err
	}

	var st runStatus
	if err := json.Unmarshal(body, &st); err != nil {
		return shared.NewInvalidInputError("failed to parse response", err)
	}

	if shared.GetJSON() {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	fmt.Fprintf(os.Stdout, "Run: %s\n", st.RunID)
	fmt.Fprintf(os.Stdout, "Workflow: %s\n", st.WorkflowName)
	fmt.Fprintf(os.Stdout, "Status: %s\n", st.EngineStatus)
	if !st.StartTime.IsZero() {
		fmt.Fprintf(os.Stdout, "Started: %s\n", st.StartTime.Format(time.RFC3339))
	}
	if st.IsCompleted && !st.CloseTime.IsZero() {
		fmt.Fprintf(os.Stdout, "Completed: %s\n", st.CloseTime.Format(time.RFC3339))
	}
	if st.IsFailed {
		fmt.Fprintln(os.Stdout, "Result: failed")
	}

	return nil
}
