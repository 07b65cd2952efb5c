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

	"github.com/spf13/cobra"

	"github.com/crashwise/orchestrator/internal/cli/shared"
)

// workflowSummary mirrors the daemon's GET /workflows/ response shape.
type workflowSummary struct {
	Name        string   `json:"name"`
	Vertical    string   `json:"vertical"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Fuzzing     bool     `json:"fuzzing"`
}

type listWorkflowsResponse struct {
	Workflows []workflowSummary `json:"workflows"`
	Temporal  struct {
		Ready     bool   `json:"ready"`
		Status    string `json:"status"`
		LastError string `json:"last_error,omitempty"`
	} `json:"temporal"`
	Message string `json:"message,omitempty"`
}

func newWorkflowsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflows",
		Short: "List registered workflows",
		RunE:  runWorkflowsList,
	}
	return cmd
}

func runWorkflowsList(cmd *cobra.Command, args []string) error {
	reqURL := shared.BuildAPIURL("/workflows/", nil)
	body, err := shared.MakeAPIRequest("GET", reqURL, nil)
	if err != nil {
		return err
	}

	var resp listWorkflowsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return shared.NewInvalidInputError("failed to parse response", err)
	}

	if shared.GetJSON() {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	if !resp.Temporal.Ready {
		fmt.Fprintf(os.Stdout, "workflow engine not ready: %s\n", resp.Message)
	}

	for _, wf := range resp.Workflows {
		fuzzing := ""
		if wf.Fuzzing {
			fuzzing = " [fuzzing]"
		}
		fmt.Fprintf(os.Stdout, "%s (%s)%s\n", wf.Name, wf.Vertical, fuzzing)
		if wf.Description != "" {
			fmt.Fprintf(os.Stdout, "  %s\n", wf.Description)
		}
	}

	return nil
}
