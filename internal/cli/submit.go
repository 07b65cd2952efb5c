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
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/crashwise/orchestrator/internal/cli/shared"
)

type parameterProperty struct {
	Type    string `json:"type"`
	Default any    `json:"default,omitempty"`
}

type workflowParametersResponse struct {
	Properties map[string]parameterProperty `json:"properties"`
	Order      []string                     `json:"order,omitempty"`
	Required   []string                     `json:"required,omitempty"`
	Defaults   map[string]any               `json:"defaults,omitempty"`
}

type submitResponse struct {
	RunID        string `json:"run_id"`
	Status       string `json:"status"`
	WorkflowName string `json:"workflow_name"`
}

func newSubmitCommand() *cobra.Command {
	var (
		paramsJSON string
		timeout    int
	)

	cmd := &cobra.Command{
		Use:   "submit <workflow> <target>",
		Short: "Submit a target for scanning under the given workflow",
		Long: `Submit uploads the file or directory archive at <target> to crashwised
and starts a run of <workflow> against it. Required parameters the
workflow declares are prompted for interactively unless --params
supplies them, or the terminal isn't interactive.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(args[0], args[1], paramsJSON, timeout)
		},
	}

	cmd.Flags().StringVar(&paramsJSON, "params", "", "Workflow parameters as a JSON object")
	cmd.Flags().IntVar(&timeout, "timeout", 0, "Run timeout in seconds (0 = workflow default)")

	return cmd
}

func runSubmit(workflowName, targetPath, paramsJSON string, timeout int) error {
	params, err := resolveParameters(workflowName, paramsJSON)
	if err != nil {
		return err
	}

	f, err := os.Open(targetPath)
	if err != nil {
		return shared.NewInvalidInputError(fmt.Sprintf("cannot open target %s", targetPath), err)
	}
	defer f.Close()

	fields := map[string]string{}
	if len(params) > 0 {
		encoded, err := json.Marshal(params)
		if err != nil {
			return shared.NewInvalidInputError("failed to encode parameters", err)
		}
		fields["parameters"] = string(encoded)
	}
	if timeout > 0 {
		fields["timeout"] = fmt.Sprintf("%d", timeout)
	}

	reqURL := shared.BuildAPIURL(fmt.Sprintf("/workflows/%s/upload-and-submit", workflowName), nil)
	body, err := shared.MakeMultipartRequest("POST", reqURL, "file", filepath.Base(targetPath), f, fields)
	if err != nil {
		return err
	}

	var resp submitResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return shared.NewInvalidInputError("failed to parse response", err)
	}

	if shared.GetJSON() {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	fmt.Fprintf(os.Stdout, "run %s submitted (%s)\n", resp.RunID, resp.Status)
	return nil
}

// resolveParameters merges --params with any interactively-prompted
// required fields the workflow declares but the caller didn't supply.
func resolveParameters(workflowName, paramsJSON string) (map[string]any, error) {
	params := map[string]any{}
	if paramsJSON != "" {
		if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
			return nil, shared.NewInvalidInputError("--params is not valid JSON", err)
		}
	}

	schema, err := fetchParameterSchema(workflowName)
	if err != nil {
		return nil, err
	}

	var missing []string
	for _, name := range schema.Required {
		if _, ok := params[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return params, nil
	}

	if !isTerminal() {
		return nil, shared.NewInvalidInputError(
			fmt.Sprintf("missing required parameters %v; supply them with --params in non-interactive mode", missing), nil)
	}

	return promptForParameters(params, schema, missing)
}

func fetchParameterSchema(workflowName string) (workflowParametersResponse, error) {
	reqURL := shared.BuildAPIURL(fmt.Sprintf("/workflows/%s/parameters", workflowName), nil)
	body, err := shared.MakeAPIRequest("GET", reqURL, nil)
	if err != nil {
		return workflowParametersResponse{}, err
	}

	var schema workflowParametersResponse
	if err := json.Unmarshal(body, &schema); err != nil {
		return workflowParametersResponse{}, shared.NewInvalidInputError("failed to parse parameter schema", err)
	}
	return schema, nil
}

func promptForParameters(params map[string]any, schema workflowParametersResponse, missing []string) (map[string]any, error) {
	values := make(map[string]*string, len(missing))
	var fields []huh.Field
	for _, name := range missing {
		v := ""
		values[name] = &v
		field := huh.NewInput().
			Title(name).
			Description(fmt.Sprintf("type: %s", schema.Properties[name].Type)).
			Value(&v)
		fields = append(fields, field)
	}

	form := huh.NewForm(huh.NewGroup(fields...))
	if err := form.Run(); err != nil {
		if err == huh.ErrUserAborted {
			os.Exit(130)
		}
		return nil, fmt.Errorf("parameter prompt cancelled: %w", err)
	}

	for name, v := range values {
		params[name] = *v
	}
	return params, nil
}

func isTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}
