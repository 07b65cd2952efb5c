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

// Package cli implements the crashwise operator CLI: submitting scans to
// crashwised, checking run status, and listing registered workflows.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/crashwise/orchestrator/internal/cli/shared"
)

// SetVersion sets the version information (called from main).
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command for crashwise.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crashwise",
		Short: "crashwise - security-scan workflow orchestration client",
		Long: `crashwise is the command-line client for the crashwise control plane.
It submits scan targets (secret detection, static analysis, dependency
scans, fuzzing campaigns) to a running crashwised daemon, and reports on
their progress and findings.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	verbose, json, server := shared.RegisterFlagPointers()
	cmd.PersistentFlags().BoolVarP(verbose, "verbose", "v", false, "Enable verbose output")
	cmd.PersistentFlags().BoolVar(json, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(server, "server", "", "crashwised base URL (default: $CRASHWISE_CONTROLLER_URL or http://127.0.0.1:8420)")

	cmd.AddCommand(newSubmitCommand())
	cmd.AddCommand(newStatusCommand())
	cmd.AddCommand(newFindingsCommand())
	cmd.AddCommand(newWorkflowsCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

// GetVersion returns version information.
func GetVersion() (string, string, string) {
	return shared.GetVersion()
}

// HandleExitError handles exit errors with proper exit codes.
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
