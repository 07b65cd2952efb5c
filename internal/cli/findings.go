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
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/crashwise/orchestrator/internal/cli/shared"
)

func newFindingsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "findings <run-id>",
		Short: "Fetch SARIF findings for a completed run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFindingsShow(args[0])
		},
	}
}

func runFindingsShow(runID string) error {
	reqURL := shared.BuildAPIURL(fmt.Sprintf("/runs/%s/findings", runID), nil)
	body, err := shared.MakeAPIRequest("GET", reqURL, nil)
	if err != nil {
		return err
	}

	// The daemon's response wraps the raw SARIF document: {run_id, sarif}.
	// Always print it as JSON - SARIF has no other useful rendering here,
	// and table/summary rendering of findings is out of scope.
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		return shared.NewInvalidInputError("failed to parse response", err)
	}
	fmt.Fprintln(os.Stdout, pretty.String())
	return nil
}
