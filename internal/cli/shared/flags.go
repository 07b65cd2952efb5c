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

package shared

// Global flag values, set by the root command and read by every subcommand.
var (
	verboseFlag bool
	jsonFlag    bool
	serverFlag  string

	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// RegisterFlagPointers returns pointers to the persistent flag variables
// for the root command to bind.
func RegisterFlagPointers() (*bool, *bool, *string) {
	return &verboseFlag, &jsonFlag, &serverFlag
}

// SetVersion sets the version information (called from main via ldflags).
func SetVersion(v, c, b string) {
	version = v
	commit = c
	buildDate = b
}

// GetVersion returns version information.
func GetVersion() (string, string, string) {
	return version, commit, buildDate
}

// GetVerbose returns the verbose flag value.
func GetVerbose() bool {
	return verboseFlag
}

// GetJSON returns the JSON output flag value.
func GetJSON() bool {
	return jsonFlag
}

// GetServer returns the --server flag override, or "" if unset.
func GetServer() string {
	return serverFlag
}

// SetServerForTest overrides the --server flag value for tests.
func SetServerForTest(server string) {
	serverFlag = server
}
