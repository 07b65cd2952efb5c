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
	"net/http"
	"testing"
)

func TestRunFindingsShow_PrintsSarif(t *testing.T) {
	withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/runs/run-123/findings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"run_id":"run-123","sarif":{"version":"2.1.0","runs":[]}}`))
	})

	if err := runFindingsShow("run-123"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
