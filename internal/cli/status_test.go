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

func TestRunStatusShow_RendersRunStatus(t *testing.T) {
	withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/runs/run-123/status" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"run_id":"run-123","workflow_name":"secret-scan","status":"RUNNING","is_running":true}`))
	})

	if err := runStatusShow("run-123"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunStatusShow_UnknownRunIs404(t *testing.T) {
	withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"type":"RunNotFound","message":"run not found"}}`))
	})

	err := runStatusShow("missing-run")
	if err == nil {
		t.Fatal("expected error for unknown run")
	}
}
