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
	"net/http/httptest"
	"testing"

	"github.com/crashwise/orchestrator/internal/cli/shared"
)

func withTestServer(t *testing.T, handler http.HandlerFunc) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	shared.SetServerForTest(server.URL)
	t.Cleanup(func() { shared.SetServerForTest("") })
}

func TestRunWorkflowsList_RendersRegisteredWorkflows(t *testing.T) {
	withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/workflows/" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"workflows":[{"name":"secret-scan","vertical":"static-analysis","fuzzing":false}],"temporal":{"ready":true,"status":"ready"}}`))
	})

	if err := runWorkflowsList(nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunWorkflowsList_PropagatesAPIError(t *testing.T) {
	withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":{"type":"EngineUnavailable","message":"engine not ready"}}`))
	})

	if err := runWorkflowsList(nil, nil); err == nil {
		t.Fatal("expected error when daemon returns 503")
	}
}
