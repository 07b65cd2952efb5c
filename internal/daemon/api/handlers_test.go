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

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crashwise/orchestrator/internal/bootstrap"
	"github.com/crashwise/orchestrator/internal/cache"
	"github.com/crashwise/orchestrator/internal/progress"
	"github.com/crashwise/orchestrator/internal/registry"
	"github.com/crashwise/orchestrator/internal/submission"
)

type fakeUploader struct{ targetID string }

func (f *fakeUploader) UploadTarget(ctx context.Context, localPath, owner string, meta cache.TargetMetadata) (string, error) {
	return f.targetID, nil
}

type fakeStarter struct{ gotArgs []any }

func (f *fakeStarter) Start(ctx context.Context, entryType, runID, taskQueue string, args []any) error {
	f.gotArgs = args
	return nil
}

type fakeProgressInit struct{}

func (f *fakeProgressInit) Init(runID, workflowName string) {}

func newTestRegistry(t *testing.T, def registry.WorkflowDefinition) *registry.Registry {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, def.Name)
	require.NoError(t, os.MkdirAll(dir, 0755))
	content := fmt.Sprintf("name: %s\nvertical: %s\nentry_type: %s\n", def.Name, def.Vertical, def.EntryType)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "metadata.yaml"), []byte(content), 0644))

	r := registry.New(nil)
	_, err := r.Discover(root)
	require.NoError(t, err)
	return r
}

func readyBootstrap() *bootstrap.Machine {
	m := bootstrap.New(time.Millisecond, time.Millisecond, func() {}, func(ctx context.Context) error { return nil }, nil)
	m.Run(context.Background())
	return m
}

func TestHandleHealth_NotReadyBeforeBootstrap(t *testing.T) {
	r := NewRouter(RouterConfig{}, Deps{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "initializing", body["status"])
}

func TestHandleHealth_HealthyOnceBootstrapReady(t *testing.T) {
	r := NewRouter(RouterConfig{}, Deps{Bootstrap: readyBootstrap()}, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestHandleListWorkflows_GatesOnBootstrapNotReady(t *testing.T) {
	reg := registry.New(nil)
	r := NewRouter(RouterConfig{}, Deps{Registry: reg}, nil)
	req := httptest.NewRequest(http.MethodGet, "/workflows/", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Empty(t, body["workflows"])
}

func TestHandleListWorkflows_ReturnsRegisteredWorkflows(t *testing.T) {
	reg := newTestRegistry(t, registry.WorkflowDefinition{Name: "gitleaks_detection", Vertical: "secrets", EntryType: "GitleaksDetectionWorkflow"})
	r := NewRouter(RouterConfig{}, Deps{Registry: reg, Bootstrap: readyBootstrap()}, nil)
	req := httptest.NewRequest(http.MethodGet, "/workflows/", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	workflows, ok := body["workflows"].([]any)
	require.True(t, ok)
	require.Len(t, workflows, 1)
}

func TestHandleWorkflowMetadata_UnknownNameIs404(t *testing.T) {
	reg := registry.New(nil)
	r := NewRouter(RouterConfig{}, Deps{Registry: reg}, nil)
	req := httptest.NewRequest(http.MethodGet, "/workflows/nope/metadata", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, "WorkflowNotFound", env.Error.Type)
}

func TestHandleWorkflowMetadata_KnownNameReturnsDefinition(t *testing.T) {
	reg := newTestRegistry(t, registry.WorkflowDefinition{Name: "gitleaks_detection", Vertical: "secrets", EntryType: "GitleaksDetectionWorkflow"})
	r := NewRouter(RouterConfig{}, Deps{Registry: reg}, nil)
	req := httptest.NewRequest(http.MethodGet, "/workflows/gitleaks_detection/metadata", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var def registry.WorkflowDefinition
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &def))
	assert.Equal(t, "secrets", def.Vertical)
}

func TestHandleWorkerInfo_PrefixesServiceNameWithWorker(t *testing.T) {
	reg := newTestRegistry(t, registry.WorkflowDefinition{Name: "gitleaks_detection", Vertical: "secrets", EntryType: "GitleaksDetectionWorkflow"})
	r := NewRouter(RouterConfig{}, Deps{Registry: reg}, nil)
	req := httptest.NewRequest(http.MethodGet, "/workflows/gitleaks_detection/worker-info", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "worker-secrets", body["worker_service"])
}

func TestHandleUploadAndSubmit_HappyPath(t *testing.T) {
	reg := newTestRegistry(t, registry.WorkflowDefinition{Name: "gitleaks_detection", Vertical: "secrets", EntryType: "GitleaksDetectionWorkflow"})
	starter := &fakeStarter{}
	pipeline := &submission.Pipeline{
		Registry: reg,
		Cache:    &fakeUploader{targetID: "target-1"},
		Engine:   starter,
		Progress: &fakeProgressInit{},
	}
	r := NewRouter(RouterConfig{}, Deps{Registry: reg, Submission: pipeline}, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "target.tar.gz")
	require.NoError(t, err)
	_, err = part.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("parameters", `{"scan_mode":"deep"}`))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/workflows/gitleaks_detection/upload-and-submit", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "RUNNING", body["status"])
	assert.NotEmpty(t, body["run_id"])
}

func TestHandleUploadAndSubmit_UnknownWorkflowIs404(t *testing.T) {
	reg := registry.New(nil)
	pipeline := &submission.Pipeline{Registry: reg, Cache: &fakeUploader{}, Engine: &fakeStarter{}, Progress: &fakeProgressInit{}}
	r := NewRouter(RouterConfig{}, Deps{Registry: reg, Submission: pipeline}, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "target.tar.gz")
	require.NoError(t, err)
	_, err = part.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/workflows/nope/upload-and-submit", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleLegacySubmit_MarksResponseDeprecated(t *testing.T) {
	reg := newTestRegistry(t, registry.WorkflowDefinition{Name: "gitleaks_detection", Vertical: "secrets", EntryType: "GitleaksDetectionWorkflow"})
	pipeline := &submission.Pipeline{
		Registry: reg,
		Cache:    &fakeUploader{targetID: "t1"},
		Engine:   &fakeStarter{},
		Progress: &fakeProgressInit{},
	}
	r := NewRouter(RouterConfig{}, Deps{Registry: reg, Submission: pipeline}, nil)

	localPath := filepath.Join(t.TempDir(), "target.tar.gz")
	require.NoError(t, os.WriteFile(localPath, []byte("payload"), 0644))

	reqBody, err := json.Marshal(map[string]any{"target_path": localPath})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/workflows/gitleaks_detection/submit", bytes.NewReader(reqBody))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["deprecated"])
}

func TestFuzzingStatsRoundTrip(t *testing.T) {
	store := progress.New()
	store.Init("run-1", "afl_fuzz_target")
	r := NewRouter(RouterConfig{}, Deps{Progress: store}, nil)

	postBody, err := json.Marshal(progress.FuzzingStats{Executions: 100, Crashes: 2})
	require.NoError(t, err)
	postReq := httptest.NewRequest(http.MethodPost, "/fuzzing/run-1/stats", bytes.NewReader(postBody))
	postW := httptest.NewRecorder()
	r.ServeHTTP(postW, postReq)
	require.Equal(t, http.StatusOK, postW.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/fuzzing/run-1/stats", nil)
	getW := httptest.NewRecorder()
	r.ServeHTTP(getW, getReq)
	require.Equal(t, http.StatusOK, getW.Code)

	var stats progress.FuzzingStats
	require.NoError(t, json.Unmarshal(getW.Body.Bytes(), &stats))
	assert.EqualValues(t, 100, stats.Executions)
	assert.EqualValues(t, 2, stats.Crashes)
}

func TestGetStats_UnknownRunIs404(t *testing.T) {
	store := progress.New()
	r := NewRouter(RouterConfig{}, Deps{Progress: store}, nil)

	req := httptest.NewRequest(http.MethodGet, "/fuzzing/nope/stats", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlePurgeProgress_RemovesTrack(t *testing.T) {
	store := progress.New()
	store.Init("run-1", "afl_fuzz_target")
	r := NewRouter(RouterConfig{}, Deps{Progress: store}, nil)

	req := httptest.NewRequest(http.MethodDelete, "/fuzzing/run-1", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)

	_, err := store.ReadStats("run-1")
	assert.Error(t, err)
}

func TestHandleSystemInfo_ReturnsConfiguredPaths(t *testing.T) {
	r := NewRouter(RouterConfig{HostRoot: "/opt/crashwise", WorkersDir: "/opt/crashwise/workers"}, Deps{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/system/info", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "/opt/crashwise", body["host_root"])
	assert.Equal(t, "/opt/crashwise/workers", body["workers_dir"])
}

func TestHandleMetadataSchema_ReturnsSchema(t *testing.T) {
	r := NewRouter(RouterConfig{}, Deps{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/workflows/metadata/schema", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var schema map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &schema))
	assert.Equal(t, "object", schema["type"])
}
