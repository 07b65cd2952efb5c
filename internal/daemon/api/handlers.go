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
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/crashwise/orchestrator/internal/daemon/httputil"
	"github.com/crashwise/orchestrator/internal/progress"
	"github.com/crashwise/orchestrator/internal/registry"
	"github.com/crashwise/orchestrator/internal/runstatus"
	"github.com/crashwise/orchestrator/internal/submission"
	cwerrors "github.com/crashwise/orchestrator/pkg/errors"
)

var errNoSubmissionPipeline = errors.New("submission pipeline unavailable")

// handleRoot answers the service-identity probe every client starts with.
func (r *Router) handleRoot(w http.ResponseWriter, req *http.Request) {
	snap := r.bootstrapSnapshot()
	body := map[string]any{
		"name":    "crashwised",
		"version": r.cfg.Version,
		"ready":   snap.Ready(),
	}
	if r.deps.Registry != nil {
		body["workflows_loaded"] = len(r.deps.Registry.Names())
	}
	body["bootstrap"] = snap
	httputil.WriteJSON(w, http.StatusOK, body)
}

// handleHealth answers GET /health with {status: healthy|initializing}.
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	status := "initializing"
	if r.bootstrapSnapshot().Ready() {
		status = "healthy"
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (r *Router) bootstrapSnapshot() bootstrapSnapshotView {
	if r.deps.Bootstrap == nil {
		return bootstrapSnapshotView{State: "not_started"}
	}
	s := r.deps.Bootstrap.Status()
	return bootstrapSnapshotView{State: string(s.State), LastError: s.LastError, Attempt: s.Attempt}
}

// bootstrapSnapshotView is the JSON-facing shape of a bootstrap.Snapshot.
type bootstrapSnapshotView struct {
	State     string `json:"status"`
	LastError string `json:"last_error,omitempty"`
	Attempt   int    `json:"attempt"`
}

func (v bootstrapSnapshotView) Ready() bool {
	return v.State == "ready"
}

type temporalField struct {
	Ready     bool   `json:"ready"`
	Status    string `json:"status"`
	LastError string `json:"last_error,omitempty"`
}

func (v bootstrapSnapshotView) temporalField() temporalField {
	return temporalField{Ready: v.Ready(), Status: v.State, LastError: v.LastError}
}

// handleListWorkflows answers GET /workflows/. If the engine isn't ready
// yet, it returns the empty-registry gating response from spec §4.10/S6
// rather than a populated list or an error.
func (r *Router) handleListWorkflows(w http.ResponseWriter, req *http.Request) {
	snap := r.bootstrapSnapshot()
	if !snap.Ready() {
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"workflows": []any{},
			"temporal":  snap.temporalField(),
			"message":   "temporal engine is still initialising",
		})
		return
	}

	if r.deps.Registry == nil {
		writeError(w, &cwerrors.EngineUnavailableError{State: snap.State, LastError: snap.LastError, Attempt: snap.Attempt})
		return
	}

	all := r.deps.Registry.All()
	summaries := make([]workflowSummary, 0, len(all))
	for _, def := range all {
		summaries = append(summaries, summarize(def))
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"workflows": summaries,
		"temporal":  snap.temporalField(),
	})
}

type workflowSummary struct {
	Name        string   `json:"name"`
	Vertical    string   `json:"vertical"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Fuzzing     bool     `json:"fuzzing"`
}

func summarize(def registry.WorkflowDefinition) workflowSummary {
	return workflowSummary{
		Name:        def.Name,
		Vertical:    def.Vertical,
		Description: def.Description,
		Tags:        def.Tags,
		Fuzzing:     def.IsFuzzing(),
	}
}

// handleMetadataSchema answers GET /workflows/metadata/schema.
func (r *Router) handleMetadataSchema(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, registry.MetadataSchema())
}

func (r *Router) lookupWorkflow(w http.ResponseWriter, req *http.Request) (registry.WorkflowDefinition, bool) {
	name := req.PathValue("name")
	if r.deps.Registry == nil {
		writeError(w, &cwerrors.WorkflowNotFoundError{Name: name})
		return registry.WorkflowDefinition{}, false
	}
	def, ok := r.deps.Registry.Get(name)
	if !ok {
		writeError(w, &cwerrors.WorkflowNotFoundError{Name: name, Known: r.deps.Registry.Names()})
		return registry.WorkflowDefinition{}, false
	}
	return def, true
}

// handleWorkflowMetadata answers GET /workflows/{name}/metadata.
func (r *Router) handleWorkflowMetadata(w http.ResponseWriter, req *http.Request) {
	def, ok := r.lookupWorkflow(w, req)
	if !ok {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, def)
}

// handleWorkflowParameters answers GET /workflows/{name}/parameters.
func (r *Router) handleWorkflowParameters(w http.ResponseWriter, req *http.Request) {
	def, ok := r.lookupWorkflow(w, req)
	if !ok {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"properties": def.ParametersSchema.Properties,
		"order":      def.ParametersSchema.Order,
		"required":   def.ParametersSchema.Required,
		"defaults":   def.DefaultParameters,
	})
}

// handleWorkerInfo answers GET /workflows/{name}/worker-info.
func (r *Router) handleWorkerInfo(w http.ResponseWriter, req *http.Request) {
	def, ok := r.lookupWorkflow(w, req)
	if !ok {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"vertical":       def.Vertical,
		"worker_service": "worker-" + def.Vertical,
		"task_queue":     def.TaskQueue(),
		"required":       true,
	})
}

// legacySubmitRequest is the body of the deprecated server-local-path submit.
type legacySubmitRequest struct {
	TargetPath string         `json:"target_path"`
	Parameters map[string]any `json:"parameters"`
	Timeout    int            `json:"timeout,omitempty"`
}

// handleLegacySubmit answers POST /workflows/{name}/submit. Preserved per
// Open Question #1's resolution: both submission routes stay live, this
// one marked "deprecated" in its response envelope rather than removed.
func (r *Router) handleLegacySubmit(w http.ResponseWriter, req *http.Request) {
	name := req.PathValue("name")

	var body legacySubmitRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, &cwerrors.InvalidParametersError{Reason: "malformed JSON body", Cause: err})
		return
	}

	f, err := openLocalTarget(body.TargetPath)
	if err != nil {
		writeError(w, &cwerrors.VolumeError{Path: body.TargetPath, Cause: err})
		return
	}
	defer f.Close()

	if r.deps.Submission == nil {
		writeError(w, &cwerrors.WorkflowSubmissionError{WorkflowName: name, Cause: errNoSubmissionPipeline})
		return
	}

	result, err := r.deps.Submission.Submit(req.Context(), submission.Request{
		WorkflowName: name,
		Tarball:      f,
		Owner:        req.Header.Get("X-Crashwise-Owner"),
		Channel:      "submit",
		UserParams:   body.Parameters,
		Timeout:      time.Duration(body.Timeout) * time.Second,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"run_id":        result.RunID,
		"status":        result.Status,
		"workflow_name": result.WorkflowName,
		"deprecated":    true,
		"message":       "this endpoint is deprecated; use upload-and-submit instead",
	})
}

// handleUploadAndSubmit answers POST /workflows/{name}/upload-and-submit.
func (r *Router) handleUploadAndSubmit(w http.ResponseWriter, req *http.Request) {
	name := req.PathValue("name")

	if err := req.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, &cwerrors.InvalidParametersError{Reason: "malformed multipart body", Cause: err})
		return
	}

	file, header, err := req.FormFile("file")
	if err != nil {
		writeError(w, &cwerrors.InvalidParametersError{Reason: "missing file field", Cause: err})
		return
	}
	defer file.Close()

	var params map[string]any
	if raw := req.FormValue("parameters"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			writeError(w, &cwerrors.InvalidParametersError{Reason: "parameters is not valid JSON", Cause: err})
			return
		}
	}

	var timeout time.Duration
	if raw := req.FormValue("timeout"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, &cwerrors.InvalidParametersError{Reason: "timeout is not an integer", Cause: err})
			return
		}
		timeout = time.Duration(secs) * time.Second
	}

	if r.deps.Submission == nil {
		writeError(w, &cwerrors.WorkflowSubmissionError{WorkflowName: name, Cause: errNoSubmissionPipeline})
		return
	}

	result, err := r.deps.Submission.Submit(req.Context(), submission.Request{
		WorkflowName: name,
		Tarball:      file,
		OriginalName: originalFilename(header),
		Owner:        req.Header.Get("X-Crashwise-Owner"),
		Channel:      "upload-and-submit",
		UserParams:   params,
		Timeout:      timeout,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"run_id":        result.RunID,
		"status":        result.Status,
		"workflow_name": result.WorkflowName,
	})
}

func originalFilename(h *multipart.FileHeader) string {
	if h == nil {
		return ""
	}
	return h.Filename
}

// handleRunStatus answers GET /runs/{run_id}/status.
func (r *Router) handleRunStatus(w http.ResponseWriter, req *http.Request) {
	runID := req.PathValue("run_id")
	if r.deps.Engine == nil {
		writeError(w, &cwerrors.EngineUnavailableError{})
		return
	}
	st, err := runstatus.StatusOf(req.Context(), r.deps.Engine, runID)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, st)
}

// handleRunFindings answers GET /runs/{run_id}/findings.
func (r *Router) handleRunFindings(w http.ResponseWriter, req *http.Request) {
	runID := req.PathValue("run_id")
	if r.deps.Engine == nil {
		writeError(w, &cwerrors.EngineUnavailableError{})
		return
	}
	sarif, err := runstatus.Findings(req.Context(), r.deps.Engine, runID, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"run_id": runID, "sarif": sarif})
}

// handleGetStats answers GET /fuzzing/{run_id}/stats.
func (r *Router) handleGetStats(w http.ResponseWriter, req *http.Request) {
	runID := req.PathValue("run_id")
	stats, err := r.deps.Progress.ReadStats(runID)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}

// handlePostStats answers POST /fuzzing/{run_id}/stats, the worker-side push.
func (r *Router) handlePostStats(w http.ResponseWriter, req *http.Request) {
	runID := req.PathValue("run_id")
	var stats progress.FuzzingStats
	if err := json.NewDecoder(req.Body).Decode(&stats); err != nil {
		writeError(w, &cwerrors.InvalidParametersError{Reason: "malformed stats body", Cause: err})
		return
	}
	if err := r.deps.Progress.PutStats(runID, stats); err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// handleGetCrashes answers GET /fuzzing/{run_id}/crashes.
func (r *Router) handleGetCrashes(w http.ResponseWriter, req *http.Request) {
	runID := req.PathValue("run_id")
	crashes, err := r.deps.Progress.ReadCrashes(runID)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, crashes)
}

// handlePostCrash answers POST /fuzzing/{run_id}/crash, the worker-side push.
func (r *Router) handlePostCrash(w http.ResponseWriter, req *http.Request) {
	runID := req.PathValue("run_id")
	var crash progress.CrashReport
	if err := json.NewDecoder(req.Body).Decode(&crash); err != nil {
		writeError(w, &cwerrors.InvalidParametersError{Reason: "malformed crash body", Cause: err})
		return
	}
	if err := r.deps.Progress.AppendCrash(runID, crash); err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// handleSSEStream answers GET /fuzzing/{run_id}/stream.
func (r *Router) handleSSEStream(w http.ResponseWriter, req *http.Request) {
	runID := req.PathValue("run_id")
	if err := r.deps.Progress.ServeSSE(w, req, runID); err != nil {
		writeError(w, err)
	}
}

// handleWSStream answers WS /fuzzing/{run_id}/live.
func (r *Router) handleWSStream(w http.ResponseWriter, req *http.Request) {
	runID := req.PathValue("run_id")
	if err := r.deps.Progress.ServeWebSocket(w, req, runID, r.logger); err != nil {
		writeError(w, err)
	}
}

// handlePurgeProgress answers DELETE /fuzzing/{run_id}.
func (r *Router) handlePurgeProgress(w http.ResponseWriter, req *http.Request) {
	runID := req.PathValue("run_id")
	if err := r.deps.Progress.Purge(runID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSystemInfo answers GET /system/info.
func (r *Router) handleSystemInfo(w http.ResponseWriter, req *http.Request) {
	composePath := ""
	if r.deps.Worker != nil {
		composePath = r.deps.Worker.ComposeFile()
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"host_root":           r.cfg.HostRoot,
		"docker_compose_path": composePath,
		"workers_dir":         r.cfg.WorkersDir,
	})
}

func openLocalTarget(path string) (*os.File, error) {
	return os.Open(path)
}
