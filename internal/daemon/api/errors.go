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
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/crashwise/orchestrator/internal/daemon/httputil"
	"github.com/crashwise/orchestrator/internal/runstatus"
	cwerrors "github.com/crashwise/orchestrator/pkg/errors"
)

// errorBody is the `error` object of the response envelope from spec §4.10.
type errorBody struct {
	Type         string    `json:"type"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
	WorkflowName string    `json:"workflow_name,omitempty"`
	RunID        string    `json:"run_id,omitempty"`
	Container    string    `json:"container,omitempty"`
	Deployment   string    `json:"deployment,omitempty"`
	Suggestions  []string  `json:"suggestions,omitempty"`
	Deprecated   bool      `json:"deprecated,omitempty"`
}

type envelope struct {
	Error errorBody `json:"error"`
}

// writeError classifies err against the closed error-kind set in spec §7
// and writes the matching status code and envelope.
func writeError(w http.ResponseWriter, err error) {
	status, body := classify(err)
	httputil.WriteJSON(w, status, envelope{Error: body})
}

func classify(err error) (int, errorBody) {
	body := errorBody{Message: err.Error(), Timestamp: time.Now().UTC()}

	var wnf *cwerrors.WorkflowNotFoundError
	if errors.As(err, &wnf) {
		body.Type = "WorkflowNotFound"
		body.WorkflowName = wnf.Name
		body.Suggestions = []string{suggestKnownWorkflows(wnf.Known)}
		return http.StatusNotFound, body
	}

	var mv *cwerrors.MissingVerticalError
	if errors.As(err, &mv) {
		body.Type = "MissingVertical"
		body.WorkflowName = mv.WorkflowName
		return http.StatusBadRequest, body
	}

	var ve *cwerrors.ValidationError
	if errors.As(err, &ve) {
		body.Type = "ValidationError"
		return http.StatusBadRequest, body
	}

	var ip *cwerrors.InvalidParametersError
	if errors.As(err, &ip) {
		body.Type = "InvalidParameters"
		return http.StatusBadRequest, body
	}

	var ftl *cwerrors.FileTooLargeError
	if errors.As(err, &ftl) {
		body.Type = "FileTooLarge"
		return http.StatusRequestEntityTooLarge, body
	}

	var vol *cwerrors.VolumeError
	if errors.As(err, &vol) {
		body.Type = "VolumeError"
		return http.StatusBadRequest, body
	}

	var img *cwerrors.ImageError
	if errors.As(err, &img) {
		body.Type = "ImageError"
		body.Container = img.Vertical
		return http.StatusInternalServerError, body
	}

	var res *cwerrors.ResourceError
	if errors.As(err, &res) {
		body.Type = "ResourceError"
		body.Container = res.Vertical
		return http.StatusInternalServerError, body
	}

	var we *cwerrors.WorkflowError
	if errors.As(err, &we) {
		body.Type = "WorkflowError"
		body.RunID = we.RunID
		return http.StatusInternalServerError, body
	}

	var wse *cwerrors.WorkflowSubmissionError
	if errors.As(err, &wse) {
		body.Type = "WorkflowSubmissionError"
		body.WorkflowName = wse.WorkflowName
		return http.StatusInternalServerError, body
	}

	var eu *cwerrors.EngineUnavailableError
	if errors.As(err, &eu) {
		body.Type = "EngineUnavailable"
		body.Suggestions = []string{"the engine is not ready yet; retry shortly"}
		return http.StatusServiceUnavailable, body
	}

	var se *cwerrors.StorageError
	if errors.As(err, &se) {
		body.Type = "StorageError"
		return http.StatusInternalServerError, body
	}

	var nf *cwerrors.NotFoundError
	if errors.As(err, &nf) {
		body.Type = "NotFound"
		return http.StatusNotFound, body
	}

	var nt *runstatus.NotTerminalError
	if errors.As(err, &nt) {
		body.Type = "ValidationError"
		body.RunID = nt.RunID
		return http.StatusBadRequest, body
	}

	body.Type = "WorkflowSubmissionError"
	return http.StatusInternalServerError, body
}

func suggestKnownWorkflows(known []string) string {
	if len(known) == 0 {
		return "Available workflows: none currently registered"
	}
	return fmt.Sprintf("Available workflows: %v", known)
}
