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

// Package shared holds the parts of the crashwise CLI that don't belong to
// any one subcommand: the daemon HTTP client, global flags, and exit codes.
package shared

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"

	"github.com/crashwise/orchestrator/pkg/httpclient"
)

// APIError wraps a non-2xx response from the daemon, carrying the
// suggestions from its structured error envelope (spec: "CLI tooling is
// expected to render suggestions verbatim").
type APIError struct {
	StatusCode  int
	Type        string
	Message     string
	Suggestions []string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

type errorEnvelope struct {
	Error struct {
		Type        string   `json:"type"`
		Message     string   `json:"message"`
		Suggestions []string `json:"suggestions,omitempty"`
	} `json:"error"`
}

const defaultControllerURL = "http://127.0.0.1:8420"

// controllerURL returns the base URL of the crashwised daemon, honoring
// --server, then CRASHWISE_CONTROLLER_URL, then the loopback default.
func controllerURL() string {
	if s := GetServer(); s != "" {
		return s
	}
	if v := os.Getenv("CRASHWISE_CONTROLLER_URL"); v != "" {
		return v
	}
	return defaultControllerURL
}

// BuildAPIURL constructs a full daemon API URL with query parameters.
func BuildAPIURL(path string, params map[string]string) string {
	base := controllerURL()

	u, err := url.Parse(base + path)
	if err != nil {
		return base + path
	}

	if len(params) > 0 {
		q := u.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	return u.String()
}

func newClient() *http.Client {
	cfg := httpclient.DefaultConfig()
	client, err := httpclient.New(cfg)
	if err != nil {
		return &http.Client{}
	}
	return client
}

// MakeAPIRequest sends an HTTP request to the daemon with a JSON body and
// returns the raw response body, or an error describing a non-2xx status.
func MakeAPIRequest(method, reqURL string, body []byte) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, reqURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return do(req)
}

// MakeMultipartRequest uploads a target file plus optional form fields to
// one of the daemon's submit endpoints.
func MakeMultipartRequest(method, reqURL string, fileField, fileName string, file io.Reader, fields map[string]string) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile(fileField, fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, fmt.Errorf("failed to stream target: %w", err)
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("failed to write form field %s: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	req, err := http.NewRequest(method, reqURL, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	return do(req)
}

func do(req *http.Request) ([]byte, error) {
	if owner := os.Getenv("CRASHWISE_OWNER"); owner != "" {
		req.Header.Set("X-Crashwise-Owner", owner)
	}

	resp, err := newClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
		var env errorEnvelope
		if json.Unmarshal(respBody, &env) == nil && env.Error.Message != "" {
			apiErr.Type = env.Error.Type
			apiErr.Message = env.Error.Message
			apiErr.Suggestions = env.Error.Suggestions
		}
		return nil, apiErr
	}

	return respBody, nil
}
