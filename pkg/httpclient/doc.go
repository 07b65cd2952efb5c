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

// Package httpclient provides a unified HTTP client factory with consistent
// timeout, retry, and observability behavior for the crashwise CLI's calls
// against the orchestrator's HTTP surface.
//
// # Usage
//
//	client, err := httpclient.New(httpclient.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	resp, err := client.Get("http://localhost:8080/workflows/")
//
// # Retry behavior
//
// Retries HTTP 5xx, 408, and 429, and transient network errors, with
// exponential backoff and jitter. A Retry-After header shortens the wait
// when it is shorter than the backoff; it never lengthens it. Only idempotent
// methods (GET, HEAD, OPTIONS) retry by default; set
// AllowNonIdempotentRetry to retry POST/PUT/PATCH/DELETE too.
package httpclient
