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

// Package lifecycle manages crashwised's PID file.
//
// PID files are security-sensitive: they control which process receives
// shutdown signals. PIDFileManager uses exclusive file locking (flock) and
// atomic creation (O_EXCL) to prevent race conditions and symlink attacks.
package lifecycle
