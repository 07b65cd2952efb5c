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

package registry

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"

	"github.com/crashwise/orchestrator/internal/log"
)

// Watch signals on the returned channel whenever a workflow directory is
// added or removed under root. The HTTP surface is unaffected by this
// signal; discovery remains a synchronous, atomic Discover() call that the
// caller re-runs on receipt. The channel is closed when ctx is cancelled.
func (r *Registry) Watch(ctx context.Context, root string) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(root); err != nil {
		watcher.Close()
		return nil, err
	}

	signals := make(chan struct{}, 1)

	go func() {
		defer watcher.Close()
		defer close(signals)

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case signals <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("workflow directory watch error", slog.Any("error", err), log.String("root", root))
			}
		}
	}()

	return signals, nil
}
