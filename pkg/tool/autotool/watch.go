// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package autotool

import (
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kadirpekel/orchid/pkg/tool"
	"github.com/kadirpekel/orchid/pkg/tool/functiontool"
)

// WatcherName is the tool name the model sees.
const WatcherName = "watch_changes"

// defaultWatchTimeout bounds a single wait so the loop keeps observing
// cancellation.
const defaultWatchTimeout = 60 * time.Second

type watchArgs struct {
	Path      string `json:"path" jsonschema:"required,description=File or directory to watch for changes"`
	TimeoutMS int    `json:"timeout_ms,omitempty" jsonschema:"description=Maximum time to wait in milliseconds,default=60000"`
}

// NewWatcher builds the change-watcher tool for a watch step. Each
// call blocks until one filesystem event fires on the given path, the
// timeout elapses, or the step is cancelled.
func NewWatcher() (tool.CallableTool, error) {
	return functiontool.New(
		functiontool.Config{
			Name:        WatcherName,
			Description: "Wait for the next change on a file or directory. Returns the event kind and affected path, or timed_out=true when nothing changed within the timeout.",
		},
		func(ctx tool.Context, args watchArgs) (map[string]any, error) {
			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return nil, fmt.Errorf("failed to create watcher: %w", err)
			}
			defer watcher.Close()

			if err := watcher.Add(args.Path); err != nil {
				return nil, fmt.Errorf("failed to watch %s: %w", args.Path, err)
			}

			timeout := defaultWatchTimeout
			if args.TimeoutMS > 0 {
				timeout = time.Duration(args.TimeoutMS) * time.Millisecond
			}
			timer := time.NewTimer(timeout)
			defer timer.Stop()

			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return nil, fmt.Errorf("watcher closed unexpectedly")
				}
				return map[string]any{
					"event":  event.Op.String(),
					"path":   event.Name,
					"result": fmt.Sprintf("%s: %s", event.Op, event.Name),
				}, nil

			case err, ok := <-watcher.Errors:
				if !ok {
					return nil, fmt.Errorf("watcher closed unexpectedly")
				}
				return nil, fmt.Errorf("watch error: %w", err)

			case <-timer.C:
				return map[string]any{
					"timed_out": true,
					"result":    fmt.Sprintf("No change on %s within %s.", args.Path, timeout),
				}, nil

			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	)
}
