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
	"sync"

	"github.com/kadirpekel/orchid/pkg/tool"
	"github.com/kadirpekel/orchid/pkg/tool/functiontool"
)

// ForEachCounterName is the tool name the model sees.
const ForEachCounterName = "next_iteration"

type forEachArgs struct {
	Done bool `json:"done,omitempty" jsonschema:"description=Set true when the current item is finished and the loop should advance"`
}

// NewForEachCounter builds the iteration-counter tool for a forEach
// step. With items it walks the list; without, it just counts rounds.
func NewForEachCounter(items []string) (tool.CallableTool, error) {
	var mu sync.Mutex
	index := 0

	return functiontool.New(
		functiontool.Config{
			Name:        ForEachCounterName,
			Description: "Advance the forEach loop to the next item. Call with done=true after finishing the current item. Returns the next item and remaining count, or completed=true when the loop is exhausted.",
		},
		func(ctx tool.Context, args forEachArgs) (map[string]any, error) {
			mu.Lock()
			defer mu.Unlock()

			if args.Done {
				index++
			}

			out := map[string]any{"iteration": index}
			if len(items) == 0 {
				return out, nil
			}

			if index >= len(items) {
				out["completed"] = true
				out["result"] = "All items processed."
				return out, nil
			}

			out["item"] = items[index]
			out["remaining"] = len(items) - index - 1
			out["result"] = fmt.Sprintf("Current item (%d of %d): %s", index+1, len(items), items[index])
			return out, nil
		},
	)
}
