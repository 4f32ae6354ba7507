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

// Package autotool synthesizes tools from a task's planning markup:
// a forEach step enables an iteration counter, a watch step enables a
// filesystem change watcher.
package autotool

import (
	"strings"

	"github.com/kadirpekel/orchid/pkg/task"
	"github.com/kadirpekel/orchid/pkg/tool"
)

// Markup keys that enable auto-tools.
const (
	forEachKey = "</forEach>"
	watchKey   = "</watch>"
)

// FromTask synthesizes the auto-tools a task's markup and nodes call
// for. The result may be empty.
func FromTask(t *task.Task) []tool.CallableTool {
	if t == nil {
		return nil
	}

	var tools []tool.CallableTool

	if hasForEach(t) {
		items := collectForEachItems(t.Nodes)
		counter, err := NewForEachCounter(items)
		if err == nil {
			tools = append(tools, counter)
		}
	}

	if hasWatch(t) {
		watcher, err := NewWatcher()
		if err == nil {
			tools = append(tools, watcher)
		}
	}

	return tools
}

func hasForEach(t *task.Task) bool {
	if strings.Contains(t.Markup, forEachKey) {
		return true
	}
	return containsNodeKind(t.Nodes, task.ForEachNode{}.Kind())
}

func hasWatch(t *task.Task) bool {
	if strings.Contains(t.Markup, watchKey) {
		return true
	}
	return containsNodeKind(t.Nodes, task.WatchNode{}.Kind())
}

func containsNodeKind(nodes []task.Node, kind string) bool {
	for _, n := range nodes {
		if n.Kind() == kind {
			return true
		}
		switch v := n.(type) {
		case task.ForEachNode:
			if containsNodeKind(v.Nodes, kind) {
				return true
			}
		case task.WatchNode:
			if containsNodeKind(v.Triggers, kind) {
				return true
			}
		}
	}
	return false
}

func collectForEachItems(nodes []task.Node) []string {
	for _, n := range nodes {
		if fe, ok := n.(task.ForEachNode); ok {
			return fe.Items
		}
	}
	return nil
}
