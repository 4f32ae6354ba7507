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

package orchestrator

import (
	"context"
	"fmt"

	"github.com/kadirpekel/orchid/pkg/protocol"
	"github.com/kadirpekel/orchid/pkg/task"
)

// AddChild creates a child task under the parent from an existing plan
// description, without planning. Returns the child id.
func (o *Orchestrator) AddChild(ctx context.Context, parentID, name, description string) (string, error) {
	parent, ok := o.get(parentID)
	if !ok {
		return "", fmt.Errorf("task %q not found", parentID)
	}

	child := task.New("", description)
	child.Name = name
	child.Description = description
	child.ParentID = parent.task.ID
	child.RootID = parent.task.RootID

	if _, err := o.register(ctx, child); err != nil {
		return "", err
	}
	parent.task.AddChild(child.ID)

	o.emitTreeUpdate(ctx, parent.task, nil)
	return child.ID, nil
}

// DeleteSubtree removes the task and all its descendants, detaching it
// from its parent.
func (o *Orchestrator) DeleteSubtree(ctx context.Context, id string) error {
	tc, ok := o.get(id)
	if !ok {
		return fmt.Errorf("task %q not found", id)
	}

	removed := o.deleteDescendants(ctx, tc.task)
	removed = append(removed, id)

	var parent *task.Task
	if tc.task.ParentID != "" {
		if ptc, ok := o.get(tc.task.ParentID); ok {
			ptc.task.RemoveChild(id)
			parent = ptc.task
		}
	}
	o.remove(ctx, id)

	if parent != nil {
		o.emitTreeUpdate(ctx, parent, removed)
	}
	return nil
}

// MoveSubtree reparents a task. The moved subtree's root id is
// repointed at the new parent's root, recursively.
func (o *Orchestrator) MoveSubtree(ctx context.Context, id, newParentID string) error {
	tc, ok := o.get(id)
	if !ok {
		return fmt.Errorf("task %q not found", id)
	}
	newParent, ok := o.get(newParentID)
	if !ok {
		return fmt.Errorf("task %q not found", newParentID)
	}
	if id == newParentID || o.isDescendant(newParentID, id) {
		return fmt.Errorf("cannot move %q under its own subtree", id)
	}

	if tc.task.ParentID != "" {
		if old, ok := o.get(tc.task.ParentID); ok {
			old.task.RemoveChild(id)
			o.emitTreeUpdate(ctx, old.task, nil)
		}
	}

	tc.task.ParentID = newParentID
	newParent.task.AddChild(id)
	o.repointRoot(tc.task, newParent.task.RootID)

	o.emitTreeUpdate(ctx, newParent.task, nil)
	return nil
}

// UpdateTask rewrites a task's name and description.
func (o *Orchestrator) UpdateTask(ctx context.Context, id, name, description string) error {
	tc, ok := o.get(id)
	if !ok {
		return fmt.Errorf("task %q not found", id)
	}
	if name != "" {
		tc.task.Name = name
	}
	if description != "" {
		tc.task.Description = description
	}
	o.emitTreeUpdate(ctx, tc.task, nil)
	return nil
}

// isDescendant reports whether candidate sits in the subtree of
// ancestor.
func (o *Orchestrator) isDescendant(candidate, ancestor string) bool {
	tc, ok := o.get(ancestor)
	if !ok {
		return false
	}
	for _, childID := range tc.task.Children {
		if childID == candidate || o.isDescendant(candidate, childID) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) repointRoot(t *task.Task, rootID string) {
	t.RootID = rootID
	for _, childID := range t.Children {
		if child, ok := o.get(childID); ok {
			o.repointRoot(child.task, rootID)
		}
	}
}

func (o *Orchestrator) emitTreeUpdate(ctx context.Context, parent *task.Task, removed []string) {
	o.callback.OnMessage(ctx, &protocol.Message{
		Type:       protocol.MessageTypeTaskTreeUpdate,
		TaskID:     parent.ID,
		ParentID:   parent.ID,
		ChildIDs:   append([]string(nil), parent.Children...),
		RemovedIDs: removed,
	})
}
