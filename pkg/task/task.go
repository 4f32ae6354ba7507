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

// Package task defines the task model produced by the planner and
// managed by the orchestrator.
//
// A Task is the unit of work in Orchid. The planner emits it from a
// tagged-markup planning document; the orchestrator owns its lifecycle
// and parent/child linkage. Entities refer to each other by id, never
// by pointer, so the orchestrator's task map is the single owner.
package task

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	// StatusInit means the task has been planned but not started.
	StatusInit Status = "init"

	// StatusRunning means the agent loop is executing the task.
	StatusRunning Status = "running"

	// StatusDone means the task finished successfully.
	StatusDone Status = "done"

	// StatusError means the task failed with an error.
	StatusError Status = "error"

	// StatusAborted means the task was cancelled.
	StatusAborted Status = "aborted"

	// StatusPaused means the task is paused and can be resumed.
	StatusPaused Status = "paused"
)

// IsTerminal returns whether this status permits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDone, StatusError, StatusAborted:
		return true
	}
	return false
}

// Task is a planned unit of work.
//
// RootID equals ID for root tasks, or the root of the parent chain
// otherwise. Children holds child task ids in insertion order.
type Task struct {
	ID          string
	Name        string
	Thought     string
	Description string
	Prompt      string
	Status      Status
	Markup      string
	Nodes       []Node
	ParentID    string
	RootID      string
	Children    []string

	// Modified is set by replan and reset when the plan is consumed.
	// Observers may read it; nothing downstream depends on it.
	Modified bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// New creates an empty task with a fresh id. The planner fills in the
// plan fields afterwards.
func New(id, prompt string) *Task {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()
	return &Task{
		ID:        id,
		Prompt:    prompt,
		Status:    StatusInit,
		RootID:    id,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsRoot reports whether the task has no parent.
func (t *Task) IsRoot() bool {
	return t.ParentID == ""
}

// AddChild appends a child id, preserving insertion order.
func (t *Task) AddChild(id string) {
	for _, c := range t.Children {
		if c == id {
			return
		}
	}
	t.Children = append(t.Children, id)
	t.UpdatedAt = time.Now()
}

// RemoveChild removes a child id if present.
func (t *Task) RemoveChild(id string) {
	for i, c := range t.Children {
		if c == id {
			t.Children = append(t.Children[:i], t.Children[i+1:]...)
			t.UpdatedAt = time.Now()
			return
		}
	}
}

// Clone returns a deep copy safe to hand to observers.
func (t *Task) Clone() *Task {
	cp := *t
	cp.Nodes = cloneNodes(t.Nodes)
	cp.Children = append([]string(nil), t.Children...)
	return &cp
}

// Node is a step descriptor inside a task plan. Nodes are created by
// the planner and never mutated except by replan or tree edits.
type Node interface {
	// Kind returns the node's tag name in the planning markup.
	Kind() string
}

// TextNode is a plain step description.
type TextNode struct {
	Text string
}

func (TextNode) Kind() string { return "text" }

// ForEachNode iterates inner nodes over a list of items.
type ForEachNode struct {
	Items []string
	Nodes []Node
}

func (ForEachNode) Kind() string { return "forEach" }

// WatchNode triggers its nodes when an external change event fires.
type WatchNode struct {
	EventKind   string
	Loop        bool
	Description string
	Triggers    []Node
}

func (WatchNode) Kind() string { return "watch" }

func cloneNodes(nodes []Node) []Node {
	if nodes == nil {
		return nil
	}
	out := make([]Node, len(nodes))
	for i, n := range nodes {
		switch v := n.(type) {
		case TextNode:
			out[i] = v
		case ForEachNode:
			out[i] = ForEachNode{
				Items: append([]string(nil), v.Items...),
				Nodes: cloneNodes(v.Nodes),
			}
		case WatchNode:
			out[i] = WatchNode{
				EventKind:   v.EventKind,
				Loop:        v.Loop,
				Description: v.Description,
				Triggers:    cloneNodes(v.Triggers),
			}
		default:
			out[i] = n
		}
	}
	return out
}
