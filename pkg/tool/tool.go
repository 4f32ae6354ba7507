// Copyright 2025 Kadir Pekel
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

// Package tool defines the capability interface agents invoke and the
// registry that unifies static, auto-synthesized, and remote tools.
//
// Every tool, local or remote, exposes the same shape: a name, a
// description, a JSON schema for its arguments, and a Call method.
// The registry resolves name conflicts by source priority.
package tool

import (
	"context"

	"github.com/kadirpekel/orchid/pkg/protocol"
)

// Tool is the base interface for a callable capability.
type Tool interface {
	// Name returns the unique name of the tool.
	Name() string

	// Description explains what the tool does. Shown to the LLM.
	Description() string

	// RequiresApproval reports whether a human must approve each
	// invocation before it runs.
	RequiresApproval() bool
}

// CallableTool extends Tool with synchronous execution.
type CallableTool interface {
	Tool

	// Call executes the tool with the given arguments and blocks until
	// completion.
	Call(ctx Context, args map[string]any) (map[string]any, error)

	// Schema returns the JSON schema for the tool's parameters, nil if
	// the tool takes none.
	Schema() map[string]any
}

// Toolset groups related tools behind lazy resolution.
type Toolset interface {
	// Name returns the toolset name.
	Name() string

	// Tools returns the available tools, connecting or discovering
	// lazily when needed.
	Tools(ctx context.Context) ([]CallableTool, error)

	// Close releases any held connections.
	Close() error
}

// Context is the execution context handed to a tool invocation. It
// carries the cancellation scope plus the identifiers and surfaces a
// tool needs to report progress or ask the human.
type Context interface {
	context.Context

	// CallID returns the unique id of this tool invocation.
	CallID() string

	// TaskID returns the id of the task driving this invocation, empty
	// outside a task.
	TaskID() string

	// Callback returns the event sink for progressive output.
	Callback() protocol.Callback

	// Human returns the human-in-the-loop surface, nil when the host
	// provides none.
	Human() protocol.Human
}

type callContext struct {
	context.Context
	callID string
	taskID string
	cb     protocol.Callback
	human  protocol.Human
}

func (c *callContext) CallID() string              { return c.callID }
func (c *callContext) TaskID() string              { return c.taskID }
func (c *callContext) Callback() protocol.Callback { return c.cb }
func (c *callContext) Human() protocol.Human       { return c.human }

// NewContext builds a tool Context on top of ctx.
func NewContext(ctx context.Context, callID, taskID string, cb protocol.Callback, human protocol.Human) Context {
	if cb == nil {
		cb = protocol.NopCallback
	}
	return &callContext{
		Context: ctx,
		callID:  callID,
		taskID:  taskID,
		cb:      cb,
		human:   human,
	}
}
