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

// Package dialogue is the conversational front of the engine: a
// bounded chat loop that lets the model plan and execute orchestrator
// tasks through two built-in tools.
package dialogue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kadirpekel/orchid/pkg/agent"
	"github.com/kadirpekel/orchid/pkg/llm"
	"github.com/kadirpekel/orchid/pkg/logger"
	"github.com/kadirpekel/orchid/pkg/memory"
	"github.com/kadirpekel/orchid/pkg/orchestrator"
	"github.com/kadirpekel/orchid/pkg/protocol"
	"github.com/kadirpekel/orchid/pkg/tool"
)

// Built-in tool names.
const (
	ToolPlanTask    = "planTask"
	ToolExecuteTask = "executeTask"
)

const (
	defaultMaxTurns = 15
	toolSource      = "dialogue"
)

const defaultSystemPrompt = `You are a helpful assistant that can carry out work for the user.

For anything beyond a simple answer, use planTask to turn the request into a task, then executeTask to run it. Report the outcome to the user in plain language. Reply directly, without tools, when no work is needed.`

// Config tunes the chat loop.
type Config struct {
	// MaxTurns bounds the number of model calls per Chat invocation.
	MaxTurns int

	// Segmented makes Chat return right after a task is planned so the
	// caller can inspect or amend the plan before executing.
	Segmented bool

	SystemPrompt string
	BufferSize   int
}

func (c *Config) setDefaults() {
	if c.MaxTurns <= 0 {
		c.MaxTurns = defaultMaxTurns
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = defaultSystemPrompt
	}
}

// Turn is the outcome of one Chat invocation.
type Turn struct {
	// Text is the assistant's final reply, empty when the loop returned
	// early in segmented mode.
	Text string

	PlannedTaskIDs  []string
	ExecutedTaskIDs []string
}

// Dialogue runs multi-turn conversations on top of an orchestrator.
type Dialogue struct {
	client   *llm.Client
	orch     *orchestrator.Orchestrator
	registry *tool.Registry
	buffer   *memory.Buffer
	callback protocol.Callback
	human    protocol.Human
	cfg      Config
	logger   *slog.Logger
}

type Option func(*Dialogue)

func WithCallback(cb protocol.Callback) Option {
	return func(d *Dialogue) { d.callback = cb }
}

func WithHuman(h protocol.Human) Option {
	return func(d *Dialogue) { d.human = h }
}

// WithTools adds host-provided tools next to the built-ins.
func WithTools(tools ...tool.CallableTool) Option {
	return func(d *Dialogue) { d.registry.Register("host", agent.PriorityStatic, tools...) }
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Dialogue) { d.logger = l }
}

// New creates a dialogue bound to an orchestrator.
func New(client *llm.Client, orch *orchestrator.Orchestrator, cfg Config, opts ...Option) (*Dialogue, error) {
	cfg.setDefaults()

	d := &Dialogue{
		client:   client,
		orch:     orch,
		registry: tool.NewRegistry(),
		buffer:   memory.NewBuffer(cfg.BufferSize),
		callback: protocol.NopCallback,
		cfg:      cfg,
		logger:   logger.Get(),
	}
	d.buffer.SetSystem(cfg.SystemPrompt)
	for _, opt := range opts {
		opt(d)
	}

	builtins, err := d.builtinTools()
	if err != nil {
		return nil, err
	}
	d.registry.Register(toolSource, agent.PriorityStatic, builtins...)
	return d, nil
}

// Chat appends the user message to the conversation and runs the loop
// until the model replies without tool calls, the turn budget runs
// out, or (in segmented mode) a task has been planned.
func (d *Dialogue) Chat(ctx context.Context, text string) (*Turn, error) {
	d.buffer.Add(llm.TextMessage(llm.RoleUser, text))

	turn := &Turn{}
	for i := 0; i < d.cfg.MaxTurns; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res, err := d.client.Call(ctx, d.buildRequest(), d.callback)
		if err != nil {
			return nil, err
		}

		if len(res.ToolCalls) == 0 {
			d.buffer.Add(llm.TextMessage(llm.RoleAssistant, res.Text))
			turn.Text = res.Text
			return turn, nil
		}

		d.buffer.Add(assistantMessage(res))
		d.buffer.Add(d.dispatch(ctx, res.ToolCalls, turn))

		if d.cfg.Segmented && len(turn.PlannedTaskIDs) > 0 {
			turn.Text = strings.TrimSpace(res.Text)
			return turn, nil
		}
	}
	return nil, fmt.Errorf("dialogue reached %d turns without a final reply", d.cfg.MaxTurns)
}

// History returns a copy of the conversation, system message first.
func (d *Dialogue) History() []llm.Message {
	return d.buffer.Messages()
}

// Reset drops the conversation but keeps the system prompt.
func (d *Dialogue) Reset() {
	d.buffer.Clear()
}

// dispatch runs the turn's tool calls sequentially in receipt order and
// returns the tool message answering them.
func (d *Dialogue) dispatch(ctx context.Context, calls []llm.ToolCall, turn *Turn) llm.Message {
	parts := make([]llm.Part, 0, len(calls))
	for _, call := range calls {
		d.callback.OnMessage(ctx, &protocol.Message{
			Type:       protocol.MessageTypeToolUse,
			ToolName:   call.Name,
			ToolCallID: call.ID,
			Params:     call.Args,
		})

		tctx := tool.NewContext(ctx, call.ID, "", d.callback, d.human)
		result, err := d.registry.Execute(tctx, call.Name, call.Args)

		var resultText string
		isError := false
		switch {
		case err != nil:
			resultText = "Error: " + err.Error()
			isError = true
		default:
			resultText = tool.ResultText(result)
			if errText, ok := result["error"].(string); ok && errText != "" {
				isError = true
			}
			d.recordTaskID(call.Name, result, turn)
		}

		d.callback.OnMessage(ctx, &protocol.Message{
			Type:       protocol.MessageTypeToolResult,
			ToolName:   call.Name,
			ToolCallID: call.ID,
			Result:     resultText,
		})

		parts = append(parts, llm.Part{
			Type: llm.PartToolResult,
			ToolResult: &llm.ToolResultPart{
				ID:      call.ID,
				Name:    call.Name,
				Result:  resultText,
				IsError: isError,
			},
		})
	}
	return llm.Message{Role: llm.RoleTool, Parts: parts}
}

func (d *Dialogue) recordTaskID(toolName string, result map[string]any, turn *Turn) {
	id, ok := result["task_id"].(string)
	if !ok || id == "" {
		return
	}
	switch toolName {
	case ToolPlanTask:
		turn.PlannedTaskIDs = append(turn.PlannedTaskIDs, id)
	case ToolExecuteTask:
		turn.ExecutedTaskIDs = append(turn.ExecutedTaskIDs, id)
	}
}

func (d *Dialogue) buildRequest() *llm.Request {
	tools := d.registry.List()
	defs := make([]llm.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		})
	}
	return &llm.Request{
		Model:       d.client.Provider().ModelName(),
		Messages:    d.buffer.Messages(),
		Tools:       defs,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
}

func assistantMessage(res *llm.Result) llm.Message {
	var parts []llm.Part
	if text := strings.TrimSpace(res.Text); text != "" {
		parts = append(parts, llm.Part{Type: llm.PartText, Text: text})
	}
	for i := range res.ToolCalls {
		call := res.ToolCalls[i]
		parts = append(parts, llm.Part{Type: llm.PartToolCall, ToolCall: &call})
	}
	return llm.Message{Role: llm.RoleAssistant, Parts: parts}
}
