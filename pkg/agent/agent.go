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

// Package agent runs the Reason-Act-Observe loop for one task: it
// assembles the tool set, maintains the message history, calls the
// streaming LLM client, dispatches tool calls sequentially, and stops
// when the runtime's halt predicates fire.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/orchid/pkg/chain"
	"github.com/kadirpekel/orchid/pkg/errclass"
	"github.com/kadirpekel/orchid/pkg/events"
	"github.com/kadirpekel/orchid/pkg/llm"
	"github.com/kadirpekel/orchid/pkg/logger"
	"github.com/kadirpekel/orchid/pkg/observability"
	"github.com/kadirpekel/orchid/pkg/protocol"
	"github.com/kadirpekel/orchid/pkg/react"
	"github.com/kadirpekel/orchid/pkg/task"
	"github.com/kadirpekel/orchid/pkg/tool"
	"github.com/kadirpekel/orchid/pkg/tool/autotool"
)

// Registry priorities. Static tools win name conflicts over
// auto-synthesized ones, which win over remote discoveries.
const (
	PriorityStatic = 100
	PriorityAuto   = 50
	PriorityMCP    = 10
)

// unfinishedResult is returned when the loop halts on its iteration or
// idle budget without a final response.
const unfinishedResult = "Unfinished"

// pausePollInterval is how often a paused loop re-checks the flag.
const pausePollInterval = 500 * time.Millisecond

// PauseFlag is the cooperative pause state the loop polls.
type PauseFlag int

const (
	PauseRun PauseFlag = iota
	PausePause
	PausePauseAbortStep
)

// StepContextFunc derives a step-scoped context from the loop context.
// The orchestrator supplies one that registers the step's cancel so a
// pause with abort_current_step can cut in-flight work.
type StepContextFunc func(ctx context.Context) (context.Context, context.CancelFunc)

// Config bounds and tunes one agent.
type Config struct {
	MaxIterations  int
	MaxIdleRounds  int
	MaxErrorStreak int

	// ExpertMode enables the one-shot result check and the periodic
	// todo-manager turn.
	ExpertMode  bool
	TodoLoopNum int

	// Platform is a free-form tag surfaced to the model and tools.
	Platform string

	// SystemPrompt overrides the built-in system prompt when set.
	SystemPrompt string
}

func (c *Config) setDefaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 100
	}
	if c.MaxIdleRounds <= 0 {
		c.MaxIdleRounds = 3
	}
	if c.MaxErrorStreak <= 0 {
		c.MaxErrorStreak = 5
	}
	if c.TodoLoopNum <= 0 {
		c.TodoLoopNum = 10
	}
}

// Agent drives one task through the loop.
type Agent struct {
	client      *llm.Client
	registry    *tool.Registry
	toolsets    []tool.Toolset
	chainStore  chain.Store
	stateBook   *events.StateBook
	stepContext StepContextFunc
	cfg         Config
	logger      *slog.Logger
}

type Option func(*Agent)

// WithToolsets adds lazily-discovered toolsets (MCP servers). Their
// tools are registered on the first iteration.
func WithToolsets(toolsets ...tool.Toolset) Option {
	return func(a *Agent) { a.toolsets = append(a.toolsets, toolsets...) }
}

// WithChainStore records tool invocations in the audit chain.
func WithChainStore(store chain.Store) Option {
	return func(a *Agent) { a.chainStore = store }
}

// WithStateBook mirrors loop progress into the state book.
func WithStateBook(book *events.StateBook) Option {
	return func(a *Agent) { a.stateBook = book }
}

// WithStepContext installs the orchestrator's step-token factory.
func WithStepContext(f StepContextFunc) Option {
	return func(a *Agent) { a.stepContext = f }
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// New creates an agent. The registry holds the statically-registered
// tools; auto and MCP tools are added per run.
func New(client *llm.Client, registry *tool.Registry, cfg Config, opts ...Option) *Agent {
	cfg.setDefaults()
	a := &Agent{
		client:   client,
		registry: registry,
		cfg:      cfg,
		logger:   logger.Get(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.registry == nil {
		a.registry = tool.NewRegistry()
	}
	if a.chainStore == nil {
		a.chainStore = chain.NewMemoryStore()
	}
	if a.stepContext == nil {
		a.stepContext = func(ctx context.Context) (context.Context, context.CancelFunc) {
			return context.WithCancel(ctx)
		}
	}
	return a
}

// RunInput bundles the per-run collaborators.
type RunInput struct {
	Task     *task.Task
	Callback protocol.Callback
	Human    protocol.Human

	// Mailbox delivers chat messages posted while the task runs.
	Mailbox *Mailbox

	// Pause reports the cooperative pause flag; nil means never paused.
	Pause func() PauseFlag
}

// RunResult is the outcome of one run.
type RunResult struct {
	TaskID     string
	Success    bool
	StopReason react.StopReason
	Result     string
	Err        error
}

// Run executes the loop until completion or a halt predicate fires.
func (a *Agent) Run(ctx context.Context, in RunInput) *RunResult {
	t := in.Task
	cb := in.Callback
	if cb == nil {
		cb = protocol.NopCallback
	}

	tracer := observability.GetTracer("orchid.agent")
	ctx, span := tracer.Start(ctx, observability.SpanAgentRun,
		trace.WithAttributes(attribute.String(observability.AttrTaskID, t.ID)),
	)
	defer span.End()

	start := time.Now()
	rt := react.NewRuntime(react.Config{
		MaxIterations:  a.cfg.MaxIterations,
		MaxErrorStreak: a.cfg.MaxErrorStreak,
		MaxIdleRounds:  a.cfg.MaxIdleRounds,
	})

	cb.OnMessage(ctx, &protocol.Message{
		Type:   protocol.MessageTypeAgentStart,
		TaskID: t.ID,
		Task:   t.Clone(),
	})

	res := a.loop(ctx, in, cb, rt)
	res.TaskID = t.ID

	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordAgentRun(ctx, time.Since(start), 0, res.Err)
	}

	msg := &protocol.Message{
		Type:   protocol.MessageTypeAgentResult,
		TaskID: t.ID,
		Task:   t.Clone(),
		Result: res.Result,
	}
	if res.Err != nil {
		msg.Error = res.Err.Error()
	}
	cb.OnMessage(ctx, msg)

	a.logger.Info("agent run finished",
		"task_id", t.ID, "success", res.Success,
		"stop_reason", string(res.StopReason),
		"iterations", rt.IterationCount())
	return res
}

func (a *Agent) loop(ctx context.Context, in RunInput, cb protocol.Callback, rt *react.Runtime) *RunResult {
	t := in.Task
	messages := a.initialMessages(t)

	// Auto-tools keyed on the task markup live for this run only.
	autoSource := "auto:" + t.ID
	if tools := autotool.FromTask(t); len(tools) > 0 {
		a.registry.Register(autoSource, PriorityAuto, tools...)
		defer a.registry.Unregister(autoSource)
	}

	mcpReady := false
	resultChecked := false

	for iteration := 0; ; iteration++ {
		if err := ctx.Err(); err != nil {
			rt.SetStopReason(react.StopAbort)
			return &RunResult{StopReason: react.StopAbort, Result: rt.FinalResponse(),
				Err: errclass.Classify(err)}
		}
		if err := a.waitWhilePaused(ctx, in.Pause); err != nil {
			rt.SetStopReason(react.StopAbort)
			return &RunResult{StopReason: react.StopAbort, Err: errclass.Classify(err)}
		}
		if halted, reason := rt.ShouldHalt(); halted {
			return a.haltResult(rt, reason)
		}

		if !mcpReady {
			a.discoverToolsets(ctx)
			mcpReady = true
		}

		messages = maintainContext(messages)
		for _, text := range drain(in.Mailbox) {
			messages = append(messages, llm.TextMessage(llm.RoleUser, "User instruction: "+text))
		}

		if a.cfg.ExpertMode && iteration > 0 && iteration%a.cfg.TodoLoopNum == 0 {
			if msg, ok := a.todoManagerTurn(ctx, t, messages); ok {
				messages = append(messages, msg)
			}
		}

		rt.StartIteration()
		a.publishProgress(ctx, t.ID, rt)

		stepCtx, cancelStep := a.stepContext(ctx)
		res, err := a.client.Call(stepCtx, a.buildRequest(messages), cb)
		cancelStep()

		if err != nil {
			if errclass.IsAborted(err) {
				rt.SetStopReason(react.StopAbort)
				return &RunResult{StopReason: react.StopAbort, Err: err}
			}
			rt.Fail(err.Error())
			cb.OnMessage(ctx, &protocol.Message{Type: protocol.MessageTypeError, TaskID: t.ID, Error: err.Error()})
			return &RunResult{StopReason: react.StopError, Err: err}
		}

		// Adopt any compression rewrites.
		messages = res.Messages
		if res.Thinking != "" {
			rt.RecordThought(res.Thinking)
		}

		// Finish closes the iteration, so it trails any tool dispatch.
		finishMsg := &protocol.Message{
			Type:         protocol.MessageTypeFinish,
			TaskID:       t.ID,
			FinishReason: res.FinishReason,
			Usage: &protocol.Usage{
				PromptTokens:     res.Usage.PromptTokens,
				CompletionTokens: res.Usage.CompletionTokens,
				TotalTokens:      res.Usage.TotalTokens,
			},
		}

		if len(res.ToolCalls) == 0 {
			cb.OnMessage(ctx, finishMsg)
			text := strings.TrimSpace(res.Text)
			if text == "" {
				rt.MarkIdleRound()
				a.publishProgress(ctx, t.ID, rt)
				continue
			}
			if a.cfg.ExpertMode && !resultChecked {
				resultChecked = true
				if !a.checkTaskResult(ctx, t, text) {
					rt.MarkIdleRound()
					messages = append(messages,
						llm.TextMessage(llm.RoleAssistant, text),
						llm.TextMessage(llm.RoleUser, "The task is not complete yet. Continue with the remaining steps."))
					continue
				}
			}
			rt.Complete(text, res.FinishReason)
			a.publishProgress(ctx, t.ID, rt)
			return &RunResult{Success: true, StopReason: react.StopDone, Result: text}
		}

		messages = append(messages, assistantMessage(res))
		toolMsg, fatal := a.dispatchToolCalls(ctx, in, cb, rt, res.ToolCalls)
		messages = append(messages, toolMsg)
		cb.OnMessage(ctx, finishMsg)
		a.publishProgress(ctx, t.ID, rt)
		if fatal != nil {
			rt.Fail(fatal.Error())
			return &RunResult{StopReason: react.StopError, Err: fatal}
		}
	}
}

// dispatchToolCalls runs the calls sequentially in receipt order and
// returns the single tool message answering them. A non-nil fatal
// error means the error streak crossed the halt threshold.
func (a *Agent) dispatchToolCalls(ctx context.Context, in RunInput, cb protocol.Callback, rt *react.Runtime, calls []llm.ToolCall) (llm.Message, error) {
	t := in.Task
	parts := make([]llm.Part, 0, len(calls))
	var fatal error

	for _, call := range calls {
		rt.RecordAction(call.Name)
		cb.OnMessage(ctx, &protocol.Message{
			Type:       protocol.MessageTypeToolUse,
			TaskID:     t.ID,
			ToolName:   call.Name,
			ToolCallID: call.ID,
			Params:     call.Args,
		})

		resultText, isError := a.executeOne(ctx, in, cb, call)
		rt.RecordObservation(resultText, !isError)

		if a.chainStore != nil {
			_ = a.chainStore.Append(ctx, t.ID, chain.Record{
				Kind:       chain.KindToolCall,
				ToolName:   call.Name,
				ToolCallID: call.ID,
				Params:     call.Args,
				Result:     resultText,
			})
		}

		cb.OnMessage(ctx, &protocol.Message{
			Type:       protocol.MessageTypeToolResult,
			TaskID:     t.ID,
			ToolName:   call.Name,
			ToolCallID: call.ID,
			Params:     call.Args,
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

		if fatal == nil && rt.ConsecutiveErrors() >= a.cfg.MaxErrorStreak {
			fatal = fmt.Errorf("tool %q failed %d times in a row: %s",
				call.Name, rt.ConsecutiveErrors(), resultText)
		}
	}

	return llm.Message{Role: llm.RoleTool, Parts: parts}, fatal
}

// executeOne invokes a single tool, converting every failure into an
// error observation instead of an exception.
func (a *Agent) executeOne(ctx context.Context, in RunInput, cb protocol.Callback, call llm.ToolCall) (string, bool) {
	stepCtx, cancelStep := a.stepContext(ctx)
	defer cancelStep()

	tctx := tool.NewContext(stepCtx, call.ID, in.Task.ID, cb, in.Human)
	result, err := a.registry.Execute(tctx, call.Name, call.Args)
	if err != nil {
		return "Error: " + err.Error(), true
	}

	if errText, ok := result["error"].(string); ok && errText != "" {
		return "Error: " + errText, true
	}

	// Tools returning binary payloads surface them as a file message so
	// the host can render the attachment.
	if mime, _ := result["mime_type"].(string); mime != "" {
		if data, _ := result["data"].(string); data != "" {
			cb.OnMessage(ctx, &protocol.Message{
				Type:       protocol.MessageTypeFile,
				TaskID:     in.Task.ID,
				ToolName:   call.Name,
				ToolCallID: call.ID,
				MimeType:   mime,
				Data:       data,
			})
		}
	}
	return tool.ResultText(result), false
}

// discoverToolsets resolves the lazy toolsets and registers their
// tools. Failures are logged, not fatal: a dead MCP server must not
// stop the loop.
func (a *Agent) discoverToolsets(ctx context.Context) {
	for _, ts := range a.toolsets {
		tools, err := ts.Tools(ctx)
		if err != nil {
			a.logger.Warn("toolset discovery failed", "toolset", ts.Name(), "error", err)
			continue
		}
		a.registry.Register("mcp:"+ts.Name(), PriorityMCP, tools...)
	}
}

func (a *Agent) buildRequest(messages []llm.Message) *llm.Request {
	tools := a.registry.List()
	defs := make([]llm.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		})
	}
	return &llm.Request{
		Model:       a.client.Provider().ModelName(),
		Messages:    messages,
		Tools:       defs,
		Temperature: 0.7,
		MaxTokens:   8192,
	}
}

func (a *Agent) initialMessages(t *task.Task) []llm.Message {
	system := a.cfg.SystemPrompt
	if system == "" {
		system = a.defaultSystemPrompt(t)
	}
	return []llm.Message{
		llm.TextMessage(llm.RoleSystem, system),
		llm.TextMessage(llm.RoleUser, t.Prompt),
	}
}

func (a *Agent) defaultSystemPrompt(t *task.Task) string {
	var b strings.Builder
	b.WriteString("You are an autonomous agent working through a planned task. ")
	b.WriteString("Use the available tools to carry out the plan step by step. ")
	b.WriteString("Wrap private reasoning in <thinking></thinking> tags. ")
	b.WriteString("When the task is done, reply with the final result as plain text and no tool calls.\n")
	if a.cfg.Platform != "" {
		fmt.Fprintf(&b, "\nPlatform: %s\n", a.cfg.Platform)
	}
	if t.Markup != "" {
		fmt.Fprintf(&b, "\nTask plan:\n%s\n", t.Markup)
	}
	return b.String()
}

func (a *Agent) haltResult(rt *react.Runtime, reason string) *RunResult {
	if rt.ConsecutiveErrors() >= a.cfg.MaxErrorStreak {
		rt.SetStopReason(react.StopError)
		return &RunResult{StopReason: react.StopError, Err: fmt.Errorf("agent halted: %s", reason)}
	}

	// Iteration or idle budget exhausted without a final response.
	rt.SetStopReason(react.StopLength)
	result := rt.FinalResponse()
	if result == "" {
		result = unfinishedResult
	}
	return &RunResult{StopReason: react.StopLength, Result: result}
}

func (a *Agent) waitWhilePaused(ctx context.Context, pause func() PauseFlag) error {
	if pause == nil {
		return nil
	}
	for pause() != PauseRun {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pausePollInterval):
		}
	}
	return nil
}

func (a *Agent) publishProgress(ctx context.Context, taskID string, rt *react.Runtime) {
	if a.stateBook == nil {
		return
	}
	a.stateBook.SetProgress(ctx, taskID, rt.IterationCount(), rt.IdleRounds())
	a.stateBook.SetErrors(ctx, taskID, rt.ConsecutiveErrors())
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

func drain(m *Mailbox) []string {
	if m == nil {
		return nil
	}
	return m.Drain()
}
