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

// Package planner turns a user prompt into a structured task plan via
// a single streamed LLM call producing tagged markup. Partial markup
// is rendered progressively: each text delta re-parses the accumulated
// document (repairing truncation) and emits a task callback with
// streamDone=false, followed by a final one with streamDone=true.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/kadirpekel/orchid/pkg/chain"
	"github.com/kadirpekel/orchid/pkg/llm"
	"github.com/kadirpekel/orchid/pkg/logger"
	"github.com/kadirpekel/orchid/pkg/observability"
	"github.com/kadirpekel/orchid/pkg/protocol"
	"github.com/kadirpekel/orchid/pkg/task"
)

const planSystemPrompt = `You are a task planner. Turn the user's request into a plan using this exact markup:

<root>
  <name>short task name</name>
  <thought>why this plan accomplishes the request</thought>
  <task>one-sentence task description</task>
  <nodes>
    <node>a concrete step</node>
    <forEach items="item1,item2">
      <node>step applied to each item</node>
    </forEach>
    <watch event="file" loop="true">
      <description>what to watch for</description>
      <trigger>
        <node>step to run when it fires</node>
      </trigger>
    </watch>
  </nodes>
</root>

Rules: output only the markup, nothing else. Use <forEach> only for repetition over a known list. Use <watch> only when the request reacts to external changes. Keep steps concrete and ordered.`

const treeSystemPrompt = `You are a task planner decomposing a large request into subtasks. Use this exact markup:

<root>
  <name>short name</name>
  <thought>why this decomposition</thought>
  <task>overall description</task>
  <subtasks>
    <subtask>
      <name>subtask name</name>
      <task>subtask description</task>
      <nodes>
        <node>a concrete step</node>
      </nodes>
    </subtask>
  </subtasks>
</root>

Rules: output only the markup. Two levels at most: the root and its subtasks. Order subtasks by dependency.`

// Planner produces and revises task plans.
type Planner struct {
	client *llm.Client
	store  chain.Store
	logger *slog.Logger
}

type Option func(*Planner)

// WithChainStore records plan_request/plan_result pairs so a later
// replan can replay the prior exchange.
func WithChainStore(store chain.Store) Option {
	return func(p *Planner) { p.store = store }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Planner) { p.logger = l }
}

// New creates a planner on top of an LLM client.
func New(client *llm.Client, opts ...Option) *Planner {
	p := &Planner{
		client: client,
		logger: logger.Get(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.store == nil {
		p.store = chain.NewMemoryStore()
	}
	return p
}

// Plan fills the task from the prompt. When the task's chain already
// holds a plan exchange, the prior request and result are replayed so
// the model revises rather than starts over.
func (p *Planner) Plan(ctx context.Context, t *task.Task, prompt string, cb protocol.Callback) error {
	return p.plan(ctx, t, prompt, planSystemPrompt, cb)
}

// PlanTree decomposes the prompt into the task plus child plans,
// clamped to two levels. Children are returned as tasks linked to the
// parent; the caller owns their registration.
func (p *Planner) PlanTree(ctx context.Context, t *task.Task, prompt string, cb protocol.Callback) ([]*task.Task, error) {
	if err := p.plan(ctx, t, prompt, treeSystemPrompt, cb); err != nil {
		return nil, err
	}

	plan, err := Parse(t.Markup)
	if err != nil {
		return nil, err
	}

	rootID := t.RootID
	if rootID == "" {
		rootID = t.ID
	}

	children := make([]*task.Task, 0, len(plan.Subtasks))
	for _, sub := range plan.Subtasks {
		child := task.New("", prompt)
		child.ParentID = t.ID
		child.RootID = rootID
		sub.ApplyTo(child, Serialize(sub))
		t.AddChild(child.ID)
		children = append(children, child)
	}
	return children, nil
}

func (p *Planner) plan(ctx context.Context, t *task.Task, prompt, systemPrompt string, cb protocol.Callback) error {
	if cb == nil {
		cb = protocol.NopCallback
	}

	tracer := observability.GetTracer("orchid.planner")
	ctx, span := tracer.Start(ctx, observability.SpanTaskPlan)
	defer span.End()

	messages := []llm.Message{llm.TextMessage(llm.RoleSystem, systemPrompt)}

	prevRequest, prevResult, replanning, err := chain.LastPlanExchange(ctx, p.store, t.ID)
	if err != nil {
		return err
	}
	if replanning {
		messages = append(messages,
			llm.TextMessage(llm.RoleUser, prevRequest),
			llm.TextMessage(llm.RoleAssistant, prevResult),
		)
	}
	messages = append(messages, llm.TextMessage(llm.RoleUser, prompt))

	req := &llm.Request{
		Model:       p.client.Provider().ModelName(),
		Messages:    messages,
		Temperature: 0.3,
		MaxTokens:   8192,
	}

	// Progressive rendering: intercept text deltas, repair the partial
	// document, and stream task snapshots instead of raw markup text.
	progress := &progressiveRenderer{task: t, cb: cb}
	res, err := p.client.Call(ctx, req, protocol.CallbackFunc(progress.onMessage))
	if err != nil {
		return fmt.Errorf("planning failed: %w", err)
	}

	markup := strings.TrimSpace(res.Text)
	plan, err := Parse(markup)
	if err != nil {
		return fmt.Errorf("failed to parse plan: %w", err)
	}
	plan.ApplyTo(t, markup)
	if replanning {
		t.Modified = true
	}

	if err := p.store.Append(ctx, t.ID, chain.Record{Kind: chain.KindPlanRequest, Request: prompt}); err != nil {
		return err
	}
	if err := p.store.Append(ctx, t.ID, chain.Record{Kind: chain.KindPlanResult, Result: markup}); err != nil {
		return err
	}

	cb.OnMessage(ctx, &protocol.Message{
		Type:       protocol.MessageTypeTask,
		TaskID:     t.ID,
		Task:       t.Clone(),
		StreamDone: true,
	})

	p.logger.Debug("plan produced",
		"task_id", t.ID, "nodes", len(t.Nodes), "replanning", replanning)
	return nil
}

// progressiveRenderer accumulates streamed markup and emits partial
// task snapshots. Thinking deltas pass through; raw markup text does
// not reach the host.
type progressiveRenderer struct {
	mu   sync.Mutex
	raw  strings.Builder
	task *task.Task
	cb   protocol.Callback
}

func (r *progressiveRenderer) onMessage(ctx context.Context, msg *protocol.Message) {
	switch msg.Type {
	case protocol.MessageTypeText:
		r.mu.Lock()
		r.raw.WriteString(msg.Text)
		snapshot := r.snapshot()
		r.mu.Unlock()
		if snapshot != nil {
			r.cb.OnMessage(ctx, &protocol.Message{
				Type:       protocol.MessageTypeTask,
				TaskID:     r.task.ID,
				Task:       snapshot,
				StreamDone: false,
			})
		}
	case protocol.MessageTypeThinking:
		r.cb.OnMessage(ctx, msg)
	}
}

func (r *progressiveRenderer) snapshot() *task.Task {
	plan, err := Parse(r.raw.String())
	if err != nil {
		return nil
	}
	snap := r.task.Clone()
	plan.ApplyTo(snap, r.raw.String())
	return snap
}
