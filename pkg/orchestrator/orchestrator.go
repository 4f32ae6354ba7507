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

// Package orchestrator owns the task map: planning, execution,
// parent/child linkage, cooperative pause and abort, and structural
// tree edits. Entities refer to each other by id; the orchestrator is
// the single owner of task lifecycles.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/orchid/pkg/agent"
	"github.com/kadirpekel/orchid/pkg/chain"
	"github.com/kadirpekel/orchid/pkg/events"
	"github.com/kadirpekel/orchid/pkg/llm"
	"github.com/kadirpekel/orchid/pkg/logger"
	"github.com/kadirpekel/orchid/pkg/observability"
	"github.com/kadirpekel/orchid/pkg/planner"
	"github.com/kadirpekel/orchid/pkg/protocol"
	"github.com/kadirpekel/orchid/pkg/react"
	"github.com/kadirpekel/orchid/pkg/task"
	"github.com/kadirpekel/orchid/pkg/tool"
)

// Result is the outcome of executing one task.
type Result struct {
	TaskID     string
	Success    bool
	StopReason react.StopReason
	Result     string
	Err        error
}

// taskContext bundles everything the orchestrator tracks per task.
type taskContext struct {
	task    *task.Task
	ctx     context.Context
	cancel  context.CancelFunc
	pause   atomic.Int32
	mailbox *agent.Mailbox

	mu      sync.Mutex
	steps   map[int]context.CancelFunc
	stepSeq int
	running bool

	// resumeStatus is the status to restore when an idle task is
	// unpaused.
	resumeStatus task.Status
}

// newStepContext derives a step-scoped context unioned with the task
// token and registers its cancel in the outstanding set.
func (tc *taskContext) newStepContext(parent context.Context) (context.Context, context.CancelFunc) {
	stepCtx, cancel := llm.MergedContext(parent, tc.ctx)

	tc.mu.Lock()
	tc.stepSeq++
	id := tc.stepSeq
	tc.steps[id] = cancel
	tc.mu.Unlock()

	return stepCtx, func() {
		tc.mu.Lock()
		delete(tc.steps, id)
		tc.mu.Unlock()
		cancel()
	}
}

// abortSteps cancels every outstanding step token, leaving the task
// token live.
func (tc *taskContext) abortSteps() {
	tc.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(tc.steps))
	for _, c := range tc.steps {
		cancels = append(cancels, c)
	}
	tc.steps = make(map[int]context.CancelFunc)
	tc.mu.Unlock()

	for _, c := range cancels {
		c()
	}
}

func (tc *taskContext) pauseFlag() agent.PauseFlag {
	return agent.PauseFlag(tc.pause.Load())
}

// Config tunes the orchestrator and the agents it spawns.
type Config struct {
	Agent agent.Config
}

// Orchestrator manages the task map.
type Orchestrator struct {
	mu       sync.Mutex
	contexts map[string]*taskContext

	client     *llm.Client
	planner    *planner.Planner
	registry   *tool.Registry
	toolsets   []tool.Toolset
	chainStore chain.Store
	bus        *events.Bus
	book       *events.StateBook
	callback   protocol.Callback
	human      protocol.Human
	cfg        Config
	logger     *slog.Logger
}

type Option func(*Orchestrator)

func WithRegistry(r *tool.Registry) Option {
	return func(o *Orchestrator) { o.registry = r }
}

func WithToolsets(toolsets ...tool.Toolset) Option {
	return func(o *Orchestrator) { o.toolsets = append(o.toolsets, toolsets...) }
}

func WithChainStore(store chain.Store) Option {
	return func(o *Orchestrator) { o.chainStore = store }
}

func WithCallback(cb protocol.Callback) Option {
	return func(o *Orchestrator) { o.callback = cb }
}

func WithHuman(h protocol.Human) Option {
	return func(o *Orchestrator) { o.human = h }
}

func WithBus(bus *events.Bus) Option {
	return func(o *Orchestrator) { o.bus = bus }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an orchestrator on top of an LLM client.
func New(client *llm.Client, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		contexts: make(map[string]*taskContext),
		client:   client,
		cfg:      cfg,
		callback: protocol.NopCallback,
		logger:   logger.Get(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.registry == nil {
		o.registry = tool.NewRegistry()
	}
	if o.chainStore == nil {
		o.chainStore = chain.NewMemoryStore()
	}
	if o.bus == nil {
		o.bus = events.NewBus()
	}
	o.book = events.NewStateBook(o.bus)
	o.planner = planner.New(client, planner.WithChainStore(o.chainStore))
	return o
}

// Bus exposes the event bus for observers.
func (o *Orchestrator) Bus() *events.Bus { return o.bus }

// StateBook exposes the per-task state records.
func (o *Orchestrator) StateBook() *events.StateBook { return o.book }

// Task returns a copy of the task with the given id.
func (o *Orchestrator) Task(id string) (*task.Task, bool) {
	tc, ok := o.get(id)
	if !ok {
		return nil, false
	}
	return tc.task.Clone(), true
}

// Generate plans a new task from the prompt. On planning failure the
// context is discarded.
func (o *Orchestrator) Generate(ctx context.Context, prompt, id string) (*task.Task, error) {
	tc, err := o.register(ctx, task.New(id, prompt))
	if err != nil {
		return nil, err
	}

	if err := o.planner.Plan(ctx, tc.task, prompt, o.callback); err != nil {
		o.remove(ctx, tc.task.ID)
		return nil, err
	}
	return tc.task.Clone(), nil
}

// Modify replans an existing task with a new prompt, creating the task
// when it does not exist.
func (o *Orchestrator) Modify(ctx context.Context, id, prompt string) (*task.Task, error) {
	tc, ok := o.get(id)
	if !ok {
		return o.Generate(ctx, prompt, id)
	}

	if err := o.planner.Plan(ctx, tc.task, prompt, o.callback); err != nil {
		return nil, err
	}
	return tc.task.Clone(), nil
}

// Execute runs the agent loop for the task.
func (o *Orchestrator) Execute(ctx context.Context, id string) *Result {
	tc, ok := o.get(id)
	if !ok {
		return &Result{TaskID: id, StopReason: react.StopError,
			Err: fmt.Errorf("task %q not found", id)}
	}

	tc.mu.Lock()
	if tc.running {
		tc.mu.Unlock()
		return &Result{TaskID: id, StopReason: react.StopError,
			Err: fmt.Errorf("task %q is already running", id)}
	}
	tc.running = true
	tc.mu.Unlock()
	defer func() {
		tc.mu.Lock()
		tc.running = false
		tc.mu.Unlock()
	}()

	tracer := observability.GetTracer("orchid.orchestrator")
	ctx, span := tracer.Start(ctx, observability.SpanTaskExecute)
	defer span.End()

	runCtx, cancel := llm.MergedContext(ctx, tc.ctx)
	defer cancel()

	// A task paused before execution keeps showing paused until it is
	// resumed; the resume path promotes it to running.
	if tc.pauseFlag() == agent.PauseRun {
		o.setStatus(ctx, tc, task.StatusRunning)
	}

	a := agent.New(o.client, o.registry, o.cfg.Agent,
		agent.WithToolsets(o.toolsets...),
		agent.WithChainStore(o.chainStore),
		agent.WithStateBook(o.book),
		agent.WithStepContext(tc.newStepContext),
		agent.WithLogger(o.logger),
	)

	res := a.Run(runCtx, agent.RunInput{
		Task:     tc.task,
		Callback: o.callback,
		Human:    o.human,
		Mailbox:  tc.mailbox,
		Pause:    tc.pauseFlag,
	})

	switch res.StopReason {
	case react.StopDone:
		o.setStatus(ctx, tc, task.StatusDone)
	case react.StopAbort:
		o.setStatus(ctx, tc, task.StatusAborted)
	default:
		o.setStatus(ctx, tc, task.StatusError)
	}

	return &Result{
		TaskID:     id,
		Success:    res.Success,
		StopReason: res.StopReason,
		Result:     res.Result,
		Err:        res.Err,
	}
}

// Abort cancels the task token, clearing any pause first so waiters
// wake up.
func (o *Orchestrator) Abort(ctx context.Context, id, reason string) bool {
	tc, ok := o.get(id)
	if !ok {
		return false
	}

	tc.pause.Store(int32(agent.PauseRun))
	o.setStatus(ctx, tc, task.StatusAborted)
	tc.cancel()

	o.logger.Info("task aborted", "task_id", id, "reason", reason)
	return true
}

// Pause sets or clears the cooperative pause flag. With
// abortCurrentStep, every outstanding step token is cancelled while
// the task token stays live, so the loop resumes at the next
// iteration.
func (o *Orchestrator) Pause(ctx context.Context, id string, pause, abortCurrentStep bool, reason string) bool {
	tc, ok := o.get(id)
	if !ok {
		return false
	}

	if !pause {
		tc.pause.Store(int32(agent.PauseRun))
		o.book.SetPaused(ctx, id, false)
		if tc.task.Status == task.StatusPaused {
			tc.mu.Lock()
			next := tc.resumeStatus
			if tc.running {
				next = task.StatusRunning
			}
			tc.mu.Unlock()
			if next == "" {
				next = task.StatusInit
			}
			o.setStatus(ctx, tc, next)
		}
		o.callback.OnMessage(ctx, &protocol.Message{
			Type: protocol.MessageTypeTaskResume, TaskID: id, Reason: reason})
		return true
	}

	if abortCurrentStep {
		tc.pause.Store(int32(agent.PausePauseAbortStep))
		tc.abortSteps()
	} else {
		tc.pause.Store(int32(agent.PausePause))
	}
	if tc.task.Status != task.StatusPaused {
		tc.mu.Lock()
		tc.resumeStatus = tc.task.Status
		tc.mu.Unlock()
		o.setStatus(ctx, tc, task.StatusPaused)
	}
	o.book.SetPaused(ctx, id, true)
	o.callback.OnMessage(ctx, &protocol.Message{
		Type: protocol.MessageTypeTaskPause, TaskID: id, Reason: reason})
	return true
}

// Chat queues a message for the running task; the loop prepends it as
// a user instruction before its next LLM call.
func (o *Orchestrator) Chat(id, text string) bool {
	tc, ok := o.get(id)
	if !ok {
		return false
	}
	tc.mailbox.Post(text)
	return true
}

// SpawnChild plans a child task under the parent and runs it to
// completion. The child's outcome is fed back through the
// task_child_result callback; the parent may be paused meanwhile.
func (o *Orchestrator) SpawnChild(ctx context.Context, parentID, prompt string) (string, error) {
	parent, ok := o.get(parentID)
	if !ok {
		return "", fmt.Errorf("task %q not found", parentID)
	}

	child := task.New("", prompt)
	child.ParentID = parent.task.ID
	child.RootID = parent.task.RootID
	tc, err := o.register(ctx, child)
	if err != nil {
		return "", err
	}

	if err := o.planner.Plan(ctx, tc.task, prompt, o.callback); err != nil {
		o.remove(ctx, child.ID)
		return "", err
	}

	parent.task.AddChild(child.ID)
	o.callback.OnMessage(ctx, &protocol.Message{
		Type:     protocol.MessageTypeTaskSpawn,
		TaskID:   child.ID,
		ParentID: parent.task.ID,
		RootID:   child.RootID,
		Task:     tc.task.Clone(),
	})

	res := o.Execute(ctx, child.ID)
	o.completeChild(ctx, parent.task.ID, res)
	return child.ID, nil
}

// ExecuteChildren runs all direct children of a task in parallel and
// reports each outcome to the parent.
func (o *Orchestrator) ExecuteChildren(ctx context.Context, parentID string) error {
	parent, ok := o.get(parentID)
	if !ok {
		return fmt.Errorf("task %q not found", parentID)
	}

	children := append([]string(nil), parent.task.Children...)
	g, gctx := errgroup.WithContext(ctx)
	for _, childID := range children {
		g.Go(func() error {
			res := o.Execute(gctx, childID)
			o.completeChild(gctx, parentID, res)
			if res.Err != nil {
				return fmt.Errorf("child %s: %w", childID, res.Err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (o *Orchestrator) completeChild(ctx context.Context, parentID string, res *Result) {
	summary := res.Result
	if res.Err != nil {
		summary = "failed: " + res.Err.Error()
	}
	o.callback.OnMessage(ctx, &protocol.Message{
		Type:     protocol.MessageTypeTaskChildResult,
		TaskID:   res.TaskID,
		ParentID: parentID,
		Summary:  summary,
	})
}

// ReplanSubtree deletes the task's descendants and rebuilds them with
// the tree planner.
func (o *Orchestrator) ReplanSubtree(ctx context.Context, id string) error {
	tc, ok := o.get(id)
	if !ok {
		return fmt.Errorf("task %q not found", id)
	}

	removed := o.deleteDescendants(ctx, tc.task)

	children, err := o.planner.PlanTree(ctx, tc.task, tc.task.Prompt, o.callback)
	if err != nil {
		return err
	}
	for _, child := range children {
		if _, err := o.register(ctx, child); err != nil {
			return err
		}
	}

	o.callback.OnMessage(ctx, &protocol.Message{
		Type:       protocol.MessageTypeTaskTreeUpdate,
		TaskID:     id,
		ParentID:   id,
		ChildIDs:   append([]string(nil), tc.task.Children...),
		RemovedIDs: removed,
	})
	return nil
}

// deleteDescendants removes the task's whole subtree below it and
// returns the removed ids.
func (o *Orchestrator) deleteDescendants(ctx context.Context, t *task.Task) []string {
	var removed []string
	for _, childID := range append([]string(nil), t.Children...) {
		if child, ok := o.get(childID); ok {
			removed = append(removed, o.deleteDescendants(ctx, child.task)...)
		}
		o.remove(ctx, childID)
		removed = append(removed, childID)
		t.RemoveChild(childID)
	}
	return removed
}

func (o *Orchestrator) register(ctx context.Context, t *task.Task) (*taskContext, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.contexts[t.ID]; exists {
		return nil, fmt.Errorf("task %q already exists", t.ID)
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	tc := &taskContext{
		task:    t,
		ctx:     taskCtx,
		cancel:  cancel,
		mailbox: agent.NewMailbox(),
		steps:   make(map[int]context.CancelFunc),
	}
	o.contexts[t.ID] = tc

	o.book.Register(ctx, t.ID,
		o.cfg.Agent.MaxIterations, o.cfg.Agent.MaxErrorStreak, o.cfg.Agent.MaxIdleRounds)
	return tc, nil
}

func (o *Orchestrator) remove(ctx context.Context, id string) {
	o.mu.Lock()
	tc, ok := o.contexts[id]
	delete(o.contexts, id)
	o.mu.Unlock()

	if ok {
		tc.cancel()
		o.book.Remove(ctx, id)
	}
}

func (o *Orchestrator) get(id string) (*taskContext, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	tc, ok := o.contexts[id]
	return tc, ok
}

func (o *Orchestrator) setStatus(ctx context.Context, tc *taskContext, status task.Status) {
	tc.task.Status = status
	o.book.SetStatus(ctx, tc.task.ID, status)
	o.callback.OnMessage(ctx, &protocol.Message{
		Type:   protocol.MessageTypeTaskStatus,
		TaskID: tc.task.ID,
		Status: status,
	})
}
