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

// Package orchid assembles the multi-agent engine from configuration.
//
// The Engine is the top-level programmatic surface: plan tasks, run
// them, pause, abort, and chat, with every event streamed through a
// single callback.
//
//	cfg, err := config.LoadFile("orchid.yaml")
//	eng, err := orchid.New(cfg, orchid.WithCallback(myCallback))
//	defer eng.Close(ctx)
//
//	res := eng.Run(ctx, "summarize the open issues", "")
package orchid

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kadirpekel/orchid/pkg/agent"
	"github.com/kadirpekel/orchid/pkg/chain"
	"github.com/kadirpekel/orchid/pkg/config"
	"github.com/kadirpekel/orchid/pkg/dialogue"
	"github.com/kadirpekel/orchid/pkg/events"
	"github.com/kadirpekel/orchid/pkg/llm"
	"github.com/kadirpekel/orchid/pkg/logger"
	"github.com/kadirpekel/orchid/pkg/memory"
	"github.com/kadirpekel/orchid/pkg/observability"
	"github.com/kadirpekel/orchid/pkg/orchestrator"
	"github.com/kadirpekel/orchid/pkg/protocol"
	"github.com/kadirpekel/orchid/pkg/retry"
	"github.com/kadirpekel/orchid/pkg/task"
	"github.com/kadirpekel/orchid/pkg/tool"
	"github.com/kadirpekel/orchid/pkg/tool/mcptoolset"
)

// Commonly used types, re-exported for hosts that only need the
// engine surface.
type (
	Config   = config.Config
	Task     = task.Task
	Result   = orchestrator.Result
	Message  = protocol.Message
	Callback = protocol.Callback
	Human    = protocol.Human
	Turn     = dialogue.Turn
)

var (
	LoadConfig     = config.LoadFile
	LoadConfigFrom = config.Load
)

// Engine wires the provider, orchestrator, and dialogue front
// together from one configuration.
type Engine struct {
	cfg        *config.Config
	provider   llm.Provider
	client     *llm.Client
	orch       *orchestrator.Orchestrator
	dialogue   *dialogue.Dialogue
	chainStore chain.Store
	toolsets   []tool.Toolset
	obs        *observability.Manager
}

type Option func(*engineOptions)

type engineOptions struct {
	callback protocol.Callback
	human    protocol.Human
	tools    []tool.CallableTool
	provider llm.Provider
}

func WithCallback(cb protocol.Callback) Option {
	return func(o *engineOptions) { o.callback = cb }
}

func WithHuman(h protocol.Human) Option {
	return func(o *engineOptions) { o.human = h }
}

// WithTools registers host tools next to the configured toolsets.
func WithTools(tools ...tool.CallableTool) Option {
	return func(o *engineOptions) { o.tools = append(o.tools, tools...) }
}

// WithProvider replaces the configured model provider.
func WithProvider(p llm.Provider) Option {
	return func(o *engineOptions) { o.provider = p }
}

// New builds an engine from a validated configuration.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	options := engineOptions{callback: protocol.NopCallback}
	for _, opt := range opts {
		opt(&options)
	}

	logger.Init(logger.ParseLevel(cfg.Logging.Level), os.Stderr, cfg.Logging.Format)

	provider := options.provider
	if provider == nil {
		provider = llm.NewOpenAIProvider(llm.OpenAIConfig{
			BaseURL:    cfg.LLM.BaseURL,
			APIKey:     cfg.LLM.APIKey,
			Model:      cfg.LLM.Model,
			Timeout:    cfg.LLM.LLMTimeout(),
			MaxRetries: cfg.LLM.MaxRetries,
			RetryDelay: cfg.LLM.BaseDelay(),
		})
	}

	compressor, err := memory.New(memory.Config{
		Provider:          provider,
		CompressThreshold: cfg.Memory.CompressThreshold,
		TargetTokens:      cfg.Memory.TargetTokens,
		RecentTokens:      cfg.Memory.RecentTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build compressor: %w", err)
	}

	retryManager := retry.NewManager(retry.Policy{
		MaxRetries:    cfg.Retry.MaxRetries,
		BaseDelay:     time.Duration(cfg.Retry.BaseDelayMS) * time.Millisecond,
		MaxDelay:      time.Duration(cfg.Retry.MaxDelayMS) * time.Millisecond,
		Multiplier:    cfg.Retry.Multiplier,
		JitterEnabled: cfg.Retry.JitterEnabled(),
	})

	client := llm.NewClient(provider,
		llm.WithRetryManager(retryManager),
		llm.WithCompressor(compressor),
	)

	chainStore, err := buildChainStore(cfg)
	if err != nil {
		return nil, err
	}

	toolsets, err := buildToolsets(cfg)
	if err != nil {
		return nil, err
	}

	registry := tool.NewRegistry()
	if len(options.tools) > 0 {
		registry.Register("host", agent.PriorityStatic, options.tools...)
	}

	orch := orchestrator.New(client, orchestrator.Config{
		Agent: agent.Config{
			MaxIterations:  cfg.Agent.MaxReactIterations,
			MaxIdleRounds:  cfg.Agent.MaxReactIdleRounds,
			MaxErrorStreak: cfg.Agent.MaxReactErrorStreak,
			ExpertMode:     cfg.Agent.ExpertMode,
			TodoLoopNum:    cfg.Agent.ExpertModeTodoLoop,
			Platform:       cfg.Agent.Platform,
			SystemPrompt:   cfg.Agent.SystemPrompt,
		},
	},
		orchestrator.WithRegistry(registry),
		orchestrator.WithToolsets(toolsets...),
		orchestrator.WithChainStore(chainStore),
		orchestrator.WithCallback(options.callback),
		orchestrator.WithHuman(options.human),
	)

	dlg, err := dialogue.New(client, orch, dialogue.Config{
		MaxTurns:     cfg.Dialogue.MaxTurns,
		Segmented:    cfg.Dialogue.Segmented,
		SystemPrompt: cfg.Dialogue.SystemPrompt,
		BufferSize:   cfg.Dialogue.BufferSize,
	},
		dialogue.WithCallback(options.callback),
		dialogue.WithHuman(options.human),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build dialogue: %w", err)
	}

	return &Engine{
		cfg:        cfg,
		provider:   provider,
		client:     client,
		orch:       orch,
		dialogue:   dlg,
		chainStore: chainStore,
		toolsets:   toolsets,
		obs:        observability.NewManager(cfg.Observability),
	}, nil
}

// Init starts the observability stack when it is enabled.
func (e *Engine) Init(ctx context.Context) error {
	return e.obs.Initialize(ctx)
}

// Generate plans a new task from the prompt.
func (e *Engine) Generate(ctx context.Context, prompt, id string) (*task.Task, error) {
	return e.orch.Generate(ctx, prompt, id)
}

// Modify replans an existing task.
func (e *Engine) Modify(ctx context.Context, id, prompt string) (*task.Task, error) {
	return e.orch.Modify(ctx, id, prompt)
}

// Run plans and executes a task in one call.
func (e *Engine) Run(ctx context.Context, prompt, id string) *orchestrator.Result {
	t, err := e.orch.Generate(ctx, prompt, id)
	if err != nil {
		return &orchestrator.Result{TaskID: id, Err: err}
	}
	return e.orch.Execute(ctx, t.ID)
}

// Execute runs a previously planned task.
func (e *Engine) Execute(ctx context.Context, id string) *orchestrator.Result {
	return e.orch.Execute(ctx, id)
}

// Abort cancels a task.
func (e *Engine) Abort(ctx context.Context, id, reason string) bool {
	return e.orch.Abort(ctx, id, reason)
}

// Pause sets or clears the cooperative pause flag on a task.
func (e *Engine) Pause(ctx context.Context, id string, pause, abortCurrentStep bool, reason string) bool {
	return e.orch.Pause(ctx, id, pause, abortCurrentStep, reason)
}

// Chat queues a user instruction for a running task.
func (e *Engine) Chat(id, text string) bool {
	return e.orch.Chat(id, text)
}

// Task returns a copy of the task with the given id.
func (e *Engine) Task(id string) (*task.Task, bool) {
	return e.orch.Task(id)
}

// Dialogue returns the conversational front.
func (e *Engine) Dialogue() *dialogue.Dialogue {
	return e.dialogue
}

// Orchestrator exposes the task orchestrator for structural edits and
// child task control.
func (e *Engine) Orchestrator() *orchestrator.Orchestrator {
	return e.orch
}

// Bus exposes the engine event bus.
func (e *Engine) Bus() *events.Bus {
	return e.orch.Bus()
}

// StateBook exposes per-task progress records.
func (e *Engine) StateBook() *events.StateBook {
	return e.orch.StateBook()
}

// Close releases toolset connections, the chain store, the provider,
// and the observability stack.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	for _, ts := range e.toolsets {
		if err := ts.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.chainStore.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.provider.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.obs.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func buildChainStore(cfg *config.Config) (chain.Store, error) {
	if cfg.Chain.SQL.DSN == "" {
		return chain.NewMemoryStore(), nil
	}
	store, err := chain.NewSQLStore(cfg.Chain.SQL)
	if err != nil {
		return nil, fmt.Errorf("failed to open chain store: %w", err)
	}
	return store, nil
}

func buildToolsets(cfg *config.Config) ([]tool.Toolset, error) {
	toolsets := make([]tool.Toolset, 0, len(cfg.MCP.Servers))
	for _, srv := range cfg.MCP.Servers {
		ts, err := mcptoolset.New(srv)
		if err != nil {
			return nil, fmt.Errorf("mcp server %s: %w", srv.Name, err)
		}
		toolsets = append(toolsets, ts)
	}
	return toolsets, nil
}
