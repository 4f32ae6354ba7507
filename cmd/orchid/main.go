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

// Command orchid runs the multi-agent engine from the terminal.
//
// Usage:
//
//	orchid run "summarize the open issues"
//	orchid plan "refactor the storage layer" --tree
//	orchid chat
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"

	orchid "github.com/kadirpekel/orchid/pkg"
	"github.com/kadirpekel/orchid/pkg/config"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Run     RunCmd     `cmd:"" help:"Plan and execute a task from a prompt."`
	Plan    PlanCmd    `cmd:"" help:"Plan a task and print it without executing."`
	Chat    ChatCmd    `cmd:"" help:"Start an interactive chat session."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	Model     string `help:"Model name (overrides config)."`
	APIKey    string `name:"api-key" help:"API key (defaults to OPENAI_API_KEY)."`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (simple, verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run(*CLI) error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("orchid version %s\n", version)
	return nil
}

// RunCmd plans and executes one task.
type RunCmd struct {
	Prompt string `arg:"" help:"What the task should accomplish."`
	TaskID string `name:"task-id" help:"Reuse a fixed task id."`
}

func (c *RunCmd) Run(cli *CLI) error {
	eng, err := buildEngine(cli)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()
	defer eng.Close(ctx)

	res := eng.Run(ctx, c.Prompt, c.TaskID)
	if res.Err != nil {
		return fmt.Errorf("task %s failed: %w", res.TaskID, res.Err)
	}
	fmt.Printf("\n[%s] %s\n", res.StopReason, res.Result)
	return nil
}

// PlanCmd plans a task and prints the plan.
type PlanCmd struct {
	Prompt string `arg:"" help:"What the task should accomplish."`
	Tree   bool   `help:"Also plan the subtask tree."`
}

func (c *PlanCmd) Run(cli *CLI) error {
	eng, err := buildEngine(cli)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()
	defer eng.Close(ctx)

	t, err := eng.Generate(ctx, c.Prompt, "")
	if err != nil {
		return err
	}
	if c.Tree {
		if err := eng.Orchestrator().ReplanSubtree(ctx, t.ID); err != nil {
			return err
		}
		t, _ = eng.Task(t.ID)
	}

	fmt.Printf("task %s: %s\n%s\n", t.ID, t.Name, t.Markup)
	for _, childID := range t.Children {
		if child, ok := eng.Task(childID); ok {
			fmt.Printf("  subtask %s: %s\n", child.ID, child.Description)
		}
	}
	return nil
}

// ChatCmd runs an interactive dialogue loop on stdin.
type ChatCmd struct {
	Segmented bool `help:"Stop after planning so plans can be reviewed before execution."`
}

func (c *ChatCmd) Run(cli *CLI) error {
	eng, err := buildEngine(cli, func(cfg *config.Config) {
		cfg.Dialogue.Segmented = c.Segmented
	})
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()
	defer eng.Close(ctx)

	return chatLoop(ctx, eng, os.Stdin, os.Stdout)
}

func buildEngine(cli *CLI, mutate ...func(*config.Config)) (*orchid.Engine, error) {
	if err := config.LoadEnvFiles(); err != nil {
		return nil, err
	}

	var cfg *config.Config
	var err error
	switch {
	case cli.Config != "":
		cfg, err = config.LoadFile(cli.Config)
	case cli.Model != "":
		cfg, err = config.Default(cli.Model)
	default:
		return nil, fmt.Errorf("either --config or --model is required")
	}
	if err != nil {
		return nil, err
	}

	if cli.Model != "" {
		cfg.LLM.Model = cli.Model
	}
	if cli.APIKey != "" {
		cfg.LLM.APIKey = cli.APIKey
	}
	cfg.Logging.Level = cli.LogLevel
	cfg.Logging.Format = cli.LogFormat
	for _, m := range mutate {
		m(cfg)
	}

	eng, err := orchid.New(cfg, orchid.WithCallback(newConsoleCallback(os.Stdout)))
	if err != nil {
		return nil, err
	}
	if err := eng.Init(context.Background()); err != nil {
		return nil, err
	}
	return eng, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("orchid"),
		kong.Description("Multi-agent task engine."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
