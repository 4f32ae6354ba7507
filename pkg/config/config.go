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

// Package config loads and validates the engine configuration from
// YAML, with ${VAR} environment expansion and .env file support.
package config

import (
	"fmt"
	"time"

	"github.com/kadirpekel/orchid/pkg/chain"
	"github.com/kadirpekel/orchid/pkg/observability"
	"github.com/kadirpekel/orchid/pkg/tool/mcptoolset"
)

// Config is the root configuration.
type Config struct {
	LLM           LLMConfig            `yaml:"llm"`
	Retry         RetryConfig          `yaml:"retry"`
	Agent         AgentConfig          `yaml:"agent"`
	Memory        MemoryConfig         `yaml:"memory"`
	Dialogue      DialogueConfig       `yaml:"dialogue"`
	Chain         ChainConfig          `yaml:"chain"`
	MCP           MCPConfig            `yaml:"mcp"`
	Observability observability.Config `yaml:"observability"`
	Logging       LoggingConfig        `yaml:"logging"`
}

// LLMConfig selects and tunes the model provider.
type LLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`

	// TimeoutSeconds bounds one HTTP request to the provider.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// MaxRetries and BaseDelayMS govern the provider-level HTTP retry,
	// below the retry manager.
	MaxRetries  int `yaml:"max_retries"`
	BaseDelayMS int `yaml:"base_delay_ms"`
}

// RetryConfig tunes the retry manager wrapping every LLM call.
type RetryConfig struct {
	MaxRetries  int     `yaml:"max_retries"`
	BaseDelayMS int     `yaml:"base_delay_ms"`
	MaxDelayMS  int     `yaml:"max_delay_ms"`
	Multiplier  float64 `yaml:"multiplier"`
	Jitter      *bool   `yaml:"jitter"`
}

// AgentConfig bounds the agent loop.
type AgentConfig struct {
	MaxReactIterations  int    `yaml:"max_react_iterations"`
	MaxReactIdleRounds  int    `yaml:"max_react_idle_rounds"`
	MaxReactErrorStreak int    `yaml:"max_react_error_streak"`
	ExpertMode          bool   `yaml:"expert_mode"`
	ExpertModeTodoLoop  int    `yaml:"expert_mode_todo_loop_num"`
	Platform            string `yaml:"platform"`
	SystemPrompt        string `yaml:"system_prompt"`
}

// MemoryConfig tunes history compression.
type MemoryConfig struct {
	CompressThreshold int `yaml:"compress_threshold"`
	TargetTokens      int `yaml:"target_tokens"`
	RecentTokens      int `yaml:"recent_tokens"`
}

// DialogueConfig tunes the chat front.
type DialogueConfig struct {
	MaxTurns     int    `yaml:"max_turns"`
	Segmented    bool   `yaml:"segmented"`
	SystemPrompt string `yaml:"system_prompt"`
	BufferSize   int    `yaml:"buffer_size"`
}

// ChainConfig selects where per-task tool audits are stored. An empty
// DSN keeps the chain in memory.
type ChainConfig struct {
	SQL chain.SQLConfig `yaml:"sql"`
}

// MCPConfig lists remote tool servers.
type MCPConfig struct {
	// DefaultClient names the server used when a tool call does not
	// specify one.
	DefaultClient string              `yaml:"default_client"`
	Servers       []mcptoolset.Config `yaml:"servers"`
}

// LoggingConfig tunes the slog setup.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SetDefaults fills zero fields with the engine defaults.
func (c *Config) SetDefaults() {
	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = 120
	}
	if c.LLM.MaxRetries <= 0 {
		c.LLM.MaxRetries = 3
	}
	if c.LLM.BaseDelayMS <= 0 {
		c.LLM.BaseDelayMS = 200
	}

	if c.Retry.MaxRetries <= 0 {
		c.Retry.MaxRetries = 3
	}
	if c.Retry.BaseDelayMS <= 0 {
		c.Retry.BaseDelayMS = 1000
	}
	if c.Retry.MaxDelayMS <= 0 {
		c.Retry.MaxDelayMS = 30000
	}
	if c.Retry.Multiplier <= 0 {
		c.Retry.Multiplier = 2
	}
	if c.Retry.Jitter == nil {
		jitter := true
		c.Retry.Jitter = &jitter
	}

	if c.Agent.MaxReactIterations <= 0 {
		c.Agent.MaxReactIterations = 100
	}
	if c.Agent.MaxReactIdleRounds <= 0 {
		c.Agent.MaxReactIdleRounds = 3
	}
	if c.Agent.MaxReactErrorStreak <= 0 {
		c.Agent.MaxReactErrorStreak = 5
	}
	if c.Agent.ExpertModeTodoLoop <= 0 {
		c.Agent.ExpertModeTodoLoop = 10
	}

	if c.Dialogue.MaxTurns <= 0 {
		c.Dialogue.MaxTurns = 15
	}

	if c.Chain.SQL.DSN != "" {
		c.Chain.SQL.SetDefaults()
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "simple"
	}

	for i := range c.MCP.Servers {
		if c.MCP.Servers[i].Transport == "" {
			c.MCP.Servers[i].Transport = "streamable-http"
		}
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	switch c.LLM.Provider {
	case "openai":
	default:
		return fmt.Errorf("llm.provider %q is not supported", c.LLM.Provider)
	}

	if c.Chain.SQL.DSN != "" {
		if err := c.Chain.SQL.Validate(); err != nil {
			return fmt.Errorf("chain: %w", err)
		}
	}

	names := make(map[string]bool)
	for i, srv := range c.MCP.Servers {
		if srv.Name == "" {
			return fmt.Errorf("mcp.servers[%d]: name is required", i)
		}
		if names[srv.Name] {
			return fmt.Errorf("mcp.servers[%d]: duplicate name %q", i, srv.Name)
		}
		names[srv.Name] = true

		switch srv.Transport {
		case "stdio":
			if srv.Command == "" {
				return fmt.Errorf("mcp.servers[%d]: stdio transport needs a command", i)
			}
		case "sse", "streamable-http":
			if srv.URL == "" {
				return fmt.Errorf("mcp.servers[%d]: %s transport needs a url", i, srv.Transport)
			}
		default:
			return fmt.Errorf("mcp.servers[%d]: unknown transport %q", i, srv.Transport)
		}
	}
	if c.MCP.DefaultClient != "" && !names[c.MCP.DefaultClient] {
		return fmt.Errorf("mcp.default_client %q is not a configured server", c.MCP.DefaultClient)
	}
	return nil
}

// LLMTimeout returns the provider request timeout as a duration.
func (c *LLMConfig) LLMTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// BaseDelay returns the provider retry delay as a duration.
func (c *LLMConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMS) * time.Millisecond
}

// JitterEnabled resolves the jitter flag, defaulting to true.
func (c *RetryConfig) JitterEnabled() bool {
	return c.Jitter == nil || *c.Jitter
}
