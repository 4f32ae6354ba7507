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

// Package memory compacts long message histories so the agent loop can
// keep running past the model's context window. The primary strategy
// summarizes older messages through a planning model; when that fails
// the history is truncated around a placeholder marker instead.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kadirpekel/orchid/pkg/errclass"
	"github.com/kadirpekel/orchid/pkg/llm"
	"github.com/kadirpekel/orchid/pkg/logger"
	"github.com/kadirpekel/orchid/pkg/observability"
)

const defaultSummarizationPrompt = `You are a conversation summarizer. Create a concise summary of the conversation history that preserves the key information, decisions made, and context needed for continuing the conversation.

Guidelines:
- Focus on key facts, decisions, and context
- Preserve important details like names, dates, numbers, file paths
- Include the outcomes of tool invocations that later turns rely on
- Write in a neutral, factual tone
- Do not add information not present in the conversation
- Keep the summary under roughly %d tokens

Conversation to summarize:
%s

Please provide a concise summary:`

// truncationMarker stands in for the removed middle of the history.
const truncationMarker = "[... earlier conversation truncated: %d messages omitted ...]"

const (
	// Truncation fallback keeps the head and tail of the history.
	truncateKeepHead = 0.35
	truncateKeepTail = 0.30

	// Recursive summarization shrinks the target by 0.8 per pass.
	recompressFactor = 0.8
	maxRecompression = 3

	// Minimum history length for a length-capped finish to trigger
	// compression.
	finishLengthHistoryMin = 5
)

type Config struct {
	// Provider is the planning model used for summarization.
	Provider llm.Provider

	// Model overrides the provider's default model when set.
	Model string

	// CompressThreshold is the message count that proactively triggers
	// compression. Zero disables the count trigger.
	CompressThreshold int `yaml:"compress_threshold"`

	// TargetTokens bounds the compressed history size.
	TargetTokens int `yaml:"target_tokens"`

	// RecentTokens is the budget for the verbatim tail kept alongside
	// the summary.
	RecentTokens int `yaml:"recent_tokens"`

	// Prompt overrides the summarization prompt. It must contain two
	// verbs: %d for the token target and %s for the conversation.
	Prompt string `yaml:"prompt"`
}

func (c *Config) setDefaults() {
	if c.TargetTokens == 0 {
		c.TargetTokens = 8192
	}
	if c.RecentTokens == 0 {
		c.RecentTokens = c.TargetTokens / 3
	}
	if c.Prompt == "" {
		c.Prompt = defaultSummarizationPrompt
	}
}

// Compressor compacts message histories. It satisfies the LLM
// client's re-entry hook.
type Compressor struct {
	cfg     Config
	counter *TokenCounter
	logger  *slog.Logger
}

var _ llm.Compressor = (*Compressor)(nil)

func New(cfg Config) (*Compressor, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider is required for summarization")
	}
	cfg.setDefaults()

	model := cfg.Model
	if model == "" {
		model = cfg.Provider.ModelName()
	}

	return &Compressor{
		cfg:     cfg,
		counter: NewTokenCounter(model),
		logger:  logger.Get(),
	}, nil
}

// ShouldCompress reports whether the history warrants compaction,
// given the last call's error and finish reason.
func (c *Compressor) ShouldCompress(messages []llm.Message, lastErr error, finishReason string) bool {
	if len(messages) == 0 {
		return false
	}
	if c.cfg.CompressThreshold > 0 && len(messages) >= c.cfg.CompressThreshold {
		return true
	}
	if lastErr != nil && errclass.IsContextLength(lastErr) {
		return true
	}
	if finishReason == llm.FinishReasonLength && len(messages) >= finishLengthHistoryMin {
		return true
	}
	return false
}

// Compress rewrites the history into summary + recent tail. Tool-call
// id bindings survive every path, including the truncation fallback.
func (c *Compressor) Compress(ctx context.Context, messages []llm.Message) ([]llm.Message, error) {
	if len(messages) == 0 {
		return messages, nil
	}

	tracer := observability.GetTracer("orchid.memory")
	ctx, span := tracer.Start(ctx, observability.SpanCompression)
	defer span.End()

	beforeTokens := c.counter.CountMessages(messages)

	systemPrefix := 0
	for systemPrefix < len(messages) && messages[systemPrefix].Role == llm.RoleSystem {
		systemPrefix++
	}
	system := messages[:systemPrefix]
	rest := messages[systemPrefix:]

	tail := c.selectRecentMessages(rest, c.cfg.RecentTokens)
	head := rest[:len(rest)-len(tail)]
	if len(head) == 0 {
		// Nothing old enough to summarize; truncation is the only
		// option left.
		return c.truncate(messages), nil
	}

	target := c.cfg.TargetTokens
	var result []llm.Message
	for pass := 0; ; pass++ {
		summary, err := c.summarize(ctx, head, target)
		if err != nil {
			c.logger.Warn("summarization failed, falling back to truncation", "error", err)
			return c.truncate(messages), nil
		}

		result = make([]llm.Message, 0, len(system)+1+len(tail))
		result = append(result, system...)
		result = append(result, llm.TextMessage(llm.RoleSystem,
			"Previous conversation summary: "+summary))
		result = append(result, tail...)
		result = repairToolBindings(result)

		if c.counter.CountMessages(result) <= c.cfg.TargetTokens || pass >= maxRecompression {
			break
		}
		target = int(float64(target) * recompressFactor)
		c.logger.Debug("compressed history still over bound, recompressing",
			"target_tokens", target, "pass", pass+1)
	}

	afterTokens := c.counter.CountMessages(result)
	c.logger.Info("compressed message history",
		"messages_before", len(messages), "messages_after", len(result),
		"tokens_before", beforeTokens, "tokens_after", afterTokens)
	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordCompression(ctx, beforeTokens, afterTokens)
	}

	return result, nil
}

// AggregateResults compresses a set of sub-task results into a single
// digest, prefixing each with its task header.
func (c *Compressor) AggregateResults(ctx context.Context, headers, results []string) (string, error) {
	if len(headers) != len(results) {
		return "", fmt.Errorf("headers and results length mismatch: %d vs %d", len(headers), len(results))
	}
	var sb strings.Builder
	for i := range results {
		fmt.Fprintf(&sb, "## %s\n\n%s\n\n", headers[i], results[i])
	}
	combined := sb.String()

	if c.counter.Count(combined) <= c.cfg.TargetTokens {
		return combined, nil
	}

	messages := []llm.Message{llm.TextMessage(llm.RoleUser, combined)}
	summary, err := c.summarize(ctx, messages, c.cfg.TargetTokens)
	if err != nil {
		compressed := c.truncate(messages)
		var out strings.Builder
		for i := range compressed {
			out.WriteString(compressed[i].Text())
			out.WriteString("\n")
		}
		return out.String(), nil
	}
	return summary, nil
}

func (c *Compressor) summarize(ctx context.Context, messages []llm.Message, targetTokens int) (string, error) {
	conversation := renderConversation(messages)
	if conversation == "" {
		return "", nil
	}

	prompt := fmt.Sprintf(c.cfg.Prompt, targetTokens, conversation)

	model := c.cfg.Model
	if model == "" {
		model = c.cfg.Provider.ModelName()
	}

	resp, err := c.cfg.Provider.Generate(ctx, &llm.Request{
		Model:       model,
		Messages:    []llm.Message{llm.TextMessage(llm.RoleUser, prompt)},
		Temperature: 0.3,
		MaxTokens:   targetTokens,
	})
	if err != nil {
		return "", fmt.Errorf("summarization failed: %w", err)
	}
	if strings.TrimSpace(resp.Text) == "" {
		return "", fmt.Errorf("summarization returned empty text")
	}
	return strings.TrimSpace(resp.Text), nil
}

// truncate keeps the head and tail of the history with a marker for
// the removed middle, then repairs tool bindings.
func (c *Compressor) truncate(messages []llm.Message) []llm.Message {
	n := len(messages)
	if n < 4 {
		return messages
	}

	keepHead := int(float64(n) * truncateKeepHead)
	keepTail := int(float64(n) * truncateKeepTail)
	if keepHead < 1 {
		keepHead = 1
	}
	if keepTail < 1 {
		keepTail = 1
	}
	if keepHead+keepTail >= n {
		return messages
	}

	omitted := n - keepHead - keepTail
	out := make([]llm.Message, 0, keepHead+1+keepTail)
	out = append(out, messages[:keepHead]...)
	out = append(out, llm.TextMessage(llm.RoleUser, fmt.Sprintf(truncationMarker, omitted)))
	out = append(out, messages[n-keepTail:]...)
	return repairToolBindings(out)
}

// selectRecentMessages picks the newest messages fitting the token
// budget, extended backwards so a kept tool result always brings its
// originating assistant call along.
func (c *Compressor) selectRecentMessages(messages []llm.Message, budget int) []llm.Message {
	if len(messages) == 0 {
		return nil
	}

	start := len(messages)
	used := 0
	for i := len(messages) - 1; i >= 0; i-- {
		tokens := c.counter.CountMessage(&messages[i])
		if used+tokens > budget && start < len(messages) {
			break
		}
		used += tokens
		start = i
	}

	// Never let the tail open with an orphan tool result.
	for start < len(messages) && messages[start].Role == llm.RoleTool {
		start--
		if start < 0 {
			start = 0
			break
		}
	}
	return messages[start:]
}

// repairToolBindings drops tool-call parts without a matching result
// and tool results without a matching call, removing messages that end
// up empty.
func repairToolBindings(messages []llm.Message) []llm.Message {
	callIDs := make(map[string]bool)
	resultIDs := make(map[string]bool)
	for i := range messages {
		for _, id := range messages[i].ToolCallIDs() {
			callIDs[id] = true
		}
		for _, id := range messages[i].ToolResultIDs() {
			resultIDs[id] = true
		}
	}

	bound := func(id string) bool { return callIDs[id] && resultIDs[id] }

	out := make([]llm.Message, 0, len(messages))
	for i := range messages {
		msg := messages[i]
		if len(msg.Parts) == 0 {
			out = append(out, msg)
			continue
		}

		kept := make([]llm.Part, 0, len(msg.Parts))
		for _, p := range msg.Parts {
			switch {
			case p.Type == llm.PartToolCall && p.ToolCall != nil:
				if bound(p.ToolCall.ID) {
					kept = append(kept, p)
				}
			case p.Type == llm.PartToolResult && p.ToolResult != nil:
				if bound(p.ToolResult.ID) {
					kept = append(kept, p)
				}
			default:
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 && msg.Content == "" {
			continue
		}
		msg.Parts = kept
		out = append(out, msg)
	}
	return out
}

func renderConversation(messages []llm.Message) string {
	var sb strings.Builder
	for i := range messages {
		msg := &messages[i]

		if text := msg.Text(); text != "" {
			fmt.Fprintf(&sb, "[%s]: %s\n\n", msg.Role, text)
		}
		for _, p := range msg.Parts {
			switch {
			case p.Type == llm.PartToolCall && p.ToolCall != nil:
				fmt.Fprintf(&sb, "[%s]: called tool %s\n\n", msg.Role, p.ToolCall.Name)
			case p.Type == llm.PartToolResult && p.ToolResult != nil:
				fmt.Fprintf(&sb, "[tool %s]: %s\n\n", p.ToolResult.Name, p.ToolResult.Result)
			}
		}
	}
	return sb.String()
}
