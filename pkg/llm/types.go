// Package llm wraps a streaming model provider behind the engine's
// typed chunk interface, adding request validation, classified retry,
// context-overflow compression, and thinking/text demultiplexing.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType tags a message content part.
type PartType string

const (
	PartText       PartType = "text"
	PartFile       PartType = "file"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
)

// Part is one element of a multi-part message. Only the fields
// relevant to Type are set.
type Part struct {
	Type PartType

	Text string

	// File payload.
	MimeType string
	Data     string

	ToolCall   *ToolCall
	ToolResult *ToolResultPart
}

// Message is one turn in the conversation sent to the model. Content
// is used for plain-string messages; Parts for multi-part ones. A tool
// message's parts are all tool results; an assistant message's
// tool-call parts must be answered by a following tool message with
// matching ids.
type Message struct {
	Role    Role
	Content string
	Parts   []Part
}

// Text returns the plain text of the message: Content, or its text
// parts joined.
func (m *Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// ToolCallIDs returns the ids of tool-call parts, in order.
func (m *Message) ToolCallIDs() []string {
	var ids []string
	for _, p := range m.Parts {
		if p.Type == PartToolCall && p.ToolCall != nil {
			ids = append(ids, p.ToolCall.ID)
		}
	}
	return ids
}

// ToolResultIDs returns the ids of tool-result parts, in order.
func (m *Message) ToolResultIDs() []string {
	var ids []string
	for _, p := range m.Parts {
		if p.Type == PartToolResult && p.ToolResult != nil {
			ids = append(ids, p.ToolResult.ID)
		}
	}
	return ids
}

// TextMessage builds a plain-string message.
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Content: text}
}

// ToolCall is a model request to invoke a tool. ID is unique within
// its assistant message.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// DedupKey canonicalizes the call for deduplication: name plus args
// serialized with sorted keys.
func (c *ToolCall) DedupKey() string {
	keys := make([]string, 0, len(c.Args))
	for k := range c.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make(map[string]any, len(c.Args))
	for _, k := range keys {
		ordered[k] = c.Args[k]
	}
	// encoding/json sorts map keys, giving a stable canonical form.
	b, err := json.Marshal(ordered)
	if err != nil {
		b = []byte(fmt.Sprintf("%v", c.Args))
	}
	return c.Name + ":" + string(b)
}

// ToolResultPart is the answer to one tool call.
type ToolResultPart struct {
	ID      string
	Name    string
	Result  string
	IsError bool
}

// ToolDefinition is the LLM-facing description of a callable tool.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage reports token accounting for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Finish reasons reported by providers.
const (
	FinishReasonStop      = "stop"
	FinishReasonToolCalls = "tool_calls"
	FinishReasonLength    = "length"
)

// Request is one model invocation.
type Request struct {
	Model       string
	Messages    []Message
	Tools       []ToolDefinition
	Temperature float64
	MaxTokens   int
	ToolChoice  string
}

// Validate checks the request before dispatch.
func (r *Request) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages must not be empty")
	}
	if r.Temperature < 0 || r.Temperature > 2 {
		return fmt.Errorf("temperature must be in [0, 2], got %v", r.Temperature)
	}
	if r.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive, got %d", r.MaxTokens)
	}
	return nil
}

// Response is the aggregated result of one model call.
type Response struct {
	Text         string
	Thinking     string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage
}

// ChunkType tags a stream chunk.
type ChunkType string

const (
	ChunkTypeText     ChunkType = "text"
	ChunkTypeThinking ChunkType = "thinking"
	ChunkTypeToolCall ChunkType = "tool_call"

	// ChunkTypeToolStreaming is a progressive fragment of a tool call
	// still being assembled: ToolCall carries the id and name, Text the
	// argument-JSON delta. A complete tool_call chunk follows.
	ChunkTypeToolStreaming ChunkType = "tool_streaming"

	ChunkTypeFinish ChunkType = "finish"
	ChunkTypeError  ChunkType = "error"
)

// StreamChunk is one element of a provider stream. The stream ends
// with a finish or error chunk.
type StreamChunk struct {
	Type         ChunkType
	Text         string
	ToolCall     *ToolCall
	FinishReason string
	Usage        *Usage
	Err          error
}

// Provider is a concrete model backend.
type Provider interface {
	// Generate performs a blocking call and returns the full response.
	Generate(ctx context.Context, req *Request) (*Response, error)

	// GenerateStreaming starts a streaming call. The channel is closed
	// after a finish or error chunk; the producer honors ctx.
	GenerateStreaming(ctx context.Context, req *Request) (<-chan StreamChunk, error)

	// ModelName returns the configured model identifier.
	ModelName() string

	Close() error
}
