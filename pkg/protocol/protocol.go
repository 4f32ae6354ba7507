// Package protocol defines the outward-facing message surface of the
// engine: the closed set of callback messages streamed to the host and
// the human-in-the-loop interface.
//
// The host implements Callback (and optionally Human) once; every
// component emits through it. Message is a tagged union: Type selects
// which payload fields are meaningful.
package protocol

import (
	"context"

	"github.com/kadirpekel/orchid/pkg/task"
)

// MessageType enumerates the closed set of callback messages.
type MessageType string

const (
	MessageTypeTask            MessageType = "task"
	MessageTypeAgentStart      MessageType = "agent_start"
	MessageTypeText            MessageType = "text"
	MessageTypeThinking        MessageType = "thinking"
	MessageTypeFile            MessageType = "file"
	MessageTypeToolStreaming   MessageType = "tool_streaming"
	MessageTypeToolUse         MessageType = "tool_use"
	MessageTypeToolResult      MessageType = "tool_result"
	MessageTypeAgentResult     MessageType = "agent_result"
	MessageTypeError           MessageType = "error"
	MessageTypeFinish          MessageType = "finish"
	MessageTypeTaskStatus      MessageType = "task_status"
	MessageTypeTaskSpawn       MessageType = "task_spawn"
	MessageTypeTaskTreeUpdate  MessageType = "task_tree_update"
	MessageTypeTaskPause       MessageType = "task_pause"
	MessageTypeTaskResume      MessageType = "task_resume"
	MessageTypeTaskChildResult MessageType = "task_child_result"
)

// Usage reports token accounting for a finished LLM call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Message is one callback event. Only the fields relevant to Type are
// populated.
type Message struct {
	Type MessageType `json:"type"`

	// TaskID identifies the task this message belongs to, when any.
	TaskID string `json:"task_id,omitempty"`

	// Task payload (task, agent_start, agent_result, task_spawn).
	Task       *task.Task `json:"task,omitempty"`
	StreamDone bool       `json:"stream_done,omitempty"`

	// Text payload (text, thinking).
	StreamID string `json:"stream_id,omitempty"`
	Text     string `json:"text,omitempty"`

	// File payload.
	MimeType string `json:"mime_type,omitempty"`
	Data     string `json:"data,omitempty"`

	// Tool payload (tool_streaming, tool_use, tool_result).
	ToolName   string         `json:"tool_name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ParamsText string         `json:"params_text,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
	Result     any            `json:"result,omitempty"`

	// Terminal payloads (agent_result, error, finish).
	Error        string `json:"error,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`

	// Task bookkeeping payloads.
	Status     task.Status `json:"status,omitempty"`
	ParentID   string      `json:"parent_id,omitempty"`
	RootID     string      `json:"root_id,omitempty"`
	ChildIDs   []string    `json:"child_ids,omitempty"`
	RemovedIDs []string    `json:"removed_ids,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	Summary    string      `json:"summary,omitempty"`
}

// Callback is the single interface the host implements to receive the
// engine's event stream. Implementations must be safe for concurrent
// use; messages for one task arrive in order.
type Callback interface {
	OnMessage(ctx context.Context, msg *Message)
}

// CallbackFunc adapts a function to Callback.
type CallbackFunc func(ctx context.Context, msg *Message)

func (f CallbackFunc) OnMessage(ctx context.Context, msg *Message) { f(ctx, msg) }

// NopCallback discards all messages.
var NopCallback Callback = CallbackFunc(func(context.Context, *Message) {})

// HelpType classifies a help request from a tool.
type HelpType string

const (
	HelpTypeTrouble HelpType = "request_trouble"
	HelpTypeLogin   HelpType = "request_login"
	HelpTypeAssist  HelpType = "request_assist"
)

// Human is the human-in-the-loop interface. Tools that need approval,
// free-form input, or a selection call through it. All methods block
// until the human answers or ctx is cancelled.
type Human interface {
	OnConfirm(ctx context.Context, prompt string) (bool, error)
	OnInput(ctx context.Context, prompt string) (string, error)
	OnSelect(ctx context.Context, prompt string, options []string, multiple bool) ([]string, error)
	OnHelp(ctx context.Context, helpType HelpType, prompt string) (bool, error)
}
