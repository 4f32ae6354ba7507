package agent

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/orchid/pkg/llm"
	"github.com/kadirpekel/orchid/pkg/protocol"
	"github.com/kadirpekel/orchid/pkg/react"
	"github.com/kadirpekel/orchid/pkg/task"
	"github.com/kadirpekel/orchid/pkg/tool"
)

// scriptedProvider returns chunks per call index and records requests.
type scriptedProvider struct {
	mu       sync.Mutex
	script   func(call int, req *llm.Request) []llm.StreamChunk
	requests []*llm.Request
}

func (p *scriptedProvider) ModelName() string { return "test-model" }
func (p *scriptedProvider) Close() error      { return nil }

func (p *scriptedProvider) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	return &llm.Response{Text: "ok", FinishReason: llm.FinishReasonStop}, nil
}

func (p *scriptedProvider) GenerateStreaming(ctx context.Context, req *llm.Request) (<-chan llm.StreamChunk, error) {
	p.mu.Lock()
	cp := *req
	cp.Messages = append([]llm.Message(nil), req.Messages...)
	call := len(p.requests)
	p.requests = append(p.requests, &cp)
	p.mu.Unlock()

	chunks := p.script(call, &cp)
	ch := make(chan llm.StreamChunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func textFinish(text string) []llm.StreamChunk {
	return []llm.StreamChunk{
		{Type: llm.ChunkTypeText, Text: text},
		{Type: llm.ChunkTypeFinish, FinishReason: llm.FinishReasonStop},
	}
}

func toolCallFinish(id, name string, args map[string]any) []llm.StreamChunk {
	return []llm.StreamChunk{
		{Type: llm.ChunkTypeToolCall, ToolCall: &llm.ToolCall{ID: id, Name: name, Args: args}},
		{Type: llm.ChunkTypeFinish, FinishReason: llm.FinishReasonToolCalls},
	}
}

// fakeTool records its invocations. When out is set it is returned
// verbatim instead of echoing the text argument.
type fakeTool struct {
	mu    sync.Mutex
	name  string
	fail  bool
	out   map[string]any
	calls []map[string]any
}

func (f *fakeTool) Name() string           { return f.name }
func (f *fakeTool) Description() string    { return "test tool" }
func (f *fakeTool) RequiresApproval() bool { return false }
func (f *fakeTool) Schema() map[string]any { return map[string]any{"type": "object"} }

func (f *fakeTool) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTool) Call(ctx tool.Context, args map[string]any) (map[string]any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, args)
	f.mu.Unlock()
	if f.fail {
		return nil, fmt.Errorf("%s is broken", f.name)
	}
	if f.out != nil {
		return f.out, nil
	}
	text, _ := args["text"].(string)
	return map[string]any{"result": text}, nil
}

type recordingCallback struct {
	mu       sync.Mutex
	messages []*protocol.Message
}

func (c *recordingCallback) OnMessage(_ context.Context, msg *protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
}

func (c *recordingCallback) types() []protocol.MessageType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.MessageType, len(c.messages))
	for i, m := range c.messages {
		out[i] = m.Type
	}
	return out
}

func newAgent(t *testing.T, provider *scriptedProvider, cfg Config, tools ...tool.CallableTool) *Agent {
	t.Helper()
	registry := tool.NewRegistry()
	if len(tools) > 0 {
		registry.Register("static", PriorityStatic, tools...)
	}
	return New(llm.NewClient(provider), registry, cfg)
}

func runTask(prompt string) *task.Task {
	tk := task.New("", prompt)
	tk.Description = prompt
	return tk
}

func TestHappyPathToolThenText(t *testing.T) {
	provider := &scriptedProvider{
		script: func(call int, req *llm.Request) []llm.StreamChunk {
			if call == 0 {
				return toolCallFinish("c1", "echo", map[string]any{"text": "hello"})
			}
			return textFinish("printed hello")
		},
	}
	echo := &fakeTool{name: "echo"}
	a := newAgent(t, provider, Config{}, echo)

	cb := &recordingCallback{}
	res := a.Run(context.Background(), RunInput{Task: runTask("print hello"), Callback: cb})

	require.Nil(t, res.Err)
	assert.True(t, res.Success)
	assert.Equal(t, react.StopDone, res.StopReason)
	assert.Equal(t, "printed hello", res.Result)
	assert.Equal(t, 2, provider.callCount())
	require.Equal(t, 1, echo.callCount())
	assert.Equal(t, "hello", echo.calls[0]["text"])

	// The second request carries the assistant tool-call message and
	// the matching tool results, ids bound in order.
	second := provider.requests[1].Messages
	assistant := second[len(second)-2]
	toolMsg := second[len(second)-1]
	assert.Equal(t, llm.RoleAssistant, assistant.Role)
	assert.Equal(t, llm.RoleTool, toolMsg.Role)
	assert.Equal(t, assistant.ToolCallIDs(), toolMsg.ToolResultIDs())

	types := cb.types()
	assert.Equal(t, protocol.MessageTypeAgentStart, types[0])
	assert.Equal(t, protocol.MessageTypeAgentResult, types[len(types)-1])
	assertOrdered(t, types, protocol.MessageTypeToolUse, protocol.MessageTypeToolResult)
	// Finish closes the iteration, after its tool results.
	assertOrdered(t, types, protocol.MessageTypeToolResult, protocol.MessageTypeFinish)
}

func assertOrdered(t *testing.T, types []protocol.MessageType, first, second protocol.MessageType) {
	t.Helper()
	firstIdx, secondIdx := -1, -1
	for i, ty := range types {
		if ty == first && firstIdx < 0 {
			firstIdx = i
		}
		if ty == second && secondIdx < 0 {
			secondIdx = i
		}
	}
	require.GreaterOrEqual(t, firstIdx, 0)
	require.GreaterOrEqual(t, secondIdx, 0)
	assert.Less(t, firstIdx, secondIdx)
}

func TestIdleHalt(t *testing.T) {
	provider := &scriptedProvider{
		script: func(int, *llm.Request) []llm.StreamChunk {
			return textFinish("")
		},
	}
	a := newAgent(t, provider, Config{MaxIdleRounds: 3})

	res := a.Run(context.Background(), RunInput{Task: runTask("do nothing")})

	assert.False(t, res.Success)
	assert.Equal(t, react.StopLength, res.StopReason)
	assert.Equal(t, "Unfinished", res.Result)
	assert.Equal(t, 3, provider.callCount())
}

func TestToolErrorStreakHalts(t *testing.T) {
	provider := &scriptedProvider{
		script: func(call int, _ *llm.Request) []llm.StreamChunk {
			return toolCallFinish(fmt.Sprintf("c%d", call), "broken", map[string]any{"n": call})
		},
	}
	broken := &fakeTool{name: "broken", fail: true}
	a := newAgent(t, provider, Config{MaxErrorStreak: 5}, broken)

	res := a.Run(context.Background(), RunInput{Task: runTask("use the broken tool")})

	assert.False(t, res.Success)
	assert.Equal(t, react.StopError, res.StopReason)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "broken")
	assert.Equal(t, 5, provider.callCount())
}

func TestUnknownToolSynthesizesErrorResult(t *testing.T) {
	provider := &scriptedProvider{
		script: func(call int, _ *llm.Request) []llm.StreamChunk {
			if call == 0 {
				return toolCallFinish("c1", "missing", nil)
			}
			return textFinish("recovered")
		},
	}
	a := newAgent(t, provider, Config{})

	res := a.Run(context.Background(), RunInput{Task: runTask("call something missing")})

	require.Nil(t, res.Err)
	assert.True(t, res.Success)

	second := provider.requests[1].Messages
	toolMsg := second[len(second)-1]
	require.Equal(t, llm.RoleTool, toolMsg.Role)
	require.Len(t, toolMsg.Parts, 1)
	tr := toolMsg.Parts[0].ToolResult
	require.NotNil(t, tr)
	assert.True(t, tr.IsError)
	assert.Contains(t, tr.Result, "not found")
}

func TestToolFilePayloadEmitsFileMessage(t *testing.T) {
	provider := &scriptedProvider{
		script: func(call int, _ *llm.Request) []llm.StreamChunk {
			if call == 0 {
				return toolCallFinish("c1", "screenshot", map[string]any{})
			}
			return textFinish("captured")
		},
	}
	shot := &fakeTool{name: "screenshot", out: map[string]any{
		"result":    "screenshot taken",
		"mime_type": "image/png",
		"data":      "aGVsbG8=",
	}}
	a := newAgent(t, provider, Config{}, shot)

	cb := &recordingCallback{}
	res := a.Run(context.Background(), RunInput{Task: runTask("take a screenshot"), Callback: cb})
	require.Nil(t, res.Err)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	var file *protocol.Message
	for _, m := range cb.messages {
		if m.Type == protocol.MessageTypeFile {
			file = m
		}
	}
	require.NotNil(t, file)
	assert.Equal(t, "image/png", file.MimeType)
	assert.Equal(t, "aGVsbG8=", file.Data)
	assert.Equal(t, "c1", file.ToolCallID)

	// The binary payload stays out of the model-visible result text.
	second := provider.requests[1].Messages
	toolMsg := second[len(second)-1]
	require.Len(t, toolMsg.Parts, 1)
	assert.Equal(t, "screenshot taken", toolMsg.Parts[0].ToolResult.Result)
}

func TestMailboxMessageInjected(t *testing.T) {
	mailbox := NewMailbox()
	provider := &scriptedProvider{
		script: func(call int, _ *llm.Request) []llm.StreamChunk {
			if call == 0 {
				mailbox.Post("also add a farewell")
				return toolCallFinish("c1", "echo", map[string]any{"text": "hi"})
			}
			return textFinish("done")
		},
	}
	echo := &fakeTool{name: "echo"}
	a := newAgent(t, provider, Config{}, echo)

	res := a.Run(context.Background(), RunInput{Task: runTask("greet"), Mailbox: mailbox})
	require.Nil(t, res.Err)

	var injected bool
	for _, m := range provider.requests[1].Messages {
		if m.Role == llm.RoleUser && m.Text() == "User instruction: also add a farewell" {
			injected = true
		}
	}
	assert.True(t, injected)
	assert.Equal(t, 0, mailbox.Len())
}

func TestCancelledContextAborts(t *testing.T) {
	provider := &scriptedProvider{
		script: func(int, *llm.Request) []llm.StreamChunk {
			return textFinish("never used")
		},
	}
	a := newAgent(t, provider, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := a.Run(ctx, RunInput{Task: runTask("anything")})

	assert.Equal(t, react.StopAbort, res.StopReason)
	require.Error(t, res.Err)
	assert.Equal(t, 0, provider.callCount())
}

func TestAutoToolRegisteredFromMarkup(t *testing.T) {
	provider := &scriptedProvider{
		script: func(call int, req *llm.Request) []llm.StreamChunk {
			if call == 0 {
				return toolCallFinish("c1", "next_iteration", map[string]any{})
			}
			return textFinish("looped")
		},
	}
	a := newAgent(t, provider, Config{})

	tk := runTask("loop over items")
	tk.Markup = "<root><nodes><forEach items=\"a\"><node>x</node></forEach></nodes></root>"
	tk.Nodes = []task.Node{task.ForEachNode{Items: []string{"a"}}}

	res := a.Run(context.Background(), RunInput{Task: tk})
	require.Nil(t, res.Err)
	assert.True(t, res.Success)

	// The first request advertises the synthesized counter tool.
	var names []string
	for _, d := range provider.requests[0].Tools {
		names = append(names, d.Name)
	}
	assert.Contains(t, names, "next_iteration")

	// Auto tools are removed when the run ends.
	_, ok := a.registry.Get("next_iteration")
	assert.False(t, ok)
}

func TestMaintainContextKeepsLatestAttachment(t *testing.T) {
	messages := []llm.Message{
		{Role: llm.RoleUser, Parts: []llm.Part{{Type: llm.PartFile, MimeType: "image/png", Data: "old"}}},
		llm.TextMessage(llm.RoleAssistant, "looking"),
		{Role: llm.RoleUser, Parts: []llm.Part{{Type: llm.PartFile, MimeType: "image/png", Data: "new"}}},
	}

	out := maintainContext(messages)
	assert.Equal(t, llm.PartText, out[0].Parts[0].Type)
	assert.Equal(t, attachmentPlaceholder, out[0].Parts[0].Text)
	assert.Equal(t, llm.PartFile, out[2].Parts[0].Type)

	// Originals untouched.
	assert.Equal(t, llm.PartFile, messages[0].Parts[0].Type)
}

func TestMaintainContextTruncatesOldToolResults(t *testing.T) {
	long := make([]byte, maxToolResultChars+100)
	for i := range long {
		long[i] = 'x'
	}

	messages := []llm.Message{
		{Role: llm.RoleTool, Parts: []llm.Part{{Type: llm.PartToolResult,
			ToolResult: &llm.ToolResultPart{ID: "c1", Result: string(long)}}}},
	}
	// Pad so the tool message falls outside the recent window.
	for i := 0; i < recentMessageWindow; i++ {
		messages = append(messages, llm.TextMessage(llm.RoleUser, "filler"))
	}

	out := maintainContext(messages)
	got := out[0].Parts[0].ToolResult.Result
	assert.Less(t, len(got), maxToolResultChars)
	assert.Contains(t, got, "characters truncated")
	assert.Equal(t, "c1", out[0].Parts[0].ToolResult.ID)
}
