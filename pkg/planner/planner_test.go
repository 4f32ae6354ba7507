package planner

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/orchid/pkg/llm"
	"github.com/kadirpekel/orchid/pkg/protocol"
	"github.com/kadirpekel/orchid/pkg/task"
)

// scriptedProvider streams a fixed markup document in small pieces and
// records every request it sees.
type scriptedProvider struct {
	mu       sync.Mutex
	markup   string
	pieces   int
	requests []*llm.Request
}

func (p *scriptedProvider) ModelName() string { return "test-model" }
func (p *scriptedProvider) Close() error      { return nil }

func (p *scriptedProvider) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	return &llm.Response{Text: p.markup, FinishReason: llm.FinishReasonStop}, nil
}

func (p *scriptedProvider) GenerateStreaming(ctx context.Context, req *llm.Request) (<-chan llm.StreamChunk, error) {
	p.mu.Lock()
	cp := *req
	p.requests = append(p.requests, &cp)
	p.mu.Unlock()

	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		n := p.pieces
		if n <= 0 {
			n = 4
		}
		size := (len(p.markup) + n - 1) / n
		for i := 0; i < len(p.markup); i += size {
			end := min(i+size, len(p.markup))
			ch <- llm.StreamChunk{Type: llm.ChunkTypeText, Text: p.markup[i:end]}
		}
		ch <- llm.StreamChunk{Type: llm.ChunkTypeFinish, FinishReason: llm.FinishReasonStop}
	}()
	return ch, nil
}

type captureCallback struct {
	mu       sync.Mutex
	messages []*protocol.Message
}

func (c *captureCallback) OnMessage(_ context.Context, msg *protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
}

func (c *captureCallback) ofType(t protocol.MessageType) []*protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*protocol.Message
	for _, m := range c.messages {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

const planMarkup = `<root>
  <name>Greeting</name>
  <thought>One step suffices.</thought>
  <task>Print a greeting</task>
  <nodes>
    <node>Call the echo tool with hello</node>
  </nodes>
</root>`

func TestPlanFillsTask(t *testing.T) {
	provider := &scriptedProvider{markup: planMarkup}
	p := New(llm.NewClient(provider))

	tk := task.New("", "print hello")
	cb := &captureCallback{}
	require.NoError(t, p.Plan(context.Background(), tk, "print hello", cb))

	assert.Equal(t, "Greeting", tk.Name)
	assert.Equal(t, "Print a greeting", tk.Description)
	assert.Equal(t, "One step suffices.", tk.Thought)
	require.Len(t, tk.Nodes, 1)
	assert.Equal(t, task.TextNode{Text: "Call the echo tool with hello"}, tk.Nodes[0])
	assert.NotEmpty(t, tk.Markup)
	assert.False(t, tk.Modified)
}

func TestPlanEmitsProgressiveTaskMessages(t *testing.T) {
	provider := &scriptedProvider{markup: planMarkup, pieces: 8}
	p := New(llm.NewClient(provider))

	tk := task.New("", "print hello")
	cb := &captureCallback{}
	require.NoError(t, p.Plan(context.Background(), tk, "print hello", cb))

	taskMsgs := cb.ofType(protocol.MessageTypeTask)
	require.NotEmpty(t, taskMsgs)

	final := taskMsgs[len(taskMsgs)-1]
	assert.True(t, final.StreamDone)
	for _, m := range taskMsgs[:len(taskMsgs)-1] {
		assert.False(t, m.StreamDone)
	}

	// Raw markup never reaches the host as text.
	assert.Empty(t, cb.ofType(protocol.MessageTypeText))
}

func TestReplanReplaysPriorExchange(t *testing.T) {
	provider := &scriptedProvider{markup: planMarkup}
	p := New(llm.NewClient(provider))

	tk := task.New("", "print hello")
	require.NoError(t, p.Plan(context.Background(), tk, "print hello", nil))
	require.NoError(t, p.Plan(context.Background(), tk, "make it louder", nil))

	require.Len(t, provider.requests, 2)

	first := provider.requests[0].Messages
	require.Len(t, first, 2)
	assert.Equal(t, llm.RoleSystem, first[0].Role)
	assert.Equal(t, llm.RoleUser, first[1].Role)

	second := provider.requests[1].Messages
	require.Len(t, second, 4)
	assert.Equal(t, llm.RoleUser, second[1].Role)
	assert.Equal(t, "print hello", second[1].Text())
	assert.Equal(t, llm.RoleAssistant, second[2].Role)
	assert.Contains(t, second[2].Text(), "<root>")
	assert.Equal(t, "make it louder", second[3].Text())

	assert.True(t, tk.Modified)
}

func TestPlanTreeCreatesChildren(t *testing.T) {
	treeMarkup := `<root>
  <name>Big job</name>
  <task>Do the big job</task>
  <subtasks>
    <subtask><name>part one</name><task>first half</task></subtask>
    <subtask><name>part two</name><task>second half</task></subtask>
  </subtasks>
</root>`

	provider := &scriptedProvider{markup: treeMarkup}
	p := New(llm.NewClient(provider))

	tk := task.New("", "do the big job")
	children, err := p.PlanTree(context.Background(), tk, "do the big job", nil)
	require.NoError(t, err)
	require.Len(t, children, 2)

	assert.Equal(t, "first half", children[0].Description)
	assert.Equal(t, tk.ID, children[0].ParentID)
	assert.Equal(t, tk.RootID, children[0].RootID)
	assert.Equal(t, []string{children[0].ID, children[1].ID}, tk.Children)
}
