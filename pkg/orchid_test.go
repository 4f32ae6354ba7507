package orchid

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/orchid/pkg/config"
	"github.com/kadirpekel/orchid/pkg/llm"
	"github.com/kadirpekel/orchid/pkg/react"
	"github.com/kadirpekel/orchid/pkg/task"
)

const planMarkup = `<root>
  <name>Greeting</name>
  <task>Print a greeting</task>
  <nodes><node>Say hello</node></nodes>
</root>`

type scriptedProvider struct {
	mu     sync.Mutex
	script func(call int, req *llm.Request) []llm.StreamChunk
	calls  int
}

func (p *scriptedProvider) ModelName() string { return "test-model" }
func (p *scriptedProvider) Close() error      { return nil }

func (p *scriptedProvider) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	return &llm.Response{Text: "ok", FinishReason: llm.FinishReasonStop}, nil
}

func (p *scriptedProvider) GenerateStreaming(ctx context.Context, req *llm.Request) (<-chan llm.StreamChunk, error) {
	p.mu.Lock()
	call := p.calls
	p.calls++
	p.mu.Unlock()

	chunks := p.script(call, req)
	ch := make(chan llm.StreamChunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func textChunks(text string) []llm.StreamChunk {
	return []llm.StreamChunk{
		{Type: llm.ChunkTypeText, Text: text},
		{Type: llm.ChunkTypeFinish, FinishReason: llm.FinishReasonStop},
	}
}

func newEngine(t *testing.T, provider llm.Provider) *Engine {
	t.Helper()
	cfg, err := config.Default("test-model")
	require.NoError(t, err)

	eng, err := New(cfg, WithProvider(provider))
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close(context.Background()) })
	return eng
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}

func TestRunPlansAndExecutes(t *testing.T) {
	provider := &scriptedProvider{script: func(call int, _ *llm.Request) []llm.StreamChunk {
		if call == 0 {
			return textChunks(planMarkup)
		}
		return textChunks("hello, world")
	}}
	eng := newEngine(t, provider)

	res := eng.Run(context.Background(), "print hello", "")
	require.Nil(t, res.Err)
	assert.True(t, res.Success)
	assert.Equal(t, react.StopDone, res.StopReason)
	assert.Equal(t, "hello, world", res.Result)

	tk, ok := eng.Task(res.TaskID)
	require.True(t, ok)
	assert.Equal(t, "Greeting", tk.Name)
	assert.Equal(t, task.StatusDone, tk.Status)
}

func TestGenerateThenExecute(t *testing.T) {
	provider := &scriptedProvider{script: func(call int, _ *llm.Request) []llm.StreamChunk {
		if call == 0 {
			return textChunks(planMarkup)
		}
		return textChunks("done")
	}}
	eng := newEngine(t, provider)

	tk, err := eng.Generate(context.Background(), "print hello", "greet-1")
	require.NoError(t, err)
	assert.Equal(t, "greet-1", tk.ID)
	assert.Equal(t, task.StatusInit, tk.Status)

	res := eng.Execute(context.Background(), "greet-1")
	require.Nil(t, res.Err)
	assert.True(t, res.Success)
}

func TestChatRequiresKnownTask(t *testing.T) {
	provider := &scriptedProvider{script: func(int, *llm.Request) []llm.StreamChunk {
		return textChunks(planMarkup)
	}}
	eng := newEngine(t, provider)

	assert.False(t, eng.Chat("missing", "hello"))

	tk, err := eng.Generate(context.Background(), "print hello", "")
	require.NoError(t, err)
	assert.True(t, eng.Chat(tk.ID, "hello"))
}
