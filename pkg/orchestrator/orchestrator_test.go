package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/orchid/pkg/llm"
	"github.com/kadirpekel/orchid/pkg/protocol"
	"github.com/kadirpekel/orchid/pkg/react"
	"github.com/kadirpekel/orchid/pkg/task"
)

const planMarkup = `<root>
  <name>Greeting</name>
  <task>Print a greeting</task>
  <nodes><node>Say hello</node></nodes>
</root>`

const treeMarkup = `<root>
  <name>Big job</name>
  <task>Do the big job</task>
  <subtasks>
    <subtask><name>part one</name><task>first half</task></subtask>
    <subtask><name>part two</name><task>second half</task></subtask>
  </subtasks>
</root>`

// scriptedProvider serves chunks per call index. A call listed in
// blockOn returns an open stream that only ends on cancellation.
type scriptedProvider struct {
	mu      sync.Mutex
	script  func(call int, req *llm.Request) []llm.StreamChunk
	blockOn map[int]bool
	started chan struct{}
	calls   int
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
	blocked := p.blockOn[call]
	p.mu.Unlock()

	if blocked {
		if p.started != nil {
			close(p.started)
		}
		return make(chan llm.StreamChunk), nil
	}

	chunks := p.script(call, req)
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
	return p.calls
}

func markupChunks(markup string) []llm.StreamChunk {
	return []llm.StreamChunk{
		{Type: llm.ChunkTypeText, Text: markup},
		{Type: llm.ChunkTypeFinish, FinishReason: llm.FinishReasonStop},
	}
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

func (c *recordingCallback) ofType(t protocol.MessageType) []*protocol.Message {
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

func newOrchestrator(provider *scriptedProvider, cb protocol.Callback) *Orchestrator {
	opts := []Option{}
	if cb != nil {
		opts = append(opts, WithCallback(cb))
	}
	return New(llm.NewClient(provider), Config{}, opts...)
}

func TestGenerateCreatesTask(t *testing.T) {
	provider := &scriptedProvider{script: func(int, *llm.Request) []llm.StreamChunk {
		return markupChunks(planMarkup)
	}}
	o := newOrchestrator(provider, nil)

	tk, err := o.Generate(context.Background(), "print hello", "")
	require.NoError(t, err)
	assert.Equal(t, "Greeting", tk.Name)
	assert.Equal(t, task.StatusInit, tk.Status)

	got, ok := o.Task(tk.ID)
	require.True(t, ok)
	assert.Equal(t, tk.ID, got.ID)

	_, ok = o.StateBook().Get(tk.ID)
	assert.True(t, ok)
}

func TestExecuteHappyPath(t *testing.T) {
	provider := &scriptedProvider{script: func(call int, _ *llm.Request) []llm.StreamChunk {
		if call == 0 {
			return markupChunks(planMarkup)
		}
		return markupChunks("hello, world")
	}}
	cb := &recordingCallback{}
	o := newOrchestrator(provider, cb)

	tk, err := o.Generate(context.Background(), "print hello", "")
	require.NoError(t, err)

	res := o.Execute(context.Background(), tk.ID)
	require.Nil(t, res.Err)
	assert.True(t, res.Success)
	assert.Equal(t, react.StopDone, res.StopReason)
	assert.Equal(t, "hello, world", res.Result)

	got, _ := o.Task(tk.ID)
	assert.Equal(t, task.StatusDone, got.Status)

	statuses := cb.ofType(protocol.MessageTypeTaskStatus)
	require.Len(t, statuses, 2)
	assert.Equal(t, task.StatusRunning, statuses[0].Status)
	assert.Equal(t, task.StatusDone, statuses[1].Status)
}

func TestExecuteUnknownTask(t *testing.T) {
	o := newOrchestrator(&scriptedProvider{script: func(int, *llm.Request) []llm.StreamChunk {
		return markupChunks(planMarkup)
	}}, nil)

	res := o.Execute(context.Background(), "missing")
	require.Error(t, res.Err)
	assert.Equal(t, react.StopError, res.StopReason)
}

func TestAbortCancelsExecution(t *testing.T) {
	started := make(chan struct{})
	provider := &scriptedProvider{
		script: func(call int, _ *llm.Request) []llm.StreamChunk {
			return markupChunks(planMarkup)
		},
		blockOn: map[int]bool{1: true},
		started: started,
	}
	o := newOrchestrator(provider, nil)

	tk, err := o.Generate(context.Background(), "print hello", "")
	require.NoError(t, err)

	done := make(chan *Result, 1)
	go func() { done <- o.Execute(context.Background(), tk.ID) }()

	<-started
	require.True(t, o.Abort(context.Background(), tk.ID, "operator request"))

	select {
	case res := <-done:
		assert.Equal(t, react.StopAbort, res.StopReason)
		assert.False(t, res.Success)
	case <-time.After(5 * time.Second):
		t.Fatal("execute did not return after abort")
	}

	got, _ := o.Task(tk.ID)
	assert.Equal(t, task.StatusAborted, got.Status)
}

func TestPauseDefersExecution(t *testing.T) {
	provider := &scriptedProvider{script: func(call int, _ *llm.Request) []llm.StreamChunk {
		if call == 0 {
			return markupChunks(planMarkup)
		}
		return markupChunks("done")
	}}
	cb := &recordingCallback{}
	o := newOrchestrator(provider, cb)

	tk, err := o.Generate(context.Background(), "print hello", "")
	require.NoError(t, err)

	require.True(t, o.Pause(context.Background(), tk.ID, true, false, "hold on"))

	paused, ok := o.Task(tk.ID)
	require.True(t, ok)
	assert.Equal(t, task.StatusPaused, paused.Status)

	done := make(chan *Result, 1)
	go func() { done <- o.Execute(context.Background(), tk.ID) }()

	// While paused, the agent must not reach the model and the task
	// snapshot keeps showing paused.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, provider.callCount())
	paused, _ = o.Task(tk.ID)
	assert.Equal(t, task.StatusPaused, paused.Status)

	require.True(t, o.Pause(context.Background(), tk.ID, false, false, "go ahead"))

	select {
	case res := <-done:
		require.Nil(t, res.Err)
		assert.True(t, res.Success)
	case <-time.After(5 * time.Second):
		t.Fatal("execute did not resume")
	}

	resumed, _ := o.Task(tk.ID)
	assert.Equal(t, task.StatusDone, resumed.Status)

	assert.Len(t, cb.ofType(protocol.MessageTypeTaskPause), 1)
	assert.Len(t, cb.ofType(protocol.MessageTypeTaskResume), 1)
}

func TestChat(t *testing.T) {
	provider := &scriptedProvider{script: func(int, *llm.Request) []llm.StreamChunk {
		return markupChunks(planMarkup)
	}}
	o := newOrchestrator(provider, nil)

	tk, err := o.Generate(context.Background(), "print hello", "")
	require.NoError(t, err)

	assert.True(t, o.Chat(tk.ID, "make it friendlier"))
	assert.False(t, o.Chat("missing", "hello?"))
}

func TestAddThenDeleteChildRestoresChildren(t *testing.T) {
	provider := &scriptedProvider{script: func(int, *llm.Request) []llm.StreamChunk {
		return markupChunks(planMarkup)
	}}
	o := newOrchestrator(provider, nil)

	tk, err := o.Generate(context.Background(), "print hello", "")
	require.NoError(t, err)
	before, _ := o.Task(tk.ID)

	childID, err := o.AddChild(context.Background(), tk.ID, "extra", "an extra step")
	require.NoError(t, err)

	mid, _ := o.Task(tk.ID)
	assert.Contains(t, mid.Children, childID)

	child, ok := o.Task(childID)
	require.True(t, ok)
	assert.Equal(t, tk.ID, child.ParentID)
	assert.Equal(t, tk.RootID, child.RootID)

	require.NoError(t, o.DeleteSubtree(context.Background(), childID))

	after, _ := o.Task(tk.ID)
	assert.Equal(t, before.Children, after.Children)
	_, ok = o.Task(childID)
	assert.False(t, ok)
}

func TestMoveSubtreeRepointsRoot(t *testing.T) {
	provider := &scriptedProvider{script: func(int, *llm.Request) []llm.StreamChunk {
		return markupChunks(planMarkup)
	}}
	o := newOrchestrator(provider, nil)

	a, err := o.Generate(context.Background(), "task a", "")
	require.NoError(t, err)
	b, err := o.Generate(context.Background(), "task b", "")
	require.NoError(t, err)

	childID, err := o.AddChild(context.Background(), a.ID, "child", "a child step")
	require.NoError(t, err)

	require.NoError(t, o.MoveSubtree(context.Background(), childID, b.ID))

	child, _ := o.Task(childID)
	assert.Equal(t, b.ID, child.ParentID)
	assert.Equal(t, b.RootID, child.RootID)

	oldParent, _ := o.Task(a.ID)
	assert.NotContains(t, oldParent.Children, childID)
	newParent, _ := o.Task(b.ID)
	assert.Contains(t, newParent.Children, childID)

	// Moving a task under its own subtree is rejected.
	assert.Error(t, o.MoveSubtree(context.Background(), b.ID, childID))
}

func TestReplanSubtree(t *testing.T) {
	provider := &scriptedProvider{script: func(call int, _ *llm.Request) []llm.StreamChunk {
		if call == 0 {
			return markupChunks(planMarkup)
		}
		return markupChunks(treeMarkup)
	}}
	o := newOrchestrator(provider, nil)

	tk, err := o.Generate(context.Background(), "do the big job", "")
	require.NoError(t, err)

	staleID, err := o.AddChild(context.Background(), tk.ID, "stale", "old child")
	require.NoError(t, err)

	require.NoError(t, o.ReplanSubtree(context.Background(), tk.ID))

	after, _ := o.Task(tk.ID)
	require.Len(t, after.Children, 2)
	assert.NotContains(t, after.Children, staleID)
	_, ok := o.Task(staleID)
	assert.False(t, ok)

	first, ok := o.Task(after.Children[0])
	require.True(t, ok)
	assert.Equal(t, "first half", first.Description)
}

func TestSpawnChild(t *testing.T) {
	provider := &scriptedProvider{script: func(call int, _ *llm.Request) []llm.StreamChunk {
		switch call {
		case 0, 1:
			return markupChunks(planMarkup)
		default:
			return markupChunks("child finished")
		}
	}}
	cb := &recordingCallback{}
	o := newOrchestrator(provider, cb)

	parent, err := o.Generate(context.Background(), "parent work", "")
	require.NoError(t, err)

	childID, err := o.SpawnChild(context.Background(), parent.ID, "child work")
	require.NoError(t, err)

	got, _ := o.Task(parent.ID)
	assert.Contains(t, got.Children, childID)

	spawns := cb.ofType(protocol.MessageTypeTaskSpawn)
	require.Len(t, spawns, 1)
	assert.Equal(t, parent.ID, spawns[0].ParentID)

	results := cb.ofType(protocol.MessageTypeTaskChildResult)
	require.Len(t, results, 1)
	assert.Equal(t, "child finished", results[0].Summary)
}

func TestCallWithTimeout(t *testing.T) {
	got, err := CallWithTimeout(context.Background(), time.Second,
		func(context.Context) (string, error) { return "fast", nil })
	require.NoError(t, err)
	assert.Equal(t, "fast", got)

	_, err = CallWithTimeout(context.Background(), 20*time.Millisecond,
		func(ctx context.Context) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}
