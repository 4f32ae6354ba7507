package tool

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTool struct {
	name   string
	result map[string]any
	err    error
	calls  int
}

func (t *fakeTool) Name() string             { return t.name }
func (t *fakeTool) Description() string      { return "fake tool " + t.name }
func (t *fakeTool) RequiresApproval() bool   { return false }
func (t *fakeTool) Schema() map[string]any   { return map[string]any{"type": "object"} }

func (t *fakeTool) Call(ctx Context, args map[string]any) (map[string]any, error) {
	t.calls++
	return t.result, t.err
}

func testCtx() Context {
	return NewContext(context.Background(), "call-1", "task-1", nil, nil)
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register("static", 0, &fakeTool{name: "echo"}, &fakeTool{name: "grep"})

	got, ok := r.Get("echo")
	require.True(t, ok)
	assert.Equal(t, "echo", got.Name())

	_, ok = r.Get("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"echo", "grep"}, r.Names())
}

func TestRegistryConflictHigherPriorityWins(t *testing.T) {
	r := NewRegistry()
	low := &fakeTool{name: "echo", result: map[string]any{"result": "low"}}
	high := &fakeTool{name: "echo", result: map[string]any{"result": "high"}}

	r.Register("static", 0, low)
	r.Register("mcp", 10, high)

	got, _ := r.Get("echo")
	res, err := got.Call(testCtx(), nil)
	require.NoError(t, err)
	assert.Equal(t, "high", res["result"])

	source, _ := r.Source("echo")
	assert.Equal(t, "mcp", source)
}

func TestRegistryConflictTieKeepsEarlier(t *testing.T) {
	r := NewRegistry()
	first := &fakeTool{name: "echo", result: map[string]any{"result": "first"}}
	second := &fakeTool{name: "echo", result: map[string]any{"result": "second"}}

	r.Register("a", 5, first)
	r.Register("b", 5, second)

	got, _ := r.Get("echo")
	res, err := got.Call(testCtx(), nil)
	require.NoError(t, err)
	assert.Equal(t, "first", res["result"])
}

func TestRegistryConflictLowerPriorityIgnored(t *testing.T) {
	r := NewRegistry()
	high := &fakeTool{name: "echo", result: map[string]any{"result": "high"}}
	low := &fakeTool{name: "echo", result: map[string]any{"result": "low"}}

	r.Register("mcp", 10, high)
	r.Register("static", 0, low)

	got, _ := r.Get("echo")
	res, _ := got.Call(testCtx(), nil)
	assert.Equal(t, "high", res["result"])
}

func TestRegistryUnregisterSource(t *testing.T) {
	r := NewRegistry()
	r.Register("static", 0, &fakeTool{name: "echo"})
	r.Register("mcp", 0, &fakeTool{name: "remote_search"})

	r.Unregister("mcp")

	_, ok := r.Get("remote_search")
	assert.False(t, ok)
	_, ok = r.Get("echo")
	assert.True(t, ok)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryExecute(t *testing.T) {
	r := NewRegistry()
	ft := &fakeTool{name: "echo", result: map[string]any{"result": "hello"}}
	r.Register("static", 0, ft)

	res, err := r.Execute(testCtx(), "echo", map[string]any{"text": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", res["result"])
	assert.Equal(t, 1, ft.calls)
}

func TestRegistryExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	r.Register("static", 0, &fakeTool{name: "echo"})

	_, err := r.Execute(testCtx(), "nope", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.Contains(t, err.Error(), "echo")
}

func TestRegistryExecutePropagatesToolError(t *testing.T) {
	r := NewRegistry()
	r.Register("static", 0, &fakeTool{name: "fail", err: errors.New("boom")})

	_, err := r.Execute(testCtx(), "fail", nil)
	assert.EqualError(t, err, "boom")
}

func TestResultText(t *testing.T) {
	assert.Equal(t, "", ResultText(nil))
	assert.Equal(t, "hello", ResultText(map[string]any{"result": "hello"}))
	assert.Equal(t, "Error: boom", ResultText(map[string]any{"error": "boom"}))
	assert.Equal(t, "a\nb", ResultText(map[string]any{"results": []string{"a", "b"}}))
	assert.Equal(t, "count: 2\nname: x", ResultText(map[string]any{"name": "x", "count": 2}))
}
