package chain

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreAppendOrder(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "t1", Record{Kind: KindToolCall, ToolName: "echo", ToolCallID: "c1"}))
	require.NoError(t, store.Append(ctx, "t1", Record{Kind: KindToolCall, ToolName: "echo", ToolCallID: "c2"}))
	require.NoError(t, store.Append(ctx, "t2", Record{Kind: KindToolCall, ToolName: "other"}))

	records, err := store.Records(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "c1", records[0].ToolCallID)
	assert.Equal(t, "c2", records[1].ToolCallID)
	assert.False(t, records[0].CreatedAt.IsZero())

	other, err := store.Records(ctx, "t2")
	require.NoError(t, err)
	assert.Len(t, other, 1)
}

func TestMemoryStoreDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "t1", Record{Kind: KindToolCall}))
	require.NoError(t, store.Delete(ctx, "t1"))

	records, err := store.Records(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRecordsReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "t1", Record{Kind: KindToolCall, ToolName: "echo"}))

	records, err := store.Records(ctx, "t1")
	require.NoError(t, err)
	records[0].ToolName = "mutated"

	fresh, err := store.Records(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "echo", fresh[0].ToolName)
}

func TestLastPlanExchange(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, _, ok, err := LastPlanExchange(ctx, store, "t1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Append(ctx, "t1", Record{Kind: KindPlanRequest, Request: "first prompt"}))
	require.NoError(t, store.Append(ctx, "t1", Record{Kind: KindPlanResult, Result: "<plan>v1</plan>"}))
	require.NoError(t, store.Append(ctx, "t1", Record{Kind: KindToolCall, ToolName: "echo"}))
	require.NoError(t, store.Append(ctx, "t1", Record{Kind: KindPlanRequest, Request: "second prompt"}))
	require.NoError(t, store.Append(ctx, "t1", Record{Kind: KindPlanResult, Result: "<plan>v2</plan>"}))

	request, result, ok, err := LastPlanExchange(ctx, store, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second prompt", request)
	assert.Equal(t, "<plan>v2</plan>", result)
}

func TestRebindPostgres(t *testing.T) {
	assert.Equal(t,
		"INSERT INTO t (a, b) VALUES ($1, $2)",
		rebind("postgres", "INSERT INTO t (a, b) VALUES (?, ?)"))
	assert.Equal(t,
		"INSERT INTO t (a, b) VALUES (?, ?)",
		rebind("sqlite", "INSERT INTO t (a, b) VALUES (?, ?)"))
}

func TestSQLConfigValidate(t *testing.T) {
	cfg := SQLConfig{Driver: "oracle", DSN: "x"}
	assert.Error(t, cfg.Validate())

	cfg = SQLConfig{Driver: "postgres"}
	assert.Error(t, cfg.Validate())

	cfg = SQLConfig{}
	cfg.SetDefaults()
	assert.Equal(t, "sqlite", cfg.Driver)
	assert.Equal(t, 10, cfg.MaxConns)
}
