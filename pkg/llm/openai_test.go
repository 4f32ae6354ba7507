package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sseServer streams the given JSON payloads as SSE data lines followed
// by [DONE], capturing the decoded request for inspection.
func sseServer(t *testing.T, payloads []string, captured *openAIRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if captured != nil {
			assert.NoError(t, json.NewDecoder(r.Body).Decode(captured))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, p := range payloads {
			fmt.Fprintf(w, "data: %s\n\n", p)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func collectChunks(ch <-chan StreamChunk) []StreamChunk {
	var out []StreamChunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

func TestStreamingKeepsTrailingUsageChunk(t *testing.T) {
	var captured openAIRequest
	server := sseServer(t, []string{
		`{"choices":[{"delta":{"content":"hi"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`{"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}}`,
	}, &captured)
	defer server.Close()

	p := NewOpenAIProvider(OpenAIConfig{BaseURL: server.URL, Model: "test-model"})
	ch, err := p.GenerateStreaming(context.Background(), validRequest(1))
	require.NoError(t, err)

	chunks := collectChunks(ch)
	require.NotEmpty(t, chunks)

	finish := chunks[len(chunks)-1]
	require.Equal(t, ChunkTypeFinish, finish.Type)
	assert.Equal(t, FinishReasonStop, finish.FinishReason)
	require.NotNil(t, finish.Usage)
	assert.Equal(t, 15, finish.Usage.TotalTokens)
	assert.Equal(t, 12, finish.Usage.PromptTokens)

	// The request opted in to the trailing usage accounting.
	require.NotNil(t, captured.StreamOptions)
	assert.True(t, captured.StreamOptions.IncludeUsage)
}

func TestStreamingEmitsToolCallFragments(t *testing.T) {
	server := sseServer(t, []string{
		`{"choices":[{"delta":{"tool_calls":[{"id":"c1","type":"function","function":{"name":"echo","arguments":""}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"function":{"arguments":"{\"text\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"function":{"arguments":"\"hi\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
	}, nil)
	defer server.Close()

	p := NewOpenAIProvider(OpenAIConfig{BaseURL: server.URL, Model: "test-model"})
	ch, err := p.GenerateStreaming(context.Background(), validRequest(1))
	require.NoError(t, err)

	chunks := collectChunks(ch)

	var fragments []StreamChunk
	var calls []StreamChunk
	for _, c := range chunks {
		switch c.Type {
		case ChunkTypeToolStreaming:
			fragments = append(fragments, c)
		case ChunkTypeToolCall:
			calls = append(calls, c)
		}
	}

	// One fragment per delta, all bound to the opening call's id.
	require.Len(t, fragments, 3)
	for _, f := range fragments {
		require.NotNil(t, f.ToolCall)
		assert.Equal(t, "c1", f.ToolCall.ID)
		assert.Equal(t, "echo", f.ToolCall.Name)
	}
	assert.Equal(t, `{"text":`, fragments[1].Text)
	assert.Equal(t, `"hi"}`, fragments[2].Text)

	// The aggregated call carries the parsed arguments.
	require.Len(t, calls, 1)
	assert.Equal(t, map[string]any{"text": "hi"}, calls[0].ToolCall.Args)

	finish := chunks[len(chunks)-1]
	require.Equal(t, ChunkTypeFinish, finish.Type)
	assert.Equal(t, FinishReasonToolCalls, finish.FinishReason)
}
