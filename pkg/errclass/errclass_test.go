package errclass

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		category  Category
		retryable bool
	}{
		{"rate limit text", errors.New("rate limit exceeded"), CategoryRateLimit, true},
		{"429", errors.New("HTTP 429 Too Many Requests"), CategoryRateLimit, true},
		{"unauthorized", errors.New("401 Unauthorized"), CategoryAuth, false},
		{"forbidden", errors.New("403 Forbidden"), CategoryAuth, false},
		{"timeout", errors.New("request timeout"), CategoryNetwork, true},
		{"econnrefused", errors.New("dial tcp 127.0.0.1:443: ECONNREFUSED"), CategoryNetwork, true},
		{"bad gateway", errors.New("HTTP 502 Bad Gateway"), CategoryNetwork, true},
		{"service unavailable", errors.New("503 Service Unavailable"), CategoryNetwork, true},
		{"gateway timeout", errors.New("504"), CategoryNetwork, true},
		{"invalid model", errors.New("invalid model: gpt-unknown"), CategoryModel, false},
		{"context overflow", errors.New("maximum context length is 8192 tokens"), CategoryModel, false},
		{"unknown", errors.New("something odd happened"), CategoryUnknown, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(tt.err)
			assert.Equal(t, tt.category, c.Category)
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func TestClassifyNil(t *testing.T) {
	assert.Nil(t, Classify(nil))
	assert.False(t, IsRetryable(nil))
}

func TestClassifyPassesThroughClassified(t *testing.T) {
	orig := New(CategoryModel, false, errors.New("boom"))
	wrapped := fmt.Errorf("call failed: %w", orig)

	c := Classify(wrapped)
	assert.Equal(t, CategoryModel, c.Category)
	assert.False(t, c.Retryable)
}

func TestAuthAndModelNeverRetryable(t *testing.T) {
	assert.False(t, IsRetryable(New(CategoryAuth, true, errors.New("x"))))
	assert.False(t, IsRetryable(New(CategoryModel, true, errors.New("x"))))
}

func TestContextLengthDetection(t *testing.T) {
	assert.True(t, IsContextLength(errors.New("maximum context length is 128000 tokens")))
	assert.True(t, IsContextLength(errors.New("input is too long")))
	assert.False(t, IsContextLength(errors.New("connection reset")))
}

func TestAborted(t *testing.T) {
	assert.True(t, IsAborted(context.Canceled))
	assert.True(t, IsAborted(fmt.Errorf("wrapped: %w", ErrAborted)))
	assert.False(t, IsAborted(errors.New("other")))

	c := Classify(context.Canceled)
	assert.False(t, c.Retryable)
	assert.Equal(t, "abort", c.Err.Error())
}

func TestCircuitOpenClassification(t *testing.T) {
	err := fmt.Errorf("%w for operation \"llm\"", ErrCircuitOpen)
	c := Classify(err)
	assert.Equal(t, CategoryNetwork, c.Category)
	assert.False(t, c.Retryable)
}

func TestUserMessages(t *testing.T) {
	assert.Equal(t,
		"Authentication failed. Please check your API key configuration.",
		UserMessage(errors.New("401 unauthorized")))
	assert.NotEmpty(t, UserMessage(errors.New("rate limit")))
	assert.NotEmpty(t, UserMessage(errors.New("weird")))
}
