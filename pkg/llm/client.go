package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/kadirpekel/orchid/pkg/errclass"
	"github.com/kadirpekel/orchid/pkg/logger"
	"github.com/kadirpekel/orchid/pkg/protocol"
	"github.com/kadirpekel/orchid/pkg/retry"
)

// compressionHistoryMin is the minimum history length before a
// length-capped finish triggers compression.
const compressionHistoryMin = 5

// maxCompressionPasses bounds how many times one call may compress and
// re-enter before giving up.
const maxCompressionPasses = 2

// Compressor rewrites a message history into a shorter equivalent.
// Implemented by the memory package; declared here so the client can
// re-enter after a context overflow without importing it.
type Compressor interface {
	// ShouldCompress reports whether the history warrants compaction,
	// given the last call's error and finish reason. The client asks
	// with zero values before dispatch so a count threshold can fire
	// without waiting for an overflow.
	ShouldCompress(messages []Message, lastErr error, finishReason string) bool

	Compress(ctx context.Context, messages []Message) ([]Message, error)
}

// Client wraps a Provider with validation, classified retry, stream
// demultiplexing, and context-overflow recovery.
type Client struct {
	provider   Provider
	retries    *retry.Manager
	compressor Compressor
	logger     *slog.Logger
}

type ClientOption func(*Client)

func WithRetryManager(m *retry.Manager) ClientOption {
	return func(c *Client) { c.retries = m }
}

func WithCompressor(comp Compressor) ClientOption {
	return func(c *Client) { c.compressor = comp }
}

func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

func NewClient(provider Provider, opts ...ClientOption) *Client {
	c := &Client{
		provider: provider,
		logger:   logger.Get(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retries == nil {
		c.retries = retry.NewManager(retry.DefaultPolicy())
	}
	return c
}

func (c *Client) Provider() Provider { return c.provider }

// Result is the aggregated outcome of one streamed call.
type Result struct {
	Text         string
	Thinking     string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage

	// Messages is the request history after any compression rewrites,
	// so the caller can adopt it.
	Messages []Message

	// Compressed reports that at least one compression pass ran.
	Compressed bool
}

// MergedContext unions two cancellation scopes: the returned context
// is done as soon as either input is. The caller must call cancel.
func MergedContext(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	if b == nil {
		return ctx, cancel
	}
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Call runs one streamed LLM invocation. Progressive thinking and
// visible text are emitted through cb under two stable stream ids;
// tool calls are aggregated and deduplicated. The history is
// compressed before dispatch when it crosses the compressor's count
// threshold, and again on a context overflow (classified error or a
// length finish with enough history), re-entering the call.
func (c *Client) Call(ctx context.Context, req *Request, cb protocol.Callback) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, errclass.New(errclass.CategoryModel, false, err)
	}
	if cb == nil {
		cb = protocol.NopCallback
	}

	messages := req.Messages
	compressed := false

	if c.compressor != nil && c.compressor.ShouldCompress(messages, nil, "") {
		c.logger.Info("history over compression threshold, compacting",
			"messages", len(messages))
		rewritten, cerr := c.compressor.Compress(ctx, messages)
		if cerr != nil {
			c.logger.Warn("threshold compression failed", "error", cerr)
		} else {
			messages = rewritten
			compressed = true
		}
	}

	for pass := 0; ; pass++ {
		attempt := *req
		attempt.Messages = messages

		res, err := retry.Execute(ctx, c.retries, "llm:"+c.provider.ModelName(),
			func(ctx context.Context) (*Result, error) {
				return c.streamOnce(ctx, &attempt, cb)
			})

		if err == nil && !(res.FinishReason == FinishReasonLength && len(messages) >= compressionHistoryMin) {
			res.Messages = messages
			res.Compressed = compressed
			return res, nil
		}

		overflow := false
		switch {
		case err != nil && errclass.IsContextLength(err):
			overflow = true
		case err == nil && res.FinishReason == FinishReasonLength && len(messages) >= compressionHistoryMin:
			overflow = true
		}

		if !overflow || c.compressor == nil || pass >= maxCompressionPasses {
			if err != nil {
				return nil, err
			}
			res.Messages = messages
			res.Compressed = compressed
			return res, nil
		}

		c.logger.Info("context overflow, compressing history",
			"messages", len(messages), "pass", pass+1)

		rewritten, cerr := c.compressor.Compress(ctx, messages)
		if cerr != nil {
			if err != nil {
				return nil, fmt.Errorf("compression failed after overflow: %w", cerr)
			}
			res.Messages = messages
			res.Compressed = compressed
			return res, nil
		}
		messages = rewritten
		compressed = true
	}
}

// streamOnce consumes one provider stream, demultiplexing thinking
// from visible text and aggregating tool calls.
func (c *Client) streamOnce(ctx context.Context, req *Request, cb protocol.Callback) (*Result, error) {
	stream, err := c.provider.GenerateStreaming(ctx, req)
	if err != nil {
		return nil, errclass.Classify(err)
	}

	thinkingStreamID := uuid.NewString()
	textStreamID := uuid.NewString()

	var raw strings.Builder
	var nativeThinking strings.Builder
	sentThinking := 0
	sentVisible := 0

	res := &Result{}
	seen := make(map[string]bool)

	flush := func() {
		split := SplitThinking(raw.String())
		if delta := split.Thinking[min(sentThinking, len(split.Thinking)):]; delta != "" {
			cb.OnMessage(ctx, &protocol.Message{
				Type:     protocol.MessageTypeThinking,
				StreamID: thinkingStreamID,
				Text:     delta,
			})
			sentThinking = len(split.Thinking)
		}
		if delta := split.Visible[min(sentVisible, len(split.Visible)):]; delta != "" {
			cb.OnMessage(ctx, &protocol.Message{
				Type:     protocol.MessageTypeText,
				StreamID: textStreamID,
				Text:     delta,
			})
			sentVisible = len(split.Visible)
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, errclass.Classify(err)
		}

		select {
		case <-ctx.Done():
			return nil, errclass.Classify(ctx.Err())

		case chunk, ok := <-stream:
			if !ok {
				// Producer closed without a finish chunk; treat what
				// we have as a stop.
				if res.FinishReason == "" {
					res.FinishReason = FinishReasonStop
				}
				return c.finalize(res, raw.String(), nativeThinking.String()), nil
			}

			switch chunk.Type {
			case ChunkTypeThinking:
				// Native reasoning channel, no tag parsing needed.
				nativeThinking.WriteString(chunk.Text)
				cb.OnMessage(ctx, &protocol.Message{
					Type:     protocol.MessageTypeThinking,
					StreamID: thinkingStreamID,
					Text:     chunk.Text,
				})

			case ChunkTypeText:
				raw.WriteString(chunk.Text)
				flush()

			case ChunkTypeToolStreaming:
				if chunk.ToolCall == nil {
					continue
				}
				cb.OnMessage(ctx, &protocol.Message{
					Type:       protocol.MessageTypeToolStreaming,
					ToolName:   chunk.ToolCall.Name,
					ToolCallID: chunk.ToolCall.ID,
					ParamsText: chunk.Text,
				})

			case ChunkTypeToolCall:
				if chunk.ToolCall == nil {
					continue
				}
				key := chunk.ToolCall.DedupKey()
				if seen[key] {
					continue
				}
				seen[key] = true
				res.ToolCalls = append(res.ToolCalls, *chunk.ToolCall)

			case ChunkTypeFinish:
				res.FinishReason = chunk.FinishReason
				if chunk.Usage != nil {
					res.Usage = *chunk.Usage
				}
				flush()
				return c.finalize(res, raw.String(), nativeThinking.String()), nil

			case ChunkTypeError:
				return nil, errclass.Classify(chunk.Err)
			}
		}
	}
}

func (c *Client) finalize(res *Result, raw, nativeThinking string) *Result {
	split := SplitThinking(raw)
	res.Text = split.Visible
	res.Thinking = split.Thinking
	if nativeThinking != "" {
		if res.Thinking != "" {
			res.Thinking = nativeThinking + "\n" + res.Thinking
		} else {
			res.Thinking = nativeThinking
		}
	}
	return res
}
