package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/orchid/pkg/httpclient"
	"github.com/kadirpekel/orchid/pkg/observability"
)

// OpenAIConfig configures an OpenAI-compatible endpoint. Any gateway
// speaking the chat-completions protocol works (OpenAI, OpenRouter,
// vLLM, LiteLLM).
type OpenAIConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

func (c *OpenAIConfig) setDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	if c.Timeout == 0 {
		c.Timeout = 120 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 2 * time.Second
	}
}

// OpenAIProvider speaks the OpenAI chat-completions wire protocol,
// streaming via server-sent events.
type OpenAIProvider struct {
	cfg        OpenAIConfig
	httpClient *httpclient.Client
}

var _ Provider = (*OpenAIProvider)(nil)

func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	cfg.setDefaults()
	return &OpenAIProvider{
		cfg: cfg,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithBaseDelay(cfg.RetryDelay),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIRateLimitHeaders),
		),
	}
}

// Wire types.

type openAIRequest struct {
	Model         string               `json:"model"`
	Messages      []openAIMessage      `json:"messages"`
	MaxTokens     *int                 `json:"max_tokens,omitempty"`
	Temperature   float64              `json:"temperature"`
	Stream        bool                 `json:"stream"`
	StreamOptions *openAIStreamOptions `json:"stream_options,omitempty"`
	Tools         []openAITool         `json:"tools,omitempty"`
	ToolChoice    string               `json:"tool_choice,omitempty"`
}

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    interface{}      `json:"content"` // string or []openAIContentPart
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *openAIImgURL `json:"image_url,omitempty"`
}

type openAIImgURL struct {
	URL string `json:"url"`
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIToolFunction `json:"function"`
}

type openAIToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAIChoice struct {
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openAIStreamChoice struct {
	Delta        openAIDelta `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

type openAIDelta struct {
	Content   string           `json:"content,omitempty"`
	ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
	Reasoning string           `json:"reasoning,omitempty"`
}

type openAIResponse struct {
	Choices []openAIChoice `json:"choices"`
	Usage   Usage          `json:"usage"`
	Error   *openAIError   `json:"error,omitempty"`
}

type openAIStreamResponse struct {
	Choices []openAIStreamChoice `json:"choices"`
	Usage   *Usage               `json:"usage,omitempty"`
	Error   *openAIError         `json:"error,omitempty"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func (p *OpenAIProvider) ModelName() string { return p.cfg.Model }

func (p *OpenAIProvider) Close() error { return nil }

func (p *OpenAIProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	startTime := time.Now()

	tracer := observability.GetTracer("orchid.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, p.model(req)),
			attribute.String("provider", "openai"),
			attribute.Bool("streaming", false),
		),
	)
	defer span.End()

	wireReq := p.buildRequest(req, false)

	response, err := p.makeRequest(ctx, wireReq)
	duration := time.Since(startTime)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if metrics := observability.GetGlobalMetrics(); metrics != nil {
			metrics.RecordLLMCall(ctx, p.model(req), duration, 0, 0, err)
		}
		return nil, err
	}

	if response.Error != nil {
		apiErr := fmt.Errorf("OpenAI API error: %s", response.Error.Message)
		span.RecordError(apiErr)
		span.SetStatus(codes.Error, response.Error.Message)
		if metrics := observability.GetGlobalMetrics(); metrics != nil {
			metrics.RecordLLMCall(ctx, p.model(req), duration, 0, 0, apiErr)
		}
		return nil, apiErr
	}

	if len(response.Choices) == 0 {
		noChoiceErr := fmt.Errorf("no response choices returned")
		span.RecordError(noChoiceErr)
		span.SetStatus(codes.Error, "no choices")
		return nil, noChoiceErr
	}

	choice := response.Choices[0]

	text := ""
	if str, ok := choice.Message.Content.(string); ok {
		text = str
	}

	var toolCalls []ToolCall
	if len(choice.Message.ToolCalls) > 0 {
		toolCalls, err = parseToolCalls(choice.Message.ToolCalls)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	span.SetAttributes(
		attribute.Int(observability.AttrLLMTokensInput, response.Usage.PromptTokens),
		attribute.Int(observability.AttrLLMTokensOutput, response.Usage.CompletionTokens),
		attribute.Int("llm.tool_calls", len(toolCalls)),
	)
	span.SetStatus(codes.Ok, "success")

	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordLLMCall(ctx, p.model(req), duration,
			response.Usage.PromptTokens, response.Usage.CompletionTokens, nil)
	}

	return &Response{
		Text:         text,
		ToolCalls:    toolCalls,
		FinishReason: choice.FinishReason,
		Usage:        response.Usage,
	}, nil
}

func (p *OpenAIProvider) GenerateStreaming(ctx context.Context, req *Request) (<-chan StreamChunk, error) {
	wireReq := p.buildRequest(req, true)

	outputCh := make(chan StreamChunk, 100)

	go func() {
		defer close(outputCh)

		if err := p.makeStreamingRequest(ctx, wireReq, outputCh); err != nil {
			select {
			case outputCh <- StreamChunk{Type: ChunkTypeError, Err: err}:
			case <-ctx.Done():
			}
		}
	}()

	return outputCh, nil
}

func (p *OpenAIProvider) model(req *Request) string {
	if req.Model != "" {
		return req.Model
	}
	return p.cfg.Model
}

func roleToOpenAI(role Role) string {
	switch role {
	case RoleSystem:
		return "system"
	case RoleAssistant:
		return "assistant"
	case RoleTool:
		return "tool"
	default:
		return "user"
	}
}

func (p *OpenAIProvider) buildRequest(req *Request, stream bool) openAIRequest {
	messages := make([]openAIMessage, 0, len(req.Messages))

	for i := range req.Messages {
		msg := &req.Messages[i]

		if len(msg.Parts) == 0 {
			messages = append(messages, openAIMessage{
				Role:    roleToOpenAI(msg.Role),
				Content: msg.Content,
			})
			continue
		}

		if msg.Role == RoleTool {
			// Each tool result becomes its own message bound to its
			// call id.
			for _, part := range msg.Parts {
				if part.Type != PartToolResult || part.ToolResult == nil {
					continue
				}
				messages = append(messages, openAIMessage{
					Role:       "tool",
					Content:    part.ToolResult.Result,
					ToolCallID: part.ToolResult.ID,
				})
			}
			continue
		}

		var contentParts []openAIContentPart
		var toolCalls []openAIToolCall
		for _, part := range msg.Parts {
			switch part.Type {
			case PartText:
				contentParts = append(contentParts, openAIContentPart{
					Type: "text",
					Text: part.Text,
				})
			case PartFile:
				contentParts = append(contentParts, openAIContentPart{
					Type: "image_url",
					ImageURL: &openAIImgURL{
						URL: fmt.Sprintf("data:%s;base64,%s", part.MimeType, part.Data),
					},
				})
			case PartToolCall:
				if part.ToolCall == nil {
					continue
				}
				args, err := json.Marshal(part.ToolCall.Args)
				if err != nil {
					args = []byte("{}")
				}
				toolCalls = append(toolCalls, openAIToolCall{
					ID:   part.ToolCall.ID,
					Type: "function",
					Function: openAIFunctionCall{
						Name:      part.ToolCall.Name,
						Arguments: string(args),
					},
				})
			}
		}

		om := openAIMessage{
			Role:      roleToOpenAI(msg.Role),
			ToolCalls: toolCalls,
		}
		switch {
		case len(contentParts) == 1 && contentParts[0].Type == "text":
			om.Content = contentParts[0].Text
		case len(contentParts) > 0:
			om.Content = contentParts
		default:
			om.Content = ""
		}
		messages = append(messages, om)
	}

	wireReq := openAIRequest{
		Model:       p.model(req),
		Messages:    messages,
		Temperature: req.Temperature,
		Stream:      stream,
		Tools:       convertToOpenAITools(req.Tools),
		ToolChoice:  req.ToolChoice,
	}
	if stream {
		wireReq.StreamOptions = &openAIStreamOptions{IncludeUsage: true}
	}
	if req.MaxTokens > 0 {
		maxTokens := req.MaxTokens
		wireReq.MaxTokens = &maxTokens
	}
	return wireReq
}

func convertToOpenAITools(tools []ToolDefinition) []openAITool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openAITool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openAITool{
			Type: "function",
			Function: openAIToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func parseToolCalls(wireCalls []openAIToolCall) ([]ToolCall, error) {
	out := make([]ToolCall, 0, len(wireCalls))
	for _, wc := range wireCalls {
		args := make(map[string]any)
		if wc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(wc.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("failed to parse arguments for tool %q: %w", wc.Function.Name, err)
			}
		}
		out = append(out, ToolCall{
			ID:   wc.ID,
			Name: wc.Function.Name,
			Args: args,
		})
	}
	return out, nil
}

func parseErrorResponse(body []byte) *openAIError {
	if len(body) == 0 {
		return nil
	}
	var errorResp struct {
		Error openAIError `json:"error"`
	}
	if err := json.Unmarshal(body, &errorResp); err == nil && errorResp.Error.Message != "" {
		return &errorResp.Error
	}
	return nil
}

func (p *OpenAIProvider) newHTTPRequest(ctx context.Context, wireReq openAIRequest) (*http.Request, error) {
	requestBody, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.BaseURL+"/chat/completions", bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}

	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	return req, nil
}

// checkResponse surfaces API error payloads for non-2xx responses. The
// HTTP client may hand back both a response and an error after its own
// retries ran out.
func checkResponse(resp *http.Response, err error) error {
	if resp != nil && resp.StatusCode != http.StatusOK {
		body, readErr := io.ReadAll(resp.Body)
		errorBody := string(body)
		if readErr != nil {
			errorBody = fmt.Sprintf("(failed to read error body: %v)", readErr)
		}
		if apiErr := parseErrorResponse(body); apiErr != nil {
			return fmt.Errorf("API request failed with status %d: %s (type: %s, code: %s)",
				resp.StatusCode, apiErr.Message, apiErr.Type, apiErr.Code)
		}
		return fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, errorBody)
	}
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	if resp == nil {
		return fmt.Errorf("HTTP request failed: no response received")
	}
	return nil
}

func (p *OpenAIProvider) makeRequest(ctx context.Context, wireReq openAIRequest) (*openAIResponse, error) {
	req, err := p.newHTTPRequest(ctx, wireReq)
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err := checkResponse(resp, err); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var response openAIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &response, nil
}

func (p *OpenAIProvider) makeStreamingRequest(ctx context.Context, wireReq openAIRequest, outputCh chan<- StreamChunk) error {
	req, err := p.newHTTPRequest(ctx, wireReq)
	if err != nil {
		return err
	}

	resp, err := p.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err := checkResponse(resp, err); err != nil {
		return err
	}

	reader := bufio.NewReader(resp.Body)

	// Tool-call deltas arrive fragmented: the first delta carries the
	// id and name, later ones append argument text to the last call.
	toolCallsMap := make(map[int]*openAIToolCall)
	var usage *Usage
	finishReason := ""

	emit := func(chunk StreamChunk) error {
		select {
		case outputCh <- chunk:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("failed to read stream: %w", err)
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 || !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = line[len("data: "):]

		if bytes.Equal(line, []byte("[DONE]")) {
			break
		}

		var streamResp openAIStreamResponse
		if err := json.Unmarshal(line, &streamResp); err != nil {
			continue
		}

		if streamResp.Error != nil {
			return fmt.Errorf("API error: %s", streamResp.Error.Message)
		}
		if streamResp.Usage != nil {
			usage = streamResp.Usage
		}
		if len(streamResp.Choices) == 0 {
			continue
		}

		choice := streamResp.Choices[0]

		if choice.Delta.Reasoning != "" {
			if err := emit(StreamChunk{Type: ChunkTypeThinking, Text: choice.Delta.Reasoning}); err != nil {
				return err
			}
		}

		if choice.Delta.Content != "" {
			if err := emit(StreamChunk{Type: ChunkTypeText, Text: choice.Delta.Content}); err != nil {
				return err
			}
		}

		for _, deltaCall := range choice.Delta.ToolCalls {
			if deltaCall.ID != "" {
				dc := deltaCall
				toolCallsMap[len(toolCallsMap)] = &dc
			} else if len(toolCallsMap) > 0 {
				last := toolCallsMap[len(toolCallsMap)-1]
				last.Function.Arguments += deltaCall.Function.Arguments
			} else {
				continue
			}

			open := toolCallsMap[len(toolCallsMap)-1]
			if err := emit(StreamChunk{
				Type:     ChunkTypeToolStreaming,
				Text:     deltaCall.Function.Arguments,
				ToolCall: &ToolCall{ID: open.ID, Name: open.Function.Name},
			}); err != nil {
				return err
			}
		}

		if choice.FinishReason != "" {
			// Keep reading: with include_usage the accounting arrives in
			// a trailing usage-only chunk before [DONE].
			finishReason = choice.FinishReason
		}
	}

	accumulated := make([]openAIToolCall, 0, len(toolCallsMap))
	for i := 0; i < len(toolCallsMap); i++ {
		if tc, ok := toolCallsMap[i]; ok {
			accumulated = append(accumulated, *tc)
		}
	}
	if len(accumulated) > 0 {
		toolCalls, err := parseToolCalls(accumulated)
		if err != nil {
			return err
		}
		for i := range toolCalls {
			if err := emit(StreamChunk{Type: ChunkTypeToolCall, ToolCall: &toolCalls[i]}); err != nil {
				return err
			}
		}
		if finishReason == "" {
			finishReason = FinishReasonToolCalls
		}
	}
	if finishReason == "" {
		finishReason = FinishReasonStop
	}

	return emit(StreamChunk{Type: ChunkTypeFinish, FinishReason: finishReason, Usage: usage})
}
