// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mcptoolset exposes the tools of a Model Context Protocol
// server as a lazy Toolset.
//
// Transport support:
//   - stdio: subprocess communication via the mcp-go client
//   - streamable-http / sse: JSON-RPC over HTTP with content-type
//     negotiation between application/json and text/event-stream,
//     keeping the server-assigned session id across calls
package mcptoolset

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kadirpekel/orchid/pkg/httpclient"
	"github.com/kadirpekel/orchid/pkg/tool"
)

const (
	// protocolVersion is the MCP revision this client speaks.
	protocolVersion = "2025-06-18"

	// sessionHeader carries the server-assigned session id.
	sessionHeader = "Mcp-Session-Id"

	clientName    = "orchid"
	clientVersion = "0.1.0"

	// DefaultSSETimeout bounds reading one SSE response.
	DefaultSSETimeout = 5 * time.Minute
)

// Config configures an MCP toolset.
type Config struct {
	// Name identifies this toolset; it is also the registry source.
	Name string `yaml:"name"`

	// URL is the MCP server URL for HTTP transports.
	URL string `yaml:"url"`

	// Transport is one of stdio, sse, streamable-http.
	Transport string `yaml:"transport"`

	// Command and Args spawn the server for stdio transport.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`

	// Env for the stdio subprocess.
	Env map[string]string `yaml:"env"`

	// Filter limits which remote tools are exposed.
	Filter []string `yaml:"filter"`

	// MaxRetries for HTTP requests.
	MaxRetries int `yaml:"max_retries"`

	// SSETimeout for SSE response reading.
	SSETimeout time.Duration `yaml:"sse_timeout"`
}

// Toolset is an MCP-backed toolset with lazy connection.
type Toolset struct {
	cfg Config

	mu         sync.Mutex
	stdio      *client.Client
	httpClient *httpclient.Client
	tools      []tool.CallableTool
	connected  bool
	filterSet  map[string]bool

	sessionMu sync.RWMutex
	sessionID string

	requestID atomic.Int64
	logger    *slog.Logger
}

var _ tool.Toolset = (*Toolset)(nil)

// New creates an MCP toolset. The connection is established on the
// first Tools call.
func New(cfg Config) (*Toolset, error) {
	if cfg.URL == "" && cfg.Command == "" {
		return nil, fmt.Errorf("either url or command is required")
	}

	var filterSet map[string]bool
	if len(cfg.Filter) > 0 {
		filterSet = make(map[string]bool, len(cfg.Filter))
		for _, name := range cfg.Filter {
			filterSet[name] = true
		}
	}

	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.SSETimeout == 0 {
		cfg.SSETimeout = DefaultSSETimeout
	}

	return &Toolset{
		cfg:       cfg,
		filterSet: filterSet,
		logger:    slog.Default(),
	}, nil
}

func (t *Toolset) Name() string { return t.cfg.Name }

// Tools returns the remote tools, connecting lazily on first use.
func (t *Toolset) Tools(ctx context.Context) ([]tool.CallableTool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		if err := t.connect(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to MCP server: %w", err)
		}
	}
	return t.tools, nil
}

// Refresh drops the cached tool list so the next Tools call reconnects
// and rediscovers.
func (t *Toolset) Refresh() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
	t.tools = nil
}

// Close tears down the connection.
func (t *Toolset) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var err error
	if t.stdio != nil {
		err = t.stdio.Close()
		t.stdio = nil
	}
	t.httpClient = nil
	t.connected = false
	t.tools = nil
	return err
}

// CancelRequest notifies the server that an in-flight request was
// cancelled by the caller. HTTP transports only; a no-op elsewhere.
func (t *Toolset) CancelRequest(ctx context.Context, requestID int64, reason string) error {
	t.mu.Lock()
	httpClient := t.httpClient
	t.mu.Unlock()
	if httpClient == nil {
		return nil
	}

	_, err := t.makeHTTPRequest(ctx, "notifications/cancelled", map[string]any{
		"requestId": requestID,
		"reason":    reason,
	}, true)
	return err
}

func (t *Toolset) connect(ctx context.Context) error {
	if t.cfg.Command != "" || t.cfg.Transport == "stdio" {
		return t.connectStdio(ctx)
	}
	return t.connectHTTP(ctx)
}

// connectStdio connects via the mcp-go client for subprocess servers.
func (t *Toolset) connectStdio(ctx context.Context) error {
	mcpClient, err := client.NewStdioMCPClient(
		t.cfg.Command,
		convertEnv(t.cfg.Env),
		t.cfg.Args...,
	)
	if err != nil {
		return fmt.Errorf("failed to create MCP client: %w", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("failed to start MCP client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    clientName,
		Version: clientVersion,
	}
	initReq.Params.ProtocolVersion = protocolVersion

	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to initialize MCP: %w", err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to list tools: %w", err)
	}

	var tools []tool.CallableTool
	for _, mcpTool := range listResp.Tools {
		if t.filterSet != nil && !t.filterSet[mcpTool.Name] {
			continue
		}
		tools = append(tools, &remoteTool{
			toolset:  t,
			name:     mcpTool.Name,
			desc:     mcpTool.Description,
			schema:   convertSchema(mcpTool.InputSchema),
			useStdio: true,
		})
	}

	t.stdio = mcpClient
	t.tools = tools
	t.connected = true

	t.logger.Info("connected to MCP server (stdio)",
		"name", t.cfg.Name, "command", t.cfg.Command, "tools", len(tools))
	return nil
}

// connectHTTP performs the initialize / tools/list handshake over
// JSON-RPC.
func (t *Toolset) connectHTTP(ctx context.Context) error {
	t.httpClient = httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		httpclient.WithMaxRetries(t.cfg.MaxRetries),
		httpclient.WithBaseDelay(2*time.Second),
	)

	initResp, err := t.makeHTTPRequest(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"clientInfo": map[string]any{
			"name":    clientName,
			"version": clientVersion,
		},
		"capabilities": map[string]any{},
	}, false)
	if err != nil {
		return fmt.Errorf("failed to initialize MCP: %w", err)
	}
	if initResp.Error != nil {
		return fmt.Errorf("MCP init error: %s", initResp.Error.Message)
	}

	listResp, err := t.makeHTTPRequest(ctx, "tools/list", nil, false)
	if err != nil {
		return fmt.Errorf("failed to list tools: %w", err)
	}
	if listResp.Error != nil {
		return fmt.Errorf("MCP list error: %s", listResp.Error.Message)
	}

	resultMap, ok := listResp.Result.(map[string]any)
	if !ok {
		return fmt.Errorf("unexpected result type from tools/list")
	}
	toolsList, ok := resultMap["tools"].([]any)
	if !ok {
		return fmt.Errorf("missing tools in tools/list response")
	}

	var tools []tool.CallableTool
	for _, toolRaw := range toolsList {
		toolMap, ok := toolRaw.(map[string]any)
		if !ok {
			continue
		}

		name, _ := toolMap["name"].(string)
		desc, _ := toolMap["description"].(string)
		if t.filterSet != nil && !t.filterSet[name] {
			continue
		}

		var schema map[string]any
		if inputSchema, ok := toolMap["inputSchema"].(map[string]any); ok {
			schema = inputSchema
		}

		tools = append(tools, &remoteTool{
			toolset: t,
			name:    name,
			desc:    desc,
			schema:  schema,
		})
	}

	t.tools = tools
	t.connected = true

	t.logger.Info("connected to MCP server (HTTP)",
		"name", t.cfg.Name, "url", t.cfg.URL,
		"transport", t.cfg.Transport, "tools", len(tools))
	return nil
}

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// makeHTTPRequest sends one JSON-RPC message. Notifications carry no
// id and expect no response body.
func (t *Toolset) makeHTTPRequest(ctx context.Context, method string, params any, notification bool) (*jsonRPCResponse, error) {
	req := jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
	}
	if !notification {
		id := t.requestID.Add(1)
		req.ID = &id
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(string(body))), nil
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")

	t.sessionMu.RLock()
	sessionID := t.sessionID
	t.sessionMu.RUnlock()
	if sessionID != "" {
		httpReq.Header.Set(sessionHeader, sessionID)
	}

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		t.logger.Debug("MCP HTTP request failed",
			"source", t.cfg.Name, "method", method, "error", err)
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if newSessionID := httpResp.Header.Get(sessionHeader); newSessionID != "" {
		t.sessionMu.Lock()
		t.sessionID = newSessionID
		t.sessionMu.Unlock()
	}

	if httpResp.StatusCode == http.StatusAccepted && notification {
		return &jsonRPCResponse{JSONRPC: "2.0"}, nil
	}
	if httpResp.StatusCode != http.StatusOK {
		responseBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("HTTP error %d: %s (response: %s)",
			httpResp.StatusCode, httpResp.Status, string(responseBody))
	}
	if notification {
		return &jsonRPCResponse{JSONRPC: "2.0"}, nil
	}

	if strings.Contains(httpResp.Header.Get("Content-Type"), "text/event-stream") {
		return t.readSSEResponse(httpResp)
	}

	responseBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var resp jsonRPCResponse
	if err := json.Unmarshal(responseBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &resp, nil
}

// readSSEResponse reads the first complete JSON-RPC response from an
// event stream framed as "event: message" / "data: {...}".
func (t *Toolset) readSSEResponse(httpResp *http.Response) (*jsonRPCResponse, error) {
	type result struct {
		response *jsonRPCResponse
		err      error
	}
	resultChan := make(chan result, 1)

	go func() {
		reader := bufio.NewReader(httpResp.Body)
		var currentData strings.Builder

		flush := func() *jsonRPCResponse {
			if currentData.Len() == 0 {
				return nil
			}
			var resp jsonRPCResponse
			if err := json.Unmarshal([]byte(currentData.String()), &resp); err == nil {
				return &resp
			}
			currentData.Reset()
			return nil
		}

		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				if err != io.EOF {
					t.logger.Debug("MCP SSE read error", "source", t.cfg.Name, "error", err)
				}
				break
			}

			lineStr := strings.TrimSpace(string(line))

			// Blank line ends one event.
			if lineStr == "" {
				if resp := flush(); resp != nil {
					resultChan <- result{response: resp}
					return
				}
				continue
			}

			if strings.HasPrefix(lineStr, "data:") {
				currentData.WriteString(strings.TrimSpace(strings.TrimPrefix(lineStr, "data:")))
			}
		}

		if resp := flush(); resp != nil {
			resultChan <- result{response: resp}
			return
		}
		resultChan <- result{err: fmt.Errorf("SSE stream ended without complete message")}
	}()

	select {
	case res := <-resultChan:
		return res.response, res.err
	case <-time.After(t.cfg.SSETimeout):
		return nil, fmt.Errorf("timeout reading SSE response after %v", t.cfg.SSETimeout)
	}
}

func convertEnv(env map[string]string) []string {
	if env == nil {
		return nil
	}
	result := make([]string, 0, len(env))
	for k, v := range env {
		result = append(result, fmt.Sprintf("%s=%s", k, v))
	}
	return result
}

func convertSchema(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
