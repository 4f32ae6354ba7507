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

package mcptoolset

import (
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kadirpekel/orchid/pkg/tool"
)

// remoteTool adapts one MCP server tool to the CallableTool contract.
type remoteTool struct {
	toolset  *Toolset
	name     string
	desc     string
	schema   map[string]any
	useStdio bool
}

var _ tool.CallableTool = (*remoteTool)(nil)

func (r *remoteTool) Name() string        { return r.name }
func (r *remoteTool) Description() string { return r.desc }

// RequiresApproval is always false for remote tools; approval policy
// is decided by the caller, not the server.
func (r *remoteTool) RequiresApproval() bool { return false }

func (r *remoteTool) Schema() map[string]any {
	if r.schema == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return r.schema
}

func (r *remoteTool) Call(ctx tool.Context, args map[string]any) (map[string]any, error) {
	if r.useStdio {
		return r.callStdio(ctx, args)
	}
	return r.callHTTP(ctx, args)
}

func (r *remoteTool) callStdio(ctx tool.Context, args map[string]any) (map[string]any, error) {
	r.toolset.mu.Lock()
	mcpClient := r.toolset.stdio
	r.toolset.mu.Unlock()
	if mcpClient == nil {
		return nil, fmt.Errorf("MCP stdio client not connected")
	}

	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = r.name
	callReq.Params.Arguments = args

	result, err := mcpClient.CallTool(ctx, callReq)
	if err != nil {
		return nil, fmt.Errorf("MCP tool %s failed: %w", r.name, err)
	}

	text := collectContentText(result.Content)
	if result.IsError {
		return nil, fmt.Errorf("MCP tool %s returned error: %s", r.name, text)
	}
	return map[string]any{"result": text}, nil
}

func (r *remoteTool) callHTTP(ctx tool.Context, args map[string]any) (map[string]any, error) {
	resp, err := r.toolset.makeHTTPRequest(ctx, "tools/call", map[string]any{
		"name":      r.name,
		"arguments": args,
	}, false)
	if err != nil {
		return nil, fmt.Errorf("MCP tool %s failed: %w", r.name, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("MCP tool %s returned error: %s", r.name, resp.Error.Message)
	}

	resultMap, ok := resp.Result.(map[string]any)
	if !ok {
		return map[string]any{"result": fmt.Sprintf("%v", resp.Result)}, nil
	}

	text := collectRawContentText(resultMap["content"])
	if isError, _ := resultMap["isError"].(bool); isError {
		return nil, fmt.Errorf("MCP tool %s returned error: %s", r.name, text)
	}
	return map[string]any{"result": text}, nil
}

// collectContentText flattens typed MCP content blocks to text.
func collectContentText(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// collectRawContentText flattens the JSON content array of a tools/call
// result to text.
func collectRawContentText(content any) string {
	items, ok := content.([]any)
	if !ok {
		return ""
	}
	var parts []string
	for _, item := range items {
		block, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if text, ok := block["text"].(string); ok {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n")
}
