package tool

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/hupe1980/agentforge/core"
)

// MCPToolInfo is a tool listing entry returned by tools/list.
type MCPToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      int64          `json:"id"`
	Result  jsontext.Value `json:"result,omitzero"`
	Error   *rpcError      `json:"error,omitempty"`
}

type callToolResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"content"`
	StructuredContent any  `json:"structuredContent,omitempty"`
	IsError           bool `json:"isError,omitempty"`
}

// MCPClient talks to an MCP server over streamable HTTP (JSON-RPC 2.0 POSTs).
type MCPClient struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
	nextID  atomic.Int64
}

// NewMCPClient creates a client for the server named name at url.
func NewMCPClient(name, url string, headers map[string]string) *MCPClient {
	return &MCPClient{
		name:    name,
		url:     url,
		headers: headers,
		client:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

// Name returns the server name.
func (c *MCPClient) Name() string { return c.name }

// ListTools returns the tools offered by the server.
func (c *MCPClient) ListTools(ctx context.Context) ([]MCPToolInfo, error) {
	var result struct {
		Tools []MCPToolInfo `json:"tools"`
	}

	if err := c.call(ctx, "tools/list", map[string]any{}, &result); err != nil {
		return nil, err
	}

	return result.Tools, nil
}

// CallTool invokes a server tool. Text content blocks are concatenated;
// structured content wins when present.
func (c *MCPClient) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	var result callToolResult

	if err := c.call(ctx, "tools/call", map[string]any{"name": name, "arguments": args}, &result); err != nil {
		return nil, err
	}

	var texts []string
	for _, block := range result.Content {
		if block.Type == "text" {
			texts = append(texts, block.Text)
		}
	}

	text := strings.Join(texts, "\n")

	if result.IsError {
		return nil, &ToolError{Tool: name, Message: text, Code: CodeExecution}
	}

	if result.StructuredContent != nil {
		return result.StructuredContent, nil
	}

	return text, nil
}

func (c *MCPClient) call(ctx context.Context, method string, params any, out any) error {
	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("mcp %s: %s: %w", c.name, method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("mcp %s: read: %w", c.name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("mcp %s: %s: unexpected status %d", c.name, method, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return fmt.Errorf("mcp %s: decode: %w", c.name, err)
	}

	if rpcResp.Error != nil {
		return fmt.Errorf("mcp %s: %s: %s (%d)", c.name, method, rpcResp.Error.Message, rpcResp.Error.Code)
	}

	if out == nil || len(rpcResp.Result) == 0 {
		return nil
	}

	return json.Unmarshal(rpcResp.Result, out)
}

// MCPTool exposes one tool of an MCP server.
type MCPTool struct {
	client *MCPClient
	info   MCPToolInfo
}

// NewMCPTool wraps info served by client.
func NewMCPTool(client *MCPClient, info MCPToolInfo) *MCPTool {
	return &MCPTool{client: client, info: info}
}

// Name implements Tool.
func (t *MCPTool) Name() string { return t.info.Name }

// Description implements Tool.
func (t *MCPTool) Description() string { return t.info.Description }

// Parameters implements Tool.
func (t *MCPTool) Parameters() map[string]any { return t.info.InputSchema }

// Server returns the name of the serving MCP server.
func (t *MCPTool) Server() string { return t.client.Name() }

// Call implements Tool.
func (t *MCPTool) Call(toolCtx *core.ToolContext, args map[string]any) (any, error) {
	if err := validate(t.info.Name, args, t.info.InputSchema); err != nil {
		return nil, err
	}

	out, err := t.client.CallTool(toolCtx.Context(), t.info.Name, args)
	if err != nil {
		if ctxErr := toolCtx.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}

		return nil, err
	}

	return out, nil
}
