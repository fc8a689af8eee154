package tool

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-json-experiment/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentforge/core"
	"github.com/hupe1980/agentforge/internal/testutil"
)

func newToolContext(t *testing.T) (*core.ToolContext, *testutil.EventCollector) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	rc, events := testutil.NewRunContext(ctx)

	return core.NewToolContext(rc, "fc-1"), events
}

var sumSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"a": map[string]any{"type": "number"},
		"b": map[string]any{"type": "number"},
	},
	"required": []string{"a", "b"},
}

func TestFunctionTool_Success(t *testing.T) {
	tc, _ := newToolContext(t)

	sum := NewFunctionTool("sum", "adds", sumSchema, func(_ *core.ToolContext, args map[string]any) (any, error) {
		return args["a"].(float64) + args["b"].(float64), nil
	})

	out, err := sum.Call(tc, map[string]any{"a": 1.0, "b": 2.0})
	require.NoError(t, err)
	assert.Equal(t, 3.0, out)
}

func TestFunctionTool_ValidationError(t *testing.T) {
	tc, _ := newToolContext(t)

	called := false
	sum := NewFunctionTool("sum", "adds", sumSchema, func(_ *core.ToolContext, _ map[string]any) (any, error) {
		called = true
		return nil, nil
	})

	_, err := sum.Call(tc, map[string]any{"a": 1.0})
	require.Error(t, err)

	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, CodeValidation, toolErr.Code)
	assert.False(t, called)
}

func TestFunctionTool_ExecutionError(t *testing.T) {
	tc, _ := newToolContext(t)

	failing := NewFunctionTool("fail", "fails", nil, func(_ *core.ToolContext, _ map[string]any) (any, error) {
		return nil, errors.New("boom")
	})

	_, err := failing.Call(tc, map[string]any{})

	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, CodeExecution, toolErr.Code)
	assert.Equal(t, "boom", toolErr.Message)
}

func TestToolErrorFormatting(t *testing.T) {
	assert.Equal(t, "tool error [X] in t: m", NewToolError("t", "m", "X").Error())
	assert.Equal(t, "tool error in t: m", NewToolError("t", "m", "").Error())
}

func TestDefinition(t *testing.T) {
	def := Definition(NewCalculateTool())

	assert.Equal(t, "function", def.Type)
	assert.Equal(t, "calculate", def.Function.Name)
	assert.Equal(t, "object", def.Function.Parameters["type"])
}

func TestCalculateTool(t *testing.T) {
	tc, _ := newToolContext(t)
	calc := NewCalculateTool()

	out, err := calc.Call(tc, map[string]any{"expression": "(2 + 3) * 4 / 2"})
	require.NoError(t, err)
	assert.Equal(t, 10.0, out)

	_, err = calc.Call(tc, map[string]any{"expression": "2 +"})
	assert.Error(t, err)

	_, err = calc.Call(tc, map[string]any{"expression": `"text"`})
	assert.Error(t, err)
}

func TestCurrentTimeTool(t *testing.T) {
	tc, _ := newToolContext(t)
	now := NewCurrentTimeTool()

	out, err := now.Call(tc, map[string]any{})
	require.NoError(t, err)
	assert.NotEmpty(t, out)

	_, err = now.Call(tc, map[string]any{"timezone": "Mars/Olympus"})
	assert.Error(t, err)
}

func TestHTTPTool_PostWithSecretHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		assert.Equal(t, http.MethodPost, r.Method)

		var body map[string]any
		require.NoError(t, json.UnmarshalRead(r.Body, &body))

		w.Header().Set("Content-Type", "application/json")
		_ = json.MarshalWrite(w, map[string]any{"echo": body["q"]})
	}))
	defer srv.Close()

	cfg, err := HTTPConfigFromMap(map[string]any{
		"url":     srv.URL,
		"headers": map[string]any{"Authorization": "Bearer {{.secrets.api_key}}"},
	})
	require.NoError(t, err)

	ht, err := NewHTTPTool("search", "", cfg, map[string]core.Secret{"api_key": "s3cret"})
	require.NoError(t, err)

	tc, _ := newToolContext(t)

	out, err := ht.Call(tc, map[string]any{"q": "go"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"echo": "go"}, out)
}

func TestHTTPTool_GetQueryAndErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("id") == "missing" {
			http.Error(w, "nope", http.StatusNotFound)
			return
		}

		_, _ = w.Write([]byte("plain " + r.URL.Query().Get("id")))
	}))
	defer srv.Close()

	cfg, err := HTTPConfigFromMap(map[string]any{"url": srv.URL, "method": "get"})
	require.NoError(t, err)

	ht, err := NewHTTPTool("lookup", "", cfg, nil)
	require.NoError(t, err)

	tc, _ := newToolContext(t)

	out, err := ht.Call(tc, map[string]any{"id": "7"})
	require.NoError(t, err)
	assert.Equal(t, "plain 7", out)

	_, err = ht.Call(tc, map[string]any{"id": "missing"})

	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, CodeTransport, toolErr.Code)
}

func TestHTTPConfigFromMap_Invalid(t *testing.T) {
	_, err := HTTPConfigFromMap(map[string]any{})
	assert.Error(t, err)

	_, err = HTTPConfigFromMap(map[string]any{"url": "ftp://x"})
	assert.Error(t, err)

	_, err = HTTPConfigFromMap(map[string]any{"url": "http://x", "timeout": "soon"})
	assert.Error(t, err)
}

func newMCPServer(t *testing.T) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.UnmarshalRead(r.Body, &req))

		var result any

		switch req.Method {
		case "tools/list":
			result = map[string]any{"tools": []map[string]any{{
				"name":        "echo",
				"description": "echoes",
				"inputSchema": map[string]any{
					"type":       "object",
					"properties": map[string]any{"text": map[string]any{"type": "string"}},
					"required":   []string{"text"},
				},
			}}}
		case "tools/call":
			params := req.Params.(map[string]any)
			args := params["arguments"].(map[string]any)
			result = map[string]any{"content": []map[string]any{{"type": "text", "text": args["text"]}}}
		default:
			_ = json.MarshalWrite(w, map[string]any{"jsonrpc": "2.0", "id": req.ID, "error": map[string]any{"code": -32601, "message": "method not found"}})
			return
		}

		_ = json.MarshalWrite(w, map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}))
}

func TestMCPClient_ListAndCall(t *testing.T) {
	srv := newMCPServer(t)
	defer srv.Close()

	client := NewMCPClient("local", srv.URL, nil)

	infos, err := client.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 1)

	echo := NewMCPTool(client, infos[0])
	assert.Equal(t, "echo", echo.Name())
	assert.Equal(t, "local", echo.Server())

	tc, _ := newToolContext(t)

	out, err := echo.Call(tc, map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", out)

	_, err = echo.Call(tc, map[string]any{})
	assert.Error(t, err)
}

type staticNode struct {
	name string
	text string
	err  error
}

func (n *staticNode) Name() string        { return n.name }
func (n *staticNode) Kind() core.NodeKind { return core.NodeKindLeaf }
func (n *staticNode) Execute(_ *core.RunContext, input string) (core.Output, error) {
	if n.err != nil {
		return core.Output{}, n.err
	}

	return core.Output{Text: n.text + ":" + input}, nil
}

func TestAgentTool_RunsChildNode(t *testing.T) {
	tc, events := newToolContext(t)

	at := NewAgentTool(&staticNode{name: "researcher", text: "found"}, "")
	assert.Contains(t, at.Description(), "researcher")

	out, err := at.Call(tc, map[string]any{"request": "golang"})
	require.NoError(t, err)
	assert.Equal(t, "found:golang", out)

	kinds := events.Kinds()
	assert.Equal(t, []core.EventKind{core.EventStarted, core.EventCompleted}, kinds)
	assert.Equal(t, "researcher", events.Events()[0].NodePath)
}

func TestAgentTool_Failure(t *testing.T) {
	tc, events := newToolContext(t)

	at := NewAgentTool(&staticNode{name: "broken", err: errors.New("down")}, "")

	_, err := at.Call(tc, map[string]any{"request": "x"})
	require.Error(t, err)
	assert.Equal(t, core.KindNodeExecutionFailure, core.KindOf(err))
	assert.Len(t, events.OfKind(core.EventFailed), 1)
}
