package openai

import (
	"testing"

	"github.com/openai/openai-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentforge/core"
	"github.com/hupe1980/agentforge/model"
)

func TestToMessages_KeepsConversationOrder(t *testing.T) {
	req := model.Request{
		Instructions: "sys",
		Contents: []core.Content{
			core.NewTextContent("user", "hi"),
			{Role: "assistant", Parts: []core.Part{core.FunctionCallPart{FunctionCall: core.FunctionCall{ID: "c1", Name: "f", Arguments: "{}"}}}},
			{Role: "tool", Parts: []core.Part{core.FunctionResponsePart{FunctionResponse: core.FunctionResponse{ID: "c1", Name: "f", Response: "ok"}}}},
			core.NewTextContent("assistant", "done"),
		},
	}

	msgs := toMessages(req)

	require.Len(t, msgs, 5)
	assert.NotNil(t, msgs[0].OfSystem)
	assert.NotNil(t, msgs[1].OfUser)
	require.NotNil(t, msgs[2].OfAssistant)
	require.Len(t, msgs[2].OfAssistant.ToolCalls, 1)
	assert.Equal(t, "c1", msgs[2].OfAssistant.ToolCalls[0].ID)
	require.NotNil(t, msgs[3].OfTool)
	assert.Equal(t, "c1", msgs[3].OfTool.ToolCallID)
	assert.NotNil(t, msgs[4].OfAssistant)
}

func TestToTools(t *testing.T) {
	assert.Nil(t, toTools(nil))

	tools := toTools([]model.ToolDefinition{{
		Type:     "function",
		Function: model.FunctionDefinition{Name: "calc", Description: "math", Parameters: map[string]any{"type": "object"}},
	}})

	require.Len(t, tools, 1)
	assert.Equal(t, "calc", tools[0].Function.Name)
}

func TestFromMessage(t *testing.T) {
	c := fromMessage(openai.ChatCompletionMessage{
		Content: "text",
		ToolCalls: []openai.ChatCompletionMessageToolCall{
			{ID: "a", Function: openai.ChatCompletionMessageToolCallFunction{Name: "first", Arguments: "{}"}},
			{ID: "b", Function: openai.ChatCompletionMessageToolCallFunction{Name: "second", Arguments: "{}"}},
		},
	})

	calls := c.FunctionCalls()

	require.Len(t, calls, 2)
	assert.Equal(t, "first", calls[0].Name)
	assert.Equal(t, "second", calls[1].Name)
	assert.Equal(t, "text", c.Text())
	assert.Equal(t, "assistant", c.Role)
}

func TestResponseText(t *testing.T) {
	assert.Equal(t, "error: nope", responseText(core.FunctionResponse{Error: "nope"}))
	assert.Equal(t, "42", responseText(core.FunctionResponse{Response: 42}))
	assert.Equal(t, `{"a":1,"b":"x"}`, responseText(core.FunctionResponse{Response: map[string]any{"b": "x", "a": 1}}))
}

func TestInfo(t *testing.T) {
	m := NewModel(func(o *Options) { o.Model = "gpt-4o"; o.APIKey = "test" })

	assert.Equal(t, model.Info{Name: "gpt-4o", Provider: "openai", SupportsTools: true}, m.Info())
}
