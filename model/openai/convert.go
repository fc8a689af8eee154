package openai

import (
	"github.com/go-json-experiment/json"
	"github.com/openai/openai-go"

	"github.com/hupe1980/agentforge/core"
	"github.com/hupe1980/agentforge/model"
)

// toMessages maps the conversation onto chat messages in order. Contents with
// role "tool" become one tool message per function response.
func toMessages(req model.Request) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Contents)+1)

	if req.Instructions != "" {
		msgs = append(msgs, openai.SystemMessage(req.Instructions))
	}

	for _, c := range req.Contents {
		switch c.Role {
		case "system":
			msgs = append(msgs, openai.SystemMessage(c.Text()))
		case "assistant":
			msgs = append(msgs, assistantMessage(c))
		case "tool":
			for _, p := range c.Parts {
				if fr, ok := p.(core.FunctionResponsePart); ok && fr.FunctionResponse.ID != "" {
					msgs = append(msgs, openai.ToolMessage(responseText(fr.FunctionResponse), fr.FunctionResponse.ID))
				}
			}
		default:
			if text := c.Text(); text != "" || c.Role == "user" {
				msgs = append(msgs, openai.UserMessage(text))
			}
		}
	}

	return msgs
}

func assistantMessage(c core.Content) openai.ChatCompletionMessageParamUnion {
	calls := c.FunctionCalls()
	if len(calls) == 0 {
		return openai.AssistantMessage(c.Text())
	}

	msg := &openai.ChatCompletionAssistantMessageParam{
		ToolCalls: make([]openai.ChatCompletionMessageToolCallParam, len(calls)),
	}

	if text := c.Text(); text != "" {
		msg.Content.OfString = openai.String(text)
	}

	for i, fc := range calls {
		msg.ToolCalls[i] = openai.ChatCompletionMessageToolCallParam{
			ID: fc.ID,
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      fc.Name,
				Arguments: fc.Arguments,
			},
		}
	}

	return openai.ChatCompletionMessageParamUnion{OfAssistant: msg}
}

// responseText renders a tool result for the model. Non-string results are
// JSON encoded.
func responseText(fr core.FunctionResponse) string {
	if fr.Error != "" {
		return "error: " + fr.Error
	}

	if s, ok := fr.Response.(string); ok {
		return s
	}

	data, err := json.Marshal(fr.Response, json.Deterministic(true))
	if err != nil {
		return "error: unencodable tool result"
	}

	return string(data)
}

func toTools(defs []model.ToolDefinition) []openai.ChatCompletionToolParam {
	if len(defs) == 0 {
		return nil
	}

	tools := make([]openai.ChatCompletionToolParam, len(defs))
	for i, d := range defs {
		tools[i] = openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        d.Function.Name,
				Description: openai.String(d.Function.Description),
				Parameters:  openai.FunctionParameters(d.Function.Parameters),
			},
		}
	}

	return tools
}

// fromMessage converts a completed assistant message, whether received whole
// or accumulated from a stream.
func fromMessage(msg openai.ChatCompletionMessage) core.Content {
	parts := make([]core.Part, 0, len(msg.ToolCalls)+1)

	if msg.Content != "" {
		parts = append(parts, core.TextPart{Text: msg.Content})
	}

	for _, tc := range msg.ToolCalls {
		parts = append(parts, core.FunctionCallPart{FunctionCall: core.FunctionCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		}})
	}

	return core.Content{Role: "assistant", Parts: parts}
}

func fromUsage(u openai.CompletionUsage) *model.TokenUsage {
	return &model.TokenUsage{
		PromptTokens:     int(u.PromptTokens),
		CompletionTokens: int(u.CompletionTokens),
		TotalTokens:      int(u.TotalTokens),
	}
}
