package anthropic

import (
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/go-json-experiment/json"

	"github.com/hupe1980/agentforge/core"
	"github.com/hupe1980/agentforge/model"
)

// systemBlocks gathers the instructions and any system contents; the
// Messages API takes them outside the conversation.
func systemBlocks(req model.Request) []anthropic.TextBlockParam {
	var blocks []anthropic.TextBlockParam

	if req.Instructions != "" {
		blocks = append(blocks, anthropic.TextBlockParam{Text: req.Instructions})
	}

	for _, c := range req.Contents {
		if c.Role == "system" {
			if text := c.Text(); text != "" {
				blocks = append(blocks, anthropic.TextBlockParam{Text: text})
			}
		}
	}

	return blocks
}

// toMessages maps the conversation in order. Tool results travel as
// tool_result blocks of a user message.
func toMessages(contents []core.Content) []anthropic.MessageParam {
	msgs := make([]anthropic.MessageParam, 0, len(contents))

	for _, c := range contents {
		var blocks []anthropic.ContentBlockParamUnion

		switch c.Role {
		case "system":
			continue
		case "assistant":
			blocks = assistantBlocks(c.Parts)
			if len(blocks) > 0 {
				msgs = append(msgs, anthropic.NewAssistantMessage(blocks...))
			}

			continue
		case "tool":
			for _, p := range c.Parts {
				if fr, ok := p.(core.FunctionResponsePart); ok && fr.FunctionResponse.ID != "" {
					text, isErr := toolResultText(fr.FunctionResponse)
					blocks = append(blocks, anthropic.NewToolResultBlock(fr.FunctionResponse.ID, text, isErr))
				}
			}
		default:
			if text := c.Text(); text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(text))
			}
		}

		if len(blocks) > 0 {
			msgs = append(msgs, anthropic.NewUserMessage(blocks...))
		}
	}

	return msgs
}

func assistantBlocks(parts []core.Part) []anthropic.ContentBlockParamUnion {
	var blocks []anthropic.ContentBlockParamUnion

	for _, p := range parts {
		switch part := p.(type) {
		case core.TextPart:
			if part.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(part.Text))
			}
		case core.FunctionCallPart:
			fc := part.FunctionCall
			blocks = append(blocks, anthropic.NewToolUseBlock(fc.ID, toolInput(fc.Arguments), fc.Name))
		}
	}

	return blocks
}

// toolInput decodes serialized call arguments. Undecodable arguments are
// passed through as a string.
func toolInput(args string) any {
	if args == "" {
		return map[string]any{}
	}

	var input any
	if err := json.Unmarshal([]byte(args), &input); err != nil {
		return args
	}

	return input
}

func toolResultText(fr core.FunctionResponse) (string, bool) {
	if fr.Error != "" {
		return fr.Error, true
	}

	if s, ok := fr.Response.(string); ok {
		return s, false
	}

	data, err := json.Marshal(fr.Response, json.Deterministic(true))
	if err != nil {
		return fmt.Sprintf("%v", fr.Response), false
	}

	return string(data), false
}

func toTools(defs []model.ToolDefinition) []anthropic.ToolUnionParam {
	if len(defs) == 0 {
		return nil
	}

	tools := make([]anthropic.ToolUnionParam, len(defs))

	for i, d := range defs {
		schema := anthropic.ToolInputSchemaParam{}
		if p := d.Function.Parameters; p != nil {
			schema.Properties = p["properties"]
			schema.Required = requiredFields(p["required"])
		}

		tools[i] = anthropic.ToolUnionParamOfTool(schema, d.Function.Name)
		if d.Function.Description != "" {
			tools[i].OfTool.Description = anthropic.String(d.Function.Description)
		}
	}

	return tools
}

// requiredFields accepts both []string and the []any produced by decoding
// JSON schemas.
func requiredFields(v any) []string {
	switch req := v.(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}

		return out
	default:
		return nil
	}
}

// fromMessage converts a complete message into the final response.
func fromMessage(msg *anthropic.Message) model.Response {
	var parts []core.Part

	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if text := block.AsText().Text; text != "" {
				parts = append(parts, core.TextPart{Text: text})
			}
		case "tool_use":
			use := block.AsToolUse()

			args := "{}"
			if data, err := json.Marshal(use.Input); err == nil && len(use.Input) > 0 {
				args = string(data)
			}

			parts = append(parts, core.FunctionCallPart{FunctionCall: core.FunctionCall{ID: use.ID, Name: use.Name, Arguments: args}})
		}
	}

	reason := string(msg.StopReason)
	if reason == "" {
		reason = "stop"
	}

	prompt, completion := int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens)

	return model.Response{
		ID:           msg.ID,
		Content:      core.Content{Role: "assistant", Parts: parts},
		FinishReason: reason,
		Usage:        &model.TokenUsage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion},
	}
}
