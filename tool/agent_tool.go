package tool

import (
	"fmt"

	"github.com/hupe1980/agentforge/core"
)

// AgentTool exposes a built sub-agent to its parent LeafCall as a tool. The
// sub-agent runs as a child node of the calling LeafCall, so its events carry
// the nested node path. It replaces control transfer between agents: the
// parent delegates a request and continues with the answer.
type AgentTool struct {
	node        core.Node
	description string
}

// NewAgentTool wraps node. An empty description is derived from the name.
func NewAgentTool(node core.Node, description string) *AgentTool {
	if description == "" {
		description = fmt.Sprintf("Delegate a request to the %s agent and return its answer.", node.Name())
	}

	return &AgentTool{node: node, description: description}
}

// Name implements Tool.
func (t *AgentTool) Name() string { return t.node.Name() }

// Description implements Tool.
func (t *AgentTool) Description() string { return t.description }

// Parameters implements Tool.
func (t *AgentTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"request": map[string]any{"type": "string", "description": "The request for the agent"},
		},
		"required": []string{"request"},
	}
}

// Call runs the wrapped agent with the request and returns its text output.
func (t *AgentTool) Call(toolCtx *core.ToolContext, args map[string]any) (any, error) {
	if err := validate(t.Name(), args, t.Parameters()); err != nil {
		return nil, err
	}

	request, _ := args["request"].(string)

	out, err := toolCtx.RunContext().RunChild(t.node, request)
	if err != nil {
		return nil, err
	}

	return out.Text, nil
}

// Node returns the wrapped node.
func (t *AgentTool) Node() core.Node { return t.node }
