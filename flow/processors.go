package flow

import (
	"github.com/hupe1980/agentforge/core"
	"github.com/hupe1980/agentforge/model"
	"github.com/hupe1980/agentforge/tool"
)

// InstructionsProcessor copies the rendered instruction into the request.
type InstructionsProcessor struct{}

// NewInstructionsProcessor creates a new instructions processor.
func NewInstructionsProcessor() *InstructionsProcessor { return &InstructionsProcessor{} }

// Name returns the processor's identifier.
func (p *InstructionsProcessor) Name() string { return "instructions" }

// ProcessRequest sets the system instruction of the request.
func (p *InstructionsProcessor) ProcessRequest(rc *core.RunContext, req *model.Request, in Input, agent Agent) error {
	req.Instructions = in.Instructions

	rc.LogDebug("agent.instruction.resolved", "agent", agent.Name(), "length", len(in.Instructions))

	return nil
}

// ToolsProcessor declares the agent's tools on the request.
type ToolsProcessor struct{}

// NewToolsProcessor creates a new tools processor.
func NewToolsProcessor() *ToolsProcessor { return &ToolsProcessor{} }

// Name returns the processor's identifier.
func (p *ToolsProcessor) Name() string { return "tools" }

// ProcessRequest adds tool definitions unless the model cannot call tools.
func (p *ToolsProcessor) ProcessRequest(_ *core.RunContext, req *model.Request, _ Input, agent Agent) error {
	tools := agent.Tools()
	if len(tools) == 0 || !agent.Model().Info().SupportsTools {
		return nil
	}

	req.Tools = tool.Definitions(tools)

	return nil
}

// PartialOutputProcessor emits a partial_output event for every streamed
// text chunk.
type PartialOutputProcessor struct{}

// NewPartialOutputProcessor creates a new partial output processor.
func NewPartialOutputProcessor() *PartialOutputProcessor { return &PartialOutputProcessor{} }

// Name returns the processor's identifier.
func (p *PartialOutputProcessor) Name() string { return "partial_output" }

// ProcessResponse emits partial chunks; final responses pass through.
func (p *PartialOutputProcessor) ProcessResponse(rc *core.RunContext, resp *model.Response, agent Agent) error {
	if !resp.Partial {
		return nil
	}

	text := resp.Content.Text()
	if text == "" {
		return nil
	}

	return rc.EmitEvent(core.NewPartialOutputEvent(agent.Name(), text))
}
