package agent

import (
	"context"
	"errors"
	"time"

	"github.com/hupe1980/agentforge/core"
	"github.com/hupe1980/agentforge/flow"
	"github.com/hupe1980/agentforge/model"
	"github.com/hupe1980/agentforge/retrieval"
	"github.com/hupe1980/agentforge/tool"
)

// DefaultLeafTimeout bounds a single LeafCall execution.
const DefaultLeafTimeout = 120 * time.Second

// ContextRetriever fetches knowledge references for a query.
type ContextRetriever interface {
	Retrieve(ctx context.Context, sourceIDs []string, query string, topK int, threshold float64) (retrieval.Result, error)
}

// LeafCallOptions configures a LeafCall.
type LeafCallOptions struct {
	Description string
	Instruction Instruction
	Tools       []tool.Tool

	// Retriever and KnowledgeSources enable context retrieval before
	// generation. TopK <= 0 and ScoreThreshold < 0 select the retriever
	// defaults.
	Retriever        ContextRetriever
	KnowledgeSources []string
	TopK             int
	ScoreThreshold   float64

	Streaming        bool
	Timeout          time.Duration
	MaxTurns         int
	MaxParallelTools int

	// Now returns the current time for the current_time template variable.
	Now func() time.Time
}

// LeafCall is a single conversational model call with optional tools and
// retrieved context.
type LeafCall struct {
	BaseNode
	llm  model.Model
	opts LeafCallOptions
	flow *flow.Flow
}

// NewLeafCall creates a LeafCall bound to llm.
func NewLeafCall(name string, llm model.Model, optFns ...func(o *LeafCallOptions)) *LeafCall {
	opts := LeafCallOptions{
		Instruction:    NewInstructionFromText("You are " + name + ", a helpful AI assistant."),
		ScoreThreshold: -1,
		Streaming:      true,
		Timeout:        DefaultLeafTimeout,
		Now:            time.Now,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	l := &LeafCall{
		BaseNode: NewBaseNode(name, core.NodeKindLeaf),
		llm:      llm,
		opts:     opts,
	}
	l.SetDescription(opts.Description)

	l.flow = flow.New(l, func(o *flow.Options) {
		o.MaxTurns = opts.MaxTurns
		o.Executor = flow.NewParallelFunctionExecutor(flow.FunctionExecutorConfig{
			MaxParallel:   opts.MaxParallelTools,
			PreserveOrder: true,
		})
	})

	return l
}

// Model implements flow.Agent.
func (l *LeafCall) Model() model.Model { return l.llm }

// Tools implements flow.Agent.
func (l *LeafCall) Tools() []tool.Tool { return l.opts.Tools }

// Streaming implements flow.Agent.
func (l *LeafCall) Streaming() bool { return l.opts.Streaming }

// Children returns the sub-agents wrapped as tools.
func (l *LeafCall) Children() []core.Node {
	var nodes []core.Node

	for _, t := range l.opts.Tools {
		if at, ok := t.(*tool.AgentTool); ok {
			nodes = append(nodes, at.Node())
		}
	}

	return nodes
}

// Execute retrieves context, renders the instruction and runs the model turn
// loop until a final answer.
func (l *LeafCall) Execute(rc *core.RunContext, input string) (core.Output, error) {
	callRC := rc

	if l.opts.Timeout > 0 {
		ctx, cancel := context.WithTimeout(rc.Context, l.opts.Timeout)
		defer cancel()

		callRC = rc.WithContext(ctx)
	}

	refs, err := l.retrieve(callRC, input)
	if err != nil {
		return core.Output{}, l.mapError(rc, err)
	}

	vars := instructionVars(input, retrieval.FormatContext(refs), l.opts.Now())

	instruction, err := l.opts.Instruction.Resolve(callRC, vars)
	if err != nil {
		return core.Output{}, core.Errorf(core.KindNodeExecutionFailure, "render instruction: %w", err)
	}

	res, err := l.flow.Run(callRC, flow.Input{Instructions: instruction, Text: input})
	if err != nil {
		return core.Output{}, l.mapError(rc, err)
	}

	return core.Output{
		Text:       res.Text,
		Data:       ParseData(res.Text),
		Usage:      res.Usage,
		References: refs,
	}, nil
}

// retrieve consults the retriever. Retrieval failures degrade to a warning;
// only cancellation aborts.
func (l *LeafCall) retrieve(rc *core.RunContext, query string) ([]core.RetrievalReference, error) {
	if l.opts.Retriever == nil || len(l.opts.KnowledgeSources) == 0 {
		return nil, nil
	}

	res, err := l.opts.Retriever.Retrieve(rc.Context, l.opts.KnowledgeSources, query, l.opts.TopK, l.opts.ScoreThreshold)
	if err != nil {
		if rc.Err() != nil {
			return nil, rc.Err()
		}

		rc.LogWarn("agent.retrieval.failed", "agent", l.Name(), "error", err.Error())

		if err := rc.EmitEvent(core.NewWarningEvent(l.Name(), "context retrieval failed: "+err.Error())); err != nil {
			return nil, err
		}

		return nil, nil
	}

	for _, w := range res.Warnings {
		if err := rc.EmitEvent(core.NewWarningEvent(l.Name(), w)); err != nil {
			return nil, err
		}
	}

	if len(res.References) == 0 {
		return nil, nil
	}

	ev := core.NewEvent(rc.RunID, core.EventKnowledgeRetrieved, l.Name())
	ev.References = res.References

	if err := rc.EmitEvent(ev); err != nil {
		return nil, err
	}

	return res.References, nil
}

// mapError turns an expired per-call deadline into a Timeout failure while
// leaving caller cancellation untouched.
func (l *LeafCall) mapError(parent *core.RunContext, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return core.Errorf(core.KindTimeout, "leaf call %s timed out after %s", l.Name(), l.opts.Timeout)
	}

	return err
}

// ParseData decodes text as a JSON object. Fenced code blocks are unwrapped.
// It returns nil when text is not a JSON object.
func ParseData(text string) map[string]any {
	v, err := decodeJSON(text)
	if err != nil {
		return nil
	}

	data, _ := v.(map[string]any)

	return data
}
