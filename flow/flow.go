// Package flow implements the model turn loop of a LeafCall: build a request,
// stream the model answer, execute requested tool calls and feed their
// results back until the model produces a final answer.
//
// The loop is assembled from pluggable request/response processors and a
// FunctionExecutor so that individual steps can be replaced in tests.
package flow

import (
	"fmt"
	"time"

	"github.com/hupe1980/agentforge/core"
	"github.com/hupe1980/agentforge/logging"
	"github.com/hupe1980/agentforge/model"
	"github.com/hupe1980/agentforge/tool"
)

// DefaultMaxTurns bounds the number of model calls of a single flow run.
const DefaultMaxTurns = 10

// Agent is the view of a LeafCall the flow needs.
type Agent interface {
	// Name returns the author name used for emitted events.
	Name() string
	// Model returns the language model instance.
	Model() model.Model
	// Tools returns the tools offered to the model, in declaration order.
	Tools() []tool.Tool
	// Streaming reports whether partial output should be streamed.
	Streaming() bool
}

// Input is the per-run input of a flow.
type Input struct {
	// Instructions is the fully rendered system instruction.
	Instructions string
	// Text is the user message.
	Text string
}

// Result is the outcome of a flow run.
type Result struct {
	Text  string
	Usage core.TokenUsage
	Turns int
}

// RequestProcessor processes the request before sending it to the model.
type RequestProcessor interface {
	// Name returns the processor's identifier.
	Name() string
	// ProcessRequest modifies the request before the model call.
	ProcessRequest(rc *core.RunContext, req *model.Request, in Input, agent Agent) error
}

// ResponseProcessor processes every response received from the model.
type ResponseProcessor interface {
	// Name returns the processor's identifier.
	Name() string
	// ProcessResponse handles a (partial or final) model response and may
	// emit events.
	ProcessResponse(rc *core.RunContext, resp *model.Response, agent Agent) error
}

// Options configures a Flow.
type Options struct {
	RequestProcessors  []RequestProcessor
	ResponseProcessors []ResponseProcessor
	Executor           FunctionExecutor
	MaxTurns           int
}

// Flow is the turn loop. A Flow holds no per-run state and may be shared by
// concurrent runs.
type Flow struct {
	agent Agent
	opts  Options
}

// New creates a flow for agent with the default processors: instructions,
// tools and partial output streaming.
func New(agent Agent, optFns ...func(o *Options)) *Flow {
	opts := Options{
		RequestProcessors: []RequestProcessor{
			NewInstructionsProcessor(),
			NewToolsProcessor(),
		},
		ResponseProcessors: []ResponseProcessor{
			NewPartialOutputProcessor(),
		},
		MaxTurns: DefaultMaxTurns,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Executor == nil {
		opts.Executor = NewParallelFunctionExecutor(FunctionExecutorConfig{PreserveOrder: true})
	}

	if opts.MaxTurns <= 0 {
		opts.MaxTurns = DefaultMaxTurns
	}

	return &Flow{agent: agent, opts: opts}
}

// Run executes the loop until the model answers without tool calls.
func (f *Flow) Run(rc *core.RunContext, in Input) (Result, error) {
	var res Result

	conversation := []core.Content{core.NewTextContent("user", in.Text)}

	tools := make(map[string]tool.Tool)
	for _, t := range f.agent.Tools() {
		tools[t.Name()] = t
	}

	for {
		if err := rc.Err(); err != nil {
			return res, err
		}

		if res.Turns >= f.opts.MaxTurns {
			return res, core.Errorf(core.KindNodeExecutionFailure, "exceeded max turns: %d", f.opts.MaxTurns)
		}

		if rc.Limiter != nil {
			if err := rc.Limiter.Increment(); err != nil {
				return res, err
			}
		}

		res.Turns++

		final, err := f.runOnce(rc, in, conversation)
		if err != nil {
			return res, err
		}

		if final.Usage != nil {
			res.Usage = res.Usage.Add(*final.Usage)
		}

		assignCallIDs(&final.Content)
		conversation = append(conversation, final.Content)

		calls := final.Content.FunctionCalls()
		if len(calls) == 0 {
			res.Text = final.Content.Text()
			return res, nil
		}

		responses, err := f.executeCalls(rc, tools, calls)
		if err != nil {
			return res, err
		}

		conversation = append(conversation, core.Content{Role: "tool", Parts: responses})
	}
}

// runOnce performs one model call and returns the final (non-partial)
// response.
func (f *Flow) runOnce(rc *core.RunContext, in Input, conversation []core.Content) (model.Response, error) {
	req := model.Request{
		Contents: append([]core.Content(nil), conversation...),
		Stream:   f.agent.Streaming(),
	}

	for _, p := range f.opts.RequestProcessors {
		if err := p.ProcessRequest(rc, &req, in, f.agent); err != nil {
			return model.Response{}, fmt.Errorf("request processor %s failed: %w", p.Name(), err)
		}
	}

	llm := f.agent.Model()
	start := time.Now()

	respCh, errCh := llm.Generate(rc.Context, req)

	var (
		final    model.Response
		hasFinal bool
	)

loop:
	for {
		select {
		case <-rc.Done():
			return model.Response{}, rc.Err()
		case resp, ok := <-respCh:
			if !ok {
				break loop
			}

			for _, p := range f.opts.ResponseProcessors {
				if err := p.ProcessResponse(rc, &resp, f.agent); err != nil {
					return model.Response{}, fmt.Errorf("response processor %s failed: %w", p.Name(), err)
				}
			}

			if !resp.Partial {
				final, hasFinal = resp, true
			}
		}
	}

	var genErr error

	select {
	case <-rc.Done():
		return model.Response{}, rc.Err()
	case err, ok := <-errCh:
		if ok {
			genErr = err
		}
	}

	info := llm.Info()

	if ml, ok := rc.Logger().(logging.ModelLogger); ok {
		tokens := 0
		if final.Usage != nil {
			tokens = final.Usage.TotalTokens
		}

		ml.LogLLMCall(info.Ref(), tokens, time.Since(start), genErr == nil, genErr)
	} else {
		rc.LogDebug("llm.call.completed",
			"model", info.Ref(),
			"duration_ms", time.Since(start).Milliseconds(),
			"success", genErr == nil,
		)
	}

	if genErr != nil {
		if rc.Err() != nil {
			return model.Response{}, rc.Err()
		}

		return model.Response{}, core.Errorf(core.KindNodeExecutionFailure, "model %s: %w", info.Ref(), genErr)
	}

	if !hasFinal {
		return model.Response{}, core.Errorf(core.KindNodeExecutionFailure, "model %s returned no response", info.Ref())
	}

	final.Content.Role = "assistant"

	return final, nil
}

// executeCalls emits tool_invoked events, runs the calls and converts the
// results to function response parts in call order.
func (f *Flow) executeCalls(rc *core.RunContext, tools map[string]tool.Tool, calls []core.FunctionCall) ([]core.Part, error) {
	for i := range calls {
		if err := rc.EmitEvent(core.NewToolInvokedEvent(f.agent.Name(), calls[i])); err != nil {
			return nil, err
		}
	}

	outcomes := f.opts.Executor.Execute(rc, f.agent.Name(), tools, calls)

	if err := rc.Err(); err != nil {
		return nil, err
	}

	parts := make([]core.Part, 0, len(outcomes))

	for _, o := range outcomes {
		fr := core.FunctionResponse{ID: o.Call.ID, Name: o.Call.Name, Response: o.Result}
		if o.Err != nil {
			fr.Error = o.Err.Error()
		}

		parts = append(parts, core.FunctionResponsePart{FunctionResponse: fr})
	}

	return parts, nil
}

// assignCallIDs gives every function call without an id a generated one so
// that responses can be correlated.
func assignCallIDs(c *core.Content) {
	for i, p := range c.Parts {
		fc, ok := p.(core.FunctionCallPart)
		if !ok || fc.FunctionCall.ID != "" {
			continue
		}

		fc.FunctionCall.ID = fmt.Sprintf("call_%d_%s", i, core.NewID()[:8])
		c.Parts[i] = fc
	}
}
