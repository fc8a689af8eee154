// Package builder turns resolved capabilities into executable node trees.
package builder

import (
	"context"
	"time"

	"github.com/hupe1980/agentforge/a2a"
	"github.com/hupe1980/agentforge/agent"
	"github.com/hupe1980/agentforge/core"
	"github.com/hupe1980/agentforge/internal/util"
	"github.com/hupe1980/agentforge/logging"
	"github.com/hupe1980/agentforge/model"
	"github.com/hupe1980/agentforge/resolver"
	"github.com/hupe1980/agentforge/tool"
)

// DefaultAuthHeader carries the remote credential when a definition names
// none.
const DefaultAuthHeader = "Authorization"

// RemoteFactory creates the outbound client of a RemoteBridge.
type RemoteFactory func(url string, headers map[string]string) agent.RemoteClient

// Options configures a Builder.
type Options struct {
	Models    *model.Registry
	Retriever agent.ContextRetriever

	// RemoteFactory defaults to an a2a.Client per remote agent.
	RemoteFactory RemoteFactory

	LeafTimeout      time.Duration
	RemoteTimeout    time.Duration
	StepBudget       int
	MaxTurns         int
	MaxParallelTools int

	// Streaming selects streamed generation for every LeafCall.
	Streaming bool

	Logger logging.Logger
}

// Builder maps definitions to execution nodes. It holds no per-run state and
// is safe for concurrent use.
type Builder struct {
	opts Options
}

// New creates a Builder.
func New(optFns ...func(o *Options)) *Builder {
	opts := Options{
		Models:        model.NewRegistry(),
		LeafTimeout:   agent.DefaultLeafTimeout,
		RemoteTimeout: agent.DefaultRemoteTimeout,
		StepBudget:    agent.DefaultStepBudget,
		Streaming:     true,
		Logger:        logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.RemoteFactory == nil {
		opts.RemoteFactory = func(url string, headers map[string]string) agent.RemoteClient {
			return a2a.NewClient(url, func(o *a2a.ClientOptions) {
				o.Headers = headers
				o.Logger = opts.Logger
			})
		}
	}

	return &Builder{opts: opts}
}

// Build creates the node tree of caps. Sub-agents are built recursively.
func (b *Builder) Build(ctx context.Context, caps *resolver.Capabilities) (core.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if caps == nil || caps.Definition == nil {
		return nil, core.NewError(core.KindInvalidConfig, "no capabilities to build")
	}

	def := caps.Definition
	if err := def.Validate(); err != nil {
		return nil, err
	}

	b.opts.Logger.Debug("builder.build", "agent_id", def.ID, "type", def.Type)

	switch def.Type {
	case core.AgentTypeLLM:
		return b.buildLeaf(ctx, caps)
	case core.AgentTypeSequential:
		children, err := b.buildSubAgents(ctx, caps, def.SubAgents)
		if err != nil {
			return nil, err
		}

		return agent.NewSequence(nodeName(def), children...), nil
	case core.AgentTypeParallel:
		children, err := b.buildSubAgents(ctx, caps, def.SubAgents)
		if err != nil {
			return nil, err
		}

		return agent.NewParallel(nodeName(def), children...), nil
	case core.AgentTypeLoop:
		return b.buildLoop(ctx, caps)
	case core.AgentTypeWorkflow:
		return b.buildWorkflow(ctx, caps)
	case core.AgentTypeTask:
		return b.buildTask(ctx, caps)
	case core.AgentTypeA2A:
		return b.buildRemote(caps)
	default:
		return nil, core.Errorf(core.KindInvalidConfig, "agent %s: unknown type %q", def.ID, def.Type)
	}
}

// nodeName is the node path segment of an agent.
func nodeName(def *core.AgentDefinition) string {
	if def.ID != "" {
		return def.ID
	}

	return def.Name
}

func (b *Builder) timeout(def *core.AgentDefinition, fallback time.Duration) (time.Duration, error) {
	d, err := def.TimeoutDuration()
	if err != nil {
		return 0, core.Errorf(core.KindInvalidConfig, "agent %s: invalid timeout %q: %w", def.ID, def.Timeout, err)
	}

	if d <= 0 {
		return fallback, nil
	}

	return d, nil
}

func (b *Builder) subAgent(ctx context.Context, caps *resolver.Capabilities, id string) (core.Node, error) {
	sub := caps.SubAgent(id)
	if sub == nil {
		return nil, core.Errorf(core.KindInvalidConfig, "agent %s: sub-agent %s is not resolved", caps.Definition.ID, id)
	}

	return b.Build(ctx, sub)
}

func (b *Builder) buildSubAgents(ctx context.Context, caps *resolver.Capabilities, ids []string) ([]core.Node, error) {
	nodes := make([]core.Node, 0, len(ids))

	for _, id := range ids {
		n, err := b.subAgent(ctx, caps, id)
		if err != nil {
			return nil, err
		}

		nodes = append(nodes, n)
	}

	return nodes, nil
}

func (b *Builder) buildLeaf(ctx context.Context, caps *resolver.Capabilities) (core.Node, error) {
	def := caps.Definition

	llm, err := b.opts.Models.Resolve(def.Model)
	if err != nil {
		return nil, core.Errorf(core.KindInvalidConfig, "agent %s: %w", def.ID, err)
	}

	timeout, err := b.timeout(def, b.opts.LeafTimeout)
	if err != nil {
		return nil, err
	}

	tools := append([]tool.Tool(nil), caps.Tools...)

	for _, id := range def.SubAgents {
		sub, err := b.subAgent(ctx, caps, id)
		if err != nil {
			return nil, err
		}

		tools = append(tools, tool.NewAgentTool(sub, caps.SubAgent(id).Definition.Description))
	}

	threshold := -1.0
	if def.Retrieval.ScoreThreshold != nil {
		threshold = *def.Retrieval.ScoreThreshold
	}

	return agent.NewLeafCall(nodeName(def), llm, func(o *agent.LeafCallOptions) {
		o.Description = def.Description
		o.Instruction = agent.NewInstructionFromText(def.Instruction)
		o.Tools = tools
		o.Retriever = b.opts.Retriever
		o.KnowledgeSources = caps.Knowledge
		o.TopK = def.Retrieval.TopK
		o.ScoreThreshold = threshold
		o.Streaming = b.opts.Streaming
		o.Timeout = timeout
		o.MaxTurns = b.opts.MaxTurns
		o.MaxParallelTools = b.opts.MaxParallelTools
	}), nil
}

func (b *Builder) buildLoop(ctx context.Context, caps *resolver.Capabilities) (core.Node, error) {
	def := caps.Definition

	children, err := b.buildSubAgents(ctx, caps, def.SubAgents)
	if err != nil {
		return nil, err
	}

	var body core.Node
	if len(children) == 1 {
		body = children[0]
	} else {
		body = agent.NewSequence(nodeName(def)+".body", children...)
	}

	return agent.NewBoundedLoop(nodeName(def), body, def.Loop.MaxIterations, agent.WithStopKey(def.Loop.StopKey)), nil
}

func (b *Builder) buildWorkflow(ctx context.Context, caps *resolver.Capabilities) (core.Node, error) {
	def := caps.Definition
	payload := def.Workflow

	spec := agent.WorkflowSpec{
		Steps:      make([]agent.WorkflowStep, 0, len(payload.Nodes)),
		Edges:      make([]agent.WorkflowEdge, 0, len(payload.Edges)),
		StepBudget: payload.StepBudget,
		GuardOrder: payload.GuardOrder,
	}

	if spec.StepBudget <= 0 {
		spec.StepBudget = b.opts.StepBudget
	}

	for _, n := range payload.Nodes {
		step := agent.WorkflowStep{ID: n.ID, Type: n.Type}

		switch n.Type {
		case core.WorkflowNodeAgent:
			node, err := b.subAgent(ctx, caps, n.AgentID)
			if err != nil {
				return nil, core.Errorf(core.KindMalformedWorkflow, "workflow %s: node %q: %w", def.ID, n.ID, err)
			}

			step.Node = node
		case core.WorkflowNodeDelay:
			d, err := time.ParseDuration(n.Delay)
			if err != nil {
				return nil, core.Errorf(core.KindMalformedWorkflow, "workflow %s: node %q: invalid delay %q", def.ID, n.ID, n.Delay)
			}

			step.Delay = d
		}

		spec.Steps = append(spec.Steps, step)
	}

	for _, e := range payload.Edges {
		spec.Edges = append(spec.Edges, agent.WorkflowEdge{From: e.From, To: e.To, Guard: e.Guard})
	}

	return agent.NewWorkflowGraph(nodeName(def), spec)
}

func (b *Builder) buildTask(ctx context.Context, caps *resolver.Capabilities) (core.Node, error) {
	def := caps.Definition
	steps := make([]agent.TaskStepNode, 0, len(def.Tasks))

	for _, s := range def.Tasks {
		node, err := b.subAgent(ctx, caps, s.AgentID)
		if err != nil {
			return nil, err
		}

		step := agent.TaskStepNode{Name: s.Name, Node: node, Input: s.Input}

		if len(s.Schema) > 0 {
			schema, err := util.CompileSchema(s.Schema)
			if err != nil {
				return nil, core.Errorf(core.KindInvalidConfig, "agent %s: task step %s: %w", def.ID, s.Name, err)
			}

			step.Schema = schema
		}

		steps = append(steps, step)
	}

	return agent.NewTaskPlan(nodeName(def), steps...), nil
}

func (b *Builder) buildRemote(caps *resolver.Capabilities) (core.Node, error) {
	def := caps.Definition
	remote := def.Remote

	timeout, err := b.timeout(def, b.opts.RemoteTimeout)
	if err != nil {
		return nil, err
	}

	headers := map[string]string{}

	if remote.Credential != "" {
		secret, ok := caps.Secrets[remote.Credential]
		if !ok {
			return nil, core.Errorf(core.KindCredentialUnavailable, "agent %s: credential %q not available", def.ID, remote.Credential)
		}

		header := remote.AuthHeader
		if header == "" {
			header = DefaultAuthHeader
		}

		headers[header] = secret.Reveal()
	}

	client := b.opts.RemoteFactory(remote.URL, headers)

	return agent.NewRemoteBridge(nodeName(def), client, func(o *agent.RemoteBridgeOptions) {
		o.Description = def.Description
		o.Mode = remote.Mode
		o.Timeout = timeout
	}), nil
}

