// Package agentforge assembles the resolver, builder, engine and runner into a
// ready to use agent execution service. Most applications interact with this
// package by:
//  1. Creating an AgentForge via New(), overriding the in-memory defaults
//     (definitions, run store, artifacts) with durable implementations
//  2. Starting runs of stored or inline agent definitions (Run, RunSync)
//  3. Exposing agents over HTTP and A2A through Handler
//
// The facade delegates orchestration to runner.Runner and engine.Engine.
package agentforge

import (
	"context"
	"time"

	"github.com/hupe1980/agentforge/a2a"
	"github.com/hupe1980/agentforge/agent"
	"github.com/hupe1980/agentforge/builder"
	"github.com/hupe1980/agentforge/core"
	"github.com/hupe1980/agentforge/definition"
	"github.com/hupe1980/agentforge/engine"
	"github.com/hupe1980/agentforge/logging"
	"github.com/hupe1980/agentforge/model"
	"github.com/hupe1980/agentforge/resolver"
	"github.com/hupe1980/agentforge/runner"
	"github.com/hupe1980/agentforge/runstore"
	"github.com/hupe1980/agentforge/server"
)

// Options configures the AgentForge instance.
type Options struct {
	// Engine configuration (buffers, grace period, model call cap).
	Engine engine.Config

	// Execution limits applied by the builder.
	StepBudget       int
	LeafTimeout      time.Duration
	RemoteTimeout    time.Duration
	MaxParallelTools int
	Streaming        bool

	// Collaborators (in-memory defaults when not provided).
	Definitions   core.DefinitionStore
	Models        *model.Registry
	Catalog       *resolver.Catalog
	Decrypter     core.Decrypter
	Knowledge     core.KnowledgeAuthorizer
	Retriever     agent.ContextRetriever
	RunStore      runstore.Store
	ArtifactStore core.ArtifactStore

	// Sinks receive a copy of every event.
	Sinks []runner.Sink
	// Hooks are added after the default metrics and logging hooks.
	Hooks []engine.Hook

	Logger logging.Logger
}

// AgentForge is the high-level facade over the runner and its collaborators.
type AgentForge struct {
	opts   Options
	engine *engine.Engine
	runner *runner.Runner
}

// New creates a new AgentForge instance. Any unset collaborator is
// initialized with an in-memory implementation.
func New(optFns ...func(o *Options)) *AgentForge {
	opts := Options{
		Engine:        engine.DefaultConfig,
		StepBudget:    agent.DefaultStepBudget,
		LeafTimeout:   agent.DefaultLeafTimeout,
		RemoteTimeout: agent.DefaultRemoteTimeout,
		Streaming:     true,
		Logger:        logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Definitions == nil {
		opts.Definitions = definition.NewMemoryStore()
	}

	if opts.Models == nil {
		opts.Models = model.NewRegistry()
	}

	if opts.Catalog == nil {
		opts.Catalog = resolver.NewCatalog(func(o *resolver.CatalogOptions) { o.Logger = opts.Logger })
	}

	if opts.RunStore == nil {
		opts.RunStore = runstore.NewMemoryStore(time.Hour)
	}

	hooks := append([]engine.Hook{engine.NewMetricsHook(), engine.NewLoggingHook(opts.Logger)}, opts.Hooks...)

	eng := engine.New(func(o *engine.Options) {
		o.Config = opts.Engine
		o.Hooks = hooks
		o.ArtifactStore = opts.ArtifactStore
		o.Logger = opts.Logger
	})

	res := resolver.New(func(o *resolver.Options) {
		o.Catalog = opts.Catalog
		o.Definitions = opts.Definitions
		o.Decrypter = opts.Decrypter
		o.Knowledge = opts.Knowledge
		o.Logger = opts.Logger
	})

	b := builder.New(func(o *builder.Options) {
		o.Models = opts.Models
		o.Retriever = opts.Retriever
		o.StepBudget = opts.StepBudget
		o.LeafTimeout = opts.LeafTimeout
		o.RemoteTimeout = opts.RemoteTimeout
		o.MaxParallelTools = opts.MaxParallelTools
		o.Streaming = opts.Streaming
		o.Logger = opts.Logger
	})

	r := runner.New(res, b, eng, func(o *runner.Options) {
		o.Definitions = opts.Definitions
		o.RunStore = opts.RunStore
		o.Sinks = opts.Sinks
		o.EventBufferSize = opts.Engine.EventBufferSize
		o.Logger = opts.Logger
	})

	return &AgentForge{opts: opts, engine: eng, runner: r}
}

// Runner returns the underlying runner.
func (f *AgentForge) Runner() *runner.Runner { return f.runner }

// Engine returns the underlying engine.
func (f *AgentForge) Engine() *engine.Engine { return f.engine }

// Definitions returns the definition store runs are loaded from.
func (f *AgentForge) Definitions() core.DefinitionStore { return f.opts.Definitions }

// Catalog returns the tool catalog.
func (f *AgentForge) Catalog() *resolver.Catalog { return f.opts.Catalog }

// Run starts an asynchronous run. The returned run's event stream ends with
// exactly one terminal event and must be drained.
func (f *AgentForge) Run(ctx context.Context, req runner.Request) (*runner.Run, error) {
	return f.runner.Start(ctx, req)
}

// RunSync runs req to completion and returns its output and events.
func (f *AgentForge) RunSync(ctx context.Context, req runner.Request) (*runner.Result, error) {
	return f.runner.RunSync(ctx, req)
}

// Validate resolves and builds req without executing it.
func (f *AgentForge) Validate(ctx context.Context, req runner.Request) error {
	_, _, err := f.runner.Prepare(ctx, req)
	return err
}

// Card returns the A2A discovery card of a stored agent.
func (f *AgentForge) Card(ctx context.Context, tenantID, agentID, baseURL string) (*a2a.AgentCard, error) {
	def, err := f.opts.Definitions.Get(ctx, tenantID, agentID)
	if err != nil {
		return nil, err
	}

	return a2a.CardFromDefinition(def, baseURL), nil
}

// Handler returns the HTTP server exposing the run endpoints and, unless
// Options.A2A is overridden, the A2A routes served by A2A().
func (f *AgentForge) Handler(optFns ...func(o *server.Options)) *server.Server {
	return server.New(f.runner, append([]func(o *server.Options){func(o *server.Options) {
		o.A2A = f.A2A()
		o.Logger = f.opts.Logger
	}}, optFns...)...)
}

// A2A returns an A2A server executing tasks through the runner.
func (f *AgentForge) A2A(optFns ...func(o *a2a.ServerOptions)) *a2a.Server {
	return a2a.NewServer(f.runner, append([]func(o *a2a.ServerOptions){func(o *a2a.ServerOptions) {
		o.Definitions = f.opts.Definitions
		o.Logger = f.opts.Logger
	}}, optFns...)...)
}
