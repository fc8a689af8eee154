package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hupe1980/agentforge/a2a"
	"github.com/hupe1980/agentforge/core"
	"github.com/hupe1980/agentforge/engine"
	"github.com/hupe1980/agentforge/logging"
	"github.com/hupe1980/agentforge/resolver"
	"github.com/hupe1980/agentforge/runstore"
)

// ErrRunNotFound is returned by Cancel for runs that are not active.
var ErrRunNotFound = errors.New("run not found")

// Resolver resolves a definition into capabilities.
type Resolver interface {
	Resolve(ctx context.Context, def *core.AgentDefinition, tenantID string) (*resolver.Capabilities, error)
}

// Builder turns resolved capabilities into an executable node tree.
type Builder interface {
	Build(ctx context.Context, caps *resolver.Capabilities) (core.Node, error)
}

// Sink receives a copy of every event of every run, e.g. to fan events out
// to a message bus. Publish errors are logged and never fail the run.
type Sink interface {
	Publish(ctx context.Context, ev core.Event) error
}

// Options holds dependency + configuration overrides passed to New().
type Options struct {
	// Definitions loads definitions referenced by Request.AgentID.
	Definitions core.DefinitionStore
	// RunStore records run status (default in-memory).
	RunStore runstore.Store
	// Sinks receive every event.
	Sinks []Sink
	// EventBufferSize sets the buffer of the stream handed to callers.
	EventBufferSize int
	Logger          logging.Logger
}

// Request starts a run of a stored agent (AgentID) or an inline Definition.
type Request struct {
	AgentID    string
	Definition *core.AgentDefinition
	TenantID   string
	Input      string
}

// Runner coordinates agent execution: it loads and resolves the definition,
// builds the node tree, starts the engine and records the run's status.
// Public methods are safe for concurrent use.
type Runner struct {
	resolver Resolver
	builder  Builder
	engine   *engine.Engine
	opts     Options

	activeRuns map[string]*Run
	mu         sync.RWMutex
}

// New constructs a Runner with optional overrides.
func New(res Resolver, b Builder, eng *engine.Engine, optFns ...func(o *Options)) *Runner {
	opts := Options{
		EventBufferSize: 100,
		Logger:          logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.RunStore == nil {
		opts.RunStore = runstore.NewMemoryStore(0)
	}

	return &Runner{
		resolver:   res,
		builder:    b,
		engine:     eng,
		opts:       opts,
		activeRuns: make(map[string]*Run),
	}
}

// Prepare loads, resolves and builds the agent of req without executing it.
// The returned capabilities carry resolution warnings.
func (r *Runner) Prepare(ctx context.Context, req Request) (*resolver.Capabilities, core.Node, error) {
	def, err := r.definition(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	caps, err := r.resolver.Resolve(ctx, def, req.TenantID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve agent %s: %w", def.ID, err)
	}

	node, err := r.builder.Build(ctx, caps)
	if err != nil {
		return nil, nil, fmt.Errorf("build agent %s: %w", def.ID, err)
	}

	return caps, node, nil
}

func (r *Runner) definition(ctx context.Context, req Request) (*core.AgentDefinition, error) {
	if req.Definition != nil {
		return req.Definition, nil
	}

	if req.AgentID == "" {
		return nil, core.NewError(core.KindInvalidConfig, "agent id or definition is required")
	}

	if r.opts.Definitions == nil {
		return nil, core.Errorf(core.KindInvalidConfig, "no definition store configured for agent %s", req.AgentID)
	}

	def, err := r.opts.Definitions.Get(ctx, req.TenantID, req.AgentID)
	if err != nil {
		return nil, fmt.Errorf("load agent %s: %w", req.AgentID, err)
	}

	return def, nil
}

// Start prepares and executes req. Resolution and build errors are returned
// before any side effect; afterwards every outcome is reported through the
// run's event stream, which ends with exactly one terminal event.
func (r *Runner) Start(ctx context.Context, req Request) (*Run, error) {
	caps, node, err := r.Prepare(ctx, req)
	if err != nil {
		r.opts.Logger.Warn("runner.start.failed", "tenant_id", req.TenantID, "agent_id", req.AgentID, "kind", core.KindOf(err), "error", err.Error())
		return nil, err
	}

	info := engine.RunInfo{
		RunID:    core.NewID(),
		TenantID: req.TenantID,
		AgentID:  caps.Definition.ID,
	}

	if err := r.opts.RunStore.Create(ctx, &runstore.Record{ID: info.RunID, TenantID: info.TenantID, AgentID: info.AgentID}); err != nil {
		return nil, fmt.Errorf("record run: %w", err)
	}

	if warnings := caps.AllWarnings(); len(warnings) > 0 {
		node = &warningNode{Node: node, warnings: warnings}
	}

	inner := r.engine.Execute(ctx, node, req.Input, info)

	r.record(ctx, info.RunID, runstore.Update{State: core.RunRunning})

	run := r.track(ctx, inner)

	r.opts.Logger.Info("runner.start", "run_id", run.ID, "tenant_id", run.TenantID, "agent_id", run.AgentID)

	return run, nil
}

// StartStream is like Start but never fails: preparation errors are reported
// as a run whose stream holds a single failed event.
func (r *Runner) StartStream(ctx context.Context, req Request) *Run {
	run, err := r.Start(ctx, req)
	if err == nil {
		return run
	}

	return r.track(ctx, engine.Failed(engine.RunInfo{TenantID: req.TenantID, AgentID: req.AgentID}, err))
}

// StartRun implements a2a.Executor.
func (r *Runner) StartRun(ctx context.Context, agentID, tenantID, input string) (a2a.Execution, error) {
	run, err := r.Start(ctx, Request{AgentID: agentID, TenantID: tenantID, Input: input})
	if err != nil {
		return nil, err
	}

	return run, nil
}

// Result is the outcome of RunSync.
type Result struct {
	RunID  string
	Output core.Output
	Events []core.Event
}

// RunSync executes req and collects every event.
func (r *Runner) RunSync(ctx context.Context, req Request) (*Result, error) {
	run, err := r.Start(ctx, req)
	if err != nil {
		return nil, err
	}

	res := &Result{RunID: run.ID}

	for ev := range run.Events() {
		res.Events = append(res.Events, ev)
	}

	out, err := run.Wait()
	res.Output = out

	return res, err
}

// Cancel cancels an active run.
func (r *Runner) Cancel(runID string) error {
	r.mu.RLock()
	run, ok := r.activeRuns[runID]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	run.Cancel()

	return nil
}

// Get returns the recorded status of a run owned by tenantID.
func (r *Runner) Get(ctx context.Context, tenantID, runID string) (*runstore.Record, error) {
	return r.opts.RunStore.Get(ctx, tenantID, runID)
}

func (r *Runner) track(ctx context.Context, inner *engine.Run) *Run {
	run := &Run{
		ID:       inner.ID,
		TenantID: inner.TenantID,
		AgentID:  inner.AgentID,
		inner:    inner,
		events:   make(chan core.Event, r.opts.EventBufferSize),
	}

	r.mu.Lock()
	r.activeRuns[run.ID] = run
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.activeRuns, run.ID)
			r.mu.Unlock()

			close(run.events)
		}()

		r.processEvents(context.WithoutCancel(ctx), run)
	}()

	return run
}

// processEvents forwards the engine stream to the caller, publishes every
// event to the sinks and records the terminal state.
func (r *Runner) processEvents(ctx context.Context, run *Run) {
	for ev := range run.inner.Events() {
		for _, sink := range r.opts.Sinks {
			if err := sink.Publish(ctx, ev); err != nil {
				r.opts.Logger.Warn("runner.sink.publish_failed", "run_id", run.ID, "error", err.Error())
			}
		}

		if ev.IsTerminal() {
			out, err := run.inner.Result()
			r.record(ctx, run.ID, runstore.Update{State: run.inner.State(), Output: outputOf(ev, out), Err: err})
		}

		run.events <- ev
	}
}

func outputOf(ev core.Event, out core.Output) *core.Output {
	if ev.Kind != core.EventCompleted {
		return nil
	}

	return &out
}

func (r *Runner) record(ctx context.Context, runID string, u runstore.Update) {
	if _, err := r.opts.RunStore.Transition(ctx, runID, u); err != nil && !errors.Is(err, runstore.ErrNotFound) {
		r.opts.Logger.Warn("runner.runstore.update_failed", "run_id", runID, "state", u.State, "error", err.Error())
	}
}

// warningNode emits resolution warnings (dropped knowledge sources) at the
// start of the root node.
type warningNode struct {
	core.Node
	warnings []string
}

func (n *warningNode) Execute(rc *core.RunContext, input string) (core.Output, error) {
	for _, w := range n.warnings {
		if err := rc.EmitEvent(core.NewWarningEvent(n.Name(), w)); err != nil {
			return core.Output{}, err
		}
	}

	return n.Node.Execute(rc, input)
}
