package engine

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/go-json-experiment/json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/hupe1980/agentforge/core"
	"github.com/hupe1980/agentforge/logging"
)

var tracer = otel.Tracer("github.com/hupe1980/agentforge/engine")

// Config defines tuning parameters for the Engine's operational behavior.
type Config struct {
	// EventBufferSize sets the buffer of the merged event channel and of the
	// outbound stream handed to callers.
	EventBufferSize int

	// GracePeriod bounds how long a cancelled run may take to unwind before
	// the engine closes its stream with a Cancelled terminal event anyway.
	GracePeriod time.Duration

	// MaxModelCalls caps model invocations per run (0 = unlimited).
	MaxModelCalls int
}

// DefaultConfig provides the default configuration values.
var DefaultConfig = Config{
	EventBufferSize: 100,
	GracePeriod:     5 * time.Second,
}

// Options configures an Engine instance using the functional options pattern.
type Options struct {
	Config Config

	// Hooks observe runs, nodes and events. They are invoked synchronously.
	Hooks []Hook

	// ArtifactStore, when set, receives the final output of every completed
	// run under runs/<runID>/output.json, scoped by tenant.
	ArtifactStore core.ArtifactStore

	Logger logging.Logger
}

// RunInfo identifies a run handed to Execute. An empty RunID is replaced by a
// generated one.
type RunInfo struct {
	RunID    string
	TenantID string
	AgentID  string
}

// Engine executes built node trees. Each call to Execute starts one run with
// its own state machine, event funnel and cancellation scope. The engine is
// safe for concurrent use.
type Engine struct {
	config        Config
	hooks         hookChain
	artifactStore core.ArtifactStore
	logger        logging.Logger

	activeRuns map[string]*Run
	mu         sync.RWMutex
}

// New creates an Engine.
func New(optFns ...func(o *Options)) *Engine {
	opts := Options{
		Config: DefaultConfig,
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Config.EventBufferSize <= 0 {
		opts.Config.EventBufferSize = DefaultConfig.EventBufferSize
	}

	if opts.Config.GracePeriod <= 0 {
		opts.Config.GracePeriod = DefaultConfig.GracePeriod
	}

	return &Engine{
		config:        opts.Config,
		hooks:         hookChain(opts.Hooks),
		artifactStore: opts.ArtifactStore,
		logger:        opts.Logger,
		activeRuns:    make(map[string]*Run),
	}
}

// Execute starts node as the root of a new run and returns immediately. The
// returned Run streams the run's events; the stream always ends with exactly
// one terminal event (Final set) and is then closed. Callers must drain
// Events until it is closed.
func (e *Engine) Execute(ctx context.Context, node core.Node, input string, info RunInfo) *Run {
	if info.RunID == "" {
		info.RunID = core.NewID()
	}

	runCtx, cancel := context.WithCancel(ctx)

	emit := make(chan core.Event, e.config.EventBufferSize)

	run := newRun(info, cancel, e.config.EventBufferSize)

	rc := core.NewRunContext(runCtx, info.RunID, info.TenantID, e.config.MaxModelCalls, emit, e.logger)
	rc.Observer = e.hooks

	e.mu.Lock()
	e.activeRuns[run.ID] = run
	e.mu.Unlock()

	go e.execute(rc, run, node, input, emit)

	return run
}

// Cancel stops the active run with the given ID. It returns false when no such
// run is active.
func (e *Engine) Cancel(runID string) bool {
	e.mu.RLock()
	run, ok := e.activeRuns[runID]
	e.mu.RUnlock()

	if !ok {
		return false
	}

	run.Cancel()

	return true
}

// ActiveRun returns the active run with the given ID.
func (e *Engine) ActiveRun(runID string) (*Run, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	run, ok := e.activeRuns[runID]

	return run, ok
}

// ActiveRuns returns the number of runs that have not finished yet.
func (e *Engine) ActiveRuns() int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return len(e.activeRuns)
}

type nodeResult struct {
	out core.Output
	err error
}

// execute drives one run: it starts the root node, funnels every emitted
// event into the outbound stream and closes the stream with the terminal
// event.
func (e *Engine) execute(rc *core.RunContext, run *Run, node core.Node, input string, emit chan core.Event) {
	defer run.cancel()

	ctx, span := tracer.Start(rc.Context, "engine.run")
	defer span.End()

	span.SetAttributes(
		attribute.String("agentforge.run_id", run.ID),
		attribute.String("agentforge.tenant_id", run.TenantID),
		attribute.String("agentforge.agent_id", run.AgentID),
	)

	rc = rc.WithContext(ctx)

	run.transition(core.RunRunning)
	e.hooks.OnRunStarted(run)

	e.logger.Info("engine.run.start", "run_id", run.ID, "tenant_id", run.TenantID, "agent_id", run.AgentID, "node", node.Name())

	done := make(chan nodeResult, 1)

	go func() {
		out, err := rc.RunRoot(node, input)
		done <- nodeResult{out: out, err: err}
	}()

	var (
		seq      int64
		cancelCh = rc.Done()
		grace    <-chan time.Time
		res      nodeResult
	)

	forward := func(ev core.Event) {
		seq++
		ev.Seq = seq

		e.hooks.OnEvent(run, ev)
		run.events <- ev
	}

loop:
	for {
		select {
		case ev := <-emit:
			forward(ev)
		case res = <-done:
			// the root has returned, so every emission has already been
			// buffered; flush them before the terminal event
			for {
				select {
				case ev := <-emit:
					forward(ev)
				default:
					break loop
				}
			}
		case <-cancelCh:
			cancelCh = nil

			timer := time.NewTimer(e.config.GracePeriod)
			defer timer.Stop()

			grace = timer.C
		case <-grace:
			e.logger.Warn("engine.run.grace_expired", "run_id", run.ID, "grace_period", e.config.GracePeriod.String())

			res = nodeResult{err: core.WrapNodeError(node.Name(), rc.Err())}

			// keep the abandoned node unblocked until it unwinds
			go func() {
				for {
					select {
					case <-emit:
					case <-done:
						return
					}
				}
			}()

			break loop
		}
	}

	terminal, state := e.terminalEvent(rc, node, res)

	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, string(terminal.ErrorKind))
	}

	run.finish(state, res.out, terminalError(terminal, res.err))
	forward(terminal)

	if state == core.RunCompleted {
		e.archive(rc, run, res.out)
	}

	e.hooks.OnRunFinished(run)

	e.logger.Info("engine.run.done", "run_id", run.ID, "state", state, "duration_ms", run.Duration().Milliseconds())

	e.mu.Lock()
	delete(e.activeRuns, run.ID)
	e.mu.Unlock()

	close(run.events)
	close(run.done)
}

// terminalEvent builds the single Final event that closes the stream. An
// error observed while the run context is cancelled is reported as Cancelled.
func (e *Engine) terminalEvent(rc *core.RunContext, node core.Node, res nodeResult) (core.Event, core.RunState) {
	if res.err == nil {
		ev := core.NewCompletedEvent(rc.RunID, node.Name(), res.out)
		ev.NodePath = node.Name()
		ev.Final = true

		return ev, core.RunCompleted
	}

	if rc.Err() != nil {
		ev := core.NewFailedEvent(rc.RunID, node.Name(), res.err)
		ev.ErrorKind = core.KindCancelled
		ev.ErrorMessage = "run cancelled"

		if ev.NodePath == "" {
			ev.NodePath = node.Name()
		}

		ev.Final = true

		return ev, core.RunCancelled
	}

	ev := core.NewFailedEvent(rc.RunID, node.Name(), res.err)
	if ev.NodePath == "" {
		ev.NodePath = node.Name()
	}

	ev.Final = true

	return ev, core.RunFailed
}

// terminalError returns the error a finished run reports from Wait. It
// always carries the kind and path of the terminal event.
func terminalError(ev core.Event, err error) error {
	if err == nil {
		return nil
	}

	if core.KindOf(err) == ev.ErrorKind {
		return err
	}

	return &core.Error{Kind: ev.ErrorKind, NodePath: ev.NodePath, Message: ev.ErrorMessage, Err: err}
}

// ArtifactName is the artifact id under which a completed run's output is
// archived.
func ArtifactName(runID string) string {
	return path.Join("runs", runID, "output.json")
}

func (e *Engine) archive(rc *core.RunContext, run *Run, out core.Output) {
	if e.artifactStore == nil {
		return
	}

	data, err := json.Marshal(out)
	if err != nil {
		e.logger.Error("engine.archive.encode_failed", "run_id", run.ID, "error", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(rc.Context), 30*time.Second)
	defer cancel()

	if err := e.artifactStore.Save(ctx, run.TenantID, ArtifactName(run.ID), data); err != nil {
		e.logger.Error("engine.archive.failed", "run_id", run.ID, "error", fmt.Errorf("save output: %w", err).Error())
		return
	}

	e.logger.Debug("engine.archive.saved", "run_id", run.ID, "bytes", len(data))
}
