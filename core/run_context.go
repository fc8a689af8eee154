package core

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/hupe1980/agentforge/logging"
)

var tracer = otel.Tracer("github.com/hupe1980/agentforge/core")

// NodeObserver is notified around every node execution. Implementations must
// be safe for concurrent use; parallel branches report concurrently.
type NodeObserver interface {
	NodeStarted(rc *RunContext, node Node)
	NodeFinished(rc *RunContext, node Node, out Output, err error, dur time.Duration)
}

// RunContext carries execution state & helpers for one run. It aggregates:
//   - The ambient cancellation Context
//   - Identifiers (RunID, TenantID) and the current node path
//   - The emission channel merged by the engine
//   - The per-run model call limiter
//   - Branch label for parallel execution
//
// A RunContext is cheap to derive: Child, WithBranch and WithContext return
// copies sharing the emission channel, limiter and logger.
type RunContext struct {
	Context  context.Context
	RunID    string
	TenantID string
	NodePath string
	Branch   string
	Emit     chan<- Event
	Limiter  *ModelLimiter
	Observer NodeObserver

	*logScope
}

// NewRunContext constructs the root RunContext of a run.
func NewRunContext(
	ctx context.Context,
	runID, tenantID string,
	maxModelCalls int,
	emit chan<- Event,
	logger logging.Logger,
) *RunContext {
	return &RunContext{
		Context:  ctx,
		RunID:    runID,
		TenantID: tenantID,
		Emit:     emit,
		Limiter:  NewModelLimiter(maxModelCalls),
		logScope: newLogScope(logger),
	}
}

// Done returns a channel closed when the underlying context is cancelled.
func (rc *RunContext) Done() <-chan struct{} { return rc.Context.Done() }

// Err returns the cancellation error (if any) from the underlying context.
func (rc *RunContext) Err() error { return rc.Context.Err() }

// Clone returns a shallow copy.
func (rc *RunContext) Clone() *RunContext {
	c := *rc
	return &c
}

// WithBranch clones the context and sets the Branch label.
func (rc *RunContext) WithBranch(b string) *RunContext {
	c := rc.Clone()
	c.Branch = b

	return c
}

// WithContext clones the run context replacing the ambient context, e.g. to
// apply a per-call timeout.
func (rc *RunContext) WithContext(ctx context.Context) *RunContext {
	c := rc.Clone()
	c.Context = ctx

	return c
}

// Child derives the context for a nested node named name.
func (rc *RunContext) Child(name string) *RunContext {
	c := rc.Clone()
	c.NodePath = JoinPath(rc.NodePath, name)

	return c
}

// JoinPath appends a segment to a node path.
func JoinPath(parent, name string) string {
	if parent == "" {
		return name
	}

	return parent + "/" + name
}

// EmitEvent stamps run, node and branch identifiers onto ev (unless already
// set) and hands it to the engine. It blocks until the engine accepts the
// event or the context is cancelled.
func (rc *RunContext) EmitEvent(ev Event) error {
	if ev.ID == "" {
		ev.ID = NewID()
	}

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	if ev.RunID == "" {
		ev.RunID = rc.RunID
	}

	if ev.NodePath == "" {
		ev.NodePath = rc.NodePath
	}

	if ev.Branch == "" {
		ev.Branch = rc.Branch
	}

	select {
	case <-rc.Context.Done():
		return rc.Context.Err()
	case rc.Emit <- ev:
	}

	return nil
}

// RunChild executes node as a child of the current node. It emits the
// node-scoped started event, runs the node, emits its completed or failed
// event and attaches the node path to any error.
func (rc *RunContext) RunChild(node Node, input string) (Output, error) {
	return rc.runNode(node, input, true)
}

// RunRoot executes the root node of a run. It behaves like RunChild but
// leaves the closing completed or failed event to the engine, which emits it
// as the run's terminal event.
func (rc *RunContext) RunRoot(node Node, input string) (Output, error) {
	return rc.runNode(node, input, false)
}

func (rc *RunContext) runNode(node Node, input string, emitResult bool) (Output, error) {
	child := rc.Child(node.Name())

	ctx, span := tracer.Start(child.Context, "node "+node.Name())
	defer span.End()

	span.SetAttributes(
		attribute.String("agentforge.run_id", rc.RunID),
		attribute.String("agentforge.node_path", child.NodePath),
		attribute.String("agentforge.node_kind", string(node.Kind())),
	)

	child.Context = ctx

	if err := child.Err(); err != nil {
		return Output{}, WrapNodeError(child.NodePath, err)
	}

	started := NewEvent(rc.RunID, EventStarted, node.Name())
	started.Metadata = map[string]string{"node_kind": string(node.Kind())}

	if err := child.EmitEvent(started); err != nil {
		return Output{}, WrapNodeError(child.NodePath, err)
	}

	if rc.Observer != nil {
		rc.Observer.NodeStarted(child, node)
	}

	child.LogDebug("node.execute.start", "run_id", rc.RunID, "node", child.NodePath, "kind", node.Kind())

	start := time.Now()
	out, err := node.Execute(child, input)
	dur := time.Since(start)

	if rc.Observer != nil {
		rc.Observer.NodeFinished(child, node, out, err, dur)
	}

	if err != nil {
		err = WrapNodeError(child.NodePath, err)

		span.RecordError(err)
		span.SetStatus(codes.Error, string(KindOf(err)))

		child.LogDebug("node.execute.failed", "run_id", rc.RunID, "node", child.NodePath, "error", err.Error())

		if emitResult {
			failed := NewFailedEvent(rc.RunID, node.Name(), err)
			failed.NodePath = child.NodePath
			_ = child.EmitEvent(failed)
		}

		return out, err
	}

	child.LogDebug("node.execute.done", "run_id", rc.RunID, "node", child.NodePath, "duration_ms", dur.Milliseconds())

	if emitResult {
		_ = child.EmitEvent(NewCompletedEvent(rc.RunID, node.Name(), out))
	}

	return out, nil
}
