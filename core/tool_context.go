package core

import "context"

// ToolContext is what a tool sees of the LeafCall invoking it: the run
// identity, a logger scoped to the function call and, for sub-agent tools,
// the RunContext needed to execute nested nodes.
type ToolContext struct {
	rc     *RunContext
	callID string

	*logScope
}

// NewToolContext binds a tool invocation identified by callID to rc.
func NewToolContext(rc *RunContext, callID string) *ToolContext {
	return &ToolContext{
		rc:       rc,
		callID:   callID,
		logScope: newLogScope(rc.Logger(), "fc_id", callID),
	}
}

func (tc *ToolContext) Context() context.Context { return tc.rc.Context }
func (tc *ToolContext) RunID() string            { return tc.rc.RunID }
func (tc *ToolContext) TenantID() string         { return tc.rc.TenantID }
func (tc *ToolContext) NodePath() string         { return tc.rc.NodePath }
func (tc *ToolContext) FunctionCallID() string   { return tc.callID }

// RunContext returns the invoking node's run context.
func (tc *ToolContext) RunContext() *RunContext { return tc.rc }

// EmitEvent forwards ev into the run's event stream.
func (tc *ToolContext) EmitEvent(ev Event) error { return tc.rc.EmitEvent(ev) }
