package runner

import (
	"github.com/hupe1980/agentforge/core"
	"github.com/hupe1980/agentforge/engine"
)

// Run is a run started by the Runner. Its event stream mirrors the engine
// stream after sinks and the run store have seen each event.
type Run struct {
	ID       string
	TenantID string
	AgentID  string

	inner  *engine.Run
	events chan core.Event
}

// Events returns the event stream; it is closed after the terminal event.
func (r *Run) Events() <-chan core.Event { return r.events }

// Cancel requests cancellation.
func (r *Run) Cancel() { r.inner.Cancel() }

// State returns the run's lifecycle state.
func (r *Run) State() core.RunState { return r.inner.State() }

// Wait blocks until the run finished. Events must be drained concurrently.
func (r *Run) Wait() (core.Output, error) { return r.inner.Wait() }
