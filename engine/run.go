package engine

import (
	"context"
	"sync"
	"time"

	"github.com/hupe1980/agentforge/core"
)

// Run is the handle of one execution started by Engine.Execute.
type Run struct {
	ID       string
	TenantID string
	AgentID  string

	events chan core.Event
	done   chan struct{}
	cancel context.CancelFunc

	mu         sync.RWMutex
	state      core.RunState
	output     core.Output
	err        error
	startedAt  time.Time
	finishedAt time.Time
}

func newRun(info RunInfo, cancel context.CancelFunc, buffer int) *Run {
	return &Run{
		ID:        info.RunID,
		TenantID:  info.TenantID,
		AgentID:   info.AgentID,
		events:    make(chan core.Event, buffer),
		done:      make(chan struct{}),
		cancel:    cancel,
		state:     core.RunPending,
		startedAt: time.Now(),
	}
}

// Events returns the run's event stream. It is closed after the terminal
// event.
func (r *Run) Events() <-chan core.Event { return r.events }

// Done is closed once the run has finished and its stream is closed.
func (r *Run) Done() <-chan struct{} { return r.done }

// Cancel requests cancellation. It is safe to call multiple times and after
// the run finished.
func (r *Run) Cancel() { r.cancel() }

// State returns the current lifecycle state.
func (r *Run) State() core.RunState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.state
}

// Duration returns how long the run has been (or was) executing.
func (r *Run) Duration() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.finishedAt.IsZero() {
		return time.Since(r.startedAt)
	}

	return r.finishedAt.Sub(r.startedAt)
}

// Wait blocks until the run has finished and returns its output or error.
// The event stream must be drained concurrently.
func (r *Run) Wait() (core.Output, error) {
	<-r.done
	return r.Result()
}

// Result returns the output and error recorded so far without blocking.
func (r *Run) Result() (core.Output, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.output, r.err
}

func (r *Run) transition(to core.RunState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !core.CanTransition(r.state, to) {
		return false
	}

	r.state = to

	return true
}

func (r *Run) finish(state core.RunState, out core.Output, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !core.CanTransition(r.state, state) {
		return
	}

	r.state = state
	r.output = out
	r.err = err
	r.finishedAt = time.Now()
}

// Failed returns an already finished run whose stream holds a single failed
// terminal event for err. It represents runs that fail before execution
// starts, e.g. during resolution or build.
func Failed(info RunInfo, err error) *Run {
	if info.RunID == "" {
		info.RunID = core.NewID()
	}

	run := newRun(info, func() {}, 1)

	ev := core.NewFailedEvent(info.RunID, info.AgentID, err)
	ev.Seq = 1
	ev.Final = true

	run.finish(core.RunFailed, core.Output{}, err)
	run.events <- ev

	close(run.events)
	close(run.done)

	return run
}
