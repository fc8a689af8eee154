// Package runstore records the status of runs so that they can be queried
// after (or while) they execute: GET /v1/runs/{id}, tasks/get and the CLI.
package runstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/agentforge/core"
	"github.com/hupe1980/agentforge/internal/metrics"
)

var (
	// ErrNotFound is returned for unknown runs and for runs owned by another
	// tenant.
	ErrNotFound = errors.New("run not found")
	// ErrExists is returned by Create for a duplicate run id.
	ErrExists = errors.New("run already exists")
	// ErrInvalidTransition is returned when a state change violates the run
	// state machine.
	ErrInvalidTransition = errors.New("invalid run state transition")
)

// Record is the persisted status of a run.
type Record struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	AgentID      string         `json:"agent_id,omitempty"`
	State        core.RunState  `json:"state"`
	Output       *core.Output   `json:"output,omitempty"`
	ErrorKind    core.ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	NodePath     string         `json:"node_path,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Clone returns a deep enough copy for callers to mutate.
func (r *Record) Clone() *Record {
	cp := *r

	if r.Output != nil {
		out := *r.Output
		cp.Output = &out
	}

	return &cp
}

// Update describes a state change applied by Transition.
type Update struct {
	State  core.RunState
	Output *core.Output
	Err    error
}

func (u Update) apply(rec *Record, now time.Time) error {
	if !core.CanTransition(rec.State, u.State) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.State, u.State)
	}

	rec.State = u.State
	rec.UpdatedAt = now

	if u.Output != nil {
		out := *u.Output
		rec.Output = &out
	}

	if u.Err != nil {
		rec.ErrorKind = core.KindOf(u.Err)
		rec.ErrorMessage = u.Err.Error()
		rec.NodePath = core.PathOf(u.Err)
	}

	return nil
}

// Store persists run records. Implementations must be safe for concurrent
// use.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Transition(ctx context.Context, runID string, u Update) (*Record, error)
	Get(ctx context.Context, tenantID, runID string) (*Record, error)
}

func observe(op string, err error) {
	result := "success"

	switch {
	case errors.Is(err, ErrNotFound):
		result = "not_found"
	case err != nil:
		result = "error"
	}

	metrics.RunStoreOperations.WithLabelValues(op, result).Inc()
}
