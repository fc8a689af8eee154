package core

import "sync/atomic"

// ModelLimiter caps the model calls of one run. Every LeafCall of the run,
// including parallel branches, draws from the same limiter.
type ModelLimiter struct {
	max   int64
	calls atomic.Int64
}

// NewModelLimiter returns a limiter allowing max calls; 0 means unlimited.
func NewModelLimiter(max int) *ModelLimiter {
	return &ModelLimiter{max: int64(max)}
}

// Increment records a call. Calls beyond the cap are still counted and fail
// with a NodeExecutionFailure.
func (ml *ModelLimiter) Increment() error {
	n := ml.calls.Add(1)
	if ml.max > 0 && n > ml.max {
		return Errorf(KindNodeExecutionFailure, "model call budget of %d exhausted", ml.max)
	}

	return nil
}

// Count returns the number of recorded calls.
func (ml *ModelLimiter) Count() int { return int(ml.calls.Load()) }

// Remaining returns the calls left before the cap, or -1 when unlimited.
func (ml *ModelLimiter) Remaining() int {
	if ml.max == 0 {
		return -1
	}

	return int(max(ml.max-ml.calls.Load(), 0))
}
