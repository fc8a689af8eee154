package agent

import (
	"fmt"

	"github.com/hupe1980/agentforge/core"
)

// DefaultStopKey is the output data field a loop body sets to true to end the
// loop early.
const DefaultStopKey = "stop"

// BoundedLoop executes its body repeatedly, at most Max times. Each iteration
// is announced with a node_transition event (1-based iteration) and receives
// the previous iteration's output text as input. The loop ends early only when
// the body reports the stop sentinel; reaching the cap is a success.
type BoundedLoop struct {
	BaseNode
	body    core.Node
	max     int
	stopKey string
}

// LoopOption defines a configuration function for customizing BoundedLoop behavior.
type LoopOption func(*BoundedLoop)

// WithStopKey sets the output data field used as stop sentinel.
func WithStopKey(key string) LoopOption {
	return func(l *BoundedLoop) {
		if key != "" {
			l.stopKey = key
		}
	}
}

// NewBoundedLoop constructs a looping coordinator around body.
func NewBoundedLoop(name string, body core.Node, max int, opts ...LoopOption) *BoundedLoop {
	l := &BoundedLoop{
		BaseNode: NewBaseNode(name, core.NodeKindLoop),
		body:     body,
		max:      max,
		stopKey:  DefaultStopKey,
	}

	for _, o := range opts {
		o(l)
	}

	return l
}

// Children returns the loop body.
func (l *BoundedLoop) Children() []core.Node { return []core.Node{l.body} }

// Max returns the iteration cap.
func (l *BoundedLoop) Max() int { return l.max }

// Execute implements core.Node.
func (l *BoundedLoop) Execute(rc *core.RunContext, input string) (core.Output, error) {
	var (
		acc  core.Output
		next = input
	)

	for i := 1; i <= l.max; i++ {
		if err := rc.Err(); err != nil {
			return acc, err
		}

		ev := core.NewEvent(rc.RunID, core.EventNodeTransition, l.Name())
		ev.Iteration = i
		ev.From = l.Name()
		ev.To = l.body.Name()

		if err := rc.EmitEvent(ev); err != nil {
			return acc, err
		}

		out, err := rc.RunChild(l.body, next)
		if err != nil {
			return acc, fmt.Errorf("loop iteration %d failed for agent %s: %w", i, l.body.Name(), err)
		}

		acc = acc.Merge(out)
		acc.Text = out.Text
		acc.Data = out.Data
		next = out.Text

		if stop, ok := out.Data[l.stopKey].(bool); ok && stop {
			rc.LogDebug("agent.loop.stopped", "agent", l.Name(), "iteration", i)
			break
		}
	}

	return acc, nil
}
