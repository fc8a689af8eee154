package agent

import (
	"fmt"

	"github.com/hupe1980/agentforge/core"
)

// Sequence executes child nodes one after another. Each child receives the
// previous child's output text as input; the first receives the sequence
// input. Execution stops at the first failure and later children never
// start.
type Sequence struct {
	BaseNode
	children []core.Node
}

// NewSequence creates a new sequential execution coordinator.
func NewSequence(name string, children ...core.Node) *Sequence {
	return &Sequence{
		BaseNode: NewBaseNode(name, core.NodeKindSequence),
		children: children,
	}
}

// Children returns the child nodes in execution order.
func (s *Sequence) Children() []core.Node { return append([]core.Node(nil), s.children...) }

// Execute implements core.Node.
func (s *Sequence) Execute(rc *core.RunContext, input string) (core.Output, error) {
	var (
		acc  core.Output
		next = input
	)

	for _, child := range s.children {
		out, err := rc.RunChild(child, next)
		if err != nil {
			return acc, fmt.Errorf("sequential execution failed at agent %s: %w", child.Name(), err)
		}

		acc = acc.Merge(out)
		acc.Text = out.Text
		acc.Data = out.Data
		next = out.Text
	}

	return acc, nil
}
