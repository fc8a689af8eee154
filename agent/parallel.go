package agent

import (
	"strings"
	"sync"

	"github.com/hupe1980/agentforge/core"
)

// Parallel executes child nodes concurrently, each on its own branch tagged
// "parent.child". It waits for every started branch. If any branch fails,
// the first failure is reported after all branches finished; siblings are
// not cancelled.
//
// On success Output.Data maps each child name to its text and Output.Text
// joins the child texts by newline in declared order.
type Parallel struct {
	BaseNode
	children []core.Node
}

// NewParallel creates a new parallel execution coordinator.
func NewParallel(name string, children ...core.Node) *Parallel {
	return &Parallel{
		BaseNode: NewBaseNode(name, core.NodeKindParallel),
		children: children,
	}
}

// Children returns the child nodes in declared order.
func (p *Parallel) Children() []core.Node { return append([]core.Node(nil), p.children...) }

// branchContext clones rc for child with a hierarchical branch tag.
func (p *Parallel) branchContext(rc *core.RunContext, child core.Node) *core.RunContext {
	return rc.WithBranch(buildBranchPath(rc.Branch, p.Name()+"."+child.Name()))
}

// Execute implements core.Node.
func (p *Parallel) Execute(rc *core.RunContext, input string) (core.Output, error) {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		firstEr error
	)

	outputs := make([]core.Output, len(p.children))

	for i, child := range p.children {
		wg.Add(1)

		go func(idx int, c core.Node) {
			defer wg.Done()

			out, err := p.branchContext(rc, c).RunChild(c, input)
			if err != nil {
				mu.Lock()
				if firstEr == nil {
					firstEr = err
				}
				mu.Unlock()

				return
			}

			outputs[idx] = out
		}(i, child)
	}

	wg.Wait()

	if firstEr != nil {
		if err := rc.Err(); err != nil {
			return core.Output{}, err
		}

		// The failing branch keeps its kind and path as the origin.
		err := core.Errorf(core.KindOf(firstEr), "parallel execution failed: %w", firstEr)
		err.NodePath = core.PathOf(firstEr)

		return core.Output{}, err
	}

	agg := core.Output{Data: make(map[string]any, len(p.children))}
	texts := make([]string, 0, len(p.children))

	for i, child := range p.children {
		agg = agg.Merge(outputs[i])
		agg.Data[child.Name()] = outputs[i].Text
		texts = append(texts, outputs[i].Text)
	}

	agg.Text = strings.Join(texts, "\n")

	return agg, nil
}
