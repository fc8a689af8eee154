package core

import "maps"

// NodeKind identifies the topology of an executable node.
type NodeKind string

const (
	NodeKindLeaf     NodeKind = "leaf"
	NodeKindSequence NodeKind = "sequence"
	NodeKindParallel NodeKind = "parallel"
	NodeKindLoop     NodeKind = "loop"
	NodeKindWorkflow NodeKind = "workflow"
	NodeKindTask     NodeKind = "task"
	NodeKindRemote   NodeKind = "remote"
)

// Output is the result of executing a node.
type Output struct {
	Text       string               `json:"text"`
	Data       map[string]any       `json:"data,omitempty"`
	Usage      TokenUsage           `json:"usage"`
	References []RetrievalReference `json:"references,omitempty"`
}

// Merge folds usage and references of o into a copy of out; text and data of
// out are kept.
func (out Output) Merge(o Output) Output {
	res := out
	res.Usage = out.Usage.Add(o.Usage)
	res.References = append(append([]RetrievalReference{}, out.References...), o.References...)

	if out.Data != nil {
		res.Data = maps.Clone(out.Data)
	}

	return res
}

// Node is an executable unit built from an AgentDefinition. Implementations
// emit intermediate events through rc and return their output; node-scoped
// started/completed/failed events are emitted by RunContext.RunChild.
// Execute must honor cancellation of rc.Context at every suspension point.
type Node interface {
	Name() string
	Kind() NodeKind
	Execute(rc *RunContext, input string) (Output, error)
}
