package agent

import (
	"github.com/hupe1980/agentforge/core"
)

// BaseNode bundles identity shared by all node variants. Embed it in
// concrete nodes and supply an Execute method to satisfy core.Node.
type BaseNode struct {
	name        string
	description string
	kind        core.NodeKind
}

// NewBaseNode constructs a BaseNode.
func NewBaseNode(name string, kind core.NodeKind) BaseNode {
	return BaseNode{name: name, kind: kind}
}

// Name returns the node name used in node paths and event authors.
func (b *BaseNode) Name() string { return b.name }

// Kind returns the node topology.
func (b *BaseNode) Kind() core.NodeKind { return b.kind }

// Description returns a human readable description of the node.
func (b *BaseNode) Description() string { return b.description }

// SetDescription updates the node's description.
func (b *BaseNode) SetDescription(desc string) { b.description = desc }

// FindNode performs a depth-first search for a node named name in the tree
// rooted at root. Composite nodes expose their children via Children.
func FindNode(root core.Node, name string) core.Node {
	if root == nil {
		return nil
	}

	if root.Name() == name {
		return root
	}

	if p, ok := root.(interface{ Children() []core.Node }); ok {
		for _, child := range p.Children() {
			if found := FindNode(child, name); found != nil {
				return found
			}
		}
	}

	return nil
}
