package agent

// buildBranchPath composes a hierarchical branch tag for a parallel child.
// If parent is empty it returns child; otherwise parent + "." + child.
func buildBranchPath(parent, child string) string {
	if parent == "" {
		return child
	}

	if child == "" {
		return parent
	}

	return parent + "." + child
}
