package branches

// Hierarchy is an immutable arena of branches keyed by id with precomputed child links
type Hierarchy struct {
	nodes    map[int64]Branch
	children map[int64][]int64
}

// NewHierarchy builds a hierarchy from a snapshot of branch rows.
// Parent links to branches missing from the snapshot are kept as orphans.
func NewHierarchy(snapshot []Branch) *Hierarchy {
	h := &Hierarchy{
		nodes:    make(map[int64]Branch, len(snapshot)),
		children: make(map[int64][]int64),
	}

	for _, b := range snapshot {
		h.nodes[b.ID] = b
	}

	for _, b := range snapshot {
		if b.ParentBranchID == nil || *b.ParentBranchID == b.ID {
			continue
		}
		parent := *b.ParentBranchID
		h.children[parent] = append(h.children[parent], b.ID)
	}

	return h
}

// Len returns the number of branches in the hierarchy
func (h *Hierarchy) Len() int {
	return len(h.nodes)
}

// Get returns the branch with the given id
func (h *Hierarchy) Get(id int64) (Branch, bool) {
	b, ok := h.nodes[id]
	return b, ok
}

// DescendantIDs returns the branch itself plus every transitive child.
// An unknown id yields an empty set.
func (h *Hierarchy) DescendantIDs(id int64) IDSet {
	if _, ok := h.nodes[id]; !ok {
		return IDSet{}
	}

	visited := IDSet{id: {}}
	queue := []int64{id}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, child := range h.children[current] {
			if visited.Contains(child) {
				continue
			}
			visited[child] = struct{}{}
			queue = append(queue, child)
		}
	}

	return visited
}

// IsDescendantOf reports whether candidate is ancestor or one of its descendants
func (h *Hierarchy) IsDescendantOf(candidate, ancestor int64) bool {
	return h.DescendantIDs(ancestor).Contains(candidate)
}

// Ancestors returns the parent chain of id, nearest first, stopping at the root,
// at a missing parent, or when a cycle is detected
func (h *Hierarchy) Ancestors(id int64) []int64 {
	var chain []int64
	seen := IDSet{id: {}}

	node, ok := h.nodes[id]
	for ok && node.ParentBranchID != nil {
		parent := *node.ParentBranchID
		if seen.Contains(parent) {
			break
		}
		seen[parent] = struct{}{}
		node, ok = h.nodes[parent]
		if !ok {
			break
		}
		chain = append(chain, parent)
	}

	return chain
}

// WouldCycle reports whether setting parent as the parent of id would introduce a cycle
func (h *Hierarchy) WouldCycle(id, parent int64) bool {
	if id == parent {
		return true
	}
	return h.IsDescendantOf(parent, id)
}
