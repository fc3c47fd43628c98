package partition

import (
	"fmt"

	"github.com/gilchrisn/feature-sankey-service/pkg/featureset"
)

// Len returns the number of nodes
func (t *Tree) Len() int { return len(t.nodes) }

// Root returns a copy of the root node
func (t *Tree) Root() Node {
	return t.nodes[RootID].copy()
}

// Node returns a copy of the node with the given id
func (t *Tree) Node(id string) (Node, bool) {
	n, ok := t.nodes[id]
	if !ok {
		return Node{}, false
	}
	return n.copy(), true
}

// Children returns copies of the node's children in order
func (t *Tree) Children(id string) ([]Node, error) {
	n, ok := t.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	out := make([]Node, 0, len(n.Children))
	for _, cid := range n.Children {
		out = append(out, t.nodes[cid].copy())
	}
	return out, nil
}

// Walk visits the subtree rooted at id in pre-order, children in stored
// order. Returning false from fn skips that node's descendants.
func (t *Tree) Walk(id string, fn func(n Node) bool) error {
	start, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}

	stack := []*Node{start}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !fn(n.copy()) {
			continue
		}
		for i := len(n.Children) - 1; i >= 0; i-- {
			if child, ok := t.nodes[n.Children[i]]; ok {
				stack = append(stack, child)
			}
		}
	}
	return nil
}

// Leaves returns the leaf nodes in pre-order
func (t *Tree) Leaves() []Node {
	var leaves []Node
	t.Walk(RootID, func(n Node) bool {
		if n.IsLeaf() {
			leaves = append(leaves, n)
		}
		return true
	})
	return leaves
}

// Clone returns an independent copy. Memberships are immutable and shared.
func (t *Tree) Clone() *Tree {
	nodes := make(map[string]*Node, len(t.nodes))
	for id, n := range t.nodes {
		c := n.copy()
		nodes[id] = &c
	}
	return &Tree{nodes: nodes, stageSeq: t.stageSeq}
}

// Check verifies the structural invariants: parent links agree, every child
// owns a subset of its parent's features and siblings are pairwise disjoint.
func (t *Tree) Check() error {
	root, ok := t.nodes[RootID]
	if !ok {
		return fmt.Errorf("%w: root missing", ErrNodeNotFound)
	}
	if root.ParentID != "" {
		return fmt.Errorf("root has parent %q", root.ParentID)
	}

	reached := 0
	var visit func(n *Node) error
	visit = func(n *Node) error {
		reached++
		siblings := make([][]int, 0, len(n.Children))

		for _, cid := range n.Children {
			child, ok := t.nodes[cid]
			if !ok {
				return fmt.Errorf("%w: child %s of %s", ErrNodeNotFound, cid, n.ID)
			}
			if child.ParentID != n.ID {
				return fmt.Errorf("node %s lists child %s whose parent is %s", n.ID, cid, child.ParentID)
			}
			if child.Depth != n.Depth+1 {
				return fmt.Errorf("node %s has depth %d under parent depth %d", cid, child.Depth, n.Depth)
			}
			siblings = append(siblings, child.FeatureIDs)
		}
		if !featureset.Disjoint(siblings...) {
			return fmt.Errorf("children of %s overlap", n.ID)
		}
		covered := featureset.Union(siblings...)
		if kept := featureset.Intersect(covered, n.FeatureIDs); len(kept) != len(covered) {
			stray := featureset.Difference(covered, n.FeatureIDs)
			return fmt.Errorf("children of %s own features missing from the parent: %v", n.ID, stray)
		}

		for _, cid := range n.Children {
			if err := visit(t.nodes[cid]); err != nil {
				return err
			}
		}
		return nil
	}

	if err := visit(root); err != nil {
		return err
	}
	if reached != len(t.nodes) {
		return fmt.Errorf("%d nodes unreachable from root", len(t.nodes)-reached)
	}
	return nil
}

func (n *Node) copy() Node {
	c := *n
	c.FeatureIDs = cloneInts(n.FeatureIDs)
	c.Thresholds = cloneFloats(n.Thresholds)
	c.Percentiles = cloneFloats(n.Percentiles)
	if n.Children != nil {
		c.Children = append([]string(nil), n.Children...)
	}
	if n.Defaults != nil {
		d := *n.Defaults
		d.Thresholds = cloneFloats(n.Defaults.Thresholds)
		d.Percentiles = cloneFloats(n.Defaults.Percentiles)
		c.Defaults = &d
	}
	return c
}
