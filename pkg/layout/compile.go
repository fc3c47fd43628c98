// Package layout flattens a partition tree into the node and link lists a
// layered Sankey layout consumes, and optionally assigns simple column
// geometry for static snapshots.
package layout

import (
	"github.com/gilchrisn/feature-sankey-service/pkg/partition"
)

// Category classifies a node for rendering
type Category string

const (
	CategoryRoot  Category = "root"
	CategorySplit Category = "split"
	CategoryLeaf  Category = "leaf"
)

// RootLabel is the label of the tree root
const RootLabel = "All features"

// Node is one Sankey node
type Node struct {
	ID       string   `json:"id" yaml:"id"`
	ParentID string   `json:"parentId,omitempty" yaml:"parentId,omitempty"`
	Depth    int      `json:"depth" yaml:"depth"`
	Size     int      `json:"size" yaml:"size"`
	Label    string   `json:"label" yaml:"label"`
	Metric   string   `json:"metric,omitempty" yaml:"metric,omitempty"`
	Category Category `json:"category" yaml:"category"`
}

// Link carries a child's features from its parent
type Link struct {
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
	Value  int    `json:"value" yaml:"value"`
}

// Dropped records features of a split node that no child received because
// they matched none of the stage's groups. This is a valid outcome.
type Dropped struct {
	NodeID string `json:"nodeId" yaml:"nodeId"`
	Count  int    `json:"count" yaml:"count"`
}

// Layout is the flat Sankey input
type Layout struct {
	Nodes   []Node    `json:"nodes" yaml:"nodes"`
	Links   []Link    `json:"links" yaml:"links"`
	Dropped []Dropped `json:"dropped,omitempty" yaml:"dropped,omitempty"`
}

// Compile flattens the whole tree
func Compile(t *partition.Tree) Layout {
	l, _ := CompileSubtree(t, partition.RootID)
	return l
}

// CompileSubtree flattens the subtree rooted at id. Nodes come in pre-order
// with children in stored order, so the output is stable across calls. The
// subtree root has no incoming link.
func CompileSubtree(t *partition.Tree, id string) (Layout, error) {
	l := Layout{Nodes: []Node{}, Links: []Link{}}

	err := t.Walk(id, func(n partition.Node) bool {
		l.Nodes = append(l.Nodes, Node{
			ID:       n.ID,
			ParentID: n.ParentID,
			Depth:    n.Depth,
			Size:     n.Size(),
			Label:    label(n),
			Metric:   n.Metric,
			Category: category(n),
		})
		if n.ID != id {
			l.Links = append(l.Links, Link{Source: n.ParentID, Target: n.ID, Value: n.Size()})
		}

		if !n.IsLeaf() {
			children, _ := t.Children(n.ID)
			sum := 0
			for _, c := range children {
				sum += c.Size()
			}
			if lost := n.Size() - sum; lost > 0 {
				l.Dropped = append(l.Dropped, Dropped{NodeID: n.ID, Count: lost})
			}
		}
		return true
	})
	if err != nil {
		return Layout{}, err
	}
	return l, nil
}

func label(n partition.Node) string {
	if n.ID == partition.RootID {
		return RootLabel
	}
	return n.RangeLabel
}

func category(n partition.Node) Category {
	switch {
	case n.ID == partition.RootID:
		return CategoryRoot
	case n.IsLeaf():
		return CategoryLeaf
	default:
		return CategorySplit
	}
}
