// Package partition implements the Sankey partition tree: a hierarchy of
// mutually exclusive feature groups built by intersecting a node's features
// with externally supplied candidate groups.
//
// The tree is an arena keyed by node id. Children are id lists, so there are
// no pointer cycles and Clone is a flat copy. A Tree is not safe for
// concurrent mutation; owners serialise writes (see pkg/session).
package partition

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/gilchrisn/feature-sankey-service/pkg/featureset"
	"github.com/gilchrisn/feature-sankey-service/pkg/models"
)

// RootID is the id of the node owning the whole universe
const RootID = "root"

var (
	ErrNodeNotFound       = errors.New("partition: node not found")
	ErrAlreadySplit       = errors.New("partition: node already has a stage")
	ErrNotSplit           = errors.New("partition: node has no stage")
	ErrInvalidStage       = errors.New("partition: invalid stage config")
	ErrInvalidThresholds  = errors.New("partition: thresholds must be finite and strictly ascending")
	ErrGroupMismatch      = errors.New("partition: group count does not match stage")
	ErrThresholdCount     = errors.New("partition: threshold count differs from existing stage")
	ErrPatternSplit       = errors.New("partition: pattern stages have no thresholds")
	ErrMembershipRequired = errors.New("partition: membership required to redistribute children")
	ErrMetricMismatch     = errors.New("partition: metric differs from existing stage")
)

// Defaults are thresholds recorded on an unsplit node, used when a stage is
// added later.
type Defaults struct {
	Metric      string    `json:"metric,omitempty"`
	Thresholds  []float64 `json:"thresholds"`
	Percentiles []float64 `json:"percentiles,omitempty"`
}

// Node is one group of the partition
type Node struct {
	ID          string           `json:"id"`
	ParentID    string           `json:"parentId,omitempty"`
	Depth       int              `json:"depth"`
	FeatureIDs  []int            `json:"featureIds"`
	Metric      string           `json:"metric,omitempty"`
	Mode        models.SplitMode `json:"mode,omitempty"`
	Thresholds  []float64        `json:"thresholds,omitempty"`
	Percentiles []float64        `json:"percentiles,omitempty"`
	Children    []string         `json:"children"`
	RangeLabel  string           `json:"rangeLabel,omitempty"`
	Bucket      int              `json:"bucket"`
	Defaults    *Defaults        `json:"defaults,omitempty"`

	membership Membership
}

// IsLeaf reports whether the node has no children
func (n Node) IsLeaf() bool { return len(n.Children) == 0 }

// Size is the number of features the node owns
func (n Node) Size() int { return len(n.FeatureIDs) }

// ThresholdUpdate carries a committed threshold edit
type ThresholdUpdate struct {
	Metric      string
	Thresholds  []float64
	Percentiles []float64
}

// Tree is the partition of a fixed universe
type Tree struct {
	nodes    map[string]*Node
	stageSeq int
}

// New creates a tree whose unsplit root owns the whole universe
func New(universe []int) *Tree {
	return &Tree{
		nodes: map[string]*Node{
			RootID: {ID: RootID, FeatureIDs: featureset.Sorted(universe)},
		},
	}
}

// Reset discards every stage and re-roots the tree on a new universe. The
// stage sequence carries over so ids from before the reset are not reused.
func (t *Tree) Reset(universe []int) {
	seq := t.stageSeq
	*t = *New(universe)
	t.stageSeq = seq
}

// AddStage splits a leaf by intersecting its features with each group, in
// order. Empty intersections produce no child. For range stages the groups
// must be the len(thresholds)+1 buckets in ascending order.
func (t *Tree) AddStage(nodeID string, cfg models.StageConfig, groups []models.FeatureGroup) error {
	n, ok := t.nodes[nodeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	if !n.IsLeaf() {
		return fmt.Errorf("%w: %s", ErrAlreadySplit, nodeID)
	}
	if cfg.Metric == "" {
		return fmt.Errorf("%w: metric is required", ErrInvalidStage)
	}

	mode := cfg.EffectiveMode()
	switch mode {
	case models.SplitRange:
		if len(cfg.Thresholds) == 0 {
			return fmt.Errorf("%w: range stage needs at least one threshold", ErrInvalidThresholds)
		}
		if err := ValidateThresholds(cfg.Thresholds, cfg.Percentiles); err != nil {
			return err
		}
		if len(groups) != len(cfg.Thresholds)+1 {
			return fmt.Errorf("%w: %d thresholds need %d groups, got %d",
				ErrGroupMismatch, len(cfg.Thresholds), len(cfg.Thresholds)+1, len(groups))
		}
	case models.SplitPattern:
		if len(groups) == 0 {
			return fmt.Errorf("%w: pattern stage needs at least one group", ErrGroupMismatch)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidStage, cfg.Mode)
	}

	buckets := intersectGroups(n.FeatureIDs, groups)

	t.stageSeq++
	children := make([]string, 0, len(buckets))
	for b, ids := range buckets {
		if len(ids) == 0 {
			continue
		}
		child := t.newChild(n, b, groups[b].Label, ids)
		children = append(children, child.ID)
	}

	n.Metric = cfg.Metric
	n.Mode = mode
	n.Children = children
	n.membership = GroupBuckets(groups)
	n.Defaults = nil
	if mode == models.SplitRange {
		n.Thresholds = cloneFloats(cfg.Thresholds)
		n.Percentiles = cloneFloats(cfg.Percentiles)
	} else {
		n.Thresholds = nil
		n.Percentiles = nil
	}
	return nil
}

// RemoveStage deletes every descendant of the node and returns it to leaf
// state. The descendants may themselves be split. Removing the stage of a
// leaf is a no-op.
func (t *Tree) RemoveStage(nodeID string) error {
	n, ok := t.nodes[nodeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	if n.IsLeaf() {
		return nil
	}

	stack := append([]string(nil), n.Children...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if child, ok := t.nodes[id]; ok {
			stack = append(stack, child.Children...)
			delete(t.nodes, id)
		}
	}

	n.Children = nil
	n.Metric = ""
	n.Mode = ""
	n.Thresholds = nil
	n.Percentiles = nil
	n.membership = nil
	return nil
}

// UpdateThreshold commits new thresholds for a node.
//
// On an unsplit node the thresholds are recorded as defaults for a later
// AddStage and m may be nil. On a range-split node the features are
// redistributed among the existing children by m, which must bucket by the
// new thresholds: child ids, labels and order survive, a bucket that had no
// child gains one, and split descendants are recomputed from their own
// stored membership. The update is all-or-nothing.
func (t *Tree) UpdateThreshold(nodeID string, upd ThresholdUpdate, m Membership) error {
	n, ok := t.nodes[nodeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	if len(upd.Thresholds) == 0 {
		return fmt.Errorf("%w: no thresholds given", ErrInvalidThresholds)
	}
	if err := ValidateThresholds(upd.Thresholds, upd.Percentiles); err != nil {
		return err
	}

	if n.IsLeaf() {
		metric := upd.Metric
		if metric == "" && n.Defaults != nil {
			metric = n.Defaults.Metric
		}
		n.Defaults = &Defaults{
			Metric:      metric,
			Thresholds:  cloneFloats(upd.Thresholds),
			Percentiles: cloneFloats(upd.Percentiles),
		}
		return nil
	}

	if n.Mode == models.SplitPattern {
		return fmt.Errorf("%w: %s", ErrPatternSplit, nodeID)
	}
	if upd.Metric != "" && upd.Metric != n.Metric {
		return fmt.Errorf("%w: node %s is split on %s, got %s", ErrMetricMismatch, nodeID, n.Metric, upd.Metric)
	}
	if len(upd.Thresholds) != len(n.Thresholds) {
		return fmt.Errorf("%w: have %d, got %d", ErrThresholdCount, len(n.Thresholds), len(upd.Thresholds))
	}
	if m == nil {
		return ErrMembershipRequired
	}
	if m.Buckets() != len(upd.Thresholds)+1 {
		return fmt.Errorf("%w: membership has %d buckets, thresholds need %d",
			ErrGroupMismatch, m.Buckets(), len(upd.Thresholds)+1)
	}

	// Work on a copy so a failure part way leaves t untouched
	next := t.Clone()
	target := next.nodes[nodeID]
	target.Thresholds = cloneFloats(upd.Thresholds)
	target.Percentiles = cloneFloats(upd.Percentiles)
	target.membership = m
	if err := next.redistribute(target); err != nil {
		return err
	}

	*t = *next
	return nil
}

// redistribute reassigns n's features to its children by n's membership and
// recurses into split children.
func (t *Tree) redistribute(n *Node) error {
	if n.membership == nil {
		return fmt.Errorf("%w: %s", ErrMembershipRequired, n.ID)
	}

	buckets := assign(n.FeatureIDs, n.membership)
	byBucket := make(map[int]*Node, len(n.Children))
	for _, id := range n.Children {
		child, ok := t.nodes[id]
		if !ok {
			return fmt.Errorf("%w: child %s of %s", ErrNodeNotFound, id, n.ID)
		}
		byBucket[child.Bucket] = child
	}

	seqBumped := false
	children := make([]string, 0, len(buckets))
	for b, ids := range buckets {
		child, ok := byBucket[b]
		if !ok {
			if len(ids) == 0 {
				continue
			}
			if !seqBumped {
				t.stageSeq++
				seqBumped = true
			}
			child = t.newChild(n, b, models.RangeLabel(n.Thresholds, b), ids)
		} else {
			child.FeatureIDs = ids
			if child.FeatureIDs == nil {
				child.FeatureIDs = []int{}
			}
		}
		children = append(children, child.ID)
	}
	n.Children = children

	for _, id := range children {
		child := t.nodes[id]
		if child.IsLeaf() {
			continue
		}
		if err := t.redistribute(child); err != nil {
			return err
		}
	}
	return nil
}

// intersectGroups returns, per group, the node features the group lists in
// ascending order. A feature listed by several groups stays with the first.
func intersectGroups(features []int, groups []models.FeatureGroup) [][]int {
	claimed := make(featureset.Set, len(features))
	buckets := make([][]int, len(groups))
	for b, g := range groups {
		shared := featureset.Intersect(features, g.FeatureIDs)
		ids := make([]int, 0, len(shared))
		for _, id := range shared {
			if claimed.Contains(id) {
				continue
			}
			claimed[id] = struct{}{}
			ids = append(ids, id)
		}
		sort.Ints(ids)
		buckets[b] = ids
	}
	return buckets
}

func (t *Tree) newChild(parent *Node, bucket int, label string, ids []int) *Node {
	child := &Node{
		ID:         fmt.Sprintf("%s_%d.%d", parent.ID, t.stageSeq, bucket),
		ParentID:   parent.ID,
		Depth:      parent.Depth + 1,
		FeatureIDs: ids,
		RangeLabel: label,
		Bucket:     bucket,
	}
	t.nodes[child.ID] = child
	return child
}

// Preview counts how many of the node's features each bucket of m would hold,
// without touching the tree. The last element counts unmatched features.
func (t *Tree) Preview(nodeID string, m Membership) ([]int, error) {
	n, ok := t.nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}

	counts := make([]int, m.Buckets()+1)
	for _, id := range n.FeatureIDs {
		b, ok := m.Bucket(id)
		if !ok || b < 0 || b >= m.Buckets() {
			counts[len(counts)-1]++
			continue
		}
		counts[b]++
	}
	return counts, nil
}

// ValidateThresholds checks that thresholds are finite and strictly ascending
// and that percentiles, when given, pair up with them.
func ValidateThresholds(thresholds, percentiles []float64) error {
	for i, v := range thresholds {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: threshold %d is %v", ErrInvalidThresholds, i, v)
		}
		if i > 0 && v <= thresholds[i-1] {
			return fmt.Errorf("%w: %v", ErrInvalidThresholds, thresholds)
		}
	}
	if len(percentiles) > 0 && len(percentiles) != len(thresholds) {
		return fmt.Errorf("%w: %d percentiles for %d thresholds", ErrInvalidThresholds, len(percentiles), len(thresholds))
	}
	return nil
}

func cloneFloats(in []float64) []float64 {
	if len(in) == 0 {
		return nil
	}
	out := make([]float64, len(in))
	copy(out, in)
	return out
}

func cloneInts(in []int) []int {
	out := make([]int, len(in))
	copy(out, in)
	return out
}
