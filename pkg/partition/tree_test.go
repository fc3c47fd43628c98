package partition

import (
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/gilchrisn/feature-sankey-service/pkg/models"
)

func universe(n int) []int {
	ids := make([]int, n)
	for i := range ids {
		ids[i] = i + 1
	}
	return ids
}

// tenthScores gives feature i the score i/10
func tenthScores(n int) map[int]float64 {
	scores := make(map[int]float64, n)
	for i := 1; i <= n; i++ {
		scores[i] = float64(i) / 10
	}
	return scores
}

// rangeGroups buckets ids by score the way the grouping service does
func rangeGroups(scores map[int]float64, ids []int, thresholds []float64) []models.FeatureGroup {
	m := ScoreBuckets(scores, thresholds)
	buckets := assign(ids, m)
	groups := make([]models.FeatureGroup, len(buckets))
	for b := range buckets {
		groups[b] = models.FeatureGroup{Label: models.RangeLabel(thresholds, b), FeatureIDs: buckets[b]}
	}
	return groups
}

func childIDs(t *testing.T, tree *Tree, id string) []string {
	t.Helper()
	n, ok := tree.Node(id)
	if !ok {
		t.Fatalf("node %s missing", id)
	}
	return n.Children
}

func featuresOf(t *testing.T, tree *Tree, id string) []int {
	t.Helper()
	n, ok := tree.Node(id)
	if !ok {
		t.Fatalf("node %s missing", id)
	}
	return n.FeatureIDs
}

func mustCheck(t *testing.T, tree *Tree) {
	t.Helper()
	if err := tree.Check(); err != nil {
		t.Fatalf("invariant violated: %v", err)
	}
}

func TestNewTree(t *testing.T) {
	tree := New([]int{5, 3, 3, 1})
	root := tree.Root()

	if root.ID != RootID || root.ParentID != "" {
		t.Errorf("unexpected root identity: %+v", root)
	}
	if !reflect.DeepEqual(root.FeatureIDs, []int{1, 3, 5}) {
		t.Errorf("root features = %v", root.FeatureIDs)
	}
	if !root.IsLeaf() || root.Metric != "" {
		t.Error("new root should be an unsplit leaf")
	}
	if tree.Len() != 1 {
		t.Errorf("Len = %d", tree.Len())
	}
}

func TestAddStagePatternGroups(t *testing.T) {
	tree := New(universe(10))
	groups := []models.FeatureGroup{
		{Label: "low", FeatureIDs: []int{1, 2, 3, 4, 5}},
		{Label: "high", FeatureIDs: []int{6, 7, 8, 9, 10}},
	}

	cfg := models.StageConfig{Metric: "scoreA", Mode: models.SplitPattern}
	if err := tree.AddStage(RootID, cfg, groups); err != nil {
		t.Fatalf("AddStage: %v", err)
	}
	mustCheck(t, tree)

	children, _ := tree.Children(RootID)
	if len(children) != 2 {
		t.Fatalf("got %d children", len(children))
	}
	if !reflect.DeepEqual(children[0].FeatureIDs, []int{1, 2, 3, 4, 5}) {
		t.Errorf("low child = %v", children[0].FeatureIDs)
	}
	if !reflect.DeepEqual(children[1].FeatureIDs, []int{6, 7, 8, 9, 10}) {
		t.Errorf("high child = %v", children[1].FeatureIDs)
	}
	if children[0].RangeLabel != "low" || children[1].RangeLabel != "high" {
		t.Errorf("labels = %q, %q", children[0].RangeLabel, children[1].RangeLabel)
	}

	root := tree.Root()
	if root.Metric != "scoreA" || root.Mode != models.SplitPattern || root.Thresholds != nil {
		t.Errorf("root stage not recorded: %+v", root)
	}
}

func TestAddStageRangeScenario(t *testing.T) {
	scores := tenthScores(10)
	tree := New(universe(10))
	thresholds := []float64{0.5}

	cfg := models.StageConfig{Metric: "scoreA", Mode: models.SplitRange, Thresholds: thresholds}
	if err := tree.AddStage(RootID, cfg, rangeGroups(scores, universe(10), thresholds)); err != nil {
		t.Fatalf("AddStage: %v", err)
	}
	mustCheck(t, tree)

	ids := childIDs(t, tree, RootID)
	if len(ids) != 2 {
		t.Fatalf("got %d children", len(ids))
	}
	// The boundary value 0.5 belongs to the upper bucket
	if got := featuresOf(t, tree, ids[0]); !reflect.DeepEqual(got, []int{1, 2, 3, 4}) {
		t.Errorf("lower bucket = %v", got)
	}
	if got := featuresOf(t, tree, ids[1]); !reflect.DeepEqual(got, []int{5, 6, 7, 8, 9, 10}) {
		t.Errorf("upper bucket = %v", got)
	}
}

func TestUpdateThresholdPreservesChildIdentity(t *testing.T) {
	scores := tenthScores(10)
	tree := New(universe(10))

	cfg := models.StageConfig{Metric: "scoreA", Thresholds: []float64{0.5}}
	if err := tree.AddStage(RootID, cfg, rangeGroups(scores, universe(10), cfg.Thresholds)); err != nil {
		t.Fatalf("AddStage: %v", err)
	}
	before := childIDs(t, tree, RootID)
	beforeLen := tree.Len()
	lowLabel := tree.nodes[before[0]].RangeLabel

	upd := ThresholdUpdate{Thresholds: []float64{0.7}}
	if err := tree.UpdateThreshold(RootID, upd, ScoreBuckets(scores, upd.Thresholds)); err != nil {
		t.Fatalf("UpdateThreshold: %v", err)
	}
	mustCheck(t, tree)

	after := childIDs(t, tree, RootID)
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("child ids changed: %v -> %v", before, after)
	}
	if tree.Len() != beforeLen {
		t.Errorf("node count changed: %d -> %d", beforeLen, tree.Len())
	}
	if got := featuresOf(t, tree, after[0]); !reflect.DeepEqual(got, []int{1, 2, 3, 4, 5, 6}) {
		t.Errorf("lower bucket = %v", got)
	}
	if got := featuresOf(t, tree, after[1]); !reflect.DeepEqual(got, []int{7, 8, 9, 10}) {
		t.Errorf("upper bucket = %v", got)
	}
	if tree.nodes[after[0]].RangeLabel != lowLabel {
		t.Errorf("label changed to %q", tree.nodes[after[0]].RangeLabel)
	}
	if root := tree.Root(); !reflect.DeepEqual(root.Thresholds, []float64{0.7}) {
		t.Errorf("root thresholds = %v", root.Thresholds)
	}
}

func TestUpdateThresholdMultipleBuckets(t *testing.T) {
	scores := tenthScores(10)
	ids := universe(10)
	tree := New(ids)
	th := []float64{0.3, 0.6, 0.9}

	if err := tree.AddStage(RootID, models.StageConfig{Metric: "m", Thresholds: th}, rangeGroups(scores, ids, th)); err != nil {
		t.Fatalf("AddStage: %v", err)
	}
	newTh := []float64{0.2, 0.4, 0.8}
	if err := tree.UpdateThreshold(RootID, ThresholdUpdate{Thresholds: newTh}, ScoreBuckets(scores, newTh)); err != nil {
		t.Fatalf("UpdateThreshold: %v", err)
	}
	mustCheck(t, tree)

	want := [][]int{{1}, {2, 3}, {4, 5, 6, 7}, {8, 9, 10}}
	for i, id := range childIDs(t, tree, RootID) {
		if got := featuresOf(t, tree, id); !reflect.DeepEqual(got, want[i]) {
			t.Errorf("bucket %d = %v, want %v", i, got, want[i])
		}
	}
}

func TestUpdateThresholdMaterialisesEmptyBucket(t *testing.T) {
	scores := tenthScores(10)
	ids := universe(10)
	tree := New(ids)
	// Nothing scores below 0.05, so bucket 0 starts without a child
	th := []float64{0.05}
	if err := tree.AddStage(RootID, models.StageConfig{Metric: "m", Thresholds: th}, rangeGroups(scores, ids, th)); err != nil {
		t.Fatalf("AddStage: %v", err)
	}
	before := childIDs(t, tree, RootID)
	if len(before) != 1 {
		t.Fatalf("expected the empty bucket to be omitted, got %v", before)
	}

	newTh := []float64{0.35}
	if err := tree.UpdateThreshold(RootID, ThresholdUpdate{Thresholds: newTh}, ScoreBuckets(scores, newTh)); err != nil {
		t.Fatalf("UpdateThreshold: %v", err)
	}
	mustCheck(t, tree)

	after := childIDs(t, tree, RootID)
	if len(after) != 2 {
		t.Fatalf("got %d children", len(after))
	}
	if after[1] != before[0] {
		t.Errorf("existing child lost identity: %v -> %v", before, after)
	}
	if got := featuresOf(t, tree, after[0]); !reflect.DeepEqual(got, []int{1, 2, 3}) {
		t.Errorf("new bucket = %v", got)
	}
	for _, id := range before {
		if id == after[0] {
			t.Errorf("new child reused id %s", id)
		}
	}
}

func TestUpdateThresholdCascades(t *testing.T) {
	scoresA := tenthScores(10)
	// scoreB ranks features in reverse
	scoresB := make(map[int]float64)
	for i := 1; i <= 10; i++ {
		scoresB[i] = float64(11-i) / 10
	}

	ids := universe(10)
	tree := New(ids)
	thA := []float64{0.5}
	if err := tree.AddStage(RootID, models.StageConfig{Metric: "a", Thresholds: thA}, rangeGroups(scoresA, ids, thA)); err != nil {
		t.Fatalf("AddStage root: %v", err)
	}
	upper := childIDs(t, tree, RootID)[1]

	thB := []float64{0.3}
	if err := tree.AddStage(upper, models.StageConfig{Metric: "b", Thresholds: thB}, rangeGroups(scoresB, ids, thB)); err != nil {
		t.Fatalf("AddStage child: %v", err)
	}
	grandchildren := childIDs(t, tree, upper)

	// Moving the root threshold down pulls 3 and 4 into the upper child; the
	// grandchildren must be recomputed from the stored scoreB grouping
	newTh := []float64{0.3}
	if err := tree.UpdateThreshold(RootID, ThresholdUpdate{Thresholds: newTh}, ScoreBuckets(scoresA, newTh)); err != nil {
		t.Fatalf("UpdateThreshold: %v", err)
	}
	mustCheck(t, tree)

	if got := featuresOf(t, tree, upper); !reflect.DeepEqual(got, []int{3, 4, 5, 6, 7, 8, 9, 10}) {
		t.Errorf("upper = %v", got)
	}
	if !reflect.DeepEqual(childIDs(t, tree, upper), grandchildren) {
		t.Errorf("grandchild ids changed")
	}
	// scoreB < 0.3 means features 9 and 10
	if got := featuresOf(t, tree, grandchildren[0]); !reflect.DeepEqual(got, []int{9, 10}) {
		t.Errorf("grandchild low = %v", got)
	}
	if got := featuresOf(t, tree, grandchildren[1]); !reflect.DeepEqual(got, []int{3, 4, 5, 6, 7, 8}) {
		t.Errorf("grandchild high = %v", got)
	}
}

func TestUpdateThresholdOnLeafRecordsDefaults(t *testing.T) {
	tree := New(universe(4))
	upd := ThresholdUpdate{Metric: "m", Thresholds: []float64{0.2, 0.4}, Percentiles: []float64{0.25, 0.5}}
	if err := tree.UpdateThreshold(RootID, upd, nil); err != nil {
		t.Fatalf("UpdateThreshold: %v", err)
	}

	root := tree.Root()
	if !root.IsLeaf() || root.Metric != "" {
		t.Error("recording defaults must not split the node")
	}
	if root.Defaults == nil || root.Defaults.Metric != "m" || !reflect.DeepEqual(root.Defaults.Thresholds, upd.Thresholds) {
		t.Errorf("defaults = %+v", root.Defaults)
	}
}

func TestRemoveStage(t *testing.T) {
	scores := tenthScores(10)
	ids := universe(10)
	tree := New(ids)
	th := []float64{0.5}
	tree.AddStage(RootID, models.StageConfig{Metric: "a", Thresholds: th}, rangeGroups(scores, ids, th))
	first := childIDs(t, tree, RootID)[0]
	tree.AddStage(first, models.StageConfig{Metric: "a", Thresholds: []float64{0.2}}, rangeGroups(scores, ids, []float64{0.2}))

	t.Run("CascadesThroughSplitChildren", func(t *testing.T) {
		if err := tree.RemoveStage(RootID); err != nil {
			t.Fatalf("RemoveStage: %v", err)
		}
		root := tree.Root()
		if !root.IsLeaf() || root.Metric != "" || root.Thresholds != nil {
			t.Errorf("root not reset: %+v", root)
		}
		if tree.Len() != 1 {
			t.Errorf("Len = %d after removing every stage", tree.Len())
		}
		if !reflect.DeepEqual(root.FeatureIDs, ids) {
			t.Error("root features changed")
		}
		mustCheck(t, tree)
	})

	t.Run("IdempotentOnLeaf", func(t *testing.T) {
		before := tree.Clone()
		if err := tree.RemoveStage(RootID); err != nil {
			t.Fatalf("second RemoveStage: %v", err)
		}
		if !reflect.DeepEqual(before.nodes[RootID], tree.nodes[RootID]) || before.Len() != tree.Len() {
			t.Error("second RemoveStage changed state")
		}
	})

	t.Run("NewStageAfterRemoveUsesFreshIDs", func(t *testing.T) {
		if err := tree.AddStage(RootID, models.StageConfig{Metric: "a", Thresholds: th}, rangeGroups(scores, ids, th)); err != nil {
			t.Fatalf("AddStage: %v", err)
		}
		for _, id := range childIDs(t, tree, RootID) {
			if id == first {
				t.Errorf("id %s reused", id)
			}
		}
	})
}

func TestOperationErrors(t *testing.T) {
	scores := tenthScores(10)
	ids := universe(10)
	newSplit := func() *Tree {
		tree := New(ids)
		th := []float64{0.5}
		if err := tree.AddStage(RootID, models.StageConfig{Metric: "a", Thresholds: th}, rangeGroups(scores, ids, th)); err != nil {
			t.Fatalf("AddStage: %v", err)
		}
		return tree
	}
	patternCfg := models.StageConfig{Metric: "p", Mode: models.SplitPattern}
	oneGroup := []models.FeatureGroup{{Label: "all", FeatureIDs: ids}}

	cases := []struct {
		name string
		run  func(tree *Tree) error
		want error
	}{
		{"AddStageUnknownNode", func(tree *Tree) error {
			return tree.AddStage("nope", patternCfg, oneGroup)
		}, ErrNodeNotFound},
		{"AddStageOnSplitNode", func(tree *Tree) error {
			return tree.AddStage(RootID, patternCfg, oneGroup)
		}, ErrAlreadySplit},
		{"AddStageWrongGroupCount", func(tree *Tree) error {
			leaf := tree.Leaves()[0].ID
			return tree.AddStage(leaf, models.StageConfig{Metric: "a", Thresholds: []float64{0.1, 0.2}}, oneGroup)
		}, ErrGroupMismatch},
		{"AddStageDescendingThresholds", func(tree *Tree) error {
			leaf := tree.Leaves()[0].ID
			return tree.AddStage(leaf, models.StageConfig{Metric: "a", Thresholds: []float64{0.3, 0.2}}, append(oneGroup, oneGroup...))
		}, ErrInvalidThresholds},
		{"AddStageMissingMetric", func(tree *Tree) error {
			leaf := tree.Leaves()[0].ID
			return tree.AddStage(leaf, models.StageConfig{Mode: models.SplitPattern}, oneGroup)
		}, ErrInvalidStage},
		{"UpdateWrongCount", func(tree *Tree) error {
			th := []float64{0.2, 0.4}
			return tree.UpdateThreshold(RootID, ThresholdUpdate{Thresholds: th}, ScoreBuckets(scores, th))
		}, ErrThresholdCount},
		{"UpdateWrongMetric", func(tree *Tree) error {
			th := []float64{0.4}
			return tree.UpdateThreshold(RootID, ThresholdUpdate{Metric: "b", Thresholds: th}, ScoreBuckets(scores, th))
		}, ErrMetricMismatch},
		{"UpdateWithoutMembership", func(tree *Tree) error {
			return tree.UpdateThreshold(RootID, ThresholdUpdate{Thresholds: []float64{0.4}}, nil)
		}, ErrMembershipRequired},
		{"UpdateNaN", func(tree *Tree) error {
			return tree.UpdateThreshold(RootID, ThresholdUpdate{Thresholds: []float64{math.NaN()}}, nil)
		}, ErrInvalidThresholds},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tree := newSplit()
			before := tree.Clone()
			err := tc.run(tree)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
			if !reflect.DeepEqual(before.nodes, tree.nodes) {
				t.Error("failed operation mutated the tree")
			}
		})
	}

	t.Run("UpdatePatternStage", func(t *testing.T) {
		tree := New(ids)
		tree.AddStage(RootID, patternCfg, oneGroup)
		err := tree.UpdateThreshold(RootID, ThresholdUpdate{Thresholds: []float64{0.5}}, ScoreBuckets(scores, []float64{0.5}))
		if !errors.Is(err, ErrPatternSplit) {
			t.Errorf("err = %v, want ErrPatternSplit", err)
		}
	})
}

func TestOverlappingGroupsFirstMatchWins(t *testing.T) {
	tree := New(universe(6))
	groups := []models.FeatureGroup{
		{Label: "a", FeatureIDs: []int{1, 2, 3, 4}},
		{Label: "b", FeatureIDs: []int{3, 4, 5}},
		{Label: "c", FeatureIDs: []int{99}},
	}
	if err := tree.AddStage(RootID, models.StageConfig{Metric: "p", Mode: models.SplitPattern}, groups); err != nil {
		t.Fatalf("AddStage: %v", err)
	}
	mustCheck(t, tree)

	children, _ := tree.Children(RootID)
	// Group c intersects to nothing and is omitted; feature 6 matches no group
	if len(children) != 2 {
		t.Fatalf("got %d children", len(children))
	}
	if !reflect.DeepEqual(children[1].FeatureIDs, []int{5}) {
		t.Errorf("second child = %v", children[1].FeatureIDs)
	}
	lost := tree.Root().Size() - children[0].Size() - children[1].Size()
	if lost != 1 {
		t.Errorf("lost = %d, want 1", lost)
	}
}

func TestAddStageIntersectsUnorderedGroups(t *testing.T) {
	tree := New([]int{2, 4, 6, 8})
	groups := []models.FeatureGroup{
		// Groups come from the whole universe, unordered and with repeats
		{Label: "low", FeatureIDs: []int{9, 6, 1, 2, 6, 7}},
		{Label: "high", FeatureIDs: []int{8, 5, 4, 3, 2}},
	}
	if err := tree.AddStage(RootID, models.StageConfig{Metric: "p", Mode: models.SplitPattern}, groups); err != nil {
		t.Fatalf("AddStage: %v", err)
	}
	mustCheck(t, tree)

	children, _ := tree.Children(RootID)
	if len(children) != 2 {
		t.Fatalf("got %d children", len(children))
	}
	if !reflect.DeepEqual(children[0].FeatureIDs, []int{2, 6}) {
		t.Errorf("first child = %v", children[0].FeatureIDs)
	}
	if !reflect.DeepEqual(children[1].FeatureIDs, []int{4, 8}) {
		t.Errorf("second child = %v", children[1].FeatureIDs)
	}
}

func TestCheckRejectsStrayFeatures(t *testing.T) {
	tree := New(universe(4))
	th := []float64{0.25}
	scores := tenthScores(4)
	if err := tree.AddStage(RootID, models.StageConfig{Metric: "a", Thresholds: th}, rangeGroups(scores, universe(4), th)); err != nil {
		t.Fatalf("AddStage: %v", err)
	}
	mustCheck(t, tree)

	first := childIDs(t, tree, RootID)[0]
	tree.nodes[first].FeatureIDs = append(tree.nodes[first].FeatureIDs, 42)
	if err := tree.Check(); err == nil {
		t.Error("feature outside the parent not reported")
	}
}

func TestPreviewDoesNotMutate(t *testing.T) {
	scores := tenthScores(10)
	ids := universe(10)
	tree := New(ids)
	th := []float64{0.5}
	tree.AddStage(RootID, models.StageConfig{Metric: "a", Thresholds: th}, rangeGroups(scores, ids, th))
	before := tree.Clone()

	delete(scores, 10)
	counts, err := tree.Preview(RootID, ScoreBuckets(scores, []float64{0.25, 0.75}))
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if !reflect.DeepEqual(counts, []int{2, 5, 2, 1}) {
		t.Errorf("counts = %v", counts)
	}
	if !reflect.DeepEqual(before.nodes, tree.nodes) {
		t.Error("Preview mutated the tree")
	}
}

func TestWalkOrder(t *testing.T) {
	ids := universe(4)
	tree := New(ids)
	tree.AddStage(RootID, models.StageConfig{Metric: "p", Mode: models.SplitPattern}, []models.FeatureGroup{
		{Label: "x", FeatureIDs: []int{1, 2}},
		{Label: "y", FeatureIDs: []int{3, 4}},
	})
	x := childIDs(t, tree, RootID)[0]
	tree.AddStage(x, models.StageConfig{Metric: "p", Mode: models.SplitPattern}, []models.FeatureGroup{
		{Label: "x1", FeatureIDs: []int{1}},
		{Label: "x2", FeatureIDs: []int{2}},
	})

	var labels []string
	tree.Walk(RootID, func(n Node) bool {
		labels = append(labels, n.RangeLabel)
		return true
	})
	if !reflect.DeepEqual(labels, []string{"", "x", "x1", "x2", "y"}) {
		t.Errorf("pre-order = %v", labels)
	}

	leaves := tree.Leaves()
	if len(leaves) != 3 {
		t.Errorf("got %d leaves", len(leaves))
	}
}
