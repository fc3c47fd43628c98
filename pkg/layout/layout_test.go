package layout

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/gilchrisn/feature-sankey-service/pkg/models"
	"github.com/gilchrisn/feature-sankey-service/pkg/partition"
)

func ids(from, to int) []int {
	out := make([]int, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

// sampleTree splits {1..10} into low {1..5} and high {6..9}, dropping 10, then
// splits low into {1,2} and {3,4,5}.
func sampleTree(t *testing.T) *partition.Tree {
	t.Helper()
	tree := partition.New(ids(1, 10))
	err := tree.AddStage(partition.RootID, models.StageConfig{Metric: "scoreA", Mode: models.SplitPattern}, []models.FeatureGroup{
		{Label: "low", FeatureIDs: ids(1, 5)},
		{Label: "high", FeatureIDs: ids(6, 9)},
	})
	if err != nil {
		t.Fatalf("AddStage: %v", err)
	}
	root := tree.Root()
	err = tree.AddStage(root.Children[0], models.StageConfig{Metric: "scoreB", Mode: models.SplitPattern}, []models.FeatureGroup{
		{Label: "b-low", FeatureIDs: ids(1, 2)},
		{Label: "b-high", FeatureIDs: ids(3, 5)},
	})
	if err != nil {
		t.Fatalf("AddStage: %v", err)
	}
	return tree
}

func TestCompile(t *testing.T) {
	tree := sampleTree(t)
	l := Compile(tree)

	if len(l.Nodes) != 5 {
		t.Fatalf("got %d nodes", len(l.Nodes))
	}
	wantLabels := []string{RootLabel, "low", "b-low", "b-high", "high"}
	wantCats := []Category{CategoryRoot, CategorySplit, CategoryLeaf, CategoryLeaf, CategoryLeaf}
	for i, n := range l.Nodes {
		if n.Label != wantLabels[i] {
			t.Errorf("node %d label = %q, want %q", i, n.Label, wantLabels[i])
		}
		if n.Category != wantCats[i] {
			t.Errorf("node %d category = %q, want %q", i, n.Category, wantCats[i])
		}
	}

	t.Run("OneIncomingLinkPerNonRoot", func(t *testing.T) {
		incoming := map[string]int{}
		sizes := map[string]int{}
		for _, n := range l.Nodes {
			sizes[n.ID] = n.Size
		}
		for _, link := range l.Links {
			incoming[link.Target]++
			if link.Value != sizes[link.Target] {
				t.Errorf("link %s->%s weight %d, target size %d", link.Source, link.Target, link.Value, sizes[link.Target])
			}
		}
		for _, n := range l.Nodes {
			want := 1
			if n.ID == partition.RootID {
				want = 0
			}
			if incoming[n.ID] != want {
				t.Errorf("node %s has %d incoming links", n.ID, incoming[n.ID])
			}
		}
	})

	t.Run("DroppedReported", func(t *testing.T) {
		if len(l.Dropped) != 1 {
			t.Fatalf("dropped = %+v", l.Dropped)
		}
		if l.Dropped[0].NodeID != partition.RootID || l.Dropped[0].Count != 1 {
			t.Errorf("dropped = %+v", l.Dropped[0])
		}
	})

	t.Run("Stable", func(t *testing.T) {
		again := Compile(tree)
		for i := range l.Nodes {
			if again.Nodes[i] != l.Nodes[i] {
				t.Fatalf("node order changed at %d", i)
			}
		}
	})
}

func TestCompileSubtree(t *testing.T) {
	tree := sampleTree(t)
	low := tree.Root().Children[0]

	l, err := CompileSubtree(tree, low)
	if err != nil {
		t.Fatalf("CompileSubtree: %v", err)
	}
	if len(l.Nodes) != 3 || len(l.Links) != 2 {
		t.Fatalf("nodes=%d links=%d", len(l.Nodes), len(l.Links))
	}
	if l.Nodes[0].ID != low {
		t.Errorf("first node = %s", l.Nodes[0].ID)
	}
	for _, link := range l.Links {
		if link.Source != low {
			t.Errorf("unexpected link source %s", link.Source)
		}
	}
	if len(l.Dropped) != 0 {
		t.Errorf("dropped = %+v", l.Dropped)
	}

	if _, err := CompileSubtree(tree, "missing"); !errors.Is(err, partition.ErrNodeNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestCompileUnsplitRoot(t *testing.T) {
	l := Compile(partition.New(ids(1, 3)))
	if len(l.Nodes) != 1 || len(l.Links) != 0 {
		t.Fatalf("nodes=%d links=%d", len(l.Nodes), len(l.Links))
	}
	if l.Nodes[0].Category != CategoryRoot || l.Nodes[0].Size != 3 {
		t.Errorf("root = %+v", l.Nodes[0])
	}
}

func TestArrange(t *testing.T) {
	l := Compile(sampleTree(t))
	opts := DefaultOptions()
	g := Arrange(l, opts)

	if len(g.Boxes) != len(l.Nodes) || len(g.Ribbons) != len(l.Links) {
		t.Fatalf("boxes=%d ribbons=%d", len(g.Boxes), len(g.Ribbons))
	}

	byID := map[string]Box{}
	for _, b := range g.Boxes {
		byID[b.ID] = b
		if b.Y < opts.Margin-1e-9 || b.Y+b.H > opts.Height-opts.Margin+1e-9 {
			t.Errorf("box %s outside canvas: y=%v h=%v", b.ID, b.Y, b.H)
		}
	}

	root := byID[partition.RootID]
	if root.X != opts.Margin {
		t.Errorf("root x = %v", root.X)
	}
	// Heights are proportional to size
	for _, b := range g.Boxes {
		if b.Size == 0 {
			continue
		}
		if ratio := b.H / float64(b.Size); abs(ratio-root.H/float64(root.Size)) > 1e-9 {
			t.Errorf("box %s scale %v differs from root", b.ID, ratio)
		}
	}

	// Ribbons from the root stack without overlapping
	var prevEnd float64 = root.Y
	for _, r := range g.Ribbons {
		if r.Source != partition.RootID {
			continue
		}
		if abs(r.SY-prevEnd) > 1e-9 {
			t.Errorf("ribbon %s starts at %v, want %v", r.Target, r.SY, prevEnd)
		}
		prevEnd = r.SY + r.Thickness
	}
	if prevEnd > root.Y+root.H+1e-9 {
		t.Error("ribbons overflow the root box")
	}
}

func TestRenderSVG(t *testing.T) {
	g := Arrange(Compile(sampleTree(t)), DefaultOptions())

	var buf bytes.Buffer
	if err := RenderSVG(&buf, g); err != nil {
		t.Fatalf("RenderSVG: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"<svg", "</svg>", "All features (10)", "b-high (3)", "unmatched"} {
		if !strings.Contains(out, want) {
			t.Errorf("svg missing %q", want)
		}
	}
	if strings.Count(out, "<path") != len(g.Ribbons) {
		t.Errorf("expected %d ribbons", len(g.Ribbons))
	}

	if err := RenderSVG(&buf, Geometry{}); err == nil {
		t.Error("expected error for empty canvas")
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
