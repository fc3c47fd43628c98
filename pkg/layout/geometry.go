package layout

import "math"

// Options controls Arrange
type Options struct {
	Width       float64
	Height      float64
	NodeWidth   float64
	NodePadding float64
	Margin      float64
}

// DefaultOptions suits a 960x540 snapshot
func DefaultOptions() Options {
	return Options{Width: 960, Height: 540, NodeWidth: 18, NodePadding: 12, Margin: 24}
}

// Box is a positioned node
type Box struct {
	Node
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Ribbon is a positioned link. SY and TY are the ribbon's top edge at the
// source and target; Thickness is its height.
type Ribbon struct {
	Link
	SX        float64 `json:"sx"`
	SY        float64 `json:"sy"`
	TX        float64 `json:"tx"`
	TY        float64 `json:"ty"`
	Thickness float64 `json:"thickness"`
}

// Geometry is a laid-out Sankey
type Geometry struct {
	Width   float64   `json:"width"`
	Height  float64   `json:"height"`
	Boxes   []Box     `json:"boxes"`
	Ribbons []Ribbon  `json:"ribbons"`
	Dropped []Dropped `json:"dropped,omitempty"`
}

// Arrange places one column per depth. Node heights share a single scale,
// chosen so the fullest column fits; a node's outgoing ribbons stack from its
// top in child order, so a node with dropped features keeps the gap at its
// bottom.
func Arrange(l Layout, opts Options) Geometry {
	g := Geometry{Width: opts.Width, Height: opts.Height, Dropped: l.Dropped}
	if len(l.Nodes) == 0 {
		return g
	}

	minDepth, maxDepth := l.Nodes[0].Depth, l.Nodes[0].Depth
	for _, n := range l.Nodes {
		minDepth = min(minDepth, n.Depth)
		maxDepth = max(maxDepth, n.Depth)
	}

	columns := make(map[int][]int)
	for i, n := range l.Nodes {
		columns[n.Depth] = append(columns[n.Depth], i)
	}

	innerH := opts.Height - 2*opts.Margin
	scale := math.Inf(1)
	for _, idx := range columns {
		total := 0
		for _, i := range idx {
			total += l.Nodes[i].Size
		}
		if total == 0 {
			continue
		}
		avail := innerH - opts.NodePadding*float64(len(idx)-1)
		scale = math.Min(scale, avail/float64(total))
	}
	if math.IsInf(scale, 1) || scale < 0 {
		scale = 0
	}

	step := 0.0
	if maxDepth > minDepth {
		step = (opts.Width - 2*opts.Margin - opts.NodeWidth) / float64(maxDepth-minDepth)
	}

	g.Boxes = make([]Box, len(l.Nodes))
	pos := make(map[string]int, len(l.Nodes))
	for depth, idx := range columns {
		y := opts.Margin
		for _, i := range idx {
			n := l.Nodes[i]
			h := float64(n.Size) * scale
			g.Boxes[i] = Box{
				Node: n,
				X:    opts.Margin + float64(depth-minDepth)*step,
				Y:    y,
				W:    opts.NodeWidth,
				H:    h,
			}
			pos[n.ID] = i
			y += h + opts.NodePadding
		}
	}

	outOffset := make(map[string]float64, len(l.Nodes))
	g.Ribbons = make([]Ribbon, 0, len(l.Links))
	for _, link := range l.Links {
		src, ok := pos[link.Source]
		if !ok {
			continue
		}
		dst, ok := pos[link.Target]
		if !ok {
			continue
		}
		s, t := g.Boxes[src], g.Boxes[dst]
		thickness := float64(link.Value) * scale
		g.Ribbons = append(g.Ribbons, Ribbon{
			Link:      link,
			SX:        s.X + s.W,
			SY:        s.Y + outOffset[link.Source],
			TX:        t.X,
			TY:        t.Y,
			Thickness: thickness,
		})
		outOffset[link.Source] += thickness
	}
	return g
}
