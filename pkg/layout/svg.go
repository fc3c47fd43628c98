package layout

import (
	"fmt"
	"io"
	"math"

	svg "github.com/ajstarks/svgo"
)

var categoryFill = map[Category]string{
	CategoryRoot:  "#4e79a7",
	CategorySplit: "#59a14f",
	CategoryLeaf:  "#f28e2b",
}

const (
	colorBackdrop = "#ffffff"
	colorRibbon   = "#9aa5b1"
	colorText     = "#1f2933"
	colorSubtle   = "#52606d"
)

// RenderSVG writes a static snapshot of the geometry
func RenderSVG(w io.Writer, g Geometry) error {
	width, height := int(math.Ceil(g.Width)), int(math.Ceil(g.Height))
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid canvas size %dx%d", width, height)
	}

	canvas := svg.New(w)
	canvas.Start(width, height)
	canvas.Rect(0, 0, width, height, fmt.Sprintf("fill:%s", colorBackdrop))

	for _, r := range g.Ribbons {
		canvas.Path(ribbonPath(r), fmt.Sprintf("fill:%s;fill-opacity:0.45;stroke:none", colorRibbon))
	}

	for _, b := range g.Boxes {
		x, y := int(math.Round(b.X)), int(math.Round(b.Y))
		h := max(int(math.Round(b.H)), 1)
		canvas.Rect(x, y, int(math.Round(b.W)), h,
			fmt.Sprintf("fill:%s;stroke:%s;stroke-width:0.5", categoryFill[b.Category], colorText))
		canvas.Text(x+int(b.W)+4, y+h/2+4, fmt.Sprintf("%s (%d)", truncate(b.Label, 28), b.Size),
			fmt.Sprintf("fill:%s;font-size:11px;font-family:monospace", colorSubtle))
	}

	for i, d := range g.Dropped {
		canvas.Text(8, height-8-14*i, fmt.Sprintf("%s: %d unmatched", d.NodeID, d.Count),
			fmt.Sprintf("fill:%s;font-size:10px;font-family:monospace", colorSubtle))
	}

	canvas.End()
	return nil
}

// ribbonPath is a closed band with cubic edges between source and target
func ribbonPath(r Ribbon) string {
	mid := (r.SX + r.TX) / 2
	return fmt.Sprintf("M%.1f,%.1f C%.1f,%.1f %.1f,%.1f %.1f,%.1f L%.1f,%.1f C%.1f,%.1f %.1f,%.1f %.1f,%.1f Z",
		r.SX, r.SY,
		mid, r.SY, mid, r.TY, r.TX, r.TY,
		r.TX, r.TY+r.Thickness,
		mid, r.TY+r.Thickness, mid, r.SY+r.Thickness, r.SX, r.SY+r.Thickness,
	)
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	if n <= 3 {
		return string(runes[:n])
	}
	return string(runes[:n-3]) + "..."
}
