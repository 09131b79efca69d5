package compositor

import (
	"strings"
	"testing"

	"github.com/anselm-vey/roost/internal/vterm"
)

func blankScreen(rows, cols int) vterm.Screen {
	grid := make([][]vterm.Cell, rows)
	for r := range grid {
		grid[r] = make([]vterm.Cell, cols)
		for c := range grid[r] {
			grid[r][c] = vterm.Cell{Rune: ' '}
		}
	}
	return vterm.Screen{Rows: rows, Cols: cols, Grid: grid, CursorVisible: true}
}

func badgeLayer(name string, z int) Layer {
	cells := [][]LayerCell{
		{{Cell: vterm.Cell{Rune: 'H', Attrs: vterm.Attrs{Bold: true}}, Opaque: true},
			{Cell: vterm.Cell{Rune: 'I'}, Opaque: true}},
	}
	return Layer{Name: name, Anchor: TopRight, RowOffset: 0, ColOffset: 0, Rows: 1, Cols: 2, Z: z, Cells: cells}
}

func TestSetLayerRejectsMismatchedDimensions(t *testing.T) {
	c := New()
	l := badgeLayer("bad", 0)
	l.Rows = 2
	if err := c.SetLayer(l); err == nil {
		t.Fatal("expected error for mismatched row count")
	}
}

func TestComposeOverlaysOpaqueCellsOnly(t *testing.T) {
	c := New()
	if err := c.SetLayer(badgeLayer("badge", 1)); err != nil {
		t.Fatalf("SetLayer: %v", err)
	}
	base := blankScreen(3, 10)
	out := string(c.Compose(base))
	// Bold "H" then plain "I": the SGR change sits between the two runes.
	if !strings.Contains(out, "\x1b[1mH\x1b[22mI") {
		t.Fatalf("expected composed output to contain layer text, got %q", out)
	}
}

func TestPaintLayerSkipsTransparentCells(t *testing.T) {
	c := New()
	l := Layer{
		Name: "partial", Anchor: TopLeft, Rows: 1, Cols: 3, Z: 0,
		Cells: [][]LayerCell{
			{
				{Cell: vterm.Cell{Rune: 'A'}, Opaque: true},
				{Opaque: false},
				{Cell: vterm.Cell{Rune: 'C'}, Opaque: true},
			},
		},
	}
	if err := c.SetLayer(l); err != nil {
		t.Fatalf("SetLayer: %v", err)
	}
	base := blankScreen(3, 10)
	out := string(c.PaintLayer(base, "partial"))
	if strings.Count(out, "\x1b[") < 2 {
		t.Fatalf("expected two separate cursor-position escapes for the split run, got %q", out)
	}
	if !strings.Contains(out, "A") || !strings.Contains(out, "C") {
		t.Fatalf("expected both opaque cells rendered, got %q", out)
	}
}

func TestClearLayerRestoresBaseAndRemovesLayer(t *testing.T) {
	c := New()
	if err := c.SetLayer(badgeLayer("badge", 0)); err != nil {
		t.Fatalf("SetLayer: %v", err)
	}
	base := blankScreen(3, 10)
	base.Grid[0][8] = vterm.Cell{Rune: 'x'}
	base.Grid[0][9] = vterm.Cell{Rune: 'y'}

	out := string(c.ClearLayer(base, "badge"))
	if !strings.Contains(out, "xy") {
		t.Fatalf("expected clear to restore base cells, got %q", out)
	}
	if len(c.Layers()) != 0 {
		t.Fatal("expected ClearLayer to remove the layer")
	}
}

func TestAnchorResolution(t *testing.T) {
	cases := []struct {
		anchor       Anchor
		wantRow, wantCol int
	}{
		{TopLeft, 0, 0},
		{TopRight, 0, 8},
		{BottomLeft, 2, 0},
		{BottomRight, 2, 8},
	}
	for _, tc := range cases {
		l := Layer{Anchor: tc.anchor, Rows: 1, Cols: 2}
		row, col := origin(l, 3, 10)
		if row != tc.wantRow || col != tc.wantCol {
			t.Fatalf("anchor %v: expected (%d,%d), got (%d,%d)", tc.anchor, tc.wantRow, tc.wantCol, row, col)
		}
	}
}
