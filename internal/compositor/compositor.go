// Package compositor implements the Compositor (L4): overlay rectangular
// layers above a base Screen, emitting the minimum escape sequence needed
// to paint or clear a named layer atomically.
//
// No single reference file implements multi-layer overlay compositing —
// the reference draws exactly one PTY grid per client. This package is
// built from two reference conventions instead: the cursor-save/
// position-restore sequence in internal/egg/vterm.go's Snapshot()
// ("\x1b[%d;%dH" 1-based positioning after a render) and the minimal-SGR
// idea already implemented for internal/vterm's keyframe/delta rendering,
// which this package reuses directly (vterm.DiffSGR/vterm.SGREscape)
// rather than re-deriving SGR diffing independently.
package compositor

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/anselm-vey/roost/internal/rerr"
	"github.com/anselm-vey/roost/internal/vterm"
)

// Anchor is the screen corner a Layer's offset is measured from.
type Anchor int

const (
	TopLeft Anchor = iota
	TopRight
	BottomLeft
	BottomRight
)

// LayerCell is one cell of a Layer's buffer. Opaque false means
// transparent: the base screen (or a lower layer) shows through.
type LayerCell struct {
	Cell   vterm.Cell
	Opaque bool
}

// Layer is one named rectangular overlay.
type Layer struct {
	Name       string
	Anchor     Anchor
	RowOffset  int
	ColOffset  int
	Rows, Cols int
	Z          int
	Cells      [][]LayerCell // Rows x Cols, row-major
}

// Compositor holds the current set of layers for one instance's screen.
// It does not own the base Screen; every render call takes one, since the
// base belongs to the Virtual Terminal (L1), not the Compositor.
type Compositor struct {
	mu     sync.Mutex
	layers map[string]Layer
}

// New constructs an empty Compositor.
func New() *Compositor {
	return &Compositor{layers: make(map[string]Layer)}
}

// SetLayer adds or replaces a named layer.
func (c *Compositor) SetLayer(l Layer) error {
	if l.Name == "" {
		return rerr.New(rerr.KindInvalidArgument, "layer name must not be empty")
	}
	if l.Rows <= 0 || l.Cols <= 0 {
		return rerr.New(rerr.KindInvalidArgument, "layer dimensions must be positive")
	}
	if len(l.Cells) != l.Rows {
		return rerr.New(rerr.KindInvalidArgument, "layer cell buffer row count must match Rows")
	}
	for _, row := range l.Cells {
		if len(row) != l.Cols {
			return rerr.New(rerr.KindInvalidArgument, "layer cell buffer col count must match Cols")
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.layers[l.Name] = l
	return nil
}

// RemoveLayer drops a named layer. Idempotent.
func (c *Compositor) RemoveLayer(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.layers, name)
}

// Layers returns a snapshot of the current layers in ascending z-order.
func (c *Compositor) Layers() []Layer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Layer, 0, len(c.layers))
	for _, l := range c.layers {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Z < out[j].Z })
	return out
}

// origin resolves a layer's absolute (row, col) top-left in screen
// coordinates (0-based) given the screen dimensions.
func origin(l Layer, screenRows, screenCols int) (row0, col0 int) {
	switch l.Anchor {
	case TopRight:
		return l.RowOffset, screenCols - l.Cols - l.ColOffset
	case BottomLeft:
		return screenRows - l.Rows - l.RowOffset, l.ColOffset
	case BottomRight:
		return screenRows - l.Rows - l.RowOffset, screenCols - l.Cols - l.ColOffset
	default: // TopLeft
		return l.RowOffset, l.ColOffset
	}
}

// Compose renders a full repaint: the base screen with every layer
// painted over it in ascending z-order, as one minimal-SGR escape stream
// (spec.md §4.4's "Full compose" mode).
func (c *Compositor) Compose(base vterm.Screen) []byte {
	layers := c.Layers()

	grid := make([][]vterm.Cell, base.Rows)
	for r := 0; r < base.Rows; r++ {
		grid[r] = append([]vterm.Cell(nil), base.Grid[r]...)
	}

	for _, l := range layers {
		row0, col0 := origin(l, base.Rows, base.Cols)
		for lr := 0; lr < l.Rows; lr++ {
			r := row0 + lr
			if r < 0 || r >= base.Rows {
				continue
			}
			for lc := 0; lc < l.Cols; lc++ {
				cell := l.Cells[lr][lc]
				if !cell.Opaque {
					continue
				}
				cc := col0 + lc
				if cc < 0 || cc >= base.Cols {
					continue
				}
				grid[r][cc] = cell.Cell
			}
		}
	}

	var buf strings.Builder
	buf.WriteString("\x1b[0m\x1b[H")
	active := vterm.Attrs{}
	for r := 0; r < base.Rows; r++ {
		if r > 0 {
			buf.WriteString("\r\n")
		}
		for c := 0; c < base.Cols; c++ {
			cell := grid[r][c]
			if params := vterm.DiffSGR(active, cell.Attrs); params != nil {
				buf.WriteString(vterm.SGREscape(params))
				active = cell.Attrs
			}
			if cell.Rune == 0 {
				buf.WriteByte(' ')
			} else {
				buf.WriteRune(cell.Rune)
			}
		}
	}
	writeCursorRestore(&buf, base)
	return []byte(buf.String())
}

// PaintLayer emits only the escape sequence needed to paint one named
// layer's opaque cells onto the screen, positioning the cursor for each
// contiguous run and diffing SGR from a zero state local to this call
// (spec.md §4.4's "Layer paint" mode). Transparent cells are skipped
// entirely rather than overwritten, so whatever is already on screen at
// those positions is left alone. Non-empty output is wrapped in a
// cursor save (ESC 7) / restore (ESC 8) pair, so the receiver's cursor
// ends where it was.
func (c *Compositor) PaintLayer(base vterm.Screen, name string) []byte {
	c.mu.Lock()
	l, ok := c.layers[name]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	row0, col0 := origin(l, base.Rows, base.Cols)

	var buf strings.Builder
	active := vterm.Attrs{}
	for lr := 0; lr < l.Rows; lr++ {
		r := row0 + lr
		if r < 0 || r >= base.Rows {
			continue
		}
		atCursor := -1
		for lc := 0; lc < l.Cols; lc++ {
			cell := l.Cells[lr][lc]
			if !cell.Opaque {
				atCursor = -1
				continue
			}
			cc := col0 + lc
			if cc < 0 || cc >= base.Cols {
				atCursor = -1
				continue
			}
			if cc != atCursor {
				fmt.Fprintf(&buf, "\x1b[%d;%dH", r+1, cc+1)
			}
			if params := vterm.DiffSGR(active, cell.Cell.Attrs); params != nil {
				buf.WriteString(vterm.SGREscape(params))
				active = cell.Cell.Attrs
			}
			if cell.Cell.Rune == 0 {
				buf.WriteByte(' ')
			} else {
				buf.WriteRune(cell.Cell.Rune)
			}
			atCursor = cc + 1
		}
	}
	if buf.Len() > 0 {
		return []byte("\x1b7" + buf.String() + "\x1b[0m\x1b8")
	}
	return []byte(buf.String())
}

// ClearLayer removes a named layer and emits the escape sequence that
// restores the base screen's cells across the layer's former footprint
// (spec.md §4.4's "Layer clear" mode). Layers beneath it in z-order that
// would otherwise still show through are not reconstructed here — a
// caller that needs that must re-Compose — ClearLayer's contract is
// narrowly "repaint what the base screen would show." Like PaintLayer,
// non-empty output is wrapped in a cursor save/restore pair.
func (c *Compositor) ClearLayer(base vterm.Screen, name string) []byte {
	c.mu.Lock()
	l, ok := c.layers[name]
	if ok {
		delete(c.layers, name)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	row0, col0 := origin(l, base.Rows, base.Cols)

	var buf strings.Builder
	active := vterm.Attrs{}
	for lr := 0; lr < l.Rows; lr++ {
		r := row0 + lr
		if r < 0 || r >= base.Rows {
			continue
		}
		fmt.Fprintf(&buf, "\x1b[%d;%dH", r+1, col0+1)
		for lc := 0; lc < l.Cols; lc++ {
			cc := col0 + lc
			if cc < 0 || cc >= base.Cols {
				continue
			}
			cell := base.Grid[r][cc]
			if params := vterm.DiffSGR(active, cell.Attrs); params != nil {
				buf.WriteString(vterm.SGREscape(params))
				active = cell.Attrs
			}
			if cell.Rune == 0 {
				buf.WriteByte(' ')
			} else {
				buf.WriteRune(cell.Rune)
			}
		}
	}
	if buf.Len() > 0 {
		return []byte("\x1b7" + buf.String() + "\x1b[0m\x1b8")
	}
	return []byte(buf.String())
}

func writeCursorRestore(buf *strings.Builder, s vterm.Screen) {
	fmt.Fprintf(buf, "\x1b[%d;%dH", s.CursorRow+1, s.CursorCol+1)
	if s.CursorVisible {
		buf.WriteString("\x1b[?25h")
	} else {
		buf.WriteString("\x1b[?25l")
	}
}
