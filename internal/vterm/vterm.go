// Package vterm implements the Virtual Terminal (L1): it turns an opaque
// stream of child-process output bytes into a discrete screen model
// (grid + scrollback + cursor) suitable for replaying consistent history
// to arbitrary late joiners.
//
// Grounded on the reference's internal/egg/vterm.go, which wraps
// charmbracelet/x/vt's Emulator and captures scrollback via its ScrollOut
// callback. That file conflates keyframe rendering with scrollback
// dumping in one Snapshot() method; this package splits that into the
// three operations spec.md §4.1 requires (Snapshot, RenderKeyframe,
// RenderDelta) and adds a parallel Cell-grid model (screen.go) so
// RenderDelta can do real per-cell SGR diffing instead of always emitting
// a full repaint.
package vterm

import (
	"fmt"
	"strings"
	"sync"

	uv "github.com/charmbracelet/ultraviolet"
	"github.com/charmbracelet/x/vt"
)

// maxScrollbackLines bounds the ring buffer of prior rows (spec.md §3:
// "Scrollback has a configurable maximum row count; oldest rows are
// discarded first").
const maxScrollbackLines = 50000

// VirtualTerminal is the L1 component. All methods are safe for concurrent
// use; callers typically only need this from the single goroutine that
// owns the corresponding Instance Actor, but the lock lets Snapshot be
// taken from elsewhere (e.g. diagnostics) without racing Feed.
type VirtualTerminal struct {
	mu  sync.Mutex
	emu *vt.Emulator

	rows, cols int
	grid       [][]Cell
	cursorRow  int
	cursorCol  int
	cursorVis  bool

	altScreen bool

	scrollback []string
	sbHead     int
	sbLen      int

	seq uint64
}

// New creates a VirtualTerminal with the given initial dimensions.
func New(rows, cols int) *VirtualTerminal {
	v := &VirtualTerminal{
		emu:        vt.NewEmulator(cols, rows),
		rows:       rows,
		cols:       cols,
		grid:       newBlankGrid(rows, cols),
		cursorVis:  true,
		scrollback: make([]string, maxScrollbackLines),
	}
	v.emu.SetCallbacks(vt.Callbacks{
		ScrollOut: func(lines []uv.Line) {
			if v.altScreen {
				return
			}
			for _, line := range lines {
				rendered := line.Render()
				if v.sbLen == len(v.scrollback) {
					v.scrollback[v.sbHead] = ""
				}
				v.scrollback[v.sbHead] = rendered
				v.sbHead = (v.sbHead + 1) % len(v.scrollback)
				if v.sbLen < len(v.scrollback) {
					v.sbLen++
				}
			}
		},
		ScrollbackClear: func() {
			for i := range v.scrollback {
				v.scrollback[i] = ""
			}
			v.sbLen, v.sbHead = 0, 0
		},
		AltScreen: func(on bool) {
			v.altScreen = on
		},
		CursorVisibility: func(visible bool) {
			v.cursorVis = visible
		},
	})
	return v
}

// Feed absorbs bytes, updating grid, cursor, active attributes and
// scrollback. Deterministic; never fails — unknown escapes are skipped by
// the underlying emulator and by parseRender, invalid UTF-8 becomes the
// replacement rune via normal Go string conversion.
func (v *VirtualTerminal) Feed(p []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.emu.Write(p)
	v.reparseLocked()
	v.seq++
}

func (v *VirtualTerminal) reparseLocked() {
	rendered := v.emu.Render()
	grid, row, col := parseRender(rendered, v.rows, v.cols)
	v.grid = grid
	pos := v.emu.CursorPosition()
	v.cursorRow, v.cursorCol = pos.Y, pos.X
	if v.cursorRow < 0 || v.cursorRow >= v.rows || v.cursorCol < 0 {
		v.cursorRow, v.cursorCol = row, col
	}
}

// Resize rewraps/truncates, preserving cursor semantics. Fails with
// ErrInvalidViewport if either dimension is zero or exceeds the hard cap.
func (v *VirtualTerminal) Resize(rows, cols int) error {
	if rows <= 0 || cols <= 0 || rows > maxDimension || cols > maxDimension {
		return fmt.Errorf("resize %dx%d: %w", rows, cols, ErrInvalidViewport)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.emu.Resize(cols, rows)
	v.rows, v.cols = rows, cols
	v.reparseLocked()
	v.seq++
	return nil
}

// Snapshot returns an immutable view of the grid (each cell with its
// attributes) and cursor. O(R×C).
func (v *VirtualTerminal) Snapshot() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return Snapshot{
		Seq: v.seq,
		Screen: Screen{
			Rows: v.rows, Cols: v.cols,
			Grid:          cloneGrid(v.grid),
			CursorRow:     v.cursorRow,
			CursorCol:     v.cursorCol,
			CursorVisible: v.cursorVis,
		},
	}
}

// ScrollbackLen returns the number of scrollback lines currently stored.
func (v *VirtualTerminal) ScrollbackLen() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sbLen
}

// ScrollbackLines returns all scrollback lines, oldest first.
func (v *VirtualTerminal) ScrollbackLines() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.sbLen == 0 {
		return nil
	}
	lines := make([]string, v.sbLen)
	start := (v.sbHead - v.sbLen + len(v.scrollback)) % len(v.scrollback)
	for i := 0; i < v.sbLen; i++ {
		lines[i] = v.scrollback[(start+i)%len(v.scrollback)]
	}
	return lines
}

// Close releases the underlying emulator.
func (v *VirtualTerminal) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.emu.Close()
}

// RenderKeyframe produces a byte sequence that, applied to a blank
// terminal of the same dimensions, reproduces the current snapshot. The
// output never depends on any prior receiver state (spec.md §4.1).
func (v *VirtualTerminal) RenderKeyframe(sgrOptimized bool) []byte {
	return renderKeyframe(v.Snapshot().Screen, sgrOptimized)
}

// RenderDelta produces a byte sequence that transforms a receiver whose
// last-applied state equals `from` into the current snapshot.
func (v *VirtualTerminal) RenderDelta(from Snapshot) []byte {
	return renderDelta(from.Screen, v.Snapshot().Screen)
}

func renderKeyframe(s Screen, sgrOptimized bool) []byte {
	var buf strings.Builder
	buf.WriteString("\x1b[0m\x1b[H")

	active := Attrs{}
	for r := 0; r < s.Rows; r++ {
		for c := 0; c < s.Cols; c++ {
			cell := s.Grid[r][c]
			if sgrOptimized {
				if params := diffSGR(active, cell.Attrs); params != nil {
					buf.WriteString(sgrEscape(params))
				}
			} else if cell.Attrs != active {
				buf.WriteString("\x1b[0m")
				if p := fullParams(cell.Attrs); p != nil {
					buf.WriteString(sgrEscape(p))
				}
			}
			active = cell.Attrs
			buf.WriteRune(displayRune(cell.Rune))
		}
		if r != s.Rows-1 {
			buf.WriteString("\r\n")
		}
	}
	writeCursor(&buf, s)
	return []byte(buf.String())
}

// renderDelta emits only the cell runs that changed between `from` and
// `to`, repositioning the cursor between runs and tracking active SGR
// state across the whole delta stream (idempotent-SGR requirement).
func renderDelta(from, to Screen) []byte {
	var buf strings.Builder
	active := Attrs{}
	haveActive := false
	rows := to.Rows
	cols := to.Cols

	inRun := false
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			var prev Cell
			if r < from.Rows && c < from.Cols {
				prev = from.Grid[r][c]
			}
			cur := to.Grid[r][c]
			if prev == cur {
				inRun = false
				continue
			}
			if !inRun {
				fmt.Fprintf(&buf, "\x1b[%d;%dH", r+1, c+1)
				inRun = true
			}
			if !haveActive {
				active = Attrs{}
				haveActive = true
			}
			if params := diffSGR(active, cur.Attrs); params != nil {
				buf.WriteString(sgrEscape(params))
			}
			active = cur.Attrs
			buf.WriteRune(displayRune(cur.Rune))
		}
		inRun = false
	}
	writeCursor(&buf, to)
	return []byte(buf.String())
}

func writeCursor(buf *strings.Builder, s Screen) {
	fmt.Fprintf(buf, "\x1b[%d;%dH", s.CursorRow+1, s.CursorCol+1)
	if s.CursorVisible {
		buf.WriteString("\x1b[?25h")
	} else {
		buf.WriteString("\x1b[?25l")
	}
}

func displayRune(r rune) rune {
	if r == 0 {
		return ' '
	}
	return r
}

func fullParams(a Attrs) []string {
	return diffSGR(zeroAttrs, a)
}
