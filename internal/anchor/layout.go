package anchor

import (
	"github.com/tOgg1/scrollback/internal/history"
	"github.com/tOgg1/scrollback/internal/snowflake"
)

// HeightFunc returns how many rows an entry occupies.
type HeightFunc func(history.Entry) int

// Layout stacks the entries of a sequence top to bottom and implements
// Measurer against a scroll position. Offsets are recomputed lazily when the
// sequence version changes.
type Layout struct {
	seq       *history.Sequence
	height    HeightFunc
	scrollTop int

	version uint64
	built   bool
	tops    map[snowflake.ID]int
	starts  []int
	total   int
}

// NewLayout returns a layout over seq. A nil height counts one row per entry.
func NewLayout(seq *history.Sequence, height HeightFunc) *Layout {
	if height == nil {
		height = func(history.Entry) int { return 1 }
	}
	return &Layout{seq: seq, height: height}
}

// SetHeight swaps the height function, for example after a resize.
func (l *Layout) SetHeight(height HeightFunc) {
	if height != nil {
		l.height = height
		l.built = false
	}
}

// Invalidate forces the next query to restack the entries.
func (l *Layout) Invalidate() { l.built = false }

func (l *Layout) refresh() {
	if l.built && l.version == l.seq.Version() {
		return
	}
	n := l.seq.Len()
	l.tops = make(map[snowflake.ID]int, n)
	l.starts = l.starts[:0]
	y := 0
	for i := 0; i < n; i++ {
		entry := l.seq.At(i)
		l.starts = append(l.starts, y)
		if !entry.IsGap() {
			l.tops[entry.Message.ID] = y
		}
		y += max(l.height(entry), 0)
	}
	l.total = y
	l.version = l.seq.Version()
	l.built = true
}

// OffsetOf implements Measurer.
func (l *Layout) OffsetOf(id snowflake.ID) (int, bool) {
	l.refresh()
	top, ok := l.tops[id]
	if !ok {
		return 0, false
	}
	return top - l.scrollTop, true
}

// Total is the height of the whole sequence.
func (l *Layout) Total() int {
	l.refresh()
	return l.total
}

func (l *Layout) ScrollTop() int { return l.scrollTop }

// ScrollTo sets the scroll position, clamped at zero.
func (l *Layout) ScrollTo(y int) {
	l.scrollTop = max(y, 0)
}

// ScrollBy moves the scroll position by delta rows.
func (l *Layout) ScrollBy(delta int) {
	l.ScrollTo(l.scrollTop + delta)
}

// Apply shifts the scroll position by a correction.
func (l *Layout) Apply(c Correction) {
	l.ScrollBy(c.Delta)
}

// Reveal scrolls so that id starts at the viewport top.
func (l *Layout) Reveal(id snowflake.ID) bool {
	l.refresh()
	top, ok := l.tops[id]
	if !ok {
		return false
	}
	l.ScrollTo(top)
	return true
}

// ScrollToBottom pins the last row of the sequence to the bottom of a
// viewport of the given height.
func (l *Layout) ScrollToBottom(viewport int) {
	l.ScrollTo(l.Total() - viewport)
}

// Visible returns the positions of the first and last entries intersecting
// a viewport of the given height. ok is false for an empty sequence.
func (l *Layout) Visible(viewport int) (first, last int, ok bool) {
	l.refresh()
	n := len(l.starts)
	if n == 0 {
		return 0, 0, false
	}
	bottom := l.scrollTop + max(viewport, 1)
	first = n - 1
	for i := 0; i < n; i++ {
		end := l.total
		if i+1 < n {
			end = l.starts[i+1]
		}
		if end > l.scrollTop {
			first = i
			break
		}
	}
	last = first
	for i := first; i < n && l.starts[i] < bottom; i++ {
		last = i
	}
	return first, last, true
}

// Offset is the viewport row at which the entry at pos starts.
func (l *Layout) Offset(pos int) int {
	l.refresh()
	if pos < 0 || pos >= len(l.starts) {
		return l.total - l.scrollTop
	}
	return l.starts[pos] - l.scrollTop
}
