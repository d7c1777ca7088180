// Package anchor keeps the viewport visually stable across reconciliations.
//
// Before a reconciliation that the user did not cause, Capture records which
// message sits at the top of the viewport and where. Afterwards
// ComputeCorrection returns the scroll delta that puts that message back at
// the same offset.
package anchor

import (
	"github.com/tOgg1/scrollback/internal/history"
	"github.com/tOgg1/scrollback/internal/snowflake"
)

// Measurer reports where an entry is drawn, in pixels (or rows) relative to
// the viewport top. Negative offsets are above the viewport.
type Measurer interface {
	OffsetOf(id snowflake.ID) (int, bool)
}

// Anchor is a message and its offset from the viewport top.
type Anchor struct {
	ID     snowflake.ID
	Offset int
	Valid  bool
}

// Correction is the scroll adjustment to apply after a reconciliation.
// Adding Delta to the scroll position restores the anchor's offset.
type Correction struct {
	Delta    int
	AnchorID snowflake.ID
	// Fallback is set when the anchor was removed and a neighbour was used.
	Fallback bool
}

// Capture returns the last message whose top is at or above the viewport
// top, or the first measured message when everything is below it.
func Capture(seq *history.Sequence, m Measurer) Anchor {
	if seq == nil || m == nil || seq.Len() == 0 {
		return Anchor{}
	}
	best := Anchor{}
	lo, hi := 0, seq.Len()-1
	for lo <= hi {
		mid := int(uint(lo+hi) >> 1)
		pos := messageNear(seq, mid, lo, hi)
		if pos < 0 {
			break
		}
		id := seq.At(pos).Message.ID
		offset, ok := m.OffsetOf(id)
		if ok && offset <= 0 {
			best = Anchor{ID: id, Offset: offset, Valid: true}
			lo = max(pos, mid) + 1
		} else {
			hi = min(pos, mid) - 1
		}
	}
	if best.Valid {
		return best
	}
	for i := 0; i < seq.Len(); i++ {
		entry := seq.At(i)
		if entry.IsGap() {
			continue
		}
		if offset, ok := m.OffsetOf(entry.Message.ID); ok {
			return Anchor{ID: entry.Message.ID, Offset: offset, Valid: true}
		}
	}
	return Anchor{}
}

// messageNear returns pos itself when it holds a message, otherwise a
// neighbouring message within [lo, hi]. Gaps are never adjacent, so one step
// is enough.
func messageNear(seq *history.Sequence, pos, lo, hi int) int {
	if !seq.At(pos).IsGap() {
		return pos
	}
	if pos > lo {
		return pos - 1
	}
	if pos < hi {
		return pos + 1
	}
	return -1
}

// ComputeCorrection measures the anchor again after a reconciliation. A
// removed anchor falls back to its nearest loaded successor, then to its
// nearest predecessor.
func ComputeCorrection(seq *history.Sequence, prev Anchor, m Measurer) Correction {
	if !prev.Valid || seq == nil || m == nil {
		return Correction{}
	}
	if seq.Contains(prev.ID) {
		if offset, ok := m.OffsetOf(prev.ID); ok {
			return Correction{Delta: offset - prev.Offset, AnchorID: prev.ID}
		}
		return Correction{}
	}
	pos := seq.Search(history.MessageKey(prev.ID))
	for i := pos; i < seq.Len(); i++ {
		if c, ok := fallback(seq.At(i), prev, m); ok {
			return c
		}
	}
	for i := pos - 1; i >= 0; i-- {
		if c, ok := fallback(seq.At(i), prev, m); ok {
			return c
		}
	}
	return Correction{}
}

func fallback(entry history.Entry, prev Anchor, m Measurer) (Correction, bool) {
	if entry.IsGap() {
		return Correction{}, false
	}
	offset, ok := m.OffsetOf(entry.Message.ID)
	if !ok {
		return Correction{}, false
	}
	return Correction{Delta: offset - prev.Offset, AnchorID: entry.Message.ID, Fallback: true}, true
}
