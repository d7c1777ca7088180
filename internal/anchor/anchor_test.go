package anchor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tOgg1/scrollback/internal/history"
	"github.com/tOgg1/scrollback/internal/models"
	"github.com/tOgg1/scrollback/internal/snowflake"
)

func message(id snowflake.ID) models.Message {
	return models.Message{ID: id, AuthorID: 1}
}

func page(ids ...snowflake.ID) []models.Message {
	out := make([]models.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, message(id))
	}
	return out
}

// heights gives messages a height that depends on their id so offsets are
// not uniform; gaps are three rows.
func heights(entry history.Entry) int {
	if entry.IsGap() {
		return 3
	}
	return 1 + int(entry.Message.ID%3)
}

func newSequence(t *testing.T, ids ...snowflake.ID) (*history.Sequence, *history.Reconciler) {
	t.Helper()
	seq := history.New()
	rec := history.NewReconciler(seq)
	for _, id := range ids {
		require.NoError(t, seq.InsertMessage(message(id)))
	}
	return seq, rec
}

func TestCapture_PicksMessageAtViewportTop(t *testing.T) {
	seq, _ := newSequence(t, 10, 20, 30, 40, 50)
	layout := NewLayout(seq, nil)

	layout.ScrollTo(2)
	got := Capture(seq, layout)
	require.True(t, got.Valid)
	require.Equal(t, snowflake.ID(30), got.ID)
	require.Equal(t, 0, got.Offset)

	layout.ScrollTo(0)
	got = Capture(seq, layout)
	require.Equal(t, snowflake.ID(10), got.ID)
}

func TestCapture_SkipsGaps(t *testing.T) {
	seq, _ := newSequence(t, 10, 20, 30)
	_, err := seq.InsertGap(0)
	require.NoError(t, err)
	_, err = seq.InsertGap(20)
	require.NoError(t, err)
	layout := NewLayout(seq, heights)

	// Rows: gap 0-2, 10 at 3-4, 20 at 5-7, gap 8-10, 30 at 11.
	layout.ScrollTo(9)
	got := Capture(seq, layout)
	require.Equal(t, snowflake.ID(20), got.ID)
	require.Equal(t, -4, got.Offset)
}

func TestCapture_EverythingBelowTop(t *testing.T) {
	seq, _ := newSequence(t, 10, 20)
	m := fixedMeasurer{10: 5, 20: 9}
	got := Capture(seq, m)
	require.Equal(t, snowflake.ID(10), got.ID)
	require.Equal(t, 5, got.Offset)
}

func TestCapture_Empty(t *testing.T) {
	seq := history.New()
	require.False(t, Capture(seq, NewLayout(seq, nil)).Valid)
}

func TestCorrection_StableAcrossMergeAbove(t *testing.T) {
	seq, rec := newSequence(t, 100, 200, 300, 400)
	_, err := seq.InsertGap(100)
	require.NoError(t, err)
	layout := NewLayout(seq, heights)
	layout.ScrollTo(6)

	before := Capture(seq, layout)
	require.True(t, before.Valid)

	_, err = rec.MergePage(history.Before, 200, page(110, 120, 130, 140), true)
	require.NoError(t, err)

	correction := ComputeCorrection(seq, before, layout)
	require.Equal(t, before.ID, correction.AnchorID)
	require.False(t, correction.Fallback)
	layout.Apply(correction)

	offset, ok := layout.OffsetOf(before.ID)
	require.True(t, ok)
	require.Equal(t, before.Offset, offset)
}

func TestCorrection_StableAcrossCreateBelow(t *testing.T) {
	seq, rec := newSequence(t, 100, 200, 300)
	layout := NewLayout(seq, heights)
	layout.ScrollTo(3)
	before := Capture(seq, layout)

	rec.OnCreated(message(400), 300)
	correction := ComputeCorrection(seq, before, layout)
	require.Zero(t, correction.Delta)
}

func TestCorrection_FallsBackWhenAnchorRemoved(t *testing.T) {
	seq, rec := newSequence(t, 100, 200, 300)
	layout := NewLayout(seq, nil)
	layout.ScrollTo(1)
	before := Capture(seq, layout)
	require.Equal(t, snowflake.ID(200), before.ID)

	rec.OnDeleted(200)
	correction := ComputeCorrection(seq, before, layout)
	require.True(t, correction.Fallback)
	require.Equal(t, snowflake.ID(300), correction.AnchorID)
	require.Zero(t, correction.Delta)

	rec.OnDeleted(300)
	correction = ComputeCorrection(seq, before, layout)
	require.Equal(t, snowflake.ID(100), correction.AnchorID)
	require.Equal(t, -1, correction.Delta)
}

func TestCorrection_InvalidAnchor(t *testing.T) {
	seq, _ := newSequence(t, 100)
	require.Equal(t, Correction{}, ComputeCorrection(seq, Anchor{}, NewLayout(seq, nil)))
}

func TestLayoutVisible(t *testing.T) {
	seq, _ := newSequence(t, 10, 20, 30, 40, 50)
	layout := NewLayout(seq, nil)
	layout.ScrollTo(1)

	first, last, ok := layout.Visible(3)
	require.True(t, ok)
	require.Equal(t, 1, first)
	require.Equal(t, 3, last)

	layout.ScrollToBottom(2)
	first, last, _ = layout.Visible(2)
	require.Equal(t, 3, first)
	require.Equal(t, 4, last)
}

type fixedMeasurer map[snowflake.ID]int

func (f fixedMeasurer) OffsetOf(id snowflake.ID) (int, bool) {
	v, ok := f[id]
	return v, ok
}

func TestLayoutOffset(t *testing.T) {
	seq, _ := newSequence(t, 10, 20, 30)
	// Heights: 10 -> 2, 20 -> 3, 30 -> 1.
	layout := NewLayout(seq, heights)
	layout.ScrollTo(3)

	require.Equal(t, -3, layout.Offset(0))
	require.Equal(t, -1, layout.Offset(1))
	require.Equal(t, 2, layout.Offset(2))
	require.Equal(t, 3, layout.Offset(3), "past the end is the total height")
}
