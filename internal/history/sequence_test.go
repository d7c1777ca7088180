package history

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/tOgg1/scrollback/internal/models"
	"github.com/tOgg1/scrollback/internal/snowflake"
)

func msg(id snowflake.ID) models.Message {
	return models.Message{ID: id, AuthorID: 1, Content: models.Content{Text: fmt.Sprintf("m%d", id)}}
}

func msgs(ids ...snowflake.ID) []models.Message {
	out := make([]models.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, msg(id))
	}
	return out
}

// shape renders the sequence as message ids and G(lower,upper) markers.
func shape(seq *Sequence) []string {
	out := make([]string, 0, seq.Len())
	for _, e := range seq.Entries() {
		if !e.IsGap() {
			out = append(out, e.Message.ID.String())
			continue
		}
		lower, upper := "top", "bottom"
		if !e.Gap.OpenTop() {
			lower = e.Gap.Lower.String()
		}
		if !e.Gap.OpenBottom() {
			upper = e.Gap.Upper.String()
		}
		out = append(out, fmt.Sprintf("G(%s,%s)", lower, upper))
	}
	return out
}

// build creates a sequence from ids, with 0 standing for a gap at that
// position.
func build(t *testing.T, layout ...snowflake.ID) *Sequence {
	t.Helper()
	seq := New()
	var last snowflake.ID
	var gapsAfter []snowflake.ID
	for _, id := range layout {
		if id == 0 {
			gapsAfter = append(gapsAfter, last)
			continue
		}
		require.NoError(t, seq.InsertMessage(msg(id)))
		last = id
	}
	for _, lower := range gapsAfter {
		_, err := seq.InsertGap(lower)
		require.NoError(t, err)
	}
	require.NoError(t, seq.Check())
	return seq
}

func TestKeyOrdering(t *testing.T) {
	keys := []Key{GapKey(0), MessageKey(5), GapKey(5), MessageKey(6), GapKey(6), MessageKey(100)}
	for i := 1; i < len(keys); i++ {
		require.True(t, keys[i-1].Less(keys[i]), "%s < %s", keys[i-1], keys[i])
		require.Equal(t, 1, keys[i].Compare(keys[i-1]))
	}
	require.Equal(t, 0, GapKey(5).Compare(GapKey(5)))
}

func TestSequenceInsertKeepsOrder(t *testing.T) {
	seq := New()
	for _, id := range []snowflake.ID{30, 10, 20, 50, 40} {
		require.NoError(t, seq.InsertMessage(msg(id)))
	}
	require.Equal(t, []string{"10", "20", "30", "40", "50"}, shape(seq))
	require.NoError(t, seq.Check())
}

func TestSequenceInsertDuplicate(t *testing.T) {
	seq := build(t, 10, 20)
	err := seq.InsertMessage(msg(20))
	require.ErrorIs(t, err, ErrDuplicateID)
	require.Equal(t, []string{"10", "20"}, shape(seq))
}

func TestSequenceInsertGapRules(t *testing.T) {
	seq := build(t, 10, 0, 20)

	_, err := seq.InsertGap(10)
	require.ErrorIs(t, err, ErrAdjacentGap)

	_, err = seq.InsertGap(15)
	require.ErrorIs(t, err, ErrNotFound)

	id, err := seq.InsertGap(0)
	require.NoError(t, err)
	gap, ok := seq.Gap(id)
	require.True(t, ok)
	require.True(t, gap.OpenTop())
	require.Equal(t, snowflake.ID(10), gap.Upper)

	_, err = seq.InsertGap(0)
	require.ErrorIs(t, err, ErrAdjacentGap)
	require.NoError(t, seq.Check())
}

func TestSequenceInsertMessageInsideGapShortensIt(t *testing.T) {
	seq := build(t, 10, 0, 20)
	require.NoError(t, seq.InsertMessage(msg(15)))
	require.Equal(t, []string{"10", "G(10,15)", "15", "20"}, shape(seq))
}

func TestSequenceRemoveRekeysFollowingGap(t *testing.T) {
	seq := build(t, 10, 20, 0)
	removed, err := seq.Remove(20)
	require.NoError(t, err)
	require.Equal(t, snowflake.ID(20), removed.ID)
	require.Equal(t, []string{"10", "G(10,bottom)"}, shape(seq))
	require.NoError(t, seq.Check())
}

func TestSequenceRemoveCoalescesGaps(t *testing.T) {
	seq := New()
	require.NoError(t, seq.InsertMessage(msg(10)))
	require.NoError(t, seq.InsertMessage(msg(20)))
	top, err := seq.InsertGap(0)
	require.NoError(t, err)
	inner, err := seq.InsertGap(10)
	require.NoError(t, err)
	require.NoError(t, seq.SetInFlight(inner, true))

	_, err = seq.Remove(10)
	require.NoError(t, err)
	require.Equal(t, []string{"G(top,20)", "20"}, shape(seq))
	require.Equal(t, 1, seq.GapCount())

	gap, ok := seq.Gap(top)
	require.True(t, ok)
	require.False(t, gap.InFlight)
	_, ok = seq.Gap(inner)
	require.False(t, ok)
	require.NoError(t, seq.Check())
}

func TestSequenceRemoveMissIsNoop(t *testing.T) {
	seq := build(t, 10, 0, 20)
	before := seq.Entries()
	version := seq.Version()

	_, err := seq.Remove(15)
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, version, seq.Version())
	if diff := cmp.Diff(before, seq.Entries()); diff != "" {
		t.Fatalf("sequence changed (-before +after):\n%s", diff)
	}
}

func TestSequenceReplace(t *testing.T) {
	seq := build(t, 10)
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, seq.Replace(10, *models.ReplaceContent(models.Content{Text: "edited"}), &at))

	got, ok := seq.Get(10)
	require.True(t, ok)
	require.Equal(t, "edited", got.Content.Text)
	require.True(t, got.Edited())
	require.Equal(t, at, *got.EditedAt)

	require.ErrorIs(t, seq.Replace(99, models.ContentPatch{}, &at), ErrNotFound)
}

func TestSequenceReplaceMergesPatch(t *testing.T) {
	seq := New()
	orig := msg(10)
	orig.Content.Attachments = []models.Attachment{{ID: 7, Filename: "log.txt"}}
	require.NoError(t, seq.InsertMessage(orig))

	embeds := []models.Embed{{Title: "preview"}}
	require.NoError(t, seq.Replace(10, models.ContentPatch{Embeds: &embeds}, nil))

	got, _ := seq.Get(10)
	require.Equal(t, "m10", got.Content.Text)
	require.Len(t, got.Content.Attachments, 1)
	require.Equal(t, embeds, got.Content.Embeds)
	require.False(t, got.Edited())

	embeds[0].Title = "mutated"
	got, _ = seq.Get(10)
	require.Equal(t, "preview", got.Content.Embeds[0].Title, "patch slices are copied")
}

func TestSequenceNeighborsOf(t *testing.T) {
	seq := build(t, 10, 0, 20, 30)

	prev, next := seq.NeighborsOf(MessageKey(20))
	require.NotNil(t, prev)
	require.True(t, prev.IsGap())
	require.Equal(t, snowflake.ID(20), prev.Gap.Upper)
	require.NotNil(t, next)
	require.Equal(t, snowflake.ID(30), next.Message.ID)

	prev, next = seq.NeighborsOf(MessageKey(25))
	require.Equal(t, snowflake.ID(20), prev.Message.ID)
	require.Equal(t, snowflake.ID(30), next.Message.ID)

	prev, next = seq.NeighborsOf(MessageKey(10))
	require.Nil(t, prev)
	require.True(t, next.IsGap())

	_, next = seq.NeighborsOf(MessageKey(30))
	require.Nil(t, next)
}

func TestSequenceSlotsAreReused(t *testing.T) {
	seq := build(t, 10, 20, 30)
	_, err := seq.Remove(20)
	require.NoError(t, err)
	require.NoError(t, seq.InsertMessage(msg(25)))
	require.Len(t, seq.slots, 3)
	require.NoError(t, seq.Check())
}

func TestSequenceReset(t *testing.T) {
	seq := build(t, 10, 0, 20)
	seq.Reset(7)
	require.Equal(t, 0, seq.Len())
	require.Equal(t, 0, seq.GapCount())
	require.Equal(t, uint64(7), seq.Generation())
	require.False(t, seq.Contains(10))
	require.NoError(t, seq.Check())
}

func TestGapSpanAndAnchor(t *testing.T) {
	interior := Gap{Lower: 100, Upper: 200}
	dir, anchor := interior.Anchor()
	require.Equal(t, Before, dir)
	require.Equal(t, snowflake.ID(200), anchor)
	require.Equal(t, uint64(100), interior.Span())
	require.True(t, interior.Contains(150))
	require.False(t, interior.Contains(200))

	bottom := Gap{Lower: 100}
	dir, anchor = bottom.Anchor()
	require.Equal(t, After, dir)
	require.Equal(t, snowflake.ID(100), anchor)

	dir, anchor = Gap{}.Anchor()
	require.Equal(t, Before, dir)
	require.True(t, anchor.IsZero())
}

func TestSequenceRemoveAtScale(t *testing.T) {
	const n = 50000
	seq := New()
	_, err := seq.InsertGap(0)
	require.NoError(t, err)
	for id := snowflake.ID(1); id <= n; id++ {
		require.NoError(t, seq.InsertMessage(msg(id)))
	}
	_, err = seq.InsertGap(n)
	require.NoError(t, err)

	for id := snowflake.ID(1); id <= 2000; id++ {
		_, err := seq.Remove(id)
		require.NoError(t, err)
	}
	for id := snowflake.ID(10001); id <= 20000; id += 2 {
		_, err := seq.Remove(id)
		require.NoError(t, err)
	}
	require.NoError(t, seq.Check())
	require.Equal(t, n-2000-5000, seq.MessageCount())
	require.Equal(t, n-2000-5000+2, seq.Len())

	top := seq.At(0)
	require.True(t, top.IsGap())
	require.Equal(t, snowflake.ID(2001), top.Gap.Upper)

	for _, id := range []snowflake.ID{2001, 10002, 20000, 30000, n} {
		pos, ok := seq.IndexOf(MessageKey(id))
		require.True(t, ok, "id %d", id)
		require.Equal(t, id, seq.At(pos).Message.ID)
	}
	pos, ok := seq.IndexOf(MessageKey(10003))
	require.False(t, ok)
	require.Equal(t, snowflake.ID(10004), seq.At(pos).Message.ID)

	prev, next := seq.NeighborsOf(MessageKey(10003))
	require.NotNil(t, prev)
	require.NotNil(t, next)
	require.Equal(t, snowflake.ID(10002), prev.Message.ID)
	require.Equal(t, snowflake.ID(10004), next.Message.ID)

	tail := seq.Slice(seq.Len()-2, seq.Len())
	require.Len(t, tail, 2)
	require.Equal(t, snowflake.ID(n), tail[0].Message.ID)
	require.True(t, tail[1].Gap.OpenBottom())
}

func BenchmarkSequenceRemoveFront(b *testing.B) {
	for _, n := range []int{20000, 200000} {
		b.Run(fmt.Sprint(n), func(b *testing.B) {
			seq := New()
			for id := 1; id <= n; id++ {
				_ = seq.InsertMessage(msg(snowflake.ID(id)))
			}
			next := snowflake.ID(1)
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if seq.MessageCount() == 0 {
					b.StopTimer()
					for id := 1; id <= n; id++ {
						_ = seq.InsertMessage(msg(snowflake.ID(id)))
					}
					next = 1
					b.StartTimer()
				}
				_, _ = seq.Remove(next)
				next++
			}
		})
	}
}
