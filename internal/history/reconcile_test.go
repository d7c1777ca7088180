package history

import (
	"encoding/json"
	"math/rand/v2"
	"slices"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/tOgg1/scrollback/internal/models"
	"github.com/tOgg1/scrollback/internal/snowflake"
)

func ids(values ...snowflake.ID) []snowflake.ID { return values }

func TestMergePage_AroundOnEmptySequence(t *testing.T) {
	seq := New()
	rec := NewReconciler(seq)

	res, err := rec.MergePage(Around, 500, msgs(498, 499, 500, 501, 502), false)
	require.NoError(t, err)
	require.False(t, res.Stale)
	require.Equal(t, ids(498, 499, 500, 501, 502), res.Inserted)
	require.Equal(t, []string{"498", "499", "500", "501", "502"}, shape(seq))
	require.Equal(t, 0, seq.GapCount())
	require.NoError(t, seq.Check())
}

func TestMergePage_BeforeShrinksInteriorGap(t *testing.T) {
	seq := build(t, 100, 0, 200)
	gapID := seq.Gaps()[0].ID
	rec := NewReconciler(seq)

	res, err := rec.MergePage(Before, 200, msgs(150, 180), true)
	require.NoError(t, err)
	require.Equal(t, ids(150, 180), res.Inserted)
	require.Equal(t, []string{"100", "G(100,150)", "150", "180", "200"}, shape(seq))

	gap, ok := seq.Gap(gapID)
	require.True(t, ok, "shrinking gap keeps its id")
	require.Equal(t, snowflake.ID(150), gap.Upper)
	require.NoError(t, seq.Check())
}

func TestOnCreated_FollowsLiveEdge(t *testing.T) {
	seq := build(t, 800, 900, 0)
	gapID := seq.Gaps()[0].ID
	rec := NewReconciler(seq)

	res := rec.OnCreated(msg(901), 900)
	require.Equal(t, ids(901), res.Inserted)
	require.Equal(t, []string{"800", "900", "901", "G(901,bottom)"}, shape(seq))
	require.Equal(t, 1, seq.GapCount())

	gap, ok := seq.Gap(gapID)
	require.True(t, ok)
	require.True(t, gap.OpenBottom())
	require.NoError(t, seq.Check())
}

func TestOnCreated_MissedMessageSynthesizesGap(t *testing.T) {
	t.Run("live edge is a message", func(t *testing.T) {
		seq := build(t, 800, 900)
		rec := NewReconciler(seq)

		res := rec.OnCreated(msg(950), 940)
		require.Equal(t, ids(950), res.Inserted)
		require.Equal(t, []string{"800", "900", "G(900,950)", "950"}, shape(seq))
		require.NoError(t, seq.Check())
	})

	t.Run("live edge is an open gap", func(t *testing.T) {
		seq := build(t, 800, 900, 0)
		rec := NewReconciler(seq)

		rec.OnCreated(msg(950), 940)
		require.Equal(t, []string{"800", "900", "G(900,950)", "950", "G(950,bottom)"}, shape(seq))
		require.NoError(t, seq.Check())
	})

	t.Run("unknown previous inserts directly", func(t *testing.T) {
		seq := build(t, 800, 900)
		rec := NewReconciler(seq)

		rec.OnCreated(msg(950), 0)
		require.Equal(t, []string{"800", "900", "950"}, shape(seq))
	})

	t.Run("previous equal to edge inserts directly", func(t *testing.T) {
		seq := build(t, 800, 900)
		rec := NewReconciler(seq)

		rec.OnCreated(msg(950), 900)
		require.Equal(t, []string{"800", "900", "950"}, shape(seq))
	})

	t.Run("empty sequence with known predecessor", func(t *testing.T) {
		seq := New()
		rec := NewReconciler(seq)

		rec.OnCreated(msg(950), 940)
		require.Equal(t, []string{"G(top,950)", "950"}, shape(seq))
	})
}

func TestOnCreated_DuplicateIsNoop(t *testing.T) {
	seq := build(t, 100, 200)
	rec := NewReconciler(seq)

	res := rec.OnCreated(msg(200), 100)
	require.False(t, res.Changed())
	require.Equal(t, []string{"100", "200"}, shape(seq))
}

func TestOnDeleted_MissIsNoop(t *testing.T) {
	seq := build(t, 100, 0, 200, 0)
	rec := NewReconciler(seq)
	before := seq.Entries()

	res := rec.OnDeleted(12345)
	require.False(t, res.Changed())
	require.Empty(t, res.Removed)
	if diff := cmp.Diff(before, seq.Entries()); diff != "" {
		t.Fatalf("sequence changed (-before +after):\n%s", diff)
	}
}

func TestOnUpdated(t *testing.T) {
	at := time.Date(2024, 2, 2, 2, 2, 2, 0, time.UTC)
	seq := build(t, 100, 200)
	rec := NewReconciler(seq)

	res := rec.OnUpdated(200, *models.ReplaceContent(models.Content{Text: "fixed"}), &at)
	require.Equal(t, ids(200), res.Updated)
	got, _ := seq.Get(200)
	require.Equal(t, "fixed", got.Content.Text)
	require.Equal(t, at, *got.EditedAt)

	before := seq.Entries()
	res = rec.OnUpdated(300, *models.ReplaceContent(models.Content{Text: "nope"}), &at)
	require.False(t, res.Changed())
	require.Empty(t, cmp.Diff(before, seq.Entries()))
}

func TestApply_EmbedsOnlyUpdateKeepsText(t *testing.T) {
	seq := New()
	rec := NewReconciler(seq)
	linked := msg(5)
	linked.Content.Text = "see https://go.dev"
	require.NoError(t, seq.InsertMessage(linked))

	var patch models.ContentPatch
	require.NoError(t, json.Unmarshal([]byte(`{"embeds": [{"title": "The Go Programming Language", "url": "https://go.dev"}]}`), &patch))
	res := rec.Apply(models.Event{
		Type:      models.EventTypeMessageUpdated,
		ChannelID: 1,
		MessageID: 5,
		Content:   &patch,
	})
	require.Equal(t, ids(5), res.Updated)

	got, _ := seq.Get(5)
	require.Equal(t, "see https://go.dev", got.Content.Text)
	require.Len(t, got.Content.Embeds, 1)
	require.False(t, got.Edited(), "an unfurl is not an edit")

	res = rec.Apply(models.Event{
		Type:      models.EventTypeMessageUpdated,
		ChannelID: 1,
		MessageID: 5,
		Content:   &models.ContentPatch{},
	})
	require.False(t, res.Changed())
}

func TestOnDeleted_CoalescesAndRekeys(t *testing.T) {
	seq := build(t, 100, 0, 200, 0)
	rec := NewReconciler(seq)

	res := rec.OnDeleted(200)
	require.Equal(t, ids(200), res.Removed)
	require.Equal(t, []string{"100", "G(100,bottom)"}, shape(seq))
	require.NoError(t, seq.Check())
}

func TestMergePage_Idempotent(t *testing.T) {
	tests := []struct {
		name    string
		layout  []snowflake.ID
		dir     Direction
		anchor  snowflake.ID
		page    []models.Message
		wasFull bool
	}{
		{name: "around empty", dir: Around, anchor: 500, page: msgs(498, 499, 500, 501, 502)},
		{name: "around full", dir: Around, anchor: 500, page: msgs(498, 499, 500, 501, 502), wasFull: true},
		{name: "before partial", layout: ids(100, 0, 200), dir: Before, anchor: 200, page: msgs(150, 180), wasFull: true},
		{name: "before consumed", layout: ids(100, 0, 200), dir: Before, anchor: 200, page: msgs(150, 180)},
		{name: "after live edge", layout: ids(100, 0), dir: After, anchor: 100, page: msgs(101, 102), wasFull: true},
		{name: "before top", layout: ids(0, 100), dir: Before, anchor: 100, page: msgs(50, 60), wasFull: true},
		{name: "latest page", layout: ids(0), dir: Before, page: msgs(7, 8, 9), wasFull: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seq := New()
			if len(tt.layout) > 0 {
				seq = build(t, tt.layout...)
			}
			rec := NewReconciler(seq)

			first, err := rec.MergePage(tt.dir, tt.anchor, tt.page, tt.wasFull)
			require.NoError(t, err)
			require.False(t, first.Stale)
			require.NoError(t, seq.Check())

			snapshot := seq.Entries()
			second, err := rec.MergePage(tt.dir, tt.anchor, tt.page, tt.wasFull)
			require.NoError(t, err)
			require.False(t, second.Changed())
			require.Empty(t, second.Inserted)
			if diff := cmp.Diff(snapshot, seq.Entries()); diff != "" {
				t.Fatalf("second merge changed the sequence (-first +second):\n%s", diff)
			}
		})
	}
}

func TestMergePage_Resolution(t *testing.T) {
	tests := []struct {
		name    string
		layout  []snowflake.ID
		dir     Direction
		anchor  snowflake.ID
		page    []models.Message
		wasFull bool
		want    []string
	}{
		{
			name: "before reaching lower bound consumes", layout: ids(100, 0, 200),
			dir: Before, anchor: 200, page: msgs(90, 100, 150), wasFull: true,
			want: []string{"100", "150", "200"},
		},
		{
			name: "before on open top keeps top", layout: ids(0, 100),
			dir: Before, anchor: 100, page: msgs(50, 60), wasFull: true,
			want: []string{"G(top,50)", "50", "60", "100"},
		},
		{
			name: "before on open top not full reaches history start", layout: ids(0, 100),
			dir: Before, anchor: 100, page: msgs(50, 60),
			want: []string{"50", "60", "100"},
		},
		{
			name: "after live edge full keeps bottom", layout: ids(100, 0),
			dir: After, anchor: 100, page: msgs(101, 102), wasFull: true,
			want: []string{"100", "101", "102", "G(102,bottom)"},
		},
		{
			name: "after live edge drained", layout: ids(100, 0),
			dir: After, anchor: 100, page: msgs(101, 102),
			want: []string{"100", "101", "102"},
		},
		{
			name: "after reaching upper bound consumes", layout: ids(100, 0, 200),
			dir: After, anchor: 100, page: msgs(150, 200, 210), wasFull: true,
			want: []string{"100", "150", "200"},
		},
		{
			name: "around full splits", layout: ids(100, 0, 200),
			dir: Around, anchor: 150, page: msgs(140, 150, 160), wasFull: true,
			want: []string{"100", "G(100,140)", "140", "150", "160", "G(160,200)", "200"},
		},
		{
			name: "latest page on unbounded gap", layout: ids(0),
			dir: Before, page: msgs(7, 8, 9), wasFull: true,
			want: []string{"G(top,7)", "7", "8", "9"},
		},
		{
			name: "before unknown anchor on empty sequence", dir: Before, anchor: 500,
			page: msgs(480, 490), wasFull: true,
			want: []string{"G(top,480)", "480", "490", "G(490,bottom)"},
		},
		{
			name: "empty page not full consumes", layout: ids(100, 0, 200),
			dir: Before, anchor: 200,
			want: []string{"100", "200"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seq := New()
			if len(tt.layout) > 0 {
				seq = build(t, tt.layout...)
			}
			rec := NewReconciler(seq)

			_, err := rec.MergePage(tt.dir, tt.anchor, tt.page, tt.wasFull)
			require.NoError(t, err)
			require.Equal(t, tt.want, shape(seq))
			require.NoError(t, seq.Check())
		})
	}
}

func TestMergePage_AroundSplitKeepsLowerIdentity(t *testing.T) {
	seq := build(t, 100, 0, 200)
	gapID := seq.Gaps()[0].ID
	rec := NewReconciler(seq)

	_, err := rec.MergePage(Around, 150, msgs(140, 150, 160), true)
	require.NoError(t, err)

	gaps := seq.Gaps()
	require.Len(t, gaps, 2)
	require.Equal(t, gapID, gaps[0].ID)
	require.NotEqual(t, gapID, gaps[1].ID)
}

func TestMergePage_Stale(t *testing.T) {
	seq := build(t, 100, 200)
	rec := NewReconciler(seq)
	before := seq.Entries()

	for _, tc := range []struct {
		dir    Direction
		anchor snowflake.ID
	}{
		{Before, 200},
		{After, 100},
		{Around, 150},
		{Before, 0},
		{After, 0},
		{Before, 999},
	} {
		res, err := rec.MergePage(tc.dir, tc.anchor, msgs(150), false)
		require.NoError(t, err)
		require.True(t, res.Stale, "%s %s", tc.dir, tc.anchor)
	}
	require.Empty(t, cmp.Diff(before, seq.Entries()))
}

func TestMergePage_ProtocolViolations(t *testing.T) {
	tests := []struct {
		name    string
		dir     Direction
		anchor  snowflake.ID
		page    []models.Message
		wasFull bool
	}{
		{name: "descending", dir: Before, anchor: 200, page: msgs(180, 150)},
		{name: "duplicate", dir: Before, anchor: 200, page: msgs(150, 150)},
		{name: "before crosses anchor", dir: Before, anchor: 200, page: msgs(150, 200)},
		{name: "after crosses anchor", dir: After, anchor: 100, page: msgs(100, 150)},
		{name: "empty but full", dir: Before, anchor: 200, wasFull: true},
		{name: "missing id", dir: Before, anchor: 200, page: []models.Message{{AuthorID: 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seq := build(t, 100, 0, 200, 0)
			rec := NewReconciler(seq)
			before := seq.Entries()

			res, err := rec.MergePage(tt.dir, tt.anchor, tt.page, tt.wasFull)
			require.ErrorIs(t, err, ErrProtocol)
			var perr *ProtocolError
			require.ErrorAs(t, err, &perr)
			require.Equal(t, tt.dir, perr.Direction)
			require.False(t, res.Changed())
			require.Empty(t, cmp.Diff(before, seq.Entries()))
		})
	}
}

func TestMergePage_GapShrinkIsMonotonic(t *testing.T) {
	universe := make([]snowflake.ID, 0, 60)
	for id := snowflake.ID(101); id < 161; id++ {
		universe = append(universe, id)
	}
	seq := build(t, 100, 0, 200)
	gapID := seq.Gaps()[0].ID
	rec := NewReconciler(seq)

	gap, _ := seq.Gap(gapID)
	span := gap.Span()
	for {
		gap, ok := seq.Gap(gapID)
		if !ok {
			break
		}
		page, full := serve(universe, Before, gap.Upper, 7)
		_, err := rec.MergePage(Before, gap.Upper, page, full)
		require.NoError(t, err)
		if shrunk, ok := seq.Gap(gapID); ok {
			require.LessOrEqual(t, shrunk.Span(), span)
			span = shrunk.Span()
		}
	}
	require.Equal(t, 62, seq.MessageCount())
}

// serve answers a page request against a server-side id list.
func serve(universe []snowflake.ID, dir Direction, anchor snowflake.ID, limit int) ([]models.Message, bool) {
	var page []snowflake.ID
	switch dir {
	case Before:
		end := len(universe)
		if !anchor.IsZero() {
			end, _ = slices.BinarySearch(universe, anchor)
		}
		page = universe[max(0, end-limit):end]
	case After:
		start, found := slices.BinarySearch(universe, anchor)
		if found {
			start++
		}
		page = universe[start:min(len(universe), start+limit)]
	case Around:
		pos, _ := slices.BinarySearch(universe, anchor)
		start := max(0, pos-limit/2)
		end := min(len(universe), start+limit)
		start = max(0, end-limit)
		page = universe[start:end]
	}
	return msgs(page...), len(page) == limit
}

func TestReconciler_RandomOperations(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 7))
	const limit = 7

	universe := make([]snowflake.ID, 0, 512)
	for id := snowflake.ID(10); id <= 2000; id += 10 {
		universe = append(universe, id)
	}
	seq := New(WithGeneration(1))
	_, err := seq.InsertGap(0)
	require.NoError(t, err)
	rec := NewReconciler(seq)

	latest := func() snowflake.ID {
		if len(universe) == 0 {
			return 0
		}
		return universe[len(universe)-1]
	}
	create := func(announce bool) {
		prev := latest()
		id := prev + snowflake.ID(1+rng.IntN(3))
		universe = append(universe, id)
		if announce {
			rec.OnCreated(msg(id), prev)
		}
	}

	for step := 0; step < 2000; step++ {
		switch op := rng.IntN(10); {
		case op < 5:
			gaps := seq.Gaps()
			if len(gaps) == 0 {
				continue
			}
			gap := gaps[rng.IntN(len(gaps))]
			dir, anchor := gap.Anchor()
			if rng.IntN(3) == 0 && !gap.OpenTop() && !gap.OpenBottom() && gap.Upper-gap.Lower > 1 {
				dir, anchor = Around, gap.Lower+(gap.Upper-gap.Lower)/2
			}
			page, full := serve(universe, dir, anchor, limit)
			res, err := rec.MergePage(dir, anchor, page, full)
			require.NoError(t, err, "step %d", step)
			require.False(t, res.Stale, "step %d", step)
		case op < 7:
			create(rng.IntN(4) != 0)
		case op < 9:
			if len(universe) == 0 {
				continue
			}
			i := rng.IntN(len(universe))
			id := universe[i]
			universe = slices.Delete(universe, i, i+1)
			rec.OnDeleted(id)
		default:
			before := seq.Entries()
			rec.OnDeleted(snowflake.Max)
			require.Empty(t, cmp.Diff(before, seq.Entries()))
		}

		require.NoError(t, seq.Check(), "step %d", step)
		for _, m := range seq.Messages() {
			_, found := slices.BinarySearch(universe, m.ID)
			require.True(t, found, "step %d: %s loaded but not on the server", step, m.ID)
		}
	}

	// An announced create reveals any missed message before it.
	create(true)
	for i := 0; seq.GapCount() > 0; i++ {
		require.Less(t, i, 10000, "gaps did not drain")
		gap := seq.Gaps()[0]
		dir, anchor := gap.Anchor()
		page, full := serve(universe, dir, anchor, limit)
		res, err := rec.MergePage(dir, anchor, page, full)
		require.NoError(t, err)
		require.False(t, res.Stale)
		require.NoError(t, seq.Check())
	}

	loaded := make([]snowflake.ID, 0, seq.MessageCount())
	for _, m := range seq.Messages() {
		loaded = append(loaded, m.ID)
	}
	require.Equal(t, universe, loaded)
}
