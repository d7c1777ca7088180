// Package chaining derives per-message chain and date-separator flags from a
// history sequence.
package chaining

import (
	"time"

	"github.com/tOgg1/scrollback/internal/history"
	"github.com/tOgg1/scrollback/internal/models"
	"github.com/tOgg1/scrollback/internal/snowflake"
)

// DefaultChainWindow is the longest pause between two messages of the same
// author that still renders them as one chain.
const DefaultChainWindow = 7 * time.Minute

type Options struct {
	ChainWindow time.Duration
	// Location decides calendar days for date separators. Defaults to local time.
	Location *time.Location
}

func (o Options) withDefaults() Options {
	if o.ChainWindow <= 0 {
		o.ChainWindow = DefaultChainWindow
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	return o
}

// Flags are the derived presentation flags of one message.
type Flags struct {
	ID            snowflake.ID
	Chained       bool // continues the previous message's author header
	DateSeparator bool // a new calendar day starts at this message
}

// Seed describes what precedes a span: the nearest earlier message, and
// whether it directly precedes the span with no gap in between.
type Seed struct {
	Prev     *models.Message
	Adjacent bool
}

// Derive computes flags for every message in span.
func Derive(seed Seed, span []history.Entry, opts Options) []Flags {
	opts = opts.withDefaults()
	out := make([]Flags, 0, len(span))

	prev := seed.Prev
	adjacent := seed.Adjacent && prev != nil
	for _, entry := range span {
		if entry.IsGap() {
			adjacent = false
			continue
		}
		msg := entry.Message
		flags := Flags{ID: msg.ID}
		flags.DateSeparator = prev == nil || !sameDay(prev.Timestamp(), msg.Timestamp(), opts.Location)
		flags.Chained = adjacent && !flags.DateSeparator && chains(*prev, msg, opts.ChainWindow)
		out = append(out, flags)

		current := msg
		prev = &current
		adjacent = true
	}
	return out
}

// chains reports whether msg continues prev's chain.
func chains(prev, msg models.Message, window time.Duration) bool {
	if prev.Kind == models.KindSystemAction {
		return false
	}
	if prev.AuthorID != msg.AuthorID {
		return false
	}
	return msg.Timestamp().Sub(prev.Timestamp()) < window
}

func sameDay(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

// SeedAt returns the seed for a span starting at position i of seq.
func SeedAt(seq *history.Sequence, i int) Seed {
	adjacent := true
	for j := min(i, seq.Len()) - 1; j >= 0; j-- {
		entry := seq.At(j)
		if entry.IsGap() {
			adjacent = false
			continue
		}
		prev := entry.Message
		return Seed{Prev: &prev, Adjacent: adjacent}
	}
	return Seed{}
}

// Recompute derives flags for the entries in touched plus the next message
// after it, the only positions a reconciliation can affect.
func Recompute(seq *history.Sequence, touched history.Range, opts Options) []Flags {
	if !touched.Valid || seq.Len() == 0 {
		return nil
	}
	from := seq.Search(touched.From)
	to := seq.Search(touched.To)
	if pos, ok := seq.IndexOf(touched.To); ok {
		to = pos + 1
	}
	for to < seq.Len() {
		entry := seq.At(to)
		to++
		if !entry.IsGap() {
			break
		}
	}
	return Derive(SeedAt(seq, from), seq.Slice(from, to), opts)
}

// All derives flags for the whole sequence.
func All(seq *history.Sequence, opts Options) []Flags {
	return Derive(Seed{}, seq.Entries(), opts)
}

// Index maps flags by message id.
func Index(flags []Flags) map[snowflake.ID]Flags {
	out := make(map[snowflake.ID]Flags, len(flags))
	for _, f := range flags {
		out[f.ID] = f
	}
	return out
}
