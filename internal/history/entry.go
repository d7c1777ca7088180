// Package history holds the per-channel message sequence and the reconciler
// that merges fetched pages and realtime events into it.
package history

import (
	"fmt"
	"strings"

	"github.com/tOgg1/scrollback/internal/models"
	"github.com/tOgg1/scrollback/internal/snowflake"
)

// Direction is the side of an anchor a history page was fetched from.
type Direction int

const (
	Before Direction = iota
	After
	Around
)

func (d Direction) String() string {
	switch d {
	case Before:
		return "before"
	case After:
		return "after"
	case Around:
		return "around"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// ParseDirection accepts before, after or around.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "before":
		return Before, nil
	case "after":
		return After, nil
	case "around":
		return Around, nil
	default:
		return Before, fmt.Errorf("unknown direction %q", s)
	}
}

func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Direction) UnmarshalText(text []byte) error {
	parsed, err := ParseDirection(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// GapID identifies a gap for as long as it exists. A gap that shrinks keeps
// its id.
type GapID uint64

// Key orders entries. A message is keyed by its id; a gap is keyed by its
// lower-bound message id with Gap set, so it sorts directly after that
// message. The open-top gap has ID zero.
type Key struct {
	ID  snowflake.ID
	Gap bool
}

// MessageKey is the key of the message with the given id.
func MessageKey(id snowflake.ID) Key { return Key{ID: id} }

// GapKey is the key of the gap following the message lower (zero for the
// open top).
func GapKey(lower snowflake.ID) Key { return Key{ID: lower, Gap: true} }

// Compare returns -1, 0 or +1.
func (k Key) Compare(other Key) int {
	if c := k.ID.Compare(other.ID); c != 0 {
		return c
	}
	switch {
	case k.Gap == other.Gap:
		return 0
	case other.Gap:
		return -1
	default:
		return 1
	}
}

func (k Key) Less(other Key) bool { return k.Compare(other) < 0 }

func (k Key) String() string {
	if !k.Gap {
		return k.ID.String()
	}
	if k.ID.IsZero() {
		return "gap(top)"
	}
	return "gap(" + k.ID.String() + ")"
}

// Gap is a known but unfetched range of messages. Lower and Upper are the
// ids of the neighbouring messages; zero means the edge is open.
type Gap struct {
	ID       GapID
	Lower    snowflake.ID
	Upper    snowflake.ID
	InFlight bool
}

// OpenTop reports whether nothing is known above the gap.
func (g Gap) OpenTop() bool { return g.Lower.IsZero() }

// OpenBottom reports whether nothing is known below the gap.
func (g Gap) OpenBottom() bool { return g.Upper.IsZero() }

// Contains reports whether id falls strictly inside the gap.
func (g Gap) Contains(id snowflake.ID) bool {
	if !g.OpenTop() && id <= g.Lower {
		return false
	}
	if !g.OpenBottom() && id >= g.Upper {
		return false
	}
	return true
}

// Span is the width of the id range the gap covers.
func (g Gap) Span() uint64 {
	upper := g.Upper
	if g.OpenBottom() {
		upper = snowflake.Max
	}
	return uint64(upper - g.Lower)
}

// Anchor is the default page request for the gap: before the upper bound,
// after the lower bound for the live edge, or the newest page when the gap
// is unbounded.
func (g Gap) Anchor() (Direction, snowflake.ID) {
	switch {
	case !g.OpenBottom():
		return Before, g.Upper
	case !g.OpenTop():
		return After, g.Lower
	default:
		return Before, 0
	}
}

func (g Gap) String() string {
	lower, upper := "-inf", "+inf"
	if !g.OpenTop() {
		lower = g.Lower.String()
	}
	if !g.OpenBottom() {
		upper = g.Upper.String()
	}
	return fmt.Sprintf("Gap#%d(%s,%s)", g.ID, lower, upper)
}

// Entry is one position of a sequence: either a message or a gap.
type Entry struct {
	Key     Key
	Message models.Message
	Gap     Gap
}

// MessageEntry wraps a message.
func MessageEntry(msg models.Message) Entry {
	return Entry{Key: MessageKey(msg.ID), Message: msg}
}

// GapEntry is a gap following the message lower.
func GapEntry(lower snowflake.ID) Entry {
	return Entry{Key: GapKey(lower), Gap: Gap{Lower: lower}}
}

func (e Entry) IsGap() bool { return e.Key.Gap }

// ID is the message id, or the gap's lower bound.
func (e Entry) ID() snowflake.ID { return e.Key.ID }

func (e Entry) String() string {
	if e.IsGap() {
		return e.Gap.String()
	}
	return e.Message.ID.String()
}
