package fetch

import (
	"time"

	"github.com/google/uuid"

	"github.com/tOgg1/scrollback/internal/history"
	"github.com/tOgg1/scrollback/internal/snowflake"
)

// Verdict is what the caller should do with a fetch result.
type Verdict int

const (
	// VerdictApply merges the page.
	VerdictApply Verdict = iota
	// VerdictStale drops the result silently.
	VerdictStale
	// VerdictFailed reports a transport failure; the gap may be retried.
	VerdictFailed
)

func (v Verdict) String() string {
	switch v {
	case VerdictApply:
		return "apply"
	case VerdictStale:
		return "stale"
	case VerdictFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Viewport is the range of sequence positions currently on screen.
type Viewport struct {
	First int
	Last  int
}

// Config controls planning.
type Config struct {
	// Distance is how many entries beyond the viewport are considered.
	Distance int
	// PageSize is the limit sent with every request.
	PageSize int
}

// DefaultConfig returns the default planning configuration.
func DefaultConfig() Config {
	return Config{Distance: DefaultDistance, PageSize: DefaultPageSize}
}

// Scheduler tracks outstanding requests for one channel. At most one request
// is outstanding per gap.
//
// A Scheduler runs on the same goroutine as the sequence it plans against.
type Scheduler struct {
	channelID snowflake.ID
	cfg       Config
	inflight  map[history.GapID]Ticket
	now       func() time.Time
	newID     func() uuid.UUID
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithClock sets the clock used to stamp tickets.
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTicketIDs sets the ticket id generator.
func WithTicketIDs(newID func() uuid.UUID) SchedulerOption {
	return func(s *Scheduler) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// NewScheduler creates a scheduler for a channel. Zero config values fall
// back to the defaults.
func NewScheduler(channelID snowflake.ID, cfg Config, opts ...SchedulerOption) *Scheduler {
	defaults := DefaultConfig()
	if cfg.Distance < 0 {
		cfg.Distance = 0
	} else if cfg.Distance == 0 {
		cfg.Distance = defaults.Distance
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaults.PageSize
	}
	s := &Scheduler{
		channelID: channelID,
		cfg:       cfg,
		inflight:  make(map[history.GapID]Ticket),
		now:       time.Now,
		newID:     uuid.New,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) ChannelID() snowflake.ID { return s.channelID }

// InFlight is the number of outstanding requests.
func (s *Scheduler) InFlight() int { return len(s.inflight) }

func (s *Scheduler) Config() Config { return s.cfg }

// Plan returns a request for every idle gap within Distance entries of the
// viewport. Gaps above the viewport are fetched upwards from their upper
// bound, gaps below it downwards from their lower bound.
func (s *Scheduler) Plan(seq *history.Sequence, vp Viewport) []Request {
	n := seq.Len()
	if n == 0 || seq.GapCount() == 0 {
		return nil
	}
	vp.First = min(max(vp.First, 0), n-1)
	vp.Last = min(max(vp.Last, vp.First), n-1)
	from := max(vp.First-s.cfg.Distance, 0)
	to := min(vp.Last+s.cfg.Distance, n-1)

	var out []Request
	for i := from; i <= to; i++ {
		entry := seq.At(i)
		if !entry.IsGap() || s.busy(entry.Gap) {
			continue
		}
		dir, anchor := direction(entry.Gap, i, vp)
		out = append(out, s.issue(seq, entry.Gap, dir, anchor))
	}
	return out
}

func direction(gap history.Gap, pos int, vp Viewport) (history.Direction, snowflake.ID) {
	switch {
	case pos < vp.First:
		return history.Before, gap.Upper
	case pos > vp.Last:
		return history.After, gap.Lower
	default:
		return gap.Anchor()
	}
}

// JumpTo plans an Around request for a message that is not loaded. ok is
// false when the message is loaded, no gap covers it, or the covering gap
// already has a request outstanding.
func (s *Scheduler) JumpTo(seq *history.Sequence, id snowflake.ID) (Request, bool) {
	if id.IsZero() || seq.Contains(id) {
		return Request{}, false
	}
	pos := seq.Search(history.MessageKey(id))
	if pos == 0 {
		return Request{}, false
	}
	entry := seq.At(pos - 1)
	if !entry.IsGap() || s.busy(entry.Gap) {
		return Request{}, false
	}
	return s.issue(seq, entry.Gap, history.Around, id), true
}

// Latest plans a request for the newest page when the live edge is a gap.
func (s *Scheduler) Latest(seq *history.Sequence) (Request, bool) {
	if seq.Len() == 0 {
		return Request{}, false
	}
	entry := seq.At(seq.Len() - 1)
	if !entry.IsGap() || s.busy(entry.Gap) {
		return Request{}, false
	}
	return s.issue(seq, entry.Gap, history.Before, 0), true
}

func (s *Scheduler) busy(gap history.Gap) bool {
	if gap.InFlight {
		return true
	}
	_, ok := s.inflight[gap.ID]
	return ok
}

func (s *Scheduler) issue(seq *history.Sequence, gap history.Gap, dir history.Direction, anchor snowflake.ID) Request {
	ticket := Ticket{
		ID:         s.newID(),
		ChannelID:  s.channelID,
		Gap:        gap.ID,
		Generation: seq.Generation(),
		IssuedAt:   s.now(),
	}
	s.inflight[gap.ID] = ticket
	_ = seq.SetInFlight(gap.ID, true)
	return Request{Ticket: ticket, Direction: dir, Anchor: anchor, Limit: s.cfg.PageSize}
}

// Accept settles a result. The outstanding ticket is cleared in every case;
// results from another channel or generation, for a gap that no longer
// exists, or for a superseded ticket are stale.
func (s *Scheduler) Accept(seq *history.Sequence, res Result) Verdict {
	ticket := res.Request.Ticket
	current, known := s.inflight[ticket.Gap]
	known = known && current.ID == ticket.ID
	if known {
		delete(s.inflight, ticket.Gap)
		if ticket.Generation == seq.Generation() {
			_ = seq.SetInFlight(ticket.Gap, false)
		}
	}

	if !known || ticket.ChannelID != s.channelID || ticket.Generation != seq.Generation() {
		return VerdictStale
	}
	if _, ok := seq.Gap(ticket.Gap); !ok {
		return VerdictStale
	}
	if res.Err != nil {
		return VerdictFailed
	}
	return VerdictApply
}

// Reset forgets every outstanding request, as after a channel switch.
func (s *Scheduler) Reset() {
	clear(s.inflight)
}
