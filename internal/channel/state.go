// Package channel ties the history engine together per open channel and
// drives it from a single goroutine.
package channel

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/scrollback/internal/anchor"
	"github.com/tOgg1/scrollback/internal/chaining"
	"github.com/tOgg1/scrollback/internal/fetch"
	"github.com/tOgg1/scrollback/internal/history"
	"github.com/tOgg1/scrollback/internal/logging"
	"github.com/tOgg1/scrollback/internal/models"
	"github.com/tOgg1/scrollback/internal/snowflake"
)

// Config holds the per-channel engine settings.
type Config struct {
	// ChainWindow bounds the pause between chained messages.
	// Default: 7m
	ChainWindow time.Duration

	// Location decides calendar days for date separators.
	// Default: time.Local
	Location *time.Location

	// Fetch controls gap planning.
	Fetch fetch.Config

	// Workers bounds concurrent page fetches in Run.
	// Default: 4
	Workers int

	// InboxSize is the capacity of the ordered input queue.
	// Default: 256
	InboxSize int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ChainWindow: chaining.DefaultChainWindow,
		Location:    time.Local,
		Fetch:       fetch.DefaultConfig(),
		Workers:     4,
		InboxSize:   256,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.ChainWindow <= 0 {
		c.ChainWindow = defaults.ChainWindow
	}
	if c.Location == nil {
		c.Location = defaults.Location
	}
	if c.Workers <= 0 {
		c.Workers = defaults.Workers
	}
	if c.InboxSize <= 0 {
		c.InboxSize = defaults.InboxSize
	}
	return c
}

// Update is what one input changed, for the presentation layer.
type Update struct {
	Channel snowflake.ID
	Result  history.Result
	// Correction has already been applied to the state's own layout.
	Correction anchor.Correction
	Requests   []fetch.Request
	Flags      []chaining.Flags
	// Reveal is a jump target that has just become loaded.
	Reveal snowflake.ID
	// Warning is a recoverable problem: a discarded page, a failed fetch or
	// a malformed event.
	Warning error
}

// State is the engine for one open channel: its sequence, reconciler,
// scheduler, derived flags and scroll anchor. A State is not safe for
// concurrent use; a Manager drives it from one goroutine.
type State struct {
	id        snowflake.ID
	seq       *history.Sequence
	rec       *history.Reconciler
	sched     *fetch.Scheduler
	layout    *anchor.Layout
	measurer  anchor.Measurer
	chainOpts chaining.Options
	flags     map[snowflake.ID]chaining.Flags

	viewFirst history.Key
	viewLast  history.Key
	viewSet   bool
	jump      snowflake.ID

	logger  zerolog.Logger
	metrics *Metrics
	label   string
}

// StateOption configures a State.
type StateOption func(*State)

// WithMeasurer replaces the built-in row layout. The caller then owns
// applying corrections to its own scroll position.
func WithMeasurer(m anchor.Measurer) StateOption {
	return func(s *State) {
		if m != nil {
			s.measurer = m
		}
	}
}

// WithHeights sets the row height function of the built-in layout.
func WithHeights(height anchor.HeightFunc) StateOption {
	return func(s *State) {
		s.layout.SetHeight(height)
	}
}

// WithMetrics records engine metrics.
func WithMetrics(m *Metrics) StateOption {
	return func(s *State) {
		s.metrics = m
	}
}

// WithSchedulerOptions passes options to the fetch scheduler.
func WithSchedulerOptions(opts ...fetch.SchedulerOption) StateOption {
	return func(s *State) {
		s.sched = fetch.NewScheduler(s.id, s.sched.Config(), opts...)
	}
}

// NewState creates the state for a channel. History is unknown until the
// first page arrives, so the sequence starts as one unbounded gap.
func NewState(channelID snowflake.ID, generation uint64, cfg Config, opts ...StateOption) *State {
	cfg = cfg.withDefaults()
	seq := history.New(history.WithGeneration(generation))
	_, _ = seq.InsertGap(0)

	s := &State{
		id:        channelID,
		seq:       seq,
		rec:       history.NewReconciler(seq),
		sched:     fetch.NewScheduler(channelID, cfg.Fetch),
		chainOpts: chaining.Options{ChainWindow: cfg.ChainWindow, Location: cfg.Location},
		flags:     make(map[snowflake.ID]chaining.Flags),
		logger:    logging.WithChannel(logging.Component("channel"), channelID),
		label:     channelID.String(),
	}
	s.layout = anchor.NewLayout(seq, nil)
	s.measurer = s.layout
	for _, opt := range opts {
		opt(s)
	}
	s.metrics.observeSequence(s.label, seq)
	return s
}

func (s *State) ChannelID() snowflake.ID { return s.id }

func (s *State) Generation() uint64 { return s.seq.Generation() }

// Sequence exposes the sequence for reading. Mutate it only through the
// State.
func (s *State) Sequence() *history.Sequence { return s.seq }

// Layout is the built-in row layout.
func (s *State) Layout() *anchor.Layout { return s.layout }

// Flags returns the derived flags of a loaded message.
func (s *State) Flags(id snowflake.ID) (chaining.Flags, bool) {
	f, ok := s.flags[id]
	return f, ok
}

// PendingJump is the jump target waiting for its gap to be fetched.
func (s *State) PendingJump() snowflake.ID { return s.jump }

// Start plans the first fetches.
func (s *State) Start() Update {
	return Update{Channel: s.id, Requests: s.plan()}
}

// Scroll records the visible range and plans fetches for nearby gaps.
func (s *State) Scroll(vp fetch.Viewport) Update {
	if n := s.seq.Len(); n > 0 {
		first := min(max(vp.First, 0), n-1)
		last := min(max(vp.Last, first), n-1)
		s.viewFirst = s.seq.At(first).Key
		s.viewLast = s.seq.At(last).Key
		s.viewSet = true
	}
	return Update{Channel: s.id, Requests: s.plan()}
}

// ScrollTo asks for a message to be shown, fetching around it when it is
// not loaded. A target no gap covers does not exist and is ignored.
func (s *State) ScrollTo(id snowflake.ID) Update {
	upd := Update{Channel: s.id}
	if s.seq.Contains(id) {
		s.reveal(&upd, id)
		return upd
	}
	if req, ok := s.sched.JumpTo(s.seq, id); ok {
		upd.Requests = append(upd.Requests, req)
		s.jump = id
		return upd
	}
	if s.coveringGap(id) {
		// The gap is already being fetched; retry once that lands.
		s.jump = id
	}
	return upd
}

// Latest jumps to the live edge.
func (s *State) Latest() Update {
	upd := Update{Channel: s.id}
	s.viewSet = false
	if req, ok := s.sched.Latest(s.seq); ok {
		upd.Requests = append(upd.Requests, req)
	}
	return upd
}

// HandlePage settles a fetch result and merges the page when it still
// applies.
func (s *State) HandlePage(res fetch.Result) Update {
	req := res.Request
	verdict := s.sched.Accept(s.seq, res)
	if s.metrics != nil {
		s.metrics.Fetches.WithLabelValues(verdict.String()).Inc()
		s.metrics.FetchDuration.Observe(res.Duration.Seconds())
	}

	switch verdict {
	case fetch.VerdictStale:
		s.logger.Debug().
			Str("ticket", req.Ticket.ID.String()).
			Uint64("generation", req.Ticket.Generation).
			Msg("dropping stale fetch result")
		if s.metrics != nil {
			s.metrics.StaleResults.Inc()
		}
		return Update{Channel: s.id, Result: history.Result{Stale: true}}
	case fetch.VerdictFailed:
		err := &fetch.Error{Request: req, Err: res.Err}
		s.logger.Warn().Err(err).Str("ticket", req.Ticket.ID.String()).Msg("history fetch failed")
		return Update{Channel: s.id, Warning: err}
	}

	for _, msg := range res.Page.Messages {
		if !msg.ChannelID.IsZero() && msg.ChannelID != s.id {
			err := &history.ProtocolError{
				Direction: req.Direction,
				Anchor:    req.Anchor,
				Reason:    fmt.Sprintf("message %s belongs to channel %s", msg.ID, msg.ChannelID),
			}
			return s.reject(err)
		}
	}

	s.logger.Debug().
		Str("ticket", req.Ticket.ID.String()).
		Stringer("direction", req.Direction).
		Stringer("anchor", req.Anchor).
		Int("messages", len(res.Page.Messages)).
		Bool("full", res.Page.WasFull).
		Msg("merging page")
	return s.apply("page", func() (history.Result, error) {
		return s.rec.MergePage(req.Direction, req.Anchor, res.Page.Messages, res.Page.WasFull)
	})
}

// HandleEvent applies a realtime create, edit or delete.
func (s *State) HandleEvent(ev models.Event) Update {
	if ev.ChannelID != s.id {
		if s.metrics != nil {
			s.metrics.StaleResults.Inc()
		}
		return Update{Channel: s.id, Result: history.Result{Stale: true}}
	}
	if err := ev.Validate(); err != nil {
		s.logger.Warn().Err(err).Str("type", string(ev.Type)).Msg("ignoring malformed event")
		return Update{Channel: s.id, Warning: fmt.Errorf("event %s: %w", ev.Type, err)}
	}
	return s.apply(string(ev.Type), func() (history.Result, error) {
		return s.rec.Apply(ev), nil
	})
}

// Reset discards everything and starts over under a new generation, as
// when the channel is switched away from and back to.
func (s *State) Reset(generation uint64) Update {
	s.seq.Reset(generation)
	_, _ = s.seq.InsertGap(0)
	s.sched.Reset()
	clear(s.flags)
	s.viewSet = false
	s.jump = 0
	s.layout.ScrollTo(0)
	s.metrics.observeSequence(s.label, s.seq)
	return s.Start()
}

func (s *State) apply(kind string, mutate func() (history.Result, error)) Update {
	before := anchor.Capture(s.seq, s.measurer)

	res, err := mutate()
	if err != nil {
		return s.reject(err)
	}
	upd := Update{Channel: s.id, Result: res}
	if res.Stale {
		if s.metrics != nil {
			s.metrics.StaleResults.Inc()
		}
		return upd
	}
	if !res.Changed() {
		return upd
	}
	if s.metrics != nil {
		s.metrics.Reconciliations.WithLabelValues(kind).Inc()
	}

	upd.Flags = s.refreshFlags(res)
	upd.Correction = anchor.ComputeCorrection(s.seq, before, s.measurer)
	if s.measurer == anchor.Measurer(s.layout) {
		s.layout.Apply(upd.Correction)
	}
	s.resumeJump(&upd)
	upd.Requests = append(upd.Requests, s.plan()...)
	s.metrics.observeSequence(s.label, s.seq)
	return upd
}

func (s *State) reject(err error) Update {
	if errors.Is(err, history.ErrProtocol) && s.metrics != nil {
		s.metrics.ProtocolViolations.Inc()
	}
	s.logger.Warn().Err(err).Msg("discarding page")
	return Update{Channel: s.id, Warning: err}
}

func (s *State) refreshFlags(res history.Result) []chaining.Flags {
	for _, id := range res.Removed {
		delete(s.flags, id)
	}
	flags := chaining.Recompute(s.seq, res.Touched, s.chainOpts)
	for _, f := range flags {
		s.flags[f.ID] = f
	}
	return flags
}

func (s *State) viewport() fetch.Viewport {
	n := s.seq.Len()
	if !s.viewSet || n == 0 {
		return fetch.Viewport{First: n - 1, Last: n - 1}
	}
	first := min(s.seq.Search(s.viewFirst), n-1)
	last := min(max(s.seq.Search(s.viewLast), first), n-1)
	return fetch.Viewport{First: first, Last: last}
}

func (s *State) plan() []fetch.Request {
	return s.sched.Plan(s.seq, s.viewport())
}

func (s *State) resumeJump(upd *Update) {
	if s.jump.IsZero() {
		return
	}
	target := s.jump
	if s.seq.Contains(target) {
		s.jump = 0
		s.reveal(upd, target)
		return
	}
	if req, ok := s.sched.JumpTo(s.seq, target); ok {
		upd.Requests = append(upd.Requests, req)
		return
	}
	if !s.coveringGap(target) {
		s.jump = 0
	}
}

func (s *State) reveal(upd *Update, id snowflake.ID) {
	upd.Reveal = id
	if s.measurer == anchor.Measurer(s.layout) {
		s.layout.Reveal(id)
	}
	pos, _ := s.seq.IndexOf(history.MessageKey(id))
	s.viewFirst, s.viewLast, s.viewSet = s.seq.At(pos).Key, s.seq.At(pos).Key, true
}

func (s *State) coveringGap(id snowflake.ID) bool {
	pos := s.seq.Search(history.MessageKey(id))
	return pos > 0 && s.seq.At(pos-1).IsGap()
}
