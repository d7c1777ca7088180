package channel

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tOgg1/scrollback/internal/fetch"
	"github.com/tOgg1/scrollback/internal/history"
	"github.com/tOgg1/scrollback/internal/logging"
	"github.com/tOgg1/scrollback/internal/models"
	"github.com/tOgg1/scrollback/internal/snowflake"
)

// Manager errors.
var (
	ErrAlreadyRunning = errors.New("channel manager already running")
	ErrNoFetcher      = errors.New("channel manager has no fetcher")
)

// Input is anything that can change a channel's state.
type Input interface {
	Channel() snowflake.ID
	input()
}

// OpenInput starts tracking a channel.
type OpenInput struct{ ChannelID snowflake.ID }

// CloseInput drops a channel's state.
type CloseInput struct{ ChannelID snowflake.ID }

// PageInput carries a completed fetch.
type PageInput struct{ Result fetch.Result }

// EventInput carries a realtime event.
type EventInput struct{ Event models.Event }

// ScrollInput reports the visible range.
type ScrollInput struct {
	ChannelID snowflake.ID
	Viewport  fetch.Viewport
}

// JumpInput asks for a message to be shown. A zero Target jumps to the
// latest messages.
type JumpInput struct {
	ChannelID snowflake.ID
	Target    snowflake.ID
}

func (in OpenInput) Channel() snowflake.ID   { return in.ChannelID }
func (in CloseInput) Channel() snowflake.ID  { return in.ChannelID }
func (in PageInput) Channel() snowflake.ID   { return in.Result.Request.Ticket.ChannelID }
func (in EventInput) Channel() snowflake.ID  { return in.Event.ChannelID }
func (in ScrollInput) Channel() snowflake.ID { return in.ChannelID }
func (in JumpInput) Channel() snowflake.ID   { return in.ChannelID }

func (OpenInput) input()   {}
func (CloseInput) input()  {}
func (PageInput) input()   {}
func (EventInput) input()  {}
func (ScrollInput) input() {}
func (JumpInput) input()   {}

// Manager owns the state of every open channel. Handle applies inputs
// synchronously; Run drains the inbox and executes fetches on a bounded
// pool of workers. Apart from Submit, a Manager is not safe for concurrent
// use, and Handle must not be called while Run is active.
type Manager struct {
	cfg       Config
	fetcher   fetch.Fetcher
	metrics   *Metrics
	stateOpts []StateOption
	logger    zerolog.Logger

	states     map[snowflake.ID]*State
	generation uint64
	inbox      chan Input

	mu      sync.Mutex
	running bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerMetrics records engine metrics for every channel.
func WithManagerMetrics(m *Metrics) ManagerOption {
	return func(mgr *Manager) {
		mgr.metrics = m
	}
}

// WithStateOptions applies opts to every State the manager creates.
func WithStateOptions(opts ...StateOption) ManagerOption {
	return func(mgr *Manager) {
		mgr.stateOpts = append(mgr.stateOpts, opts...)
	}
}

// NewManager creates a Manager. fetcher may be nil when the caller executes
// requests itself and feeds results back through Handle.
func NewManager(cfg Config, fetcher fetch.Fetcher, opts ...ManagerOption) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:     cfg,
		fetcher: fetcher,
		logger:  logging.Component("channel"),
		states:  make(map[snowflake.ID]*State),
		inbox:   make(chan Input, cfg.InboxSize),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the state of an open channel.
func (m *Manager) State(channelID snowflake.ID) (*State, bool) {
	st, ok := m.states[channelID]
	return st, ok
}

// Open starts tracking a channel. Every open gets a fresh generation, so
// results fetched for an earlier visit are discarded.
func (m *Manager) Open(channelID snowflake.ID) (*State, Update) {
	if st, ok := m.states[channelID]; ok {
		return st, st.Start()
	}
	m.generation++
	opts := append([]StateOption{WithMetrics(m.metrics)}, m.stateOpts...)
	st := NewState(channelID, m.generation, m.cfg, opts...)
	m.states[channelID] = st
	if m.metrics != nil {
		m.metrics.OpenChannels.Set(float64(len(m.states)))
	}
	m.logger.Debug().
		Stringer("channel_id", channelID).
		Uint64("generation", m.generation).
		Msg("channel opened")
	return st, st.Start()
}

// Close drops a channel's state. Outstanding fetches for it become stale.
func (m *Manager) Close(channelID snowflake.ID) {
	if _, ok := m.states[channelID]; !ok {
		return
	}
	delete(m.states, channelID)
	if m.metrics != nil {
		m.metrics.OpenChannels.Set(float64(len(m.states)))
		m.metrics.forget(channelID.String())
	}
	m.logger.Debug().Stringer("channel_id", channelID).Msg("channel closed")
}

// Handle applies one input. It returns the channel's state, or nil when the
// input was for a channel that is not open.
func (m *Manager) Handle(in Input) (*State, Update) {
	switch in := in.(type) {
	case OpenInput:
		return m.Open(in.ChannelID)
	case CloseInput:
		m.Close(in.ChannelID)
		return nil, Update{Channel: in.ChannelID}
	}

	st, ok := m.states[in.Channel()]
	if !ok {
		if _, page := in.(PageInput); page && m.metrics != nil {
			m.metrics.StaleResults.Inc()
		}
		return nil, Update{Channel: in.Channel(), Result: history.Result{Stale: true}}
	}

	switch in := in.(type) {
	case PageInput:
		return st, st.HandlePage(in.Result)
	case EventInput:
		return st, st.HandleEvent(in.Event)
	case ScrollInput:
		return st, st.Scroll(in.Viewport)
	case JumpInput:
		if in.Target.IsZero() {
			return st, st.Latest()
		}
		return st, st.ScrollTo(in.Target)
	default:
		return st, Update{Channel: in.Channel()}
	}
}

// Submit queues an input for Run. It is safe to call from any goroutine.
func (m *Manager) Submit(ctx context.Context, in Input) error {
	select {
	case m.inbox <- in:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes submitted inputs in order until ctx is cancelled. Requests
// produced along the way are fetched by at most cfg.Workers goroutines and
// their results re-enter through the inbox. sink, if non-nil, sees every
// update on the Run goroutine.
func (m *Manager) Run(ctx context.Context, sink func(*State, Update)) error {
	if m.fetcher == nil {
		return ErrNoFetcher
	}
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	m.logger.Info().Int("workers", m.cfg.Workers).Msg("channel manager starting")

	var wg sync.WaitGroup
	defer wg.Wait()

	sem := make(chan struct{}, m.cfg.Workers)
	var pending []fetch.Request

	for {
		pending = m.dispatch(ctx, &wg, sem, pending)

		select {
		case <-ctx.Done():
			m.logger.Info().Msg("channel manager stopping")
			return ctx.Err()
		case in := <-m.inbox:
			st, upd := m.Handle(in)
			pending = append(pending, upd.Requests...)
			if sink != nil {
				sink(st, upd)
			}
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, wg *sync.WaitGroup, sem chan struct{}, pending []fetch.Request) []fetch.Request {
	for len(pending) > 0 {
		req := pending[0]
		if !m.current(req.Ticket) {
			pending = pending[1:]
			continue
		}
		select {
		case sem <- struct{}{}:
		default:
			return pending
		}
		pending = pending[1:]

		wg.Add(1)
		go func() {
			defer wg.Done()
			res := fetch.Execute(ctx, m.fetcher, req)
			<-sem
			select {
			case m.inbox <- PageInput{Result: res}:
			case <-ctx.Done():
			}
		}()
	}
	return pending
}

// current reports whether a ticket still belongs to an open channel's
// generation.
func (m *Manager) current(t fetch.Ticket) bool {
	st, ok := m.states[t.ChannelID]
	return ok && st.Generation() == t.Generation
}
