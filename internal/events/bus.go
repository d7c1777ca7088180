// Package events fans realtime channel events out to the archive, the page
// cache and whichever views are following a channel.
package events

import (
	"context"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tOgg1/scrollback/internal/logging"
	"github.com/tOgg1/scrollback/internal/models"
	"github.com/tOgg1/scrollback/internal/snowflake"
)

// Handler is invoked for every event matching a subscription.
type Handler func(models.Event)

// Filter selects events. Empty fields match everything.
type Filter struct {
	// Channels limits delivery to these channels.
	Channels []snowflake.ID

	// Types limits delivery to these event types.
	Types []models.EventType
}

// Matches returns true if the event passes the filter.
func (f Filter) Matches(ev models.Event) bool {
	if len(f.Channels) > 0 && !slices.Contains(f.Channels, ev.ChannelID) {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, ev.Type) {
		return false
	}
	return true
}

// Recorder persists events before subscribers see them. The SQLite archive
// and the Redis page cache both implement it.
type Recorder interface {
	Apply(ctx context.Context, ev models.Event) error
}

type subscription struct {
	id      string
	filter  Filter
	handler Handler
}

// Bus is an in-process publisher.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription
	recorders     []Recorder
	logger        zerolog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithRecorder adds a recorder. Nil recorders are ignored.
func WithRecorder(r Recorder) Option {
	return func(b *Bus) {
		if r != nil {
			b.recorders = append(b.recorders, r)
		}
	}
}

// NewBus creates an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subscriptions: make(map[string]*subscription),
		logger:        logging.Component("events"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish records ev, then hands it to every matching subscriber in the
// caller's goroutine. Recorder failures are logged and do not stop
// delivery.
func (b *Bus) Publish(ctx context.Context, ev models.Event) {
	for _, r := range b.recorders {
		if err := r.Apply(ctx, ev); err != nil {
			b.logger.Warn().Err(err).
				Str("type", string(ev.Type)).
				Stringer("channel", ev.ChannelID).
				Msg("failed to record event")
		}
	}

	b.mu.RLock()
	var handlers []Handler
	for _, sub := range b.subscriptions {
		if sub.filter.Matches(ev) {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(ev)
	}
}

// Subscribe registers a handler under id.
func (b *Bus) Subscribe(id string, filter Filter, handler Handler) error {
	if id == "" {
		return ErrInvalidSubscriptionID
	}
	if handler == nil {
		return ErrNilHandler
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscriptions[id]; exists {
		return ErrSubscriptionExists
	}
	b.subscriptions[id] = &subscription{id: id, filter: filter, handler: handler}
	return nil
}

// Unsubscribe removes a subscription.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscriptions[id]; !exists {
		return ErrSubscriptionNotFound
	}
	delete(b.subscriptions, id)
	return nil
}

// UpdateSubscription replaces the filter of a subscription, for example
// when a view switches channels.
func (b *Bus) UpdateSubscription(id string, filter Filter) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, exists := b.subscriptions[id]
	if !exists {
		return ErrSubscriptionNotFound
	}
	sub.filter = filter
	return nil
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscriptions)
}

// Close removes all subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscriptions = make(map[string]*subscription)
}

// Errors for bus operations.
var (
	ErrInvalidSubscriptionID = &BusError{Message: "subscription ID is required"}
	ErrNilHandler            = &BusError{Message: "handler cannot be nil"}
	ErrSubscriptionExists    = &BusError{Message: "subscription with this ID already exists"}
	ErrSubscriptionNotFound  = &BusError{Message: "subscription not found"}
)

// BusError is returned by subscription management.
type BusError struct {
	Message string
}

func (e *BusError) Error() string {
	return e.Message
}
