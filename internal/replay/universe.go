package replay

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/tOgg1/scrollback/internal/fetch"
	"github.com/tOgg1/scrollback/internal/history"
	"github.com/tOgg1/scrollback/internal/models"
	"github.com/tOgg1/scrollback/internal/snowflake"
)

// Universe is an in-memory server history. It answers page requests with
// the same direction semantics as the REST endpoint.
type Universe struct {
	mu       sync.Mutex
	channels map[snowflake.ID][]models.Message
	requests int
}

// NewUniverse returns an empty universe.
func NewUniverse() *Universe {
	return &Universe{channels: make(map[snowflake.ID][]models.Message)}
}

// Add stores or replaces a message.
func (u *Universe) Add(msg models.Message) {
	u.mu.Lock()
	defer u.mu.Unlock()
	msgs := u.channels[msg.ChannelID]
	pos, found := u.search(msgs, msg.ID)
	if found {
		msgs[pos] = msg
		return
	}
	u.channels[msg.ChannelID] = slices.Insert(msgs, pos, msg)
}

// Apply mirrors a realtime event into the server history.
func (u *Universe) Apply(ev models.Event) {
	switch ev.Type {
	case models.EventTypeMessageCreated:
		if ev.Message != nil {
			msg := *ev.Message
			msg.ChannelID = ev.ChannelID
			u.Add(msg)
		}
	case models.EventTypeMessageUpdated:
		u.mu.Lock()
		defer u.mu.Unlock()
		msgs := u.channels[ev.ChannelID]
		if pos, found := u.search(msgs, ev.MessageID); found && ev.Content != nil {
			msgs[pos].Content = ev.Content.Apply(msgs[pos].Content)
			if ev.EditedAt != nil {
				msgs[pos].EditedAt = ev.EditedAt
			}
		}
	case models.EventTypeMessageDeleted:
		u.mu.Lock()
		defer u.mu.Unlock()
		msgs := u.channels[ev.ChannelID]
		if pos, found := u.search(msgs, ev.MessageID); found {
			u.channels[ev.ChannelID] = slices.Delete(msgs, pos, pos+1)
		}
	}
}

// Requests is the number of pages served.
func (u *Universe) Requests() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.requests
}

var _ fetch.Fetcher = (*Universe)(nil)

// FetchPage implements fetch.Fetcher.
func (u *Universe) FetchPage(_ context.Context, channelID, anchor snowflake.ID, dir history.Direction, limit int) (fetch.Page, error) {
	if limit <= 0 {
		return fetch.Page{}, fmt.Errorf("invalid limit %d", limit)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.requests++

	msgs := u.channels[channelID]
	var page []models.Message
	switch dir {
	case history.Before:
		end := len(msgs)
		if !anchor.IsZero() {
			end, _ = u.search(msgs, anchor)
		}
		page = msgs[max(0, end-limit):end]
	case history.After:
		start, found := u.search(msgs, anchor)
		if found {
			start++
		}
		page = msgs[start:min(len(msgs), start+limit)]
	case history.Around:
		pos, _ := u.search(msgs, anchor)
		before := min(pos, limit/2)
		end := min(len(msgs), pos+limit-before)
		page = msgs[pos-before : end]
	default:
		return fetch.Page{}, fmt.Errorf("unsupported direction %v", dir)
	}
	return fetch.Page{Messages: slices.Clone(page), WasFull: len(page) == limit}, nil
}

func (u *Universe) search(msgs []models.Message, id snowflake.ID) (int, bool) {
	return slices.BinarySearchFunc(msgs, id, func(m models.Message, id snowflake.ID) int {
		return m.ID.Compare(id)
	})
}
