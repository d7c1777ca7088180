package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tOgg1/scrollback/internal/snowflake"
)

// EventType categorizes realtime events.
type EventType string

const (
	EventTypeMessageCreated EventType = "message.create"
	EventTypeMessageUpdated EventType = "message.update"
	EventTypeMessageDeleted EventType = "message.delete"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventTypeMessageCreated, EventTypeMessageUpdated, EventTypeMessageDeleted:
		return true
	default:
		return false
	}
}

// Event is a realtime change to a channel's history.
type Event struct {
	// Type categorizes the event.
	Type EventType `json:"type"`

	// ChannelID is the channel the event belongs to.
	ChannelID snowflake.ID `json:"channel_id"`

	// Message is the created message. Set for message.create only.
	Message *Message `json:"message,omitempty"`

	// MessageID identifies the edited or deleted message.
	MessageID snowflake.ID `json:"message_id,omitempty"`

	// Content holds the fields an update changes. Fields it leaves nil are
	// kept as they are.
	Content *ContentPatch `json:"content,omitempty"`

	// EditedAt is the edit timestamp of an update. Nil for updates that are
	// not user edits, such as link unfurls.
	EditedAt *time.Time `json:"edited_at,omitempty"`

	// Previous is the channel's last message id as tracked by the gateway
	// before this create arrived. Zero when unknown.
	Previous snowflake.ID `json:"previous,omitempty"`

	// Metadata carries transport details for logs.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// TargetID is the id of the message the event refers to.
func (e Event) TargetID() snowflake.ID {
	if e.Type == EventTypeMessageCreated && e.Message != nil {
		return e.Message.ID
	}
	return e.MessageID
}

// Validate checks the event is well-formed for its type.
func (e Event) Validate() error {
	var errs ValidationErrors
	if !e.Type.Valid() {
		errs.Add("type", fmt.Errorf("%w: %q", ErrUnknownEvent, e.Type))
		return errs.Err()
	}
	if e.ChannelID.IsZero() {
		errs.Add("channel_id", ErrMissingChannel)
	}
	switch e.Type {
	case EventTypeMessageCreated:
		if e.Message == nil {
			errs.AddMessage("message", "message is required")
			break
		}
		errs.Add("message", e.Message.Validate())
		if !e.Previous.IsZero() && e.Previous >= e.Message.ID {
			errs.AddMessage("previous", "must precede the created message")
		}
	case EventTypeMessageUpdated:
		if e.MessageID.IsZero() {
			errs.Add("message_id", ErrMissingID)
		}
		if e.Content == nil || e.Content.IsEmpty() {
			errs.AddMessage("content", "update changes no fields")
		}
	case EventTypeMessageDeleted:
		if e.MessageID.IsZero() {
			errs.Add("message_id", ErrMissingID)
		}
	}
	return errs.Err()
}

// MarshalJSONL encodes the event as a single JSON line.
func (e Event) MarshalJSONL() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
