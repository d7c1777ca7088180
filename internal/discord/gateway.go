package discord

import (
	"encoding/json"
	"time"

	"github.com/tOgg1/scrollback/internal/models"
	"github.com/tOgg1/scrollback/internal/snowflake"
)

// Opcode is a gateway payload opcode.
type Opcode int

const (
	OpDispatch       Opcode = 0
	OpHeartbeat      Opcode = 1
	OpIdentify       Opcode = 2
	OpResume         Opcode = 6
	OpReconnect      Opcode = 7
	OpInvalidSession Opcode = 9
	OpHello          Opcode = 10
	OpHeartbeatAck   Opcode = 11
)

// Gateway intents scrollback subscribes to.
const (
	IntentGuilds         = 1 << 0
	IntentGuildMessages  = 1 << 9
	IntentDirectMessages = 1 << 12
	IntentMessageContent = 1 << 15

	DefaultIntents = IntentGuilds | IntentGuildMessages | IntentDirectMessages | IntentMessageContent
)

// Dispatch event names.
const (
	EventReady             = "READY"
	EventResumed           = "RESUMED"
	EventGuildCreate       = "GUILD_CREATE"
	EventChannelCreate     = "CHANNEL_CREATE"
	EventThreadCreate      = "THREAD_CREATE"
	EventMessageCreate     = "MESSAGE_CREATE"
	EventMessageUpdate     = "MESSAGE_UPDATE"
	EventMessageDelete     = "MESSAGE_DELETE"
	EventMessageDeleteBulk = "MESSAGE_DELETE_BULK"
)

// Payload is the gateway envelope.
type Payload struct {
	Op Opcode          `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

type Hello struct {
	HeartbeatInterval int `json:"heartbeat_interval"`
}

// Interval is the heartbeat period.
func (h Hello) Interval() time.Duration {
	return time.Duration(h.HeartbeatInterval) * time.Millisecond
}

type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type Identify struct {
	Token      string             `json:"token"`
	Intents    int                `json:"intents"`
	Properties IdentifyProperties `json:"properties"`
}

type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// Channel is the subset of a channel object needed to seed realtime
// ordering.
type Channel struct {
	ID            snowflake.ID `json:"id"`
	GuildID       snowflake.ID `json:"guild_id,omitempty"`
	Name          string       `json:"name,omitempty"`
	Type          int          `json:"type"`
	LastMessageID snowflake.ID `json:"last_message_id,omitempty"`
}

type Ready struct {
	SessionID        string    `json:"session_id"`
	ResumeGatewayURL string    `json:"resume_gateway_url"`
	User             User      `json:"user"`
	PrivateChannels  []Channel `json:"private_channels"`
}

type GuildCreate struct {
	ID       snowflake.ID `json:"id"`
	Name     string       `json:"name"`
	Channels []Channel    `json:"channels"`
	Threads  []Channel    `json:"threads"`
}

// MessageUpdate is a partial message; absent fields were not changed.
type MessageUpdate struct {
	ID              snowflake.ID  `json:"id"`
	ChannelID       snowflake.ID  `json:"channel_id"`
	Content         *string       `json:"content,omitempty"`
	EditedTimestamp *time.Time    `json:"edited_timestamp,omitempty"`
	Attachments     *[]Attachment `json:"attachments,omitempty"`
	Embeds          *[]Embed      `json:"embeds,omitempty"`
}

type MessageDelete struct {
	ID        snowflake.ID `json:"id"`
	ChannelID snowflake.ID `json:"channel_id"`
	GuildID   snowflake.ID `json:"guild_id,omitempty"`
}

type MessageDeleteBulk struct {
	IDs       []snowflake.ID `json:"ids"`
	ChannelID snowflake.ID   `json:"channel_id"`
	GuildID   snowflake.ID   `json:"guild_id,omitempty"`
}

// CreatedEvent builds a create event. previous is the channel's last
// message id before this one, zero when unknown.
func CreatedEvent(m Message, previous snowflake.ID) models.Event {
	msg := m.Model()
	if previous >= msg.ID {
		previous = 0
	}
	return models.Event{
		Type:      models.EventTypeMessageCreated,
		ChannelID: m.ChannelID,
		Message:   &msg,
		Previous:  previous,
	}
}

// UpdatedEvent builds an update event carrying only the fields present in
// the payload. ok is false when the payload changes none of them (pins,
// flag changes). Link unfurls arrive as embeds without an edit timestamp.
func UpdatedEvent(u MessageUpdate) (models.Event, bool) {
	var patch models.ContentPatch
	if u.Content != nil {
		text := *u.Content
		patch.Text = &text
	}
	if u.Attachments != nil {
		attachments := make([]models.Attachment, 0, len(*u.Attachments))
		for _, a := range *u.Attachments {
			attachments = append(attachments, models.Attachment{
				ID: a.ID, Filename: a.Filename, URL: a.URL, Size: a.Size, ContentType: a.ContentType,
			})
		}
		patch.Attachments = &attachments
	}
	if u.Embeds != nil {
		embeds := make([]models.Embed, 0, len(*u.Embeds))
		for _, e := range *u.Embeds {
			embeds = append(embeds, models.Embed{Title: e.Title, Description: e.Description, URL: e.URL})
		}
		patch.Embeds = &embeds
	}
	if patch.IsEmpty() {
		return models.Event{}, false
	}
	return models.Event{
		Type:      models.EventTypeMessageUpdated,
		ChannelID: u.ChannelID,
		MessageID: u.ID,
		Content:   &patch,
		EditedAt:  u.EditedTimestamp,
	}, true
}

// DeletedEvents expands single and bulk deletes.
func DeletedEvents(channelID snowflake.ID, ids ...snowflake.ID) []models.Event {
	out := make([]models.Event, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.Event{
			Type:      models.EventTypeMessageDeleted,
			ChannelID: channelID,
			MessageID: id,
		})
	}
	return out
}
