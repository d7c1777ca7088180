// Package discord holds the Discord wire types scrollback reads and their
// mapping onto the engine's models.
package discord

import (
	"slices"
	"time"

	"github.com/tOgg1/scrollback/internal/models"
	"github.com/tOgg1/scrollback/internal/snowflake"
)

// MessageType is Discord's message "type" field.
type MessageType int

// Message types that carry user-authored content. Everything else is a
// system message (joins, pins, boosts, thread notices).
const (
	MessageTypeDefault            MessageType = 0
	MessageTypeReply              MessageType = 19
	MessageTypeChatInputCommand   MessageType = 20
	MessageTypeContextMenuCommand MessageType = 23
)

// Kind maps the Discord type onto the engine's message kind.
func (t MessageType) Kind() models.MessageKind {
	switch t {
	case MessageTypeDefault, MessageTypeReply, MessageTypeChatInputCommand, MessageTypeContextMenuCommand:
		return models.KindNormal
	default:
		return models.KindSystemAction
	}
}

// User is the subset of a Discord user object scrollback displays.
type User struct {
	ID         snowflake.ID `json:"id"`
	Username   string       `json:"username"`
	GlobalName *string      `json:"global_name,omitempty"`
	Bot        bool         `json:"bot,omitempty"`
}

// DisplayName prefers the global display name.
func (u User) DisplayName() string {
	if u.GlobalName != nil && *u.GlobalName != "" {
		return *u.GlobalName
	}
	return u.Username
}

type Attachment struct {
	ID          snowflake.ID `json:"id"`
	Filename    string       `json:"filename"`
	Size        int64        `json:"size"`
	URL         string       `json:"url"`
	ContentType string       `json:"content_type,omitempty"`
}

type Embed struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
}

// MessageReference points at the message a reply answers.
type MessageReference struct {
	MessageID snowflake.ID `json:"message_id,omitempty"`
	ChannelID snowflake.ID `json:"channel_id,omitempty"`
	GuildID   snowflake.ID `json:"guild_id,omitempty"`
}

// Message is a Discord message object as returned by REST and MESSAGE_CREATE.
type Message struct {
	ID               snowflake.ID      `json:"id"`
	ChannelID        snowflake.ID      `json:"channel_id"`
	GuildID          snowflake.ID      `json:"guild_id,omitempty"`
	Author           User              `json:"author"`
	Content          string            `json:"content"`
	Timestamp        time.Time         `json:"timestamp"`
	EditedTimestamp  *time.Time        `json:"edited_timestamp"`
	Type             MessageType       `json:"type"`
	Attachments      []Attachment      `json:"attachments"`
	Embeds           []Embed           `json:"embeds"`
	MessageReference *MessageReference `json:"message_reference,omitempty"`
}

// Model converts the wire message.
func (m Message) Model() models.Message {
	out := models.Message{
		ID:         m.ID,
		ChannelID:  m.ChannelID,
		AuthorID:   m.Author.ID,
		AuthorName: m.Author.DisplayName(),
		CreatedAt:  m.Timestamp,
		Kind:       m.Type.Kind(),
		Content:    m.content(),
	}
	if m.EditedTimestamp != nil && !m.EditedTimestamp.IsZero() {
		edited := *m.EditedTimestamp
		out.EditedAt = &edited
	}
	return out
}

func (m Message) content() models.Content {
	c := models.Content{Text: m.Content}
	if m.Type == MessageTypeReply && m.MessageReference != nil {
		c.ReplyTo = m.MessageReference.MessageID
	}
	for _, a := range m.Attachments {
		c.Attachments = append(c.Attachments, models.Attachment{
			ID:          a.ID,
			Filename:    a.Filename,
			URL:         a.URL,
			Size:        a.Size,
			ContentType: a.ContentType,
		})
	}
	for _, e := range m.Embeds {
		c.Embeds = append(c.Embeds, models.Embed{Title: e.Title, Description: e.Description, URL: e.URL})
	}
	return c
}

// Models converts a page of messages. REST returns pages newest first; the
// result is ascending by id.
func Models(page []Message) []models.Message {
	out := make([]models.Message, len(page))
	for i, m := range page {
		out[len(page)-1-i] = m.Model()
	}
	if !ascending(out) {
		slices.SortStableFunc(out, func(a, b models.Message) int { return a.ID.Compare(b.ID) })
	}
	return out
}

func ascending(msgs []models.Message) bool {
	for i := 1; i < len(msgs); i++ {
		if msgs[i].ID <= msgs[i-1].ID {
			return false
		}
	}
	return true
}
