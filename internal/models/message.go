// Package models defines the message and realtime event types shared by the
// history engine and its transports.
package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/tOgg1/scrollback/internal/snowflake"
)

// MessageKind tells the engine how a message participates in chains.
type MessageKind int

const (
	KindNormal MessageKind = iota
	// KindSystemAction covers joins, pins, calls and other non-authored events.
	KindSystemAction
	// KindUnsendable is a locally composed message the server rejected.
	KindUnsendable
)

func (k MessageKind) String() string {
	switch k {
	case KindNormal:
		return "normal"
	case KindSystemAction:
		return "system"
	case KindUnsendable:
		return "unsendable"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseMessageKind accepts the names produced by String.
func ParseMessageKind(s string) (MessageKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return KindNormal, nil
	case "system":
		return KindSystemAction, nil
	case "unsendable":
		return KindUnsendable, nil
	default:
		return KindNormal, fmt.Errorf("unknown message kind %q", s)
	}
}

func (k MessageKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *MessageKind) UnmarshalText(text []byte) error {
	parsed, err := ParseMessageKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Attachment references an uploaded file.
type Attachment struct {
	ID          snowflake.ID `json:"id"`
	Filename    string       `json:"filename"`
	URL         string       `json:"url,omitempty"`
	Size        int64        `json:"size,omitempty"`
	ContentType string       `json:"content_type,omitempty"`
}

// Embed is a rich preview attached to a message.
type Embed struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
}

// Content is the payload of a message. The history engine never inspects it.
type Content struct {
	Text        string       `json:"text,omitempty"`
	ReplyTo     snowflake.ID `json:"reply_to,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Embeds      []Embed      `json:"embeds,omitempty"`
}

// Clone returns a deep copy.
func (c Content) Clone() Content {
	out := c
	if c.Attachments != nil {
		out.Attachments = append([]Attachment(nil), c.Attachments...)
	}
	if c.Embeds != nil {
		out.Embeds = append([]Embed(nil), c.Embeds...)
	}
	return out
}

// ContentPatch is a partial edit of a message. Nil fields keep their current
// value; a non-nil empty slice clears the field.
type ContentPatch struct {
	Text        *string       `json:"text,omitempty"`
	Attachments *[]Attachment `json:"attachments,omitempty"`
	Embeds      *[]Embed      `json:"embeds,omitempty"`
}

// ReplaceContent returns a patch that overwrites text, attachments and embeds.
func ReplaceContent(c Content) *ContentPatch {
	c = c.Clone()
	return &ContentPatch{Text: &c.Text, Attachments: &c.Attachments, Embeds: &c.Embeds}
}

// IsEmpty reports whether the patch changes nothing.
func (p ContentPatch) IsEmpty() bool {
	return p.Text == nil && p.Attachments == nil && p.Embeds == nil
}

// Apply returns c with the patch applied. c is not modified.
func (p ContentPatch) Apply(c Content) Content {
	out := c.Clone()
	if p.Text != nil {
		out.Text = *p.Text
	}
	if p.Attachments != nil {
		out.Attachments = append([]Attachment(nil), (*p.Attachments)...)
	}
	if p.Embeds != nil {
		out.Embeds = append([]Embed(nil), (*p.Embeds)...)
	}
	return out
}

// Message is a single chat message.
type Message struct {
	ID         snowflake.ID `json:"id"`
	ChannelID  snowflake.ID `json:"channel_id"`
	AuthorID   snowflake.ID `json:"author_id"`
	AuthorName string       `json:"author_name,omitempty"`
	CreatedAt  time.Time    `json:"created_at,omitempty"`
	EditedAt   *time.Time   `json:"edited_at,omitempty"`
	Kind       MessageKind  `json:"kind"`
	Content    Content      `json:"content"`
}

// Timestamp is CreatedAt, falling back to the instant encoded in the id.
func (m Message) Timestamp() time.Time {
	if !m.CreatedAt.IsZero() {
		return m.CreatedAt
	}
	return m.ID.Time()
}

// Edited reports whether the message carries an edit timestamp.
func (m Message) Edited() bool {
	return m.EditedAt != nil && !m.EditedAt.IsZero()
}

// Clone returns a deep copy.
func (m Message) Clone() Message {
	out := m
	out.Content = m.Content.Clone()
	if m.EditedAt != nil {
		edited := *m.EditedAt
		out.EditedAt = &edited
	}
	return out
}

// Validate checks the fields the history engine relies on.
func (m Message) Validate() error {
	var errs ValidationErrors
	if m.ID.IsZero() {
		errs.Add("id", ErrMissingID)
	}
	if m.AuthorID.IsZero() && m.Kind != KindSystemAction {
		errs.Add("author_id", ErrMissingAuthor)
	}
	if m.Edited() && !m.CreatedAt.IsZero() && m.EditedAt.Before(m.CreatedAt) {
		errs.AddMessage("edited_at", "precedes created_at")
	}
	return errs.Err()
}
