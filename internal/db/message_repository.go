package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/tOgg1/scrollback/internal/fetch"
	"github.com/tOgg1/scrollback/internal/history"
	"github.com/tOgg1/scrollback/internal/models"
	"github.com/tOgg1/scrollback/internal/snowflake"
)

// Message repository errors.
var (
	ErrMessageNotFound = errors.New("message not found")
	ErrInvalidMessage  = errors.New("invalid message")
)

// MessageRepository persists archived channel history. It doubles as an
// offline history Fetcher.
type MessageRepository struct {
	db *DB
}

type messageExecer interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}

// NewMessageRepository creates a new MessageRepository.
func NewMessageRepository(db *DB) *MessageRepository {
	return &MessageRepository{db: db}
}

var _ fetch.Fetcher = (*MessageRepository)(nil)

// Save upserts msgs in a single transaction.
func (r *MessageRepository) Save(ctx context.Context, msgs ...models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	for _, m := range msgs {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
		}
	}
	return r.db.TransactionWithRetry(ctx, 0, 0, func(tx *sql.Tx) error {
		for _, m := range msgs {
			if err := r.upsert(ctx, tx, m); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *MessageRepository) upsert(ctx context.Context, execer messageExecer, m models.Message) error {
	content, err := json.Marshal(m.Content)
	if err != nil {
		return fmt.Errorf("failed to marshal content: %w", err)
	}
	_, err = execer.ExecContext(ctx, `
		INSERT INTO messages (
			channel_id, id, author_id, author_name, created_at, edited_at, kind, content_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (channel_id, id) DO UPDATE SET
			author_name = excluded.author_name,
			edited_at = excluded.edited_at,
			kind = excluded.kind,
			content_json = excluded.content_json
	`,
		int64(m.ChannelID),
		int64(m.ID),
		int64(m.AuthorID),
		m.AuthorName,
		m.Timestamp().UTC().Format(time.RFC3339Nano),
		formatTime(m.EditedAt),
		m.Kind.String(),
		string(content),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert message %s: %w", m.ID, err)
	}
	return nil
}

// Apply mirrors a realtime event into the archive. Edits and deletes of
// messages that were never archived are ignored.
func (r *MessageRepository) Apply(ctx context.Context, ev models.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	switch ev.Type {
	case models.EventTypeMessageCreated:
		return r.Save(ctx, *ev.Message)
	case models.EventTypeMessageUpdated:
		return r.db.Transaction(ctx, func(tx *sql.Tx) error {
			row := tx.QueryRowContext(ctx, selectMessage+` WHERE channel_id = ? AND id = ?`,
				int64(ev.ChannelID), int64(ev.MessageID))
			m, err := scanMessage(row)
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			if err != nil {
				return err
			}
			content, err := json.Marshal(ev.Content.Apply(m.Content))
			if err != nil {
				return fmt.Errorf("failed to marshal content: %w", err)
			}
			_, err = tx.ExecContext(ctx, `
				UPDATE messages SET content_json = ?, edited_at = COALESCE(?, edited_at)
				WHERE channel_id = ? AND id = ?
			`, string(content), formatTime(ev.EditedAt), int64(ev.ChannelID), int64(ev.MessageID))
			if err != nil {
				return fmt.Errorf("failed to update message %s: %w", ev.MessageID, err)
			}
			return nil
		})
	case models.EventTypeMessageDeleted:
		_, err := r.db.ExecContext(ctx, `DELETE FROM messages WHERE channel_id = ? AND id = ?`,
			int64(ev.ChannelID), int64(ev.MessageID))
		if err != nil {
			return fmt.Errorf("failed to delete message %s: %w", ev.MessageID, err)
		}
	}
	return nil
}

// Get retrieves one archived message.
func (r *MessageRepository) Get(ctx context.Context, channelID, id snowflake.ID) (models.Message, error) {
	row := r.db.QueryRowContext(ctx, selectMessage+` WHERE channel_id = ? AND id = ?`, int64(channelID), int64(id))
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return m, err
}

// Count returns the number of archived messages in a channel.
func (r *MessageRepository) Count(ctx context.Context, channelID snowflake.ID) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE channel_id = ?`, int64(channelID)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// FetchPage implements fetch.Fetcher over the archive with the same
// direction semantics as the REST endpoint. Pages are ascending.
func (r *MessageRepository) FetchPage(ctx context.Context, channelID, anchor snowflake.ID, dir history.Direction, limit int) (fetch.Page, error) {
	if limit <= 0 {
		limit = fetch.DefaultPageSize
	}
	ch := int64(channelID)

	var msgs []models.Message
	var err error
	switch dir {
	case history.Before:
		if anchor.IsZero() {
			msgs, err = r.query(ctx, `WHERE channel_id = ? ORDER BY id DESC LIMIT ?`, ch, limit)
		} else {
			msgs, err = r.query(ctx, `WHERE channel_id = ? AND id < ? ORDER BY id DESC LIMIT ?`, ch, int64(anchor), limit)
		}
		slices.Reverse(msgs)
	case history.After:
		msgs, err = r.query(ctx, `WHERE channel_id = ? AND id > ? ORDER BY id ASC LIMIT ?`, ch, int64(anchor), limit)
	case history.Around:
		var before, after []models.Message
		before, err = r.query(ctx, `WHERE channel_id = ? AND id < ? ORDER BY id DESC LIMIT ?`, ch, int64(anchor), limit/2)
		if err == nil {
			after, err = r.query(ctx, `WHERE channel_id = ? AND id >= ? ORDER BY id ASC LIMIT ?`, ch, int64(anchor), limit-len(before))
		}
		slices.Reverse(before)
		msgs = append(before, after...)
	default:
		return fetch.Page{}, fmt.Errorf("unsupported direction %v", dir)
	}
	if err != nil {
		return fetch.Page{}, err
	}
	return fetch.Page{Messages: msgs, WasFull: len(msgs) == limit}, nil
}

const selectMessage = `
	SELECT channel_id, id, author_id, author_name, created_at, edited_at, kind, content_json
	FROM messages`

func (r *MessageRepository) query(ctx context.Context, where string, args ...any) ([]models.Message, error) {
	rows, err := r.db.QueryContext(ctx, selectMessage+" "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (models.Message, error) {
	var (
		channelID, id, authorID int64
		m                       models.Message
		createdAt, kind, body   string
		editedAt                sql.NullString
	)
	if err := s.Scan(&channelID, &id, &authorID, &m.AuthorName, &createdAt, &editedAt, &kind, &body); err != nil {
		return models.Message{}, err
	}
	m.ChannelID = snowflake.ID(channelID)
	m.ID = snowflake.ID(id)
	m.AuthorID = snowflake.ID(authorID)

	var err error
	if m.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return models.Message{}, fmt.Errorf("message %s: bad created_at: %w", m.ID, err)
	}
	if editedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, editedAt.String)
		if err != nil {
			return models.Message{}, fmt.Errorf("message %s: bad edited_at: %w", m.ID, err)
		}
		m.EditedAt = &t
	}
	if m.Kind, err = models.ParseMessageKind(kind); err != nil {
		return models.Message{}, fmt.Errorf("message %s: %w", m.ID, err)
	}
	if err := json.Unmarshal([]byte(body), &m.Content); err != nil {
		return models.Message{}, fmt.Errorf("message %s: bad content: %w", m.ID, err)
	}
	return m, nil
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339Nano)
	return &s
}

// ArchivingFetcher stores every page next returns before handing it on.
type ArchivingFetcher struct {
	next fetch.Fetcher
	repo *MessageRepository
}

// NewArchivingFetcher wraps next.
func NewArchivingFetcher(next fetch.Fetcher, repo *MessageRepository) *ArchivingFetcher {
	return &ArchivingFetcher{next: next, repo: repo}
}

// FetchPage implements fetch.Fetcher. Archive failures are logged, not
// returned; the page is still usable.
func (a *ArchivingFetcher) FetchPage(ctx context.Context, channelID, anchor snowflake.ID, dir history.Direction, limit int) (fetch.Page, error) {
	page, err := a.next.FetchPage(ctx, channelID, anchor, dir, limit)
	if err != nil {
		return page, err
	}
	if err := a.repo.Save(ctx, page.Messages...); err != nil {
		a.repo.db.logger.Warn().Err(err).Stringer("channel", channelID).Msg("failed to archive page")
	}
	return page, nil
}
