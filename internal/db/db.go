// Package db provides the SQLite message archive.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/tOgg1/scrollback/internal/logging"
)

// DB wraps the archive database handle.
type DB struct {
	*sql.DB
	path   string
	logger zerolog.Logger
}

// Open opens (creating if needed) the archive at path and applies the schema.
func Open(ctx context.Context, path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create archive directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path)
	return open(ctx, dsn, path)
}

// OpenInMemory opens a private in-memory archive.
func OpenInMemory(ctx context.Context) (*DB, error) {
	db, err := open(ctx, ":memory:", ":memory:")
	if err != nil {
		return nil, err
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	return db, nil
}

func open(ctx context.Context, dsn, path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to archive: %w", err)
	}

	db := &DB{DB: sqlDB, path: path, logger: logging.Component("db")}
	if err := db.ensureSchema(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	db.logger.Debug().Str("path", path).Msg("archive opened")
	return db, nil
}

// Path is the database file, or ":memory:".
func (db *DB) Path() string {
	return db.path
}

func (db *DB) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			channel_id INTEGER NOT NULL,
			id INTEGER NOT NULL,
			author_id INTEGER NOT NULL,
			author_name TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			edited_at TEXT,
			kind TEXT NOT NULL,
			content_json TEXT NOT NULL,
			PRIMARY KEY (channel_id, id)
		) WITHOUT ROWID`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize archive schema: %w", err)
		}
	}
	return nil
}

// Transaction runs fn in a transaction, rolling back when it fails.
func (db *DB) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
