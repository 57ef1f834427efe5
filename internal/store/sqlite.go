package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/vpsdeck/internal/chat"
	"github.com/ashureev/vpsdeck/internal/domain"
	"github.com/ashureev/vpsdeck/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	writeRetries   = 3
	writeBaseDelay = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single writer avoids most SQLITE_BUSY churn; retries cover the rest.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS conversations (
		conversation_id TEXT PRIMARY KEY,
		container_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);
	CREATE INDEX IF NOT EXISTS idx_conversations_container ON conversations(container_id);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL REFERENCES conversations(conversation_id) ON DELETE CASCADE,
		message_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(conversation_id, message_id)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// RecordMessage upserts m. A message recorded again (a failed message later
// delivered by a regenerate) keeps its original position.
func (s *SQLiteStore) RecordMessage(ctx context.Context, conversationID, containerID string, m chat.Message) error {
	return withRetry(ctx, "record message", func() error {
		return s.recordMessageOnce(ctx, conversationID, containerID, m)
	})
}

func (s *SQLiteStore) recordMessageOnce(ctx context.Context, conversationID, containerID string, m chat.Message) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := s.now().UnixMilli()
	if _, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (conversation_id, container_id, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET updated_at = excluded.updated_at`,
		conversationID, containerID, now, now,
	); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}

	created := m.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	if _, err = tx.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, message_id, role, content, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, message_id) DO UPDATE SET
			content = excluded.content,
			status = excluded.status`,
		conversationID, m.ID, string(m.Role), m.Content, string(m.Status), created.UnixMilli(),
	); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// History implements chat.HistorySource over the cache.
func (s *SQLiteStore) History(ctx context.Context, conversationID string) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, role, content, status, created_at
		FROM messages WHERE conversation_id = ? ORDER BY seq`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var out []chat.Message
	for rows.Next() {
		var m chat.Message
		var role, status string
		var created int64
		if err := rows.Scan(&m.ID, &role, &m.Content, &status, &created); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Role = chat.Role(role)
		m.Status = chat.Status(status)
		m.CreatedAt = time.UnixMilli(created)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

const conversationColumns = `
	c.conversation_id, c.container_id, c.created_at, c.updated_at,
	(SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.conversation_id)`

func scanConversation(scan func(dest ...any) error) (*domain.Conversation, error) {
	var conv domain.Conversation
	var created, updated int64
	if err := scan(&conv.ID, &conv.ContainerID, &created, &updated, &conv.MessageCount); err != nil {
		return nil, err
	}
	conv.CreatedAt = time.UnixMilli(created)
	conv.UpdatedAt = time.UnixMilli(updated)
	return &conv, nil
}

// GetConversation returns a conversation header, or nil when absent.
func (s *SQLiteStore) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT`+conversationColumns+` FROM conversations c WHERE c.conversation_id = ?`, conversationID)
	conv, err := scanConversation(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}
	return conv, nil
}

// ListConversations returns conversations, newest first.
func (s *SQLiteStore) ListConversations(ctx context.Context, containerID string) ([]*domain.Conversation, error) {
	query := `SELECT` + conversationColumns + ` FROM conversations c`
	var args []any
	if containerID != "" {
		query += ` WHERE c.container_id = ?`
		args = append(args, containerID)
	}
	query += ` ORDER BY c.updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close conversation rows", "error", closeErr)
		}
	}()

	var out []*domain.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return out, nil
}

// DeleteConversation removes a conversation and its messages.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, conversationID string) error {
	return withRetry(ctx, "delete conversation", func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE conversation_id = ?`, conversationID); err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
		return nil
	})
}

// DeleteStaleConversations removes conversations untouched for olderThan.
func (s *SQLiteStore) DeleteStaleConversations(ctx context.Context, olderThan time.Duration) (int64, error) {
	threshold := s.now().Add(-olderThan).UnixMilli()
	var deleted int64
	err := withRetry(ctx, "delete stale conversations", func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE updated_at < ?`, threshold)
		if err != nil {
			return fmt.Errorf("delete stale conversations: %w", err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}

// withRetry retries op on SQLite busy/locked errors with exponential backoff.
func withRetry(ctx context.Context, name string, op func() error) error {
	var err error
	for i := 0; i < writeRetries; i++ {
		err = op()
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return err
		}
		if i == writeRetries-1 {
			break
		}
		delay := writeBaseDelay * time.Duration(1<<i)
		slog.Debug("SQLite conflict, retrying", "op", name, "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", name, writeRetries, err)
}
