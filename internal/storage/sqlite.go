package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver, no cgo

	"github.com/antinomyhq/forge/pkg/models"
)

// sqliteRepository is a Conversation Repository backed by an
// embedded SQLite database, for single-process deployments that don't run
// a CockroachDB/Postgres cluster. Schema mirrors cockroachRepository's
// document-column design so the two implementations share the same
// encode/decode helpers.
type sqliteRepository struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	workspace TEXT NOT NULL DEFAULT '',
	document TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_workspace_updated
	ON conversations (workspace, updated_at DESC);
`

// NewSQLiteRepository opens (and creates, if absent) a SQLite-backed
// repository at path. Pass ":memory:" for an ephemeral in-process
// database useful in tests that want to exercise real SQL round-trips
// without a network dependency.
func NewSQLiteRepository(path string) (Repository, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite only supports one writer at a time; a single connection
	// avoids "database is locked" errors under concurrent upserts from
	// different conversations.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	return &sqliteRepository{db: db}, nil
}

func (s *sqliteRepository) Upsert(ctx context.Context, conv *models.Conversation) error {
	if conv == nil || conv.ID == "" {
		return ErrConversationRequired
	}

	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now

	doc, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var existingCreatedAt time.Time
	err = tx.QueryRowContext(ctx, `SELECT created_at FROM conversations WHERE id = ?`, conv.ID).Scan(&existingCreatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// new row; keep conv.CreatedAt as set above
	case err != nil:
		return fmt.Errorf("lookup existing conversation: %w", err)
	default:
		conv.CreatedAt = existingCreatedAt
	}

	const q = `
INSERT INTO conversations (id, workspace, document, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	workspace = excluded.workspace,
	document = excluded.document,
	updated_at = excluded.updated_at
`
	if _, err := tx.ExecContext(ctx, q, conv.ID, conv.Workspace, doc, conv.CreatedAt, conv.UpdatedAt); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}

	return tx.Commit()
}

func (s *sqliteRepository) Find(ctx context.Context, id string) (*models.Conversation, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM conversations WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	return decodeConversation([]byte(doc))
}

func (s *sqliteRepository) List(ctx context.Context, limit int) ([]*models.Conversation, error) {
	q := `SELECT document FROM conversations ORDER BY updated_at DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []*models.Conversation
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conv, err := decodeConversation([]byte(doc))
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

func (s *sqliteRepository) LastForWorkspace(ctx context.Context, workspace string) (*models.Conversation, error) {
	const q = `
SELECT document FROM conversations
WHERE workspace = ?
ORDER BY updated_at DESC
LIMIT 1
`
	var doc string
	err := s.db.QueryRowContext(ctx, q, workspace).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("last conversation for workspace: %w", err)
	}
	return decodeConversation([]byte(doc))
}

func (s *sqliteRepository) Close() error {
	return s.db.Close()
}
