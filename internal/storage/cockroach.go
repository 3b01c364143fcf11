package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/antinomyhq/forge/pkg/models"
)

// cockroachRepository is a Conversation Repository backed by
// CockroachDB/Postgres, the reference implementation's production
// persistence layer. Each conversation is stored as a single
// JSON-serializable document in a JSONB column; role/content/
// tool-call/reasoning/attachment fidelity and forward-compatibility with
// unknown fields both fall out of storing the whole document rather than
// normalizing it across tables.
type cockroachRepository struct {
	db *sql.DB
}

const cockroachSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	workspace TEXT NOT NULL DEFAULT '',
	document JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_conversations_workspace_updated
	ON conversations (workspace, updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_conversations_updated
	ON conversations (updated_at DESC);
`

// NewCockroachRepository opens a CockroachDB/Postgres-compatible
// connection pool and ensures the conversations table exists.
func NewCockroachRepository(dsn string, config *CockroachConfig) (Repository, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultCockroachConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, cockroachSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	return &cockroachRepository{db: db}, nil
}

// NewCockroachRepositoryFromDB wraps an already-open *sql.DB (e.g. one
// constructed by a test with sqlmock) without re-running schema setup.
func NewCockroachRepositoryFromDB(db *sql.DB) Repository {
	return &cockroachRepository{db: db}
}

func (s *cockroachRepository) Upsert(ctx context.Context, conv *models.Conversation) error {
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

	const q = `
INSERT INTO conversations (id, workspace, document, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET
	workspace = EXCLUDED.workspace,
	document = EXCLUDED.document,
	updated_at = EXCLUDED.updated_at
RETURNING created_at
`
	var createdAt time.Time
	if err := s.db.QueryRowContext(ctx, q, conv.ID, conv.Workspace, doc, conv.CreatedAt, conv.UpdatedAt).Scan(&createdAt); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	conv.CreatedAt = createdAt
	return nil
}

func (s *cockroachRepository) Find(ctx context.Context, id string) (*models.Conversation, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	const q = `SELECT document FROM conversations WHERE id = $1`
	var doc []byte
	err := s.db.QueryRowContext(ctx, q, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	return decodeConversation(doc)
}

func (s *cockroachRepository) List(ctx context.Context, limit int) ([]*models.Conversation, error) {
	q := `SELECT document FROM conversations ORDER BY updated_at DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []*models.Conversation
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conv, err := decodeConversation(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

func (s *cockroachRepository) LastForWorkspace(ctx context.Context, workspace string) (*models.Conversation, error) {
	const q = `
SELECT document FROM conversations
WHERE workspace = $1
ORDER BY updated_at DESC
LIMIT 1
`
	var doc []byte
	err := s.db.QueryRowContext(ctx, q, workspace).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("last conversation for workspace: %w", err)
	}
	return decodeConversation(doc)
}

func (s *cockroachRepository) Close() error {
	return s.db.Close()
}

func decodeConversation(doc []byte) (*models.Conversation, error) {
	var conv models.Conversation
	if err := json.Unmarshal(doc, &conv); err != nil {
		return nil, fmt.Errorf("unmarshal conversation: %w", err)
	}
	return &conv, nil
}
