package storage

import (
	"context"
	"errors"

	"github.com/antinomyhq/forge/pkg/models"
)

// ErrNotFound is returned by Repository.Find and LastForWorkspace when no
// conversation matches.
var ErrNotFound = errors.New("not found")

// Repository is the durable Conversation Repository contract:
// a key-value store of conversations keyed by id, with listing and
// last-active lookup. Writes are whole-document upserts; reads are point
// lookups. The orchestrator calls Upsert at conversation creation, after
// every assistant message, and at every terminal state; a
// Repository implementation is free to batch internally but must never
// lose the most recent Upsert before acknowledging it.
type Repository interface {
	// Upsert replaces the conversation in place, keyed by its ID.
	Upsert(ctx context.Context, conv *models.Conversation) error

	// Find returns a conversation by id, or ErrNotFound.
	Find(ctx context.Context, id string) (*models.Conversation, error)

	// List returns the most-recently-updated conversations, newest first,
	// bounded by limit. limit <= 0 means no bound.
	List(ctx context.Context, limit int) ([]*models.Conversation, error)

	// LastForWorkspace returns the most recently updated conversation
	// bound to workspace, or ErrNotFound.
	LastForWorkspace(ctx context.Context, workspace string) (*models.Conversation, error)

	// Close releases any underlying resources (connections, file handles).
	Close() error
}
