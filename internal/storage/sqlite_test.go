package storage

import (
	"context"
	"testing"
	"time"

	"github.com/antinomyhq/forge/pkg/models"
)

func TestSQLiteRepository_RoundTrip(t *testing.T) {
	repo, err := NewSQLiteRepository(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteRepository: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	conv := &models.Conversation{
		ID:            "conv-1",
		Workspace:     "ws-a",
		Title:         "say hi",
		ActiveAgentID: "forge",
		Context: []models.Message{
			{ID: "m1", Kind: models.KindUserText, Role: models.RoleUser, Content: "hi"},
		},
		Usage: models.Usage{PromptTokens: 3, TotalTokens: 3},
	}

	if err := repo.Upsert(ctx, conv); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := repo.Find(ctx, "conv-1")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got.Title != conv.Title || len(got.Context) != 1 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestSQLiteRepository_UpsertPreservesCreatedAt(t *testing.T) {
	repo, err := NewSQLiteRepository(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteRepository: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	conv := &models.Conversation{ID: "conv-1", Workspace: "ws-a"}
	if err := repo.Upsert(ctx, conv); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	firstCreated := conv.CreatedAt

	time.Sleep(time.Millisecond)
	conv.Title = "updated"
	if err := repo.Upsert(ctx, conv); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if !conv.CreatedAt.Equal(firstCreated) {
		t.Fatalf("CreatedAt changed: %v -> %v", firstCreated, conv.CreatedAt)
	}
}

func TestSQLiteRepository_FindMissing(t *testing.T) {
	repo, err := NewSQLiteRepository(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteRepository: %v", err)
	}
	defer repo.Close()

	if _, err := repo.Find(context.Background(), "nope"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteRepository_ListAndLastForWorkspace(t *testing.T) {
	repo, err := NewSQLiteRepository(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteRepository: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	ids := []struct {
		id string
		ws string
	}{
		{"1", "a"}, {"2", "b"}, {"3", "a"},
	}
	for _, entry := range ids {
		if err := repo.Upsert(ctx, &models.Conversation{ID: entry.id, Workspace: entry.ws}); err != nil {
			t.Fatalf("Upsert %s: %v", entry.id, err)
		}
		time.Sleep(time.Millisecond)
	}

	list, err := repo.List(ctx, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 3 || list[0].ID != "3" {
		t.Fatalf("expected newest-first list of 3, got %+v", list)
	}

	last, err := repo.LastForWorkspace(ctx, "a")
	if err != nil {
		t.Fatalf("LastForWorkspace: %v", err)
	}
	if last.ID != "3" {
		t.Fatalf("expected conversation 3, got %s", last.ID)
	}
}
