package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/antinomyhq/forge/pkg/models"
)

func setupCockroachMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock, Repository) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock, NewCockroachRepositoryFromDB(db)
}

func TestCockroachRepository_Upsert(t *testing.T) {
	_, mock, repo := setupCockroachMock(t)

	conv := &models.Conversation{ID: "conv-1", Workspace: "ws-a", Title: "hi"}
	now := time.Now()

	mock.ExpectQuery("INSERT INTO conversations").
		WithArgs("conv-1", "ws-a", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))

	if err := repo.Upsert(context.Background(), conv); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCockroachRepository_UpsertRequiresID(t *testing.T) {
	_, _, repo := setupCockroachMock(t)
	if err := repo.Upsert(context.Background(), &models.Conversation{}); err != ErrConversationRequired {
		t.Fatalf("expected ErrConversationRequired, got %v", err)
	}
}

func TestCockroachRepository_Find(t *testing.T) {
	_, mock, repo := setupCockroachMock(t)

	conv := &models.Conversation{ID: "conv-1", Workspace: "ws-a", Title: "hi"}
	doc, _ := json.Marshal(conv)

	mock.ExpectQuery("SELECT document FROM conversations WHERE id = (.+)").
		WithArgs("conv-1").
		WillReturnRows(sqlmock.NewRows([]string{"document"}).AddRow(doc))

	got, err := repo.Find(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got.Title != "hi" {
		t.Fatalf("unexpected conversation: %+v", got)
	}
}

func TestCockroachRepository_FindNotFound(t *testing.T) {
	_, mock, repo := setupCockroachMock(t)

	mock.ExpectQuery("SELECT document FROM conversations WHERE id = (.+)").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"document"}))

	if _, err := repo.Find(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCockroachRepository_List(t *testing.T) {
	_, mock, repo := setupCockroachMock(t)

	doc1, _ := json.Marshal(&models.Conversation{ID: "1"})
	doc2, _ := json.Marshal(&models.Conversation{ID: "2"})

	mock.ExpectQuery("SELECT document FROM conversations ORDER BY updated_at DESC LIMIT (.+)").
		WithArgs(2).
		WillReturnRows(sqlmock.NewRows([]string{"document"}).AddRow(doc1).AddRow(doc2))

	got, err := repo.List(context.Background(), 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 || got[0].ID != "1" || got[1].ID != "2" {
		t.Fatalf("unexpected list: %+v", got)
	}
}

func TestCockroachRepository_LastForWorkspace(t *testing.T) {
	_, mock, repo := setupCockroachMock(t)

	doc, _ := json.Marshal(&models.Conversation{ID: "1", Workspace: "ws-a"})
	mock.ExpectQuery("SELECT document FROM conversations").
		WithArgs("ws-a").
		WillReturnRows(sqlmock.NewRows([]string{"document"}).AddRow(doc))

	got, err := repo.LastForWorkspace(context.Background(), "ws-a")
	if err != nil {
		t.Fatalf("LastForWorkspace: %v", err)
	}
	if got.ID != "1" {
		t.Fatalf("unexpected conversation: %+v", got)
	}
}
