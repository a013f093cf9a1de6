// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers conversation CRUD, turn persistence, and turn ordering/limiting

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	return store
}

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	// Verify the database file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestCreateAndGetConversation(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	conv := &Conversation{
		ID:        "conv-123",
		Title:     "Planning session",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		UpdatedAt: time.Now().UTC().Truncate(time.Second),
	}

	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	got, err := store.GetConversation(ctx, "conv-123")
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}

	if got.ID != conv.ID {
		t.Errorf("ID mismatch: got %q, want %q", got.ID, conv.ID)
	}
	if got.Title != conv.Title {
		t.Errorf("Title mismatch: got %q, want %q", got.Title, conv.Title)
	}
	if got.Archived {
		t.Error("expected Archived=false")
	}
	if !got.CreatedAt.Equal(conv.CreatedAt) {
		t.Errorf("CreatedAt mismatch: got %v, want %v", got.CreatedAt, conv.CreatedAt)
	}
}

func TestGetConversation_NotFound(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	_, err := store.GetConversation(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateConversation_Duplicate(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	conv := &Conversation{
		ID:        "conv-dup",
		Title:     "first",
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	err := store.CreateConversation(ctx, conv)
	if !errors.Is(err, ErrDuplicateConversation) {
		t.Fatalf("expected ErrDuplicateConversation, got %v", err)
	}
}

func TestUpdateConversation(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	conv := &Conversation{
		ID:        "conv-upd",
		Title:     "before",
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	conv.Title = "after"
	conv.Archived = true
	conv.UpdatedAt = time.Now().UTC().Truncate(time.Second)
	if err := store.UpdateConversation(ctx, conv); err != nil {
		t.Fatalf("UpdateConversation failed: %v", err)
	}

	got, err := store.GetConversation(ctx, "conv-upd")
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if got.Title != "after" {
		t.Errorf("Title = %q, want after", got.Title)
	}
	if !got.Archived {
		t.Error("expected Archived=true")
	}
}

func TestUpdateConversation_NotFound(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	err := store.UpdateConversation(context.Background(), &Conversation{
		ID:        "missing",
		Title:     "x",
		UpdatedAt: time.Now().UTC(),
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteConversation(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	conv := &Conversation{
		ID:        "conv-del",
		Title:     "doomed",
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	if err := store.SaveTurn(ctx, &Turn{
		ID:             "turn-1",
		ConversationID: "conv-del",
		InflightID:     "i1",
		Status:         "ok",
		AssistantText:  "bye",
		StartedAt:      time.Now().UTC(),
		FinishedAt:     time.Now().UTC(),
	}); err != nil {
		t.Fatalf("SaveTurn failed: %v", err)
	}

	if err := store.DeleteConversation(ctx, "conv-del"); err != nil {
		t.Fatalf("DeleteConversation failed: %v", err)
	}

	if _, err := store.GetConversation(ctx, "conv-del"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	turns, err := store.ListTurns(ctx, "conv-del", 0)
	if err != nil {
		t.Fatalf("ListTurns failed: %v", err)
	}
	if len(turns) != 0 {
		t.Errorf("expected turns removed with conversation, got %d", len(turns))
	}
}

func TestDeleteConversation_NotFound(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	err := store.DeleteConversation(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListConversations_OrderedByActivity(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 3; i++ {
		conv := &Conversation{
			ID:        fmt.Sprintf("conv-%d", i),
			Title:     fmt.Sprintf("conversation %d", i),
			CreatedAt: base,
			UpdatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.CreateConversation(ctx, conv); err != nil {
			t.Fatalf("CreateConversation failed: %v", err)
		}
	}

	convs, err := store.ListConversations(ctx, 0)
	if err != nil {
		t.Fatalf("ListConversations failed: %v", err)
	}
	if len(convs) != 3 {
		t.Fatalf("len = %d, want 3", len(convs))
	}
	// Most recently updated first
	if convs[0].ID != "conv-2" || convs[2].ID != "conv-0" {
		t.Errorf("unexpected order: %s, %s, %s", convs[0].ID, convs[1].ID, convs[2].ID)
	}
}

func TestSaveAndListTurns(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	conv := &Conversation{
		ID:        "conv-turns",
		Title:     "with turns",
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 3; i++ {
		turn := &Turn{
			ID:             fmt.Sprintf("turn-%d", i),
			ConversationID: "conv-turns",
			InflightID:     fmt.Sprintf("inflight-%d", i),
			Status:         "ok",
			AssistantText:  fmt.Sprintf("answer %d", i),
			AnalysisText:   "some reasoning",
			ToolsJSON:      `[{"id":"t1","status":"done"}]`,
			StartedAt:      base.Add(time.Duration(i) * time.Minute),
			FinishedAt:     base.Add(time.Duration(i)*time.Minute + 30*time.Second),
		}
		if err := store.SaveTurn(ctx, turn); err != nil {
			t.Fatalf("SaveTurn failed: %v", err)
		}
	}

	turns, err := store.ListTurns(ctx, "conv-turns", 0)
	if err != nil {
		t.Fatalf("ListTurns failed: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("len = %d, want 3", len(turns))
	}
	// Completion order
	for i, turn := range turns {
		if turn.ID != fmt.Sprintf("turn-%d", i) {
			t.Errorf("turns[%d].ID = %q, want turn-%d", i, turn.ID, i)
		}
	}
	if turns[0].AssistantText != "answer 0" {
		t.Errorf("AssistantText = %q, want %q", turns[0].AssistantText, "answer 0")
	}
	if turns[0].ToolsJSON == "" {
		t.Error("expected tools_json round-trip")
	}
}

func TestListTurns_Limit(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	if err := store.CreateConversation(ctx, &Conversation{
		ID:        "conv-limit",
		Title:     "limited",
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 5; i++ {
		turn := &Turn{
			ID:             fmt.Sprintf("turn-%d", i),
			ConversationID: "conv-limit",
			InflightID:     fmt.Sprintf("i%d", i),
			Status:         "stopped",
			AssistantText:  "partial",
			StartedAt:      base,
			FinishedAt:     base.Add(time.Duration(i) * time.Second),
		}
		if err := store.SaveTurn(ctx, turn); err != nil {
			t.Fatalf("SaveTurn failed: %v", err)
		}
	}

	turns, err := store.ListTurns(ctx, "conv-limit", 2)
	if err != nil {
		t.Fatalf("ListTurns failed: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("len = %d, want 2", len(turns))
	}
}
