package checkpoint

import (
	"context"
	"testing"

	"github.com/oasisrun/agentplatform/pkg/models"
)

func TestMemoryStore_SaveAndLoadLatest(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	threadID := models.ThreadID("alice", "s1")

	if _, err := store.LoadLatest(ctx, threadID); err != ErrNotFound {
		t.Fatalf("LoadLatest on empty store = %v, want ErrNotFound", err)
	}

	msgs := []models.ThreadMessage{{ID: "m1", Role: models.RoleUser, Content: models.NewPlainContent("hi")}}
	snap, err := store.Save(ctx, threadID, msgs)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if snap.Sequence != 1 {
		t.Fatalf("Sequence = %d, want 1", snap.Sequence)
	}

	loaded, err := store.LoadLatest(ctx, threadID)
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if len(loaded.Messages) != 1 || loaded.Messages[0].ID != "m1" {
		t.Fatalf("LoadLatest messages = %+v", loaded.Messages)
	}

	// Mutating the returned snapshot must not leak into the store.
	loaded.Messages[0].ID = "mutated"
	reloaded, _ := store.LoadLatest(ctx, threadID)
	if reloaded.Messages[0].ID != "m1" {
		t.Fatalf("store leaked caller mutation: got %q", reloaded.Messages[0].ID)
	}
}

func TestMemoryStore_Update(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	threadID := models.ThreadID("alice", "s1")

	first := []models.ThreadMessage{{ID: "m1"}}
	if _, err := store.Save(ctx, threadID, first); err != nil {
		t.Fatalf("Save: %v", err)
	}

	snap, err := store.Update(ctx, threadID, []models.ThreadMessage{{ID: "m2"}})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if len(snap.Messages) != 2 || snap.Messages[1].ID != "m2" {
		t.Fatalf("Update messages = %+v", snap.Messages)
	}
	if snap.Sequence != 2 {
		t.Fatalf("Sequence = %d, want 2", snap.Sequence)
	}
}

func TestMemoryStore_ListAndDeletePrefix(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for _, sid := range []string{"s1", "s2"} {
		if _, err := store.Save(ctx, models.ThreadID("alice", sid), nil); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	if _, err := store.Save(ctx, models.ThreadID("bob", "s1"), nil); err != nil {
		t.Fatalf("Save: %v", err)
	}

	threads, err := store.ListThreads(ctx, models.ThreadPrefix("alice"))
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	if len(threads) != 2 {
		t.Fatalf("ListThreads = %v, want 2 entries", threads)
	}

	if err := store.DeletePrefix(ctx, models.ThreadPrefix("alice")); err != nil {
		t.Fatalf("DeletePrefix: %v", err)
	}
	threads, _ = store.ListThreads(ctx, models.ThreadPrefix("alice"))
	if len(threads) != 0 {
		t.Fatalf("alice threads survived DeletePrefix: %v", threads)
	}
	threads, _ = store.ListThreads(ctx, models.ThreadPrefix("bob"))
	if len(threads) != 1 {
		t.Fatalf("bob thread was deleted: %v", threads)
	}
}

func TestMemoryStore_DeleteSingle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	threadID := models.ThreadID("alice", "s1")
	if _, err := store.Save(ctx, threadID, []models.ThreadMessage{{ID: "m1"}}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Delete(ctx, threadID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.LoadLatest(ctx, threadID); err != ErrNotFound {
		t.Fatalf("LoadLatest after Delete = %v, want ErrNotFound", err)
	}
}
