package checkpoint

import (
	"context"
	"testing"

	"github.com/oasisrun/agentplatform/pkg/models"
)

func newTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := OpenSQLStore(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLStore_SaveAndLoadLatest(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLStore(t)
	threadID := ThreadID("alice", "s1")

	if _, err := store.LoadLatest(ctx, threadID); err != ErrNotFound {
		t.Fatalf("LoadLatest on empty store = %v, want ErrNotFound", err)
	}

	msgs := []models.ThreadMessage{{ID: "m1", Role: models.RoleUser, Content: models.NewPlainContent("hi")}}
	if _, err := store.Save(ctx, threadID, msgs); err != nil {
		t.Fatalf("Save: %v", err)
	}

	snap, err := store.LoadLatest(ctx, threadID)
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if len(snap.Messages) != 1 || snap.Messages[0].Content.Text() != "hi" {
		t.Fatalf("LoadLatest messages = %+v", snap.Messages)
	}
	if snap.Sequence != 1 {
		t.Fatalf("Sequence = %d, want 1", snap.Sequence)
	}
}

func TestSQLStore_UpdateAppendsAndBumpsSequence(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLStore(t)
	threadID := ThreadID("alice", "s1")

	if _, err := store.Save(ctx, threadID, []models.ThreadMessage{{ID: "m1"}}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	snap, err := store.Update(ctx, threadID, []models.ThreadMessage{{ID: "m2"}})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if len(snap.Messages) != 2 {
		t.Fatalf("Update messages = %+v", snap.Messages)
	}
	if snap.Sequence != 2 {
		t.Fatalf("Sequence = %d, want 2", snap.Sequence)
	}

	// The original snapshot row must still exist.
	rows, err := store.db.QueryContext(ctx, `SELECT COUNT(*) FROM checkpoints WHERE thread_id = ?`, threadID)
	if err != nil {
		t.Fatalf("count query: %v", err)
	}
	defer rows.Close()
	var count int
	if rows.Next() {
		if err := rows.Scan(&count); err != nil {
			t.Fatalf("scan count: %v", err)
		}
	}
	if count != 2 {
		t.Fatalf("checkpoints row count = %d, want 2 (append-only)", count)
	}
}

func TestSQLStore_ListThreadsPrefixMatchIsExact(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLStore(t)

	if _, err := store.Save(ctx, ThreadID("alice", "s1"), nil); err != nil {
		t.Fatalf("Save: %v", err)
	}
	// "alice2" must not match prefix "alice#" even though it shares a textual prefix.
	if _, err := store.Save(ctx, "alice2#s1", nil); err != nil {
		t.Fatalf("Save: %v", err)
	}

	threads, err := store.ListThreads(ctx, ThreadPrefix("alice"))
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	if len(threads) != 1 || threads[0] != ThreadID("alice", "s1") {
		t.Fatalf("ListThreads = %v, want exactly [%q]", threads, ThreadID("alice", "s1"))
	}
}

func TestSQLStore_DeletePrefix(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLStore(t)

	for _, sid := range []string{"s1", "s2"} {
		if _, err := store.Save(ctx, ThreadID("alice", sid), nil); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	if _, err := store.Save(ctx, ThreadID("bob", "s1"), nil); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := store.DeletePrefix(ctx, ThreadPrefix("alice")); err != nil {
		t.Fatalf("DeletePrefix: %v", err)
	}

	threads, err := store.ListThreads(ctx, "")
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	if len(threads) != 1 || threads[0] != ThreadID("bob", "s1") {
		t.Fatalf("ListThreads after DeletePrefix = %v", threads)
	}
}
