// Package checkpoint implements the Checkpoint Store: a persistent
// append-only store of (thread_id, message_list) snapshots, the sole
// owner of durable conversation history. The Agent Graph Executor reads
// and appends through the Store interface; the Session & Task Manager
// layers its listing, history, and deletion views on top.
package checkpoint

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/oasisrun/agentplatform/pkg/models"
)

// ErrNotFound indicates no snapshot exists for a thread_id.
var ErrNotFound = errors.New("checkpoint: thread not found")

// Snapshot is one persisted version of a thread's full message list.
type Snapshot struct {
	ThreadID  string
	Messages  []models.ThreadMessage
	Sequence  int64
	UpdatedAt time.Time
}

// Store is the Checkpoint Store contract. Implementations must
// be safe for concurrent use by different thread_ids; the caller (Session
// Manager) is responsible for serializing writes to the same thread_id
// under the single-writer-per-thread rule.
type Store interface {
	// Save appends a brand new snapshot for thread_id, assigning the next
	// sequence number.
	Save(ctx context.Context, threadID string, messages []models.ThreadMessage) (Snapshot, error)

	// LoadLatest returns the most recently saved snapshot for thread_id,
	// or ErrNotFound if the thread has never been written.
	LoadLatest(ctx context.Context, threadID string) (Snapshot, error)

	// Update appends extra messages to the latest snapshot and persists
	// the result as a new snapshot. Used for out-of-band repair
	// (cancellation tool-result synthesis). If no prior snapshot exists,
	// behaves like Save.
	Update(ctx context.Context, threadID string, extra []models.ThreadMessage) (Snapshot, error)

	// ListThreads returns every thread_id with the given prefix, in no
	// particular order.
	ListThreads(ctx context.Context, prefix string) ([]string, error)

	// Delete hard-deletes a single thread's checkpoints and writes.
	Delete(ctx context.Context, threadID string) error

	// DeletePrefix hard-deletes every thread whose id has the given
	// prefix, e.g. "u#" to remove all of a user's sessions.
	DeletePrefix(ctx context.Context, prefix string) error

	// Close releases any underlying resources (DB handles, etc).
	Close() error
}

// ThreadID builds the opaque "user_id#session_id" identifier.
func ThreadID(userID, sessionID string) string {
	return models.ThreadID(userID, sessionID)
}

// ThreadPrefix builds the "user_id#" prefix used for list/delete-by-user.
func ThreadPrefix(userID string) string {
	return models.ThreadPrefix(userID)
}

// HasPrefix reports whether threadID matches prefix, used by both the
// memory and SQL-backed implementations for a consistent definition of
// "matches": a plain string prefix, since thread ids are opaque and the
// "#" separator is a composition rule, not structure.
func HasPrefix(threadID, prefix string) bool {
	return strings.HasPrefix(threadID, prefix)
}
