package checkpoint

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/oasisrun/agentplatform/pkg/models"
)

// MemoryStore is an in-memory Store with clone-on-read/write defensive
// copies, mirroring the snapshot/sequence-number shape of the SQL
// store. Used for tests and throwaway runs.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
}

// NewMemoryStore builds an empty in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: map[string]Snapshot{}}
}

func cloneMessages(msgs []models.ThreadMessage) []models.ThreadMessage {
	if msgs == nil {
		return nil
	}
	out := make([]models.ThreadMessage, len(msgs))
	copy(out, msgs)
	return out
}

func (m *MemoryStore) Save(ctx context.Context, threadID string, messages []models.ThreadMessage) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seq := int64(1)
	if prev, ok := m.snapshots[threadID]; ok {
		seq = prev.Sequence + 1
	}
	snap := Snapshot{
		ThreadID:  threadID,
		Messages:  cloneMessages(messages),
		Sequence:  seq,
		UpdatedAt: time.Now(),
	}
	m.snapshots[threadID] = snap
	return cloneSnapshot(snap), nil
}

func (m *MemoryStore) LoadLatest(ctx context.Context, threadID string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snapshots[threadID]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return cloneSnapshot(snap), nil
}

func (m *MemoryStore) Update(ctx context.Context, threadID string, extra []models.ThreadMessage) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.snapshots[threadID]
	seq := int64(1)
	var merged []models.ThreadMessage
	if ok {
		seq = prev.Sequence + 1
		merged = append(merged, prev.Messages...)
	}
	merged = append(merged, extra...)
	snap := Snapshot{
		ThreadID:  threadID,
		Messages:  merged,
		Sequence:  seq,
		UpdatedAt: time.Now(),
	}
	m.snapshots[threadID] = snap
	return cloneSnapshot(snap), nil
}

func (m *MemoryStore) ListThreads(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id := range m.snapshots {
		if strings.HasPrefix(id, prefix) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *MemoryStore) Delete(ctx context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, threadID)
	return nil
}

func (m *MemoryStore) DeletePrefix(ctx context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.snapshots {
		if strings.HasPrefix(id, prefix) {
			delete(m.snapshots, id)
		}
	}
	return nil
}

func (m *MemoryStore) Close() error { return nil }

func cloneSnapshot(s Snapshot) Snapshot {
	s.Messages = cloneMessages(s.Messages)
	return s
}
