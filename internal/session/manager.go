// Package session implements the Session & Task Manager: the
// per-(user, session) routing layer that bridges HTTP requests to the
// Agent Graph Executor, tracks in-flight streaming tasks for
// cancellation, and derives the session-listing/history/deletion views
// over the Checkpoint Store. At most one task runs per thread; a new
// request cancels and supersedes the previous one.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oasisrun/agentplatform/internal/checkpoint"
	"github.com/oasisrun/agentplatform/internal/graph"
	"github.com/oasisrun/agentplatform/internal/observability"
	"github.com/oasisrun/agentplatform/pkg/models"
)

// cancelGrace is how long Manager waits for a superseded task to finish
// its own cleanup before abandoning the wait.
const cancelGrace = 3 * time.Second

// ErrNotFound indicates no checkpointed thread exists for the requested
// (user, session).
var ErrNotFound = errors.New("session: not found")

// Summary is one entry of a session listing: the first user-text
// message as a title, the last one verbatim, and the user-message count.
type Summary struct {
	SessionID    string
	Title        string
	LastMessage  string
	MessageCount int
	UpdatedAt    time.Time
}

// task tracks one in-flight streaming turn so a subsequent request for
// the same thread can cancel it.
type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns the active_tasks map and mediates every session-level
// operation over a Checkpoint Store and an Agent Graph Executor.
type Manager struct {
	store    checkpoint.Store
	executor *graph.Executor
	logger   *slog.Logger

	// Metrics is optional; when set, the in-flight stream gauge is
	// maintained. Assign before first use.
	Metrics *observability.Metrics

	mu     sync.Mutex
	active map[string]*task
}

// New builds a Manager over store and executor.
func New(store checkpoint.Store, executor *graph.Executor, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    store,
		executor: executor,
		logger:   logger,
		active:   make(map[string]*task),
	}
}

// Ask runs one non-streaming turn, canceling any
// in-flight streaming task for the same thread first.
func (m *Manager) Ask(ctx context.Context, in graph.Input) (string, error) {
	threadID := models.ThreadID(in.UserID, in.SessionID)
	m.preempt(threadID)

	runCtx, cancel := context.WithCancel(ctx)
	t := &task{cancel: cancel, done: make(chan struct{})}
	m.register(threadID, t)
	defer m.unregister(threadID, t)
	defer close(t.done)

	return m.executor.Run(runCtx, in)
}

// AskStream starts one streaming turn, canceling
// any prior in-flight task for the same thread and bridging the
// executor's events into a bounded channel the Ingress Surface frames
// as SSE.
func (m *Manager) AskStream(ctx context.Context, in graph.Input) (<-chan graph.Event, error) {
	threadID := models.ThreadID(in.UserID, in.SessionID)
	m.preempt(threadID)

	runCtx, cancel := context.WithCancel(ctx)
	t := &task{cancel: cancel, done: make(chan struct{})}
	m.register(threadID, t)

	events, err := m.executor.RunStream(runCtx, in)
	if err != nil {
		cancel()
		m.unregister(threadID, t)
		close(t.done)
		return nil, err
	}

	if m.Metrics != nil {
		m.Metrics.ActiveStreams.Inc()
	}
	out := make(chan graph.Event, 32)
	go func() {
		defer close(out)
		defer close(t.done)
		defer m.unregister(threadID, t)
		if m.Metrics != nil {
			defer m.Metrics.ActiveStreams.Dec()
		}
		for ev := range events {
			out <- ev
		}
	}()
	return out, nil
}

// Cancel aborts the in-flight task for (userID, sessionID), if any, and
// runs thread repair afterward so any dangling tool-call closure left by
// the aborted turn is resolved even if the turn's own cancellation path
// did not get to run it.
func (m *Manager) Cancel(ctx context.Context, userID, sessionID string) error {
	threadID := models.ThreadID(userID, sessionID)
	m.preempt(threadID)
	return graph.Repair(ctx, m.store, threadID)
}

// preempt cancels and waits (up to cancelGrace) for any existing task
// registered under threadID.
func (m *Manager) preempt(threadID string) {
	m.mu.Lock()
	existing, ok := m.active[threadID]
	m.mu.Unlock()
	if !ok {
		return
	}
	existing.cancel()
	select {
	case <-existing.done:
	case <-time.After(cancelGrace):
		m.logger.Warn("session: prior task did not finish within grace deadline", "thread_id", threadID)
	}
}

func (m *Manager) register(threadID string, t *task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[threadID] = t
}

func (m *Manager) unregister(threadID string, t *task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[threadID] == t {
		delete(m.active, threadID)
	}
}

// ListSessions enumerates every checkpointed thread for userID by its
// "user#" prefix, hiding threads whose
// user messages are all synthetic system triggers, sorted by most
// recently updated first.
func (m *Manager) ListSessions(ctx context.Context, userID string) ([]Summary, error) {
	prefix := models.ThreadPrefix(userID)
	threadIDs, err := m.store.ListThreads(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("session: list threads: %w", err)
	}

	var out []Summary
	for _, threadID := range threadIDs {
		snap, err := m.store.LoadLatest(ctx, threadID)
		if err != nil {
			if errors.Is(err, checkpoint.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("session: load %s: %w", threadID, err)
		}

		summary, ok := summarize(threadID, snap)
		if !ok {
			continue
		}
		out = append(out, summary)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// summarize derives a Summary from a thread's snapshot, or ok=false if
// every user message in the thread is a synthetic system trigger.
func summarize(threadID string, snap checkpoint.Snapshot) (Summary, bool) {
	_, sessionID, _ := models.SplitThreadID(threadID)

	var title, last string
	count := 0
	humanSeen := false
	for _, msg := range snap.Messages {
		if msg.Role != models.RoleUser {
			continue
		}
		count++
		if msg.TriggerSource != graph.TriggerSourceSystem {
			humanSeen = true
		}
		text := msg.Content.Text()
		if title == "" {
			title = text
		}
		last = text
	}
	if !humanSeen {
		return Summary{}, false
	}

	return Summary{
		SessionID:    sessionID,
		Title:        truncateTitle(title),
		LastMessage:  last,
		MessageCount: count,
		UpdatedAt:    snap.UpdatedAt,
	}, true
}

func truncateTitle(s string) string {
	const max = 80
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

// History returns a thread's persisted messages, filtered to
// user/assistant/tool kinds, preserving multimodal content for user
// messages.
func (m *Manager) History(ctx context.Context, userID, sessionID string) ([]models.ThreadMessage, error) {
	threadID := models.ThreadID(userID, sessionID)
	snap, err := m.store.LoadLatest(ctx, threadID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("session: load %s: %w", threadID, err)
	}

	out := make([]models.ThreadMessage, 0, len(snap.Messages))
	for _, msg := range snap.Messages {
		switch msg.Role {
		case models.RoleUser, models.RoleAssistant, models.RoleTool:
			out = append(out, msg)
		}
	}
	return out, nil
}

// DeleteSession removes one user's single thread.
func (m *Manager) DeleteSession(ctx context.Context, userID, sessionID string) error {
	threadID := models.ThreadID(userID, sessionID)
	m.preempt(threadID)
	if err := m.store.Delete(ctx, threadID); err != nil {
		return fmt.Errorf("session: delete %s: %w", threadID, err)
	}
	return nil
}

// DeleteAllForUser removes every thread belonging to userID via its
// "user#" prefix.
func (m *Manager) DeleteAllForUser(ctx context.Context, userID string) error {
	if err := m.store.DeletePrefix(ctx, models.ThreadPrefix(userID)); err != nil {
		return fmt.Errorf("session: delete prefix for %s: %w", userID, err)
	}
	return nil
}
