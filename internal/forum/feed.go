package forum

import (
	"context"
	"sync"

	"github.com/oasisrun/agentplatform/pkg/models"
)

// FeedEventKind tags one element of a topic's live event feed.
type FeedEventKind string

const (
	// FeedRound announces the start of a discussion round.
	FeedRound FeedEventKind = "round"
	// FeedPost carries one newly published post.
	FeedPost FeedEventKind = "post"
	// FeedConclusion carries the final conclusion text.
	FeedConclusion FeedEventKind = "conclusion"
	// FeedDone is the terminal event; no further events follow.
	FeedDone FeedEventKind = "done"
)

// FeedEvent is one entry in a topic's event feed, consumed by the
// Ingress Surface's /topics/{id}/stream SSE endpoint.
type FeedEvent struct {
	Kind       FeedEventKind
	Round      int
	Post       *models.Post
	Conclusion string
	Status     models.TopicStatus
}

// feed is a replayable publish/subscribe log of FeedEvents. Publishing
// never blocks: a subscriber that falls behind its buffer loses events
// rather than stalling the discussion loop, the same non-blocking
// publish discipline internal/multiagent's InMemorySwarmContext uses.
type feed struct {
	mu     sync.Mutex
	events []FeedEvent
	subs   map[int]chan FeedEvent
	nextID int
	closed bool
}

const subscriberBuffer = 256

func newFeed() *feed {
	return &feed{subs: make(map[int]chan FeedEvent)}
}

// publish appends ev to the log and fans it out to live subscribers.
func (f *feed) publish(ev FeedEvent) {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.events = append(f.events, ev)
	for _, ch := range f.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// closeFeed marks the feed terminal and closes every subscriber channel.
func (f *feed) closeFeed() {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		close(ch)
		delete(f.subs, id)
	}
}

// subscribe returns a channel that first replays the backlog, then
// receives live events until the feed closes or cancel is called.
func (f *feed) subscribe() (<-chan FeedEvent, func()) {
	if f == nil {
		ch := make(chan FeedEvent)
		close(ch)
		return ch, func() {}
	}
	f.mu.Lock()
	backlog := make([]FeedEvent, len(f.events))
	copy(backlog, f.events)

	ch := make(chan FeedEvent, subscriberBuffer+len(backlog))
	for _, ev := range backlog {
		ch <- ev
	}
	if f.closed {
		close(ch)
		f.mu.Unlock()
		return ch, func() {}
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = ch
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		if sub, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(sub)
		}
		f.mu.Unlock()
	}
	return ch, cancel
}

// Subscribe attaches to the topic's live event feed. The returned channel
// replays every event so far, then streams new ones; it is closed once
// the topic reaches a terminal state. Call cancel to detach early.
func (t *Topic) Subscribe() (<-chan FeedEvent, func()) {
	return t.feed.subscribe()
}

// WaitConclusion blocks until the topic reaches a terminal state or ctx
// expires, returning the terminal snapshot. Backs GET
// /topics/{id}/conclusion?timeout=N.
func (t *Topic) WaitConclusion(ctx context.Context) (models.Topic, error) {
	select {
	case <-t.done:
		return t.Snapshot(), nil
	case <-ctx.Done():
		return models.Topic{}, ctx.Err()
	}
}
