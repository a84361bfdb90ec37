package forum

import (
	"fmt"
	"sync"
	"testing"

	"github.com/oasisrun/agentplatform/pkg/models"
)

func TestPublishAssignsMonotonicIDs(t *testing.T) {
	b := NewBoard()
	for i := 1; i <= 5; i++ {
		p := b.Publish("alice", fmt.Sprintf("post %d", i), nil)
		if p.ID != i {
			t.Fatalf("post %d got id %d", i, p.ID)
		}
	}

	posts := b.Browse("", false)
	for i, p := range posts {
		if p.ID != i+1 {
			t.Errorf("browse order: posts[%d].ID = %d, want %d", i, p.ID, i+1)
		}
	}
}

func TestPublishSameContentYieldsDistinctPosts(t *testing.T) {
	b := NewBoard()
	p1 := b.Publish("alice", "same", nil)
	p2 := b.Publish("alice", "same", nil)
	if p1.ID == p2.ID {
		t.Fatalf("duplicate publish reused id %d", p1.ID)
	}
	if got := b.Count(); got != 2 {
		t.Fatalf("Count = %d, want 2", got)
	}
}

func TestVoteInvariants(t *testing.T) {
	b := NewBoard()
	p := b.Publish("alice", "claim", nil)

	if err := b.Vote("alice", p.ID, models.VoteUp); err != ErrVoteRejected {
		t.Errorf("self-vote: err = %v, want ErrVoteRejected", err)
	}
	if err := b.Vote("bob", p.ID, models.VoteUp); err != nil {
		t.Fatalf("first vote: %v", err)
	}
	if err := b.Vote("bob", p.ID, models.VoteDown); err != ErrVoteRejected {
		t.Errorf("duplicate voter: err = %v, want ErrVoteRejected", err)
	}
	if err := b.Vote("carol", p.ID, models.VoteDown); err != nil {
		t.Fatalf("second vote: %v", err)
	}
	if err := b.Vote("bob", 999, models.VoteUp); err != ErrPostNotFound {
		t.Errorf("unknown post: err = %v, want ErrPostNotFound", err)
	}

	got := b.Browse("", false)[0]
	if got.Upvotes != 1 || got.Downvotes != 1 {
		t.Errorf("counts = %d/%d, want 1/1", got.Upvotes, got.Downvotes)
	}
	// Invariant: |voters| = upvotes + downvotes, author not a voter.
	if len(got.Voters) != got.Upvotes+got.Downvotes {
		t.Errorf("|voters| = %d, want %d", len(got.Voters), got.Upvotes+got.Downvotes)
	}
	if _, ok := got.Voters["alice"]; ok {
		t.Error("author recorded as voter")
	}
}

func TestTopKOrdersByScoreThenID(t *testing.T) {
	b := NewBoard()
	b.Publish("a", "first", nil)
	b.Publish("b", "second", nil)
	b.Publish("c", "third", nil)

	// second: +2, third: +1, first: +1 (tie with third, lower id wins).
	b.Vote("x", 2, models.VoteUp)
	b.Vote("y", 2, models.VoteUp)
	b.Vote("x", 3, models.VoteUp)
	b.Vote("y", 1, models.VoteUp)

	top := b.TopK(3)
	wantIDs := []int{2, 1, 3}
	for i, want := range wantIDs {
		if top[i].ID != want {
			t.Fatalf("TopK[%d].ID = %d, want %d (full: %+v)", i, top[i].ID, want, top)
		}
	}

	if got := len(b.TopK(1)); got != 1 {
		t.Errorf("TopK(1) len = %d, want 1", got)
	}
}

func TestBrowseExcludesSelfAndIsASnapshot(t *testing.T) {
	b := NewBoard()
	b.Publish("alice", "mine", nil)
	b.Publish("bob", "theirs", nil)

	others := b.Browse("alice", true)
	if len(others) != 1 || others[0].Author != "bob" {
		t.Fatalf("Browse exclude-self = %+v", others)
	}

	// Mutating the snapshot must not affect the board.
	others[0].Voters["mallory"] = models.VoteUp
	fresh := b.Browse("", false)
	if len(fresh[1].Voters) != 0 {
		t.Error("snapshot mutation leaked into board state")
	}
}

func TestConcurrentPublishKeepsIDsDense(t *testing.T) {
	b := NewBoard()
	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b.Publish(fmt.Sprintf("author%d", i%5), "content", nil)
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool, n)
	for _, p := range b.Browse("", false) {
		if p.ID < 1 || p.ID > n || seen[p.ID] {
			t.Fatalf("id %d out of range or duplicated", p.ID)
		}
		seen[p.ID] = true
	}
	if len(seen) != n {
		t.Fatalf("got %d distinct ids, want %d", len(seen), n)
	}
}

func TestPublishHookSeesEveryPost(t *testing.T) {
	b := NewBoard()
	var mu sync.Mutex
	var got []int
	b.SetPublishHook(func(p models.Post) {
		mu.Lock()
		got = append(got, p.ID)
		mu.Unlock()
	})

	b.Publish("a", "one", nil)
	b.Publish("b", "two", nil)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("hook saw %d posts, want 2", len(got))
	}
}
