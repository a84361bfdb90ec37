// Package forum implements the multi-expert discussion subsystem: the
// board holding one topic's posts and votes, the expert roster, the
// discussion engine, and its two expert backends. Boards use a single
// coarse mutex; topics are not hot enough to need finer locking.
package forum

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/oasisrun/agentplatform/pkg/models"
)

// ErrVoteRejected is returned by Vote when the vote is a structural
// no-op (self-vote or duplicate vote) rather than a real error; callers
// that only care about mutation may ignore it.
var ErrVoteRejected = errors.New("forum: vote rejected")

// ErrPostNotFound is returned by Vote when post_id does not exist.
var ErrPostNotFound = errors.New("forum: post not found")

// Board is the live, mutable state backing one discussion Topic. It owns
// post ids and vote bookkeeping; the Topic's other fields (status,
// conclusion, round counter) are owned by the Discussion Engine.
type Board struct {
	mu     sync.Mutex
	posts  []models.Post
	nextID int

	onPublish func(models.Post)
}

// NewBoard returns an empty board.
func NewBoard() *Board {
	return &Board{nextID: 1}
}

// SetPublishHook registers fn to be called (outside the board lock) with
// a snapshot of every newly published post. Used by the Topic's event
// feed; at most one hook is supported.
func (b *Board) SetPublishHook(fn func(models.Post)) {
	b.mu.Lock()
	b.onPublish = fn
	b.mu.Unlock()
}

// Publish adds a new post authored by author, replying to replyTo if
// non-nil, and returns its assigned id.
func (b *Board) Publish(author, content string, replyTo *int) models.Post {
	b.mu.Lock()
	post := models.Post{
		ID:        b.nextID,
		Author:    author,
		Content:   content,
		ReplyTo:   replyTo,
		Voters:    make(map[string]models.VoteDirection),
		Timestamp: time.Now(),
	}
	b.nextID++
	b.posts = append(b.posts, post)
	hook := b.onPublish
	b.mu.Unlock()

	if hook != nil {
		hook(clonePost(post))
	}
	return post
}

// Vote casts voter's vote on postID. It is a no-op (ErrVoteRejected) if
// voter authored the post or has already voted on it.
func (b *Board) Vote(voter string, postID int, direction models.VoteDirection) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := b.indexOf(postID)
	if idx < 0 {
		return ErrPostNotFound
	}
	post := &b.posts[idx]
	if post.Author == voter {
		return ErrVoteRejected
	}
	if _, voted := post.Voters[voter]; voted {
		return ErrVoteRejected
	}

	post.Voters[voter] = direction
	switch direction {
	case models.VoteUp:
		post.Upvotes++
	case models.VoteDown:
		post.Downvotes++
	}
	return nil
}

func (b *Board) indexOf(postID int) int {
	for i := range b.posts {
		if b.posts[i].ID == postID {
			return i
		}
	}
	return -1
}

// Browse returns a point-in-time snapshot of every post. If excludeSelf
// is true, posts authored by viewer are omitted.
func (b *Board) Browse(viewer string, excludeSelf bool) []models.Post {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]models.Post, 0, len(b.posts))
	for _, p := range b.posts {
		if excludeSelf && p.Author == viewer {
			continue
		}
		out = append(out, clonePost(p))
	}
	return out
}

// TopK returns the n posts with the highest upvotes-minus-downvotes
// score, ties broken by ascending id.
func (b *Board) TopK(n int) []models.Post {
	b.mu.Lock()
	posts := make([]models.Post, len(b.posts))
	for i, p := range b.posts {
		posts[i] = clonePost(p)
	}
	b.mu.Unlock()

	sort.Slice(posts, func(i, j int) bool {
		si, sj := posts[i].Score(), posts[j].Score()
		if si != sj {
			return si > sj
		}
		return posts[i].ID < posts[j].ID
	})
	if n >= 0 && n < len(posts) {
		posts = posts[:n]
	}
	return posts
}

// Count returns the total number of posts on the board.
func (b *Board) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.posts)
}

func clonePost(p models.Post) models.Post {
	voters := make(map[string]models.VoteDirection, len(p.Voters))
	for k, v := range p.Voters {
		voters[k] = v
	}
	p.Voters = voters
	if p.ReplyTo != nil {
		rt := *p.ReplyTo
		p.ReplyTo = &rt
	}
	return p
}
