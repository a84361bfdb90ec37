// Discussion Engine: orchestrates one Forum Topic's rounds of expert
// participation (parallel or declaratively scheduled), detects
// consensus, and produces a final summarized conclusion. Rounds run as
// goroutines guarded by the Board's own locking plus a Topic-level
// mutex for status/round bookkeeping; experts speak through one of two
// pluggable Backends.

package forum

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oasisrun/agentplatform/internal/agent"
	"github.com/oasisrun/agentplatform/internal/observability"
	"github.com/oasisrun/agentplatform/pkg/models"
)

// consensusFraction is the fraction of participating experts whose
// approval on the top post ends a discussion early:
// top_post.upvotes >= ceil(0.7 * numExperts).
const consensusFraction = 0.7

// subagentTimeout is the wall-clock bound on one Backend-B expert
// invocation.
const subagentTimeout = 120 * time.Second

// summarizeTimeout bounds the final summarization call.
const summarizeTimeout = 60 * time.Second

// participationReply is the strict JSON shape an expert invocation must
// return.
type participationReply struct {
	ReplyTo *int         `json:"reply_to"`
	Content string       `json:"content"`
	Votes   []expertVote `json:"votes"`
}

type expertVote struct {
	PostID    int    `json:"post_id"`
	Direction string `json:"direction"`
}

// Backend produces one expert's participation content for one invocation
// of a discussion round. Implementations: directLLMBackend (Backend A)
// and subAgentBackend (Backend B).
type Backend interface {
	// Participate asks expert to contribute given the current visible
	// posts (its own already excluded), returning the raw model text
	// (expected to be, or contain, a participationReply JSON object).
	// Implementations decide how much of posts to actually send (Backend
	// A sends all of them every call; Backend B sends only the delta
	// since its own thread's last call).
	Participate(ctx context.Context, topicID string, expert models.ExpertConfig, posts []models.Post) (string, error)
}

// Topic is the full record of one discussion, combining
// the live Board with the engine's own status/round bookkeeping.
type Topic struct {
	mu sync.Mutex

	TopicID      string
	Question     string
	OwnerUserID  string
	MaxRounds    int
	CurrentRound int
	Status       models.TopicStatus
	Conclusion   *string
	CreatedAt    time.Time

	Board *Board

	feed *feed
	done chan struct{}
}

// Snapshot returns a models.Topic value safe to hand to callers.
func (t *Topic) Snapshot() models.Topic {
	t.mu.Lock()
	defer t.mu.Unlock()
	return models.Topic{
		TopicID:      t.TopicID,
		Question:     t.Question,
		OwnerUserID:  t.OwnerUserID,
		MaxRounds:    t.MaxRounds,
		CurrentRound: t.CurrentRound,
		Status:       t.Status,
		Posts:        t.Board.Browse("", false),
		Conclusion:   t.Conclusion,
		CreatedAt:    t.CreatedAt,
	}
}

func (t *Topic) setStatus(s models.TopicStatus) {
	t.mu.Lock()
	t.Status = s
	t.mu.Unlock()
}

func (t *Topic) setRound(n int) {
	t.mu.Lock()
	t.CurrentRound = n
	t.mu.Unlock()
	t.feed.publish(FeedEvent{Kind: FeedRound, Round: n})
}

func (t *Topic) setMaxRounds(n int) {
	t.mu.Lock()
	t.MaxRounds = n
	t.mu.Unlock()
}

func (t *Topic) conclude(status models.TopicStatus, text string) {
	t.mu.Lock()
	t.Status = status
	t.Conclusion = &text
	t.mu.Unlock()

	t.feed.publish(FeedEvent{Kind: FeedConclusion, Conclusion: text, Status: status})
	t.feed.publish(FeedEvent{Kind: FeedDone, Status: status})
	t.feed.closeFeed()
	if t.done != nil {
		close(t.done)
	}
}

// TopicStore holds every live Topic for the process's lifetime; topics
// are not persisted and die with the engine.
type TopicStore struct {
	mu     sync.RWMutex
	topics map[string]*Topic
}

// NewTopicStore returns an empty TopicStore.
func NewTopicStore() *TopicStore {
	return &TopicStore{topics: make(map[string]*Topic)}
}

func (s *TopicStore) put(t *Topic) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics[t.TopicID] = t
}

// Get returns the live Topic for id, or ok=false.
func (s *TopicStore) Get(id string) (*Topic, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.topics[id]
	return t, ok
}

// List returns every topic, optionally filtered by owner (empty =
// every topic, per Open Question #2: listing is deliberately public).
func (s *TopicStore) List(userID string) []models.Topic {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Topic, 0, len(s.topics))
	for _, t := range s.topics {
		if userID != "" && t.OwnerUserID != userID {
			continue
		}
		out = append(out, t.Snapshot())
	}
	return out
}

// RunRequest is the input to Engine.Start.
type RunRequest struct {
	Question        string
	UserID          string
	MaxRounds       int
	ExpertTags      []string
	ScheduleYAML    string
	ScheduleFile    string
	UseBotSession   bool
	BotEnabledTools []string
}

// Engine is the Discussion Engine (C9): wires a Roster, a Summarizer
// model call, and one of the two Backends into the round-loop described
// into the round loop.
type Engine struct {
	roster     *Roster
	summarizer agent.LLMProvider
	directLLM  agent.LLMProvider
	subAgent   SubAgentRunner
	logger     *slog.Logger

	// Metrics is optional; when set, round/post/conclusion counters are
	// recorded. Assign before Start is first called.
	Metrics *observability.Metrics

	store *TopicStore
}

// SubAgentRunner is the narrow surface Backend B needs from the Session
// & Task Manager: run one non-streaming turn as a given user/session,
// with a fixed system persona instruction prepended on first call; later
// calls send only the delta of new posts.
type SubAgentRunner interface {
	RunTurn(ctx context.Context, userID, sessionID, text string, systemPersona string, enabledTools []string) (string, error)
}

// NewEngine builds an Engine. summarizer and directLLM may be the same
// provider; subAgent may be nil if Backend B is never requested.
func NewEngine(roster *Roster, directLLM, summarizer agent.LLMProvider, subAgent SubAgentRunner, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		roster:     roster,
		directLLM:  directLLM,
		summarizer: summarizer,
		subAgent:   subAgent,
		logger:     logger,
		store:      NewTopicStore(),
	}
}

// Topics exposes the engine's TopicStore for the Ingress Surface's
// listing/detail endpoints.
func (e *Engine) Topics() *TopicStore { return e.store }

// Start creates a Topic in "pending" status and launches its discussion
// loop as a background goroutine, returning immediately; the discussion
// itself runs asynchronously.
func (e *Engine) Start(req RunRequest) (*Topic, error) {
	if strings.TrimSpace(req.Question) == "" {
		return nil, fmt.Errorf("forum: question is required")
	}
	maxRounds := req.MaxRounds
	if maxRounds <= 0 {
		maxRounds = 1
	}

	experts, err := e.roster.Visible(req.UserID, req.ExpertTags)
	if err != nil {
		return nil, fmt.Errorf("forum: resolve experts: %w", err)
	}
	if len(experts) == 0 {
		return nil, fmt.Errorf("forum: no experts visible to user")
	}

	schedule, err := resolveSchedule(req)
	if err != nil {
		return nil, err
	}

	topic := &Topic{
		TopicID:     uuid.NewString()[:8],
		Question:    req.Question,
		OwnerUserID: req.UserID,
		MaxRounds:   maxRounds,
		Status:      models.TopicPending,
		CreatedAt:   time.Now(),
		Board:       NewBoard(),
		feed:        newFeed(),
		done:        make(chan struct{}),
	}
	topic.Board.SetPublishHook(func(p models.Post) {
		topic.feed.publish(FeedEvent{Kind: FeedPost, Post: &p})
	})
	e.store.put(topic)

	var backend Backend
	if req.UseBotSession {
		if e.subAgent == nil {
			return nil, fmt.Errorf("forum: bot-session backend requested but no sub-agent runner configured")
		}
		backend = &subAgentBackend{runner: e.subAgent, ownerUserID: req.UserID, enabledTools: req.BotEnabledTools}
	} else {
		backend = &directLLMBackend{provider: e.directLLM}
	}

	run := &discussionRun{
		topic:    topic,
		experts:  experts,
		schedule: schedule,
		backend:  backend,
		engine:   e,
	}
	go run.execute()

	return topic, nil
}

func resolveSchedule(req RunRequest) (*models.Schedule, error) {
	switch {
	case req.ScheduleYAML != "":
		s, err := ParseSchedule(req.ScheduleYAML)
		if err != nil {
			return nil, err
		}
		return &s, nil
	case req.ScheduleFile != "":
		s, err := LoadScheduleFile(req.ScheduleFile)
		if err != nil {
			return nil, err
		}
		return &s, nil
	default:
		return nil, nil
	}
}

// discussionRun holds the per-invocation state for one Topic's
// background loop.
type discussionRun struct {
	topic     *Topic
	experts   []models.ExpertConfig
	schedule  *models.Schedule
	backend   Backend
	engine    *Engine
	consensus bool
}

func (r *discussionRun) expertMap() map[string]models.ExpertConfig {
	m := make(map[string]models.ExpertConfig, len(r.experts))
	for _, e := range r.experts {
		m[e.Name] = e
	}
	return m
}

// execute runs the full discussion loop, always leaving the topic
// in a terminal state before returning: a topic never remains in
// discussing after the engine exits.
func (r *discussionRun) execute() {
	r.topic.setStatus(models.TopicDiscussing)

	err := func() (runErr error) {
		defer func() {
			if p := recover(); p != nil {
				runErr = fmt.Errorf("forum: panic in discussion run: %v", p)
			}
		}()
		if r.schedule != nil {
			return r.runScheduled()
		}
		return r.runParallel()
	}()

	if err != nil {
		r.topic.conclude(models.TopicError, err.Error())
		r.recordConcluded("error", "failed")
		r.engine.logger.Error("forum: discussion run failed", "topic_id", r.topic.TopicID, "error", err)
		return
	}

	conclusion := r.summarize()
	r.topic.conclude(models.TopicConcluded, conclusion)
	reason := "exhausted"
	if r.consensus {
		reason = "consensus"
	}
	r.recordConcluded("concluded", reason)
}

func (r *discussionRun) recordConcluded(status, reason string) {
	if r.engine.Metrics == nil {
		return
	}
	r.engine.Metrics.DiscussionsConcluded.WithLabelValues(status, reason).Inc()
}

func (r *discussionRun) recordRound(mode string) {
	if r.engine.Metrics == nil {
		return
	}
	r.engine.Metrics.DiscussionRounds.WithLabelValues(mode).Inc()
}

// runParallel is the no-Schedule mode: every selected expert speaks
// concurrently each round.
func (r *discussionRun) runParallel() error {
	for round := 0; round < r.topic.MaxRounds; round++ {
		r.topic.setRound(round + 1)
		r.recordRound("parallel")
		r.runAll(r.experts)
		if round >= 1 && r.consensusReached(len(r.experts)) {
			r.consensus = true
			break
		}
	}
	return nil
}

// runScheduled executes a declarative Schedule.
func (r *discussionRun) runScheduled() error {
	steps := r.schedule.Steps

	if r.schedule.Repeat {
		for round := 0; round < r.topic.MaxRounds; round++ {
			r.topic.setRound(round + 1)
			r.recordRound("scheduled")
			for _, step := range steps {
				r.executeStep(step)
			}
			if round >= 1 && r.consensusReached(len(r.experts)) {
				r.consensus = true
				break
			}
		}
		return nil
	}

	r.topic.setMaxRounds(len(steps))
	for i, step := range steps {
		r.topic.setRound(i + 1)
		r.recordRound("scheduled")
		r.executeStep(step)
		if i >= 1 && r.consensusReached(len(r.experts)) {
			r.consensus = true
			break
		}
	}
	return nil
}

// executeStep dispatches on the step type.
func (r *discussionRun) executeStep(step models.ScheduleStep) {
	switch step.Type {
	case models.StepManual:
		author := step.ManualAuthor
		if author == "" {
			author = defaultManualAuthor
		}
		if r.engine.Metrics != nil {
			r.engine.Metrics.DiscussionPosts.WithLabelValues("manual").Inc()
		}
		r.topic.Board.Publish(author, step.ManualContent, step.ManualReplyTo)

	case models.StepAllExperts:
		r.runAll(r.experts)

	case models.StepExpert:
		agents := r.resolve(step.ExpertNames)
		if len(agents) > 0 {
			r.runAll(agents[:1])
		}

	case models.StepParallel:
		agents := r.resolve(step.ExpertNames)
		if len(agents) > 0 {
			r.runAll(agents)
		}
	}
}

// resolve looks up expert names against this run's expert set, logging
// and skipping unknown names.
func (r *discussionRun) resolve(names []string) []models.ExpertConfig {
	byName := r.expertMap()
	var out []models.ExpertConfig
	for _, n := range names {
		e, ok := byName[n]
		if !ok {
			r.engine.logger.Warn("forum: schedule references unknown expert", "topic_id", r.topic.TopicID, "name", n)
			continue
		}
		out = append(out, e)
	}
	return out
}

// runAll invokes every expert in experts concurrently and waits for all
// to finish. Ordering across different experts in the same step is not
// promised beyond the Board's own post-id monotonicity.
func (r *discussionRun) runAll(experts []models.ExpertConfig) {
	var wg sync.WaitGroup
	for _, expert := range experts {
		wg.Add(1)
		go func(e models.ExpertConfig) {
			defer wg.Done()
			r.participate(e)
		}(expert)
	}
	wg.Wait()
}

// participate runs one expert invocation: format the other experts'
// posts, call the backend, parse the strict JSON reply (or fall back to
// raw text), publish, and cast declared votes.
func (r *discussionRun) participate(expert models.ExpertConfig) {
	ctx, cancel := context.WithTimeout(context.Background(), subagentTimeout)
	defer cancel()

	others := r.topic.Board.Browse(expert.Name, true)

	raw, err := r.backend.Participate(ctx, r.topic.TopicID, expert, others)
	if err != nil {
		if ctx.Err() != nil {
			raw = "(subagent thought too long, no response in time)"
		} else {
			r.engine.logger.Error("forum: expert participation failed", "expert", expert.Name, "error", err)
			raw = fmt.Sprintf("(%s failed to respond: %s)", expert.Name, err.Error())
		}
		r.publishFallback(expert, raw, others)
		return
	}

	reply, ok := parseParticipationReply(raw)
	if !ok {
		r.publishFallback(expert, raw, others)
		return
	}

	replyTo := reply.ReplyTo
	if replyTo == nil {
		if last := mostRecentNonSelf(others); last != nil {
			replyTo = last
		}
	}

	if r.engine.Metrics != nil {
		r.engine.Metrics.DiscussionPosts.WithLabelValues("expert").Inc()
	}
	post := r.topic.Board.Publish(expert.Name, reply.Content, replyTo)
	for _, v := range reply.Votes {
		dir, ok := parseDirection(v.Direction)
		if !ok {
			continue
		}
		if v.PostID == post.ID {
			continue
		}
		_ = r.topic.Board.Vote(expert.Name, v.PostID, dir)
	}
}

// publishFallback handles an unparseable reply: the raw text, truncated
// to 300 characters, becomes the post.
func (r *discussionRun) publishFallback(expert models.ExpertConfig, raw string, others []models.Post) {
	text := raw
	if len(text) > 300 {
		text = text[:300]
	}
	var replyTo *int
	if last := mostRecentNonSelf(others); last != nil {
		replyTo = last
	}
	if r.engine.Metrics != nil {
		r.engine.Metrics.DiscussionPosts.WithLabelValues("fallback").Inc()
	}
	r.topic.Board.Publish(expert.Name, text, replyTo)
}

// consensusReached checks top_post.upvotes >= ceil(0.7 * numExperts).
func (r *discussionRun) consensusReached(numExperts int) bool {
	top := r.topic.Board.TopK(1)
	if len(top) == 0 {
		return false
	}
	threshold := int(math.Ceil(consensusFraction * float64(numExperts)))
	return top[0].Upvotes >= threshold
}

// summarize closes the discussion: ask the summarizer model for a
// Chinese-language conclusion built from the top 5 posts.
func (r *discussionRun) summarize() string {
	ctx, cancel := context.WithTimeout(context.Background(), summarizeTimeout)
	defer cancel()

	top := r.topic.Board.TopK(5)
	all := r.topic.Board.Browse("", false)
	if len(top) == 0 {
		return "讨论未产生有效观点。"
	}

	var postsText strings.Builder
	for _, p := range top {
		fmt.Fprintf(&postsText, "[👍%d 👎%d] %s: %s\n", p.Upvotes, p.Downvotes, p.Author, p.Content)
	}

	prompt := fmt.Sprintf(
		"你是一个讨论总结专家。以下是关于「%s」的多专家讨论结果。\n\n"+
			"共 %d 条帖子，经过 %d 轮讨论。\n\n"+
			"获得最高认可的观点:\n%s\n\n"+
			"请综合以上高赞观点，给出一个全面、平衡、有结论性的最终回答（300字以内）。\n"+
			"要求:\n"+
			"1. 清晰概括各方核心观点\n"+
			"2. 指出主要共识和分歧\n"+
			"3. 给出明确的结论性建议\n",
		r.topic.Question, len(all), r.topic.CurrentRound, postsText.String(),
	)

	req := &agent.CompletionRequest{
		System:    "你是一个严谨、简明的讨论总结助手。",
		Messages:  []agent.CompletionMessage{{Role: "user", Content: prompt}},
		MaxTokens: 1024,
	}
	chunks, err := r.engine.summarizer.Complete(ctx, req)
	if err != nil {
		return fmt.Sprintf("总结生成失败: %s", err.Error())
	}

	var text strings.Builder
	for chunk := range chunks {
		if ctx.Err() != nil {
			return "总结生成失败: 总结超时"
		}
		if chunk.Error != nil {
			return fmt.Sprintf("总结生成失败: %s", chunk.Error.Error())
		}
		text.WriteString(chunk.Text)
		if chunk.Done {
			break
		}
	}
	if text.Len() == 0 {
		return "总结生成失败: 空响应"
	}
	return text.String()
}

// formatPosts renders a compact text block of posts for an expert
// prompt.
func formatPosts(posts []models.Post) string {
	if len(posts) == 0 {
		return "(暂无帖子)"
	}
	var b strings.Builder
	for _, p := range posts {
		reply := ""
		if p.ReplyTo != nil {
			reply = fmt.Sprintf(" (回复 #%d)", *p.ReplyTo)
		}
		fmt.Fprintf(&b, "#%d [%s]%s 👍%d 👎%d: %s\n", p.ID, p.Author, reply, p.Upvotes, p.Downvotes, p.Content)
	}
	return b.String()
}

// mostRecentNonSelf returns the id of the last post in posts (already
// excludes the viewing expert's own posts), or nil if posts is empty
//.
func mostRecentNonSelf(posts []models.Post) *int {
	if len(posts) == 0 {
		return nil
	}
	id := posts[len(posts)-1].ID
	return &id
}

// parseParticipationReply strips code-fence markers if present, then
// parses the strict JSON shape.
func parseParticipationReply(raw string) (participationReply, bool) {
	text := strings.TrimSpace(raw)
	text = stripCodeFence(text)

	var reply participationReply
	if err := json.Unmarshal([]byte(text), &reply); err != nil {
		return participationReply{}, false
	}
	if strings.TrimSpace(reply.Content) == "" {
		return participationReply{}, false
	}
	return reply, true
}

func stripCodeFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.Split(text, "\n")
	if len(lines) < 2 {
		return text
	}
	lines = lines[1:]
	if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// parseDirection validates a vote direction string; unknown directions
// drop the vote silently without failing the rest of the reply.
func parseDirection(raw string) (models.VoteDirection, bool) {
	switch models.VoteDirection(raw) {
	case models.VoteUp:
		return models.VoteUp, true
	case models.VoteDown:
		return models.VoteDown, true
	default:
		return "", false
	}
}
