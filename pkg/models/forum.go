package models

import "time"

// VoteDirection is the two valid vote values on a Forum Post.
type VoteDirection string

const (
	VoteUp   VoteDirection = "up"
	VoteDown VoteDirection = "down"
)

// Post is a single entry in a discussion topic's thread.
type Post struct {
	ID        int                      `json:"id"`
	Author    string                   `json:"author"`
	Content   string                   `json:"content"`
	ReplyTo   *int                     `json:"reply_to,omitempty"`
	Upvotes   int                      `json:"upvotes"`
	Downvotes int                      `json:"downvotes"`
	Voters    map[string]VoteDirection `json:"voters"`
	Timestamp time.Time                `json:"timestamp"`
}

// Score is the post's net approval, used by top_k ranking.
func (p Post) Score() int {
	return p.Upvotes - p.Downvotes
}

// TopicStatus is the lifecycle state of a Forum Topic.
type TopicStatus string

const (
	TopicPending    TopicStatus = "pending"
	TopicDiscussing TopicStatus = "discussing"
	TopicConcluded  TopicStatus = "concluded"
	TopicError      TopicStatus = "error"
)

// Topic is the full record of one discussion, independent of the live
// Board that drives it.
type Topic struct {
	TopicID      string      `json:"topic_id"`
	Question     string      `json:"question"`
	OwnerUserID  string      `json:"owner_user_id"`
	MaxRounds    int         `json:"max_rounds"`
	CurrentRound int         `json:"current_round"`
	Status       TopicStatus `json:"status"`
	Posts        []Post      `json:"posts"`
	Conclusion   *string     `json:"conclusion,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// ExpertConfig describes one discussion persona.
type ExpertConfig struct {
	Name        string  `json:"name"`
	Tag         string  `json:"tag"`
	Persona     string  `json:"persona"`
	Temperature float64 `json:"temperature"`
	// Builtin marks an expert as immutable, seeded from the startup
	// catalog rather than a per-user custom document.
	Builtin bool `json:"builtin"`
}

// StepType tags one element of a Schedule's plan.
type StepType string

const (
	StepManual     StepType = "manual"
	StepExpert     StepType = "expert"
	StepParallel   StepType = "parallel"
	StepAllExperts StepType = "all_experts"
)

// ScheduleStep is one step of a declarative discussion plan.
type ScheduleStep struct {
	Type StepType

	// StepExpert / StepParallel
	ExpertNames []string

	// StepManual
	ManualAuthor  string
	ManualContent string
	ManualReplyTo *int
}

// Schedule is a parsed declarative plan controlling who speaks when in a
// discussion.
type Schedule struct {
	Repeat bool
	Steps  []ScheduleStep
}

// CronJob describes one scheduled trigger. It lives only in the scheduler
// process's memory (or whatever JobStore backs it).
type CronJob struct {
	TaskID         string    `json:"task_id"`
	UserID         string    `json:"user_id"`
	SessionID      string    `json:"session_id"`
	CronExpression string    `json:"cron_expression"`
	Text           string    `json:"text"`
	NextFireTime   time.Time `json:"next_fire_time"`
}
