// Package trigger implements the cron scheduler: an in-memory set of
// user-created cron jobs fired from a single timing loop, each firing a
// system-originated message into an existing agent conversation via the
// Agent's /system_trigger endpoint. Jobs live behind a swappable
// JobStore, so a durable backend can be added without touching the
// loop; the default store loses jobs on restart on purpose.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/oasisrun/agentplatform/internal/observability"
	"github.com/oasisrun/agentplatform/pkg/models"
)

// cronParser accepts the conventional five-field
// minute/hour/day-of-month/month/day-of-week format.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Firer delivers one job's trigger message to the Agent. Failures are
// logged and lost — no retry queue.
type Firer interface {
	Fire(ctx context.Context, job models.CronJob) error
}

// FirerFunc adapts a function to a Firer.
type FirerFunc func(ctx context.Context, job models.CronJob) error

// Fire executes the firer function.
func (f FirerFunc) Fire(ctx context.Context, job models.CronJob) error {
	return f(ctx, job)
}

// job pairs the externally visible CronJob record with its parsed
// schedule and the in-flight guard serializing firings of the same job
//.
type job struct {
	record   models.CronJob
	schedule cron.Schedule
	inFlight bool
}

// Scheduler owns the job set and the single process-wide timing loop.
type Scheduler struct {
	logger       *slog.Logger
	firer        Firer
	store        JobStore
	metrics      *observability.Metrics
	now          func() time.Time
	tickInterval time.Duration

	mu      sync.Mutex
	jobs    map[string]*job
	started bool
	wg      sync.WaitGroup
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger configures the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTickInterval overrides the scheduler tick interval.
func WithTickInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.tickInterval = interval
		}
	}
}

// WithMetrics records firing counts on the given metrics set.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithJobStore swaps the backing JobStore. The default in-memory store
// deliberately does not survive a restart.
func WithJobStore(store JobStore) Option {
	return func(s *Scheduler) {
		if store != nil {
			s.store = store
		}
	}
}

// NewScheduler builds a Scheduler firing through firer.
func NewScheduler(firer Firer, opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:       slog.Default().With("component", "trigger"),
		firer:        firer,
		store:        NewMemoryJobStore(),
		now:          time.Now,
		tickInterval: time.Second,
		jobs:         make(map[string]*job),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a new job and returns its record, including the assigned
// task_id and computed next fire time.
func (s *Scheduler) Add(userID, sessionID, cronExpr, text string) (models.CronJob, error) {
	schedule, err := cronParser.Parse(cronExpr)
	if err != nil {
		return models.CronJob{}, fmt.Errorf("trigger: invalid cron expression %q: %w", cronExpr, err)
	}

	record := models.CronJob{
		TaskID:         uuid.NewString(),
		UserID:         userID,
		SessionID:      sessionID,
		CronExpression: cronExpr,
		Text:           text,
		NextFireTime:   schedule.Next(s.now()),
	}

	s.mu.Lock()
	s.jobs[record.TaskID] = &job{record: record, schedule: schedule}
	s.mu.Unlock()

	if err := s.store.Put(record); err != nil {
		s.logger.Warn("trigger: job store put failed", "task_id", record.TaskID, "error", err)
	}
	return record, nil
}

// List returns every registered job, sorted by next fire time.
func (s *Scheduler) List() []models.CronJob {
	s.mu.Lock()
	out := make([]models.CronJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.record)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].NextFireTime.Before(out[j].NextFireTime) })
	return out
}

// Delete removes the job with taskID, reporting whether it existed.
func (s *Scheduler) Delete(taskID string) bool {
	s.mu.Lock()
	_, ok := s.jobs[taskID]
	delete(s.jobs, taskID)
	s.mu.Unlock()

	if ok {
		if err := s.store.Remove(taskID); err != nil {
			s.logger.Warn("trigger: job store remove failed", "task_id", taskID, "error", err)
		}
	}
	return ok
}

// Start begins the timing loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunDue(ctx)
			}
		}
	}()
	return nil
}

// Stop waits for the timing loop to exit.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunDue fires every due job once, returning how many were dispatched.
// Exported for tests driving the clock directly.
func (s *Scheduler) RunDue(ctx context.Context) int {
	now := s.now()
	count := 0

	s.mu.Lock()
	due := make([]*job, 0)
	for _, j := range s.jobs {
		if j.inFlight || j.record.NextFireTime.IsZero() || now.Before(j.record.NextFireTime) {
			continue
		}
		j.inFlight = true
		j.record.NextFireTime = j.schedule.Next(now)
		due = append(due, j)
	}
	s.mu.Unlock()

	for _, j := range due {
		count++
		record := j.record
		s.wg.Add(1)
		go func(j *job, record models.CronJob) {
			defer s.wg.Done()
			if err := s.firer.Fire(ctx, record); err != nil {
				// Agent unavailable: the firing is logged and lost.
				s.logger.Warn("trigger: fire failed", "task_id", record.TaskID, "user_id", record.UserID, "error", err)
				if s.metrics != nil {
					s.metrics.TriggerFirings.WithLabelValues("error").Inc()
				}
			} else if s.metrics != nil {
				s.metrics.TriggerFirings.WithLabelValues("ok").Inc()
			}
			s.mu.Lock()
			j.inFlight = false
			s.mu.Unlock()
			if err := s.store.Put(record); err != nil {
				s.logger.Warn("trigger: job store put failed", "task_id", record.TaskID, "error", err)
			}
		}(j, record)
	}
	return count
}
