package trigger

import (
	"sync"

	"github.com/oasisrun/agentplatform/pkg/models"
)

// JobStore is the persistence boundary behind the Scheduler, mirroring
// internal/jobs.Store's shape. The default MemoryJobStore deliberately
// loses jobs on restart;
// a durable implementation can be swapped in via WithJobStore without
// touching the timing loop.
type JobStore interface {
	Put(job models.CronJob) error
	Remove(taskID string) error
	All() ([]models.CronJob, error)
}

// MemoryJobStore is the in-memory JobStore.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]models.CronJob
}

// NewMemoryJobStore returns an empty MemoryJobStore.
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]models.CronJob)}
}

// Put stores or overwrites a job record.
func (s *MemoryJobStore) Put(job models.CronJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.TaskID] = job
	return nil
}

// Remove deletes a job record.
func (s *MemoryJobStore) Remove(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, taskID)
	return nil
}

// All returns every stored job record.
func (s *MemoryJobStore) All() ([]models.CronJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.CronJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out, nil
}
