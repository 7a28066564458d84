package job

import (
	"sync"
	"time"

	"github.com/wallet-cluster-engine/internal/models"
	"github.com/wallet-cluster-engine/internal/types"
)

// Store holds batch jobs in memory. Deduplication by job key happens under
// the same lock as creation, so concurrent identical submissions share a job.
type Store struct {
	mu     sync.RWMutex
	jobs   map[string]*models.BatchJob
	active map[string]string // job key -> job id, non-terminal jobs only
}

// NewStore creates an empty job store
func NewStore() *Store {
	return &Store{
		jobs:   make(map[string]*models.BatchJob),
		active: make(map[string]string),
	}
}

// CreateOrGet inserts job unless a non-terminal job with the same key exists,
// in which case that job is returned and created is false.
func (s *Store) CreateOrGet(job *models.BatchJob) (stored *models.BatchJob, created bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.active[job.JobKey]; ok {
		return s.jobs[id].Clone(), false
	}

	s.jobs[job.JobID] = job.Clone()
	if !job.Status.IsTerminal() {
		s.active[job.JobKey] = job.JobID
	}
	return job.Clone(), true
}

// Get returns a copy of the job
func (s *Store) Get(jobID string) (*models.BatchJob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, false
	}
	return job.Clone(), true
}

// Update applies fn to the job under the store lock. Terminal jobs are never
// modified. It returns a copy of the job after fn, and whether fn ran.
func (s *Store) Update(jobID string, fn func(*models.BatchJob)) (*models.BatchJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, false
	}
	if job.Status.IsTerminal() {
		return job.Clone(), false
	}

	fn(job)
	if job.Status.IsTerminal() {
		if s.active[job.JobKey] == jobID {
			delete(s.active, job.JobKey)
		}
	}
	return job.Clone(), true
}

// EvictCompletedBefore removes terminal jobs that finished before cutoff and
// returns their ids.
func (s *Store) EvictCompletedBefore(cutoff time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []string
	for id, job := range s.jobs {
		if !job.Status.IsTerminal() || job.CompletedAt == nil {
			continue
		}
		if job.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// Counts returns the number of jobs per status
func (s *Store) Counts() map[types.JobStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[types.JobStatus]int)
	for _, job := range s.jobs {
		counts[job.Status]++
	}
	return counts
}

// Len returns the number of stored jobs
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}
