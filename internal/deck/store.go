package deck

import (
	"context"
	"sync"
	"time"
)

// JobStore keeps per-session jobs in memory. Jobs stay in process because a
// running job carries its cancel function.
type JobStore struct {
	mu   sync.Mutex
	jobs map[string]*jobEntry
	now  func() time.Time
}

type jobEntry struct {
	job    Job
	cancel context.CancelFunc
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]*jobEntry),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Snapshot returns a copy of the job for a session.
func (s *JobStore) Snapshot(sessionID string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.jobs[sessionID]
	if !ok {
		return Job{}, false
	}
	return cloneJob(entry.job), true
}

// Mutate applies fn to the session's job under the store lock, creating an
// idle job first if none exists. The job is stamped on success.
func (s *JobStore) Mutate(sessionID string, fn func(*Job) error) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.jobs[sessionID]
	if !ok {
		entry = &jobEntry{job: Job{
			SessionID: sessionID,
			Status:    StatusIdle,
			Crop:      DefaultCrop(),
			UpdatedAt: s.now(),
		}}
		s.jobs[sessionID] = entry
	}
	if err := fn(&entry.job); err != nil {
		return cloneJob(entry.job), err
	}
	entry.job.UpdatedAt = s.now()
	return cloneJob(entry.job), nil
}

// SetCancel stores the cancel function for the session's running job.
func (s *JobStore) SetCancel(sessionID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.jobs[sessionID]; ok {
		entry.cancel = cancel
	}
}

// TakeCancel removes and returns the cancel function, if any.
func (s *JobStore) TakeCancel(sessionID string) context.CancelFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.jobs[sessionID]
	if !ok || entry.cancel == nil {
		return nil
	}
	cancel := entry.cancel
	entry.cancel = nil
	return cancel
}

// Delete removes the session's job.
func (s *JobStore) Delete(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, sessionID)
}

func cloneJob(j Job) Job {
	out := j
	out.Assets = make([]Asset, len(j.Assets))
	copy(out.Assets, j.Assets)
	out.Result = j.Result.Clone()
	out.Edit = j.Edit.Clone()
	return out
}
