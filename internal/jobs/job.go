package jobs

import (
	"log/slog"
	"sync"
	"time"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Job is one tracked unit of asynchronous transcription work. Status moves
// queued -> processing -> {completed|failed} and never leaves a terminal
// state.
type Job struct {
	ID               string
	Status           Status
	Result           string
	Error            string
	Model            string
	ModelSubstituted bool
	CreatedAt        time.Time
	FinishedAt       time.Time
}

func (j Job) terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// store maps job ids to value snapshots. Each id is written by exactly one
// worker; pollers read copies, never shared pointers.
type store struct {
	mu   sync.RWMutex
	jobs map[string]Job
	log  *slog.Logger
}

func newStore(logger *slog.Logger) *store {
	return &store{jobs: make(map[string]Job), log: logger}
}

func (s *store) create(id, model string) Job {
	j := Job{
		ID:        id,
		Status:    StatusQueued,
		Model:     model,
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.jobs[id] = j
	s.mu.Unlock()
	return j
}

func (s *store) get(id string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	return j, ok
}

// transition applies mutate to the job if the move is legal. Mutating a
// terminal job is a no-op: duplicate completion signals are tolerated, not
// escalated.
func (s *store) transition(id string, to Status, mutate func(*Job)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		s.log.Warn("transition for unknown job", "job_id", id, "to", to)
		return
	}
	if j.terminal() {
		s.log.Warn("ignoring transition on terminal job", "job_id", id, "from", j.Status, "to", to)
		return
	}
	if !validTransition(j.Status, to) {
		s.log.Warn("ignoring illegal transition", "job_id", id, "from", j.Status, "to", to)
		return
	}

	j.Status = to
	if mutate != nil {
		mutate(&j)
	}
	if j.terminal() {
		j.FinishedAt = time.Now().UTC()
	}
	s.jobs[id] = j
}

func (s *store) remove(id string) {
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
}

func (s *store) deleteExpired(retention time.Duration) int {
	cutoff := time.Now().UTC().Add(-retention)
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, j := range s.jobs {
		if j.terminal() && j.FinishedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed
}

func (s *store) size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

func validTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}
