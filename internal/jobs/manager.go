package jobs

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrQueueFull is returned by Submit when every worker is busy and the
// pending buffer is exhausted.
var ErrQueueFull = errors.New("jobs: queue full")

// Work describes one submitted transcription request. InputPath is a file
// owned by the job from submission onward; the worker removes it when done.
type Work struct {
	InputPath     string
	FileName      string
	FileSize      int64
	UserID        string
	DeclaredModel string
	Language      string
}

// Outcome is what a processor hands back for a finished job.
type Outcome struct {
	Text             string
	Model            string
	ModelSubstituted bool
}

// ProcessFunc executes the transcription pipeline for one job. It may run
// for the full duration of provider calls; its lifetime is decoupled from
// any HTTP caller.
type ProcessFunc func(ctx context.Context, w Work) (Outcome, error)

type ObserverFunc func(event string, pending, stored int)

type Option func(*Manager)

func WithObserver(observer ObserverFunc) Option {
	return func(m *Manager) { m.observer = observer }
}

type queued struct {
	id   string
	work Work
}

// Manager owns the job state machine and the worker pool executing it.
// Submit returns immediately; Poll never blocks on a worker.
type Manager struct {
	store     *store
	queue     chan queued
	process   ProcessFunc
	workers   int
	retention time.Duration
	observer  ObserverFunc
	log       *slog.Logger

	wg       sync.WaitGroup
	janitor  *time.Ticker
	stopOnce sync.Once
	done     chan struct{}
}

func NewManager(process ProcessFunc, workers, queueSize int, retention time.Duration, logger *slog.Logger, opts ...Option) *Manager {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 16
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:     newStore(logger),
		queue:     make(chan queued, queueSize),
		process:   process,
		workers:   workers,
		retention: retention,
		log:       logger,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Start launches the worker goroutines and the retention janitor.
func (m *Manager) Start() {
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}
	if m.retention > 0 {
		m.janitor = time.NewTicker(time.Minute)
		m.wg.Add(1)
		go m.runJanitor()
	}
	m.log.Info("job manager started", "workers", m.workers, "queue_size", cap(m.queue))
}

// Stop drains the queue and waits for in-flight jobs to finish.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		close(m.queue)
		if m.janitor != nil {
			m.janitor.Stop()
		}
		m.wg.Wait()
		m.log.Info("job manager stopped")
	})
}

// Submit creates a queued job, hands it to a worker, and returns the id.
func (m *Manager) Submit(w Work) (string, error) {
	id := uuid.NewString()
	m.store.create(id, w.DeclaredModel)

	select {
	case m.queue <- queued{id: id, work: w}:
		m.observe("submitted")
		m.log.Info("job submitted", "job_id", id, "bytes", w.FileSize, "model", w.DeclaredModel)
		return id, nil
	default:
		m.store.remove(id)
		return "", ErrQueueFull
	}
}

// Poll returns a read-only snapshot of one job.
func (m *Manager) Poll(id string) (Job, bool) {
	return m.store.get(id)
}

func (m *Manager) worker(id int) {
	defer m.wg.Done()
	log := m.log.With("worker", id)

	for q := range m.queue {
		m.runJob(log, q)
	}
}

func (m *Manager) runJob(log *slog.Logger, q queued) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("job panicked", "job_id", q.id, "panic", rec)
			m.store.transition(q.id, StatusFailed, func(j *Job) { j.Error = "internal processing error" })
			m.observe("failed")
		}
	}()
	defer func() {
		if q.work.InputPath != "" {
			_ = os.Remove(q.work.InputPath)
		}
	}()

	m.store.transition(q.id, StatusProcessing, nil)

	started := time.Now()
	outcome, err := m.process(context.Background(), q.work)
	if err != nil {
		// Partial per-chunk results are discarded with the error; a job
		// never reports a misleading partial transcript.
		m.store.transition(q.id, StatusFailed, func(j *Job) { j.Error = err.Error() })
		m.observe("failed")
		log.Warn("job failed", "job_id", q.id, "duration_ms", time.Since(started).Milliseconds(), "error", err)
		return
	}

	m.store.transition(q.id, StatusCompleted, func(j *Job) {
		j.Result = outcome.Text
		j.Model = outcome.Model
		j.ModelSubstituted = outcome.ModelSubstituted
	})
	m.observe("completed")
	log.Info("job completed",
		"job_id", q.id,
		"model", outcome.Model,
		"substituted", outcome.ModelSubstituted,
		"duration_ms", time.Since(started).Milliseconds(),
	)
}

func (m *Manager) runJanitor() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case <-m.janitor.C:
			if removed := m.store.deleteExpired(m.retention); removed > 0 {
				m.log.Debug("expired jobs removed", "count", removed)
			}
		}
	}
}

func (m *Manager) observe(event string) {
	if m.observer != nil {
		m.observer(event, len(m.queue), m.store.size())
	}
}
