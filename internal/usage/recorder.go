// Package usage persists usage deltas to the account service off the
// response path. A lost delta is an accepted cost; a delayed response is not.
package usage

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Delta is one metered increment attributable to a completed piece of work.
type Delta struct {
	UserID      string
	ServiceType string
	Amount      float64
}

// Sink receives usage writes. Implemented by the account client.
type Sink interface {
	RecordUsage(ctx context.Context, userID, service string, amount float64) error
}

type ObserverFunc func(outcome string)

type Option func(*Recorder)

func WithObserver(observer ObserverFunc) Option {
	return func(r *Recorder) { r.observer = observer }
}

func WithWriteTimeout(timeout time.Duration) Option {
	return func(r *Recorder) {
		if timeout > 0 {
			r.writeTimeout = timeout
		}
	}
}

// Recorder drains a buffered queue of deltas on its own worker. Record never
// blocks the caller and failures are logged, not retried.
type Recorder struct {
	queue        chan Delta
	sink         Sink
	writeTimeout time.Duration
	observer     ObserverFunc
	log          *slog.Logger
	wg           sync.WaitGroup

	recorded atomic.Int64
	failed   atomic.Int64
	dropped  atomic.Int64
}

func NewRecorder(sink Sink, queueSize int, logger *slog.Logger, opts ...Option) *Recorder {
	if queueSize <= 0 {
		queueSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		queue:        make(chan Delta, queueSize),
		sink:         sink,
		writeTimeout: 10 * time.Second,
		log:          logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Start launches the drain worker.
func (r *Recorder) Start() {
	r.wg.Add(1)
	go r.drain()
}

// Stop closes the queue and waits for in-flight writes to finish.
func (r *Recorder) Stop() {
	close(r.queue)
	r.wg.Wait()
	r.log.Info("usage recorder stopped",
		"recorded", r.recorded.Load(),
		"failed", r.failed.Load(),
		"dropped", r.dropped.Load(),
	)
}

// Record enqueues one delta, fire-and-forget. A full queue drops the delta
// with a log line rather than blocking the caller.
func (r *Recorder) Record(d Delta) {
	select {
	case r.queue <- d:
	default:
		r.dropped.Add(1)
		r.observe("dropped")
		r.log.Error("usage queue full, delta lost",
			"user", d.UserID,
			"service", d.ServiceType,
			"amount", d.Amount,
			"ts", time.Now().UTC(),
		)
	}
}

func (r *Recorder) drain() {
	defer r.wg.Done()
	for d := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
		err := r.sink.RecordUsage(ctx, d.UserID, d.ServiceType, d.Amount)
		cancel()
		if err != nil {
			r.failed.Add(1)
			r.observe("failed")
			// Not retried: the dead-letter log line is the whole recovery story.
			r.log.Error("usage write failed, delta lost",
				"user", d.UserID,
				"service", d.ServiceType,
				"amount", d.Amount,
				"ts", time.Now().UTC(),
				"error", err,
			)
			continue
		}
		r.recorded.Add(1)
		r.observe("recorded")
	}
}

func (r *Recorder) observe(outcome string) {
	if r.observer != nil {
		r.observer(outcome)
	}
}
