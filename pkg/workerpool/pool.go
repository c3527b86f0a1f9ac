// Package workerpool provides a bounded pool for concurrent report
// submission with per-job retry.
package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Job is one unit of work. ID is used for logging only.
type Job struct {
	ID      string
	Payload any
}

// JobFunc processes one job. A returned error triggers retry with backoff
// until the attempt budget is spent.
type JobFunc func(ctx context.Context, job *Job) error

// Config tunes the pool.
type Config struct {
	Workers   int
	QueueSize int
	// MaxAttempts is the total number of tries per job, including the first.
	MaxAttempts int
	// RetryDelay is the base backoff; each retry waits attempt*RetryDelay.
	RetryDelay      time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for report submission, where the
// bottleneck is the remote gateway rather than local work.
func DefaultConfig() Config {
	return Config{
		Workers:         8,
		QueueSize:       1024,
		MaxAttempts:     4,
		RetryDelay:      250 * time.Millisecond,
		ShutdownTimeout: 30 * time.Second,
	}
}

// ErrQueueFull is returned by Submit when the queue has no room.
var ErrQueueFull = errors.New("workerpool: queue full")

// ErrStopped is returned by Submit after Stop has begun.
var ErrStopped = errors.New("workerpool: stopped")

// Stats is a snapshot of pool counters.
type Stats struct {
	Submitted  int64
	Completed  int64
	Failed     int64
	Retried    int64
	QueueDepth int64
}

// Pool runs jobs on a fixed set of workers.
type Pool struct {
	config Config
	fn     JobFunc
	logger *zap.Logger

	jobs chan *Job
	wg   sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	submitted int64
	completed int64
	failed    int64
	retried   int64
	depth     int64
}

// New creates a pool; call Start to launch workers.
func New(cfg Config, fn JobFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, errors.New("workerpool: job function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		config: cfg,
		fn:     fn,
		logger: logger,
		jobs:   make(chan *Job, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start launches the workers.
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit enqueues a job without blocking.
func (p *Pool) Submit(job *Job) error {
	select {
	case <-p.ctx.Done():
		return ErrStopped
	default:
	}

	select {
	case p.jobs <- job:
		atomic.AddInt64(&p.submitted, 1)
		atomic.AddInt64(&p.depth, 1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop refuses new submissions, drains the queue, and waits for workers, up
// to ShutdownTimeout. Queued jobs keep their full retry budget.
func (p *Pool) Stop() {
	p.cancel()
	close(p.jobs)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped")
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out")
	}
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted:  atomic.LoadInt64(&p.submitted),
		Completed:  atomic.LoadInt64(&p.completed),
		Failed:     atomic.LoadInt64(&p.failed),
		Retried:    atomic.LoadInt64(&p.retried),
		QueueDepth: atomic.LoadInt64(&p.depth),
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for job := range p.jobs {
		atomic.AddInt64(&p.depth, -1)
		p.run(id, job)
	}
}

func (p *Pool) run(workerID int, job *Job) {
	var lastErr error

	for attempt := 1; attempt <= p.config.MaxAttempts; attempt++ {
		lastErr = p.fn(context.Background(), job)
		if lastErr == nil {
			atomic.AddInt64(&p.completed, 1)
			return
		}

		if attempt < p.config.MaxAttempts {
			atomic.AddInt64(&p.retried, 1)
			p.logger.Debug("retrying job",
				zap.String("job_id", job.ID),
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
			time.Sleep(time.Duration(attempt) * p.config.RetryDelay)
		}
	}

	atomic.AddInt64(&p.failed, 1)
	p.logger.Error("job failed",
		zap.String("job_id", job.ID),
		zap.Int("worker_id", workerID),
		zap.Int("attempts", p.config.MaxAttempts),
		zap.Error(lastErr))
}
