package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		Workers:         4,
		QueueSize:       16,
		MaxAttempts:     3,
		RetryDelay:      time.Millisecond,
		ShutdownTimeout: 5 * time.Second,
	}
}

func TestPoolProcessesJobs(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]bool)

	pool, err := New(testConfig(), func(_ context.Context, job *Job) error {
		mu.Lock()
		seen[job.ID] = true
		mu.Unlock()
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	pool.Start()

	for _, id := range []string{"a", "b", "c"} {
		if err := pool.Submit(&Job{ID: id}); err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
	}
	pool.Stop()

	for _, id := range []string{"a", "b", "c"} {
		if !seen[id] {
			t.Errorf("job %s not processed", id)
		}
	}
	if got := pool.Stats().Completed; got != 3 {
		t.Errorf("completed = %d, want 3", got)
	}
}

func TestPoolRetriesUntilSuccess(t *testing.T) {
	var attempts int32

	pool, err := New(testConfig(), func(_ context.Context, _ *Job) error {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	pool.Start()

	if err := pool.Submit(&Job{ID: "flaky"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	pool.Stop()

	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	stats := pool.Stats()
	if stats.Completed != 1 || stats.Failed != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestPoolExhaustsAttempts(t *testing.T) {
	pool, err := New(testConfig(), func(_ context.Context, _ *Job) error {
		return errors.New("permanent")
	}, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	pool.Start()

	if err := pool.Submit(&Job{ID: "doomed"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	pool.Stop()

	stats := pool.Stats()
	if stats.Failed != 1 {
		t.Errorf("failed = %d, want 1", stats.Failed)
	}
	if stats.Retried != 2 {
		t.Errorf("retried = %d, want 2", stats.Retried)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	pool, err := New(testConfig(), func(_ context.Context, _ *Job) error { return nil }, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	pool.Start()
	pool.Stop()

	if err := pool.Submit(&Job{ID: "late"}); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}

func TestSubmitQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	cfg.QueueSize = 1

	release := make(chan struct{})
	pool, err := New(cfg, func(_ context.Context, _ *Job) error {
		<-release
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	pool.Start()

	// First job occupies the worker, second fills the queue.
	pool.Submit(&Job{ID: "running"})
	for i := 0; i < 50; i++ {
		if pool.Stats().QueueDepth == 0 && pool.Stats().Submitted == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	pool.Submit(&Job{ID: "queued"})

	if err := pool.Submit(&Job{ID: "overflow"}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}

	close(release)
	pool.Stop()
}
