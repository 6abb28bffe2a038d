package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Timer drives a Runner on a fixed interval.
type Timer struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool

	mu      sync.Mutex
	last    *Result
	lastErr error
	lastAt  time.Time
}

// NewTimer creates a reconciliation timer. A non-positive interval means
// every five minutes.
func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Timer{
		runner:   runner,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// LastRun returns the outcome of the most recent sweep. The zero time means
// no sweep has finished yet.
func (t *Timer) LastRun() (*Result, time.Time, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last, t.lastAt, t.lastErr
}

// Start sweeps once immediately and then once per interval until ctx ends
// or Stop is called. It blocks; run it in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		t.sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
		}
	}
}

// Stop ends the loop. It is safe to call more than once, and before Start.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) sweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation sweep", "panic", fmt.Sprint(r))
		}
	}()

	res, err := t.runner.RunAll(ctx)
	if err != nil {
		t.logger.Warn("reconciliation sweep incomplete", "error", err)
	}

	t.mu.Lock()
	t.last, t.lastErr, t.lastAt = res, err, time.Now()
	t.mu.Unlock()
}
