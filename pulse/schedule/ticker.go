// Package schedule runs periodic maintenance tasks next to the worker pool.
package schedule

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task is one periodic unit of work. now is the tick time.
type Task func(ctx context.Context, now time.Time) error

// Ticker runs a Task at a fixed interval until stopped
type Ticker struct {
	name     string
	task     Task
	interval time.Duration
	timeout  time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *zap.SugaredLogger

	mu              sync.Mutex
	started         bool
	lastTickAt      time.Time
	lastErr         error
	ticksSinceStart int64
	failures        int64
}

// TickerConfig contains configuration for a Ticker
type TickerConfig struct {
	Interval time.Duration // How often the task runs (default: 1 minute)
	Timeout  time.Duration // Per-run deadline (default: the interval)
}

// DefaultTickerConfig returns sensible defaults
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{
		Interval: time.Minute,
	}
}

// NewTicker creates a ticker for task
func NewTicker(name string, task Task, cfg TickerConfig, logger *zap.SugaredLogger) *Ticker {
	return NewTickerWithContext(context.Background(), name, task, cfg, logger)
}

// NewTickerWithContext creates a ticker with a parent context
func NewTickerWithContext(ctx context.Context, name string, task Task, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultTickerConfig().Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Interval
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	tickerCtx, cancel := context.WithCancel(ctx)

	return &Ticker{
		name:     name,
		task:     task,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		ctx:      tickerCtx,
		cancel:   cancel,
		logger:   log.With("task", name),
	}
}

// Start begins the ticker loop. Calling it twice is a no-op.
func (t *Ticker) Start() {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()

	t.wg.Add(1)
	go t.run()
	t.logger.Infow("Ticker started", "interval", t.interval)
}

// Stop cancels the loop and waits for a running task to return
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.logger.Infow("Ticker stopped", "ticks", t.ticks())
}

func (t *Ticker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case tickTime := <-ticker.C:
			t.tick(tickTime)
		}
	}
}

// tick runs the task once and records the result
func (t *Ticker) tick(now time.Time) {
	ctx, cancel := context.WithTimeout(t.ctx, t.timeout)
	err := t.task(ctx, now)
	cancel()

	t.mu.Lock()
	t.lastTickAt = now
	t.lastErr = err
	t.ticksSinceStart++
	if err != nil {
		t.failures++
	}
	tick := t.ticksSinceStart
	t.mu.Unlock()

	if err != nil && t.ctx.Err() == nil {
		// Don't spam logs - a failing task repeats every interval
		t.logger.Warnw("Tick failed", "error", err, "tick", tick)
	}
}

func (t *Ticker) ticks() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ticksSinceStart
}

// GetStats returns ticker statistics
func (t *Ticker) GetStats() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := map[string]interface{}{
		"task":              t.name,
		"last_tick_at":      t.lastTickAt,
		"ticks_since_start": t.ticksSinceStart,
		"failures":          t.failures,
		"interval":          t.interval.String(),
	}
	if t.lastErr != nil {
		stats["last_error"] = t.lastErr.Error()
	}
	return stats
}
