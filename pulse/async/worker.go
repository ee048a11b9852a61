package async

import (
	"context"
	"database/sql"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/imgbatch/am"
	"github.com/teranos/imgbatch/errors"
	"github.com/teranos/imgbatch/logger"
)

// pulseLogger wraps zap.SugaredLogger with lifecycle helpers so pool
// start-up and shutdown stand out from per-job logging:
// - Starting logs at DEBUG (recovery, warm-up)
// - Closing logs at WARN (shutdown, interrupted jobs)
// - Pulse logs at INFO
type pulseLogger struct {
	*zap.SugaredLogger
}

func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw("starting: "+msg, keysAndValues...)
}

func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw("closing: "+msg, keysAndValues...)
}

func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.Infow(msg, keysAndValues...)
}

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers      int           `json:"workers"`       // Number of concurrent workers
	PollInterval time.Duration `json:"poll_interval"` // Idle wait between queue checks
	MaxAttempts  int           `json:"max_attempts"`  // Deliveries before a failing job is given up
	JobLease     time.Duration `json:"job_lease"`     // Running jobs untouched this long are re-queued on Start
	StopTimeout  time.Duration `json:"stop_timeout"`  // How long Stop waits for in-flight jobs
}

// DefaultWorkerPoolConfig returns the defaults used when no config file is present
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:      5,
		PollInterval: 500 * time.Millisecond,
		MaxAttempts:  3,
		JobLease:     10 * time.Minute,
		StopTimeout:  30 * time.Second,
	}
}

// PoolConfigFromConfig derives the pool configuration from the pulse section
func PoolConfigFromConfig(cfg *am.Config) WorkerPoolConfig {
	poolCfg := DefaultWorkerPoolConfig()
	if cfg == nil {
		return poolCfg
	}
	if cfg.Pulse.Workers > 0 {
		poolCfg.Workers = cfg.Pulse.Workers
	}
	if cfg.Pulse.PollIntervalMS > 0 {
		poolCfg.PollInterval = cfg.PollInterval()
	}
	if cfg.Pulse.MaxAttempts > 0 {
		poolCfg.MaxAttempts = cfg.Pulse.MaxAttempts
	}
	if cfg.Pulse.JobLeaseSeconds > 0 {
		poolCfg.JobLease = cfg.JobLease()
	}
	return poolCfg
}

// WorkerPool runs a fixed number of workers pulling jobs from the queue
type WorkerPool struct {
	queue         *Queue
	registry      *HandlerRegistry
	executor      JobExecutor
	poolConfig    WorkerPoolConfig
	workers       int
	parentCtx     context.Context
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	jobsProcessed int
	activeWorkers int
	startTime     time.Time
	logger        pulseLogger
	mu            sync.Mutex
}

// NewWorkerPool creates a worker pool over db. Handlers must be registered on
// registry before Start. Cancelling ctx stops the workers.
func NewWorkerPool(ctx context.Context, db *sql.DB, poolCfg WorkerPoolConfig, log *zap.SugaredLogger, registry *HandlerRegistry) *WorkerPool {
	return NewWorkerPoolWithQueue(ctx, NewQueue(db), poolCfg, log, registry)
}

// NewWorkerPoolWithQueue creates a worker pool over an existing queue so
// subscribers on that queue see the pool's updates.
func NewWorkerPoolWithQueue(ctx context.Context, queue *Queue, poolCfg WorkerPoolConfig, log *zap.SugaredLogger, registry *HandlerRegistry) *WorkerPool {
	defaults := DefaultWorkerPoolConfig()
	if poolCfg.Workers <= 0 {
		poolCfg.Workers = defaults.Workers
	}
	if poolCfg.PollInterval <= 0 {
		poolCfg.PollInterval = defaults.PollInterval
	}
	if poolCfg.MaxAttempts <= 0 {
		poolCfg.MaxAttempts = defaults.MaxAttempts
	}
	if poolCfg.JobLease <= 0 {
		poolCfg.JobLease = defaults.JobLease
	}
	if poolCfg.StopTimeout <= 0 {
		poolCfg.StopTimeout = defaults.StopTimeout
	}
	if registry == nil {
		registry = NewHandlerRegistry()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	workerCtx, cancel := context.WithCancel(ctx)

	return &WorkerPool{
		queue:      queue,
		registry:   registry,
		executor:   NewRegistryExecutor(registry),
		poolConfig: poolCfg,
		workers:    poolCfg.Workers,
		parentCtx:  ctx,
		ctx:        workerCtx,
		cancel:     cancel,
		logger:     pulseLogger{log.Named("pulse")},
	}
}

// Start recovers interrupted jobs and launches the workers
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	// A stopped pool gets a fresh context before any worker is spawned
	select {
	case <-wp.ctx.Done():
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
		wp.logger.Starting("Recreated worker context after previous shutdown")
	default:
	}
	wp.startTime = time.Now()
	wp.jobsProcessed = 0
	wp.mu.Unlock()

	if n, err := wp.recoverStaleJobs(); err != nil {
		wp.logger.Warnw("Failed to recover interrupted jobs", logger.FieldError, err)
	} else if n > 0 {
		wp.logger.Pulse("Re-queued interrupted jobs", logger.FieldCount, n, "lease", wp.poolConfig.JobLease)
	}

	if warning := wp.checkMemoryPressure(); warning != "" {
		wp.logger.Warnw("Memory pressure warning", "warning", warning, "workers", wp.workers)
	}

	wp.logger.Starting("Launching workers", "workers", wp.workers, "max_attempts", wp.poolConfig.MaxAttempts)
	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// recoverStaleJobs re-queues running jobs whose worker stopped touching them.
// This is how a crash between dequeue and completion turns into a redelivery.
func (wp *WorkerPool) recoverStaleJobs() (int, error) {
	n, err := wp.queue.store.RequeueStale(wp.poolConfig.JobLease)
	if err != nil {
		return 0, errors.Wrap(err, "failed to requeue stale jobs")
	}
	return n, nil
}

// Stop cancels the workers and waits for in-flight jobs up to StopTimeout
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	cancel := wp.cancel
	wp.mu.Unlock()
	cancel()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	timeout := wp.poolConfig.StopTimeout
	select {
	case <-done:
		wp.logger.Pulse("WorkerPool stopped, all workers exited cleanly")
	case <-time.After(timeout):
		wp.logger.Closing("WorkerPool.Stop() timeout, workers may still be finishing", "timeout", timeout)
	}
}

func (wp *WorkerPool) currentContext() context.Context {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.ctx
}

// worker processes jobs until the pool context is cancelled.
// It drains the queue without pausing and only waits PollInterval when idle.
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	ctx := wp.currentContext()
	log := wp.logger.With(logger.FieldWorker, id)

	timer := time.NewTimer(0)
	defer timer.Stop()

	errorCount := 0
	const maxConsecutiveErrors = 5
	backoffDuration := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		processed, err := wp.processNextJob(ctx)
		wait := wp.poolConfig.PollInterval

		switch {
		case err != nil:
			if ctx.Err() != nil || errors.Is(err, sql.ErrConnDone) {
				// Shutdown in progress
				return
			}
			errorCount++
			log.Errorw("Worker error processing job",
				logger.FieldError, err,
				"consecutive_errors", errorCount)

			if errorCount >= maxConsecutiveErrors {
				log.Warnw("Worker backing off due to consecutive errors",
					"backoff", backoffDuration,
					"consecutive_errors", errorCount)
				wait = backoffDuration
				backoffDuration = min(backoffDuration*2, maxBackoff)
			}

		default:
			if errorCount > 0 {
				log.Infow("Worker recovered from errors", "previous_error_count", errorCount)
			}
			errorCount = 0
			backoffDuration = time.Second
			if processed {
				wait = 0
			}
		}

		timer.Reset(wait)
	}
}

// Drain processes jobs on the calling goroutine until the queue is empty,
// returning how many jobs it ran. Used by one-shot CLI runs and tests.
func (wp *WorkerPool) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		processed, err := wp.processNextJob(ctx)
		if err != nil {
			return n, err
		}
		if !processed {
			return n, nil
		}
		n++
	}
}

// processNextJob claims and runs one job. processed is false when the queue was empty.
func (wp *WorkerPool) processNextJob(ctx context.Context) (processed bool, err error) {
	if ctx.Err() != nil {
		return false, nil
	}

	job, err := wp.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	wp.mu.Lock()
	wp.jobsProcessed++
	wp.activeWorkers++
	wp.mu.Unlock()
	defer func() {
		wp.mu.Lock()
		wp.activeWorkers--
		wp.mu.Unlock()
	}()

	log := wp.logger.With(
		logger.FieldJobID, job.ID,
		logger.FieldHandler, job.HandlerName,
		logger.FieldAttempt, job.Attempts,
	)

	start := time.Now()
	execErr := wp.executeJob(ctx, job)
	duration := time.Since(start).Milliseconds()

	if execErr == nil {
		log.Debugw("Job completed", logger.FieldDurationMS, duration)
		return true, wp.queue.CompleteJob(job)
	}

	if ctx.Err() != nil && !IsPermanent(execErr) {
		// Interrupted by shutdown; this delivery does not count
		log.Infow("closing: job interrupted, re-queuing", logger.FieldError, execErr)
		job.Attempts--
		job.Requeue("interrupted by shutdown")
		if err := wp.queue.store.UpdateJob(job); err != nil {
			log.Errorw("Failed to re-queue interrupted job", logger.FieldError, err)
		}
		return true, nil
	}

	errCtx := ClassifyError("execute", execErr)
	if IsPermanent(execErr) || job.Attempts >= wp.poolConfig.MaxAttempts {
		log.Warnw("Job failed",
			append(errCtx.Fields(),
				"max_attempts", wp.poolConfig.MaxAttempts,
				logger.FieldDurationMS, duration)...)
		return true, wp.queue.FailJob(job, execErr)
	}

	log.Infow("Job attempt failed, retry scheduled",
		append(errCtx.Fields(),
			"max_attempts", wp.poolConfig.MaxAttempts,
			logger.FieldDurationMS, duration)...)
	return true, wp.queue.RetryJob(job, execErr)
}

// executeJob runs the handler, converting a panic into a permanent failure so
// one bad job cannot take the pool down.
func (wp *WorkerPool) executeJob(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Errorw("Handler panicked",
				logger.FieldJobID, job.ID,
				logger.FieldHandler, job.HandlerName,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
			err = Permanent(errors.WithStack(&PanicError{Value: r}))
		}
	}()
	return wp.executor.Execute(ctx, job)
}

// GetQueue returns the job queue
func (wp *WorkerPool) GetQueue() *Queue {
	return wp.queue
}

// Workers returns the number of concurrent workers configured for this pool
func (wp *WorkerPool) Workers() int {
	return wp.workers
}

// Registry returns the handler registry. Register handlers before Start:
//
//	pool := async.NewWorkerPool(ctx, db, poolCfg, log, nil)
//	pool.Registry().Register(processor)
//	pool.Start()
func (wp *WorkerPool) Registry() *HandlerRegistry {
	return wp.registry
}
