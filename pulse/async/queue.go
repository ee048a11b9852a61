package async

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/teranos/imgbatch/errors"
)

const (
	// SubscriberChannelBufferSize is the buffer size for subscriber channels
	SubscriberChannelBufferSize = 100
)

// Queue is the persisted task queue. Delivery is at-least-once: a job whose
// worker dies mid-run is re-queued when a pool next starts.
type Queue struct {
	store       *Store
	mu          sync.RWMutex
	subscribers []chan *Job
}

// NewQueue creates a new job queue
func NewQueue(db *sql.DB) *Queue {
	return &Queue{
		store:       NewStore(db),
		subscribers: make([]chan *Job, 0),
	}
}

// Store exposes the underlying job store
func (q *Queue) Store() *Store {
	return q.store
}

// Enqueue adds a new job to the queue
func (q *Queue) Enqueue(job *Job) error {
	if err := q.store.CreateJob(job); err != nil {
		return enqueueError(err, job)
	}

	q.notifySubscribers(job)
	return nil
}

// EnqueueTx adds a job as part of tx, so it commits or rolls back with the
// caller's other writes. Subscribers hear about it only through Announce.
func (q *Queue) EnqueueTx(ctx context.Context, tx *sql.Tx, job *Job) error {
	if err := q.store.CreateJobTx(ctx, tx, job); err != nil {
		return enqueueError(err, job)
	}
	return nil
}

// Announce tells subscribers about jobs committed through EnqueueTx
func (q *Queue) Announce(jobs ...*Job) {
	for _, job := range jobs {
		q.notifySubscribers(job)
	}
}

func enqueueError(err error, job *Job) error {
	err = errors.Wrap(err, "failed to enqueue job")
	err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
	err = errors.WithDetail(err, fmt.Sprintf("Handler: %s", job.HandlerName))
	err = errors.WithDetail(err, fmt.Sprintf("Source: %s", job.Source))
	return err
}

// Dequeue claims the next queued job and marks it as running.
// Returns nil, nil when the queue is empty.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	job, err := q.store.ClaimNext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to dequeue job")
	}
	if job == nil {
		return nil, nil
	}

	q.notifySubscribers(job)
	return job, nil
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(id string) (*Job, error) {
	return q.store.GetJob(id)
}

// UpdateJob persists a job's state
func (q *Queue) UpdateJob(job *Job) error {
	if err := q.store.UpdateJob(job); err != nil {
		err = errors.Wrap(err, "failed to update job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Handler: %s", job.HandlerName))
		err = errors.WithDetail(err, fmt.Sprintf("Status: %s", job.Status))
		return err
	}

	q.notifySubscribers(job)
	return nil
}

// CompleteJob marks a job as completed
func (q *Queue) CompleteJob(job *Job) error {
	job.Complete()
	if err := q.UpdateJob(job); err != nil {
		return errors.WithDetail(err, fmt.Sprintf("Source: %s", job.Source))
	}
	return nil
}

// FailJob marks a job as failed with an error
func (q *Queue) FailJob(job *Job, jobErr error) error {
	job.Fail(jobErr)
	if err := q.UpdateJob(job); err != nil {
		err = errors.WithDetail(err, fmt.Sprintf("Source: %s", job.Source))
		if jobErr != nil {
			err = errors.WithDetail(err, fmt.Sprintf("Job error: %s", jobErr.Error()))
		}
		return err
	}
	return nil
}

// RetryJob puts a job back in the queue after a failed attempt
func (q *Queue) RetryJob(job *Job, jobErr error) error {
	job.Requeue(fmt.Sprintf("attempt %d: %v", job.Attempts, jobErr))
	return q.UpdateJob(job)
}

// CancelJob cancels a job that has not finished
func (q *Queue) CancelJob(id string, reason string) error {
	job, err := q.store.GetJob(id)
	if err != nil {
		return errors.Wrapf(err, "failed to cancel job %s", id)
	}

	if job.Status.IsTerminal() {
		err := errors.Newf("job %s already finished (status: %s)", id, job.Status)
		err = errors.WithDetail(err, fmt.Sprintf("Handler: %s", job.HandlerName))
		return errors.Mark(err, errors.ErrConflict)
	}

	job.Cancel(reason)
	return q.UpdateJob(job)
}

// ListJobs returns jobs, optionally filtered by status
func (q *Queue) ListJobs(status *JobStatus, limit int) ([]*Job, error) {
	return q.store.ListJobs(status, limit)
}

// ListJobsBySource returns every job for a source (imgbatch: one batch)
func (q *Queue) ListJobsBySource(source string) ([]*Job, error) {
	return q.store.ListJobsBySource(source)
}

// Subscribe returns a channel that receives job updates.
// The caller is responsible for calling Unsubscribe when done.
// The returned channel is buffered so a slow reader never blocks the queue.
func (q *Queue) Subscribe() chan *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan *Job, SubscriberChannelBufferSize)
	q.subscribers = append(q.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel from the queue.
// The channel is NOT closed here; the caller owns its lifecycle.
func (q *Queue) Unsubscribe(ch chan *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, sub := range q.subscribers {
		if sub == ch {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			return
		}
	}
}

// notifySubscribers sends a snapshot of job to every subscriber, dropping
// the update for subscribers whose buffer is full.
func (q *Queue) notifySubscribers(job *Job) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if len(q.subscribers) == 0 {
		return
	}

	snapshot := *job
	for _, ch := range q.subscribers {
		select {
		case ch <- &snapshot:
		default:
		}
	}
}

// Cleanup removes old finished jobs
func (q *Queue) Cleanup(olderThan time.Duration) (int, error) {
	return q.store.CleanupOldJobs(olderThan)
}

// QueueStats returns statistics about the queue
type QueueStats struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Total     int `json:"total"`
}

// GetStats returns queue statistics
func (q *Queue) GetStats() (*QueueStats, error) {
	counts, err := q.store.CountByStatus()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get queue stats")
	}

	stats := &QueueStats{
		Queued:    counts[JobStatusQueued],
		Running:   counts[JobStatusRunning],
		Completed: counts[JobStatusCompleted],
		Failed:    counts[JobStatusFailed],
		Cancelled: counts[JobStatusCancelled],
	}
	for _, n := range counts {
		stats.Total += n
	}
	return stats, nil
}

// GetJobCounts returns counts of queued and running jobs (for system metrics)
func (q *Queue) GetJobCounts() (queued int, running int, err error) {
	counts, err := q.store.CountByStatus()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to count jobs")
	}
	return counts[JobStatusQueued], counts[JobStatusRunning], nil
}
