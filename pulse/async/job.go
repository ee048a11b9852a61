// Package async provides the persisted task queue and worker pool that drive
// per-item image processing.
package async

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/imgbatch/errors"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusQueued, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether a job in this status will never run again
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Progress represents job progress information
type Progress struct {
	Current int `json:"current,omitempty"`
	Total   int `json:"total,omitempty"`
}

// Percentage calculates progress as a percentage (0-100)
func (p Progress) Percentage() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Current) / float64(p.Total) * 100
}

// Job is one unit of queued work.
//
// The queue is domain-agnostic: HandlerName routes the job to a registered
// JobHandler and Payload is decoded by that handler. Source groups jobs for
// lookup and live updates; imgbatch uses the batch id.
type Job struct {
	ID          string          `json:"id"`
	HandlerName string          `json:"handler_name"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Source      string          `json:"source"`
	Status      JobStatus       `json:"status"`
	Progress    Progress        `json:"progress,omitempty"`
	Error       string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts"` // Deliveries so far, incremented on dequeue
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// NewJob creates a queued job for handlerName carrying a JSON payload
func NewJob(handlerName, source string, payload json.RawMessage, totalOps int) (*Job, error) {
	if handlerName == "" {
		return nil, errors.New("handlerName cannot be empty")
	}

	now := time.Now().UTC()
	return &Job{
		ID:          uuid.NewString(),
		HandlerName: handlerName,
		Payload:     payload,
		Source:      source,
		Status:      JobStatusQueued,
		Progress:    Progress{Total: totalOps},
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// NewJobWithPayload marshals payload and creates a queued job
func NewJobWithPayload(handlerName, source string, payload interface{}, totalOps int) (*Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to marshal payload for %s", handlerName)
	}
	return NewJob(handlerName, source, data, totalOps)
}

// DecodePayload unmarshals the job payload into v
func (j *Job) DecodePayload(v interface{}) error {
	if len(j.Payload) == 0 {
		return errors.Newf("job %s has no payload", j.ID)
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return errors.Wrapf(err, "failed to unmarshal payload for job %s", j.ID)
	}
	return nil
}

// Start marks the job as running and counts the delivery
func (j *Job) Start() {
	now := time.Now().UTC()
	j.Status = JobStatusRunning
	j.Attempts++
	j.StartedAt = &now
	j.UpdatedAt = now
}

// Requeue returns the job to the queue, recording why the last attempt ended
func (j *Job) Requeue(reason string) {
	j.Status = JobStatusQueued
	j.Error = reason
	j.StartedAt = nil
	j.UpdatedAt = time.Now().UTC()
}

// Complete marks the job as completed
func (j *Job) Complete() {
	now := time.Now().UTC()
	j.Status = JobStatusCompleted
	j.Error = ""
	j.Progress.Current = j.Progress.Total
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// Fail marks the job as failed with an error message
func (j *Job) Fail(err error) {
	now := time.Now().UTC()
	j.Status = JobStatusFailed
	if err != nil {
		j.Error = err.Error()
	}
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// Cancel marks the job as cancelled with a reason
func (j *Job) Cancel(reason string) {
	now := time.Now().UTC()
	j.Status = JobStatusCancelled
	j.Error = reason
	j.CompletedAt = &now
	j.UpdatedAt = now
}
