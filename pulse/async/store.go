package async

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/imgbatch/errors"
)

// ErrJobNotFound is returned when a job id has no row
var ErrJobNotFound = errors.Wrap(errors.ErrNotFound, "job not found")

// Store handles persistence of queued jobs
type Store struct {
	db *sql.DB
}

// NewStore creates a new job store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// execer is satisfied by *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// CreateJob inserts a new job
func (s *Store) CreateJob(job *Job) error {
	return insertJob(context.Background(), s.db, job)
}

// CreateJobTx inserts a job as part of tx. Workers cannot see it until tx commits.
func (s *Store) CreateJobTx(ctx context.Context, tx *sql.Tx, job *Job) error {
	return insertJob(ctx, tx, job)
}

func insertJob(ctx context.Context, exec execer, job *Job) error {
	query := `
		INSERT INTO jobs (
			id, handler_name, source, status,
			payload, error, attempts,
			progress_current, progress_total,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := exec.ExecContext(ctx, query,
		job.ID,
		job.HandlerName,
		job.Source,
		job.Status,
		nullString(string(job.Payload)),
		nullString(job.Error),
		job.Attempts,
		job.Progress.Current,
		job.Progress.Total,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create job")
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(id string) (*Job, error) {
	query := `SELECT ` + jobSelectColumns + ` FROM jobs WHERE id = ?`

	job, err := scanJob(s.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrJobNotFound, "%s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}
	return job, nil
}

// UpdateJob writes the mutable fields of a job
func (s *Store) UpdateJob(job *Job) error {
	query := `
		UPDATE jobs
		SET status = ?,
		    error = ?,
		    attempts = ?,
		    progress_current = ?,
		    progress_total = ?,
		    started_at = ?,
		    completed_at = ?,
		    updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(query,
		job.Status,
		nullString(job.Error),
		job.Attempts,
		job.Progress.Current,
		job.Progress.Total,
		job.StartedAt,
		job.CompletedAt,
		job.UpdatedAt,
		job.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update job")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(ErrJobNotFound, "%s", job.ID)
	}
	return nil
}

// ClaimNext atomically moves the oldest queued job to running and returns it.
// Returns nil, nil when nothing is queued. Safe across processes sharing the
// database: the conditional UPDATE lets exactly one claimant win each job.
func (s *Store) ClaimNext(ctx context.Context) (*Job, error) {
	for {
		var id string
		err := s.db.QueryRowContext(ctx,
			`SELECT id FROM jobs WHERE status = 'queued' ORDER BY created_at, id LIMIT 1`,
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to select queued job")
		}

		now := time.Now().UTC()
		result, err := s.db.ExecContext(ctx, `
			UPDATE jobs
			SET status = 'running', attempts = attempts + 1, started_at = ?, updated_at = ?
			WHERE id = ? AND status = 'queued'`,
			now, now, id)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to claim job %s", id)
		}
		claimed, err := result.RowsAffected()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get rows affected")
		}
		if claimed == 0 {
			// Another worker won this one; look again
			continue
		}

		return s.GetJob(id)
	}
}

// RequeueStale returns running jobs not updated since olderThan to the queue.
// These are jobs whose worker died without finishing them.
func (s *Store) RequeueStale(olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	now := time.Now().UTC()

	result, err := s.db.Exec(`
		UPDATE jobs
		SET status = 'queued', started_at = NULL, updated_at = ?,
		    error = 'recovered after worker interruption'
		WHERE status = 'running' AND updated_at < ?`,
		now, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to requeue stale jobs")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(rows), nil
}

// ListJobs returns jobs newest first, optionally filtered by status
func (s *Store) ListJobs(status *JobStatus, limit int) ([]*Job, error) {
	base := `SELECT ` + jobSelectColumns + ` FROM jobs`

	var rows *sql.Rows
	var err error
	if status != nil {
		rows, err = s.db.Query(base+` WHERE status = ? ORDER BY created_at DESC LIMIT ?`, *status, limit)
	} else {
		rows, err = s.db.Query(base+` ORDER BY created_at DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "jobs")
}

// ListJobsBySource returns every job for a source in creation order
func (s *Store) ListJobsBySource(source string) ([]*Job, error) {
	rows, err := s.db.Query(`SELECT `+jobSelectColumns+`
		FROM jobs
		WHERE source = ?
		ORDER BY created_at ASC, id ASC`, source)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs by source")
	}
	defer rows.Close()

	return scanJobs(rows, "jobs by source")
}

// scanJobs drains rows into jobs
func scanJobs(rows *sql.Rows, context string) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", context)
	}
	return jobs, nil
}

// CountByStatus returns the number of jobs in each status
func (s *Store) CountByStatus() (map[JobStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	counts := make(map[JobStatus]int)
	for rows.Next() {
		var status JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating job counts")
	}
	return counts, nil
}

// DeleteJob removes a job
func (s *Store) DeleteJob(id string) error {
	result, err := s.db.Exec(`DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete job")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(ErrJobNotFound, "%s", id)
	}
	return nil
}

// CleanupOldJobs removes finished jobs older than the specified duration
func (s *Store) CleanupOldJobs(olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	result, err := s.db.Exec(`
		DELETE FROM jobs
		WHERE status IN ('completed', 'failed', 'cancelled')
		  AND updated_at < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old jobs")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(rows), nil
}
