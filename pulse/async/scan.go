package async

import (
	"database/sql"
)

// jobScanArgs holds the nullable columns of a job row
type jobScanArgs struct {
	Payload     sql.NullString
	ErrorMsg    sql.NullString
	StartedAt   sql.NullTime
	CompletedAt sql.NullTime
}

// jobScanTargets returns scan destinations in jobSelectColumns order
func jobScanTargets(job *Job, args *jobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&job.HandlerName,
		&job.Source,
		&job.Status,
		&args.Payload,
		&args.ErrorMsg,
		&job.Attempts,
		&job.Progress.Current,
		&job.Progress.Total,
		&job.CreatedAt,
		&args.StartedAt,
		&args.CompletedAt,
		&job.UpdatedAt,
	}
}

func (args *jobScanArgs) apply(job *Job) {
	if args.Payload.Valid {
		job.Payload = []byte(args.Payload.String)
	}
	if args.ErrorMsg.Valid {
		job.Error = args.ErrorMsg.String
	}
	if args.StartedAt.Valid {
		t := args.StartedAt.Time
		job.StartedAt = &t
	}
	if args.CompletedAt.Valid {
		t := args.CompletedAt.Time
		job.CompletedAt = &t
	}
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanJob scans one job from a row
func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var args jobScanArgs
	if err := row.Scan(jobScanTargets(&job, &args)...); err != nil {
		return nil, err
	}
	args.apply(&job)
	return &job, nil
}

// jobSelectColumns is the column list for job SELECT queries
const jobSelectColumns = `id, handler_name, source, status,
		payload, error, attempts,
		progress_current, progress_total,
		created_at, started_at, completed_at, updated_at`
