package batch

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/imgbatch/errors"
)

// ItemStore persists one record per (batch, ordinal)
type ItemStore interface {
	GetItem(ctx context.Context, batchID string, ordinal int) (*Item, error)
	ListItems(ctx context.Context, batchID string) ([]*Item, error)
	CompleteItem(ctx context.Context, batchID string, ordinal int, outputs []string) error
	FailItem(ctx context.Context, batchID string, ordinal int, reason string) error
}

// BatchStore persists one record per batch, including the notification claim
type BatchStore interface {
	// CreateBatch inserts the batch and its items. inTx, when set, runs inside
	// the same transaction and aborts it by returning an error.
	CreateBatch(ctx context.Context, b *Batch, items []*Item, inTx func(tx *sql.Tx) error) error
	GetBatch(ctx context.Context, id string) (*Batch, error)
	ListBatches(ctx context.Context, limit int) ([]*Batch, error)
	MarkBatchProcessing(ctx context.Context, id string) error
	SetBatchStatus(ctx context.Context, id string, status BatchStatus) error

	// ClaimNotification moves notify_state from pending to claimed. It
	// reports whether this caller won and, if so, the attempt number that
	// fences its later Release or Finish.
	ClaimNotification(ctx context.Context, id string) (attempt int, won bool, err error)
	ReleaseNotification(ctx context.Context, id string, attempt int, reason string) error
	FinishNotification(ctx context.Context, id string, attempt int, state NotifyState, reportPath, notifyErr string) error
	ExpireNotificationClaim(ctx context.Context, id string, staleBefore time.Time) (bool, error)
	ResetNotification(ctx context.Context, id string) (bool, error)
}

// Store is everything the pipeline needs from persistence
type Store interface {
	ItemStore
	BatchStore
}

// SQLStore implements Store on the batches and items tables
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a store over a migrated database
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const batchSelectColumns = `id, notification_target, status, item_count,
		notify_state, notify_claimed_at, notified_at, notify_error, notify_attempts,
		report_path, created_at, updated_at`

const itemSelectColumns = `batch_id, ordinal, label, inputs, outputs, status, error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBatch(row rowScanner) (*Batch, error) {
	var b Batch
	var claimedAt, notifiedAt sql.NullTime
	err := row.Scan(
		&b.ID, &b.NotificationTarget, &b.Status, &b.ItemCount,
		&b.NotifyState, &claimedAt, &notifiedAt, &b.NotifyError, &b.NotifyAttempts,
		&b.ReportPath, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if claimedAt.Valid {
		t := claimedAt.Time
		b.NotifyClaimedAt = &t
	}
	if notifiedAt.Valid {
		t := notifiedAt.Time
		b.NotifiedAt = &t
	}
	return &b, nil
}

func scanItem(row rowScanner) (*Item, error) {
	var item Item
	var inputs, outputs string
	err := row.Scan(
		&item.BatchID, &item.Ordinal, &item.Label, &inputs, &outputs,
		&item.Status, &item.Error, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(inputs), &item.Inputs); err != nil {
		return nil, errors.Wrapf(err, "failed to decode inputs of item %s/%d", item.BatchID, item.Ordinal)
	}
	if err := json.Unmarshal([]byte(outputs), &item.Outputs); err != nil {
		return nil, errors.Wrapf(err, "failed to decode outputs of item %s/%d", item.BatchID, item.Ordinal)
	}
	return &item, nil
}

func encodeURLs(urls []string) (string, error) {
	if urls == nil {
		urls = []string{}
	}
	data, err := json.Marshal(urls)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode urls")
	}
	return string(data), nil
}

// CreateBatch inserts the batch and its items in one transaction
func (s *SQLStore) CreateBatch(ctx context.Context, b *Batch, items []*Item, inTx func(tx *sql.Tx) error) error {
	if len(items) == 0 {
		return errors.Wrapf(ErrNoValidItems, "batch %s", b.ID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin batch transaction")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO batches (id, notification_target, status, item_count, notify_state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.NotificationTarget, b.Status, b.ItemCount, b.NotifyState, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return errors.Wrapf(err, "failed to create batch %s", b.ID)
	}

	for _, item := range items {
		inputs, err := encodeURLs(item.Inputs)
		if err != nil {
			return err
		}
		outputs, err := encodeURLs(item.Outputs)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO items (batch_id, ordinal, label, inputs, outputs, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			item.BatchID, item.Ordinal, item.Label, inputs, outputs, item.Status, item.CreatedAt, item.UpdatedAt)
		if err != nil {
			return errors.Wrapf(err, "failed to create item %s/%d", item.BatchID, item.Ordinal)
		}
	}

	if inTx != nil {
		if err := inTx(tx); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "failed to commit batch %s", b.ID)
	}
	return nil
}

// GetBatch retrieves a batch by id
func (s *SQLStore) GetBatch(ctx context.Context, id string) (*Batch, error) {
	b, err := scanBatch(s.db.QueryRowContext(ctx,
		`SELECT `+batchSelectColumns+` FROM batches WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrBatchNotFound, "%s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get batch %s", id)
	}
	return b, nil
}

// ListBatches returns batches newest first
func (s *SQLStore) ListBatches(ctx context.Context, limit int) ([]*Batch, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+batchSelectColumns+` FROM batches ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list batches")
	}
	defer rows.Close()

	var batches []*Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan batch")
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate batches")
	}
	return batches, nil
}

// ListUnsettled returns ids of batches whose items are all resolved but whose
// notification sequence has not finished, oldest first
func (s *SQLStore) ListUnsettled(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.id FROM batches b
		WHERE b.notify_state IN ('pending', 'claimed')
		  AND NOT EXISTS (
			SELECT 1 FROM items i
			WHERE i.batch_id = b.id AND i.status IN ('pending', 'processing'))
		ORDER BY b.created_at, b.id
		LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list unsettled batches")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan batch id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate unsettled batches")
	}
	return ids, nil
}

// MarkBatchProcessing moves a pending batch to processing. No-op otherwise.
func (s *SQLStore) MarkBatchProcessing(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE batches SET status = 'processing', updated_at = ? WHERE id = ? AND status = 'pending'`,
		time.Now().UTC(), id)
	if err != nil {
		return errors.Wrapf(err, "failed to mark batch %s processing", id)
	}
	return nil
}

// SetBatchStatus records the derived batch status
func (s *SQLStore) SetBatchStatus(ctx context.Context, id string, status BatchStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE batches SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	if err != nil {
		return errors.Wrapf(err, "failed to set batch %s status", id)
	}
	return requireRow(result, errors.Wrapf(ErrBatchNotFound, "%s", id))
}

// ClaimExpiredError is the notify_error of a claim that outlived its lease.
// Whether its report was delivered is unknown.
const ClaimExpiredError = "delivery outcome unknown: notification claim expired"

// ClaimNotification is the compare-and-set guarding report generation and
// delivery. At most one caller ever wins a pending batch; a claimed batch is
// never claimed again, however old the claim.
func (s *SQLStore) ClaimNotification(ctx context.Context, id string) (int, bool, error) {
	now := time.Now().UTC()
	var attempt int
	err := s.db.QueryRowContext(ctx, `
		UPDATE batches
		SET notify_state = 'claimed', notify_claimed_at = ?,
		    notify_attempts = notify_attempts + 1, updated_at = ?
		WHERE id = ? AND notify_state = 'pending'
		RETURNING notify_attempts`,
		now, now, id).Scan(&attempt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrapf(err, "failed to claim notification for batch %s", id)
	}
	return attempt, true, nil
}

// ReleaseNotification hands a claim back so a later settle can try again
func (s *SQLStore) ReleaseNotification(ctx context.Context, id string, attempt int, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE batches
		SET notify_state = 'pending', notify_claimed_at = NULL, notify_error = ?, updated_at = ?
		WHERE id = ? AND notify_state = 'claimed' AND notify_attempts = ?`,
		reason, time.Now().UTC(), id, attempt)
	if err != nil {
		return errors.Wrapf(err, "failed to release notification claim for batch %s", id)
	}
	return nil
}

// FinishNotification records the end of a claimed notification sequence.
// The holder of an expired claim may still record what really happened.
// Fails with ErrConflict if the claim is no longer held.
func (s *SQLStore) FinishNotification(ctx context.Context, id string, attempt int, state NotifyState, reportPath, notifyErr string) error {
	if !state.IsFinal() {
		return errors.Newf("notify state %q is not final", state)
	}

	now := time.Now().UTC()
	var notifiedAt sql.NullTime
	if state == NotifyDelivered {
		notifiedAt = sql.NullTime{Time: now, Valid: true}
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE batches
		SET notify_state = ?, notified_at = ?, notify_error = ?, report_path = ?, updated_at = ?
		WHERE id = ? AND notify_attempts = ?
		  AND (notify_state = 'claimed'
		       OR (notify_state = 'failed' AND notify_error = ?))`,
		state, notifiedAt, notifyErr, reportPath, now, id, attempt, ClaimExpiredError)
	if err != nil {
		return errors.Wrapf(err, "failed to finish notification for batch %s", id)
	}
	return requireRow(result, errors.Wrapf(errors.ErrConflict, "notification claim %d for batch %s was lost", attempt, id))
}

// ExpireNotificationClaim moves a claim taken before staleBefore to failed
// with ClaimExpiredError. The report is not sent again until someone resets
// the notification.
func (s *SQLStore) ExpireNotificationClaim(ctx context.Context, id string, staleBefore time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE batches
		SET notify_state = 'failed', notify_error = ?, updated_at = ?
		WHERE id = ? AND notify_state = 'claimed' AND notify_claimed_at < ?`,
		ClaimExpiredError, time.Now().UTC(), id, staleBefore.UTC())
	if err != nil {
		return false, errors.Wrapf(err, "failed to expire notification claim for batch %s", id)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return rows == 1, nil
}

// ResetNotification moves a failed notification back to pending.
// Reports false when the batch was not in the failed state.
func (s *SQLStore) ResetNotification(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE batches
		SET notify_state = 'pending', notify_claimed_at = NULL, updated_at = ?
		WHERE id = ? AND notify_state = 'failed'`,
		time.Now().UTC(), id)
	if err != nil {
		return false, errors.Wrapf(err, "failed to reset notification for batch %s", id)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return rows == 1, nil
}

// GetItem retrieves one item
func (s *SQLStore) GetItem(ctx context.Context, batchID string, ordinal int) (*Item, error) {
	item, err := scanItem(s.db.QueryRowContext(ctx,
		`SELECT `+itemSelectColumns+` FROM items WHERE batch_id = ? AND ordinal = ?`, batchID, ordinal))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrItemNotFound, "%s/%d", batchID, ordinal)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get item %s/%d", batchID, ordinal)
	}
	return item, nil
}

// ListItems returns the items of a batch ordered by ordinal
func (s *SQLStore) ListItems(ctx context.Context, batchID string) ([]*Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemSelectColumns+` FROM items WHERE batch_id = ? ORDER BY ordinal`, batchID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list items of batch %s", batchID)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan item")
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate items")
	}
	return items, nil
}

// CompleteItem stores the outputs and marks the item completed
func (s *SQLStore) CompleteItem(ctx context.Context, batchID string, ordinal int, outputs []string) error {
	if len(outputs) == 0 {
		return errors.Newf("item %s/%d cannot complete without outputs", batchID, ordinal)
	}
	encoded, err := encodeURLs(outputs)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE items SET status = 'completed', outputs = ?, error = '', updated_at = ?
		WHERE batch_id = ? AND ordinal = ?`,
		encoded, time.Now().UTC(), batchID, ordinal)
	if err != nil {
		return errors.Wrapf(err, "failed to complete item %s/%d", batchID, ordinal)
	}
	return requireRow(result, errors.Wrapf(ErrItemNotFound, "%s/%d", batchID, ordinal))
}

// FailItem marks an item failed with no outputs
func (s *SQLStore) FailItem(ctx context.Context, batchID string, ordinal int, reason string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE items SET status = 'failed', outputs = '[]', error = ?, updated_at = ?
		WHERE batch_id = ? AND ordinal = ?`,
		reason, time.Now().UTC(), batchID, ordinal)
	if err != nil {
		return errors.Wrapf(err, "failed to fail item %s/%d", batchID, ordinal)
	}
	return requireRow(result, errors.Wrapf(ErrItemNotFound, "%s/%d", batchID, ordinal))
}

// DeleteBatchesBefore removes finished batches (and their items) created before cutoff
func (s *SQLStore) DeleteBatchesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM batches
		WHERE created_at < ? AND notify_state IN ('delivered', 'failed', 'skipped')`,
		cutoff.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete old batches")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(rows), nil
}

func requireRow(result sql.Result, notFound error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return notFound
	}
	return nil
}
