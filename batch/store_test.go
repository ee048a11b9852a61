package batch

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/imgbatch/errors"
)

func TestSQLStore_CreateAndRead(t *testing.T) {
	t.Log("The Stallholder writes up two items and reads the sheet back")

	store := newTestStore(t)
	ctx := context.Background()
	id, _ := ingestStall(t, store, "https://hooks.example/done",
		Descriptor{Label: "Brass lamp", Inputs: []string{"https://img/lamp-1.jpg", "https://img/lamp-2.jpg"}},
		Descriptor{Label: "Tin soldier", Inputs: []string{"https://img/soldier.jpg"}},
	)

	b, err := store.GetBatch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.example/done", b.NotificationTarget)
	assert.Equal(t, BatchPending, b.Status)
	assert.Equal(t, NotifyPending, b.NotifyState)
	assert.Equal(t, 2, b.ItemCount)
	assert.Nil(t, b.NotifyClaimedAt)
	assert.Nil(t, b.NotifiedAt)

	items, err := store.ListItems(ctx, id)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, 1, items[0].Ordinal)
	assert.Equal(t, "Brass lamp", items[0].Label)
	assert.Equal(t, []string{"https://img/lamp-1.jpg", "https://img/lamp-2.jpg"}, items[0].Inputs)
	assert.Empty(t, items[0].Outputs)
	assert.Equal(t, ItemPending, items[0].Status)
	assert.Equal(t, 2, items[1].Ordinal)

	item, err := store.GetItem(ctx, id, 2)
	require.NoError(t, err)
	assert.Equal(t, "Tin soldier", item.Label)
}

func TestSQLStore_CreateBatchRejectsNoItems(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	err := store.CreateBatch(context.Background(), &Batch{ID: "b-empty", ItemCount: 0, CreatedAt: now, UpdatedAt: now}, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoValidItems)
}

func TestSQLStore_NotFound(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetBatch(ctx, "no-such-stall")
	assert.ErrorIs(t, err, ErrBatchNotFound)
	assert.True(t, errors.IsNotFoundError(err))

	_, err = store.GetItem(ctx, "no-such-stall", 1)
	assert.ErrorIs(t, err, ErrItemNotFound)

	assert.ErrorIs(t, store.CompleteItem(ctx, "no-such-stall", 1, []string{"x"}), ErrItemNotFound)
	assert.ErrorIs(t, store.FailItem(ctx, "no-such-stall", 1, "x"), ErrItemNotFound)
	assert.ErrorIs(t, store.SetBatchStatus(ctx, "no-such-stall", BatchCompleted), ErrBatchNotFound)

	items, err := store.ListItems(ctx, "no-such-stall")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestSQLStore_ItemWrites(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, _ := ingestStall(t, store, "",
		Descriptor{Label: "Kettle", Inputs: []string{"https://img/kettle.jpg"}},
		Descriptor{Label: "Clock", Inputs: []string{"https://img/clock.jpg"}},
	)

	require.Error(t, store.CompleteItem(ctx, id, 1, nil), "completed items must have outputs")

	require.NoError(t, store.CompleteItem(ctx, id, 1, []string{"https://out/kettle.jpg"}))
	require.NoError(t, store.FailItem(ctx, id, 2, "https://img/clock.jpg: http_status"))

	kettle, err := store.GetItem(ctx, id, 1)
	require.NoError(t, err)
	assert.Equal(t, ItemCompleted, kettle.Status)
	assert.Equal(t, []string{"https://out/kettle.jpg"}, kettle.Outputs)

	clock, err := store.GetItem(ctx, id, 2)
	require.NoError(t, err)
	assert.Equal(t, ItemFailed, clock.Status)
	assert.Empty(t, clock.Outputs)
	assert.Contains(t, clock.Error, "http_status")
}

func TestSQLStore_MarkBatchProcessingOnlyFromPending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, _ := ingestStall(t, store, "", Descriptor{Label: "Vase", Inputs: []string{"https://img/vase.jpg"}})

	require.NoError(t, store.MarkBatchProcessing(ctx, id))
	b, err := store.GetBatch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, BatchProcessing, b.Status)

	require.NoError(t, store.SetBatchStatus(ctx, id, BatchCompleted))
	require.NoError(t, store.MarkBatchProcessing(ctx, id))
	b, err = store.GetBatch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, BatchCompleted, b.Status, "a late task must not reopen a resolved batch")
}

func TestSQLStore_NotificationClaim(t *testing.T) {
	t.Log("Two wardens reach for the same bell rope")

	store := newTestStore(t)
	ctx := context.Background()
	id, _ := ingestStall(t, store, "https://hooks.example", Descriptor{Label: "Bell", Inputs: []string{"https://img/bell.jpg"}})

	attempt, won, err := store.ClaimNotification(ctx, id)
	require.NoError(t, err)
	assert.True(t, won)
	assert.Equal(t, 1, attempt)

	_, won, err = store.ClaimNotification(ctx, id)
	require.NoError(t, err)
	assert.False(t, won, "a held claim cannot be taken")

	b, err := store.GetBatch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, NotifyClaimed, b.NotifyState)
	assert.Equal(t, 1, b.NotifyAttempts)
	require.NotNil(t, b.NotifyClaimedAt)

	err = store.FinishNotification(ctx, id, attempt+1, NotifyDelivered, "", "")
	assert.ErrorIs(t, err, errors.ErrConflict, "only the holder's attempt can finish")

	require.NoError(t, store.FinishNotification(ctx, id, attempt, NotifyDelivered, "/reports/bell.csv", ""))
	b, err = store.GetBatch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, NotifyDelivered, b.NotifyState)
	assert.Equal(t, "/reports/bell.csv", b.ReportPath)
	assert.NotNil(t, b.NotifiedAt)

	err = store.FinishNotification(ctx, id, attempt, NotifyDelivered, "", "")
	assert.ErrorIs(t, err, errors.ErrConflict, "finishing needs a held claim")

	_, won, err = store.ClaimNotification(ctx, id)
	require.NoError(t, err)
	assert.False(t, won, "delivered batches are never claimed again")

	reset, err := store.ResetNotification(ctx, id)
	require.NoError(t, err)
	assert.False(t, reset, "only failed notifications reset")
}

func TestSQLStore_ExpireNotificationClaim(t *testing.T) {
	t.Log("A warden grabs the rope and is not seen again")

	store := newTestStore(t)
	ctx := context.Background()
	id, _ := ingestStall(t, store, "https://hooks.example", Descriptor{Label: "Gong", Inputs: []string{"https://img/gong.jpg"}})

	expired, err := store.ExpireNotificationClaim(ctx, id, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, expired, "a pending batch has no claim to expire")

	attempt, won, err := store.ClaimNotification(ctx, id)
	require.NoError(t, err)
	require.True(t, won)

	expired, err = store.ExpireNotificationClaim(ctx, id, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, expired, "a fresh claim is left alone")

	expired, err = store.ExpireNotificationClaim(ctx, id, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, expired)

	b, err := store.GetBatch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, NotifyFailed, b.NotifyState)
	assert.Equal(t, ClaimExpiredError, b.NotifyError)

	_, won, err = store.ClaimNotification(ctx, id)
	require.NoError(t, err)
	assert.False(t, won, "an expired claim is not re-claimed automatically")

	t.Log("The warden turns up after all and reports the bell was rung")
	require.NoError(t, store.FinishNotification(ctx, id, attempt, NotifyDelivered, "", ""))
	b, err = store.GetBatch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, NotifyDelivered, b.NotifyState)
	assert.Empty(t, b.NotifyError)
}

func TestSQLStore_ResetFencesOldAttempt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, _ := ingestStall(t, store, "https://hooks.example", Descriptor{Label: "Horn", Inputs: []string{"https://img/horn.jpg"}})

	first, won, err := store.ClaimNotification(ctx, id)
	require.NoError(t, err)
	require.True(t, won)
	expired, err := store.ExpireNotificationClaim(ctx, id, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.True(t, expired)

	reset, err := store.ResetNotification(ctx, id)
	require.NoError(t, err)
	require.True(t, reset)
	second, won, err := store.ClaimNotification(ctx, id)
	require.NoError(t, err)
	require.True(t, won)
	assert.Equal(t, first+1, second)

	err = store.FinishNotification(ctx, id, first, NotifyDelivered, "", "")
	assert.ErrorIs(t, err, errors.ErrConflict, "the first claim no longer owns the batch")
	require.NoError(t, store.FinishNotification(ctx, id, second, NotifyDelivered, "", ""))
}

func TestSQLStore_ReleaseAndReset(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, _ := ingestStall(t, store, "https://hooks.example", Descriptor{Label: "Rug", Inputs: []string{"https://img/rug.jpg"}})

	attempt, won, err := store.ClaimNotification(ctx, id)
	require.NoError(t, err)
	require.True(t, won)
	require.NoError(t, store.ReleaseNotification(ctx, id, attempt, "disk full"))

	b, err := store.GetBatch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, NotifyPending, b.NotifyState)
	assert.Equal(t, "disk full", b.NotifyError)
	assert.Nil(t, b.NotifyClaimedAt)

	attempt, won, err = store.ClaimNotification(ctx, id)
	require.NoError(t, err)
	require.True(t, won)
	assert.Equal(t, 2, attempt)
	require.NoError(t, store.FinishNotification(ctx, id, attempt, NotifyFailed, "", "unexpected status 502"))

	reset, err := store.ResetNotification(ctx, id)
	require.NoError(t, err)
	assert.True(t, reset)

	b, err = store.GetBatch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, NotifyPending, b.NotifyState)
	assert.Nil(t, b.NotifiedAt)

	assert.Error(t, store.FinishNotification(ctx, id, attempt, NotifyClaimed, "", ""), "claimed is not a final state")
}

func TestSQLStore_ListAndDeleteBatches(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	first, _ := ingestStall(t, store, "", Descriptor{Label: "Chair", Inputs: []string{"https://img/chair.jpg"}})
	second, _ := ingestStall(t, store, "", Descriptor{Label: "Table", Inputs: []string{"https://img/table.jpg"}})

	batches, err := store.ListBatches(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batches, 2)

	attempt, won, err := store.ClaimNotification(ctx, first)
	require.NoError(t, err)
	require.True(t, won)
	require.NoError(t, store.FinishNotification(ctx, first, attempt, NotifySkipped, "", ""))

	n, err := store.DeleteBatchesBefore(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only finished batches are cleaned up")

	_, err = store.GetBatch(ctx, first)
	assert.ErrorIs(t, err, ErrBatchNotFound)
	items, err := store.ListItems(ctx, first)
	require.NoError(t, err)
	assert.Empty(t, items, "items go with their batch")

	_, err = store.GetBatch(ctx, second)
	assert.NoError(t, err)
}

// Error paths against a mocked driver

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLStore(db), mock
}

func TestSQLStore_CreateBatchRollsBackOnItemFailure(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO batches").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO items").WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	err := store.CreateBatch(context.Background(),
		&Batch{ID: "b-1", ItemCount: 1, CreatedAt: now, UpdatedAt: now},
		[]*Item{{BatchID: "b-1", Ordinal: 1, Label: "x", Inputs: []string{"u"}, CreatedAt: now, UpdatedAt: now}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create item b-1/1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_CreateBatchRollsBackOnHookFailure(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO batches").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO items").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectRollback()

	err := store.CreateBatch(context.Background(),
		&Batch{ID: "b-1", ItemCount: 1, CreatedAt: now, UpdatedAt: now},
		[]*Item{{BatchID: "b-1", Ordinal: 1, Label: "x", Inputs: []string{"u"}, CreatedAt: now, UpdatedAt: now}},
		func(tx *sql.Tx) error { return errors.New("queue offline") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue offline")
	assert.NoError(t, mock.ExpectationsWereMet(), "a failed hook must not commit")
}

func TestSQLStore_GetBatchQueryError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT .* FROM batches WHERE id").WillReturnError(sql.ErrConnDone)

	_, err := store.GetBatch(context.Background(), "b-1")
	require.Error(t, err)
	assert.False(t, errors.IsNotFoundError(err))
	assert.Contains(t, err.Error(), "failed to get batch b-1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_ClaimQueryError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("UPDATE batches").WillReturnError(sql.ErrConnDone)

	_, won, err := store.ClaimNotification(context.Background(), "b-1")
	require.Error(t, err)
	assert.False(t, won)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_ClaimReturnsAttempt(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("UPDATE batches .* RETURNING notify_attempts").
		WillReturnRows(sqlmock.NewRows([]string{"notify_attempts"}).AddRow(3))
	mock.ExpectQuery("UPDATE batches").
		WillReturnRows(sqlmock.NewRows([]string{"notify_attempts"}))

	attempt, won, err := store.ClaimNotification(context.Background(), "b-1")
	require.NoError(t, err)
	assert.True(t, won)
	assert.Equal(t, 3, attempt)

	_, won, err = store.ClaimNotification(context.Background(), "b-1")
	require.NoError(t, err)
	assert.False(t, won, "no row back means someone else holds or finished it")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_ExpireRowsAffectedError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE batches").WillReturnResult(sqlmock.NewErrorResult(sql.ErrConnDone))

	expired, err := store.ExpireNotificationClaim(context.Background(), "b-1", time.Now())
	require.Error(t, err)
	assert.False(t, expired)
}

func TestSQLStore_ListItemsDecodeError(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()
	rows := sqlmock.NewRows([]string{"batch_id", "ordinal", "label", "inputs", "outputs", "status", "error", "created_at", "updated_at"}).
		AddRow("b-1", 1, "Lamp", "not json", "[]", "pending", "", now, now)
	mock.ExpectQuery("SELECT .* FROM items WHERE batch_id").WillReturnRows(rows)

	_, err := store.ListItems(context.Background(), "b-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode inputs")
}

func TestSQLStore_CompleteItemExecError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE items SET status = 'completed'").WillReturnError(sql.ErrConnDone)

	err := store.CompleteItem(context.Background(), "b-1", 1, []string{"x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to complete item b-1/1")
}
