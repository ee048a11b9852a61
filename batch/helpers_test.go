package batch

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/imgbatch/errors"
	"github.com/teranos/imgbatch/imageproc"
	itest "github.com/teranos/imgbatch/internal/testing"
	"github.com/teranos/imgbatch/pulse/async"
)

// ============================================================================
// Flea Market Test Universe
// ============================================================================
//
// Characters:
//   - The Stallholder: writes up the inventory sheet (ingestion)
//   - The Photographers: shoot every item on the sheet (item processing)
//   - The Market Warden: rings the closing bell once per stall (completion)
//
// Theme: many photographers finish at once, and the warden must ring the
// bell exactly once no matter how many of them shout "done".
// ============================================================================

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	return NewSQLStore(itest.CreateTestDB(t))
}

// memQueue collects announced jobs in memory; err fails every enqueue
type memQueue struct {
	mu   sync.Mutex
	jobs []*async.Job
	err  error
}

func (q *memQueue) EnqueueTx(ctx context.Context, tx *sql.Tx, job *async.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

func (q *memQueue) Announce(jobs ...*async.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, jobs...)
}

// flakyQueue writes through a real queue and fails the failAt'th enqueue
type flakyQueue struct {
	*async.Queue
	failAt int
	calls  int
}

func (q *flakyQueue) EnqueueTx(ctx context.Context, tx *sql.Tx, job *async.Job) error {
	q.calls++
	if q.calls == q.failAt {
		return errors.New("disk I/O error")
	}
	return q.Queue.EnqueueTx(ctx, tx, job)
}

func (q *memQueue) snapshot() []*async.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*async.Job, len(q.jobs))
	copy(out, q.jobs)
	return out
}

// fakeImages "processes" a URL by naming an output after it. URLs in fail
// return that error; URLs in panics panic; delays slow specific URLs down.
type fakeImages struct {
	fail   map[string]error
	panics map[string]bool
	delays map[string]time.Duration

	calls   atomic.Int32
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (f *fakeImages) Process(ctx context.Context, ref imageproc.Ref) (string, error) {
	f.calls.Add(1)
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	if d := f.delays[ref.URL]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.panics[ref.URL] {
		panic("lens cap still on")
	}
	if err := f.fail[ref.URL]; err != nil {
		return "", err
	}
	return fmt.Sprintf("out:%s", ref.URL), nil
}

type delivery struct {
	target  string
	batchID string
	report  string
}

// recordingNotifier records deliveries and fails with err when set
type recordingNotifier struct {
	mu        sync.Mutex
	delivered []delivery
	err       error
	delay     time.Duration
}

func (n *recordingNotifier) Notify(ctx context.Context, target, batchID string, report []byte) error {
	if n.delay > 0 {
		time.Sleep(n.delay)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delivered = append(n.delivered, delivery{target: target, batchID: batchID, report: string(report)})
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.delivered)
}

func (n *recordingNotifier) setErr(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = err
}

// recordingSettler records completion checks
type recordingSettler struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (s *recordingSettler) OnItemSettled(ctx context.Context, batchID string) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, batchID)
	if s.err != nil {
		return "", s.err
	}
	return OutcomeNotResolved, nil
}

func (s *recordingSettler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// ingestStall ingests descriptors into store and returns the batch id and queued jobs
func ingestStall(t *testing.T, store Store, target string, descriptors ...Descriptor) (string, []*async.Job) {
	t.Helper()
	queue := &memQueue{}
	id, err := NewIngestor(store, queue, testLogger()).Ingest(context.Background(), target, descriptors)
	require.NoError(t, err)
	return id, queue.snapshot()
}

// resolveAll marks every item of a batch completed with one output
func resolveAll(t *testing.T, store Store, batchID string) {
	t.Helper()
	items, err := store.ListItems(context.Background(), batchID)
	require.NoError(t, err)
	for _, item := range items {
		require.NoError(t, store.CompleteItem(context.Background(), batchID, item.Ordinal,
			[]string{"out:" + item.Inputs[0]}))
	}
}

// failingStore wraps a store and fails item writes with err
type failingStore struct {
	*SQLStore
	err error
}

func (s *failingStore) CompleteItem(ctx context.Context, batchID string, ordinal int, outputs []string) error {
	return s.err
}

func (s *failingStore) FailItem(ctx context.Context, batchID string, ordinal int, reason string) error {
	return s.err
}

var errFlashBroken = errors.New("connection reset by peer")

// flakyFinishStore fails the first failures calls to FinishNotification
type flakyFinishStore struct {
	*SQLStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *flakyFinishStore) FinishNotification(ctx context.Context, id string, attempt int, state NotifyState, reportPath, notifyErr string) error {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.failures
	s.mu.Unlock()
	if fail {
		return errors.New("database is locked")
	}
	return s.SQLStore.FinishNotification(ctx, id, attempt, state, reportPath, notifyErr)
}

func (s *flakyFinishStore) finishCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
