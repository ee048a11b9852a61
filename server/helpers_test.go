package server

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/imgbatch/am"
	"github.com/teranos/imgbatch/batch"
	itest "github.com/teranos/imgbatch/internal/testing"
	"github.com/teranos/imgbatch/pulse/async"
	"github.com/teranos/imgbatch/pulse/schedule"
)

// ============================================================================
// Print Shop Test Universe
// ============================================================================
//
// Characters:
//   - The Customer: drops off an order sheet at the counter (upload)
//   - The Counter Clerk: answers "is my order ready?" (status, report)
//   - The Courier: delivers the finished order slip (notification)
//
// Theme: the counter must never lose an order sheet and never promise an
// order that does not exist.
// ============================================================================

const orderSheet = "Serial Number,Product Name,Input Image Urls\n" +
	"1,Poster,\"https://img/poster-1.jpg, https://img/poster-2.jpg\"\n" +
	"2,Flyer,https://img/flyer.jpg\n" +
	"three,Banner,https://img/banner.jpg\n"

// stubNotifier records deliveries; err makes every delivery fail
type stubNotifier struct {
	mu   sync.Mutex
	err  error
	sent []string
}

func (n *stubNotifier) Notify(ctx context.Context, target, batchID string, report []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, batchID)
	return nil
}

func (n *stubNotifier) setErr(err error) {
	n.mu.Lock()
	n.err = err
	n.mu.Unlock()
}

func (n *stubNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type printShop struct {
	srv         *Server
	store       *batch.SQLStore
	queue       *async.Queue
	coordinator *batch.Coordinator
	notifier    *stubNotifier
	cfg         *am.Config
}

func openShop(t *testing.T, withPool bool) *printShop {
	t.Helper()
	return openShopWithLog(t, withPool, zap.NewNop().Sugar())
}

func openShopWithLog(t *testing.T, withPool bool, log *zap.SugaredLogger) *printShop {
	t.Helper()

	db := itest.CreateTestDB(t)
	store := batch.NewSQLStore(db)
	queue := async.NewQueue(db)
	notifier := &stubNotifier{}
	coordinator := batch.NewCoordinator(store, notifier, batch.CoordinatorConfig{ReportsDir: t.TempDir()}, nil)

	cfg := am.Default()
	cfg.Output.Dir = t.TempDir()

	deps := Deps{Store: store, Queue: queue, Coordinator: coordinator}
	if withPool {
		deps.Pool = async.NewWorkerPoolWithQueue(context.Background(), queue,
			async.WorkerPoolConfig{Workers: 1, MaxAttempts: 1}, zap.NewNop().Sugar(), async.NewHandlerRegistry())
		deps.Sweeper = schedule.NewTicker("notify-sweep", coordinator.SweepTask(store),
			schedule.TickerConfig{Interval: time.Hour}, nil)
	}

	srv, err := New(cfg, deps, log)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})

	return &printShop{
		srv:         srv,
		store:       store,
		queue:       queue,
		coordinator: coordinator,
		notifier:    notifier,
		cfg:         cfg,
	}
}

// dropOff ingests an order directly, bypassing the upload handler
func (p *printShop) dropOff(t *testing.T, target string, descriptors ...batch.Descriptor) string {
	t.Helper()
	result, err := p.srv.ingestor.IngestDetailed(context.Background(), target, descriptors)
	require.NoError(t, err)
	return result.BatchID
}

func (p *printShop) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	p.srv.Handler().ServeHTTP(rec, req)
	return rec
}

// uploadRequest builds a multipart upload of csv under field "file"
func uploadRequest(t *testing.T, target, csv string) *http.Request {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "orders.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte(csv))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}
