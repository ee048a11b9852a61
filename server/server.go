// Package server is the HTTP boundary of imgbatch: manifest upload, batch
// status, report download, notification retry, queue stats and live batch
// updates over websocket.
package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/imgbatch/am"
	"github.com/teranos/imgbatch/batch"
	"github.com/teranos/imgbatch/errors"
	"github.com/teranos/imgbatch/logger"
	"github.com/teranos/imgbatch/pulse/async"
	"github.com/teranos/imgbatch/pulse/schedule"
)

// Deps are the collaborators the server routes requests to
type Deps struct {
	Store       *batch.SQLStore
	Queue       *async.Queue
	Coordinator *batch.Coordinator
	Pool        *async.WorkerPool // nil when workers run in a separate process
	Sweeper     *schedule.Ticker  // nil when the notification sweep runs elsewhere
}

// Server serves the imgbatch HTTP API
type Server struct {
	cfg         *am.Config
	store       *batch.SQLStore
	queue       *async.Queue
	pool        *async.WorkerPool
	sweeper     *schedule.Ticker
	coordinator *batch.Coordinator
	ingestor    *batch.Ingestor
	status      *batch.StatusReader
	mux         *http.ServeMux
	httpServer  *http.Server
	logger      *zap.SugaredLogger

	clients map[*Client]bool
	mu      sync.RWMutex

	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	broadcastDrops atomic.Int64
	state          atomic.Int32
}

// New creates a server. Routes are registered immediately; nothing listens
// until Start.
func New(cfg *am.Config, deps Deps, log *zap.SugaredLogger) (*Server, error) {
	if cfg == nil {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "config is required")
	}
	if deps.Store == nil || deps.Queue == nil || deps.Coordinator == nil {
		return nil, errors.Wrap(errors.ErrServiceUnavailable, "store, queue and coordinator are required")
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:         cfg,
		store:       deps.Store,
		queue:       deps.Queue,
		pool:        deps.Pool,
		sweeper:     deps.Sweeper,
		coordinator: deps.Coordinator,
		ingestor:    batch.NewIngestor(deps.Store, deps.Queue, log.Named("ingest")),
		status:      batch.NewStatusReader(deps.Store),
		mux:         http.NewServeMux(),
		logger:      log,
		clients:     make(map[*Client]bool),
		ctx:         ctx,
		cancel:      cancel,
	}
	s.setupHTTPRoutes()
	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the routed handler, for embedding or tests
func (s *Server) Handler() http.Handler {
	return s.mux
}

// clientCount returns the number of connected websocket clients
func (s *Server) clientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) register(c *Client) {
	s.mu.Lock()
	s.clients[c] = true
	s.mu.Unlock()
	s.logger.Debugw("Client connected", "client_id", c.id, logger.FieldBatchID, c.batchID)
}

func (s *Server) unregister(c *Client) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()
	if ok {
		c.close()
		s.logger.Debugw("Client disconnected", "client_id", c.id, logger.FieldBatchID, c.batchID)
	}
}
