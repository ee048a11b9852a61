package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/teranos/imgbatch/errors"
)

// ShutdownTimeout bounds how long Stop waits for server goroutines
const ShutdownTimeout = 5 * time.Second

// ServerState represents the server lifecycle state
type ServerState int32

const (
	ServerStateIdle     ServerState = iota // Created, not serving yet
	ServerStateRunning                     // Serving requests
	ServerStateDraining                    // Shutdown in progress
	ServerStateStopped                     // Shutdown complete
)

func (s *Server) getState() ServerState {
	return ServerState(s.state.Load())
}

func (s *Server) setState(newState ServerState) {
	s.state.Store(int32(newState))
	s.logger.Infow("Server state changed", "new_state", stateString(newState))
}

func stateString(state ServerState) string {
	switch state {
	case ServerStateIdle:
		return "idle"
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// startBackgroundServices starts the worker pool (when owned) and the
// websocket broadcaster
func (s *Server) startBackgroundServices() {
	if s.pool != nil {
		s.pool.Start()
	}
	s.startBatchUpdateBroadcaster()
}

// Start listens on the configured port and serves until Stop
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr())
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", s.cfg.ListenAddr())
	}
	return s.Serve(ln)
}

// Serve runs the background services and serves HTTP on ln until Stop.
// A clean shutdown returns nil.
func (s *Server) Serve(ln net.Listener) error {
	s.startBackgroundServices()
	s.setState(ServerStateRunning)
	s.logger.Infow("HTTP server listening", "addr", ln.Addr().String())

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server failed")
	}
	return nil
}

// Stop drains HTTP, stops the workers, closes watchers and waits for the
// server goroutines
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Infow("Initiating server shutdown")
	s.setState(ServerStateDraining)

	var shutdownErr error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		shutdownErr = errors.Wrap(err, "http shutdown")
	}

	if s.pool != nil {
		s.logger.Infow("Stopping workers")
		s.pool.Stop()
	}

	// Hijacked websocket connections are not closed by Shutdown
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		s.unregister(c)
		c.conn.Close()
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Infow("All server goroutines stopped")
	case <-time.After(ShutdownTimeout):
		s.logger.Warnw("Shutdown timeout, some goroutines may still be running", "timeout", ShutdownTimeout)
	}

	s.setState(ServerStateStopped)
	return shutdownErr
}
