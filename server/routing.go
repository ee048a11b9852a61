package server

import (
	"net/http"
	"os"

	"github.com/teranos/imgbatch/imageproc"
	"github.com/teranos/imgbatch/logger"
)

// setupHTTPRoutes configures all HTTP handlers
func (s *Server) setupHTTPRoutes() {
	s.mux.HandleFunc("/api/upload", s.corsMiddleware(s.handleUpload))
	s.mux.HandleFunc("/api/status/{id}", s.corsMiddleware(s.handleStatus))
	s.mux.HandleFunc("/api/batches", s.corsMiddleware(s.handleListBatches))
	s.mux.HandleFunc("/api/batches/{id}/report", s.corsMiddleware(s.handleReport))
	s.mux.HandleFunc("/api/batches/{id}/notify", s.corsMiddleware(s.handleRetryNotify))
	s.mux.HandleFunc("/api/pulse/stats", s.corsMiddleware(s.handlePulseStats))
	s.mux.HandleFunc("/ws/batches/{id}", s.handleBatchWebSocket)
	s.mux.HandleFunc("/health", s.handleHealth)

	// Processed images are written under output.dir by the disk sink
	if dir := s.cfg.Output.Dir; dir != "" {
		s.mux.Handle(imageproc.OutputsPath, http.StripPrefix(imageproc.OutputsPath, http.FileServer(http.Dir(dir))))
		if _, err := os.Stat(dir); err != nil {
			s.logger.Warnw("Output directory not present yet", "dir", dir, logger.FieldError, err)
		}
	}
}

// corsMiddleware lets browser clients on other origins call the API
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}
