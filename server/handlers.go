package server

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/teranos/imgbatch/am"
	"github.com/teranos/imgbatch/batch"
	"github.com/teranos/imgbatch/batch/report"
	"github.com/teranos/imgbatch/errors"
	"github.com/teranos/imgbatch/logger"
	"github.com/teranos/imgbatch/notify"
	"github.com/teranos/imgbatch/pulse/async"
	"github.com/teranos/imgbatch/version"
)

// UploadResponse is returned when a manifest is accepted
type UploadResponse struct {
	BatchID   string `json:"batchId"`
	ItemCount int    `json:"itemCount"`
	Dropped   int    `json:"dropped"`
	Message   string `json:"message"`
}

// PulseStatsResponse reports queue counts and, when workers run in this
// process, worker and memory metrics and the notification sweep
type PulseStatsResponse struct {
	Queue  *async.QueueStats      `json:"queue"`
	System *async.SystemMetrics   `json:"system,omitempty"`
	Sweep  map[string]interface{} `json:"sweep,omitempty"`
}

// handleUpload accepts a CSV manifest as multipart field "file" and the
// notification target as the "webhook" query parameter.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	limit := s.cfg.Server.MaxUploadBytes
	if limit <= 0 {
		limit = am.DefaultMaxUploadBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	file, _, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("CSV file exceeds %d bytes", limit))
			return
		}
		writeError(w, http.StatusBadRequest, "CSV file is required")
		return
	}
	defer file.Close()

	webhook := strings.TrimSpace(r.URL.Query().Get("webhook"))
	if webhook == "" {
		writeError(w, http.StatusBadRequest, "Webhook URL is required")
		return
	}
	if !isWebhookURL(webhook) {
		writeError(w, http.StatusBadRequest, "Webhook URL must be an absolute http or https URL")
		return
	}

	descriptors, err := batch.ParseManifest(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid CSV: %v", err))
		return
	}

	result, err := s.ingestor.IngestDetailed(r.Context(), webhook, descriptors)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.logger.Infow("Manifest accepted",
		logger.FieldBatchID, shortID(result.BatchID),
		logger.FieldCount, result.ItemCount,
		logger.FieldDropped, result.Dropped)

	_ = writeJSON(w, http.StatusAccepted, UploadResponse{
		BatchID:   result.BatchID,
		ItemCount: result.ItemCount,
		Dropped:   result.Dropped,
		Message:   "File uploaded and processing started",
	})
}

func isWebhookURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// handleStatus returns the status report of one batch
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	rep, err := s.status.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, rep)
}

// handleListBatches lists recent batches, newest first
func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	batches, err := s.store.ListBatches(r.Context(), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if batches == nil {
		batches = []*batch.Batch{}
	}
	_ = writeJSON(w, http.StatusOK, map[string]interface{}{"batches": batches})
}

// handleReport renders the current report of a batch as a CSV download.
// Unresolved items appear with Pending outputs.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	id := r.PathValue("id")
	if _, err := s.store.GetBatch(r.Context(), id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items, err := s.store.ListItems(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if len(items) == 0 {
		writeError(w, http.StatusNotFound, fmt.Sprintf("batch %s has no items", id))
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", notify.FileName(id)))
	if err := report.Write(w, batch.ReportRows(items)); err != nil {
		s.logger.Warnw("Failed to stream report", logger.FieldBatchID, shortID(id), logger.FieldError, err)
	}
}

// handleRetryNotify re-arms a failed notification and re-runs the
// completion check
func (s *Server) handleRetryNotify(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	id := r.PathValue("id")
	outcome, err := s.coordinator.Retry(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.logger.Infow("Notification retry requested", logger.FieldBatchID, shortID(id), "outcome", outcome)
	_ = writeJSON(w, http.StatusOK, map[string]string{"batchId": id, "outcome": string(outcome)})
}

// handlePulseStats reports queue and worker metrics
func (s *Server) handlePulseStats(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	stats, err := s.queue.GetStats()
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	resp := PulseStatsResponse{Queue: stats}
	if s.pool != nil {
		metrics := s.pool.GetSystemMetrics()
		resp.System = &metrics
	}
	if s.sweeper != nil {
		resp.Sweep = s.sweeper.GetStats()
	}
	_ = writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_ = writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  stateString(s.getState()),
		"version": version.Get().Short(),
		"clients": s.clientCount(),
	})
}
