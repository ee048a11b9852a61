package logger

import (
	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across imgbatch.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity
	FieldJobID   = "job_id"
	FieldBatchID = "batch_id"
	FieldOrdinal = "ordinal"
	FieldLabel   = "label"
	FieldWorker  = "worker_id"

	// Operations
	FieldHandler = "handler"
	FieldMethod  = "method"
	FieldPath    = "path"
	FieldURL     = "url"
	FieldTarget  = "target"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError     = "error"
	FieldErrorCode = "error_code"
	FieldAttempt   = "attempt"

	// Counts
	FieldCount    = "count"
	FieldTotal    = "total"
	FieldResolved = "resolved"
	FieldInputs   = "inputs"
	FieldOutputs  = "outputs"
	FieldDropped  = "dropped"

	// Status
	FieldStatus = "status"
	FieldState  = "state"
)

// ComponentLogger returns a named child of the global logger.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	coordinator := batch.NewCoordinator(store, notifier, reports, logger.ComponentLogger("coordinator"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// BatchLogger returns a child logger carrying the batch id and, when ordinal
// is positive, the item ordinal.
func BatchLogger(parent *zap.SugaredLogger, batchID string, ordinal int) *zap.SugaredLogger {
	if ordinal > 0 {
		return parent.With(FieldBatchID, batchID, FieldOrdinal, ordinal)
	}
	return parent.With(FieldBatchID, batchID)
}
