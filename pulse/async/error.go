package async

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/teranos/imgbatch/errors"
)

// ErrorCode represents the classification of an error
type ErrorCode string

const (
	ErrorCodeNetworkError    ErrorCode = "network_error"
	ErrorCodeTimeout         ErrorCode = "timeout"
	ErrorCodeHTTPStatus      ErrorCode = "http_status"
	ErrorCodeDecodeError     ErrorCode = "decode_error"
	ErrorCodeStorageError    ErrorCode = "storage_error"
	ErrorCodeDatabaseError   ErrorCode = "database_error"
	ErrorCodeValidationError ErrorCode = "validation_error"
	ErrorCodePanic           ErrorCode = "panic"
	ErrorCodeUnknown         ErrorCode = "unknown"
)

// ErrorContext provides structured error information for a failed stage
type ErrorContext struct {
	Stage     string    // Where the error occurred ("fetch", "transform", "store")
	Code      ErrorCode // Error classification
	Message   string    // Human-readable message
	Retryable bool      // Could another attempt succeed?
}

// Fields returns the context as zap key/value pairs
func (e ErrorContext) Fields() []interface{} {
	return []interface{}{
		"stage", e.Stage,
		"error_code", string(e.Code),
		"retryable", e.Retryable,
		"error", e.Message,
	}
}

// errPermanent marks errors that must not be retried
var errPermanent = errors.New("permanent job failure")

// Permanent marks err so the worker pool fails the job without retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, errPermanent)
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	return err != nil && errors.Is(err, errPermanent)
}

// PanicError wraps a value recovered from a panicking handler
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

// ClassifyError categorizes an error for logging and retry decisions
func ClassifyError(stage string, err error) ErrorContext {
	if err == nil {
		return ErrorContext{Stage: stage, Code: ErrorCodeUnknown, Message: "unknown error"}
	}

	ctx := ErrorContext{
		Stage:   stage,
		Message: err.Error(),
	}
	errLower := strings.ToLower(ctx.Message)

	var netErr net.Error
	var panicErr *PanicError

	switch {
	case errors.As(err, &panicErr):
		ctx.Code = ErrorCodePanic
		ctx.Retryable = false

	case errors.Is(err, context.DeadlineExceeded) || strings.Contains(errLower, "deadline exceeded") ||
		strings.Contains(errLower, "timed out") || strings.Contains(errLower, "timeout"):
		ctx.Code = ErrorCodeTimeout
		ctx.Retryable = true

	case errors.As(err, &netErr) || strings.Contains(errLower, "connection") ||
		strings.Contains(errLower, "no such host") || strings.Contains(errLower, "network"):
		ctx.Code = ErrorCodeNetworkError
		ctx.Retryable = true

	case strings.Contains(errLower, "unexpected status") || strings.Contains(errLower, "http status"):
		ctx.Code = ErrorCodeHTTPStatus
		// 5xx may clear up; 4xx will not
		ctx.Retryable = strings.Contains(errLower, "status 5")

	case strings.Contains(errLower, "decode") || strings.Contains(errLower, "unknown format") ||
		strings.Contains(errLower, "unmarshal") || strings.Contains(errLower, "image:"):
		ctx.Code = ErrorCodeDecodeError
		ctx.Retryable = false

	case strings.Contains(errLower, "database") || strings.Contains(errLower, "sql"):
		ctx.Code = ErrorCodeDatabaseError
		ctx.Retryable = true

	case strings.Contains(errLower, "write") || strings.Contains(errLower, "mkdir") ||
		strings.Contains(errLower, "permission denied") || strings.Contains(errLower, "no space"):
		ctx.Code = ErrorCodeStorageError
		ctx.Retryable = true

	case strings.Contains(errLower, "validation") || strings.Contains(errLower, "invalid") ||
		strings.Contains(errLower, "blocked"):
		ctx.Code = ErrorCodeValidationError
		ctx.Retryable = false

	default:
		ctx.Code = ErrorCodeUnknown
		ctx.Retryable = true
	}

	if IsPermanent(err) {
		ctx.Retryable = false
	}

	return ctx
}
