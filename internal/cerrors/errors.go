package cerrors

import (
	"context"
	"errors"
	"fmt"
)

// CodebasedError is the structured error type used across the engine.
// It carries enough context for the Indexer to log+count and continue,
// and for the Searcher to report diagnostics without crashing the Indexer.
type CodebasedError struct {
	Code      string
	Message   string
	Category  Category
	Severity  Severity
	Details   map[string]string
	Cause     error
	Retryable bool
}

func (e *CodebasedError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *CodebasedError) Unwrap() error {
	return e.Cause
}

func (e *CodebasedError) Is(target error) bool {
	var t *CodebasedError
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// WithDetail attaches a key-value detail and returns the error for chaining.
func (e *CodebasedError) WithDetail(key, value string) *CodebasedError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a CodebasedError, deriving category/severity/retryable from the code.
func New(code, message string, cause error) *CodebasedError {
	return &CodebasedError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap attaches a code to an existing error.
func Wrap(code string, err error) *CodebasedError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// Cancelled wraps a context cancellation so it propagates unchanged in kind
// (Category stays CategoryCancelled regardless of the underlying cause).
func Cancelled(cause error) *CodebasedError {
	return New(ErrCodeCancelled, "operation cancelled", cause)
}

// IsCancelled reports whether err represents context cancellation, either as
// a raw context error or a wrapped CodebasedError of CategoryCancelled.
func IsCancelled(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ce *CodebasedError
	if errors.As(err, &ce) {
		return ce.Category == CategoryCancelled
	}
	return false
}

// IsRetryable reports whether the operation that produced err can be retried.
func IsRetryable(err error) bool {
	var ce *CodebasedError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// IsFatal reports whether err should abort the whole store/session.
func IsFatal(err error) bool {
	var ce *CodebasedError
	if errors.As(err, &ce) {
		return ce.Severity == SeverityFatal
	}
	return false
}

// Code extracts the error code, or "" if err is not a CodebasedError.
func Code(err error) string {
	var ce *CodebasedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}
