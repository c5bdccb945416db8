// Package errors defines the storage error kinds used throughout bleepfs.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// StorageError is a classified storage failure with a machine-readable code,
// a human-readable message, and the HTTP status the server maps it to.
type StorageError struct {
	// Code identifies the error kind (e.g. "NotFound", "BackendTransient").
	Code string
	// Message is a human-readable description of the error.
	Message string
	// HTTPStatus is the status code the HTTP surface returns for this kind.
	HTTPStatus int
	// Retryable reports whether the same call may succeed if repeated.
	Retryable bool
	// Path is the logical path the failure relates to, if any.
	Path string
	// Err is the underlying cause, usually an SDK error.
	Err error
}

// Error implements the error interface for StorageError.
func (e *StorageError) Error() string {
	var b strings.Builder
	b.WriteString(e.Code)
	if e.Path != "" {
		fmt.Fprintf(&b, " %q", e.Path)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *StorageError) Unwrap() error { return e.Err }

// Is matches any StorageError with the same code, so that
// errors.Is(err, ErrNotFound) holds for every copy made with WithPath etc.
func (e *StorageError) Is(target error) bool {
	t, ok := target.(*StorageError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithPath returns a copy of the error bound to the given logical path.
func (e *StorageError) WithPath(path string) *StorageError {
	cp := *e
	cp.Path = path
	return &cp
}

// WithCause returns a copy of the error wrapping cause.
func (e *StorageError) WithCause(cause error) *StorageError {
	cp := *e
	cp.Err = cause
	return &cp
}

// WithMessage returns a copy of the error with a more specific message.
func (e *StorageError) WithMessage(format string, args ...any) *StorageError {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// Pre-defined error kinds.
var (
	// ErrConfiguration is returned when a connection descriptor cannot be
	// resolved to exactly one storage target.
	ErrConfiguration = &StorageError{
		Code:       "ConfigurationError",
		Message:    "The storage configuration is invalid",
		HTTPStatus: http.StatusInternalServerError,
	}

	// ErrNotFound is returned when the object or folder does not exist.
	ErrNotFound = &StorageError{
		Code:       "NotFound",
		Message:    "The specified path does not exist",
		HTTPStatus: http.StatusNotFound,
	}

	// ErrInvalidPath is returned for traversal segments or otherwise unusable paths.
	ErrInvalidPath = &StorageError{
		Code:       "InvalidPath",
		Message:    "The specified path is not valid",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrUnsupportedOperation is returned when the backend kind lacks the capability.
	ErrUnsupportedOperation = &StorageError{
		Code:       "UnsupportedOperation",
		Message:    "The operation is not supported by this storage backend",
		HTTPStatus: http.StatusNotImplemented,
	}

	// ErrInsufficientCredential is returned when the configured credential
	// cannot authorize the operation.
	ErrInsufficientCredential = &StorageError{
		Code:       "InsufficientCredential",
		Message:    "The configured credential cannot perform this operation",
		HTTPStatus: http.StatusForbidden,
	}

	// ErrBackendTransient is returned for throttling, timeouts and 5xx responses.
	ErrBackendTransient = &StorageError{
		Code:       "BackendTransient",
		Message:    "The storage backend is temporarily unavailable. Please retry.",
		HTTPStatus: http.StatusServiceUnavailable,
		Retryable:  true,
	}

	// ErrInvalidChunk is returned when an upload chunk descriptor is malformed
	// or disagrees with its session.
	ErrInvalidChunk = &StorageError{
		Code:       "InvalidChunk",
		Message:    "The upload chunk is not valid",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrUploadNotFound is returned when no live session has the upload id.
	ErrUploadNotFound = &StorageError{
		Code:       "UploadNotFound",
		Message:    "The specified upload does not exist",
		HTTPStatus: http.StatusNotFound,
	}

	// ErrUploadInProgress is returned when a chunk or cancel arrives while the
	// session is being committed.
	ErrUploadInProgress = &StorageError{
		Code:       "UploadInProgress",
		Message:    "The upload is being committed",
		HTTPStatus: http.StatusConflict,
		Retryable:  true,
	}

	// ErrPartialBulk is the kind matched by every PartialBulkFailure.
	ErrPartialBulk = &StorageError{
		Code:       "PartialBulkFailure",
		Message:    "The bulk operation did not complete for every object",
		HTTPStatus: http.StatusMultiStatus,
	}
)

// PartialBulkFailure reports a folder copy, move, or delete that stopped or
// failed part way. Bulk operations are not atomic: Succeeded paths stay
// processed, Pending paths were never attempted.
type PartialBulkFailure struct {
	Operation string
	Succeeded []string
	Failed    map[string]error
	Pending   []string
	// Cause is set when the operation stopped early, e.g. context.Canceled.
	Cause error
}

// Error implements the error interface.
func (e *PartialBulkFailure) Error() string {
	msg := fmt.Sprintf("%s: partial bulk failure: %d succeeded, %d failed, %d pending",
		e.Operation, len(e.Succeeded), len(e.Failed), len(e.Pending))
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes the stop cause so callers can test for context.Canceled.
func (e *PartialBulkFailure) Unwrap() error { return e.Cause }

// Is reports a match against ErrPartialBulk.
func (e *PartialBulkFailure) Is(target error) bool {
	t, ok := target.(*StorageError)
	return ok && t.Code == ErrPartialBulk.Code
}

// FailedPaths returns the failed paths in sorted order.
func (e *PartialBulkFailure) FailedPaths() []string {
	out := make([]string, 0, len(e.Failed))
	for p := range e.Failed {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// IsRetryable reports whether repeating the call that returned err may succeed.
func IsRetryable(err error) bool {
	var se *StorageError
	if stderrors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// HTTPStatus returns the status code associated with err, or 500 when the
// error is not a classified storage error.
func HTTPStatus(err error) int {
	var pb *PartialBulkFailure
	if stderrors.As(err, &pb) {
		return ErrPartialBulk.HTTPStatus
	}
	var se *StorageError
	if stderrors.As(err, &se) && se.HTTPStatus != 0 {
		return se.HTTPStatus
	}
	return http.StatusInternalServerError
}

// Code returns the error code of err, or "InternalError".
func Code(err error) string {
	var pb *PartialBulkFailure
	if stderrors.As(err, &pb) {
		return ErrPartialBulk.Code
	}
	var se *StorageError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return "InternalError"
}
