package core

import (
	"errors"
)

var (
	// ErrParse is returned for malformed MIME or a missing body part
	ErrParse = errors.New("message parse error")
	// ErrSchemaMismatch is returned when the feature schema and the classifier disagree
	ErrSchemaMismatch = errors.New("feature schema mismatch")
	// ErrClassification is returned when the classifier cannot score a vector
	ErrClassification = errors.New("classification error")
	// ErrRelay is returned when outbound delivery fails
	ErrRelay = errors.New("relay error")
	// ErrStorage is returned when a quarantine or metadata write fails
	ErrStorage = errors.New("storage error")
	// ErrNotFound is returned for an unknown case identifier
	ErrNotFound = errors.New("case not found")
	// ErrAlreadyRunning is returned when a job of the same kind is in progress
	ErrAlreadyRunning = errors.New("job already running")
)

// Stable error codes exposed to administrative callers
const (
	CodeNotFound      = "not_found"
	CodeBadRequest    = "bad_request"
	CodeUnauthorized  = "unauthorized"
	CodeConflict      = "conflict"
	CodeRelayFailed   = "relay_failed"
	CodeStorageFailed = "storage_failed"
	CodeInternal      = "internal"
)

// ErrorCode maps an error to its stable code
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrAlreadyRunning):
		return CodeConflict
	case errors.Is(err, ErrRelay):
		return CodeRelayFailed
	case errors.Is(err, ErrStorage):
		return CodeStorageFailed
	default:
		return CodeInternal
	}
}

// ErrorMessage returns the fixed message for a code
func ErrorMessage(code string) string {
	switch code {
	case CodeNotFound:
		return "case not found"
	case CodeBadRequest:
		return "invalid request"
	case CodeUnauthorized:
		return "authentication required"
	case CodeConflict:
		return "operation already in progress"
	case CodeRelayFailed:
		return "delivery to relay failed"
	case CodeStorageFailed:
		return "storage operation failed"
	default:
		return "internal error"
	}
}
