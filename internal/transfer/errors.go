package transfer

import (
	"errors"
	"fmt"
)

// ErrCanceled marks a session stopped on request. It is not an engine failure.
var ErrCanceled = errors.New("canceled")

// TransportError represents network and HTTP failures during the probe, the request
// or while streaming the body.
type TransportError struct {
	Operation  string // The stage that failed (e.g., "probe", "request", "stream")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Err        error  // Underlying error, if any
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transport error during %s: HTTP %d", e.Operation, e.StatusCode)
	}

	if e.Err != nil {
		return fmt.Sprintf("transport error during %s: %v", e.Operation, e.Err)
	}

	return fmt.Sprintf("transport error during %s", e.Operation)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RangeUnsatisfiableError is returned when the server rejects the resume offset (HTTP 416).
type RangeUnsatisfiableError struct {
	Offset int64
}

func (e *RangeUnsatisfiableError) Error() string {
	return fmt.Sprintf("range not satisfiable at offset %d", e.Offset)
}

// ChecksumMismatchError is returned when the downloaded file does not match the expected digest.
type ChecksumMismatchError struct {
	Expected string
	Actual   string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// ConflictError is returned by Start when another registered session writes to the same path.
type ConflictError struct {
	Destination string
	Holder      SessionID
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("destination %s is in use by session %s", e.Destination, e.Holder)
}

// NotFoundError is returned for control calls on unknown or terminated sessions.
type NotFoundError struct {
	ID SessionID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session %s not found", e.ID)
}

// InvalidTargetError is returned when a start request cannot describe a download.
type InvalidTargetError struct {
	Field  string
	Reason string
}

func (e *InvalidTargetError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
