package domain

import "errors"

// ErrNotFound indicates that a referenced entity does not exist in storage.
var ErrNotFound = errors.New("not found")

// ErrStorageUnavailable indicates that the persistence layer could not be
// reached or returned a transport-level failure.
var ErrStorageUnavailable = errors.New("storage unavailable")

// ValidationError reports a malformed mutation payload. It is delivered to
// the originating session only and never broadcast.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// NewValidationError creates a ValidationError with the given reason.
func NewValidationError(reason string) *ValidationError {
	return &ValidationError{Reason: reason}
}
