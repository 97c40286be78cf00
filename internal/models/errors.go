package models

import (
	"errors"
	"fmt"
)

// ErrTaskNotFound is returned by status queries for unknown task IDs.
var ErrTaskNotFound = errors.New("task not found")

// ValidationError rejects a malformed submission before anything is enqueued.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid submission: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid submission: %s", e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsValidationError checks whether err is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
