// Package enrollment orchestrates membership and run creation for event and
// forced enrollment paths.
package enrollment

import (
	"errors"
	"fmt"
)

// Validation errors rejected synchronously at the coordinator boundary.
var (
	// ErrContactRequired indicates the request carried no contact ID.
	ErrContactRequired = errors.New("contact ID is required")

	// ErrFlowOrEventRequired indicates neither a flow ID nor an event was
	// supplied.
	ErrFlowOrEventRequired = errors.New("either a flow ID or an event is required")

	// ErrEventEmpty indicates event mode was requested with an empty event.
	ErrEventEmpty = errors.New("event has no type")
)

// CoordinatorError wraps enrollment errors with operation context.
type CoordinatorError struct {
	Op        string
	ContactID string
	Err       error
}

func (e *CoordinatorError) Error() string {
	return fmt.Sprintf("%s failed for contact %s: %v", e.Op, e.ContactID, e.Err)
}

func (e *CoordinatorError) Unwrap() error {
	return e.Err
}

func (e *CoordinatorError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsValidationError checks if an error is a client error that should map to
// HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrContactRequired) ||
		errors.Is(err, ErrFlowOrEventRequired) ||
		errors.Is(err, ErrEventEmpty)
}
