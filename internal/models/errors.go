package models

import (
	"errors"
	"fmt"
)

// ValidationError reports bad input to group or expense construction.
// Validation failures are synchronous and local: the edit is rejected
// before it enters the ledger and is never queued for sync.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
