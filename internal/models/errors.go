package models

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is the parent of every input rejection.
	ErrValidation = errors.New("validation error")

	ErrDuplicateUser         = fmt.Errorf("%w: duplicate user", ErrValidation)
	ErrDuplicateDocumentHash = fmt.Errorf("%w: duplicate document hash", ErrValidation)
	ErrDuplicateConversation = fmt.Errorf("%w: duplicate conversation", ErrValidation)

	ErrNotFound           = errors.New("not found")
	ErrIdentityExhausted  = errors.New("identity retries exhausted")
	ErrExternalService    = errors.New("external service error")
	ErrTimeout            = errors.New("timeout")
	ErrIntegrityViolation = errors.New("integrity violation")
)

// ValidationError reports a malformed input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s %s", e.Field, e.Message)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}
