package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed or missing input. Never retried.
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks a referenced contact, thread or message that does not exist.
	ErrNotFound = errors.New("not found")

	ErrMissingFields   = fmt.Errorf("%w: missing required fields", ErrValidation)
	ErrMissingFrom     = fmt.Errorf("%w: missing sender address", ErrValidation)
	ErrInvalidAddress  = fmt.Errorf("%w: invalid address", ErrValidation)
	ErrUnknownTaskKind = fmt.Errorf("%w: unknown task kind", ErrValidation)
)

// Validation builds an ErrValidation with a formatted reason.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFound builds an ErrNotFound naming the missing entity.
func NotFound(entity, id string) error {
	return fmt.Errorf("%s %q: %w", entity, id, ErrNotFound)
}
