// Package apperr holds the error classes shared across repbot. Specific
// errors wrap one of these with %w so callers can branch with errors.Is.
package apperr

import "errors"

var (
	// ErrValidation marks a rejected request. No state was changed.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks a record that no longer exists, usually because it
	// was already resolved elsewhere.
	ErrNotFound = errors.New("not found")
	// ErrPersistence marks a store failure.
	ErrPersistence = errors.New("persistence failure")
)

func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
