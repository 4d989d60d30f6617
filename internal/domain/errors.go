package domain

import (
	"errors"
	"fmt"
)

// Sentinels are wrapped with %w by every layer; callers match with errors.Is.
var (
	ErrNotFound       = errors.New("not found")
	ErrValidation     = errors.New("validation failed")
	ErrImmutableField = errors.New("immutable field")
	ErrConflict       = errors.New("concurrency conflict")
	ErrNoBaseline     = errors.New("no baseline")
)

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func Required(field string) error {
	return ValidationError{Field: field, Reason: "is required"}
}

// ImmutableFieldError rejects client-supplied values for derive-only fields.
type ImmutableFieldError struct {
	Field string
}

func (e ImmutableFieldError) Error() string {
	return fmt.Sprintf("%s is derived from version history and cannot be set", e.Field)
}

func (e ImmutableFieldError) Is(target error) bool {
	return target == ErrImmutableField
}
