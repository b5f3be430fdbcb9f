package domain

import (
	"errors"
	"fmt"
)

// ErrConcurrencyConflict indicates that the underlying storage rejected a
// write because another writer claimed the same version first.
var ErrConcurrencyConflict = errors.New("concurrency conflict")

// ErrNotFound is returned by commands that target a missing aggregate.
var ErrNotFound = errors.New("not found")

// ValidationError rejects a command before any event is produced.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Invalid builds a ValidationError.
func Invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// PersistenceError wraps an I/O failure of the event log or projection store.
// Callers must assume the operation did not take effect.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Persistence wraps err as a PersistenceError; nil stays nil.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
