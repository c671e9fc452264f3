package conversation

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation matches any *ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound matches any *NotFoundError.
	ErrNotFound = errors.New("message not found")
	// ErrStore matches any *StoreError.
	ErrStore = errors.New("store failure")
)

// ValidationError reports a required field that is missing or empty.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("invalid %s", e.Field)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrValidation) true.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NotFoundError reports an edit or removal of an unknown message ID.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("message %q not found", e.ID)
}

// Is makes errors.Is(err, ErrNotFound) true.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// StoreError wraps an underlying persistence failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrStore) true.
func (e *StoreError) Is(target error) bool {
	return target == ErrStore
}

func missing(field string) error {
	return &ValidationError{Field: field, Reason: "is required"}
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStore) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrValidation) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
