package engine

import (
	"errors"
	"fmt"

	"queueline/internal/domain"
	"queueline/internal/repo"
)

var (
	ErrDuplicateNumber = errors.New("ticket number already exists")
	ErrQueueMoved      = errors.New("ticket moved to another queue concurrently")
)

// StoreError is a failed read or write against the ticket store. The
// operation that returned it committed nothing.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// store wraps err as a StoreError. Not-found and already wrapped errors pass
// through unchanged.
func store(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return err
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

type TransitionError struct {
	From domain.Status
	To   domain.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid ticket status transition %s -> %s", e.From, e.To)
}
