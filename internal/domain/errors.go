package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrSubjectNotFound is returned when a user or registration record does not exist
	ErrSubjectNotFound = errors.New("subject not found")

	// ErrAlreadyProcessed is returned when a registration is no longer PENDING
	ErrAlreadyProcessed = errors.New("registration already processed")

	// ErrNoAccounts is returned when the core-banking source holds no accounts for a customer
	ErrNoAccounts = errors.New("no accounts found for customer")
)

// UpstreamError wraps a failed call to the core-banking source
type UpstreamError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("core banking %s failed with status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("core banking %s failed: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// NewUpstreamError creates a new upstream error
func NewUpstreamError(op string, statusCode int, err error) error {
	return &UpstreamError{Op: op, StatusCode: statusCode, Err: err}
}
