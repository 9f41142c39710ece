package model

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection is returned when the source or index backend cannot be reached
	ErrConnection = errors.New("connection fault")

	// ErrSchema is returned when the index schema cannot be provisioned
	ErrSchema = errors.New("schema fault")

	// ErrSubscriptionBroken ends a change subscription that terminated unexpectedly
	ErrSubscriptionBroken = errors.New("subscription broken")

	// ErrSnapshot marks a failure of the document listing itself, as opposed
	// to a failure to decode one listed document
	ErrSnapshot = errors.New("snapshot read failed")

	// ErrMalformedEvent marks an event with an unknown operation or missing fields
	ErrMalformedEvent = errors.New("malformed event")

	// ErrNotFound is returned when an identifier is absent from the index
	ErrNotFound = errors.New("not found")
)

// DocumentError is a failure to project or write a single document
type DocumentError struct {
	ID  string
	Op  OperationType
	Err error
}

// Error implements the error interface
func (e *DocumentError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("document %s: %v", e.ID, e.Err)
	}
	return fmt.Sprintf("document %s (%s): %v", e.ID, e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *DocumentError) Unwrap() error {
	return e.Err
}

// IsNotFound returns true if the error marks an absent identifier
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
