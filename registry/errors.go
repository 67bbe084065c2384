package registry

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ValidationError reports a missing or empty required field. It is
// detected locally before any write and is not retryable.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Reason)
}

// DuplicateSerialError reports a serial number that is already taken by
// another entity of the same kind. It is raised both by the
// application-level pre-check and by the storage unique constraint, so
// the race between check and write always surfaces identically.
type DuplicateSerialError struct {
	Kind         Kind
	SerialNumber string
}

func (e *DuplicateSerialError) Error() string {
	return fmt.Sprintf("%s with serial number %s already registered", e.Kind, e.SerialNumber)
}

// NotFoundError reports a referenced id that does not exist.
type NotFoundError struct {
	Kind Kind
	ID   uuid.UUID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// IsValidation returns true if err is a ValidationError
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsDuplicateSerial returns true if err is a DuplicateSerialError
func IsDuplicateSerial(err error) bool {
	var d *DuplicateSerialError
	return errors.As(err, &d)
}

// IsNotFound returns true if err is a NotFoundError
func IsNotFound(err error) bool {
	var n *NotFoundError
	return errors.As(err, &n)
}
