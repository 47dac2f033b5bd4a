package clinical

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by ResolveReference when no record carries the key.
var ErrNotFound = errors.New("clinical: record not found")

type PersistenceErrorKind string

const (
	ErrKindUnavailable         PersistenceErrorKind = "UNAVAILABLE"
	ErrKindConstraintViolation PersistenceErrorKind = "CONSTRAINT_VIOLATION"
)

// PersistenceError reports a failed store operation.
type PersistenceError struct {
	Kind PersistenceErrorKind
	Op   string
	Key  NaturalKey
	Err  error
}

func (e *PersistenceError) Error() string {
	if e.Key.IsZero() {
		return fmt.Sprintf("clinical: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("clinical: %s %s: %s: %v", e.Op, e.Key, e.Kind, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsUnavailable reports whether err is a store outage rather than a data problem.
func IsUnavailable(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe) && pe.Kind == ErrKindUnavailable
}
