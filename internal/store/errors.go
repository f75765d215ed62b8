package store

import (
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrConflict matches any *ConflictError.
	ErrConflict = eris.New("store: unique constraint conflict")
)

// ConflictError reports a plain insert that hit the (municipality, year)
// uniqueness constraint.
type ConflictError struct {
	EntityID string
	Year     int
	Err      error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("store: financial record for %s/%d already exists", e.EntityID, e.Year)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrConflict) true for every ConflictError.
func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// IsConflict reports whether err is a uniqueness conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

func notFound(what, id string) error {
	return eris.Wrapf(ErrNotFound, "%s %s", what, id)
}
