package refresh

import (
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
)

var (
	// ErrNoData matches any *NoDataError.
	ErrNoData = eris.New("refresh: no data available")
	// ErrStorage matches any *StorageError.
	ErrStorage = eris.New("refresh: storage unavailable")
	// ErrEmptyMetrics is returned by a refresh whose upstream answer held no
	// metric at all. Nothing is persisted in that case.
	ErrEmptyMetrics = eris.New("refresh: upstream returned no metrics")
)

// NoDataError reports a failed refresh for a key with no cached row.
type NoDataError struct {
	EntityID string
	Year     int
	Err      error
}

func (e *NoDataError) Error() string {
	return fmt.Sprintf("refresh: no data available for %s/%d: %v", e.EntityID, e.Year, e.Err)
}

func (e *NoDataError) Unwrap() error { return e.Err }

func (e *NoDataError) Is(target error) bool { return target == ErrNoData }

// StorageError reports a cache store failure. It is never served around.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("refresh: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// IsNoData reports whether err is a no-data failure.
func IsNoData(err error) bool { return errors.Is(err, ErrNoData) }

// IsStorage reports whether err is a cache store failure.
func IsStorage(err error) bool { return errors.Is(err, ErrStorage) }
