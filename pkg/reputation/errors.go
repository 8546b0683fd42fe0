package reputation

import (
	"errors"
	"fmt"

	"github.com/elonfeng/sourcerep/internal/store"
)

var (
	// ErrValidation marks malformed input. Nothing was persisted.
	ErrValidation = errors.New("validation failed")
	// ErrRateLimited marks a rating rejected by the daily quota.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrNotFound marks an unknown source, rater or anomaly.
	ErrNotFound = errors.New("not found")
	// ErrStorage marks a persistence failure. No partial write happened;
	// callers may retry.
	ErrStorage = errors.New("storage failure")
)

// RateLimitError reports the quota a rater exhausted.
type RateLimitError struct {
	RaterID string
	Limit   int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rater %s reached the limit of %d new ratings per day", e.RaterID, e.Limit)
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// StorageError wraps a failed store operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// storeErr maps a store error onto the engine taxonomy.
func storeErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	default:
		return &StorageError{Op: op, Err: err}
	}
}
