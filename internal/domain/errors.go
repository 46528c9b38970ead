package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for an unknown ReviewID.
	ErrNotFound = errors.New("review not found")

	// ErrRetry reports transient contention on partition structure
	// (split or merge in flight). Callers should retry with backoff.
	ErrRetry = errors.New("partition busy, retry")

	// ErrStorage matches every *StorageError via errors.Is.
	ErrStorage = errors.New("storage error")
)

// StorageError wraps a durable-store failure. It is always retryable.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// NewStorageError wraps err unless it already is a StorageError or a
// NotFound, which pass through unchanged.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrStorage) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// DimensionMismatchError is fatal for the request that carried the vector.
type DimensionMismatchError struct {
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// EmbeddingError carries a failure of the external embed call.
type EmbeddingError struct {
	Err error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding failed: %v", e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// CheckDimension returns a *DimensionMismatchError when len(v) != dim.
func CheckDimension(v Vector, dim int) error {
	if len(v) != dim {
		return &DimensionMismatchError{Expected: dim, Actual: len(v)}
	}
	return nil
}

// IsRetryable reports whether the caller may retry the same request.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRetry) || errors.Is(err, ErrStorage)
}
