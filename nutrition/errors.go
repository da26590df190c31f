/*
errors.go - Centralized error types for the nutrition ledger

ERROR CATEGORIES:
  1. Not found      - Removal of an entry that does not exist (non-retryable)
  2. Storage        - Store unavailable or timed out (retryable with backoff)
  3. Partial write  - Entry stored but aggregate not updated (needs reconciliation)
  4. Client input   - Bad dates, ranges, moods, fields

Malformed nutrient values are NOT errors: they are coerced to 0 and
logged (see coerce.go).

USAGE:
  if nutrition.IsNotFound(err) {
      // already gone, treat delete as success
  }
  if nutrition.IsRetryable(err) {
      // retry with backoff
  }
*/
package nutrition

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when removing or reading an entry that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStorageUnavailable is returned for transient store failures and timeouts.
	// Callers may retry.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrPartialWrite marks the acknowledged gap between the entry write and the
	// aggregate increment: one succeeded and the other did not.
	ErrPartialWrite = errors.New("partial write: entry and daily totals may disagree")

	ErrInvalidDate  = errors.New("invalid date")
	ErrInvalidRange = errors.New("invalid date range")
	ErrInvalidField = errors.New("invalid field")
	ErrInvalidMood  = errors.New("invalid mood")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// EntryNotFoundError names the entry that was missing.
type EntryNotFoundError struct {
	Key     DayKey
	EntryID EntryID
}

func (e *EntryNotFoundError) Error() string {
	return fmt.Sprintf("entry %s not found for %s", e.EntryID, e.Key)
}

func (e *EntryNotFoundError) Unwrap() error { return ErrNotFound }

// StorageError wraps a driver or timeout failure from a store call.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStorageUnavailable, e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorageUnavailable, e.Err} }

// NewStorageError wraps err unless it is nil or already classified.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidField) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// PartialWriteError reports which half of a two-step write failed.
type PartialWriteError struct {
	Key     DayKey
	EntryID EntryID
	Op      string // "add" or "remove"
	Err     error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("%s entry %s on %s: %v: %v", e.Op, e.EntryID, e.Key, ErrPartialWrite, e.Err)
}

func (e *PartialWriteError) Unwrap() []error { return []error{ErrPartialWrite, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
// A partial write is never retryable: the entry half already landed and a
// blind retry would record it twice.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrPartialWrite) {
		return false
	}
	return errors.Is(err, ErrStorageUnavailable) || errors.Is(err, context.DeadlineExceeded)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidDate) ||
		errors.Is(err, ErrInvalidRange) ||
		errors.Is(err, ErrInvalidField) ||
		errors.Is(err, ErrInvalidMood)
}
