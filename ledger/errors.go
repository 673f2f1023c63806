/*
errors.go - Centralized error types for the reconciliation ledger

PURPOSE:
  All error kinds in one place. The Coordinator translates storage and
  locking faults into these types so callers never see driver errors.

ERROR KINDS:
  ErrValidation         malformed input, never mutates
  ErrNotFound           unknown account, never mutates
  ErrConflict           duplicate initialization or reused reference, never mutates
  ErrConcurrencyTimeout per-account lock not acquired in time, retryable
  ErrStorage            durable write failed, nothing partial visible, retryable

STORE SENTINELS:
  Store implementations return ErrAccountExists, ErrAccountNotFound,
  ErrVersionMismatch, ErrEntryNotFound and ErrDuplicateSequence. Only the
  Coordinator and query helpers see these.

SEE ALSO:
  - coordinator.go: translation of store errors
  - api/handlers.go: HTTP status mapping
*/
package ledger

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// ERROR KINDS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation         = errors.New("validation failed")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrConcurrencyTimeout = errors.New("account busy")
	ErrStorage            = errors.New("storage failure")
)

// =============================================================================
// STORE SENTINELS
// =============================================================================

var (
	// ErrAccountExists is returned by CreateAccount for a known id.
	ErrAccountExists = errors.New("account already exists")

	// ErrAccountNotFound is returned when no account has the given id.
	ErrAccountNotFound = errors.New("account not found")

	// ErrVersionMismatch is returned by UpdateAccount when the stored
	// version is not the expected one.
	ErrVersionMismatch = errors.New("account version mismatch")

	// ErrEntryNotFound is returned when no entry has the given id.
	ErrEntryNotFound = errors.New("ledger entry not found")

	// ErrDuplicateSequence is returned when an entry reuses an account sequence.
	ErrDuplicateSequence = errors.New("duplicate ledger sequence")

	// ErrReferenceNotReserved is returned by Finalize when the caller does
	// not hold the reservation.
	ErrReferenceNotReserved = errors.New("reference not reserved")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ValidationError describes one rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError names the missing account.
type NotFoundError struct {
	AccountID AccountID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("account %q not found", e.AccountID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ConflictError is returned for duplicate initialization and for a
// reference already finalized against another account.
type ConflictError struct {
	AccountID AccountID
	Reference string
	Message   string
}

func (e *ConflictError) Error() string {
	if e.Reference != "" {
		return fmt.Sprintf("reference %q: %s", e.Reference, e.Message)
	}
	return fmt.Sprintf("account %q: %s", e.AccountID, e.Message)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// RejectedError is returned when a reference carries a terminal rejection.
type RejectedError struct {
	Reference string
	Reason    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("reference %q was rejected: %s", e.Reference, e.Reason)
}

func (e *RejectedError) Unwrap() error { return ErrConflict }

// ConcurrencyTimeoutError is returned when the account lock could not be
// acquired within the configured wait.
type ConcurrencyTimeoutError struct {
	AccountID AccountID
	Waited    time.Duration
}

func (e *ConcurrencyTimeoutError) Error() string {
	return fmt.Sprintf("account %q busy: lock not acquired within %s", e.AccountID, e.Waited)
}

func (e *ConcurrencyTimeoutError) Unwrap() error { return ErrConcurrencyTimeout }

// StorageError wraps a persistence failure. No partial state is visible
// after one is returned.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

// Unwrap exposes both the kind and the underlying cause.
func (e *StorageError) Unwrap() []error { return []error{ErrStorage, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the same call may succeed later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyTimeout) || errors.Is(err, ErrStorage)
}

// IsClientError returns true if the error is due to the caller's input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrConflict)
}

// IsNotFound returns true if the error indicates a missing account or entry.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrEntryNotFound)
}
