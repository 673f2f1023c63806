/*
store.go - Persistence interfaces for accounts, entries and references

PURPOSE:
  Defines the contract between the Coordinator and the database. One
  Store value exposes three views of per-account state:

  AccountStore:     one record per account, updated by version CAS
  EntryLog:         append-only ordered entries per account
  IdempotencyIndex: one record per external reference

APPEND-ONLY CONTRACT:
  EntryLog has no Update or Delete. Corrections are new entries
  (manual_adjustment).

ATOMIC COMMIT:
  TxStore.WithTx runs fn against a transactional view. If fn returns an
  error nothing it wrote is visible; otherwise everything is. The
  Coordinator puts the account update, the entry append and the reference
  finalization inside one WithTx.

IMPLEMENTATIONS:
  - ledger/store/memory.go: in-memory, snapshot rollback
  - store/sqlite/sqlite.go: SQLite via database/sql
  - store/postgres/postgres.go: PostgreSQL via pgx

SEE ALSO:
  - coordinator.go: the only writer
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// ACCOUNT STORE
// =============================================================================

type AccountStore interface {
	// CreateAccount inserts a new account. Returns ErrAccountExists if the id is taken.
	CreateAccount(ctx context.Context, acct Account) error

	// GetAccount returns ErrAccountNotFound for unknown ids.
	GetAccount(ctx context.Context, id AccountID) (Account, error)

	// UpdateAccount replaces the stored account if its version equals
	// expectedVersion. Returns ErrVersionMismatch otherwise.
	UpdateAccount(ctx context.Context, acct Account, expectedVersion int64) error

	// ListAccounts returns all accounts ordered by id.
	ListAccounts(ctx context.Context) ([]Account, error)

	// FindAccountByEmail returns ErrAccountNotFound when no account uses email.
	FindAccountByEmail(ctx context.Context, email string) (Account, error)
}

// =============================================================================
// ENTRY LOG - append-only
// =============================================================================

type EntryLog interface {
	// AppendEntry persists an entry. Returns ErrDuplicateSequence if the
	// account already has an entry with the same sequence.
	AppendEntry(ctx context.Context, entry LedgerEntry) error

	// Entries returns the newest limit entries for an account, ordered by
	// sequence descending. limit <= 0 means all.
	Entries(ctx context.Context, id AccountID, limit int) ([]LedgerEntry, error)

	// GetEntry returns ErrEntryNotFound for unknown ids.
	GetEntry(ctx context.Context, id EntryID) (LedgerEntry, error)
}

// =============================================================================
// IDEMPOTENCY INDEX
// =============================================================================

type IdempotencyIndex interface {
	// Lookup returns nil, nil for unknown references.
	Lookup(ctx context.Context, reference string) (*IdempotencyRecord, error)

	// Reserve claims reference for processing. It returns false when the
	// reference is finalized or reserved by someone else and not yet expired.
	// An expired reservation is taken over.
	Reserve(ctx context.Context, reference string, r Reservation, now time.Time) (bool, error)

	// Finalize records the terminal outcome. The caller must hold the
	// reservation (owner) unless owner is empty.
	Finalize(ctx context.Context, reference, owner string, outcome Outcome, now time.Time) error

	// Release drops an unfinalized reservation held by owner.
	Release(ctx context.Context, reference, owner string) error

	// PurgeExpired removes reservations whose deadline passed before now.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// =============================================================================
// COMBINED STORE
// =============================================================================

type Store interface {
	AccountStore
	EntryLog
	IdempotencyIndex
}

// TxStore adds atomic multi-write support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
