package ledger

import (
	"context"
	"errors"
)

// =============================================================================
// QUERIES - unsynchronized reads
// =============================================================================

func (c *Coordinator) GetAccount(ctx context.Context, id AccountID) (Account, error) {
	acct, err := c.store.GetAccount(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return Account{}, &NotFoundError{AccountID: id}
		}
		return Account{}, &StorageError{Op: "get account", Err: err}
	}
	return acct, nil
}

func (c *Coordinator) FindAccountByEmail(ctx context.Context, email string) (Account, error) {
	acct, err := c.store.FindAccountByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return Account{}, &NotFoundError{AccountID: AccountID(email)}
		}
		return Account{}, &StorageError{Op: "find account", Err: err}
	}
	return acct, nil
}

func (c *Coordinator) ListAccounts(ctx context.Context) ([]Account, error) {
	accts, err := c.store.ListAccounts(ctx)
	if err != nil {
		return nil, &StorageError{Op: "list accounts", Err: err}
	}
	return accts, nil
}

// History returns the newest limit entries, newest first.
func (c *Coordinator) History(ctx context.Context, id AccountID, limit int) ([]LedgerEntry, error) {
	if _, err := c.GetAccount(ctx, id); err != nil {
		return nil, err
	}
	entries, err := c.store.Entries(ctx, id, limit)
	if err != nil {
		return nil, &StorageError{Op: "load entries", Err: err}
	}
	return entries, nil
}

func (c *Coordinator) Entry(ctx context.Context, id EntryID) (LedgerEntry, error) {
	e, err := c.store.GetEntry(ctx, id)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return LedgerEntry{}, err
		}
		return LedgerEntry{}, &StorageError{Op: "get entry", Err: err}
	}
	return e, nil
}

// Outcome returns the idempotency record for reference, or nil.
func (c *Coordinator) Outcome(ctx context.Context, reference string) (*IdempotencyRecord, error) {
	rec, err := c.store.Lookup(ctx, reference)
	if err != nil {
		return nil, &StorageError{Op: "lookup reference", Err: err}
	}
	return rec, nil
}

// SweepReservations removes expired reservations and returns how many went.
func (c *Coordinator) SweepReservations(ctx context.Context) (int, error) {
	n, err := c.store.PurgeExpired(ctx, c.now())
	if err != nil {
		return 0, &StorageError{Op: "purge reservations", Err: err}
	}
	reservationsPurged.Add(float64(n))
	return n, nil
}
