package ledger

import (
	"context"
	"errors"
	"strings"
)

// =============================================================================
// ACCOUNT LIFECYCLE
// =============================================================================

// Initialize creates an account with zero balance and debt. The id is
// normalized first. An existing account is never touched: the call fails
// with ConflictError.
func (c *Coordinator) Initialize(ctx context.Context, id AccountID, p Profile) (Account, error) {
	id, err := NormalizeAccountID(string(id))
	if err != nil {
		return Account{}, err
	}
	now := c.now()
	acct := Account{
		ID:           id,
		Email:        normalizeEmail(p.Email),
		CustomerCode: strings.TrimSpace(p.CustomerCode),
		Label:        strings.TrimSpace(p.Label),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := c.store.CreateAccount(ctx, acct); err != nil {
		if errors.Is(err, ErrAccountExists) {
			return Account{}, &ConflictError{AccountID: id, Message: "already initialized"}
		}
		return Account{}, &StorageError{Op: "create account", Err: err}
	}
	c.logger.Info("account initialized", "account_id", id)
	return acct, nil
}

// UpdateProfile changes descriptive metadata under the account lock.
// No ledger entry is written; the account version still advances.
func (c *Coordinator) UpdateProfile(ctx context.Context, id AccountID, u ProfileUpdate) (Account, error) {
	id, err := NormalizeAccountID(string(id))
	if err != nil {
		return Account{}, err
	}
	unlock, err := c.lock(ctx, id)
	if err != nil {
		return Account{}, err
	}
	defer unlock()

	var updated Account
	err = c.store.WithTx(ctx, func(tx Store) error {
		acct, err := tx.GetAccount(ctx, id)
		if err != nil {
			return err
		}
		if u.Email != nil {
			acct.Email = normalizeEmail(*u.Email)
		}
		if u.CustomerCode != nil {
			acct.CustomerCode = strings.TrimSpace(*u.CustomerCode)
		}
		if u.Label != nil {
			acct.Label = strings.TrimSpace(*u.Label)
		}
		prev := acct.Version
		acct.Version++
		acct.UpdatedAt = c.now()
		if err := tx.UpdateAccount(ctx, acct, prev); err != nil {
			return err
		}
		updated = acct
		return nil
	})
	if err != nil {
		return Account{}, c.translate("update profile", id, err)
	}
	return updated, nil
}

// Reject records a terminal rejection for a reference that can never be
// applied. It returns false if the reference already had an outcome.
func (c *Coordinator) Reject(ctx context.Context, reference, reason string) (bool, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return false, &ValidationError{Field: "reference", Reason: "is required"}
	}
	owner := c.newID()
	now := c.now()
	ok, err := c.store.Reserve(ctx, reference, Reservation{Owner: owner, Until: now.Add(c.reservationTTL)}, now)
	if err != nil {
		return false, &StorageError{Op: "reserve reference", Err: err}
	}
	if !ok {
		return false, nil
	}
	if err := c.store.Finalize(ctx, reference, owner, Outcome{State: StateRejected, Reason: reason}, now); err != nil {
		_ = c.store.Release(context.WithoutCancel(ctx), reference, owner)
		return false, &StorageError{Op: "finalize rejection", Err: err}
	}
	mutationsTotal.WithLabelValues(string(EntryTopup), "rejected").Inc()
	return true, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
