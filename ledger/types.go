/*
Package ledger provides the reconciliation core for prepaid toll accounts.

PURPOSE:
  Turns a raw "payment of amount X succeeded" event into a consistent,
  idempotent, audit-logged state transition of one account's balance and
  debt. Everything else (HTTP, webhooks, alerts) lives outside this package
  and talks to it through the Coordinator.

KEY CONCEPTS IN THIS FILE (types.go):
  - AccountID: normalized tag identifier (lowercase token)
  - Account: balance + debt + descriptive metadata, versioned
  - LedgerEntry: immutable record of one settlement or adjustment
  - IdempotencyRecord: outcome of the reconciliation for one reference

INVARIANTS:
  1. Balance >= 0 and Debt >= 0 at every observable point
  2. Entries are append-only, ordered per account by Sequence
  3. Amount = DebtCleared + (BalanceAfter - BalanceBefore) for every entry
  4. At most one successful reconciliation per reference, ever

SEE ALSO:
  - money.go: Money (minor units) and decimal conversion
  - reconcile.go: Pure debt-first settlement engine
  - store.go: Persistence interfaces
  - coordinator.go: Per-account serialization and three-way commit
*/
package ledger

import (
	"regexp"
	"strings"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// AccountID identifies one prepaid account. For toll accounts it is the
// lowercase hex string printed on the RFID tag.
type AccountID string

// EntryID identifies one ledger entry.
type EntryID string

var accountIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// NormalizeAccountID trims and lowercases raw and checks it is a valid token.
func NormalizeAccountID(raw string) (AccountID, error) {
	id := strings.ToLower(strings.TrimSpace(raw))
	if id == "" {
		return "", &ValidationError{Field: "account_id", Reason: "is required"}
	}
	if !accountIDPattern.MatchString(id) {
		return "", &ValidationError{Field: "account_id", Reason: "must be a lowercase token of letters, digits, '-' or '_'"}
	}
	return AccountID(id), nil
}

// =============================================================================
// ACCOUNT
// =============================================================================

// Profile is the descriptive metadata supplied at initialization.
type Profile struct {
	Email        string
	CustomerCode string
	Label        string
}

// ProfileUpdate changes selected profile fields. Nil fields are left alone.
type ProfileUpdate struct {
	Email        *string
	CustomerCode *string
	Label        *string
}

// Account is the current state of one prepaid account.
type Account struct {
	ID           AccountID
	Balance      Money
	Debt         Money
	Email        string
	CustomerCode string
	Label        string

	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastTopupAt     *time.Time
	LastTopupAmount Money

	// Version is bumped on every committed mutation. It doubles as the
	// sequence number of the entry produced by that mutation.
	Version int64
}

// Position returns the balance/debt pair the engine works on.
func (a Account) Position() Position {
	return Position{Balance: a.Balance, Debt: a.Debt}
}

// =============================================================================
// LEDGER ENTRY
// =============================================================================

type EntryType string

const (
	EntryTopup            EntryType = "topup"             // Payment settled debt-first
	EntryManualAdjustment EntryType = "manual_adjustment" // Operator override
	EntryTollCharge       EntryType = "toll_charge"       // Gate deduction
)

type EntryStatus string

const (
	StatusApplied EntryStatus = "applied"
)

// LedgerEntry is one immutable row of an account's history.
type LedgerEntry struct {
	ID            EntryID
	AccountID     AccountID
	Sequence      int64
	Reference     string
	Type          EntryType
	Amount        Money
	BalanceBefore Money
	BalanceAfter  Money
	DebtBefore    Money
	DebtAfter     Money
	DebtCleared   Money
	Status        EntryStatus
	Source        string
	Note          string
	OccurredAt    time.Time
	RecordedAt    time.Time
}

// Balanced reports whether the entry conserves money: the amount equals the
// debt cleared plus the balance added.
func (e LedgerEntry) Balanced() bool {
	return e.DebtCleared == e.DebtBefore-e.DebtAfter &&
		e.Amount == e.DebtCleared+(e.BalanceAfter-e.BalanceBefore)
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

type RecordState string

const (
	StateReserved  RecordState = "reserved"
	StateCompleted RecordState = "completed"
	StateRejected  RecordState = "rejected"
)

// IdempotencyRecord tracks what happened to one external reference.
type IdempotencyRecord struct {
	Reference     string
	State         RecordState
	AccountID     AccountID
	EntryID       EntryID
	Reason        string
	Owner         string
	ReservedUntil time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Final reports whether the record carries a terminal outcome.
func (r IdempotencyRecord) Final() bool {
	return r.State == StateCompleted || r.State == StateRejected
}

// Expired reports whether a reservation has passed its deadline.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return r.State == StateReserved && !now.Before(r.ReservedUntil)
}

// Reservation is the claim placed on a reference while it is processed.
type Reservation struct {
	AccountID AccountID
	Owner     string
	Until     time.Time
}

// Outcome is the terminal result recorded by Finalize.
type Outcome struct {
	State     RecordState
	AccountID AccountID
	EntryID   EntryID
	Reason    string
}

// =============================================================================
// REQUESTS
// =============================================================================

// SettleRequest is an authenticated "payment settled" event.
type SettleRequest struct {
	AccountID  AccountID
	Amount     Money
	Reference  string
	OccurredAt time.Time
	Source     string
}

// ChargeRequest is a toll deduction reported by a gate.
type ChargeRequest struct {
	AccountID  AccountID
	Amount     Money
	Reference  string
	OccurredAt time.Time
	Source     string
}

// AdjustRequest is an operator override of balance and debt.
type AdjustRequest struct {
	AccountID AccountID
	Balance   Money
	Debt      Money
	Reference string // optional; generated when empty
	Reason    string
	Actor     string
}
