/*
coordinator.go - Per-account serialization and three-way commit

PURPOSE:
  The Coordinator is the only writer of accounts, ledger entries and
  idempotency records. Every mutation goes through the same pipeline:

  1. Validate input (ValidationError, nothing touched)
  2. Replay check: a finalized reference returns the recorded entry
  3. Acquire the account lock (bounded wait, ConcurrencyTimeoutError)
  4. Replay check again under the lock
  5. Reserve the reference (expiring claim, survives a crash)
  6. In one store transaction: load account, run the engine, CAS-update
     the account, append the entry, finalize the reference
  7. Release the lock, hand a Notification to the Notifier

FAILURE:
  If step 6 fails nothing it wrote is visible and the reservation is
  released so a retry can proceed at once. If the process dies between 5
  and 6 the reservation expires after ReservationTTL.

CONCURRENCY:
  The Locker is the single concurrency primitive. The version CAS in
  UpdateAccount only catches writers that bypass the lock (another
  process without a shared Locker) and surfaces as a retryable
  StorageError.

SEE ALSO:
  - accounts.go: Initialize, UpdateProfile, Reject
  - queries.go: reads
  - reconcile.go: engine
  - lock.go: KeyedMutex
  - redislock/: distributed Locker
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultLockTimeout    = 5 * time.Second
	DefaultReservationTTL = 2 * time.Minute

	maxReferenceLength = 200
)

// Coordinator serializes mutations per account and commits them atomically.
type Coordinator struct {
	store          TxStore
	locker         Locker
	notifier       Notifier
	logger         *slog.Logger
	lockTimeout    time.Duration
	reservationTTL time.Duration
	now            func() time.Time
	newID          func() string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLocker(l Locker) Option { return func(c *Coordinator) { c.locker = l } }

func WithNotifier(n Notifier) Option { return func(c *Coordinator) { c.notifier = n } }

func WithLogger(l *slog.Logger) Option { return func(c *Coordinator) { c.logger = l } }

func WithLockTimeout(d time.Duration) Option { return func(c *Coordinator) { c.lockTimeout = d } }

func WithReservationTTL(d time.Duration) Option {
	return func(c *Coordinator) { c.reservationTTL = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// WithIDGenerator replaces uuid generation for entry ids and reservation owners.
func WithIDGenerator(gen func() string) Option { return func(c *Coordinator) { c.newID = gen } }

// NewCoordinator creates a Coordinator over store. Without options it uses
// an in-process KeyedMutex and discards notifications.
func NewCoordinator(store TxStore, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:          store,
		locker:         NewKeyedMutex(),
		notifier:       nopNotifier{},
		logger:         slog.Default(),
		lockTimeout:    DefaultLockTimeout,
		reservationTTL: DefaultReservationTTL,
		now:            func() time.Time { return time.Now().UTC() },
		newID:          func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.notifier == nil {
		c.notifier = nopNotifier{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// =============================================================================
// MUTATIONS
// =============================================================================

// mutation describes one pass through the commit pipeline.
type mutation struct {
	accountID  AccountID
	reference  string
	entryType  EntryType
	amount     Money
	source     string
	note       string
	occurredAt time.Time
	apply      func(Position) (Settlement, error)
}

// Settle applies a settled payment debt-first. Replaying a reference that
// was already applied to the same account returns the original entry.
func (c *Coordinator) Settle(ctx context.Context, req SettleRequest) (LedgerEntry, error) {
	id, ref, err := validateEvent(req.AccountID, req.Amount, req.Reference)
	if err != nil {
		mutationsTotal.WithLabelValues(string(EntryTopup), "invalid").Inc()
		return LedgerEntry{}, err
	}
	return c.run(ctx, mutation{
		accountID:  id,
		reference:  ref,
		entryType:  EntryTopup,
		amount:     req.Amount,
		source:     req.Source,
		occurredAt: req.OccurredAt,
		apply: func(p Position) (Settlement, error) {
			return Reconcile(p, req.Amount)
		},
	})
}

// Charge deducts a toll, accruing debt for any shortfall.
func (c *Coordinator) Charge(ctx context.Context, req ChargeRequest) (LedgerEntry, error) {
	id, ref, err := validateEvent(req.AccountID, req.Amount, req.Reference)
	if err != nil {
		mutationsTotal.WithLabelValues(string(EntryTollCharge), "invalid").Inc()
		return LedgerEntry{}, err
	}
	return c.run(ctx, mutation{
		accountID:  id,
		reference:  ref,
		entryType:  EntryTollCharge,
		amount:     -req.Amount,
		source:     req.Source,
		occurredAt: req.OccurredAt,
		apply: func(p Position) (Settlement, error) {
			return Charge(p, req.Amount)
		},
	})
}

// Adjust overrides balance and debt. It bypasses debt-first allocation but
// still takes the account lock and records a manual_adjustment entry.
func (c *Coordinator) Adjust(ctx context.Context, req AdjustRequest) (LedgerEntry, error) {
	target := Position{Balance: req.Balance, Debt: req.Debt}
	if err := target.validate(); err != nil {
		mutationsTotal.WithLabelValues(string(EntryManualAdjustment), "invalid").Inc()
		return LedgerEntry{}, err
	}
	id, err := NormalizeAccountID(string(req.AccountID))
	if err != nil {
		return LedgerEntry{}, err
	}
	ref := strings.TrimSpace(req.Reference)
	if ref == "" {
		ref = "adj-" + c.newID()
	}
	if len(ref) > maxReferenceLength {
		return LedgerEntry{}, &ValidationError{Field: "reference", Reason: "is too long"}
	}
	source := "operator"
	if req.Actor != "" {
		source = "operator:" + req.Actor
	}
	return c.run(ctx, mutation{
		accountID:  id,
		reference:  ref,
		entryType:  EntryManualAdjustment,
		source:     source,
		note:       req.Reason,
		occurredAt: c.now(),
		apply: func(p Position) (Settlement, error) {
			return Override(p, target)
		},
	})
}

func (c *Coordinator) run(ctx context.Context, m mutation) (entry LedgerEntry, err error) {
	replayed := false
	defer func() {
		mutationsTotal.WithLabelValues(string(m.entryType), outcomeLabel(err, replayed)).Inc()
	}()

	if e, ok, err := c.replay(ctx, m); err != nil || ok {
		replayed = ok
		return e, err
	}

	unlock, err := c.lock(ctx, m.accountID)
	if err != nil {
		return LedgerEntry{}, err
	}
	defer unlock()

	if e, ok, err := c.replay(ctx, m); err != nil || ok {
		replayed = ok
		return e, err
	}

	owner := c.newID()
	now := c.now()
	reserved, err := c.store.Reserve(ctx, m.reference, Reservation{
		AccountID: m.accountID,
		Owner:     owner,
		Until:     now.Add(c.reservationTTL),
	}, now)
	if err != nil {
		return LedgerEntry{}, &StorageError{Op: "reserve reference", Err: err}
	}
	if !reserved {
		// Finalized between the replay check and the reservation, or held
		// by an in-flight call for another account.
		if e, ok, err := c.replay(ctx, m); err != nil || ok {
			replayed = ok
			return e, err
		}
		return LedgerEntry{}, &ConcurrencyTimeoutError{AccountID: m.accountID}
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if relErr := c.store.Release(context.WithoutCancel(ctx), m.reference, owner); relErr != nil {
			c.logger.Warn("release reservation failed; it will expire",
				"reference", m.reference, "account_id", m.accountID, "error", relErr)
		}
	}()

	err = c.store.WithTx(ctx, func(tx Store) error {
		acct, err := tx.GetAccount(ctx, m.accountID)
		if err != nil {
			return err
		}
		s, err := m.apply(acct.Position())
		if err != nil {
			return err
		}

		recordedAt := c.now()
		occurredAt := m.occurredAt
		if occurredAt.IsZero() {
			occurredAt = recordedAt
		}
		entry = LedgerEntry{
			ID:            EntryID(c.newID()),
			AccountID:     acct.ID,
			Sequence:      acct.Version + 1,
			Reference:     m.reference,
			Type:          m.entryType,
			Amount:        s.Amount,
			BalanceBefore: s.Before.Balance,
			BalanceAfter:  s.After.Balance,
			DebtBefore:    s.Before.Debt,
			DebtAfter:     s.After.Debt,
			DebtCleared:   s.DebtCleared,
			Status:        StatusApplied,
			Source:        m.source,
			Note:          m.note,
			OccurredAt:    occurredAt.UTC(),
			RecordedAt:    recordedAt,
		}

		next := acct
		next.Balance = s.After.Balance
		next.Debt = s.After.Debt
		next.Version = entry.Sequence
		next.UpdatedAt = recordedAt
		if m.entryType == EntryTopup {
			at := entry.OccurredAt
			next.LastTopupAt = &at
			next.LastTopupAmount = s.Amount
		}

		if err := tx.UpdateAccount(ctx, next, acct.Version); err != nil {
			return err
		}
		if err := tx.AppendEntry(ctx, entry); err != nil {
			return err
		}
		return tx.Finalize(ctx, m.reference, owner, Outcome{
			State:     StateCompleted,
			AccountID: acct.ID,
			EntryID:   entry.ID,
		}, recordedAt)
	})
	if err != nil {
		return LedgerEntry{}, c.translate("commit "+string(m.entryType), m.accountID, err)
	}
	committed = true

	c.logger.Info("ledger entry committed",
		"account_id", entry.AccountID,
		"type", entry.Type,
		"reference", entry.Reference,
		"amount", entry.Amount.String(),
		"debt_cleared", entry.DebtCleared.String(),
		"balance", entry.BalanceAfter.String(),
		"debt", entry.DebtAfter.String(),
		"sequence", entry.Sequence,
	)
	c.notify(ctx, NotificationFor(entry))
	return entry, nil
}

// replay returns the recorded entry when m.reference is already finalized.
func (c *Coordinator) replay(ctx context.Context, m mutation) (LedgerEntry, bool, error) {
	rec, err := c.store.Lookup(ctx, m.reference)
	if err != nil {
		return LedgerEntry{}, false, &StorageError{Op: "lookup reference", Err: err}
	}
	if rec == nil || !rec.Final() {
		return LedgerEntry{}, false, nil
	}
	if rec.State == StateRejected {
		return LedgerEntry{}, false, &RejectedError{Reference: m.reference, Reason: rec.Reason}
	}
	if rec.AccountID != m.accountID {
		return LedgerEntry{}, false, &ConflictError{
			AccountID: m.accountID,
			Reference: m.reference,
			Message:   fmt.Sprintf("already applied to account %q", rec.AccountID),
		}
	}

	entry, err := c.store.GetEntry(ctx, rec.EntryID)
	if err != nil {
		return LedgerEntry{}, false, &StorageError{Op: "load recorded entry", Err: err}
	}
	if entry.Type != m.entryType || (m.entryType != EntryManualAdjustment && entry.Amount != m.amount) {
		c.logger.Warn("replayed reference with different payload",
			"reference", m.reference, "account_id", m.accountID,
			"recorded_amount", entry.Amount.String(), "requested_amount", m.amount.String())
	}
	return entry, true, nil
}

func (c *Coordinator) lock(ctx context.Context, id AccountID) (func(), error) {
	start := time.Now()
	lockCtx, cancel := context.WithTimeout(ctx, c.lockTimeout)
	defer cancel()

	unlock, err := c.locker.Lock(lockCtx, "account:"+string(id))
	waited := time.Since(start)
	lockWait.Observe(waited.Seconds())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, &ConcurrencyTimeoutError{AccountID: id, Waited: waited}
		}
		return nil, &StorageError{Op: "acquire account lock", Err: err}
	}
	return unlock, nil
}

// translate maps store errors to the ledger error kinds.
func (c *Coordinator) translate(op string, id AccountID, err error) error {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return err
	case errors.Is(err, ErrAccountNotFound):
		return &NotFoundError{AccountID: id}
	case errors.Is(err, ErrVersionMismatch), errors.Is(err, ErrDuplicateSequence):
		c.logger.Warn("concurrent write bypassed the account lock", "account_id", id, "error", err)
		return &StorageError{Op: op, Err: err}
	default:
		c.logger.Error("ledger commit failed", "account_id", id, "op", op, "error", err)
		return &StorageError{Op: op, Err: err}
	}
}

func (c *Coordinator) notify(ctx context.Context, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("notifier panicked", "event", n.Event, "account_id", n.AccountID, "panic", r)
		}
	}()
	c.notifier.Notify(context.WithoutCancel(ctx), n)
}

// =============================================================================
// HELPERS
// =============================================================================

// validateEvent returns the normalized account id and trimmed reference.
func validateEvent(raw AccountID, amount Money, reference string) (AccountID, string, error) {
	id, err := NormalizeAccountID(string(raw))
	if err != nil {
		return "", "", err
	}
	if !amount.IsPositive() {
		return "", "", &ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return "", "", &ValidationError{Field: "reference", Reason: "is required"}
	}
	if len(reference) > maxReferenceLength {
		return "", "", &ValidationError{Field: "reference", Reason: "is too long"}
	}
	return id, reference, nil
}

func isRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

func isStorage(err error) bool {
	return errors.Is(err, ErrStorage)
}
