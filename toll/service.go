/*
service.go - Toll account service

PURPOSE:
  Wraps the ledger Coordinator with toll-specific rules: which account a
  provider payment belongs to, how gate deductions are recorded, and what
  happens to payments nobody can claim.

ACCOUNT RESOLUTION (top-ups):
  1. metadata.rfid on the payment, normalized
  2. the directory entry for the provider customer code
  3. the account whose email matches the payer

  A payment that resolves to a directory tag without a ledger account
  provisions the account from the directory first.

UNKNOWN PAYMENTS:
  A payment that resolves to nothing is recorded as a rejected reference
  and raises unknown_topup once. Redelivery of the same reference is a
  no-op, so the provider can stop retrying.

SEE ALSO:
  - directory.go: tag/customer mapping
  - paystack.go: provider payload and signature
  - ledger/coordinator.go: the commit pipeline
*/
package toll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/warp/toll-ledger/ledger"
)

const (
	SourcePaystack = "paystack"
	SourceGate     = "gate"
)

// Status summarizes what a top-up did.
type Status string

const (
	StatusApplied         Status = "applied"
	StatusUnknownCustomer Status = "unknown_customer"
	StatusIgnored         Status = "ignored"
)

// TopupResult is returned for every translated payment.
type TopupResult struct {
	Status    Status
	AccountID ledger.AccountID
	Entry     *ledger.LedgerEntry
	Reason    string
}

// Service is the toll domain API used by the HTTP layer and the CLI.
type Service struct {
	coord    *ledger.Coordinator
	dir      *Directory
	notifier ledger.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a Service. notifier receives unknown_topup alerts;
// committed entries are announced by the Coordinator itself.
func NewService(coord *ledger.Coordinator, dir *Directory, notifier ledger.Notifier, logger *slog.Logger) *Service {
	if dir == nil {
		dir, _ = NewDirectory(nil)
	}
	if notifier == nil {
		notifier = ledger.NotifierFunc(func(context.Context, ledger.Notification) {})
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		coord:    coord,
		dir:      dir,
		notifier: notifier,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Coordinator exposes the underlying ledger for queries and admin operations.
func (s *Service) Coordinator() *ledger.Coordinator { return s.coord }

// Directory returns the tag directory in use.
func (s *Service) Directory() *Directory { return s.dir }

// =============================================================================
// PROVISIONING
// =============================================================================

// Provision creates a ledger account for every directory entry that lacks
// one. Existing accounts are left alone. Returns the ids it created.
func (s *Service) Provision(ctx context.Context) ([]ledger.AccountID, error) {
	var created []ledger.AccountID
	for _, c := range s.dir.All() {
		_, err := s.coord.Initialize(ctx, c.Tag, c.Profile())
		switch {
		case err == nil:
			created = append(created, c.Tag)
		case errors.Is(err, ledger.ErrConflict):
		default:
			return created, fmt.Errorf("provision %s: %w", c.Tag, err)
		}
	}
	if len(created) > 0 {
		s.logger.Info("provisioned accounts from directory", "count", len(created))
	}
	return created, nil
}

// =============================================================================
// TOP-UPS
// =============================================================================

// ApplyTopup settles a provider payment against the owning account.
func (s *Service) ApplyTopup(ctx context.Context, ev ChargeEvent) (TopupResult, error) {
	id, how, err := s.resolve(ctx, ev)
	if err != nil {
		return TopupResult{}, err
	}
	if id == "" {
		return s.rejectUnknown(ctx, ev)
	}

	req := ledger.SettleRequest{
		AccountID:  id,
		Amount:     ev.Amount,
		Reference:  ev.Reference,
		OccurredAt: ev.PaidAt,
		Source:     SourcePaystack,
	}
	entry, err := s.coord.Settle(ctx, req)
	if errors.Is(err, ledger.ErrNotFound) {
		if c, ok := s.dir.Lookup(string(id)); ok {
			if _, initErr := s.coord.Initialize(ctx, c.Tag, c.Profile()); initErr != nil && !errors.Is(initErr, ledger.ErrConflict) {
				return TopupResult{}, initErr
			}
			s.logger.Info("provisioned account on first payment", "account_id", id)
			entry, err = s.coord.Settle(ctx, req)
		} else {
			return s.rejectUnknown(ctx, ev)
		}
	}
	if err != nil {
		return TopupResult{AccountID: id}, err
	}

	s.logger.Info("top-up applied",
		"account_id", id, "resolved_by", how, "reference", ev.Reference,
		"amount", ev.Amount.String(), "balance", entry.BalanceAfter.String(), "debt", entry.DebtAfter.String())
	return TopupResult{Status: StatusApplied, AccountID: id, Entry: &entry}, nil
}

// resolve returns the account id for a payment and how it was found.
// An empty id means nobody owns the payment.
func (s *Service) resolve(ctx context.Context, ev ChargeEvent) (ledger.AccountID, string, error) {
	if strings.TrimSpace(ev.Tag) != "" {
		id, err := ledger.NormalizeAccountID(ev.Tag)
		if err != nil {
			return "", "", err
		}
		return id, "metadata", nil
	}
	if tag, ok := s.dir.TagForCustomer(ev.CustomerCode); ok {
		return tag, "customer_code", nil
	}
	if ev.Email != "" {
		acct, err := s.coord.FindAccountByEmail(ctx, ev.Email)
		if err == nil {
			return acct.ID, "email", nil
		}
		if !ledger.IsNotFound(err) {
			return "", "", err
		}
	}
	return "", "", nil
}

func (s *Service) rejectUnknown(ctx context.Context, ev ChargeEvent) (TopupResult, error) {
	reason := "no vehicle linked to this payment"
	if ev.Email != "" {
		reason = "no vehicle linked to " + ev.Email
	}

	first, err := s.coord.Reject(ctx, ev.Reference, reason)
	if err != nil {
		return TopupResult{}, err
	}
	if !first {
		// Already rejected, or applied by a concurrent delivery.
		rec, err := s.coord.Outcome(ctx, ev.Reference)
		if err != nil {
			return TopupResult{}, err
		}
		if rec != nil && rec.State == ledger.StateCompleted {
			entry, err := s.coord.Entry(ctx, rec.EntryID)
			if err != nil {
				return TopupResult{}, err
			}
			return TopupResult{Status: StatusApplied, AccountID: rec.AccountID, Entry: &entry}, nil
		}
		if rec == nil || rec.State == ledger.StateReserved {
			return TopupResult{}, &ledger.ConcurrencyTimeoutError{}
		}
		return TopupResult{Status: StatusUnknownCustomer, Reason: rec.Reason}, nil
	}

	s.logger.Warn("payment with no matching vehicle",
		"reference", ev.Reference, "email", ev.Email, "customer_code", ev.CustomerCode,
		"amount", ev.Amount.String())
	s.notifier.Notify(context.WithoutCancel(ctx), ledger.Notification{
		Event:     ledger.EventUnknownTopup,
		Reference: ev.Reference,
		Amount:    ev.Amount,
		Detail:    reason,
		At:        s.now(),
	})
	return TopupResult{Status: StatusUnknownCustomer, Reason: reason}, nil
}

// =============================================================================
// GATE CHARGES
// =============================================================================

// GateCharge is a deduction reported by a toll gate.
type GateCharge struct {
	Tag       string
	Amount    ledger.Money
	Reference string // gate transaction id, unique per passage
	Gate      string
	At        time.Time
}

// ChargeGate debits a toll from the tag's account. Balance is spent first
// and the shortfall becomes debt, so a passage is never refused here.
func (s *Service) ChargeGate(ctx context.Context, gc GateCharge) (ledger.LedgerEntry, error) {
	id, err := ledger.NormalizeAccountID(gc.Tag)
	if err != nil {
		return ledger.LedgerEntry{}, err
	}
	source := SourceGate
	if g := strings.TrimSpace(gc.Gate); g != "" {
		source = SourceGate + ":" + g
	}
	return s.coord.Charge(ctx, ledger.ChargeRequest{
		AccountID:  id,
		Amount:     gc.Amount,
		Reference:  gc.Reference,
		OccurredAt: gc.At,
		Source:     source,
	})
}
