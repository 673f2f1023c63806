package ledger

import (
	"context"
	"time"
)

// Event names the kind of outbound alert.
type Event string

const (
	EventDebtCleared     Event = "debt_cleared"
	EventTopupCompleted  Event = "topup_completed"
	EventTollCharged     Event = "toll_charged"
	EventBalanceAdjusted Event = "balance_adjusted"
	EventUnknownTopup    Event = "unknown_topup"
)

// Notification is handed to the Notifier after a successful commit.
type Notification struct {
	Event       Event
	AccountID   AccountID
	Reference   string
	Amount      Money
	DebtCleared Money
	NewBalance  Money
	NewDebt     Money
	Detail      string
	At          time.Time
}

// Notifier receives post-commit notifications. Implementations must not
// block: a slow or failing sink can never roll back a committed entry.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification)

func (f NotifierFunc) Notify(ctx context.Context, n Notification) { f(ctx, n) }

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Notification) {}

// NotificationFor builds the alert for a committed entry. A top-up that
// touched outstanding debt reports debt_cleared, otherwise topup_completed.
func NotificationFor(e LedgerEntry) Notification {
	n := Notification{
		AccountID:   e.AccountID,
		Reference:   e.Reference,
		Amount:      e.Amount,
		DebtCleared: e.DebtCleared,
		NewBalance:  e.BalanceAfter,
		NewDebt:     e.DebtAfter,
		Detail:      e.Note,
		At:          e.RecordedAt,
	}
	switch e.Type {
	case EntryTopup:
		if e.DebtBefore > 0 {
			n.Event = EventDebtCleared
		} else {
			n.Event = EventTopupCompleted
		}
	case EntryTollCharge:
		n.Event = EventTollCharged
	default:
		n.Event = EventBalanceAdjusted
	}
	return n
}
