package notify

import (
	"time"

	"github.com/warp/toll-ledger/ledger"
)

// Envelope is the JSON body published to message brokers.
type Envelope struct {
	Event       ledger.Event `json:"event"`
	AccountID   string       `json:"account_id,omitempty"`
	Reference   string       `json:"reference,omitempty"`
	Currency    string       `json:"currency,omitempty"`
	Amount      string       `json:"amount"`
	AmountMinor int64        `json:"amount_minor"`
	DebtCleared string       `json:"debt_cleared"`
	NewBalance  string       `json:"new_balance"`
	NewDebt     string       `json:"new_debt"`
	Detail      string       `json:"detail,omitempty"`
	At          time.Time    `json:"at"`
}

// NewEnvelope converts a notification. Money fields are major-unit strings.
func NewEnvelope(n ledger.Notification, currency string) Envelope {
	return Envelope{
		Event:       n.Event,
		AccountID:   string(n.AccountID),
		Reference:   n.Reference,
		Currency:    currency,
		Amount:      n.Amount.String(),
		AmountMinor: int64(n.Amount),
		DebtCleared: n.DebtCleared.String(),
		NewBalance:  n.NewBalance.String(),
		NewDebt:     n.NewDebt.String(),
		Detail:      n.Detail,
		At:          n.At,
	}
}

// RoutingKey is the broker routing key / message key for n.
func RoutingKey(n ledger.Notification) string {
	return "ledger." + string(n.Event)
}
