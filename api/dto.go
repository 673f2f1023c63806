/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Money leaves the API
  as major-unit decimal strings ("12.50") next to the exact minor-unit
  integer, and enters as either.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

VALIDATION:
  Validation is done by the ledger, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/warp/toll-ledger/ledger"
)

// =============================================================================
// ACCOUNTS
// =============================================================================

// AccountDTO represents an account in API responses.
type AccountDTO struct {
	ID              string  `json:"id"`
	Balance         string  `json:"balance"`
	BalanceMinor    int64   `json:"balance_minor"`
	Debt            string  `json:"debt"`
	DebtMinor       int64   `json:"debt_minor"`
	Currency        string  `json:"currency,omitempty"`
	Email           string  `json:"email,omitempty"`
	CustomerCode    string  `json:"customer_code,omitempty"`
	Label           string  `json:"label,omitempty"`
	LastTopupAt     *string `json:"last_topup_at,omitempty"`
	LastTopupAmount string  `json:"last_topup_amount,omitempty"`
	Version         int64   `json:"version"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

func toAccountDTO(a ledger.Account, currency string) AccountDTO {
	dto := AccountDTO{
		ID:           string(a.ID),
		Balance:      a.Balance.String(),
		BalanceMinor: int64(a.Balance),
		Debt:         a.Debt.String(),
		DebtMinor:    int64(a.Debt),
		Currency:     currency,
		Email:        a.Email,
		CustomerCode: a.CustomerCode,
		Label:        a.Label,
		Version:      a.Version,
		CreatedAt:    a.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    a.UpdatedAt.Format(time.RFC3339),
	}
	if a.LastTopupAt != nil {
		ts := a.LastTopupAt.Format(time.RFC3339)
		dto.LastTopupAt = &ts
		dto.LastTopupAmount = a.LastTopupAmount.String()
	}
	return dto
}

// InitializeAccountRequest creates an account with zero balance and debt.
type InitializeAccountRequest struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	CustomerCode string `json:"customer_code"`
	Label        string `json:"label"`
}

// UpdateProfileRequest changes selected profile fields. Omitted fields are kept.
type UpdateProfileRequest struct {
	Email        *string `json:"email"`
	CustomerCode *string `json:"customer_code"`
	Label        *string `json:"label"`
}

// =============================================================================
// LEDGER ENTRIES
// =============================================================================

// EntryDTO represents a ledger entry in API responses.
type EntryDTO struct {
	ID            string `json:"id"`
	AccountID     string `json:"account_id"`
	Sequence      int64  `json:"sequence"`
	Reference     string `json:"reference"`
	Type          string `json:"type"`
	Amount        string `json:"amount"`
	AmountMinor   int64  `json:"amount_minor"`
	BalanceBefore string `json:"balance_before"`
	BalanceAfter  string `json:"balance_after"`
	DebtBefore    string `json:"debt_before"`
	DebtAfter     string `json:"debt_after"`
	DebtCleared   string `json:"debt_cleared"`
	Status        string `json:"status"`
	Source        string `json:"source,omitempty"`
	Note          string `json:"note,omitempty"`
	OccurredAt    string `json:"occurred_at"`
	RecordedAt    string `json:"recorded_at"`
}

func toEntryDTO(e ledger.LedgerEntry) EntryDTO {
	return EntryDTO{
		ID:            string(e.ID),
		AccountID:     string(e.AccountID),
		Sequence:      e.Sequence,
		Reference:     e.Reference,
		Type:          string(e.Type),
		Amount:        e.Amount.String(),
		AmountMinor:   int64(e.Amount),
		BalanceBefore: e.BalanceBefore.String(),
		BalanceAfter:  e.BalanceAfter.String(),
		DebtBefore:    e.DebtBefore.String(),
		DebtAfter:     e.DebtAfter.String(),
		DebtCleared:   e.DebtCleared.String(),
		Status:        string(e.Status),
		Source:        e.Source,
		Note:          e.Note,
		OccurredAt:    e.OccurredAt.Format(time.RFC3339),
		RecordedAt:    e.RecordedAt.Format(time.RFC3339Nano),
	}
}

func toEntryDTOs(entries []ledger.LedgerEntry) []EntryDTO {
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	return dtos
}

// ReferenceDTO is the idempotency outcome for one external reference.
type ReferenceDTO struct {
	Reference     string  `json:"reference"`
	State         string  `json:"state"`
	AccountID     string  `json:"account_id,omitempty"`
	EntryID       string  `json:"entry_id,omitempty"`
	Reason        string  `json:"reason,omitempty"`
	ReservedUntil *string `json:"reserved_until,omitempty"`
	UpdatedAt     string  `json:"updated_at"`
}

func toReferenceDTO(r ledger.IdempotencyRecord) ReferenceDTO {
	dto := ReferenceDTO{
		Reference: r.Reference,
		State:     string(r.State),
		AccountID: string(r.AccountID),
		EntryID:   string(r.EntryID),
		Reason:    r.Reason,
		UpdatedAt: r.UpdatedAt.Format(time.RFC3339),
	}
	if r.State == ledger.StateReserved {
		ts := r.ReservedUntil.Format(time.RFC3339)
		dto.ReservedUntil = &ts
	}
	return dto
}

// =============================================================================
// MUTATION REQUESTS
// =============================================================================

// Amount accepts either a major-unit decimal string or exact minor units.
type Amount struct {
	Value string `json:"amount"`
	Minor *int64 `json:"amount_minor"`
}

func (a Amount) Money() (ledger.Money, error) {
	if a.Minor != nil {
		return ledger.Money(*a.Minor), nil
	}
	if a.Value == "" {
		return 0, &ledger.ValidationError{Field: "amount", Reason: "is required"}
	}
	return ledger.ParseMoney(a.Value)
}

// SettlementRequest is the generic inbound "payment settled" event.
type SettlementRequest struct {
	AccountID string `json:"account_id"`
	Amount
	Reference  string     `json:"reference"`
	OccurredAt *time.Time `json:"occurred_at"`
	Source     string     `json:"source"`
}

// GateChargeRequest is a toll deduction reported by a gate.
type GateChargeRequest struct {
	Tag string `json:"tag"`
	Amount
	Reference string     `json:"reference"`
	Gate      string     `json:"gate"`
	At        *time.Time `json:"at"`
}

// AdjustmentRequest overrides balance and debt.
type AdjustmentRequest struct {
	Balance      string `json:"balance"`
	BalanceMinor *int64 `json:"balance_minor"`
	Debt         string `json:"debt"`
	DebtMinor    *int64 `json:"debt_minor"`
	Reference    string `json:"reference"`
	Reason       string `json:"reason"`
}

// SweepResponse reports a manual reservation sweep.
type SweepResponse struct {
	Purged int `json:"purged"`
}

// WebhookResponse is returned to the payment provider.
type WebhookResponse struct {
	Status    string    `json:"status"`
	AccountID string    `json:"account_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Entry     *EntryDTO `json:"entry,omitempty"`
}

// =============================================================================
// MISC
// =============================================================================

// HealthDTO is the server status.
type HealthDTO struct {
	Status      string `json:"status"`
	Store       string `json:"store"`
	Directory   int    `json:"directory_tags"`
	Currency    string `json:"currency"`
	GeneratedAt string `json:"generated_at"`

	Sinks                []string `json:"notification_sinks,omitempty"`
	NotificationsDropped uint64   `json:"notifications_dropped"`
}

// ScenarioDTO describes a demo fleet.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the request to load a demo scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// LoadScenarioResponse lists the accounts a scenario touched.
type LoadScenarioResponse struct {
	Scenario ScenarioDTO  `json:"scenario"`
	Accounts []AccountDTO `json:"accounts"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
