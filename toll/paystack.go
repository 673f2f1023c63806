package toll

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/warp/toll-ledger/ledger"
)

// EventChargeSuccess is the only Paystack event that moves money.
const EventChargeSuccess = "charge.success"

// PaystackEvent is the subset of a Paystack webhook body the ledger reads.
type PaystackEvent struct {
	Event string       `json:"event"`
	Data  PaystackData `json:"data"`
}

type PaystackData struct {
	Reference string           `json:"reference"`
	Amount    int64            `json:"amount"` // minor units
	Currency  string           `json:"currency"`
	Status    string           `json:"status"`
	PaidAt    string           `json:"paid_at"`
	Customer  PaystackCustomer `json:"customer"`
	Metadata  json.RawMessage  `json:"metadata"`
}

type PaystackCustomer struct {
	Email        string `json:"email"`
	CustomerCode string `json:"customer_code"`
}

// ParsePaystackEvent decodes a webhook body.
func ParsePaystackEvent(body []byte) (PaystackEvent, error) {
	var ev PaystackEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return PaystackEvent{}, &ledger.ValidationError{Field: "body", Reason: "malformed webhook payload"}
	}
	if ev.Event == "" {
		return PaystackEvent{}, &ledger.ValidationError{Field: "event", Reason: "is required"}
	}
	return ev, nil
}

// VerifyPaystackSignature checks the x-paystack-signature header, a hex
// HMAC-SHA512 of the raw body keyed with the secret key.
func VerifyPaystackSignature(body []byte, signature, secret string) bool {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}

// SignPaystackBody produces the signature Paystack would send. Used by
// tests and the demo loader.
func SignPaystackBody(body []byte, secret string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ChargeEvent is a settled payment translated out of the provider payload.
type ChargeEvent struct {
	Reference    string
	Amount       ledger.Money
	Currency     string
	Email        string
	CustomerCode string
	Tag          string // from payment metadata, may be empty
	PaidAt       time.Time
}

// ChargeEvent translates a charge.success payload.
func (e PaystackEvent) ChargeEvent() (ChargeEvent, error) {
	if e.Event != EventChargeSuccess {
		return ChargeEvent{}, fmt.Errorf("event %q carries no charge", e.Event)
	}
	d := e.Data
	ce := ChargeEvent{
		Reference:    strings.TrimSpace(d.Reference),
		Amount:       ledger.Money(d.Amount),
		Currency:     d.Currency,
		Email:        strings.ToLower(strings.TrimSpace(d.Customer.Email)),
		CustomerCode: strings.TrimSpace(d.Customer.CustomerCode),
		Tag:          metadataTag(d.Metadata),
	}
	if ce.Reference == "" {
		return ChargeEvent{}, &ledger.ValidationError{Field: "data.reference", Reason: "is required"}
	}
	if !ce.Amount.IsPositive() {
		return ChargeEvent{}, &ledger.ValidationError{Field: "data.amount", Reason: "must be greater than zero"}
	}
	if d.PaidAt != "" {
		if t, err := time.Parse(time.RFC3339, d.PaidAt); err == nil {
			ce.PaidAt = t.UTC()
		}
	}
	return ce, nil
}

// metadataTag extracts metadata.rfid. Paystack sends metadata as an object,
// an empty string, or a JSON-encoded string depending on the integration.
func metadataTag(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var fields struct {
		RFID string `json:"rfid"`
	}
	if err := json.Unmarshal(raw, &fields); err == nil {
		return fields.RFID
	}
	var nested string
	if err := json.Unmarshal(raw, &nested); err == nil && nested != "" {
		if err := json.Unmarshal([]byte(nested), &fields); err == nil {
			return fields.RFID
		}
	}
	return ""
}
