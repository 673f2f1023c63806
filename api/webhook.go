package api

import (
	"io"
	"net/http"
	"strings"

	"github.com/warp/toll-ledger/ledger"
	"github.com/warp/toll-ledger/toll"
)

const paystackSignatureHeader = "x-paystack-signature"

// PaystackWebhook handles Paystack event deliveries.
// POST /api/webhooks/paystack
//
// Paystack retries anything that is not a 2xx. Well-formed events that can
// never succeed (unknown customer, bad amount, other event types) are
// acknowledged with 200; only retryable ledger failures return 5xx.
func (h *Handler) PaystackWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unreadable body", err)
		return
	}

	if h.paystackSecret != "" &&
		!toll.VerifyPaystackSignature(body, r.Header.Get(paystackSignatureHeader), h.paystackSecret) {
		webhookEvents.WithLabelValues("bad_signature").Inc()
		h.logger.Warn("paystack webhook with invalid signature", "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "Invalid signature", nil)
		return
	}

	ev, err := toll.ParsePaystackEvent(body)
	if err != nil {
		webhookEvents.WithLabelValues("malformed").Inc()
		writeError(w, http.StatusBadRequest, "Malformed event", err)
		return
	}
	if ev.Event != toll.EventChargeSuccess {
		webhookEvents.WithLabelValues("ignored").Inc()
		writeJSON(w, http.StatusOK, WebhookResponse{Status: string(toll.StatusIgnored), Reason: "event " + ev.Event + " not handled"})
		return
	}

	charge, err := ev.ChargeEvent()
	if err != nil {
		h.acknowledge(w, ev.Data.Reference, err)
		return
	}
	if h.currency != "" && charge.Currency != "" && !strings.EqualFold(charge.Currency, h.currency) {
		h.acknowledge(w, charge.Reference, &ledger.ValidationError{Field: "data.currency", Reason: "expected " + h.currency})
		return
	}

	res, err := h.svc.ApplyTopup(r.Context(), charge)
	if err != nil {
		if ledger.IsRetryable(err) {
			webhookEvents.WithLabelValues("retry").Inc()
			h.writeLedgerError(w, r, err)
			return
		}
		h.acknowledge(w, charge.Reference, err)
		return
	}

	webhookEvents.WithLabelValues(string(res.Status)).Inc()
	resp := WebhookResponse{Status: string(res.Status), AccountID: string(res.AccountID), Reason: res.Reason}
	if res.Entry != nil {
		dto := toEntryDTO(*res.Entry)
		resp.Entry = &dto
	}
	writeJSON(w, http.StatusOK, resp)
}

// acknowledge answers 200 for a charge that will never apply.
func (h *Handler) acknowledge(w http.ResponseWriter, reference string, err error) {
	webhookEvents.WithLabelValues("ignored").Inc()
	if ledger.IsClientError(err) || ledger.IsNotFound(err) {
		h.logger.Warn("paystack charge ignored", "reference", reference, "error", err)
	} else {
		h.logger.Error("paystack charge ignored", "reference", reference, "error", err)
	}
	writeJSON(w, http.StatusOK, WebhookResponse{Status: string(toll.StatusIgnored), Reason: err.Error()})
}
