/*
scenarios.go - Demo fleet loaders for testing and demonstrations

PURPOSE:

	Provides pre-built fleets that populate the ledger with realistic
	accounts and history. Each scenario creates tag accounts, resets them
	to zero with an operator adjustment, then replays gate charges and
	top-ups through the normal ledger path.

AVAILABLE SCENARIOS:

	fresh-fleet:      Three taxis, funded, no debt
	commuter-in-debt: Gate passes on an empty tag, then a partial top-up
	mixed-fleet:      Debt cleared in full, idle balance, an operator correction

HOW SCENARIOS WORK:
 1. Initialize each account (existing accounts are kept)
 2. Adjust the account to zero balance and zero debt
 3. Replay the scenario's operations with fresh references

USAGE VIA API:

	POST /api/admin/scenarios/load
	{"scenario_id": "commuter-in-debt"}

NOTE:

	Routes are mounted only when ENABLE_SCENARIOS is set and sit behind the
	admin token. Loading appends
	to history; nothing is deleted.

SEE ALSO:
  - handlers.go: Shared helpers
  - toll/service.go: Gate charges
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/warp/toll-ledger/ledger"
	"github.com/warp/toll-ledger/toll"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "fresh-fleet",
		Name:        "Fresh Fleet",
		Description: "Three funded taxis with no outstanding debt",
	},
	{
		ID:          "commuter-in-debt",
		Name:        "Commuter In Debt",
		Description: "Gate passes on an empty tag accrue debt; a small top-up clears part of it",
	},
	{
		ID:          "mixed-fleet",
		Name:        "Mixed Fleet",
		Description: "One tag clears its debt in full, one sits on idle balance, one is corrected by an operator",
	},
}

type scenarioOp struct {
	kind   string // "topup", "charge" or "adjust"
	tag    ledger.AccountID
	amount ledger.Money
	debt   ledger.Money
	gate   string
}

type scenarioFleet struct {
	accounts []toll.Customer
	ops      []scenarioOp
}

var scenarioFleets = map[string]scenarioFleet{
	"fresh-fleet": {
		accounts: []toll.Customer{
			{Tag: "demo-taxi-01", Email: "taxi01@example.com", Label: "GR-1001-24"},
			{Tag: "demo-taxi-02", Email: "taxi02@example.com", Label: "GR-1002-24"},
			{Tag: "demo-taxi-03", Email: "taxi03@example.com", Label: "GR-1003-24"},
		},
		ops: []scenarioOp{
			{kind: "topup", tag: "demo-taxi-01", amount: 5000},
			{kind: "topup", tag: "demo-taxi-02", amount: 2500},
			{kind: "topup", tag: "demo-taxi-03", amount: 10000},
			{kind: "charge", tag: "demo-taxi-01", amount: 500, gate: "tema-motorway"},
		},
	},
	"commuter-in-debt": {
		accounts: []toll.Customer{
			{Tag: "demo-commuter", Email: "commuter@example.com", Label: "AS-2210-23"},
		},
		ops: []scenarioOp{
			{kind: "charge", tag: "demo-commuter", amount: 500, gate: "tema-motorway"},
			{kind: "charge", tag: "demo-commuter", amount: 500, gate: "kasoa"},
			{kind: "charge", tag: "demo-commuter", amount: 500, gate: "tema-motorway"},
			{kind: "topup", tag: "demo-commuter", amount: 1000},
		},
	},
	"mixed-fleet": {
		accounts: []toll.Customer{
			{Tag: "demo-bus-01", Email: "bus01@example.com", Label: "GT-501-22"},
			{Tag: "demo-van-01", Email: "van01@example.com", Label: "GW-77-21"},
			{Tag: "demo-truck-01", Email: "truck01@example.com", Label: "GN-3030-20"},
		},
		ops: []scenarioOp{
			{kind: "charge", tag: "demo-bus-01", amount: 1200, gate: "kintampo"},
			{kind: "topup", tag: "demo-bus-01", amount: 3000},
			{kind: "topup", tag: "demo-van-01", amount: 750},
			{kind: "charge", tag: "demo-truck-01", amount: 2000, gate: "kintampo"},
			{kind: "adjust", tag: "demo-truck-01", amount: 0, debt: 500},
		},
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the most recently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario loads a demo fleet.
// POST /api/admin/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var scenario *ScenarioDTO
	for i := range scenarios {
		if scenarios[i].ID == req.ScenarioID {
			scenario = &scenarios[i]
		}
	}
	if scenario == nil {
		writeError(w, http.StatusNotFound, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	accts, err := h.loadFleet(r.Context(), scenario.ID)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	h.mu.Lock()
	h.currentScenario = scenario.ID
	h.mu.Unlock()
	h.logger.Info("scenario loaded", "scenario", scenario.ID, "accounts", len(accts))

	dtos := make([]AccountDTO, len(accts))
	for i, a := range accts {
		dtos[i] = toAccountDTO(a, h.currency)
	}
	writeJSON(w, http.StatusOK, LoadScenarioResponse{Scenario: *scenario, Accounts: dtos})
}

// =============================================================================
// SCENARIO LOADER
// =============================================================================

func (h *Handler) loadFleet(ctx context.Context, id string) ([]ledger.Account, error) {
	fleet := scenarioFleets[id]
	batch := uuid.NewString()[:8]
	ref := func(i int) string { return fmt.Sprintf("scenario-%s-%s-%d", id, batch, i) }

	for _, c := range fleet.accounts {
		if _, err := h.coord.Initialize(ctx, c.Tag, c.Profile()); err != nil && !errors.Is(err, ledger.ErrConflict) {
			return nil, err
		}
		if _, err := h.coord.Adjust(ctx, ledger.AdjustRequest{
			AccountID: c.Tag,
			Reason:    "scenario " + id + " reset",
			Actor:     "scenario",
		}); err != nil {
			return nil, err
		}
	}

	for i, op := range fleet.ops {
		var err error
		switch op.kind {
		case "topup":
			_, err = h.coord.Settle(ctx, ledger.SettleRequest{
				AccountID: op.tag, Amount: op.amount, Reference: ref(i), Source: "scenario",
			})
		case "charge":
			_, err = h.svc.ChargeGate(ctx, toll.GateCharge{
				Tag: string(op.tag), Amount: op.amount, Reference: ref(i), Gate: op.gate,
			})
		case "adjust":
			_, err = h.coord.Adjust(ctx, ledger.AdjustRequest{
				AccountID: op.tag, Balance: op.amount, Debt: op.debt, Reference: ref(i),
				Reason: "waived part of the outstanding debt", Actor: "scenario",
			})
		}
		if err != nil {
			return nil, fmt.Errorf("scenario %s step %d: %w", id, i, err)
		}
	}

	accts := make([]ledger.Account, 0, len(fleet.accounts))
	for _, c := range fleet.accounts {
		a, err := h.coord.GetAccount(ctx, c.Tag)
		if err != nil {
			return nil, err
		}
		accts = append(accts, a)
	}
	return accts, nil
}
