package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/warp/toll-ledger/ledger"
)

func (e *cliEnv) writeJSON(v any) error {
	enc := json.NewEncoder(e.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (e *cliEnv) printAccount(a ledger.Account, currency string) error {
	return e.printAccounts([]ledger.Account{a}, currency)
}

func (e *cliEnv) printAccounts(accounts []ledger.Account, currency string) error {
	if e.jsonOut {
		return e.writeJSON(accounts)
	}
	tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TAG\tBALANCE\tDEBT\tCUSTOMER\tEMAIL\tLAST TOP-UP")
	for _, a := range accounts {
		last := "-"
		if a.LastTopupAt != nil {
			last = fmt.Sprintf("%s at %s", a.LastTopupAmount.Format(currency), a.LastTopupAt.Format(time.RFC3339))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			a.ID, a.Balance.Format(currency), a.Debt.Format(currency),
			dash(a.CustomerCode), dash(a.Email), last)
	}
	return tw.Flush()
}

func (e *cliEnv) printEntry(entry ledger.LedgerEntry, currency string) error {
	return e.printEntries([]ledger.LedgerEntry{entry}, currency)
}

func (e *cliEnv) printEntries(entries []ledger.LedgerEntry, currency string) error {
	if e.jsonOut {
		return e.writeJSON(entries)
	}
	tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTYPE\tREFERENCE\tAMOUNT\tDEBT CLEARED\tBALANCE\tDEBT\tSOURCE\tOCCURRED")
	for _, en := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			en.Sequence, en.Type, en.Reference,
			en.Amount.Format(currency), en.DebtCleared.Format(currency),
			en.BalanceAfter.Format(currency), en.DebtAfter.Format(currency),
			dash(en.Source), en.OccurredAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func (e *cliEnv) printSettlement(id ledger.AccountID, s ledger.Settlement, currency string) error {
	if e.jsonOut {
		return e.writeJSON(s)
	}
	fmt.Fprintf(e.out, "Preview for %s (nothing applied)\n", id)
	fmt.Fprintf(e.out, "  Paid:          %s\n", s.Amount.Format(currency))
	fmt.Fprintf(e.out, "  Debt cleared:  %s\n", s.DebtCleared.Format(currency))
	fmt.Fprintf(e.out, "  Balance added: %s\n", s.BalanceAdded.Format(currency))
	fmt.Fprintf(e.out, "  Balance:       %s -> %s\n", s.Before.Balance.Format(currency), s.After.Balance.Format(currency))
	fmt.Fprintf(e.out, "  Debt:          %s -> %s\n", s.Before.Debt.Format(currency), s.After.Debt.Format(currency))
	return nil
}

func (e *cliEnv) printReference(rec ledger.IdempotencyRecord) error {
	if e.jsonOut {
		return e.writeJSON(rec)
	}
	fmt.Fprintf(e.out, "Reference: %s\n", rec.Reference)
	fmt.Fprintf(e.out, "  State:   %s\n", rec.State)
	fmt.Fprintf(e.out, "  Account: %s\n", dash(string(rec.AccountID)))
	fmt.Fprintf(e.out, "  Entry:   %s\n", dash(string(rec.EntryID)))
	if rec.Reason != "" {
		fmt.Fprintf(e.out, "  Reason:  %s\n", rec.Reason)
	}
	if rec.State == ledger.StateReserved {
		fmt.Fprintf(e.out, "  Held by: %s until %s\n", rec.Owner, rec.ReservedUntil.Format(time.RFC3339))
	}
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
