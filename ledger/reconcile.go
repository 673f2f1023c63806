/*
reconcile.go - Pure settlement engine

PURPOSE:
  Computes the next (balance, debt) position for a payment, a toll charge or
  an operator override. No I/O, no clocks, no locks: the Coordinator owns
  all of that and calls in here exactly once per mutation.

DEBT-FIRST ALLOCATION:
  debtCleared = min(debt, paid)
  newDebt     = debt - debtCleared
  newBalance  = balance + (paid - debtCleared)

  Zero is a no-op. Negative amounts are rejected.

COMPOSITION:
  Reconcile(Reconcile(s, a1).After, a2).After == Reconcile(s, a1+a2).After
  for any non-negative a1, a2. ReconcileAll folds over several payments and
  relies on this.

IDLE BALANCE:
  Idle balance is never pulled into debt without a payment. Charge spends
  balance before accruing debt, so the two only coexist after an operator
  override, and the next payment clears the debt first.
*/
package ledger

import "fmt"

// Position is the part of an account the engine reads and writes.
type Position struct {
	Balance Money
	Debt    Money
}

func (p Position) validate() error {
	if p.Balance.IsNegative() {
		return &ValidationError{Field: "balance", Reason: "must not be negative"}
	}
	if p.Debt.IsNegative() {
		return &ValidationError{Field: "debt", Reason: "must not be negative"}
	}
	return nil
}

// Settlement is the result of one engine step.
type Settlement struct {
	Before       Position
	After        Position
	Amount       Money // signed amount carried on the ledger entry
	DebtCleared  Money // Before.Debt - After.Debt, negative when debt grows
	BalanceAdded Money // After.Balance - Before.Balance
}

// Reconcile applies a payment debt-first.
func Reconcile(current Position, paid Money) (Settlement, error) {
	if err := current.validate(); err != nil {
		return Settlement{}, err
	}
	if paid.IsNegative() {
		return Settlement{}, &ValidationError{Field: "amount", Reason: "must not be negative"}
	}

	debtCleared := MinMoney(current.Debt, paid)
	remaining := paid - debtCleared
	newBalance, ok := addMoney(current.Balance, remaining)
	if !ok {
		return Settlement{}, &ValidationError{Field: "amount", Reason: "balance would overflow"}
	}

	return Settlement{
		Before:       current,
		After:        Position{Balance: newBalance, Debt: current.Debt - debtCleared},
		Amount:       paid,
		DebtCleared:  debtCleared,
		BalanceAdded: remaining,
	}, nil
}

// ReconcileAll applies several payments in order and returns the combined
// settlement from the first position to the last.
func ReconcileAll(current Position, payments ...Money) (Settlement, error) {
	total := Settlement{Before: current, After: current}
	for i, p := range payments {
		step, err := Reconcile(total.After, p)
		if err != nil {
			return Settlement{}, fmt.Errorf("payment %d: %w", i, err)
		}
		total.After = step.After
		total.Amount += step.Amount
		total.DebtCleared += step.DebtCleared
		total.BalanceAdded += step.BalanceAdded
	}
	return total, nil
}

// Charge deducts a toll: balance is spent first and any shortfall becomes debt.
// The returned Amount is negative.
func Charge(current Position, cost Money) (Settlement, error) {
	if err := current.validate(); err != nil {
		return Settlement{}, err
	}
	if cost.IsNegative() {
		return Settlement{}, &ValidationError{Field: "amount", Reason: "must not be negative"}
	}

	spent := MinMoney(current.Balance, cost)
	shortfall := cost - spent
	newDebt, ok := addMoney(current.Debt, shortfall)
	if !ok {
		return Settlement{}, &ValidationError{Field: "amount", Reason: "debt would overflow"}
	}

	return Settlement{
		Before:       current,
		After:        Position{Balance: current.Balance - spent, Debt: newDebt},
		Amount:       -cost,
		DebtCleared:  -shortfall,
		BalanceAdded: -spent,
	}, nil
}

// Override moves straight to target, bypassing debt-first allocation.
// Conservation fields are derived so the resulting entry still balances.
func Override(current Position, target Position) (Settlement, error) {
	if err := current.validate(); err != nil {
		return Settlement{}, err
	}
	if err := target.validate(); err != nil {
		return Settlement{}, err
	}
	debtCleared := current.Debt - target.Debt
	balanceAdded := target.Balance - current.Balance
	return Settlement{
		Before:       current,
		After:        target,
		Amount:       debtCleared + balanceAdded,
		DebtCleared:  debtCleared,
		BalanceAdded: balanceAdded,
	}, nil
}
