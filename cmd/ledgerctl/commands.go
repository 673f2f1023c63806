package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/toll-ledger/internal/app"
	"github.com/warp/toll-ledger/ledger"
	"github.com/warp/toll-ledger/toll"
)

func initCmd(env *cliEnv) *cobra.Command {
	var p ledger.Profile
	cmd := &cobra.Command{
		Use:   "init [tag]",
		Short: "Create an account with zero balance and debt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.run(cmd, func(ctx context.Context, a *app.App) error {
				id, err := ledger.NormalizeAccountID(args[0])
				if err != nil {
					return err
				}
				acct, err := a.Coordinator.Initialize(ctx, id, p)
				if err != nil {
					return err
				}
				return env.printAccount(acct, a.Config.Currency)
			})
		},
	}
	cmd.Flags().StringVar(&p.Email, "email", "", "Customer email")
	cmd.Flags().StringVar(&p.CustomerCode, "customer-code", "", "Payment provider customer code")
	cmd.Flags().StringVar(&p.Label, "label", "", "Display label")
	return cmd
}

func showCmd(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "show [tag]",
		Short: "Show an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.run(cmd, func(ctx context.Context, a *app.App) error {
				id, err := ledger.NormalizeAccountID(args[0])
				if err != nil {
					return err
				}
				acct, err := a.Coordinator.GetAccount(ctx, id)
				if err != nil {
					return err
				}
				return env.printAccount(acct, a.Config.Currency)
			})
		},
	}
}

func listCmd(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.run(cmd, func(ctx context.Context, a *app.App) error {
				accounts, err := a.Coordinator.ListAccounts(ctx)
				if err != nil {
					return err
				}
				return env.printAccounts(accounts, a.Config.Currency)
			})
		},
	}
}

func historyCmd(env *cliEnv) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [tag]",
		Short: "Show ledger entries for an account, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.run(cmd, func(ctx context.Context, a *app.App) error {
				id, err := ledger.NormalizeAccountID(args[0])
				if err != nil {
					return err
				}
				entries, err := a.Coordinator.History(ctx, id, limit)
				if err != nil {
					return err
				}
				return env.printEntries(entries, a.Config.Currency)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum entries")
	return cmd
}

func settleCmd(env *cliEnv) *cobra.Command {
	var reference, source string
	cmd := &cobra.Command{
		Use:   "settle [tag] [amount]",
		Short: "Apply a settled payment, clearing debt first",
		Long: `Apply a settled payment in major units (e.g. 25.00).

The reference is the idempotency key: repeating the command with the same
reference returns the original entry without changing the account.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.run(cmd, func(ctx context.Context, a *app.App) error {
				id, amount, err := parseTagAmount(args)
				if err != nil {
					return err
				}
				entry, err := a.Coordinator.Settle(ctx, ledger.SettleRequest{
					AccountID:  id,
					Amount:     amount,
					Reference:  reference,
					OccurredAt: time.Now().UTC(),
					Source:     source,
				})
				if err != nil {
					return err
				}
				return env.printEntry(entry, a.Config.Currency)
			})
		},
	}
	cmd.Flags().StringVarP(&reference, "reference", "r", "", "Payment reference (required)")
	cmd.Flags().StringVar(&source, "source", "cli", "Source recorded on the entry")
	_ = cmd.MarkFlagRequired("reference")
	return cmd
}

func chargeCmd(env *cliEnv) *cobra.Command {
	var reference, gate string
	cmd := &cobra.Command{
		Use:   "charge [tag] [amount]",
		Short: "Record a gate passage; any shortfall becomes debt",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.run(cmd, func(ctx context.Context, a *app.App) error {
				amount, err := ledger.ParseMoney(args[1])
				if err != nil {
					return err
				}
				entry, err := a.Service.ChargeGate(ctx, toll.GateCharge{
					Tag:       args[0],
					Amount:    amount,
					Reference: reference,
					Gate:      gate,
					At:        time.Now().UTC(),
				})
				if err != nil {
					return err
				}
				return env.printEntry(entry, a.Config.Currency)
			})
		},
	}
	cmd.Flags().StringVarP(&reference, "reference", "r", "", "Gate transaction id (required)")
	cmd.Flags().StringVar(&gate, "gate", "", "Gate identifier")
	_ = cmd.MarkFlagRequired("reference")
	return cmd
}

func adjustCmd(env *cliEnv) *cobra.Command {
	var balance, debt, reference, reason, actor string
	cmd := &cobra.Command{
		Use:   "adjust [tag]",
		Short: "Overwrite balance and debt (operator correction)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.run(cmd, func(ctx context.Context, a *app.App) error {
				id, err := ledger.NormalizeAccountID(args[0])
				if err != nil {
					return err
				}
				b, err := ledger.ParseMoney(balance)
				if err != nil {
					return fmt.Errorf("--balance: %w", err)
				}
				d, err := ledger.ParseMoney(debt)
				if err != nil {
					return fmt.Errorf("--debt: %w", err)
				}
				entry, err := a.Coordinator.Adjust(ctx, ledger.AdjustRequest{
					AccountID: id,
					Balance:   b,
					Debt:      d,
					Reference: reference,
					Reason:    reason,
					Actor:     actor,
				})
				if err != nil {
					return err
				}
				return env.printEntry(entry, a.Config.Currency)
			})
		},
	}
	cmd.Flags().StringVar(&balance, "balance", "", "New balance in major units (required)")
	cmd.Flags().StringVar(&debt, "debt", "0", "New debt in major units")
	cmd.Flags().StringVarP(&reference, "reference", "r", "", "Idempotency reference (generated when empty)")
	cmd.Flags().StringVar(&reason, "reason", "", "Why the correction was made")
	cmd.Flags().StringVar(&actor, "actor", "", "Operator performing the correction")
	_ = cmd.MarkFlagRequired("balance")
	return cmd
}

func previewCmd(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "preview [tag] [amount...]",
		Short: "Show how payments would settle against an account without applying them",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.run(cmd, func(ctx context.Context, a *app.App) error {
				id, err := ledger.NormalizeAccountID(args[0])
				if err != nil {
					return err
				}
				payments := make([]ledger.Money, 0, len(args)-1)
				for _, raw := range args[1:] {
					m, err := ledger.ParseMoney(raw)
					if err != nil {
						return err
					}
					payments = append(payments, m)
				}
				acct, err := a.Coordinator.GetAccount(ctx, id)
				if err != nil {
					return err
				}
				s, err := ledger.ReconcileAll(acct.Position(), payments...)
				if err != nil {
					return err
				}
				return env.printSettlement(id, s, a.Config.Currency)
			})
		},
	}
}

func referenceCmd(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "reference [reference]",
		Short: "Show the recorded outcome of an idempotency reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.run(cmd, func(ctx context.Context, a *app.App) error {
				rec, err := a.Coordinator.Outcome(ctx, args[0])
				if err != nil {
					return err
				}
				if rec == nil {
					return fmt.Errorf("reference %q has never been seen", args[0])
				}
				return env.printReference(*rec)
			})
		},
	}
}

func provisionCmd(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "provision",
		Short: "Create accounts for every tag in the customer directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.run(cmd, func(ctx context.Context, a *app.App) error {
				created, err := a.Service.Provision(ctx)
				if err != nil {
					return err
				}
				if env.jsonOut {
					return env.writeJSON(map[string]any{"created": created})
				}
				fmt.Fprintf(env.out, "Provisioned %d of %d directory tags\n", len(created), a.Service.Directory().Len())
				for _, id := range created {
					fmt.Fprintf(env.out, "  %s\n", id)
				}
				return nil
			})
		},
	}
}

func sweepCmd(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Purge idempotency reservations whose owner died",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.run(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.Coordinator.SweepReservations(ctx)
				if err != nil {
					return err
				}
				if env.jsonOut {
					return env.writeJSON(map[string]int{"purged": n})
				}
				fmt.Fprintf(env.out, "Purged %d expired reservations\n", n)
				return nil
			})
		},
	}
}

func parseTagAmount(args []string) (ledger.AccountID, ledger.Money, error) {
	id, err := ledger.NormalizeAccountID(args[0])
	if err != nil {
		return "", 0, err
	}
	amount, err := ledger.ParseMoney(args[1])
	if err != nil {
		return "", 0, err
	}
	return id, amount, nil
}
