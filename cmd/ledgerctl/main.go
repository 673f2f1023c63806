// ledgerctl is the operator CLI. It opens the same store the server uses and
// runs single ledger operations through the coordinator, so locking,
// idempotency and notifications behave exactly as they do over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/warp/toll-ledger/config"
	"github.com/warp/toll-ledger/internal/app"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type cliEnv struct {
	configPath string
	jsonOut    bool
	out        io.Writer
}

func newRootCmd() *cobra.Command {
	env := &cliEnv{out: os.Stdout}

	rootCmd := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Operate the toll ledger",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			env.out = cmd.OutOrStdout()
			if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("read .env: %w", err)
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVarP(&env.configPath, "config", "c", "toll-ledger.env", "Env-format config file")
	rootCmd.PersistentFlags().BoolVarP(&env.jsonOut, "json", "j", false, "Output as JSON")

	rootCmd.AddCommand(
		initCmd(env),
		showCmd(env),
		listCmd(env),
		historyCmd(env),
		settleCmd(env),
		chargeCmd(env),
		adjustCmd(env),
		previewCmd(env),
		referenceCmd(env),
		provisionCmd(env),
		sweepCmd(env),
	)
	return rootCmd
}

// open loads configuration and assembles the ledger. The caller must close
// the returned app so queued notifications are delivered.
func (e *cliEnv) open(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load(e.configPath)
	if err != nil {
		return nil, err
	}
	return app.Build(ctx, cfg, app.NewLogger(cfg, os.Stderr))
}

// run opens the ledger, calls fn and always closes the app.
func (e *cliEnv) run(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := e.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, a.Close(context.Background()))
	}()
	return fn(ctx, a)
}
