package notify

import (
	"context"
	"log/slog"

	"github.com/warp/toll-ledger/ledger"
)

// LogSink writes notifications to the structured log. Used when no
// external sink is configured.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(ctx context.Context, n ledger.Notification) error {
	s.logger.InfoContext(ctx, "notification",
		"event", n.Event,
		"account_id", n.AccountID,
		"reference", n.Reference,
		"amount", n.Amount.String(),
		"debt_cleared", n.DebtCleared.String(),
		"balance", n.NewBalance.String(),
		"debt", n.NewDebt.String(),
	)
	return nil
}
