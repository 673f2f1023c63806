// Package app assembles the ledger from configuration. Both the HTTP server
// and the operator CLI build their dependencies through it.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/warp/toll-ledger/config"
	"github.com/warp/toll-ledger/ledger"
	"github.com/warp/toll-ledger/ledger/store"
	"github.com/warp/toll-ledger/notify"
	"github.com/warp/toll-ledger/redislock"
	"github.com/warp/toll-ledger/store/postgres"
	"github.com/warp/toll-ledger/store/sqlite"
	"github.com/warp/toll-ledger/toll"
)

// App holds the wired components.
type App struct {
	Config      *config.Config
	Logger      *slog.Logger
	Store       ledger.TxStore
	Coordinator *ledger.Coordinator
	Service     *toll.Service
	Dispatcher  *notify.Dispatcher

	closers []func() error
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Build opens storage, the lock, the directory and the notification sinks.
// On error everything opened so far is closed.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	st, closeStore, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Store = st
	a.closers = append(a.closers, closeStore)

	locker, err := a.newLocker(ctx)
	if err != nil {
		return nil, err
	}

	dir, err := LoadDirectory(cfg)
	if err != nil {
		return nil, err
	}

	sinks, err := a.newSinks()
	if err != nil {
		return nil, err
	}
	a.Dispatcher = notify.NewDispatcher(cfg.NotifyBuffer, logger, sinks...)

	a.Coordinator = ledger.NewCoordinator(st,
		ledger.WithLocker(locker),
		ledger.WithNotifier(a.Dispatcher),
		ledger.WithLogger(logger),
		ledger.WithLockTimeout(cfg.LockTimeout),
		ledger.WithReservationTTL(cfg.ReservationTTL),
	)
	a.Service = toll.NewService(a.Coordinator, dir, a.Dispatcher, logger)

	logger.Info("ledger assembled",
		"store", cfg.StoreDriver,
		"distributed_lock", cfg.RedisURL != "",
		"directory_tags", dir.Len(),
		"sinks", a.Dispatcher.Sinks())
	return a, nil
}

// Close drains notifications, then releases connections in reverse order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Dispatcher != nil {
		if err := a.Dispatcher.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain notifications: %w", err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// OpenStore returns the TxStore selected by STORE_DRIVER and its closer.
func OpenStore(ctx context.Context, cfg *config.Config) (ledger.TxStore, func() error, error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		return store.NewTxMemory(), func() error { return nil }, nil
	case config.DriverSQLite:
		st, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		return st, st.Close, nil
	case config.DriverPostgres:
		st, err := postgres.New(ctx, cfg.DatabaseURL, postgres.Config{MaxConns: cfg.DBMaxConns})
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		return st, st.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// LoadDirectory merges TAG_DIRECTORY_FILE and TAG_DIRECTORY; env entries win.
func LoadDirectory(cfg *config.Config) (*toll.Directory, error) {
	dir, err := toll.NewDirectory(nil)
	if err != nil {
		return nil, err
	}
	if cfg.TagDirectoryFile != "" {
		if dir, err = toll.LoadDirectoryFile(cfg.TagDirectoryFile); err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(cfg.TagDirectory) != "" {
		fromEnv, err := toll.ParseDirectoryJSON(cfg.TagDirectory)
		if err != nil {
			return nil, err
		}
		if dir, err = dir.Merge(fromEnv); err != nil {
			return nil, err
		}
	}
	return dir, nil
}

func (a *App) newLocker(ctx context.Context) (ledger.Locker, error) {
	if a.Config.RedisURL == "" {
		return ledger.NewKeyedMutex(), nil
	}
	client, err := redislock.Connect(ctx, a.Config.RedisURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, client.Close)
	return redislock.New(client, a.Config.RedisLockPrefix, 0).WithLogger(a.Logger), nil
}

func (a *App) newSinks() ([]notify.Sink, error) {
	cfg := a.Config
	var sinks []notify.Sink

	if cfg.RabbitMQURL != "" {
		s, err := notify.NewRabbitMQSink(cfg.RabbitMQURL, cfg.NotifyExchange, cfg.Currency)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		sinks = append(sinks, s)
	}
	if brokers := notify.ParseBrokers(cfg.KafkaBrokers); len(brokers) > 0 {
		s := notify.NewKafkaSink(brokers, cfg.KafkaTopic, cfg.Currency)
		a.closers = append(a.closers, s.Close)
		sinks = append(sinks, s)
	}
	if cfg.IFTTTKey != "" {
		sinks = append(sinks, notify.NewIFTTTSink(cfg.IFTTTKey, cfg.Currency, ""))
	}
	if len(sinks) == 0 {
		sinks = append(sinks, notify.NewLogSink(a.Logger))
	}
	return sinks, nil
}
