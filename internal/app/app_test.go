package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/toll-ledger/config"
	"github.com/warp/toll-ledger/ledger"
)

func baseConfig() *config.Config {
	return &config.Config{
		ServerPort:     8080,
		Currency:       "GHS",
		StoreDriver:    config.DriverMemory,
		LockTimeout:    time.Second,
		ReservationTTL: time.Minute,
		NotifyBuffer:   8,
		LogLevel:       "debug",
	}
}

func TestBuild_MemoryStoreWithLogSink(t *testing.T) {
	var buf bytes.Buffer
	cfg := baseConfig()
	cfg.TagDirectory = `{"7a5a3d02": "CUS_kofi"}`
	logger := NewLogger(cfg, &buf)

	a, err := Build(context.Background(), cfg, logger)
	require.NoError(t, err)

	assert.Equal(t, []string{"log"}, a.Dispatcher.Sinks())
	assert.Equal(t, 1, a.Service.Directory().Len())

	ctx := context.Background()
	created, err := a.Service.Provision(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ledger.AccountID{"7a5a3d02"}, created)

	_, err = a.Coordinator.Settle(ctx, ledger.SettleRequest{AccountID: "7a5a3d02", Amount: 100, Reference: "r1"})
	require.NoError(t, err)

	// Close drains the dispatcher, so the log sink has written by now
	require.NoError(t, a.Close(ctx))
	assert.Contains(t, buf.String(), "notification")
	assert.Contains(t, buf.String(), "topup_completed")
}

func TestBuild_SQLiteFile(t *testing.T) {
	cfg := baseConfig()
	cfg.StoreDriver = config.DriverSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "ledger.db")

	a, err := Build(context.Background(), cfg, NewLogger(cfg, &bytes.Buffer{}))
	require.NoError(t, err)
	require.NoError(t, a.Close(context.Background()))

	_, err = os.Stat(cfg.SQLitePath)
	assert.NoError(t, err)
}

func TestBuild_BadRabbitURLFails(t *testing.T) {
	cfg := baseConfig()
	cfg.RabbitMQURL = "http://not-amqp"

	_, err := Build(context.Background(), cfg, NewLogger(cfg, &bytes.Buffer{}))
	assert.ErrorContains(t, err, "AMQP scheme")
}

func TestLoadDirectory_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "directory.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`customers:
  - tag: 7a5a3d02
    customer_code: CUS_file
    email: file@example.com
  - tag: 937db7e4
    customer_code: CUS_ama
`), 0o600))

	cfg := baseConfig()
	cfg.TagDirectoryFile = path
	cfg.TagDirectory = `{"7A5A3D02": {"customer_code": "CUS_env", "email": "env@example.com"}}`

	dir, err := LoadDirectory(cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, dir.Len())

	c, ok := dir.Lookup("7a5a3d02")
	require.True(t, ok)
	assert.Equal(t, "CUS_env", c.CustomerCode)
	tag, ok := dir.TagForCustomer("CUS_ama")
	require.True(t, ok)
	assert.Equal(t, ledger.AccountID("937db7e4"), tag)
}

func TestNewLogger_Format(t *testing.T) {
	var buf bytes.Buffer
	cfg := baseConfig()
	cfg.LogFormat = "json"
	cfg.LogLevel = "warn"

	logger := NewLogger(cfg, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
}
