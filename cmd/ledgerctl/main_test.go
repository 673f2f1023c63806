package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/toll-ledger/ledger"
)

func useSQLite(t *testing.T) {
	t.Helper()
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", filepath.Join(t.TempDir(), "ledger.db"))
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("TAG_DIRECTORY", `{"7a5a3d02": "CUS_kofi"}`)
}

func ledgerctl(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", filepath.Join(t.TempDir(), "absent.env")}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestLedgerctl_ChargeThenSettle(t *testing.T) {
	// GIVEN: A provisioned tag
	// WHEN: A 12.00 toll is charged with no balance, then 50.00 is settled
	// THEN: The debt is cleared first and the rest is balance

	useSQLite(t)

	out, err := ledgerctl(t, "provision")
	require.NoError(t, err)
	assert.Contains(t, out, "Provisioned 1 of 1")

	_, err = ledgerctl(t, "charge", "7a5a3d02", "12.00", "-r", "gate-1", "--gate", "tema")
	require.NoError(t, err)

	// Preview folds the payments without touching the account
	out, err = ledgerctl(t, "--json", "preview", "7a5a3d02", "5", "10")
	require.NoError(t, err)
	var preview ledger.Settlement
	require.NoError(t, json.Unmarshal([]byte(out), &preview))
	assert.Equal(t, ledger.Money(1200), preview.DebtCleared)
	assert.Equal(t, ledger.Money(300), preview.BalanceAdded)
	assert.Equal(t, ledger.Position{Balance: 300}, preview.After)

	out, err = ledgerctl(t, "--json", "settle", "7a5a3d02", "50", "-r", "pay-1")
	require.NoError(t, err)
	var entry ledger.LedgerEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entry))
	assert.Equal(t, ledger.Money(1200), entry.DebtCleared)
	assert.Equal(t, ledger.Money(3800), entry.BalanceAfter)
	assert.Equal(t, "cli", entry.Source)

	// Same reference again is a replay
	out, err = ledgerctl(t, "--json", "settle", "7a5a3d02", "50", "-r", "pay-1")
	require.NoError(t, err)
	var replay ledger.LedgerEntry
	require.NoError(t, json.Unmarshal([]byte(out), &replay))
	assert.Equal(t, entry.ID, replay.ID)

	out, err = ledgerctl(t, "show", "7A5A3D02")
	require.NoError(t, err)
	assert.Contains(t, out, "GHS 38.00")
	assert.Contains(t, out, "CUS_kofi")

	out, err = ledgerctl(t, "history", "7a5a3d02")
	require.NoError(t, err)
	assert.Contains(t, out, "pay-1")
	assert.Contains(t, out, "gate-1")

	out, err = ledgerctl(t, "reference", "pay-1")
	require.NoError(t, err)
	assert.Contains(t, out, "completed")
}

func TestLedgerctl_InitAndAdjust(t *testing.T) {
	useSQLite(t)

	_, err := ledgerctl(t, "init", "bus-01", "--email", "depot@example.com")
	require.NoError(t, err)

	_, err = ledgerctl(t, "init", "bus-01")
	assert.ErrorIs(t, err, ledger.ErrConflict)

	out, err := ledgerctl(t, "adjust", "bus-01", "--balance", "20", "--debt", "1.5", "--reason", "refund", "--actor", "ama")
	require.NoError(t, err)
	assert.Contains(t, out, "manual_adjustment")
	assert.Contains(t, out, "operator:ama")

	out, err = ledgerctl(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "GHS 20.00")
	assert.Contains(t, out, "GHS 1.50")
}

func TestLedgerctl_Errors(t *testing.T) {
	useSQLite(t)

	_, err := ledgerctl(t, "settle", "ghost", "1.00", "-r", "x")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	_, err = ledgerctl(t, "settle", "ghost", "1.005", "-r", "x")
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = ledgerctl(t, "settle", "ghost", "1.00")
	assert.ErrorContains(t, err, "reference")

	_, err = ledgerctl(t, "reference", "never-seen")
	assert.ErrorContains(t, err, "never been seen")

	out, err := ledgerctl(t, "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "Purged 0")
}
