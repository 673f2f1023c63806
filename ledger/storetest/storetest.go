// Package storetest holds the behavior every ledger.TxStore must share.
// Store packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/toll-ledger/ledger"
)

// Factory returns an empty store. Cleanup is registered on t.
type Factory func(t *testing.T) ledger.TxStore

var t0 = time.Date(2025, time.March, 10, 8, 0, 0, 0, time.UTC)

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("AccountLifecycle", func(t *testing.T) { testAccountLifecycle(t, newStore(t)) })
	t.Run("VersionCAS", func(t *testing.T) { testVersionCAS(t, newStore(t)) })
	t.Run("EntryLog", func(t *testing.T) { testEntryLog(t, newStore(t)) })
	t.Run("ReserveFinalize", func(t *testing.T) { testReserveFinalize(t, newStore(t)) })
	t.Run("ReservationExpiry", func(t *testing.T) { testReservationExpiry(t, newStore(t)) })
	t.Run("WithTxRollback", func(t *testing.T) { testWithTxRollback(t, newStore(t)) })
}

func account(id ledger.AccountID, email string) ledger.Account {
	return ledger.Account{ID: id, Email: email, CreatedAt: t0, UpdatedAt: t0}
}

func entry(id ledger.AccountID, seq int64, ref string) ledger.LedgerEntry {
	return ledger.LedgerEntry{
		ID:            ledger.EntryID(ref + "-entry"),
		AccountID:     id,
		Sequence:      seq,
		Reference:     ref,
		Type:          ledger.EntryTopup,
		Amount:        100,
		BalanceBefore: 0,
		BalanceAfter:  100,
		Status:        ledger.StatusApplied,
		Source:        "test",
		OccurredAt:    t0,
		RecordedAt:    t0,
	}
}

func testAccountLifecycle(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()

	require.NoError(t, s.CreateAccount(ctx, account("tag-b", "b@example.com")))
	require.NoError(t, s.CreateAccount(ctx, account("tag-a", "a@example.com")))
	assert.ErrorIs(t, s.CreateAccount(ctx, account("tag-a", "")), ledger.ErrAccountExists)

	got, err := s.GetAccount(ctx, "tag-a")
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", got.Email)
	assert.True(t, got.CreatedAt.Equal(t0))
	assert.Nil(t, got.LastTopupAt)

	_, err = s.GetAccount(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)

	all, err := s.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, ledger.AccountID("tag-a"), all[0].ID)

	byEmail, err := s.FindAccountByEmail(ctx, "b@example.com")
	require.NoError(t, err)
	assert.Equal(t, ledger.AccountID("tag-b"), byEmail.ID)

	_, err = s.FindAccountByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func testVersionCAS(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, account("tag", "")))

	topup := t0.Add(time.Hour)
	next := account("tag", "")
	next.Balance = 500
	next.Version = 1
	next.LastTopupAt = &topup
	next.LastTopupAmount = 500
	require.NoError(t, s.UpdateAccount(ctx, next, 0))

	stale := next
	stale.Balance = 900
	stale.Version = 1
	assert.ErrorIs(t, s.UpdateAccount(ctx, stale, 0), ledger.ErrVersionMismatch)

	missing := account("ghost", "")
	assert.ErrorIs(t, s.UpdateAccount(ctx, missing, 0), ledger.ErrAccountNotFound)

	got, err := s.GetAccount(ctx, "tag")
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(500), got.Balance)
	assert.Equal(t, int64(1), got.Version)
	require.NotNil(t, got.LastTopupAt)
	assert.True(t, got.LastTopupAt.Equal(topup))
}

func testEntryLog(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, account("tag", "")))

	require.NoError(t, s.AppendEntry(ctx, entry("tag", 1, "ref-1")))
	require.NoError(t, s.AppendEntry(ctx, entry("tag", 2, "ref-2")))
	require.NoError(t, s.AppendEntry(ctx, entry("tag", 3, "ref-3")))

	dup := entry("tag", 2, "ref-dup")
	assert.ErrorIs(t, s.AppendEntry(ctx, dup), ledger.ErrDuplicateSequence)

	all, err := s.Entries(ctx, "tag", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, int64(3), all[0].Sequence, "newest first")
	assert.Equal(t, int64(1), all[2].Sequence)

	two, err := s.Entries(ctx, "tag", 2)
	require.NoError(t, err)
	require.Len(t, two, 2)
	assert.Equal(t, int64(3), two[0].Sequence)

	got, err := s.GetEntry(ctx, "ref-2-entry")
	require.NoError(t, err)
	assert.Equal(t, "ref-2", got.Reference)
	assert.True(t, got.OccurredAt.Equal(t0))
	assert.True(t, got.Balanced())

	_, err = s.GetEntry(ctx, "nope")
	assert.ErrorIs(t, err, ledger.ErrEntryNotFound)
}

func testReserveFinalize(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	res := ledger.Reservation{AccountID: "tag", Owner: "owner-1", Until: t0.Add(time.Minute)}

	rec, err := s.Lookup(ctx, "ref")
	require.NoError(t, err)
	assert.Nil(t, rec)

	ok, err := s.Reserve(ctx, "ref", res, t0)
	require.NoError(t, err)
	assert.True(t, ok)

	other := ledger.Reservation{AccountID: "tag", Owner: "owner-2", Until: t0.Add(time.Minute)}
	ok, err = s.Reserve(ctx, "ref", other, t0.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, ok, "live reservation blocks others")

	err = s.Finalize(ctx, "ref", "owner-2", ledger.Outcome{State: ledger.StateCompleted}, t0)
	assert.ErrorIs(t, err, ledger.ErrReferenceNotReserved)

	require.NoError(t, s.Finalize(ctx, "ref", "owner-1", ledger.Outcome{
		State: ledger.StateCompleted, AccountID: "tag", EntryID: "e-1",
	}, t0.Add(2*time.Second)))

	rec, err = s.Lookup(ctx, "ref")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, ledger.StateCompleted, rec.State)
	assert.Equal(t, ledger.EntryID("e-1"), rec.EntryID)
	assert.True(t, rec.Final())

	ok, err = s.Reserve(ctx, "ref", other, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "finalized references are never reserved again")

	// Release only drops the caller's own reservation.
	ok, err = s.Reserve(ctx, "ref-2", res, t0)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.Release(ctx, "ref-2", "owner-2"))
	rec, err = s.Lookup(ctx, "ref-2")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.NoError(t, s.Release(ctx, "ref-2", "owner-1"))
	rec, err = s.Lookup(ctx, "ref-2")
	require.NoError(t, err)
	assert.Nil(t, rec)

	// Finalize without an owner records a rejection directly.
	require.NoError(t, s.Finalize(ctx, "ref-3", "", ledger.Outcome{
		State: ledger.StateRejected, Reason: "unknown customer",
	}, t0))
	rec, err = s.Lookup(ctx, "ref-3")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, ledger.StateRejected, rec.State)
	assert.Equal(t, "unknown customer", rec.Reason)
}

func testReservationExpiry(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	stale := ledger.Reservation{AccountID: "tag", Owner: "crashed", Until: t0.Add(time.Minute)}
	ok, err := s.Reserve(ctx, "ref", stale, t0)
	require.NoError(t, err)
	require.True(t, ok)

	later := t0.Add(2 * time.Minute)
	fresh := ledger.Reservation{AccountID: "tag", Owner: "retry", Until: later.Add(time.Minute)}
	ok, err = s.Reserve(ctx, "ref", fresh, later)
	require.NoError(t, err)
	assert.True(t, ok, "expired reservation is taken over")

	rec, err := s.Lookup(ctx, "ref")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "retry", rec.Owner)

	ok, err = s.Reserve(ctx, "ref-old", stale, t0)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := s.PurgeExpired(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only ref-old has expired")

	rec, err = s.Lookup(ctx, "ref-old")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func testWithTxRollback(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, account("tag", "")))
	ok, err := s.Reserve(ctx, "ref", ledger.Reservation{AccountID: "tag", Owner: "o", Until: t0.Add(time.Minute)}, t0)
	require.NoError(t, err)
	require.True(t, ok)

	boom := errors.New("boom")
	err = s.WithTx(ctx, func(tx ledger.Store) error {
		acct, err := tx.GetAccount(ctx, "tag")
		if err != nil {
			return err
		}
		acct.Balance = 700
		acct.Version = 1
		if err := tx.UpdateAccount(ctx, acct, 0); err != nil {
			return err
		}
		if err := tx.AppendEntry(ctx, entry("tag", 1, "ref")); err != nil {
			return err
		}
		if err := tx.Finalize(ctx, "ref", "o", ledger.Outcome{State: ledger.StateCompleted, AccountID: "tag", EntryID: "ref-entry"}, t0); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	acct, err := s.GetAccount(ctx, "tag")
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(0), acct.Balance)
	assert.Equal(t, int64(0), acct.Version)

	list, err := s.Entries(ctx, "tag", 0)
	require.NoError(t, err)
	assert.Empty(t, list)

	rec, err := s.Lookup(ctx, "ref")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, ledger.StateReserved, rec.State, "finalization rolled back")

	// Committed path
	err = s.WithTx(ctx, func(tx ledger.Store) error {
		acct, err := tx.GetAccount(ctx, "tag")
		if err != nil {
			return err
		}
		acct.Balance = 100
		acct.Version = 1
		if err := tx.UpdateAccount(ctx, acct, 0); err != nil {
			return err
		}
		return tx.AppendEntry(ctx, entry("tag", 1, "ref"))
	})
	require.NoError(t, err)

	list, err = s.Entries(ctx, "tag", 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
