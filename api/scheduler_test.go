package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/toll-ledger/ledger"
	"github.com/warp/toll-ledger/ledger/store"
)

func TestReservationSweeper_RunOnce(t *testing.T) {
	// GIVEN: One reservation past its deadline and one still live
	// WHEN: The sweeper runs
	// THEN: Only the expired one is purged

	ctx := context.Background()
	now := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	st := store.NewTxMemory()
	coord := ledger.NewCoordinator(st, ledger.WithClock(func() time.Time { return now }))

	_, err := st.Reserve(ctx, "stale", ledger.Reservation{Owner: "a", Until: now.Add(-time.Second)}, now.Add(-time.Minute))
	require.NoError(t, err)
	_, err = st.Reserve(ctx, "live", ledger.Reservation{Owner: "b", Until: now.Add(time.Minute)}, now)
	require.NoError(t, err)

	sweeper := NewReservationSweeper(coord, "", nil)
	n, err := sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	last, purged := sweeper.LastRun()
	assert.False(t, last.IsZero())
	assert.Equal(t, 1, purged)

	rec, err := st.Lookup(ctx, "live")
	require.NoError(t, err)
	assert.NotNil(t, rec)
	rec, err = st.Lookup(ctx, "stale")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestReservationSweeper_StartStop(t *testing.T) {
	coord := ledger.NewCoordinator(store.NewTxMemory())

	bad := NewReservationSweeper(coord, "every tuesday", nil)
	assert.Error(t, bad.Start())

	good := NewReservationSweeper(coord, "@every 1h", nil)
	require.NoError(t, good.Start())
	require.NoError(t, good.Start())

	select {
	case <-good.Stop().Done():
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
