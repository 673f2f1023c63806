package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/warp/toll-ledger/ledger"
	"github.com/warp/toll-ledger/ledger/storetest"
	"github.com/warp/toll-ledger/store/postgres"
)

// newTestStore connects to TEST_DATABASE_URL and empties the ledger tables.
func newTestStore(t *testing.T) *postgres.Store {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	store, err := postgres.New(ctx, url, postgres.Config{MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.Truncate(ctx))
	return store
}

func TestStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ledger.TxStore {
		return newTestStore(t)
	})
}
