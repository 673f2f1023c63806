package store_test

import (
	"testing"

	"github.com/warp/toll-ledger/ledger"
	"github.com/warp/toll-ledger/ledger/store"
	"github.com/warp/toll-ledger/ledger/storetest"
)

func TestTxMemory_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ledger.TxStore {
		return store.NewTxMemory()
	})
}
