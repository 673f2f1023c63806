package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/toll-ledger/ledger"
	"github.com/warp/toll-ledger/ledger/store"
	"github.com/warp/toll-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type storeFactory struct {
	name string
	new  func(t *testing.T) ledger.TxStore
}

var storeFactories = []storeFactory{
	{"memory", func(t *testing.T) ledger.TxStore { return store.NewTxMemory() }},
	{"sqlite", func(t *testing.T) ledger.TxStore {
		s, err := sqlite.New(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	}},
}

// eachStore runs fn once per store implementation.
func eachStore(t *testing.T, fn func(t *testing.T, s ledger.TxStore)) {
	for _, f := range storeFactories {
		t.Run(f.name, func(t *testing.T) { fn(t, f.new(t)) })
	}
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []ledger.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n ledger.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

func (r *recordingNotifier) events() []ledger.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ledger.Event, len(r.sent))
	for i, n := range r.sent {
		out[i] = n.Event
	}
	return out
}

// seed creates an account and moves it to (balance, debt) with an adjustment.
func seed(t *testing.T, c *ledger.Coordinator, id ledger.AccountID, balance, debt ledger.Money) {
	t.Helper()
	ctx := context.Background()
	_, err := c.Initialize(ctx, id, ledger.Profile{Email: string(id) + "@example.com"})
	require.NoError(t, err)
	if balance != 0 || debt != 0 {
		_, err = c.Adjust(ctx, ledger.AdjustRequest{AccountID: id, Balance: balance, Debt: debt, Reason: "seed"})
		require.NoError(t, err)
	}
}

func settle(id ledger.AccountID, amount ledger.Money, ref string) ledger.SettleRequest {
	return ledger.SettleRequest{AccountID: id, Amount: amount, Reference: ref, Source: "test"}
}

// =============================================================================
// SETTLE SCENARIOS
// =============================================================================

func TestSettle_DebtFirstScenarios(t *testing.T) {
	tests := []struct {
		name                  string
		balance, debt, amount ledger.Money
		wantBalance, wantDebt ledger.Money
		wantCleared           ledger.Money
	}{
		{"A partial debt", 0, 500, 300, 0, 200, 300},
		{"B debt then balance", 0, 500, 800, 300, 0, 500},
		{"C no debt", 100, 0, 250, 350, 0, 0},
	}

	eachStore(t, func(t *testing.T, s ledger.TxStore) {
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				ctx := context.Background()
				c := ledger.NewCoordinator(s)
				id := ledger.AccountID(strings.ToLower(strings.Fields(tt.name)[0]))
				seed(t, c, id, tt.balance, tt.debt)

				e, err := c.Settle(ctx, settle(id, tt.amount, "ps-"+string(id)))
				require.NoError(t, err)

				assert.Equal(t, ledger.EntryTopup, e.Type)
				assert.Equal(t, tt.amount, e.Amount)
				assert.Equal(t, tt.wantCleared, e.DebtCleared)
				assert.Equal(t, tt.wantBalance, e.BalanceAfter)
				assert.Equal(t, tt.wantDebt, e.DebtAfter)
				assert.True(t, e.Balanced())

				acct, err := c.GetAccount(ctx, id)
				require.NoError(t, err)
				assert.Equal(t, tt.wantBalance, acct.Balance)
				assert.Equal(t, tt.wantDebt, acct.Debt)
				assert.Equal(t, tt.amount, acct.LastTopupAmount)
				require.NotNil(t, acct.LastTopupAt)
				assert.Equal(t, e.Sequence, acct.Version)
			})
		}
	})
}

func TestSettle_ReplayReturnsOriginalEntry(t *testing.T) {
	// GIVEN: Scenario A has been applied with reference ps-1
	// WHEN: The same event is delivered again
	// THEN: The original entry comes back and nothing changes

	eachStore(t, func(t *testing.T, s ledger.TxStore) {
		ctx := context.Background()
		notes := &recordingNotifier{}
		c := ledger.NewCoordinator(s, ledger.WithNotifier(notes))
		seed(t, c, "tag1", 0, 500)

		first, err := c.Settle(ctx, settle("tag1", 300, "ps-1"))
		require.NoError(t, err)

		again, err := c.Settle(ctx, settle("tag1", 300, "ps-1"))
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
		assert.Equal(t, first.Sequence, again.Sequence)
		assert.Equal(t, first.DebtAfter, again.DebtAfter)

		acct, err := c.GetAccount(ctx, "tag1")
		require.NoError(t, err)
		assert.Equal(t, ledger.Money(0), acct.Balance)
		assert.Equal(t, ledger.Money(200), acct.Debt)

		history, err := c.History(ctx, "tag1", 0)
		require.NoError(t, err)
		assert.Len(t, history, 2, "seed adjustment plus one top-up")

		assert.Equal(t, []ledger.Event{ledger.EventBalanceAdjusted, ledger.EventDebtCleared}, notes.events(),
			"replay does not notify")

		rec, err := c.Outcome(ctx, "ps-1")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, ledger.StateCompleted, rec.State)
		assert.Equal(t, first.ID, rec.EntryID)
	})
}

func TestSettle_ReferenceUsedByAnotherAccount(t *testing.T) {
	eachStore(t, func(t *testing.T, s ledger.TxStore) {
		ctx := context.Background()
		c := ledger.NewCoordinator(s)
		seed(t, c, "tag1", 0, 0)
		seed(t, c, "tag2", 0, 0)

		_, err := c.Settle(ctx, settle("tag1", 100, "ps-1"))
		require.NoError(t, err)

		_, err = c.Settle(ctx, settle("tag2", 100, "ps-1"))
		var ce *ledger.ConflictError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, "ps-1", ce.Reference)

		acct, err := c.GetAccount(ctx, "tag2")
		require.NoError(t, err)
		assert.Equal(t, ledger.Money(0), acct.Balance)
	})
}

func TestSettle_Validation(t *testing.T) {
	eachStore(t, func(t *testing.T, s ledger.TxStore) {
		ctx := context.Background()
		c := ledger.NewCoordinator(s)
		seed(t, c, "tag1", 0, 0)

		for _, req := range []ledger.SettleRequest{
			settle("tag1", 0, "ps-1"),
			settle("tag1", -5, "ps-1"),
			settle("tag1", 100, "  "),
			settle("", 100, "ps-1"),
		} {
			_, err := c.Settle(ctx, req)
			assert.ErrorIs(t, err, ledger.ErrValidation, "%+v", req)
		}

		rec, err := c.Outcome(ctx, "ps-1")
		require.NoError(t, err)
		assert.Nil(t, rec, "validation failures leave no trace")
	})
}

func TestSettle_NormalizesAccountAndReference(t *testing.T) {
	// GIVEN: Callers that pass padded references and uppercase tags
	// WHEN: The same payment arrives in both spellings
	// THEN: Both resolve to one account and one idempotency key

	eachStore(t, func(t *testing.T, s ledger.TxStore) {
		ctx := context.Background()
		c := ledger.NewCoordinator(s)

		acct, err := c.Initialize(ctx, " TAG1 ", ledger.Profile{})
		require.NoError(t, err)
		assert.Equal(t, ledger.AccountID("tag1"), acct.ID)

		_, err = c.Initialize(ctx, "tag1", ledger.Profile{})
		assert.ErrorIs(t, err, ledger.ErrConflict)
		_, err = c.Initialize(ctx, "not a tag", ledger.Profile{})
		assert.ErrorIs(t, err, ledger.ErrValidation)

		first, err := c.Settle(ctx, settle("TAG1", 100, " ps-1"))
		require.NoError(t, err)
		assert.Equal(t, ledger.AccountID("tag1"), first.AccountID)
		assert.Equal(t, "ps-1", first.Reference)

		second, err := c.Settle(ctx, settle("tag1", 100, "ps-1 "))
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)

		charge, err := c.Charge(ctx, ledger.ChargeRequest{AccountID: "Tag1", Amount: 40, Reference: "\tgate-1"})
		require.NoError(t, err)
		assert.Equal(t, "gate-1", charge.Reference)

		adj, err := c.Adjust(ctx, ledger.AdjustRequest{AccountID: "TAG1", Balance: 10, Reason: "fix"})
		require.NoError(t, err)
		assert.Equal(t, ledger.AccountID("tag1"), adj.AccountID)

		label := "GR-1"
		updated, err := c.UpdateProfile(ctx, "TAG1", ledger.ProfileUpdate{Label: &label})
		require.NoError(t, err)
		assert.Equal(t, label, updated.Label)

		got, err := c.GetAccount(ctx, "tag1")
		require.NoError(t, err)
		assert.Equal(t, ledger.Money(10), got.Balance)
	})
}

func TestSettle_UnknownAccountReleasesReference(t *testing.T) {
	// GIVEN: No account "ghost"
	// WHEN: A payment arrives for it
	// THEN: NotFoundError, and the reference can be applied once the account exists

	eachStore(t, func(t *testing.T, s ledger.TxStore) {
		ctx := context.Background()
		c := ledger.NewCoordinator(s)

		_, err := c.Settle(ctx, settle("ghost", 100, "ps-9"))
		var nf *ledger.NotFoundError
		require.ErrorAs(t, err, &nf)
		assert.True(t, ledger.IsNotFound(err))

		rec, err := c.Outcome(ctx, "ps-9")
		require.NoError(t, err)
		assert.Nil(t, rec)

		seed(t, c, "ghost", 0, 0)
		e, err := c.Settle(ctx, settle("ghost", 100, "ps-9"))
		require.NoError(t, err)
		assert.Equal(t, ledger.Money(100), e.BalanceAfter)
	})
}

func TestSettle_RejectedReference(t *testing.T) {
	eachStore(t, func(t *testing.T, s ledger.TxStore) {
		ctx := context.Background()
		c := ledger.NewCoordinator(s)
		seed(t, c, "tag1", 0, 0)

		ok, err := c.Reject(ctx, "ps-x", "unknown customer")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = c.Reject(ctx, "ps-x", "unknown customer")
		require.NoError(t, err)
		assert.False(t, ok, "second rejection is a no-op")

		_, err = c.Settle(ctx, settle("tag1", 100, "ps-x"))
		var re *ledger.RejectedError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, "unknown customer", re.Reason)
		assert.ErrorIs(t, err, ledger.ErrConflict)
	})
}

// =============================================================================
// SERIALIZATION
// =============================================================================

func TestSettle_ConcurrentSameAccount(t *testing.T) {
	// GIVEN: An account with 200 debt
	// WHEN: 40 payments of 10 arrive concurrently with distinct references
	// THEN: Every payment lands exactly once and the entry chain is gapless

	eachStore(t, func(t *testing.T, s ledger.TxStore) {
		ctx := context.Background()
		c := ledger.NewCoordinator(s)
		seed(t, c, "tag1", 0, 200)

		const n = 40
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := c.Settle(ctx, settle("tag1", 10, fmt.Sprintf("ps-%d", i)))
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		acct, err := c.GetAccount(ctx, "tag1")
		require.NoError(t, err)
		assert.Equal(t, ledger.Money(200), acct.Balance)
		assert.Equal(t, ledger.Money(0), acct.Debt)

		history, err := c.History(ctx, "tag1", 0)
		require.NoError(t, err)
		require.Len(t, history, n+1)
		for i := 0; i < len(history)-1; i++ {
			newer, older := history[i], history[i+1]
			assert.Equal(t, older.Sequence+1, newer.Sequence)
			assert.Equal(t, older.BalanceAfter, newer.BalanceBefore)
			assert.Equal(t, older.DebtAfter, newer.DebtBefore)
			assert.True(t, newer.Balanced())
		}
	})
}

func TestSettle_ConcurrentDuplicates(t *testing.T) {
	eachStore(t, func(t *testing.T, s ledger.TxStore) {
		ctx := context.Background()
		c := ledger.NewCoordinator(s)
		seed(t, c, "tag1", 0, 0)

		const n = 20
		ids := make(chan ledger.EntryID, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				e, err := c.Settle(ctx, settle("tag1", 100, "ps-dup"))
				if assert.NoError(t, err) {
					ids <- e.ID
				}
			}()
		}
		wg.Wait()
		close(ids)

		seen := map[ledger.EntryID]bool{}
		for id := range ids {
			seen[id] = true
		}
		assert.Len(t, seen, 1, "one entry no matter how many deliveries")

		acct, err := c.GetAccount(ctx, "tag1")
		require.NoError(t, err)
		assert.Equal(t, ledger.Money(100), acct.Balance)
	})
}

func TestSettle_LockTimeout(t *testing.T) {
	ctx := context.Background()
	km := ledger.NewKeyedMutex()
	c := ledger.NewCoordinator(store.NewTxMemory(),
		ledger.WithLocker(km),
		ledger.WithLockTimeout(20*time.Millisecond),
	)
	seed(t, c, "tag1", 0, 0)

	unlock, err := km.Lock(ctx, "account:tag1")
	require.NoError(t, err)

	_, err = c.Settle(ctx, settle("tag1", 100, "ps-1"))
	var te *ledger.ConcurrencyTimeoutError
	require.ErrorAs(t, err, &te)
	assert.True(t, ledger.IsRetryable(err))
	assert.GreaterOrEqual(t, te.Waited, 20*time.Millisecond)

	unlock()
	e, err := c.Settle(ctx, settle("tag1", 100, "ps-1"))
	require.NoError(t, err, "retry after the holder releases")
	assert.Equal(t, ledger.Money(100), e.BalanceAfter)
}

// =============================================================================
// FAILURE ATOMICITY
// =============================================================================

// faultyStore fails AppendEntry inside transactions while err is set.
type faultyStore struct {
	ledger.TxStore
	err error
}

func (f *faultyStore) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return f.TxStore.WithTx(ctx, func(tx ledger.Store) error {
		return fn(faultyTx{Store: tx, err: f.err})
	})
}

type faultyTx struct {
	ledger.Store
	err error
}

func (f faultyTx) AppendEntry(ctx context.Context, e ledger.LedgerEntry) error {
	if f.err != nil {
		return f.err
	}
	return f.Store.AppendEntry(ctx, e)
}

func TestSettle_StorageFailureLeavesNoPartialState(t *testing.T) {
	// GIVEN: The entry append fails after the account update succeeded
	// WHEN: A payment is settled
	// THEN: StorageError, account unchanged, reference free for a retry

	eachStore(t, func(t *testing.T, s ledger.TxStore) {
		ctx := context.Background()
		fs := &faultyStore{TxStore: s}
		notes := &recordingNotifier{}
		c := ledger.NewCoordinator(fs, ledger.WithNotifier(notes))
		seed(t, c, "tag1", 0, 500)

		fs.err = errors.New("disk full")
		_, err := c.Settle(ctx, settle("tag1", 300, "ps-1"))
		var se *ledger.StorageError
		require.ErrorAs(t, err, &se)
		assert.True(t, ledger.IsRetryable(err))

		acct, err := c.GetAccount(ctx, "tag1")
		require.NoError(t, err)
		assert.Equal(t, ledger.Money(500), acct.Debt)
		assert.Equal(t, int64(1), acct.Version)

		rec, err := c.Outcome(ctx, "ps-1")
		require.NoError(t, err)
		assert.Nil(t, rec, "reservation released")
		assert.Equal(t, []ledger.Event{ledger.EventBalanceAdjusted}, notes.events())

		fs.err = nil
		e, err := c.Settle(ctx, settle("tag1", 300, "ps-1"))
		require.NoError(t, err)
		assert.Equal(t, ledger.Money(200), e.DebtAfter)
	})
}

func TestSettle_NotifierPanicDoesNotFailCommit(t *testing.T) {
	ctx := context.Background()
	c := ledger.NewCoordinator(store.NewTxMemory(),
		ledger.WithNotifier(ledger.NotifierFunc(func(context.Context, ledger.Notification) {
			panic("sink exploded")
		})),
	)
	_, err := c.Initialize(ctx, "tag1", ledger.Profile{})
	require.NoError(t, err)

	e, err := c.Settle(ctx, settle("tag1", 100, "ps-1"))
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(100), e.BalanceAfter)
}

// =============================================================================
// ACCOUNT LIFECYCLE
// =============================================================================

func TestInitialize_SecondCallConflicts(t *testing.T) {
	// GIVEN: tag1 initialized and topped up
	// WHEN: tag1 is initialized again
	// THEN: ConflictError and the stored account is unchanged

	eachStore(t, func(t *testing.T, s ledger.TxStore) {
		ctx := context.Background()
		c := ledger.NewCoordinator(s)

		acct, err := c.Initialize(ctx, "tag1", ledger.Profile{Email: " Owner@Example.com ", Label: "GR-1234-20"})
		require.NoError(t, err)
		assert.Equal(t, "owner@example.com", acct.Email)
		assert.Equal(t, ledger.Money(0), acct.Balance)

		_, err = c.Settle(ctx, settle("tag1", 250, "ps-1"))
		require.NoError(t, err)

		_, err = c.Initialize(ctx, "tag1", ledger.Profile{Email: "other@example.com"})
		var ce *ledger.ConflictError
		require.ErrorAs(t, err, &ce)
		assert.True(t, ledger.IsClientError(err))

		got, err := c.GetAccount(ctx, "tag1")
		require.NoError(t, err)
		assert.Equal(t, ledger.Money(250), got.Balance)
		assert.Equal(t, "owner@example.com", got.Email)
	})
}

func TestAdjust_OverridesAndRecords(t *testing.T) {
	eachStore(t, func(t *testing.T, s ledger.TxStore) {
		ctx := context.Background()
		c := ledger.NewCoordinator(s)
		seed(t, c, "tag1", 100, 0)

		e, err := c.Adjust(ctx, ledger.AdjustRequest{
			AccountID: "tag1", Balance: 40, Debt: 300, Reason: "device backfill", Actor: "alice",
		})
		require.NoError(t, err)
		assert.Equal(t, ledger.EntryManualAdjustment, e.Type)
		assert.True(t, strings.HasPrefix(e.Reference, "adj-"))
		assert.Equal(t, "operator:alice", e.Source)
		assert.Equal(t, "device backfill", e.Note)
		assert.Equal(t, ledger.Money(-300), e.DebtCleared)
		assert.True(t, e.Balanced())

		// Idle balance is not drained: the next payment clears debt first.
		p, err := c.Settle(ctx, settle("tag1", 100, "ps-1"))
		require.NoError(t, err)
		assert.Equal(t, ledger.Money(40), p.BalanceAfter)
		assert.Equal(t, ledger.Money(200), p.DebtAfter)

		_, err = c.Adjust(ctx, ledger.AdjustRequest{AccountID: "tag1", Balance: -1})
		assert.ErrorIs(t, err, ledger.ErrValidation)
	})
}

func TestAdjust_IdempotentWithReference(t *testing.T) {
	ctx := context.Background()
	c := ledger.NewCoordinator(store.NewTxMemory())
	seed(t, c, "tag1", 0, 0)

	req := ledger.AdjustRequest{AccountID: "tag1", Balance: 500, Reference: "ticket-42"}
	first, err := c.Adjust(ctx, req)
	require.NoError(t, err)

	// Balance changed in between; the replay must not re-apply the override.
	_, err = c.Settle(ctx, settle("tag1", 100, "ps-1"))
	require.NoError(t, err)

	again, err := c.Adjust(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	acct, err := c.GetAccount(ctx, "tag1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(600), acct.Balance)
}

func TestCharge_ShortfallBecomesDebt(t *testing.T) {
	eachStore(t, func(t *testing.T, s ledger.TxStore) {
		ctx := context.Background()
		notes := &recordingNotifier{}
		c := ledger.NewCoordinator(s, ledger.WithNotifier(notes))
		_, err := c.Initialize(ctx, "tag1", ledger.Profile{})
		require.NoError(t, err)

		_, err = c.Settle(ctx, settle("tag1", 150, "ps-1"))
		require.NoError(t, err)

		e, err := c.Charge(ctx, ledger.ChargeRequest{AccountID: "tag1", Amount: 200, Reference: "gate-1", Source: "gate:north"})
		require.NoError(t, err)
		assert.Equal(t, ledger.EntryTollCharge, e.Type)
		assert.Equal(t, ledger.Money(-200), e.Amount)
		assert.Equal(t, ledger.Money(0), e.BalanceAfter)
		assert.Equal(t, ledger.Money(50), e.DebtAfter)
		assert.True(t, e.Balanced())

		p, err := c.Settle(ctx, settle("tag1", 80, "ps-2"))
		require.NoError(t, err)
		assert.Equal(t, ledger.Money(50), p.DebtCleared)
		assert.Equal(t, ledger.Money(30), p.BalanceAfter)

		assert.Equal(t, []ledger.Event{
			ledger.EventTopupCompleted, ledger.EventTollCharged, ledger.EventDebtCleared,
		}, notes.events())
	})
}

func TestUpdateProfile(t *testing.T) {
	eachStore(t, func(t *testing.T, s ledger.TxStore) {
		ctx := context.Background()
		c := ledger.NewCoordinator(s)
		seed(t, c, "tag1", 0, 0)

		email := "NEW@example.com"
		code := "CUS_abc"
		acct, err := c.UpdateProfile(ctx, "tag1", ledger.ProfileUpdate{Email: &email, CustomerCode: &code})
		require.NoError(t, err)
		assert.Equal(t, "new@example.com", acct.Email)
		assert.Equal(t, "CUS_abc", acct.CustomerCode)
		assert.Equal(t, int64(1), acct.Version)

		found, err := c.FindAccountByEmail(ctx, "new@example.com")
		require.NoError(t, err)
		assert.Equal(t, ledger.AccountID("tag1"), found.ID)

		e, err := c.Settle(ctx, settle("tag1", 10, "ps-1"))
		require.NoError(t, err)
		assert.Equal(t, int64(2), e.Sequence)

		_, err = c.UpdateProfile(ctx, "ghost", ledger.ProfileUpdate{Email: &email})
		assert.True(t, ledger.IsNotFound(err))
	})
}

func TestHistoryAndSweep(t *testing.T) {
	eachStore(t, func(t *testing.T, s ledger.TxStore) {
		ctx := context.Background()
		now := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)
		c := ledger.NewCoordinator(s,
			ledger.WithClock(func() time.Time { return now }),
			ledger.WithReservationTTL(time.Minute),
		)
		seed(t, c, "tag1", 0, 0)

		for i := 0; i < 5; i++ {
			_, err := c.Settle(ctx, settle("tag1", 10, fmt.Sprintf("ps-%d", i)))
			require.NoError(t, err)
		}

		last, err := c.History(ctx, "tag1", 2)
		require.NoError(t, err)
		require.Len(t, last, 2)
		assert.Equal(t, "ps-4", last[0].Reference)

		e, err := c.Entry(ctx, last[1].ID)
		require.NoError(t, err)
		assert.Equal(t, "ps-3", e.Reference)

		_, err = c.History(ctx, "ghost", 10)
		assert.True(t, ledger.IsNotFound(err))

		// A crashed worker left a reservation behind.
		ok, err := s.Reserve(ctx, "ps-crashed", ledger.Reservation{AccountID: "tag1", Owner: "dead", Until: now.Add(time.Minute)}, now)
		require.NoError(t, err)
		require.True(t, ok)

		n, err := c.SweepReservations(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n, "not expired yet")

		now = now.Add(2 * time.Minute)
		n, err = c.SweepReservations(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		accts, err := c.ListAccounts(ctx)
		require.NoError(t, err)
		assert.Len(t, accts, 1)
	})
}

func TestSettle_AbandonedReservationSelfHeals(t *testing.T) {
	// GIVEN: A worker crashed after reserving a reference, leaving it held
	// WHEN: The same payment is retried before and after the reservation TTL
	// THEN: The early retry is told to back off; the late one takes over and applies

	eachStore(t, func(t *testing.T, s ledger.TxStore) {
		ctx := context.Background()
		var mu sync.Mutex
		now := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)
		clock := func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		}
		c := ledger.NewCoordinator(s,
			ledger.WithClock(clock),
			ledger.WithReservationTTL(time.Minute),
		)
		seed(t, c, "tag1", 0, 500)

		ok, err := s.Reserve(ctx, "ps-crash", ledger.Reservation{
			AccountID: "tag1", Owner: "crashed-worker", Until: now.Add(time.Minute),
		}, now)
		require.NoError(t, err)
		require.True(t, ok)

		_, err = c.Settle(ctx, settle("tag1", 300, "ps-crash"))
		var te *ledger.ConcurrencyTimeoutError
		require.ErrorAs(t, err, &te)
		assert.True(t, ledger.IsRetryable(err))

		acct, err := c.GetAccount(ctx, "tag1")
		require.NoError(t, err)
		assert.Equal(t, ledger.Money(500), acct.Debt, "nothing applied while the reservation is live")

		mu.Lock()
		now = now.Add(2 * time.Minute)
		mu.Unlock()

		e, err := c.Settle(ctx, settle("tag1", 300, "ps-crash"))
		require.NoError(t, err)
		assert.Equal(t, ledger.Money(300), e.DebtCleared)
		assert.Equal(t, ledger.Money(200), e.DebtAfter)
		assert.Equal(t, ledger.Money(0), e.BalanceAfter)

		rec, err := c.Outcome(ctx, "ps-crash")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, ledger.StateCompleted, rec.State)
		assert.Equal(t, e.ID, rec.EntryID)
	})
}
