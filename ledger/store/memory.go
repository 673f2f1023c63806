// Package store provides in-memory ledger.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/toll-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu    sync.RWMutex
	state memoryState
}

type memoryState struct {
	accounts   map[ledger.AccountID]ledger.Account
	entries    map[ledger.AccountID][]ledger.LedgerEntry // ascending by sequence
	entryIndex map[ledger.EntryID]ledger.LedgerEntry
	references map[string]ledger.IdempotencyRecord
}

func newMemoryState() memoryState {
	return memoryState{
		accounts:   make(map[ledger.AccountID]ledger.Account),
		entries:    make(map[ledger.AccountID][]ledger.LedgerEntry),
		entryIndex: make(map[ledger.EntryID]ledger.LedgerEntry),
		references: make(map[string]ledger.IdempotencyRecord),
	}
}

func NewMemory() *Memory {
	return &Memory{state: newMemoryState()}
}

func (m *Memory) CreateAccount(_ context.Context, acct ledger.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.createAccount(acct)
}

func (m *Memory) GetAccount(_ context.Context, id ledger.AccountID) (ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getAccount(id)
}

func (m *Memory) UpdateAccount(_ context.Context, acct ledger.Account, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.updateAccount(acct, expectedVersion)
}

func (m *Memory) ListAccounts(_ context.Context) ([]ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.listAccounts(), nil
}

func (m *Memory) FindAccountByEmail(_ context.Context, email string) (ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.findByEmail(email)
}

func (m *Memory) AppendEntry(_ context.Context, entry ledger.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.appendEntry(entry)
}

func (m *Memory) Entries(_ context.Context, id ledger.AccountID, limit int) ([]ledger.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.newestEntries(id, limit), nil
}

func (m *Memory) GetEntry(_ context.Context, id ledger.EntryID) (ledger.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getEntry(id)
}

func (m *Memory) Lookup(_ context.Context, reference string) (*ledger.IdempotencyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.lookup(reference), nil
}

func (m *Memory) Reserve(_ context.Context, reference string, r ledger.Reservation, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.reserve(reference, r, now), nil
}

func (m *Memory) Finalize(_ context.Context, reference, owner string, o ledger.Outcome, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.finalize(reference, owner, o, now)
}

func (m *Memory) Release(_ context.Context, reference, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.release(reference, owner)
	return nil
}

func (m *Memory) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.purgeExpired(now), nil
}

// =============================================================================
// STATE OPERATIONS - callers hold the lock
// =============================================================================

func (s *memoryState) createAccount(acct ledger.Account) error {
	if _, ok := s.accounts[acct.ID]; ok {
		return ledger.ErrAccountExists
	}
	s.accounts[acct.ID] = acct
	return nil
}

func (s *memoryState) getAccount(id ledger.AccountID) (ledger.Account, error) {
	acct, ok := s.accounts[id]
	if !ok {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return acct, nil
}

func (s *memoryState) updateAccount(acct ledger.Account, expectedVersion int64) error {
	cur, ok := s.accounts[acct.ID]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	if cur.Version != expectedVersion {
		return ledger.ErrVersionMismatch
	}
	s.accounts[acct.ID] = acct
	return nil
}

func (s *memoryState) listAccounts() []ledger.Account {
	out := make([]ledger.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *memoryState) findByEmail(email string) (ledger.Account, error) {
	if email == "" {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	// Lowest id wins when an address is shared.
	for _, a := range s.listAccounts() {
		if a.Email == email {
			return a, nil
		}
	}
	return ledger.Account{}, ledger.ErrAccountNotFound
}

func (s *memoryState) appendEntry(e ledger.LedgerEntry) error {
	list := s.entries[e.AccountID]

	// Binary search keeps the per-account list ordered by sequence.
	i := sort.Search(len(list), func(i int) bool { return list[i].Sequence >= e.Sequence })
	if i < len(list) && list[i].Sequence == e.Sequence {
		return ledger.ErrDuplicateSequence
	}
	list = append(list, ledger.LedgerEntry{})
	copy(list[i+1:], list[i:])
	list[i] = e
	s.entries[e.AccountID] = list
	s.entryIndex[e.ID] = e
	return nil
}

func (s *memoryState) newestEntries(id ledger.AccountID, limit int) []ledger.LedgerEntry {
	list := s.entries[id]
	n := len(list)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]ledger.LedgerEntry, 0, n)
	for i := len(list) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, list[i])
	}
	return out
}

func (s *memoryState) getEntry(id ledger.EntryID) (ledger.LedgerEntry, error) {
	e, ok := s.entryIndex[id]
	if !ok {
		return ledger.LedgerEntry{}, ledger.ErrEntryNotFound
	}
	return e, nil
}

func (s *memoryState) lookup(reference string) *ledger.IdempotencyRecord {
	rec, ok := s.references[reference]
	if !ok {
		return nil
	}
	return &rec
}

func (s *memoryState) reserve(reference string, r ledger.Reservation, now time.Time) bool {
	rec, ok := s.references[reference]
	if ok && (rec.Final() || !rec.Expired(now)) {
		return false
	}
	created := now
	if ok {
		created = rec.CreatedAt
	}
	s.references[reference] = ledger.IdempotencyRecord{
		Reference:     reference,
		State:         ledger.StateReserved,
		AccountID:     r.AccountID,
		Owner:         r.Owner,
		ReservedUntil: r.Until,
		CreatedAt:     created,
		UpdatedAt:     now,
	}
	return true
}

func (s *memoryState) finalize(reference, owner string, o ledger.Outcome, now time.Time) error {
	rec, ok := s.references[reference]
	if owner != "" && (!ok || rec.State != ledger.StateReserved || rec.Owner != owner) {
		return ledger.ErrReferenceNotReserved
	}
	if !ok {
		rec = ledger.IdempotencyRecord{Reference: reference, CreatedAt: now}
	}
	rec.State = o.State
	rec.AccountID = o.AccountID
	rec.EntryID = o.EntryID
	rec.Reason = o.Reason
	rec.Owner = ""
	rec.ReservedUntil = time.Time{}
	rec.UpdatedAt = now
	s.references[reference] = rec
	return nil
}

func (s *memoryState) release(reference, owner string) {
	rec, ok := s.references[reference]
	if ok && rec.State == ledger.StateReserved && rec.Owner == owner {
		delete(s.references, reference)
	}
}

func (s *memoryState) purgeExpired(now time.Time) int {
	n := 0
	for ref, rec := range s.references {
		if rec.Expired(now) {
			delete(s.references, ref)
			n++
		}
	}
	return n
}

func (s *memoryState) clone() memoryState {
	c := newMemoryState()
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.entries {
		c.entries[k] = append([]ledger.LedgerEntry(nil), v...)
	}
	for k, v := range s.entryIndex {
		c.entryIndex[k] = v
	}
	for k, v := range s.references {
		c.references[k] = v
	}
	return c
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(_ context.Context, fn func(ledger.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.state.clone()
	if err := fn(&txMemoryView{state: &tm.state}); err != nil {
		tm.state = snapshot
		return err
	}
	return nil
}

// txMemoryView operates on the parent's state while WithTx holds its lock.
type txMemoryView struct {
	state *memoryState
}

func (tv *txMemoryView) CreateAccount(_ context.Context, acct ledger.Account) error {
	return tv.state.createAccount(acct)
}

func (tv *txMemoryView) GetAccount(_ context.Context, id ledger.AccountID) (ledger.Account, error) {
	return tv.state.getAccount(id)
}

func (tv *txMemoryView) UpdateAccount(_ context.Context, acct ledger.Account, expectedVersion int64) error {
	return tv.state.updateAccount(acct, expectedVersion)
}

func (tv *txMemoryView) ListAccounts(_ context.Context) ([]ledger.Account, error) {
	return tv.state.listAccounts(), nil
}

func (tv *txMemoryView) FindAccountByEmail(_ context.Context, email string) (ledger.Account, error) {
	return tv.state.findByEmail(email)
}

func (tv *txMemoryView) AppendEntry(_ context.Context, entry ledger.LedgerEntry) error {
	return tv.state.appendEntry(entry)
}

func (tv *txMemoryView) Entries(_ context.Context, id ledger.AccountID, limit int) ([]ledger.LedgerEntry, error) {
	return tv.state.newestEntries(id, limit), nil
}

func (tv *txMemoryView) GetEntry(_ context.Context, id ledger.EntryID) (ledger.LedgerEntry, error) {
	return tv.state.getEntry(id)
}

func (tv *txMemoryView) Lookup(_ context.Context, reference string) (*ledger.IdempotencyRecord, error) {
	return tv.state.lookup(reference), nil
}

func (tv *txMemoryView) Reserve(_ context.Context, reference string, r ledger.Reservation, now time.Time) (bool, error) {
	return tv.state.reserve(reference, r, now), nil
}

func (tv *txMemoryView) Finalize(_ context.Context, reference, owner string, o ledger.Outcome, now time.Time) error {
	return tv.state.finalize(reference, owner, o, now)
}

func (tv *txMemoryView) Release(_ context.Context, reference, owner string) error {
	tv.state.release(reference, owner)
	return nil
}

func (tv *txMemoryView) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	return tv.state.purgeExpired(now), nil
}
