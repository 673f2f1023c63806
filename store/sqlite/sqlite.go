/*
Package sqlite provides a SQLite-backed implementation of ledger.TxStore.

PURPOSE:
  Persists accounts, ledger entries and idempotency records in one SQLite
  database. The same schema runs on PostgreSQL (store/postgres) with only
  dialect differences.

KEY TABLES:
  accounts:         one row per tag, version-guarded updates
  ledger_entries:   append-only history, UNIQUE(account_id, sequence)
  idempotency_keys: one row per external reference

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on ledger_entries
  - No DELETE statements on ledger_entries
  - Corrections via manual_adjustment entries only

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. SQLite has a single writer anyway;
  the mutex keeps database/sql from surfacing SQLITE_BUSY under load.

TIMESTAMPS:
  Stored as fixed-width UTC text (timeLayout) so string comparison in SQL
  orders them correctly. Reservation expiry relies on this.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  coord := ledger.NewCoordinator(store)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/toll-ledger/ledger"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements ledger.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" || strings.HasPrefix(dbPath, "file::memory:") {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
		debt INTEGER NOT NULL DEFAULT 0 CHECK (debt >= 0),
		email TEXT NOT NULL DEFAULT '',
		customer_code TEXT NOT NULL DEFAULT '',
		label TEXT NOT NULL DEFAULT '',
		last_topup_at TEXT,
		last_topup_amount INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_accounts_email
		ON accounts(email) WHERE email != '';
	CREATE INDEX IF NOT EXISTS idx_accounts_customer_code
		ON accounts(customer_code) WHERE customer_code != '';

	-- Ledger entries (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		sequence INTEGER NOT NULL,
		reference TEXT NOT NULL,
		entry_type TEXT NOT NULL,
		amount INTEGER NOT NULL,
		balance_before INTEGER NOT NULL,
		balance_after INTEGER NOT NULL,
		debt_before INTEGER NOT NULL,
		debt_after INTEGER NOT NULL,
		debt_cleared INTEGER NOT NULL,
		status TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT '',
		occurred_at TEXT NOT NULL,
		recorded_at TEXT NOT NULL
	);

	-- CRITICAL: total order per account, no lost updates
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_entries_account_sequence
		ON ledger_entries(account_id, sequence);
	CREATE INDEX IF NOT EXISTS idx_ledger_entries_reference
		ON ledger_entries(reference);

	-- Idempotency index
	CREATE TABLE IF NOT EXISTS idempotency_keys (
		reference TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		account_id TEXT NOT NULL DEFAULT '',
		entry_id TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		owner TEXT NOT NULL DEFAULT '',
		reserved_until TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_idempotency_keys_reserved
		ON idempotency_keys(reserved_until) WHERE state = 'reserved';
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// ACCOUNT STORE
// =============================================================================

func (s *Store) CreateAccount(ctx context.Context, acct ledger.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createAccount(ctx, s.db, acct)
}

func (s *Store) GetAccount(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getAccount(ctx, s.db, id)
}

func (s *Store) UpdateAccount(ctx context.Context, acct ledger.Account, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateAccount(ctx, s.db, acct, expectedVersion)
}

func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listAccounts(ctx, s.db)
}

func (s *Store) FindAccountByEmail(ctx context.Context, email string) (ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findAccountByEmail(ctx, s.db, email)
}

const accountColumns = `id, balance, debt, email, customer_code, label,
	last_topup_at, last_topup_amount, version, created_at, updated_at`

func createAccount(ctx context.Context, q querier, a ledger.Account) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Balance, a.Debt, a.Email, a.CustomerCode, a.Label,
		nullTime(a.LastTopupAt), a.LastTopupAmount, a.Version,
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrAccountExists
		}
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

func getAccount(ctx context.Context, q querier, id ledger.AccountID) (ledger.Account, error) {
	row := q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return a, err
}

func updateAccount(ctx context.Context, q querier, a ledger.Account, expectedVersion int64) error {
	res, err := q.ExecContext(ctx, `
		UPDATE accounts
		SET balance = ?, debt = ?, email = ?, customer_code = ?, label = ?,
		    last_topup_at = ?, last_topup_amount = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		a.Balance, a.Debt, a.Email, a.CustomerCode, a.Label,
		nullTime(a.LastTopupAt), a.LastTopupAmount, a.Version, formatTime(a.UpdatedAt),
		a.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := getAccount(ctx, q, a.ID); err != nil {
		return err
	}
	return ledger.ErrVersionMismatch
}

func listAccounts(ctx context.Context, q querier) ([]ledger.Account, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var out []ledger.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func findAccountByEmail(ctx context.Context, q querier, email string) (ledger.Account, error) {
	if email == "" {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	row := q.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE email = ? ORDER BY id LIMIT 1`, email)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return a, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(sc scanner) (ledger.Account, error) {
	var (
		a                    ledger.Account
		lastTopup            sql.NullString
		createdAt, updatedAt string
	)
	err := sc.Scan(&a.ID, &a.Balance, &a.Debt, &a.Email, &a.CustomerCode, &a.Label,
		&lastTopup, &a.LastTopupAmount, &a.Version, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return a, err
		}
		return a, fmt.Errorf("failed to scan account: %w", err)
	}
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	if lastTopup.Valid {
		t := parseTime(lastTopup.String)
		a.LastTopupAt = &t
	}
	return a, nil
}

// =============================================================================
// ENTRY LOG
// =============================================================================

func (s *Store) AppendEntry(ctx context.Context, e ledger.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendEntry(ctx, s.db, e)
}

func (s *Store) Entries(ctx context.Context, id ledger.AccountID, limit int) ([]ledger.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return entries(ctx, s.db, id, limit)
}

func (s *Store) GetEntry(ctx context.Context, id ledger.EntryID) (ledger.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getEntry(ctx, s.db, id)
}

const entryColumns = `id, account_id, sequence, reference, entry_type, amount,
	balance_before, balance_after, debt_before, debt_after, debt_cleared,
	status, source, note, occurred_at, recorded_at`

func appendEntry(ctx context.Context, q querier, e ledger.LedgerEntry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AccountID, e.Sequence, e.Reference, e.Type, e.Amount,
		e.BalanceBefore, e.BalanceAfter, e.DebtBefore, e.DebtAfter, e.DebtCleared,
		e.Status, e.Source, e.Note, formatTime(e.OccurredAt), formatTime(e.RecordedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateSequence
		}
		return fmt.Errorf("failed to append entry: %w", err)
	}
	return nil
}

func entries(ctx context.Context, q querier, id ledger.AccountID, limit int) ([]ledger.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE account_id = ? ORDER BY sequence DESC`
	args := []any{id}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	out := []ledger.LedgerEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func getEntry(ctx context.Context, q querier, id ledger.EntryID) (ledger.LedgerEntry, error) {
	row := q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.LedgerEntry{}, ledger.ErrEntryNotFound
	}
	return e, err
}

func scanEntry(sc scanner) (ledger.LedgerEntry, error) {
	var (
		e                      ledger.LedgerEntry
		occurredAt, recordedAt string
	)
	err := sc.Scan(&e.ID, &e.AccountID, &e.Sequence, &e.Reference, &e.Type, &e.Amount,
		&e.BalanceBefore, &e.BalanceAfter, &e.DebtBefore, &e.DebtAfter, &e.DebtCleared,
		&e.Status, &e.Source, &e.Note, &occurredAt, &recordedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}
	e.OccurredAt = parseTime(occurredAt)
	e.RecordedAt = parseTime(recordedAt)
	return e, nil
}

// =============================================================================
// IDEMPOTENCY INDEX
// =============================================================================

func (s *Store) Lookup(ctx context.Context, reference string) (*ledger.IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lookup(ctx, s.db, reference)
}

func (s *Store) Reserve(ctx context.Context, reference string, r ledger.Reservation, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return reserve(ctx, s.db, reference, r, now)
}

func (s *Store) Finalize(ctx context.Context, reference, owner string, o ledger.Outcome, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return finalize(ctx, s.db, reference, owner, o, now)
}

func (s *Store) Release(ctx context.Context, reference, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return release(ctx, s.db, reference, owner)
}

func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return purgeExpired(ctx, s.db, now)
}

func lookup(ctx context.Context, q querier, reference string) (*ledger.IdempotencyRecord, error) {
	var (
		rec                  ledger.IdempotencyRecord
		reservedUntil        sql.NullString
		createdAt, updatedAt string
	)
	err := q.QueryRowContext(ctx, `
		SELECT reference, state, account_id, entry_id, reason, owner, reserved_until, created_at, updated_at
		FROM idempotency_keys WHERE reference = ?`, reference,
	).Scan(&rec.Reference, &rec.State, &rec.AccountID, &rec.EntryID, &rec.Reason, &rec.Owner,
		&reservedUntil, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lookup reference: %w", err)
	}
	if reservedUntil.Valid {
		rec.ReservedUntil = parseTime(reservedUntil.String)
	}
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return &rec, nil
}

// reserve inserts a reservation, or takes over an expired one. The WHERE
// clause on the upsert makes the check and the claim one statement.
func reserve(ctx context.Context, q querier, reference string, r ledger.Reservation, now time.Time) (bool, error) {
	nowText := formatTime(now)
	res, err := q.ExecContext(ctx, `
		INSERT INTO idempotency_keys (reference, state, account_id, owner, reserved_until, created_at, updated_at)
		VALUES (?, 'reserved', ?, ?, ?, ?, ?)
		ON CONFLICT(reference) DO UPDATE SET
			account_id = excluded.account_id,
			owner = excluded.owner,
			reserved_until = excluded.reserved_until,
			updated_at = excluded.updated_at
		WHERE idempotency_keys.state = 'reserved'
		  AND idempotency_keys.reserved_until <= excluded.updated_at`,
		reference, r.AccountID, r.Owner, formatTime(r.Until), nowText, nowText,
	)
	if err != nil {
		return false, fmt.Errorf("failed to reserve reference: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to reserve reference: %w", err)
	}
	return n == 1, nil
}

func finalize(ctx context.Context, q querier, reference, owner string, o ledger.Outcome, now time.Time) error {
	nowText := formatTime(now)
	if owner == "" {
		_, err := q.ExecContext(ctx, `
			INSERT INTO idempotency_keys (reference, state, account_id, entry_id, reason, owner, reserved_until, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, '', NULL, ?, ?)
			ON CONFLICT(reference) DO UPDATE SET
				state = excluded.state,
				account_id = excluded.account_id,
				entry_id = excluded.entry_id,
				reason = excluded.reason,
				owner = '',
				reserved_until = NULL,
				updated_at = excluded.updated_at`,
			reference, o.State, o.AccountID, o.EntryID, o.Reason, nowText, nowText,
		)
		if err != nil {
			return fmt.Errorf("failed to finalize reference: %w", err)
		}
		return nil
	}

	res, err := q.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET state = ?, account_id = ?, entry_id = ?, reason = ?, owner = '', reserved_until = NULL, updated_at = ?
		WHERE reference = ? AND state = 'reserved' AND owner = ?`,
		o.State, o.AccountID, o.EntryID, o.Reason, nowText, reference, owner,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize reference: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to finalize reference: %w", err)
	}
	if n != 1 {
		return ledger.ErrReferenceNotReserved
	}
	return nil
}

func release(ctx context.Context, q querier, reference, owner string) error {
	_, err := q.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE reference = ? AND state = 'reserved' AND owner = ?`,
		reference, owner)
	if err != nil {
		return fmt.Errorf("failed to release reference: %w", err)
	}
	return nil
}

func purgeExpired(ctx context.Context, q querier, now time.Time) (int, error) {
	res, err := q.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE state = 'reserved' AND reserved_until <= ?`,
		formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("failed to purge reservations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to purge reservations: %w", err)
	}
	return int(n), nil
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// txStore runs every operation on the open transaction. The parent mutex
// is already held by WithTx.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) CreateAccount(ctx context.Context, a ledger.Account) error {
	return createAccount(ctx, ts.tx, a)
}

func (ts *txStore) GetAccount(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	return getAccount(ctx, ts.tx, id)
}

func (ts *txStore) UpdateAccount(ctx context.Context, a ledger.Account, expectedVersion int64) error {
	return updateAccount(ctx, ts.tx, a, expectedVersion)
}

func (ts *txStore) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	return listAccounts(ctx, ts.tx)
}

func (ts *txStore) FindAccountByEmail(ctx context.Context, email string) (ledger.Account, error) {
	return findAccountByEmail(ctx, ts.tx, email)
}

func (ts *txStore) AppendEntry(ctx context.Context, e ledger.LedgerEntry) error {
	return appendEntry(ctx, ts.tx, e)
}

func (ts *txStore) Entries(ctx context.Context, id ledger.AccountID, limit int) ([]ledger.LedgerEntry, error) {
	return entries(ctx, ts.tx, id, limit)
}

func (ts *txStore) GetEntry(ctx context.Context, id ledger.EntryID) (ledger.LedgerEntry, error) {
	return getEntry(ctx, ts.tx, id)
}

func (ts *txStore) Lookup(ctx context.Context, reference string) (*ledger.IdempotencyRecord, error) {
	return lookup(ctx, ts.tx, reference)
}

func (ts *txStore) Reserve(ctx context.Context, reference string, r ledger.Reservation, now time.Time) (bool, error) {
	return reserve(ctx, ts.tx, reference, r, now)
}

func (ts *txStore) Finalize(ctx context.Context, reference, owner string, o ledger.Outcome, now time.Time) error {
	return finalize(ctx, ts.tx, reference, owner, o, now)
}

func (ts *txStore) Release(ctx context.Context, reference, owner string) error {
	return release(ctx, ts.tx, reference, owner)
}

func (ts *txStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	return purgeExpired(ctx, ts.tx, now)
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
