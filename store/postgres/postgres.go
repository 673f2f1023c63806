/*
Package postgres provides a PostgreSQL-backed implementation of ledger.TxStore.

PURPOSE:
  Production storage for multi-instance deployments. Same tables as
  store/sqlite; the differences are dialect, row locks and isolation.

TRANSACTIONS:
  WithTx runs at REPEATABLE READ. Inside a transaction GetAccount takes a
  row lock (SELECT ... FOR UPDATE), so a writer that bypassed the
  Coordinator's Locker blocks instead of racing; the version CAS and the
  UNIQUE(account_id, sequence) index catch anything else.

ERRORS:
  SQLSTATE 23505 (unique_violation) maps to ledger.ErrAccountExists or
  ledger.ErrDuplicateSequence depending on the table.

SEE ALSO:
  - store/sqlite/sqlite.go: same contract on SQLite
  - ledger/store.go: Interface definitions
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/warp/toll-ledger/ledger"
)

const uniqueViolation = "23505"

// Store implements ledger.TxStore on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Config tunes the connection pool. Zero values keep pgx defaults.
type Config struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// New connects to databaseURL, pings it and migrates the schema.
func New(ctx context.Context, databaseURL string, cfg Config) (*Store, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		config.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		config.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		config.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		config.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
		debt BIGINT NOT NULL DEFAULT 0 CHECK (debt >= 0),
		email TEXT NOT NULL DEFAULT '',
		customer_code TEXT NOT NULL DEFAULT '',
		label TEXT NOT NULL DEFAULT '',
		last_topup_at TIMESTAMPTZ,
		last_topup_amount BIGINT NOT NULL DEFAULT 0,
		version BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_accounts_email ON accounts(email) WHERE email <> '';

	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		sequence BIGINT NOT NULL,
		reference TEXT NOT NULL,
		entry_type TEXT NOT NULL,
		amount BIGINT NOT NULL,
		balance_before BIGINT NOT NULL,
		balance_after BIGINT NOT NULL,
		debt_before BIGINT NOT NULL,
		debt_after BIGINT NOT NULL,
		debt_cleared BIGINT NOT NULL,
		status TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT '',
		occurred_at TIMESTAMPTZ NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT ledger_entries_account_sequence UNIQUE (account_id, sequence)
	);
	CREATE INDEX IF NOT EXISTS idx_ledger_entries_reference ON ledger_entries(reference);

	CREATE TABLE IF NOT EXISTS idempotency_keys (
		reference TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		account_id TEXT NOT NULL DEFAULT '',
		entry_id TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		owner TEXT NOT NULL DEFAULT '',
		reserved_until TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_idempotency_keys_reserved
		ON idempotency_keys(reserved_until) WHERE state = 'reserved';
	`)
	return err
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// conn implements ledger.Store over a querier. lockRows is set for
// transactional views.
type conn struct {
	q        querier
	lockRows bool
}

func (s *Store) conn() *conn { return &conn{q: s.pool} }

// =============================================================================
// STORE (pool-backed)
// =============================================================================

func (s *Store) CreateAccount(ctx context.Context, a ledger.Account) error {
	return s.conn().CreateAccount(ctx, a)
}

func (s *Store) GetAccount(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	return s.conn().GetAccount(ctx, id)
}

func (s *Store) UpdateAccount(ctx context.Context, a ledger.Account, expectedVersion int64) error {
	return s.conn().UpdateAccount(ctx, a, expectedVersion)
}

func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	return s.conn().ListAccounts(ctx)
}

func (s *Store) FindAccountByEmail(ctx context.Context, email string) (ledger.Account, error) {
	return s.conn().FindAccountByEmail(ctx, email)
}

func (s *Store) AppendEntry(ctx context.Context, e ledger.LedgerEntry) error {
	return s.conn().AppendEntry(ctx, e)
}

func (s *Store) Entries(ctx context.Context, id ledger.AccountID, limit int) ([]ledger.LedgerEntry, error) {
	return s.conn().Entries(ctx, id, limit)
}

func (s *Store) GetEntry(ctx context.Context, id ledger.EntryID) (ledger.LedgerEntry, error) {
	return s.conn().GetEntry(ctx, id)
}

func (s *Store) Lookup(ctx context.Context, reference string) (*ledger.IdempotencyRecord, error) {
	return s.conn().Lookup(ctx, reference)
}

func (s *Store) Reserve(ctx context.Context, reference string, r ledger.Reservation, now time.Time) (bool, error) {
	return s.conn().Reserve(ctx, reference, r, now)
}

func (s *Store) Finalize(ctx context.Context, reference, owner string, o ledger.Outcome, now time.Time) error {
	return s.conn().Finalize(ctx, reference, owner, o, now)
}

func (s *Store) Release(ctx context.Context, reference, owner string) error {
	return s.conn().Release(ctx, reference, owner)
}

func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	return s.conn().PurgeExpired(ctx, now)
}

// WithTx executes fn inside a REPEATABLE READ transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&conn{q: tx, lockRows: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

// =============================================================================
// ACCOUNTS
// =============================================================================

const accountColumns = `id, balance, debt, email, customer_code, label,
	last_topup_at, last_topup_amount, version, created_at, updated_at`

func (c *conn) CreateAccount(ctx context.Context, a ledger.Account) error {
	_, err := c.q.Exec(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID, a.Balance, a.Debt, a.Email, a.CustomerCode, a.Label,
		a.LastTopupAt, a.LastTopupAmount, a.Version, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrAccountExists
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (c *conn) GetAccount(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	if c.lockRows {
		query += ` FOR UPDATE`
	}
	a, err := scanAccount(c.q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return a, err
}

func (c *conn) UpdateAccount(ctx context.Context, a ledger.Account, expectedVersion int64) error {
	tag, err := c.q.Exec(ctx, `
		UPDATE accounts
		SET balance = $1, debt = $2, email = $3, customer_code = $4, label = $5,
		    last_topup_at = $6, last_topup_amount = $7, version = $8, updated_at = $9
		WHERE id = $10 AND version = $11`,
		a.Balance, a.Debt, a.Email, a.CustomerCode, a.Label,
		a.LastTopupAt, a.LastTopupAmount, a.Version, a.UpdatedAt,
		a.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := c.q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)`, a.ID).Scan(&exists); err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	if !exists {
		return ledger.ErrAccountNotFound
	}
	return ledger.ErrVersionMismatch
}

func (c *conn) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	rows, err := c.q.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
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

func (c *conn) FindAccountByEmail(ctx context.Context, email string) (ledger.Account, error) {
	if email == "" {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	a, err := scanAccount(c.q.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE email = $1 ORDER BY id LIMIT 1`, email))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return a, err
}

func scanAccount(row pgx.Row) (ledger.Account, error) {
	var (
		a         ledger.Account
		lastTopup *time.Time
	)
	err := row.Scan(&a.ID, &a.Balance, &a.Debt, &a.Email, &a.CustomerCode, &a.Label,
		&lastTopup, &a.LastTopupAmount, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return a, err
		}
		return a, fmt.Errorf("scan account: %w", err)
	}
	if lastTopup != nil {
		t := lastTopup.UTC()
		a.LastTopupAt = &t
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return a, nil
}

// =============================================================================
// ENTRIES
// =============================================================================

const entryColumns = `id, account_id, sequence, reference, entry_type, amount,
	balance_before, balance_after, debt_before, debt_after, debt_cleared,
	status, source, note, occurred_at, recorded_at`

func (c *conn) AppendEntry(ctx context.Context, e ledger.LedgerEntry) error {
	_, err := c.q.Exec(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		e.ID, e.AccountID, e.Sequence, e.Reference, e.Type, e.Amount,
		e.BalanceBefore, e.BalanceAfter, e.DebtBefore, e.DebtAfter, e.DebtCleared,
		e.Status, e.Source, e.Note, e.OccurredAt, e.RecordedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrDuplicateSequence
		}
		return fmt.Errorf("append entry: %w", err)
	}
	return nil
}

func (c *conn) Entries(ctx context.Context, id ledger.AccountID, limit int) ([]ledger.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE account_id = $1 ORDER BY sequence DESC`
	args := []any{id}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := c.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
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

func (c *conn) GetEntry(ctx context.Context, id ledger.EntryID) (ledger.LedgerEntry, error) {
	e, err := scanEntry(c.q.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.LedgerEntry{}, ledger.ErrEntryNotFound
	}
	return e, err
}

func scanEntry(row pgx.Row) (ledger.LedgerEntry, error) {
	var e ledger.LedgerEntry
	err := row.Scan(&e.ID, &e.AccountID, &e.Sequence, &e.Reference, &e.Type, &e.Amount,
		&e.BalanceBefore, &e.BalanceAfter, &e.DebtBefore, &e.DebtAfter, &e.DebtCleared,
		&e.Status, &e.Source, &e.Note, &e.OccurredAt, &e.RecordedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("scan entry: %w", err)
	}
	e.OccurredAt = e.OccurredAt.UTC()
	e.RecordedAt = e.RecordedAt.UTC()
	return e, nil
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func (c *conn) Lookup(ctx context.Context, reference string) (*ledger.IdempotencyRecord, error) {
	var (
		rec           ledger.IdempotencyRecord
		reservedUntil *time.Time
	)
	err := c.q.QueryRow(ctx, `
		SELECT reference, state, account_id, entry_id, reason, owner, reserved_until, created_at, updated_at
		FROM idempotency_keys WHERE reference = $1`, reference,
	).Scan(&rec.Reference, &rec.State, &rec.AccountID, &rec.EntryID, &rec.Reason, &rec.Owner,
		&reservedUntil, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup reference: %w", err)
	}
	if reservedUntil != nil {
		rec.ReservedUntil = reservedUntil.UTC()
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}

func (c *conn) Reserve(ctx context.Context, reference string, r ledger.Reservation, now time.Time) (bool, error) {
	tag, err := c.q.Exec(ctx, `
		INSERT INTO idempotency_keys (reference, state, account_id, owner, reserved_until, created_at, updated_at)
		VALUES ($1, 'reserved', $2, $3, $4, $5, $5)
		ON CONFLICT (reference) DO UPDATE SET
			account_id = EXCLUDED.account_id,
			owner = EXCLUDED.owner,
			reserved_until = EXCLUDED.reserved_until,
			updated_at = EXCLUDED.updated_at
		WHERE idempotency_keys.state = 'reserved'
		  AND idempotency_keys.reserved_until <= EXCLUDED.updated_at`,
		reference, r.AccountID, r.Owner, r.Until, now,
	)
	if err != nil {
		return false, fmt.Errorf("reserve reference: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (c *conn) Finalize(ctx context.Context, reference, owner string, o ledger.Outcome, now time.Time) error {
	if owner == "" {
		_, err := c.q.Exec(ctx, `
			INSERT INTO idempotency_keys (reference, state, account_id, entry_id, reason, owner, reserved_until, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, '', NULL, $6, $6)
			ON CONFLICT (reference) DO UPDATE SET
				state = EXCLUDED.state,
				account_id = EXCLUDED.account_id,
				entry_id = EXCLUDED.entry_id,
				reason = EXCLUDED.reason,
				owner = '',
				reserved_until = NULL,
				updated_at = EXCLUDED.updated_at`,
			reference, o.State, o.AccountID, o.EntryID, o.Reason, now,
		)
		if err != nil {
			return fmt.Errorf("finalize reference: %w", err)
		}
		return nil
	}

	tag, err := c.q.Exec(ctx, `
		UPDATE idempotency_keys
		SET state = $1, account_id = $2, entry_id = $3, reason = $4, owner = '', reserved_until = NULL, updated_at = $5
		WHERE reference = $6 AND state = 'reserved' AND owner = $7`,
		o.State, o.AccountID, o.EntryID, o.Reason, now, reference, owner,
	)
	if err != nil {
		return fmt.Errorf("finalize reference: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ledger.ErrReferenceNotReserved
	}
	return nil
}

func (c *conn) Release(ctx context.Context, reference, owner string) error {
	_, err := c.q.Exec(ctx,
		`DELETE FROM idempotency_keys WHERE reference = $1 AND state = 'reserved' AND owner = $2`,
		reference, owner)
	if err != nil {
		return fmt.Errorf("release reference: %w", err)
	}
	return nil
}

func (c *conn) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := c.q.Exec(ctx,
		`DELETE FROM idempotency_keys WHERE state = 'reserved' AND reserved_until <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge reservations: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// Truncate empties every ledger table. Integration tests call it between runs.
func (s *Store) Truncate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE ledger_entries, idempotency_keys, accounts`)
	return err
}
