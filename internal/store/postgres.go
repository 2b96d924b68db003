// Package store provides the pgx-backed implementation of the ledger and user
// ports for production wiring. The transfer path is a single transaction:
// idempotency-key reservation, row locks in ascending account-id order,
// sufficiency re-check, debit/credit/append, reservation completion.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/opencorebank/ledgerd/internal/domain"
)

const (
	pgUniqueViolation = "23505"
	pgLockNotAvail    = "55P03"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id            BIGSERIAL PRIMARY KEY,
    username      TEXT NOT NULL,
    email         TEXT NOT NULL,
    phone         TEXT NOT NULL,
    password_hash TEXT NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    CONSTRAINT users_username_key UNIQUE (username),
    CONSTRAINT users_email_key UNIQUE (email)
);

CREATE TABLE IF NOT EXISTS accounts (
    id         BIGSERIAL PRIMARY KEY,
    owner_id   BIGINT NOT NULL REFERENCES users(id),
    balance    NUMERIC(20,2) NOT NULL CHECK (balance >= 0),
    version    BIGINT NOT NULL DEFAULT 1,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS transfers (
    id              UUID PRIMARY KEY,
    from_account_id BIGINT NOT NULL REFERENCES accounts(id),
    to_account_id   BIGINT NOT NULL REFERENCES accounts(id),
    amount          NUMERIC(20,2) NOT NULL CHECK (amount > 0),
    from_version    BIGINT NOT NULL,
    to_version      BIGINT NOT NULL,
    idempotency_key TEXT NOT NULL UNIQUE,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ledger_entries (
    id          BIGSERIAL PRIMARY KEY,
    transfer_id UUID NOT NULL REFERENCES transfers(id),
    account_id  BIGINT NOT NULL REFERENCES accounts(id),
    delta       NUMERIC(20,2) NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS idempotency_keys (
    key          TEXT PRIMARY KEY,
    request_hash TEXT NOT NULL,
    status       TEXT NOT NULL,
    transfer_id  UUID,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

type Store struct {
	Db       *pgxpool.Pool
	lockWait time.Duration
}

var (
	_ domain.Ledger    = (*Store)(nil)
	_ domain.UserStore = (*Store)(nil)
)

func NewStore(connString string, lockWait time.Duration) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{Db: pool, lockWait: lockWait}, nil
}

func (s *Store) Close() {
	s.Db.Close()
}

// Bootstrap creates the schema when it does not exist yet.
func (s *Store) Bootstrap(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("schema bootstrap failed: %w", err)
	}
	return nil
}

// CreateUser inserts a user; unique violations map to the matching conflict.
func (s *Store) CreateUser(ctx context.Context, u domain.User) (*domain.User, error) {
	err := s.Db.QueryRow(ctx,
		`INSERT INTO users (username, email, phone, password_hash)
		 VALUES ($1, $2, $3, $4) RETURNING id, created_at`,
		u.Username, u.Email, u.Phone, u.PasswordHash,
	).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			if pgErr.ConstraintName == "users_email_key" {
				return nil, domain.ErrDuplicateEmail
			}
			return nil, domain.ErrDuplicateUsername
		}
		return nil, fmt.Errorf("user insert failed: %w", err)
	}
	return &u, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	var u domain.User
	err := s.Db.QueryRow(ctx,
		`SELECT id, username, email, phone, password_hash, created_at
		 FROM users WHERE username = $1`, username,
	).Scan(&u.ID, &u.Username, &u.Email, &u.Phone, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("user query failed: %w", err)
	}
	return &u, nil
}

func (s *Store) CreateAccount(ctx context.Context, ownerID int64, opening decimal.Decimal) (*domain.Account, error) {
	if opening.IsNegative() {
		return nil, fmt.Errorf("%w: opening balance must not be negative", domain.ErrInvalidRequest)
	}
	acc := domain.Account{OwnerID: ownerID, Balance: opening, Version: 1}
	err := s.Db.QueryRow(ctx,
		`INSERT INTO accounts (owner_id, balance) VALUES ($1, $2) RETURNING id, created_at`,
		ownerID, opening,
	).Scan(&acc.ID, &acc.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("account insert failed: %w", err)
	}
	return &acc, nil
}

func (s *Store) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	var acc domain.Account
	var balance string
	err := s.Db.QueryRow(ctx,
		`SELECT id, owner_id, balance::text, version, created_at FROM accounts WHERE id = $1`, id,
	).Scan(&acc.ID, &acc.OwnerID, &balance, &acc.Version, &acc.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("account query failed: %w", err)
	}
	if acc.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("corrupt balance for account %d: %w", id, err)
	}
	return &acc, nil
}

func (s *Store) GetBalance(ctx context.Context, id int64) (decimal.Decimal, error) {
	acc, err := s.GetAccount(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	return acc.Balance, nil
}

func (s *Store) GetTransfer(ctx context.Context, id uuid.UUID) (*domain.TransferRecord, error) {
	return s.transferByPredicate(ctx, "id = $1", id)
}

func (s *Store) GetEntries(ctx context.Context, accountID int64) ([]domain.LedgerEntry, error) {
	var exists bool
	if err := s.Db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM accounts WHERE id=$1)", accountID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("account existence check failed: %w", err)
	}
	if !exists {
		return nil, domain.ErrNotFound
	}

	rows, err := s.Db.Query(ctx,
		`SELECT transfer_id, account_id, delta::text, created_at
		 FROM ledger_entries WHERE account_id = $1 ORDER BY id DESC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("entries query failed: %w", err)
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var entry domain.LedgerEntry
		var delta string
		if err := rows.Scan(&entry.TransferID, &entry.AccountID, &delta, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("entry scan failed: %w", err)
		}
		if entry.Delta, err = decimal.NewFromString(delta); err != nil {
			return nil, fmt.Errorf("corrupt delta: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Transfer runs the full transfer protocol inside one RepeatableRead
// transaction. A bounded lock_timeout turns row-lock contention into ErrBusy
// instead of unbounded blocking.
func (s *Store) Transfer(ctx context.Context, req domain.TransferRequest) (*domain.TransferRecord, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidRequest)
	}
	if req.FromAccountID == req.ToAccountID {
		return nil, fmt.Errorf("%w: source and destination must differ", domain.ErrInvalidRequest)
	}
	fingerprint := fmt.Sprintf("%d|%d|%s", req.FromAccountID, req.ToAccountID, req.Amount.String())

	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockWait.Milliseconds())); err != nil {
		return nil, fmt.Errorf("lock_timeout failed: %w", err)
	}

	// Idempotency check: a completed key replays the stored record verbatim.
	var storedHash, storedStatus string
	var storedTransfer *uuid.UUID
	err = tx.QueryRow(ctx,
		"SELECT request_hash, status, transfer_id FROM idempotency_keys WHERE key = $1",
		req.IdempotencyKey,
	).Scan(&storedHash, &storedStatus, &storedTransfer)
	if err == nil {
		if storedHash != fingerprint {
			return nil, fmt.Errorf("%w: idempotency key reused with different payload", domain.ErrConflict)
		}
		if storedStatus != "completed" || storedTransfer == nil {
			return nil, fmt.Errorf("%w: request in progress", domain.ErrConflict)
		}
		return s.transferByPredicateTx(ctx, tx, "id = $1", *storedTransfer)
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("idempotency query failed: %w", err)
	}

	// Reservation. A concurrent request holding the same key loses here.
	_, err = tx.Exec(ctx,
		"INSERT INTO idempotency_keys (key, request_hash, status) VALUES ($1, $2, 'in_progress')",
		req.IdempotencyKey, fingerprint,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, fmt.Errorf("%w: request in progress", domain.ErrConflict)
		}
		return nil, fmt.Errorf("key reservation failed: %w", err)
	}

	// Row locks in ascending id order. This is the deadlock-freedom rule.
	loID, hiID := req.FromAccountID, req.ToAccountID
	if hiID < loID {
		loID, hiID = hiID, loID
	}
	balances := map[int64]decimal.Decimal{}
	for _, id := range []int64{loID, hiID} {
		var raw string
		err = tx.QueryRow(ctx, "SELECT balance::text FROM accounts WHERE id = $1 FOR UPDATE", id).Scan(&raw)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, domain.ErrNotFound
			}
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvail {
				return nil, fmt.Errorf("%w: row lock not acquired in time", domain.ErrBusy)
			}
			return nil, fmt.Errorf("lock acquisition failed: %w", err)
		}
		if balances[id], err = decimal.NewFromString(raw); err != nil {
			return nil, fmt.Errorf("corrupt balance for account %d: %w", id, err)
		}
	}

	// Sufficiency against the live, locked balance.
	if balances[req.FromAccountID].LessThan(req.Amount) {
		return nil, domain.ErrInsufficientFunds
	}

	var fromVersion, toVersion int64
	err = tx.QueryRow(ctx,
		"UPDATE accounts SET balance = balance - $1, version = version + 1 WHERE id = $2 RETURNING version",
		req.Amount, req.FromAccountID,
	).Scan(&fromVersion)
	if err != nil {
		return nil, fmt.Errorf("debit failed: %w", err)
	}
	err = tx.QueryRow(ctx,
		"UPDATE accounts SET balance = balance + $1, version = version + 1 WHERE id = $2 RETURNING version",
		req.Amount, req.ToAccountID,
	).Scan(&toVersion)
	if err != nil {
		return nil, fmt.Errorf("credit failed: %w", err)
	}

	rec := &domain.TransferRecord{
		ID:             uuid.New(),
		FromAccountID:  req.FromAccountID,
		ToAccountID:    req.ToAccountID,
		Amount:         req.Amount,
		FromVersion:    fromVersion,
		ToVersion:      toVersion,
		IdempotencyKey: req.IdempotencyKey,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO transfers (id, from_account_id, to_account_id, amount, from_version, to_version, idempotency_key)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING created_at`,
		rec.ID, rec.FromAccountID, rec.ToAccountID, rec.Amount, rec.FromVersion, rec.ToVersion, rec.IdempotencyKey,
	).Scan(&rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("transfer insert failed: %w", err)
	}

	_, err = tx.Exec(ctx,
		"INSERT INTO ledger_entries (transfer_id, account_id, delta) VALUES ($1, $2, $3), ($1, $4, $5)",
		rec.ID, req.FromAccountID, req.Amount.Neg(), req.ToAccountID, req.Amount,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger entry failed: %w", err)
	}

	_, err = tx.Exec(ctx,
		"UPDATE idempotency_keys SET status = 'completed', transfer_id = $1 WHERE key = $2",
		rec.ID, req.IdempotencyKey,
	)
	if err != nil {
		return nil, fmt.Errorf("idempotency update failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return rec, nil
}

func (s *Store) transferByPredicate(ctx context.Context, pred string, arg interface{}) (*domain.TransferRecord, error) {
	return scanTransfer(s.Db.QueryRow(ctx,
		`SELECT id, from_account_id, to_account_id, amount::text, from_version, to_version, idempotency_key, created_at
		 FROM transfers WHERE `+pred, arg))
}

func (s *Store) transferByPredicateTx(ctx context.Context, tx pgx.Tx, pred string, arg interface{}) (*domain.TransferRecord, error) {
	return scanTransfer(tx.QueryRow(ctx,
		`SELECT id, from_account_id, to_account_id, amount::text, from_version, to_version, idempotency_key, created_at
		 FROM transfers WHERE `+pred, arg))
}

func scanTransfer(row pgx.Row) (*domain.TransferRecord, error) {
	var rec domain.TransferRecord
	var amount string
	err := row.Scan(&rec.ID, &rec.FromAccountID, &rec.ToAccountID, &amount,
		&rec.FromVersion, &rec.ToVersion, &rec.IdempotencyKey, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("transfer query failed: %w", err)
	}
	if rec.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("corrupt amount: %w", err)
	}
	return &rec, nil
}
