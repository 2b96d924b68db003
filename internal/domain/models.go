package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// User is a registered identity. The credential is stored only as a bcrypt hash.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	Phone        string    `json:"phone"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Account holds a user's balance. Balance is fixed-point and never negative in
// any committed state. Version increments once per committed transfer leg.
type Account struct {
	ID        int64           `json:"id"`
	OwnerID   int64           `json:"owner_id"`
	Balance   decimal.Decimal `json:"balance"`
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
}

// Session is an issued bearer token bound to a user. Revoked sessions stay in
// the store until swept so a second logout can be distinguished from a
// never-issued token.
type Session struct {
	Token     string
	UserID    int64
	IssuedAt  time.Time
	ExpiresAt time.Time
	Revoked   bool
}

// TransferRequest is the validated intent to move money. RequesterID is the
// identity resolved from the session, never client input.
type TransferRequest struct {
	FromAccountID  int64           `json:"from_account_id"`
	ToAccountID    int64           `json:"to_account_id"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"-"`
	RequesterID    int64           `json:"-"`
}

// TransferRecord is the immutable, append-only record of a committed transfer.
type TransferRecord struct {
	ID             uuid.UUID       `json:"id"`
	FromAccountID  int64           `json:"from_account_id"`
	ToAccountID    int64           `json:"to_account_id"`
	Amount         decimal.Decimal `json:"amount"`
	FromVersion    int64           `json:"from_version"`
	ToVersion      int64           `json:"to_version"`
	IdempotencyKey string          `json:"-"`
	CreatedAt      time.Time       `json:"created_at"`
}

// LedgerEntry is one leg of the double-entry log. The two deltas of a transfer
// always sum to zero.
type LedgerEntry struct {
	TransferID uuid.UUID       `json:"transfer_id"`
	AccountID  int64           `json:"account_id"`
	Delta      decimal.Decimal `json:"delta"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Ledger is the single writer path for balances. Implementations serialize
// transfers over the affected accounts and honor the idempotence law: a replay
// of a committed key returns the original record with no further mutation.
type Ledger interface {
	GetAccount(ctx context.Context, id int64) (*Account, error)
	GetBalance(ctx context.Context, id int64) (decimal.Decimal, error)
	Transfer(ctx context.Context, req TransferRequest) (*TransferRecord, error)
	GetTransfer(ctx context.Context, id uuid.UUID) (*TransferRecord, error)
	GetEntries(ctx context.Context, accountID int64) ([]LedgerEntry, error)
	CreateAccount(ctx context.Context, ownerID int64, opening decimal.Decimal) (*Account, error)
}

// UserStore persists registered identities.
type UserStore interface {
	CreateUser(ctx context.Context, u User) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
}
