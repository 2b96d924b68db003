package auth

import (
	"context"

	"github.com/opencorebank/ledgerd/internal/domain"
)

// Gate decides whether a caller may act on an account. It composes the token
// store with the account directory and checks strictly in order:
// authentication first, then existence, then ownership. An invalid token never
// learns whether an account exists.
type Gate struct {
	sessions TokenStore
	accounts domain.Ledger
}

func NewGate(sessions TokenStore, accounts domain.Ledger) *Gate {
	return &Gate{sessions: sessions, accounts: accounts}
}

// Authorize resolves the token to an identity and confirms it owns the
// account. Returns the identity on success.
func (g *Gate) Authorize(ctx context.Context, token string, accountID int64) (int64, error) {
	userID, err := g.sessions.Validate(token)
	if err != nil {
		return 0, domain.ErrUnauthenticated
	}
	acc, err := g.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	if acc.OwnerID != userID {
		return 0, domain.ErrForbidden
	}
	return userID, nil
}

// Identify resolves the token without an ownership check, for operations that
// are account-agnostic.
func (g *Gate) Identify(_ context.Context, token string) (int64, error) {
	userID, err := g.sessions.Validate(token)
	if err != nil {
		return 0, domain.ErrUnauthenticated
	}
	return userID, nil
}
