// Package auth covers the identity surface: registration, login/logout and
// the per-request authorization gate.
package auth

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/opencorebank/ledgerd/internal/domain"
)

// Refinements of ErrInvalidRequest so the facade can pick the right message.
var (
	ErrMissingFields = fmt.Errorf("%w: missing required fields", domain.ErrInvalidRequest)
	ErrInvalidInput  = fmt.Errorf("%w: invalid input", domain.ErrInvalidRequest)
)

// injectionPattern screens registration input for SQL metacharacters and
// statement keywords before anything reaches a store. The stores only ever use
// parameterized queries; this gate exists because such usernames are garbage
// regardless of backend.
var injectionPattern = regexp.MustCompile(`(?i)['";\\]|--|/\*|\b(drop|select|insert|update|delete|union|exec)\b`)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

var phonePattern = regexp.MustCompile(`^\+?[0-9][0-9 -]{5,19}$`)

// TokenStore is the session lifecycle as seen by the auth layer.
type TokenStore interface {
	Create(userID int64) (string, error)
	Validate(token string) (int64, error)
	Revoke(token string) error
}

// Service implements registration, login and logout over a user store and a
// token store.
type Service struct {
	users    domain.UserStore
	sessions TokenStore
	cost     int
}

func NewService(users domain.UserStore, sessions TokenStore, bcryptCost int) *Service {
	if bcryptCost == 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	return &Service{users: users, sessions: sessions, cost: bcryptCost}
}

// RegisterRequest carries the registration form. All fields are required.
type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
}

// Register validates the form, hashes the credential and inserts the user.
// Duplicate username/email surfaces as the matching conflict error and leaves
// the existing record untouched.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*domain.User, error) {
	if req.Username == "" || req.Password == "" || req.Email == "" || req.Phone == "" {
		return nil, ErrMissingFields
	}
	if injectionPattern.MatchString(req.Username) || injectionPattern.MatchString(req.Email) || injectionPattern.MatchString(req.Phone) {
		return nil, ErrInvalidInput
	}
	if !emailPattern.MatchString(req.Email) || !phonePattern.MatchString(req.Phone) {
		return nil, ErrInvalidInput
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hashing credential: %w", err)
	}

	return s.users.CreateUser(ctx, domain.User{
		Username:     strings.TrimSpace(req.Username),
		Email:        strings.ToLower(strings.TrimSpace(req.Email)),
		Phone:        strings.TrimSpace(req.Phone),
		PasswordHash: string(hash),
	})
}

// Login verifies the credential and issues a bearer token. Unknown usernames
// and wrong passwords fail identically.
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.users.GetUserByUsername(ctx, username)
	if err != nil {
		return "", domain.ErrUnauthenticated
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return "", domain.ErrUnauthenticated
	}
	return s.sessions.Create(user.ID)
}

// Logout revokes the presented token.
func (s *Service) Logout(_ context.Context, token string) error {
	return s.sessions.Revoke(token)
}
