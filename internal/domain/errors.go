package domain

import (
	"errors"
	"fmt"
)

// The closed set of outcome kinds. The API facade maps each to exactly one
// status code; anything outside this set surfaces as a generic server error.
var (
	// ErrUnauthenticated indicates a missing, expired, revoked or unknown token.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden indicates a valid identity acting on a resource it does not own.
	ErrForbidden = errors.New("access denied")
	// ErrNotFound indicates the account or user does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidRequest indicates a malformed or rejected input: non-positive
	// amount, self-transfer, missing field, injection-pattern username.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrConflict indicates a duplicate username/email at registration or an
	// idempotency key reused with a different payload.
	ErrConflict = errors.New("conflict")
	// ErrInsufficientFunds indicates the source balance cannot cover the amount.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrBusy indicates the per-account lock could not be acquired within the
	// configured window. Retryable.
	ErrBusy = errors.New("busy")
)

// Conflict refinements. Both satisfy errors.Is(err, ErrConflict); the facade
// needs the distinction only to pick the response message.
var (
	ErrDuplicateUsername = fmt.Errorf("%w: username already exists", ErrConflict)
	ErrDuplicateEmail    = fmt.Errorf("%w: email already exists", ErrConflict)
)
