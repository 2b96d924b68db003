// Package session issues, validates and revokes opaque bearer tokens. Session
// lifetime is an explicit, injectable dependency: the store owns the TTL and
// the clock, and nothing else in the system holds token state.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/opencorebank/ledgerd/internal/domain"
)

const tokenBytes = 32

// Store keeps sessions in memory behind a single lock. Sessions are a
// process-local concern in a single consistency domain; revoked entries are
// kept until swept so double-logout reads as Unauthenticated, not NotFound.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session
	ttl      time.Duration
	now      func() time.Time
}

// NewStore builds a store with the given token TTL.
func NewStore(ttl time.Duration) *Store {
	return &Store{
		sessions: make(map[string]*domain.Session),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Create issues a fresh unguessable token bound to userID.
func (s *Store) Create(userID int64) (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	token := hex.EncodeToString(buf)

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.sessions[token] = &domain.Session{
		Token:     token,
		UserID:    userID,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.ttl),
	}
	return token, nil
}

// Validate resolves a token to its bound identity. Absent, expired and revoked
// tokens all fail identically with ErrUnauthenticated.
func (s *Store) Validate(token string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[token]
	if !ok || sess.Revoked || s.now().After(sess.ExpiresAt) {
		return 0, domain.ErrUnauthenticated
	}
	return sess.UserID, nil
}

// Revoke marks a token revoked. Revoking an unknown, expired or already
// revoked token fails with ErrUnauthenticated: a second independent logout
// must not report success.
func (s *Store) Revoke(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok || sess.Revoked || s.now().After(sess.ExpiresAt) {
		return domain.ErrUnauthenticated
	}
	sess.Revoked = true
	return nil
}

// Sweep drops expired and revoked sessions and reports how many were removed.
// Validation already checks expiry, so sweeping is purely a memory bound.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for token, sess := range s.sessions {
		if sess.Revoked || now.After(sess.ExpiresAt) {
			delete(s.sessions, token)
			removed++
		}
	}
	return removed
}

// StartJanitor sweeps on the given interval until stop is closed.
func (s *Store) StartJanitor(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Sweep()
			case <-stop:
				return
			}
		}
	}()
}
