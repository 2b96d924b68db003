package ledger

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/opencorebank/ledgerd/internal/domain"
)

// Users is the in-memory user registry paired with Engine.
type Users struct {
	mu     sync.RWMutex
	byName map[string]*domain.User
	byMail map[string]*domain.User
	nextID int64
	now    func() time.Time
}

var _ domain.UserStore = (*Users)(nil)

func NewUsers() *Users {
	return &Users{
		byName: make(map[string]*domain.User),
		byMail: make(map[string]*domain.User),
		now:    time.Now,
	}
}

// CreateUser inserts a user, refusing duplicate usernames and emails without
// touching the existing record. Email duplicates compare case-insensitively.
func (u *Users) CreateUser(_ context.Context, user domain.User) (*domain.User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	mail := strings.ToLower(user.Email)
	if _, ok := u.byName[user.Username]; ok {
		return nil, domain.ErrDuplicateUsername
	}
	if _, ok := u.byMail[mail]; ok {
		return nil, domain.ErrDuplicateEmail
	}
	u.nextID++
	user.ID = u.nextID
	user.CreatedAt = u.now()
	stored := user
	u.byName[user.Username] = &stored
	u.byMail[mail] = &stored
	cp := stored
	return &cp, nil
}

func (u *Users) GetUserByUsername(_ context.Context, username string) (*domain.User, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	user, ok := u.byName[username]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *user
	return &cp, nil
}
