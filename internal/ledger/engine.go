// Package ledger implements the transactional core: balance reads and atomic
// transfers over an in-memory account table with an append-only record log.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/opencorebank/ledgerd/internal/domain"
)

// keyState is the in-memory equivalent of an idempotency reservation row:
// inserted before the critical section, completed at commit, removed on abort.
type keyState struct {
	fingerprint string
	done        bool
	record      *domain.TransferRecord
}

// Engine is the single writer path for balances.
//
// Locking protocol: mu guards every map and every committed account state;
// per-account semaphores serialize transfers touching the same account and are
// always acquired in ascending account-id order, which makes deadlock
// impossible. Balance mutation happens under mu, so reads observe either the
// full effect of a transfer or none of it.
type Engine struct {
	mu       sync.RWMutex
	accounts map[int64]*domain.Account
	locks    map[int64]chan struct{}
	keys     map[string]*keyState
	records  map[uuid.UUID]*domain.TransferRecord
	entries  map[int64][]domain.LedgerEntry

	nextID   int64
	lockWait time.Duration
	now      func() time.Time
}

var _ domain.Ledger = (*Engine)(nil)

// NewEngine builds an empty engine. lockWait bounds how long a transfer may
// wait for either account semaphore before failing with ErrBusy.
func NewEngine(lockWait time.Duration) *Engine {
	return &Engine{
		accounts: make(map[int64]*domain.Account),
		locks:    make(map[int64]chan struct{}),
		keys:     make(map[string]*keyState),
		records:  make(map[uuid.UUID]*domain.TransferRecord),
		entries:  make(map[int64][]domain.LedgerEntry),
		lockWait: lockWait,
		now:      time.Now,
	}
}

// CreateAccount opens an account with the next free id.
func (e *Engine) CreateAccount(_ context.Context, ownerID int64, opening decimal.Decimal) (*domain.Account, error) {
	if opening.IsNegative() {
		return nil, fmt.Errorf("%w: opening balance must not be negative", domain.ErrInvalidRequest)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	for e.accounts[e.nextID] != nil {
		e.nextID++
	}
	return e.insertLocked(e.nextID, ownerID, opening), nil
}

// SeedAccount opens an account with an explicit id, for fixtures and seeding.
func (e *Engine) SeedAccount(id, ownerID int64, opening decimal.Decimal) (*domain.Account, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.accounts[id] != nil {
		return nil, fmt.Errorf("%w: account %d already exists", domain.ErrConflict, id)
	}
	return e.insertLocked(id, ownerID, opening), nil
}

func (e *Engine) insertLocked(id, ownerID int64, opening decimal.Decimal) *domain.Account {
	acc := &domain.Account{
		ID:        id,
		OwnerID:   ownerID,
		Balance:   opening,
		Version:   1,
		CreatedAt: e.now(),
	}
	e.accounts[id] = acc
	e.locks[id] = make(chan struct{}, 1)
	cp := *acc
	return &cp
}

// GetAccount returns a committed snapshot of the account.
func (e *Engine) GetAccount(_ context.Context, id int64) (*domain.Account, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	acc, ok := e.accounts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *acc
	return &cp, nil
}

// GetBalance reads a single committed balance. Never observes a transfer
// mid-flight: commits happen atomically under the same lock.
func (e *Engine) GetBalance(ctx context.Context, id int64) (decimal.Decimal, error) {
	acc, err := e.GetAccount(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	return acc.Balance, nil
}

// GetTransfer returns a committed transfer record by id.
func (e *Engine) GetTransfer(_ context.Context, id uuid.UUID) (*domain.TransferRecord, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// GetEntries returns the double-entry legs recorded against an account,
// newest first.
func (e *Engine) GetEntries(_ context.Context, accountID int64) ([]domain.LedgerEntry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if _, ok := e.accounts[accountID]; !ok {
		return nil, domain.ErrNotFound
	}
	src := e.entries[accountID]
	out := make([]domain.LedgerEntry, len(src))
	for i, entry := range src {
		out[len(src)-1-i] = entry
	}
	return out, nil
}

// Transfer debits the source and credits the destination as one atomic step.
//
// Sequence: validate, reserve the idempotency key, acquire both account
// semaphores in ascending id order within the lock-wait window, re-check
// sufficiency against the live balance, commit debit+credit+record under the
// state lock, complete the reservation. Aborts remove the reservation so a
// retry of a failed request is not mistaken for a replay.
func (e *Engine) Transfer(ctx context.Context, req domain.TransferRequest) (*domain.TransferRecord, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidRequest)
	}
	if req.FromAccountID == req.ToAccountID {
		return nil, fmt.Errorf("%w: source and destination must differ", domain.ErrInvalidRequest)
	}

	fingerprint := fmt.Sprintf("%d|%d|%s", req.FromAccountID, req.ToAccountID, req.Amount.String())

	lockFrom, lockTo, replay, err := e.reserve(req, fingerprint)
	if err != nil {
		return nil, err
	}
	if replay != nil {
		return replay, nil
	}

	lo, hi := lockFrom, lockTo
	if req.ToAccountID < req.FromAccountID {
		lo, hi = lockTo, lockFrom
	}
	if err := e.acquire(ctx, lo); err != nil {
		e.unreserve(req.IdempotencyKey)
		return nil, err
	}
	if err := e.acquire(ctx, hi); err != nil {
		<-lo
		e.unreserve(req.IdempotencyKey)
		return nil, err
	}
	defer func() {
		<-hi
		<-lo
	}()

	return e.commit(req)
}

// reserve checks the idempotency index and, when the key is fresh, records an
// in-progress reservation. Returns the account semaphores so the caller never
// touches the lock map outside mu.
func (e *Engine) reserve(req domain.TransferRequest, fingerprint string) (lockFrom, lockTo chan struct{}, replay *domain.TransferRecord, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if state, ok := e.keys[req.IdempotencyKey]; ok {
		if state.fingerprint != fingerprint {
			return nil, nil, nil, fmt.Errorf("%w: idempotency key reused with different payload", domain.ErrConflict)
		}
		if !state.done {
			return nil, nil, nil, fmt.Errorf("%w: request in progress", domain.ErrConflict)
		}
		cp := *state.record
		return nil, nil, &cp, nil
	}

	if _, ok := e.accounts[req.FromAccountID]; !ok {
		return nil, nil, nil, domain.ErrNotFound
	}
	if _, ok := e.accounts[req.ToAccountID]; !ok {
		return nil, nil, nil, domain.ErrNotFound
	}

	e.keys[req.IdempotencyKey] = &keyState{fingerprint: fingerprint}
	return e.locks[req.FromAccountID], e.locks[req.ToAccountID], nil, nil
}

func (e *Engine) unreserve(key string) {
	e.mu.Lock()
	delete(e.keys, key)
	e.mu.Unlock()
}

// acquire takes one account semaphore, giving up after the lock-wait window
// or when the caller's context ends.
func (e *Engine) acquire(ctx context.Context, sem chan struct{}) error {
	timer := time.NewTimer(e.lockWait)
	defer timer.Stop()
	select {
	case sem <- struct{}{}:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: account lock not acquired in time", domain.ErrBusy)
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrBusy, ctx.Err())
	}
}

// commit applies the debited/credited state and the record in one critical
// section, with the sufficiency check against the live balance. Both account
// semaphores are held by the caller.
func (e *Engine) commit(req domain.TransferRequest) (*domain.TransferRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	from := e.accounts[req.FromAccountID]
	to := e.accounts[req.ToAccountID]

	if from.Balance.LessThan(req.Amount) {
		delete(e.keys, req.IdempotencyKey)
		return nil, domain.ErrInsufficientFunds
	}

	from.Balance = from.Balance.Sub(req.Amount)
	from.Version++
	to.Balance = to.Balance.Add(req.Amount)
	to.Version++

	now := e.now()
	rec := &domain.TransferRecord{
		ID:             uuid.New(),
		FromAccountID:  req.FromAccountID,
		ToAccountID:    req.ToAccountID,
		Amount:         req.Amount,
		FromVersion:    from.Version,
		ToVersion:      to.Version,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
	}
	e.records[rec.ID] = rec
	e.entries[from.ID] = append(e.entries[from.ID], domain.LedgerEntry{
		TransferID: rec.ID, AccountID: from.ID, Delta: req.Amount.Neg(), CreatedAt: now,
	})
	e.entries[to.ID] = append(e.entries[to.ID], domain.LedgerEntry{
		TransferID: rec.ID, AccountID: to.ID, Delta: req.Amount, CreatedAt: now,
	})
	e.keys[req.IdempotencyKey] = &keyState{
		fingerprint: fmt.Sprintf("%d|%d|%s", req.FromAccountID, req.ToAccountID, req.Amount.String()),
		done:        true,
		record:      rec,
	}

	cp := *rec
	return &cp, nil
}
