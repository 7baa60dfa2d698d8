package auth

import (
	"context"
	"errors"
	"sync"
)

// ErrAccountNotFound is returned when no account exists for the given ID.
var ErrAccountNotFound = errors.New("auth: account not found")

// Account is a persistent registered identity. The ID is what message
// ownership keys on; the Name is the canonical display name.
type Account struct {
	ID   string
	Name string
}

// AccountStore resolves the persistent accounts referenced by token claims.
type AccountStore interface {
	Get(ctx context.Context, id string) (Account, error)
	Put(ctx context.Context, account Account) error
}

// MemoryAccountStore is a mutex-guarded in-memory AccountStore for
// single-process deployments and tests. A database-backed implementation can
// replace it behind the same interface.
type MemoryAccountStore struct {
	mu       sync.RWMutex
	accounts map[string]Account
}

// NewMemoryAccountStore creates an empty account store.
func NewMemoryAccountStore() *MemoryAccountStore {
	return &MemoryAccountStore{accounts: make(map[string]Account)}
}

// Get returns the account with the given ID, or ErrAccountNotFound.
func (s *MemoryAccountStore) Get(_ context.Context, id string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, ok := s.accounts[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

// Put creates or replaces the account keyed by its ID.
func (s *MemoryAccountStore) Put(_ context.Context, account Account) error {
	if account.ID == "" {
		return errors.New("auth: account ID is empty")
	}
	s.mu.Lock()
	s.accounts[account.ID] = account
	s.mu.Unlock()
	return nil
}
