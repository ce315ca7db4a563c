package snapshot

import (
	"context"
	"sync"

	"github.com/congo-pay/walletsync/internal/account"
)

type memoryRepository struct {
	mu      sync.RWMutex
	storage map[string]account.Snapshot
}

// NewMemoryRepository constructs an in-memory repository for tests and development.
func NewMemoryRepository() Repository {
	return &memoryRepository{storage: make(map[string]account.Snapshot)}
}

func (r *memoryRepository) Save(_ context.Context, snapshot account.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.storage[snapshot.AccountID]; ok && prev.UpdatedAt.After(snapshot.UpdatedAt) {
		return nil
	}
	r.storage[snapshot.AccountID] = snapshot.Clone()
	return nil
}

func (r *memoryRepository) Latest(_ context.Context, accountID string) (account.Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snapshot, ok := r.storage[accountID]
	if !ok {
		return account.Snapshot{}, ErrNotFound
	}
	return snapshot.Clone(), nil
}
