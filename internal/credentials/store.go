package credentials

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound indicates the requested field has never been stored.
var ErrNotFound = errors.New("credential not found")

// Fields persisted by the Keychain.
const (
	FieldAccountID    = "account_id"
	FieldPINHash      = "pin_hash"
	FieldPINOnPayment = "pin_on_payment"
)

// Store is a flat get/set/clear credential store.
type Store interface {
	Get(ctx context.Context, field string) (string, error)
	Set(ctx context.Context, field, value string) error
	Clear(ctx context.Context) error
}

type memoryStore struct {
	mu     sync.RWMutex
	fields map[string]string
}

// NewMemoryStore constructs an in-memory store for tests and development.
func NewMemoryStore() Store {
	return &memoryStore{fields: make(map[string]string)}
}

func (s *memoryStore) Get(_ context.Context, field string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.fields[field]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *memoryStore) Set(_ context.Context, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fields[field] = value
	return nil
}

func (s *memoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fields = make(map[string]string)
	return nil
}
