package memory

import (
	"context"
	"sync"

	"rollup-swap/internal/domain"
	"rollup-swap/internal/storage"
)

// SessionStore is an in-memory implementation of storage.SessionStore.
type SessionStore struct {
	mu   sync.RWMutex
	data map[string]*domain.SwapRecord // keyed by swap_id
}

// NewSessionStore creates a new in-memory session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		data: make(map[string]*domain.SwapRecord),
	}
}

// Insert adds a new session record. Returns ErrDuplicateKey if exists.
func (s *SessionStore) Insert(_ context.Context, r *domain.SwapRecord) error {
	if r == nil || r.SwapID == "" {
		return storage.ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[r.SwapID]; exists {
		return storage.ErrDuplicateKey
	}

	copy := *r
	s.data[r.SwapID] = &copy
	return nil
}

// GetByID retrieves a session by swap id.
func (s *SessionStore) GetByID(_ context.Context, swapID string) (*domain.SwapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.data[swapID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copy := *r
	return &copy, nil
}

var _ storage.SessionStore = (*SessionStore)(nil)
