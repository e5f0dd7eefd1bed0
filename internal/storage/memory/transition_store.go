package memory

import (
	"context"
	"sort"
	"sync"

	"rollup-swap/internal/domain"
	"rollup-swap/internal/storage"
)

// TransitionStore is an in-memory implementation of storage.TransitionStore.
type TransitionStore struct {
	mu   sync.RWMutex
	data map[string]map[int]*domain.StateTransition // swap_id -> seq
}

// NewTransitionStore creates a new in-memory transition store.
func NewTransitionStore() *TransitionStore {
	return &TransitionStore{
		data: make(map[string]map[int]*domain.StateTransition),
	}
}

// Append adds a state transition. Returns ErrDuplicateKey if (swap_id, seq) exists.
func (s *TransitionStore) Append(_ context.Context, t *domain.StateTransition) error {
	if t == nil || t.SwapID == "" || t.Seq < 0 {
		return storage.ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bySeq, ok := s.data[t.SwapID]
	if !ok {
		bySeq = make(map[int]*domain.StateTransition)
		s.data[t.SwapID] = bySeq
	}
	if _, exists := bySeq[t.Seq]; exists {
		return storage.ErrDuplicateKey
	}

	copy := *t
	bySeq[t.Seq] = &copy
	return nil
}

// GetBySwapID retrieves all transitions of a session, ordered by seq ASC.
func (s *TransitionStore) GetBySwapID(_ context.Context, swapID string) ([]*domain.StateTransition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.StateTransition
	for _, t := range s.data[swapID] {
		copy := *t
		result = append(result, &copy)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Seq < result[j].Seq
	})

	return result, nil
}

var _ storage.TransitionStore = (*TransitionStore)(nil)
