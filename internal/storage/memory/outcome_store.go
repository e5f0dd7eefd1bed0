package memory

import (
	"context"
	"sort"
	"sync"

	"rollup-swap/internal/domain"
	"rollup-swap/internal/storage"
)

// OutcomeStore is an in-memory implementation of storage.OutcomeStore.
type OutcomeStore struct {
	mu   sync.RWMutex
	data map[string]*domain.SwapOutcome // keyed by swap_id
}

// NewOutcomeStore creates a new in-memory outcome store.
func NewOutcomeStore() *OutcomeStore {
	return &OutcomeStore{
		data: make(map[string]*domain.SwapOutcome),
	}
}

// Insert adds an outcome row. Returns ErrDuplicateKey if exists.
func (s *OutcomeStore) Insert(_ context.Context, o *domain.SwapOutcome) error {
	if o == nil || o.SwapID == "" {
		return storage.ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[o.SwapID]; exists {
		return storage.ErrDuplicateKey
	}

	copy := *o
	s.data[o.SwapID] = &copy
	return nil
}

// GetByTimeRange retrieves outcomes within [start, end] (inclusive).
func (s *OutcomeStore) GetByTimeRange(_ context.Context, start, end int64) ([]*domain.SwapOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.SwapOutcome
	for _, o := range s.data {
		if o.Timestamp >= start && o.Timestamp <= end {
			copy := *o
			result = append(result, &copy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Timestamp != result[j].Timestamp {
			return result[i].Timestamp < result[j].Timestamp
		}
		return result[i].SwapID < result[j].SwapID
	})

	return result, nil
}

var _ storage.OutcomeStore = (*OutcomeStore)(nil)
