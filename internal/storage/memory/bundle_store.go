package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"rollup-swap/internal/domain"
	"rollup-swap/internal/storage"
)

// BundleStore is an in-memory implementation of storage.BundleStore.
type BundleStore struct {
	mu   sync.RWMutex
	data map[string]*domain.SignedTxRecord // keyed by composite key
}

// NewBundleStore creates a new in-memory bundle store.
func NewBundleStore() *BundleStore {
	return &BundleStore{
		data: make(map[string]*domain.SignedTxRecord),
	}
}

// maxTxIndex is the last slot of a schedule.
const maxTxIndex = 4

// bundleKey generates a unique key for a bundle transaction.
func bundleKey(swapID string, txIndex int) string {
	return fmt.Sprintf("%s|%d", swapID, txIndex)
}

func cloneRecord(r *domain.SignedTxRecord) *domain.SignedTxRecord {
	copy := *r
	copy.Payload = append([]byte(nil), r.Payload...)
	return &copy
}

// InsertBulk adds a signed bundle atomically. Fails entire batch on any duplicate.
func (s *BundleStore) InsertBulk(_ context.Context, txs []*domain.SignedTxRecord) error {
	if len(txs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batchKeys := make(map[string]struct{}, len(txs))

	// First pass: check for duplicates (existing + intra-batch)
	for _, tx := range txs {
		if tx == nil || tx.SwapID == "" || tx.TxIndex < 0 || tx.TxIndex > maxTxIndex {
			return storage.ErrInvalidRecord
		}
		key := bundleKey(tx.SwapID, tx.TxIndex)
		if _, exists := s.data[key]; exists {
			return storage.ErrDuplicateKey
		}
		if _, exists := batchKeys[key]; exists {
			return storage.ErrDuplicateKey
		}
		batchKeys[key] = struct{}{}
	}

	// Second pass: insert all
	for _, tx := range txs {
		s.data[bundleKey(tx.SwapID, tx.TxIndex)] = cloneRecord(tx)
	}

	return nil
}

// GetBySwapID retrieves the bundle of a session, ordered by tx_index ASC.
func (s *BundleStore) GetBySwapID(_ context.Context, swapID string) ([]*domain.SignedTxRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.SignedTxRecord
	for _, tx := range s.data {
		if tx.SwapID == swapID {
			result = append(result, cloneRecord(tx))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].TxIndex < result[j].TxIndex
	})

	return result, nil
}

var _ storage.BundleStore = (*BundleStore)(nil)
