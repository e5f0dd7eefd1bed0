package postgres

import (
	"context"
	"fmt"
	"time"

	"rollup-swap/internal/domain"
	"rollup-swap/internal/storage"
)

// BundleStore implements storage.BundleStore using PostgreSQL.
type BundleStore struct {
	pool *Pool
}

// NewBundleStore creates a new BundleStore.
func NewBundleStore(pool *Pool) *BundleStore {
	return &BundleStore{pool: pool}
}

// Compile-time interface check.
var _ storage.BundleStore = (*BundleStore)(nil)

// InsertBulk adds a signed bundle atomically. Fails entire batch on any duplicate.
func (s *BundleStore) InsertBulk(ctx context.Context, txs []*domain.SignedTxRecord) (err error) {
	if len(txs) == 0 {
		return nil
	}
	defer observe("insert_bundle", time.Now(), &err)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO signed_transactions (
			swap_id, tx_index, role, nonce, valid_from, valid_until,
			tx_hash, payload, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	for _, r := range txs {
		_, err = tx.Exec(ctx, query,
			r.SwapID, r.TxIndex, r.Role, int64(r.Nonce), int64(r.ValidFrom), int64(r.ValidUntil),
			r.TxHash, r.Payload, r.CreatedAt,
		)
		if err != nil {
			return journalErr(fmt.Sprintf("insert signed transaction %d", r.TxIndex), err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// GetBySwapID retrieves the bundle of a session, ordered by tx_index ASC.
func (s *BundleStore) GetBySwapID(ctx context.Context, swapID string) (_ []*domain.SignedTxRecord, err error) {
	defer observe("get_bundle", time.Now(), &err)

	query := `
		SELECT
			swap_id, tx_index, role, nonce, valid_from, valid_until,
			tx_hash, payload, created_at
		FROM signed_transactions
		WHERE swap_id = $1
		ORDER BY tx_index ASC
	`

	rows, err := s.pool.Query(ctx, query, swapID)
	if err != nil {
		return nil, fmt.Errorf("get signed transactions: %w", err)
	}
	defer rows.Close()

	var result []*domain.SignedTxRecord
	for rows.Next() {
		var (
			r                  domain.SignedTxRecord
			nonce, from, until int64
		)
		err := rows.Scan(
			&r.SwapID, &r.TxIndex, &r.Role, &nonce, &from, &until,
			&r.TxHash, &r.Payload, &r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan signed transaction: %w", err)
		}
		r.Nonce = uint32(nonce)
		r.ValidFrom = uint64(from)
		r.ValidUntil = uint64(until)
		result = append(result, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate signed transactions: %w", err)
	}
	return result, nil
}
