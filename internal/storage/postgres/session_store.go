package postgres

import (
	"context"
	"time"

	"rollup-swap/internal/domain"
	"rollup-swap/internal/storage"
)

// SessionStore implements storage.SessionStore using PostgreSQL.
type SessionStore struct {
	pool *Pool
}

// NewSessionStore creates a new SessionStore.
func NewSessionStore(pool *Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

// Compile-time interface check.
var _ storage.SessionStore = (*SessionStore)(nil)

// Insert adds a new session record. Returns ErrDuplicateKey if swap_id exists.
func (s *SessionStore) Insert(ctx context.Context, r *domain.SwapRecord) (err error) {
	defer observe("insert_session", time.Now(), &err)

	query := `
		INSERT INTO swap_sessions (
			swap_id, maker_pubkey, client_pubkey, client_address, joint_address,
			sell_token, sell_amount, buy_token, buy_amount,
			timeout_seconds, withdraw_mode, created_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12
		)
	`

	_, err = s.pool.Exec(ctx, query,
		r.SwapID, r.MakerPubKey, r.ClientPubKey, r.ClientAddress, r.JointAddress,
		r.SellToken, r.SellAmount, r.BuyToken, r.BuyAmount,
		r.TimeoutSeconds, r.WithdrawMode, r.CreatedAt,
	)
	if err != nil {
		return journalErr("insert swap session", err)
	}
	return nil
}

// GetByID retrieves a session by swap id. Returns ErrNotFound if not exists.
func (s *SessionStore) GetByID(ctx context.Context, swapID string) (_ *domain.SwapRecord, err error) {
	defer observe("get_session", time.Now(), &err)

	query := `
		SELECT
			swap_id, maker_pubkey, client_pubkey, client_address, joint_address,
			sell_token, sell_amount, buy_token, buy_amount,
			timeout_seconds, withdraw_mode, created_at
		FROM swap_sessions
		WHERE swap_id = $1
	`

	var r domain.SwapRecord
	err = s.pool.QueryRow(ctx, query, swapID).Scan(
		&r.SwapID, &r.MakerPubKey, &r.ClientPubKey, &r.ClientAddress, &r.JointAddress,
		&r.SellToken, &r.SellAmount, &r.BuyToken, &r.BuyAmount,
		&r.TimeoutSeconds, &r.WithdrawMode, &r.CreatedAt,
	)
	if err != nil {
		return nil, journalErr("get swap session "+swapID, err)
	}
	return &r, nil
}
