package storage

import (
	"context"

	"rollup-swap/internal/domain"
)

// SessionStore provides access to swap_sessions storage.
type SessionStore interface {
	// Insert adds a new session record. Returns ErrDuplicateKey if swap_id exists.
	Insert(ctx context.Context, r *domain.SwapRecord) error

	// GetByID retrieves a session by swap id. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, swapID string) (*domain.SwapRecord, error)
}

// TransitionStore provides access to swap_transitions storage.
type TransitionStore interface {
	// Append adds a state transition. Returns ErrDuplicateKey if (swap_id, seq) exists.
	Append(ctx context.Context, t *domain.StateTransition) error

	// GetBySwapID retrieves all transitions of a session, ordered by seq ASC.
	GetBySwapID(ctx context.Context, swapID string) ([]*domain.StateTransition, error)
}

// BundleStore provides access to signed_transactions storage.
type BundleStore interface {
	// InsertBulk adds a signed bundle atomically. Fails entire batch on any duplicate.
	InsertBulk(ctx context.Context, txs []*domain.SignedTxRecord) error

	// GetBySwapID retrieves the bundle of a session, ordered by tx_index ASC.
	GetBySwapID(ctx context.Context, swapID string) ([]*domain.SignedTxRecord, error)
}

// OutcomeStore provides access to swap_outcomes analytics storage.
type OutcomeStore interface {
	// Insert adds an outcome row. Returns ErrDuplicateKey if swap_id exists.
	Insert(ctx context.Context, o *domain.SwapOutcome) error

	// GetByTimeRange retrieves outcomes with timestamp within [start, end] (inclusive),
	// ordered by timestamp ASC.
	GetByTimeRange(ctx context.Context, start, end int64) ([]*domain.SwapOutcome, error)
}
