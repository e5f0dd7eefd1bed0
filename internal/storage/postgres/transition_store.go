package postgres

import (
	"context"
	"fmt"
	"time"

	"rollup-swap/internal/domain"
	"rollup-swap/internal/storage"
)

// TransitionStore implements storage.TransitionStore using PostgreSQL.
type TransitionStore struct {
	pool *Pool
}

// NewTransitionStore creates a new TransitionStore.
func NewTransitionStore(pool *Pool) *TransitionStore {
	return &TransitionStore{pool: pool}
}

// Compile-time interface check.
var _ storage.TransitionStore = (*TransitionStore)(nil)

// Append adds a state transition. Returns ErrDuplicateKey if (swap_id, seq) exists.
func (s *TransitionStore) Append(ctx context.Context, t *domain.StateTransition) (err error) {
	defer observe("append_transition", time.Now(), &err)

	query := `
		INSERT INTO swap_transitions (swap_id, seq, from_state, to_state, reason, ts)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err = s.pool.Exec(ctx, query,
		t.SwapID, t.Seq, string(t.FromState), string(t.ToState), t.Reason, t.Timestamp,
	)
	if err != nil {
		return journalErr("append swap transition", err)
	}
	return nil
}

// GetBySwapID retrieves all transitions of a session, ordered by seq ASC.
func (s *TransitionStore) GetBySwapID(ctx context.Context, swapID string) (_ []*domain.StateTransition, err error) {
	defer observe("get_transitions", time.Now(), &err)

	query := `
		SELECT swap_id, seq, from_state, to_state, reason, ts
		FROM swap_transitions
		WHERE swap_id = $1
		ORDER BY seq ASC
	`

	rows, err := s.pool.Query(ctx, query, swapID)
	if err != nil {
		return nil, fmt.Errorf("get swap transitions: %w", err)
	}
	defer rows.Close()

	var result []*domain.StateTransition
	for rows.Next() {
		var (
			t        domain.StateTransition
			from, to string
		)
		if err := rows.Scan(&t.SwapID, &t.Seq, &from, &to, &t.Reason, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("scan swap transition: %w", err)
		}
		t.FromState = domain.State(from)
		t.ToState = domain.State(to)
		result = append(result, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate swap transitions: %w", err)
	}
	return result, nil
}
