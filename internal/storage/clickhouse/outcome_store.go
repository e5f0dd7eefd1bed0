package clickhouse

import (
	"context"
	"fmt"
	"time"

	"rollup-swap/internal/domain"
	"rollup-swap/internal/storage"
)

// OutcomeStore implements storage.OutcomeStore using ClickHouse.
type OutcomeStore struct {
	conn *Conn
}

// NewOutcomeStore creates a new OutcomeStore.
func NewOutcomeStore(conn *Conn) *OutcomeStore {
	return &OutcomeStore{conn: conn}
}

// Compile-time interface check.
var _ storage.OutcomeStore = (*OutcomeStore)(nil)

// Insert adds an outcome row. Returns ErrDuplicateKey if swap_id exists.
func (s *OutcomeStore) Insert(ctx context.Context, o *domain.SwapOutcome) (err error) {
	defer observe("insert_outcome", time.Now(), &err)

	// ReplacingMergeTree would collapse duplicates later; keep append-only semantics.
	exists, err := s.exists(ctx, o.SwapID)
	if err != nil {
		return fmt.Errorf("check exists: %w", err)
	}
	if exists {
		return storage.ErrDuplicateKey
	}

	query := `
		INSERT INTO swap_outcomes (
			swap_id, final_state, sell_token, sell_amount, buy_token, buy_amount,
			joint_address, duration_ms, reason, timestamp_ms
		) VALUES (
			?, ?, ?, ?, ?, ?,
			?, ?, ?, ?
		)
	`

	err = s.conn.Exec(ctx, query,
		o.SwapID, string(o.FinalState), o.SellToken, o.SellAmount, o.BuyToken, o.BuyAmount,
		o.JointAddress, o.DurationMs, o.Reason, o.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert swap outcome: %w", err)
	}
	return nil
}

// GetByTimeRange retrieves outcomes with timestamp within [start, end] (inclusive),
// ordered by timestamp ASC.
func (s *OutcomeStore) GetByTimeRange(ctx context.Context, start, end int64) (_ []*domain.SwapOutcome, err error) {
	defer observe("get_outcomes", time.Now(), &err)

	query := `
		SELECT
			swap_id, final_state, sell_token, sell_amount, buy_token, buy_amount,
			joint_address, duration_ms, reason, timestamp_ms
		FROM swap_outcomes FINAL
		WHERE timestamp_ms >= ? AND timestamp_ms <= ?
		ORDER BY timestamp_ms ASC, swap_id ASC
	`

	rows, err := s.conn.Query(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("query by time range: %w", err)
	}
	defer rows.Close()

	var outcomes []*domain.SwapOutcome
	for rows.Next() {
		var (
			o     domain.SwapOutcome
			state string
		)
		err := rows.Scan(
			&o.SwapID, &state, &o.SellToken, &o.SellAmount, &o.BuyToken, &o.BuyAmount,
			&o.JointAddress, &o.DurationMs, &o.Reason, &o.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("scan outcome row: %w", err)
		}
		o.FinalState = domain.State(state)
		outcomes = append(outcomes, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcome rows: %w", err)
	}
	return outcomes, nil
}

// exists checks if an outcome for swapID exists.
func (s *OutcomeStore) exists(ctx context.Context, swapID string) (bool, error) {
	query := `SELECT count(*) FROM swap_outcomes FINAL WHERE swap_id = ?`

	var count uint64
	if err := s.conn.QueryRow(ctx, query, swapID).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}
