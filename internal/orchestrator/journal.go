package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"rollup-swap/internal/domain"
	"rollup-swap/internal/rollup"
	"rollup-swap/internal/schedule"
	"rollup-swap/internal/storage"
)

// journal writes the session history to the configured stores. Every store
// is optional.
type journal struct {
	sessions    storage.SessionStore
	transitions storage.TransitionStore
	bundles     storage.BundleStore
	outcomes    storage.OutcomeStore
	log         zerolog.Logger
}

func (j *journal) session(ctx context.Context, r *domain.SwapRecord) {
	if j.sessions == nil {
		return
	}
	if err := j.sessions.Insert(context.WithoutCancel(ctx), r); err != nil {
		j.log.Error().Err(err).Str("swap_id", r.SwapID).Msg("journal session")
	}
}

func (j *journal) transition(ctx context.Context, t *domain.StateTransition) {
	if j.transitions == nil {
		return
	}
	if err := j.transitions.Append(context.WithoutCancel(ctx), t); err != nil {
		j.log.Error().Err(err).Str("swap_id", t.SwapID).Int("seq", t.Seq).Msg("journal transition")
	}
}

func (j *journal) bundle(ctx context.Context, swapID string, s *schedule.Schedule, createdAt int64) {
	if j.bundles == nil {
		return
	}

	records := make([]*domain.SignedTxRecord, 0, schedule.NumSlots)
	for _, slot := range s.Slots() {
		r, err := signedTxRecord(swapID, slot, createdAt)
		if err != nil {
			j.log.Error().Err(err).Str("swap_id", swapID).Int("slot", slot.Index).Msg("encode signed transaction")
			return
		}
		records = append(records, r)
	}
	if err := j.bundles.InsertBulk(context.WithoutCancel(ctx), records); err != nil {
		j.log.Error().Err(err).Str("swap_id", swapID).Msg("journal bundle")
	}
}

func (j *journal) outcome(ctx context.Context, o *domain.SwapOutcome) {
	if j.outcomes == nil {
		return
	}
	if err := j.outcomes.Insert(context.WithoutCancel(ctx), o); err != nil {
		j.log.Error().Err(err).Str("swap_id", o.SwapID).Msg("journal outcome")
	}
}

func signedTxRecord(swapID string, slot schedule.Slot, createdAt int64) (*domain.SignedTxRecord, error) {
	hash, err := rollup.TxHash(slot.Tx)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(slot.Tx)
	if err != nil {
		return nil, err
	}
	c := slot.Tx.Common()
	return &domain.SignedTxRecord{
		SwapID:     swapID,
		TxIndex:    slot.Index,
		Role:       string(slot.Role),
		Nonce:      c.Nonce,
		ValidFrom:  c.ValidFrom,
		ValidUntil: c.ValidUntil,
		TxHash:     hash,
		Payload:    payload,
		CreatedAt:  createdAt,
	}, nil
}
