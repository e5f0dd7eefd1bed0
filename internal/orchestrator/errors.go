package orchestrator

import (
	"errors"
	"fmt"

	"rollup-swap/internal/cosign"
	"rollup-swap/internal/domain"
	"rollup-swap/internal/schedule"
)

// Orchestrator errors. Failures are returned as *PhaseError wrapping one of
// these, cosign.ErrProtocol, schedule.ErrFeeResolution, schedule.ErrInvalidAgreement
// or a rollup network error.
var (
	// ErrUnprofitableDeal is returned when the profitability check rejects the terms.
	ErrUnprofitableDeal = errors.New("unprofitable deal")

	// ErrAccountNotReady is returned while the joint account has no rollup id.
	ErrAccountNotReady = errors.New("joint account not ready")

	// ErrInvalidSignatureShare is returned when an aggregated signature does not verify.
	ErrInvalidSignatureShare = errors.New("invalid signature share")

	// ErrInsufficientDeposit is returned when the joint account is not funded.
	ErrInsufficientDeposit = errors.New("insufficient deposit")

	// ErrInvalidState is returned for operations not allowed in the current state.
	ErrInvalidState = errors.New("invalid state for operation")

	// ErrSessionBusy is returned when a session is already open.
	ErrSessionBusy = errors.New("swap session already open")

	// ErrSettlementFailed is returned when a settlement transaction is rejected.
	ErrSettlementFailed = errors.New("settlement transaction rejected")

	// ErrDeadlinePassed is returned when the claim deadline is closer than the
	// settle margin.
	ErrDeadlinePassed = errors.New("claim deadline too close")
)

// PhaseError names the state in which a failure happened.
type PhaseError struct {
	Phase domain.State
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// causeOf returns a short metric label for err.
func causeOf(err error) string {
	switch {
	case errors.Is(err, ErrUnprofitableDeal):
		return "unprofitable"
	case errors.Is(err, ErrAccountNotReady):
		return "account_not_ready"
	case errors.Is(err, ErrInvalidSignatureShare):
		return "invalid_share"
	case errors.Is(err, ErrInsufficientDeposit):
		return "insufficient_deposit"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrSessionBusy):
		return "busy"
	case errors.Is(err, ErrSettlementFailed):
		return "settlement_failed"
	case errors.Is(err, ErrDeadlinePassed):
		return "deadline"
	case errors.Is(err, cosign.ErrProtocol):
		return "protocol"
	case errors.Is(err, schedule.ErrFeeResolution):
		return "fee_resolution"
	case errors.Is(err, schedule.ErrInvalidAgreement):
		return "invalid_agreement"
	default:
		return "network"
	}
}
