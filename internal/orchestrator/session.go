package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"rollup-swap/internal/cosign"
	"rollup-swap/internal/domain"
	"rollup-swap/internal/jointaccount"
	"rollup-swap/internal/observability"
	"rollup-swap/internal/rollup"
	"rollup-swap/internal/schedule"
)

// settleSlots are submitted by Settle in this order. Slots 3 and 4 are the
// client's timeout fallback and are never submitted by the maker.
var settleSlots = []int{schedule.SlotAuthorizeKey, schedule.SlotClaimBuy, schedule.SlotClaimSell}

// Offer is returned to the client when a session is created.
type Offer struct {
	SwapID         string
	PublicKey      []byte
	Precommitments [][]byte
	JointAddress   common.Address
}

// SigningRound is the maker's reply to the client's commitment round.
type SigningRound struct {
	Commitments  [][]byte
	Shares       [][]byte
	Transactions []rollup.Tx // unsigned, in slot order
}

// Session is one swap between the maker and a client. It owns its cosigner
// and schedule exclusively. Protocol steps are serialized.
type Session struct {
	o   *Orchestrator
	log zerolog.Logger

	id        string
	agreement domain.SwapAgreement
	client    domain.Party
	mode      domain.WithdrawMode
	joint     jointaccount.Account
	cosigner  *cosign.Cosigner
	ownPre    [][]byte
	createdAt time.Time

	mu          sync.Mutex
	ownCom      [][]byte
	accountID   uint32
	sellToken   rollup.Token
	buyToken    rollup.Token
	unsigned    *schedule.Schedule
	messages    [][]byte
	ownShares   [][]byte
	signed      *schedule.Schedule
	depositTx   *rollup.Transfer
	depositHash string
	deposited   bool
	settled     int
	pendingHash string
	seq         int
	phaseStart  time.Time

	// ctlMu guards Abort's view of the session. It is never held across
	// network calls.
	ctlMu     sync.Mutex
	committed bool
	halted    bool
	cancelOp  context.CancelFunc

	stateMu sync.RWMutex
	state   domain.State
	lastErr error
}

// ID returns the swap id.
func (s *Session) ID() string {
	return s.id
}

// State returns the current state.
func (s *Session) State() domain.State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Err returns the last phase failure, nil if none.
func (s *Session) Err() error {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.lastErr
}

// Agreement returns the agreed terms.
func (s *Session) Agreement() domain.SwapAgreement {
	return cloneAgreement(s.agreement)
}

// Client returns the counterparty of the swap.
func (s *Session) Client() domain.Party {
	return s.client
}

// JointAddress returns the address of the joint account.
func (s *Session) JointAddress() common.Address {
	return s.joint.Address
}

// JointPublicKey returns the combined public key of the joint account.
func (s *Session) JointPublicKey() []byte {
	return s.cosigner.ComputePubkey()
}

// Offer returns the maker's opening message for the client.
func (s *Session) Offer() Offer {
	pre := make([][]byte, len(s.ownPre))
	for i, p := range s.ownPre {
		pre[i] = append([]byte(nil), p...)
	}
	return Offer{
		SwapID:         s.id,
		PublicKey:      s.o.PublicKey(),
		Precommitments: pre,
		JointAddress:   s.joint.Address,
	}
}

// SignedTransactions returns the signed bundle once the deposit gate passed.
func (s *Session) SignedTransactions() ([]rollup.Tx, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signed == nil {
		return nil, false
	}
	return s.signed.Transactions(), true
}

// ReceivePeerCommitmentRound consumes the client's precommitments and
// commitments and continues with BuildAndSign. The joint account must already
// have a rollup id; otherwise ErrAccountNotReady is returned and the session
// stays in SETUP so the call can be repeated.
func (s *Session) ReceivePeerCommitmentRound(ctx context.Context, peerPrecommitments, peerCommitments [][]byte) (*SigningRound, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.require(domain.StateSetup); err != nil {
		return nil, err
	}

	netCtx, release, err := s.operation(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	state, err := s.o.client.GetAccountState(netCtx, s.joint.Address)
	if err != nil {
		return nil, s.fail(domain.StateSetup, fmt.Errorf("joint account state: %w", err))
	}
	if state.ID == nil {
		return nil, s.fail(domain.StateSetup, fmt.Errorf("%w: %s has no account id", ErrAccountNotReady, s.joint.Address.Hex()))
	}

	own, err := s.cosigner.ReceivePrecommitments(s.ownPre, peerPrecommitments)
	if err != nil {
		return nil, s.abort(ctx, domain.StateSetup, err)
	}
	if err := s.cosigner.ReceiveCommitments(own, peerCommitments); err != nil {
		return nil, s.abort(ctx, domain.StateSetup, err)
	}

	s.ownCom = own
	s.accountID = *state.ID
	s.transition(ctx, domain.StateCommit, "commitments exchanged")

	return s.buildAndSign(ctx, netCtx)
}

// BuildAndSign resolves tokens and fees, builds the schedule and signs every
// slot with the maker's share. Token and fee failures leave the session in
// COMMIT and the call may be repeated.
func (s *Session) BuildAndSign(ctx context.Context) (*SigningRound, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.require(domain.StateCommit); err != nil {
		return nil, err
	}
	netCtx, release, err := s.operation(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	return s.buildAndSign(ctx, netCtx)
}

// buildAndSign queries the rollup with netCtx and journals with ctx.
func (s *Session) buildAndSign(ctx, netCtx context.Context) (*SigningRound, error) {
	sell, err := s.o.client.ResolveToken(netCtx, s.agreement.Sell.Token)
	if err != nil {
		return nil, s.fail(domain.StateCommit, fmt.Errorf("resolve sell token: %w", err))
	}
	buy, err := s.o.client.ResolveToken(netCtx, s.agreement.Buy.Token)
	if err != nil {
		return nil, s.fail(domain.StateCommit, fmt.Errorf("resolve buy token: %w", err))
	}
	fees, err := schedule.ResolveFees(netCtx, s.o.client, s.joint.Address, s.agreement.Sell.Token, s.agreement.Buy.Token)
	if err != nil {
		return nil, s.fail(domain.StateCommit, err)
	}

	sched, err := schedule.Build(schedule.Request{
		Agreement: s.agreement,
		Joint:     s.joint,
		AccountID: s.accountID,
		SellToken: *sell,
		BuyToken:  *buy,
		Maker:     s.o.Address(),
		Client:    s.client.Address,
		Fees:      fees,
		Mode:      s.mode,
		Now:       s.o.now(),
	})
	if err != nil {
		return nil, s.abort(ctx, domain.StateCommit, err)
	}
	s.transition(ctx, domain.StateBuildAndSign, "schedule built")

	msgs, err := sched.Messages()
	if err != nil {
		return nil, s.abort(ctx, domain.StateBuildAndSign, err)
	}
	shares := make([][]byte, schedule.NumSlots)
	for i, msg := range msgs {
		share, err := s.cosigner.Sign(s.o.key.SecretKey(), msg, i)
		if err != nil {
			return nil, s.abort(ctx, domain.StateBuildAndSign, fmt.Errorf("slot %d: %w", i, err))
		}
		shares[i] = share
	}

	s.sellToken = *sell
	s.buyToken = *buy
	s.unsigned = sched
	s.messages = msgs
	s.ownShares = shares
	s.transition(ctx, domain.StateAwaitPeerShares, "own shares computed")

	return &SigningRound{
		Commitments:  copyBytes(s.ownCom),
		Shares:       copyBytes(shares),
		Transactions: sched.Transactions(),
	}, nil
}

// FinalizeWithPeerShares aggregates and verifies the five signatures, then
// checks the client's deposit and the claim deadline. The signed bundle is
// returned only when all pass; any failure aborts the session and returns no
// signatures.
func (s *Session) FinalizeWithPeerShares(ctx context.Context, peerShares [][]byte) ([]rollup.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.require(domain.StateAwaitPeerShares); err != nil {
		return nil, err
	}
	if len(peerShares) != schedule.NumSlots {
		return nil, s.abort(ctx, domain.StateAwaitPeerShares,
			fmt.Errorf("%w: expected %d shares, got %d", ErrInvalidSignatureShare, schedule.NumSlots, len(peerShares)))
	}

	sigs := make([][]byte, schedule.NumSlots)
	for i := range sigs {
		sig, err := s.cosigner.ReceiveSignatureShares([][]byte{s.ownShares[i], peerShares[i]}, i)
		if err != nil {
			return nil, s.abort(ctx, domain.StateAwaitPeerShares, fmt.Errorf("%w: slot %d: %w", ErrInvalidSignatureShare, i, err))
		}
		if !s.cosigner.Verify(s.messages[i], sig) {
			return nil, s.abort(ctx, domain.StateAwaitPeerShares, fmt.Errorf("%w: slot %d does not verify", ErrInvalidSignatureShare, i))
		}
		sigs[i] = sig
	}

	signed, err := s.unsigned.Attach(s.cosigner.ComputePubkey(), sigs)
	if err != nil {
		return nil, s.abort(ctx, domain.StateAwaitPeerShares, err)
	}
	s.transition(ctx, domain.StateDepositCheck, "signatures verified")

	netCtx, release, err := s.operation(ctx)
	if err != nil {
		return nil, s.abort(ctx, domain.StateDepositCheck, err)
	}
	required := RequiredDeposit(s.agreement.Sell.Amount, s.unsigned.Fee(schedule.SlotAuthorizeKey), s.unsigned.Fee(schedule.SlotClaimSell))
	balance, err := s.o.guard.Check(netCtx, s.joint.Address, s.sellToken.Symbol, required)
	release()
	if err != nil {
		if errors.Is(err, ErrInsufficientDeposit) {
			observability.RecordDepositRejected()
		}
		return nil, s.abort(ctx, domain.StateDepositCheck, err)
	}
	s.log.Info().
		Str("balance", balance.String()).
		Str("required", required.String()).
		Str("token", s.sellToken.Symbol).
		Msg("client deposit confirmed")

	if err := s.checkDeadline(); err != nil {
		return nil, s.abort(ctx, domain.StateDepositCheck, err)
	}

	s.signed = signed
	s.transition(ctx, domain.StateReadyToSettle, "deposit confirmed")
	s.o.journal.bundle(ctx, s.id, signed, s.o.now().UnixMilli())

	return signed.Transactions(), nil
}

// DepositOwnLeg transfers buyAmount + fee(tx1) of the buy token from the
// maker's wallet into the joint account and waits for the receipt. It is
// allowed once, after the client's deposit was confirmed, and only while the
// claim deadline is further away than the settle margin.
//
// The transfer is signed once. After a network error the call may be repeated:
// it waits for the transfer already sent instead of sending a second one. A
// rejected transfer leaves the session unchanged and the next call signs anew.
func (s *Session) DepositOwnLeg(ctx context.Context) (*rollup.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.require(domain.StateReadyToSettle); err != nil {
		return nil, err
	}
	if s.deposited {
		return nil, &PhaseError{Phase: domain.StateReadyToSettle, Err: fmt.Errorf("%w: own leg already deposited", ErrInvalidState)}
	}

	if s.depositTx == nil {
		if err := s.checkDeadline(); err != nil {
			return nil, s.abort(ctx, domain.StateReadyToSettle, err)
		}
		netCtx, release, err := s.operation(ctx)
		if err != nil {
			return nil, err
		}
		amount := new(big.Int).Add(s.agreement.Buy.Amount, s.unsigned.Fee(schedule.SlotClaimBuy))
		tx, err := s.o.wallet.PrepareTransfer(netCtx, s.joint.Address, s.agreement.Buy.Token, amount)
		release()
		if err != nil {
			return nil, s.fail(domain.StateReadyToSettle, fmt.Errorf("deposit own leg: %w", err))
		}
		if err := s.commitOwnLeg(); err != nil {
			return nil, err
		}
		s.depositTx = tx
	}

	receipt, err := s.submitOwnLeg(ctx)
	if err != nil {
		if errors.Is(err, rollup.ErrTxRejected) {
			s.depositTx = nil
			s.depositHash = ""
			s.releaseOwnLeg()
		}
		return receipt, s.fail(domain.StateReadyToSettle, fmt.Errorf("deposit own leg: %w", err))
	}

	s.deposited = true
	s.log.Info().
		Str("tx_hash", receipt.TxHash).
		Str("amount", s.depositTx.Amount.String()).
		Str("token", s.buyToken.Symbol).
		Msg("own leg deposited")
	return receipt, nil
}

// submitOwnLeg sends the prepared deposit at most once and waits for it. When
// an earlier submit failed, the wallet nonce tells whether it executed anyway.
func (s *Session) submitOwnLeg(ctx context.Context) (*rollup.Receipt, error) {
	if s.depositHash == "" {
		used, err := s.o.wallet.NonceUsed(ctx, s.depositTx.Nonce)
		if err != nil {
			return nil, err
		}
		if used {
			hash, err := rollup.TxHash(s.depositTx)
			if err != nil {
				return nil, err
			}
			s.depositHash = hash
		} else {
			hash, err := s.o.wallet.Submit(ctx, s.depositTx)
			if err != nil {
				return nil, err
			}
			s.depositHash = hash
			s.log.Info().Str("tx_hash", hash).Msg("own leg submitted")
		}
	}
	return s.o.wallet.AwaitTransfer(ctx, s.depositHash)
}

// Settle submits transactions 0, 1 and 2 in order, waiting for each receipt
// before the next submission. After a network error the call may be repeated
// and resumes at the first unconfirmed transaction. A rejected transaction
// aborts the session with ErrSettlementFailed.
func (s *Session) Settle(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.require(domain.StateReadyToSettle); err != nil {
		return err
	}
	if !s.deposited {
		return &PhaseError{Phase: domain.StateReadyToSettle, Err: fmt.Errorf("%w: own leg not deposited", ErrInvalidState)}
	}

	for s.settled < len(settleSlots) {
		slot := settleSlots[s.settled]
		label := strconv.Itoa(slot)

		if s.pendingHash == "" {
			hash, err := s.o.client.Submit(ctx, s.signed.Tx(slot))
			if err != nil {
				observability.RecordTxSubmitted(label, "error")
				return s.fail(domain.StateReadyToSettle, fmt.Errorf("submit slot %d: %w", slot, err))
			}
			s.pendingHash = hash
			observability.RecordTxSubmitted(label, "submitted")
			s.log.Info().Int("slot", slot).Str("tx_hash", hash).Msg("transaction submitted")
		}

		receipt, err := s.o.client.AwaitReceipt(ctx, s.pendingHash)
		if err != nil {
			return s.fail(domain.StateReadyToSettle, fmt.Errorf("await slot %d %s: %w", slot, s.pendingHash, err))
		}
		if !receipt.Success {
			observability.RecordTxSubmitted(label, "rejected")
			return s.abort(ctx, domain.StateReadyToSettle,
				fmt.Errorf("%w: slot %d %s: %s", ErrSettlementFailed, slot, s.pendingHash, receipt.FailReason))
		}

		observability.RecordTxSubmitted(label, "committed")
		s.log.Info().Int("slot", slot).Str("tx_hash", s.pendingHash).Msg("transaction committed")
		s.settled++
		s.pendingHash = ""
	}

	s.transition(ctx, domain.StateSettled, "settlement committed")
	observability.RecordSettlement(s.o.now().Unix())
	return nil
}

// Abort abandons the session. Signatures already handed to the client stay
// valid on the rollup. A network call in progress is cancelled rather than
// waited for. Once the maker's own leg is on its way to the joint account the
// session can only settle and Abort is refused.
func (s *Session) Abort(ctx context.Context, reason string) error {
	if reason == "" {
		reason = "aborted by caller"
	}
	before := s.State()

	s.ctlMu.Lock()
	if s.committed {
		s.ctlMu.Unlock()
		return &PhaseError{Phase: before, Err: fmt.Errorf("%w: own leg committed, settle instead", ErrInvalidState)}
	}
	s.halted = true
	if s.cancelOp != nil {
		s.cancelOp()
	}
	s.ctlMu.Unlock()

	defer func() {
		s.ctlMu.Lock()
		s.halted = false
		s.ctlMu.Unlock()
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.State()
	if state == domain.StateAborted && !before.Terminal() {
		// the cancelled operation already aborted the session
		return nil
	}
	if state.Terminal() {
		return &PhaseError{Phase: state, Err: fmt.Errorf("%w: session already %s", ErrInvalidState, state)}
	}
	s.transition(ctx, domain.StateAborted, reason)
	return nil
}

// operation derives the context for a network call that Abort may cancel.
// The caller must hold s.mu and call release when the call returns.
func (s *Session) operation(ctx context.Context) (context.Context, func(), error) {
	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()

	if s.halted {
		return nil, nil, &PhaseError{Phase: s.State(), Err: fmt.Errorf("%w: abort in progress", ErrInvalidState)}
	}
	opCtx, cancel := context.WithCancel(ctx)
	s.cancelOp = cancel
	release := func() {
		s.ctlMu.Lock()
		s.cancelOp = nil
		s.ctlMu.Unlock()
		cancel()
	}
	return opCtx, release, nil
}

// commitOwnLeg marks the maker's deposit as committed. Abort is refused
// until releaseOwnLeg.
func (s *Session) commitOwnLeg() error {
	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()

	if s.halted {
		return &PhaseError{Phase: s.State(), Err: fmt.Errorf("%w: abort in progress", ErrInvalidState)}
	}
	s.committed = true
	return nil
}

func (s *Session) releaseOwnLeg() {
	s.ctlMu.Lock()
	s.committed = false
	s.ctlMu.Unlock()
}

// checkDeadline refuses when the claim deadline of slot 1 is no further away
// than the settle margin.
func (s *Session) checkDeadline() error {
	deadline := time.Unix(int64(s.unsigned.Tx(schedule.SlotClaimBuy).Common().ValidUntil), 0)
	now := s.o.now()
	if now.Add(s.o.margin).Before(deadline) {
		return nil
	}
	return fmt.Errorf("%w: claim valid until %s, now %s, margin %s", ErrDeadlinePassed,
		deadline.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339), s.o.margin)
}

// require checks the session is in want.
func (s *Session) require(want domain.State) error {
	if got := s.State(); got != want {
		return &PhaseError{Phase: got, Err: fmt.Errorf("%w: expected %s", ErrInvalidState, want)}
	}
	return nil
}

// fail records err against phase without changing state.
func (s *Session) fail(phase domain.State, err error) error {
	perr := &PhaseError{Phase: phase, Err: err}

	s.stateMu.Lock()
	s.lastErr = perr
	s.stateMu.Unlock()

	observability.RecordPhaseError(string(phase), causeOf(err))
	s.log.Warn().Err(err).Str("phase", string(phase)).Msg("phase failed")
	return perr
}

// abort records err and moves the session to ABORTED.
func (s *Session) abort(ctx context.Context, phase domain.State, err error) error {
	perr := s.fail(phase, err)
	s.transition(ctx, domain.StateAborted, err.Error())
	return perr
}

// transition moves the session to next and journals the change. Terminal
// states close the cosigner and record the outcome.
func (s *Session) transition(ctx context.Context, next domain.State, reason string) {
	s.stateMu.Lock()
	prev := s.state
	s.state = next
	s.stateMu.Unlock()

	now := s.o.now()
	observability.RecordPhase(string(prev), now.Sub(s.phaseStart).Seconds())
	s.phaseStart = now
	s.seq++

	s.log.Info().
		Str("from", string(prev)).
		Str("to", string(next)).
		Str("reason", reason).
		Msg("state transition")

	s.o.journal.transition(ctx, &domain.StateTransition{
		SwapID:    s.id,
		Seq:       s.seq,
		FromState: prev,
		ToState:   next,
		Reason:    reason,
		Timestamp: now.UnixMilli(),
	})

	if !next.Terminal() {
		return
	}

	s.cosigner.Close()
	observability.RecordSwapOutcome(string(next))
	s.o.journal.outcome(ctx, &domain.SwapOutcome{
		SwapID:       s.id,
		FinalState:   next,
		SellToken:    string(s.agreement.Sell.Token),
		SellAmount:   s.agreement.Sell.Amount.String(),
		BuyToken:     string(s.agreement.Buy.Token),
		BuyAmount:    s.agreement.Buy.Amount.String(),
		JointAddress: s.joint.Address.Hex(),
		DurationMs:   now.Sub(s.createdAt).Milliseconds(),
		Reason:       reason,
		Timestamp:    now.UnixMilli(),
	})
}

func copyBytes(in [][]byte) [][]byte {
	out := make([][]byte, len(in))
	for i, b := range in {
		out[i] = append([]byte(nil), b...)
	}
	return out
}
