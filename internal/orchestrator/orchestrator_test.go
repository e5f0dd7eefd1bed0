package orchestrator

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rollup-swap/internal/cosign"
	"rollup-swap/internal/domain"
	"rollup-swap/internal/rollup"
	"rollup-swap/internal/rollup/stub"
	"rollup-swap/internal/schedule"
	"rollup-swap/internal/storage/memory"
)

var (
	tokenA = rollup.Token{ID: 1, Symbol: "AAA", Address: common.HexToAddress("0x00000000000000000000000000000000000000a1"), Decimals: 18}
	tokenB = rollup.Token{ID: 2, Symbol: "BBB", Address: common.HexToAddress("0x00000000000000000000000000000000000000b2"), Decimals: 6}

	makerAddr  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	clientAddr = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

// Fees: transfer AAA 3, transfer BBB 2, change pubkey 5, withdraw 7.
const (
	feeTransferA = 3
	feeTransferB = 2
	feeCPK       = 5
	feeWithdraw  = 7

	// sell + fee(tx0) + fee(tx2) in rollup mode
	requiredL2 = 100 + feeCPK + feeTransferA
	// sell + fee(tx0) + fee(tx2) in on-chain withdraw mode
	requiredL1 = 100 + feeCPK + feeWithdraw
)

type fixture struct {
	rollup    *stub.Rollup
	orch      *Orchestrator
	clientKey *cosign.KeyPair
	client    domain.Party
	now       time.Time

	sessions    *memory.SessionStore
	transitions *memory.TransitionStore
	bundles     *memory.BundleStore
	outcomes    *memory.OutcomeStore
}

func newFixture(t *testing.T, mode domain.WithdrawMode) *fixture {
	t.Helper()

	f := &fixture{
		rollup:      stub.NewRollup(tokenA, tokenB),
		now:         time.Unix(1_700_000_000, 0),
		sessions:    memory.NewSessionStore(),
		transitions: memory.NewTransitionStore(),
		bundles:     memory.NewBundleStore(),
		outcomes:    memory.NewOutcomeStore(),
	}
	clock := func() time.Time { return f.now }
	f.rollup.Now = clock

	f.rollup.SetFee(rollup.FeeTransfer, "AAA", big.NewInt(feeTransferA))
	f.rollup.SetFee(rollup.FeeTransfer, "BBB", big.NewInt(feeTransferB))
	f.rollup.SetFee(rollup.FeeChangePubKey, "AAA", big.NewInt(feeCPK))
	f.rollup.SetFee(rollup.FeeWithdraw, "AAA", big.NewInt(feeWithdraw))

	makerKey, err := cosign.GenerateKeyPair()
	require.NoError(t, err)
	f.clientKey, err = cosign.GenerateKeyPair()
	require.NoError(t, err)
	f.client = domain.Party{PublicKey: f.clientKey.PublicKey(), Address: clientAddr}

	f.rollup.SetPubKeyHash(makerAddr, cosign.PubKeyHash(makerKey.PublicKey()))
	f.rollup.Deposit(makerAddr, "BBB", big.NewInt(1000))

	f.orch, err = New(Options{
		Client:          f.rollup,
		Wallet:          rollup.NewWallet(f.rollup, makerKey, makerAddr),
		Key:             makerKey,
		SessionStore:    f.sessions,
		TransitionStore: f.transitions,
		BundleStore:     f.bundles,
		OutcomeStore:    f.outcomes,
		WithdrawMode:    mode,
		Now:             clock,
		Logger:          zerolog.Nop(),
	})
	require.NoError(t, err)
	return f
}

func testAgreement() domain.SwapAgreement {
	return domain.SwapAgreement{
		Sell:           domain.Leg{Token: "AAA", Amount: big.NewInt(100)},
		Buy:            domain.Leg{Token: "BBB", Amount: big.NewInt(50)},
		TimeoutSeconds: 3600,
		Deployment: domain.Deployment{
			Salt:     common.HexToHash("0x01"),
			CodeHash: common.HexToHash("0x02"),
		},
	}
}

// peer is the client side of the co-signing protocol.
type peer struct {
	key    *cosign.KeyPair
	signer *cosign.Cosigner
	pre    [][]byte
	com    [][]byte
}

// open creates a session and prepares the client's commitment round.
func (f *fixture) open(t *testing.T) (*Session, *peer) {
	t.Helper()

	s, err := f.orch.CreateSwap(context.Background(), testAgreement(), f.client, nil)
	require.NoError(t, err)
	require.Equal(t, domain.StateSetup, s.State())

	offer := s.Offer()
	signer, err := cosign.New([][]byte{offer.PublicKey, f.clientKey.PublicKey()}, 1, schedule.NumSlots)
	require.NoError(t, err)
	pre, err := signer.ComputePrecommitments()
	require.NoError(t, err)
	com, err := signer.ReceivePrecommitments(pre, offer.Precommitments)
	require.NoError(t, err)

	return s, &peer{key: f.clientKey, signer: signer, pre: pre, com: com}
}

// shares completes the client's commitment round and signs every slot.
func (p *peer) shares(t *testing.T, round *SigningRound) [][]byte {
	t.Helper()

	require.NoError(t, p.signer.ReceiveCommitments(p.com, round.Commitments))
	require.Len(t, round.Transactions, schedule.NumSlots)

	out := make([][]byte, schedule.NumSlots)
	for i, tx := range round.Transactions {
		msg, err := tx.SignBytes()
		require.NoError(t, err)
		out[i], err = p.signer.Sign(p.key.SecretKey(), msg, i)
		require.NoError(t, err)
	}
	return out
}

// ready drives a session to READY_TO_SETTLE with the given client deposit.
func (f *fixture) ready(t *testing.T, deposit int64) (*Session, []rollup.Tx) {
	t.Helper()
	ctx := context.Background()

	s, p := f.open(t)
	f.rollup.Deposit(s.JointAddress(), "AAA", big.NewInt(deposit))

	round, err := s.ReceivePeerCommitmentRound(ctx, p.pre, p.com)
	require.NoError(t, err)
	require.Equal(t, domain.StateAwaitPeerShares, s.State())

	signed, err := s.FinalizeWithPeerShares(ctx, p.shares(t, round))
	require.NoError(t, err)
	require.Equal(t, domain.StateReadyToSettle, s.State())
	return s, signed
}

func TestSession_EndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.WithdrawRollup)

	s, signed := f.ready(t, requiredL2)
	require.Len(t, signed, schedule.NumSlots)

	jointPub := s.JointPublicKey()
	for i, tx := range signed {
		msg, err := tx.SignBytes()
		require.NoError(t, err)
		sig := tx.Common().Signature
		require.NotNil(t, sig, "slot %d", i)
		assert.Equal(t, jointPub, sig.PubKey, "slot %d", i)
		assert.True(t, cosign.Verify(jointPub, msg, sig.Signature), "slot %d", i)
	}

	receipt, err := s.DepositOwnLeg(ctx)
	require.NoError(t, err)
	assert.True(t, receipt.Success)
	assert.Equal(t, big.NewInt(1000-50-feeTransferB-feeTransferB), f.rollup.Balance(makerAddr, "BBB"))
	assert.Equal(t, big.NewInt(50+feeTransferB), f.rollup.Balance(s.JointAddress(), "BBB"))

	require.NoError(t, s.Settle(ctx))
	assert.Equal(t, domain.StateSettled, s.State())

	joint := s.JointAddress()
	assert.Equal(t, uint32(3), f.rollup.Nonce(joint))
	assert.Equal(t, int64(0), f.rollup.Balance(joint, "AAA").Int64())
	assert.Equal(t, int64(0), f.rollup.Balance(joint, "BBB").Int64())
	assert.Equal(t, int64(50), f.rollup.Balance(clientAddr, "BBB").Int64())
	assert.Equal(t, int64(100), f.rollup.Balance(makerAddr, "AAA").Int64())

	submitted := f.rollup.Submitted()
	require.Len(t, submitted, 4)
	assert.IsType(t, &rollup.Transfer{}, submitted[0]) // own deposit
	assert.IsType(t, &rollup.ChangePubKey{}, submitted[1])
	assert.Equal(t, clientAddr, submitted[2].(*rollup.Transfer).To)
	assert.Equal(t, makerAddr, submitted[3].(*rollup.Transfer).To)
}

func TestSession_EndToEnd_WithdrawOnChain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.WithdrawOnChain)

	s, signed := f.ready(t, requiredL1)
	assert.IsType(t, &rollup.Withdraw{}, signed[schedule.SlotClaimSell])

	_, err := s.DepositOwnLeg(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Settle(ctx))

	assert.Equal(t, int64(100), f.rollup.Withdrawn(makerAddr, "AAA").Int64())
	assert.Equal(t, int64(0), f.rollup.Balance(s.JointAddress(), "AAA").Int64())
}

func TestSession_CorruptedShare(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.WithdrawRollup)

	s, p := f.open(t)
	f.rollup.Deposit(s.JointAddress(), "AAA", big.NewInt(requiredL2))

	round, err := s.ReceivePeerCommitmentRound(ctx, p.pre, p.com)
	require.NoError(t, err)

	shares := p.shares(t, round)
	shares[2][0] ^= 0x01

	signed, err := s.FinalizeWithPeerShares(ctx, shares)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidSignatureShare), "got %v", err)
	assert.Nil(t, signed)
	assert.Equal(t, domain.StateAborted, s.State())

	_, ok := s.SignedTransactions()
	assert.False(t, ok)
	assert.Empty(t, f.rollup.Submitted())

	var perr *PhaseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, domain.StateAwaitPeerShares, perr.Phase)
}

func TestSession_WrongShareCount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.WithdrawRollup)

	s, p := f.open(t)
	f.rollup.Deposit(s.JointAddress(), "AAA", big.NewInt(requiredL2))
	round, err := s.ReceivePeerCommitmentRound(ctx, p.pre, p.com)
	require.NoError(t, err)

	_, err = s.FinalizeWithPeerShares(ctx, p.shares(t, round)[:4])
	assert.True(t, errors.Is(err, ErrInvalidSignatureShare), "got %v", err)
	assert.Equal(t, domain.StateAborted, s.State())
}

func TestSession_DepositGateBoundary(t *testing.T) {
	tests := []struct {
		name    string
		mode    domain.WithdrawMode
		deposit int64
		wantErr bool
	}{
		{"rollup exact", domain.WithdrawRollup, requiredL2, false},
		{"rollup above", domain.WithdrawRollup, requiredL2 + 1, false},
		{"rollup one below", domain.WithdrawRollup, requiredL2 - 1, true},
		{"rollup sell amount only", domain.WithdrawRollup, 100, true},
		{"on-chain exact", domain.WithdrawOnChain, requiredL1, false},
		{"on-chain one below", domain.WithdrawOnChain, requiredL1 - 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, tt.mode)

			s, p := f.open(t)
			f.rollup.Deposit(s.JointAddress(), "AAA", big.NewInt(tt.deposit))
			round, err := s.ReceivePeerCommitmentRound(ctx, p.pre, p.com)
			require.NoError(t, err)

			signed, err := s.FinalizeWithPeerShares(ctx, p.shares(t, round))
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInsufficientDeposit), "got %v", err)
				assert.Nil(t, signed)
				assert.Equal(t, domain.StateAborted, s.State())
				return
			}
			require.NoError(t, err)
			assert.Len(t, signed, schedule.NumSlots)
			assert.Equal(t, domain.StateReadyToSettle, s.State())
		})
	}
}

func TestCreateSwap_Unprofitable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.WithdrawRollup)

	reject := func(sell, buy domain.Leg) bool { return false }
	s, err := f.orch.CreateSwap(ctx, testAgreement(), f.client, reject)
	assert.Nil(t, s)
	assert.True(t, errors.Is(err, ErrUnprofitableDeal), "got %v", err)

	_, ok := f.orch.Active()
	assert.False(t, ok)

	accept := func(sell, buy domain.Leg) bool { return true }
	s, err = f.orch.CreateSwap(ctx, testAgreement(), f.client, accept)
	require.NoError(t, err)
	assert.Equal(t, domain.StateSetup, s.State())
}

func TestCreateSwap_InvalidAgreement(t *testing.T) {
	f := newFixture(t, domain.WithdrawRollup)

	agreement := testAgreement()
	agreement.TimeoutSeconds = 0

	_, err := f.orch.CreateSwap(context.Background(), agreement, f.client, nil)
	assert.True(t, errors.Is(err, schedule.ErrInvalidAgreement), "got %v", err)
}

func TestCreateSwap_SessionBusy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.WithdrawRollup)

	s, _ := f.open(t)

	_, err := f.orch.CreateSwap(ctx, testAgreement(), f.client, nil)
	assert.True(t, errors.Is(err, ErrSessionBusy), "got %v", err)

	require.NoError(t, s.Abort(ctx, "client went away"))
	assert.Equal(t, domain.StateAborted, s.State())

	next, err := f.orch.CreateSwap(ctx, testAgreement(), f.client, nil)
	require.NoError(t, err)
	assert.NotEqual(t, s.ID(), next.ID(), "fresh precommitments give a fresh swap id")

	got, ok := f.orch.Session(s.ID())
	require.True(t, ok)
	assert.Equal(t, domain.StateAborted, got.State())
}

func TestSession_AccountNotReady(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.WithdrawRollup)

	s, p := f.open(t)

	_, err := s.ReceivePeerCommitmentRound(ctx, p.pre, p.com)
	assert.True(t, errors.Is(err, ErrAccountNotReady), "got %v", err)
	assert.Equal(t, domain.StateSetup, s.State())
	assert.Equal(t, err, s.Err())

	f.rollup.Deposit(s.JointAddress(), "AAA", big.NewInt(requiredL2))
	round, err := s.ReceivePeerCommitmentRound(ctx, p.pre, p.com)
	require.NoError(t, err)
	assert.Equal(t, domain.StateAwaitPeerShares, s.State())
	assert.Len(t, round.Shares, schedule.NumSlots)
}

func TestSession_FeeResolutionRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.WithdrawRollup)

	s, p := f.open(t)
	f.rollup.Deposit(s.JointAddress(), "AAA", big.NewInt(requiredL2))

	s.o.client = withdrawFeeless{Rollup: f.rollup}
	_, err := s.ReceivePeerCommitmentRound(ctx, p.pre, p.com)
	assert.True(t, errors.Is(err, schedule.ErrFeeResolution), "got %v", err)
	assert.Equal(t, domain.StateCommit, s.State())

	s.o.client = f.rollup
	round, err := s.BuildAndSign(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StateAwaitPeerShares, s.State())
	assert.Equal(t, int64(100), round.Transactions[schedule.SlotClaimSell].(*rollup.Transfer).Amount.Int64())

	_, err = s.BuildAndSign(ctx)
	assert.True(t, errors.Is(err, ErrInvalidState), "got %v", err)
}

// withdrawFeeless fails Withdraw fee quotes.
type withdrawFeeless struct {
	*stub.Rollup
}

func (w withdrawFeeless) GetFeeQuote(ctx context.Context, kind rollup.FeeKind, addr common.Address, token domain.TokenLike) (*big.Int, error) {
	if kind == rollup.FeeWithdraw {
		return nil, errors.New("fee service unavailable")
	}
	return w.Rollup.GetFeeQuote(ctx, kind, addr, token)
}

func TestSession_SettleResumesAfterNetworkError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.WithdrawRollup)

	s, _ := f.ready(t, requiredL2)
	_, err := s.DepositOwnLeg(ctx)
	require.NoError(t, err)

	f.rollup.FailNextSubmit(errors.New("connection reset"))
	err = s.Settle(ctx)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrSettlementFailed))
	assert.Equal(t, domain.StateReadyToSettle, s.State())
	assert.Equal(t, uint32(0), f.rollup.Nonce(s.JointAddress()))

	require.NoError(t, s.Settle(ctx))
	assert.Equal(t, domain.StateSettled, s.State())
	assert.Equal(t, uint32(3), f.rollup.Nonce(s.JointAddress()))
	assert.Len(t, f.rollup.Submitted(), 4)

	err = s.Settle(ctx)
	assert.True(t, errors.Is(err, ErrInvalidState), "got %v", err)
}

func TestSession_SettleRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.WithdrawRollup)

	s, _ := f.ready(t, requiredL2)
	_, err := s.DepositOwnLeg(ctx)
	require.NoError(t, err)

	// Past the deadline tx1 is outside its validity window.
	f.now = f.now.Add(3601 * time.Second)

	err = s.Settle(ctx)
	assert.True(t, errors.Is(err, ErrSettlementFailed), "got %v", err)
	assert.Equal(t, domain.StateAborted, s.State())
	assert.Equal(t, uint32(1), f.rollup.Nonce(s.JointAddress()))
}

func TestSession_SettleRequiresDeposit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.WithdrawRollup)

	s, _ := f.ready(t, requiredL2)

	err := s.Settle(ctx)
	assert.True(t, errors.Is(err, ErrInvalidState), "got %v", err)
	assert.Empty(t, f.rollup.Submitted())

	_, err = s.DepositOwnLeg(ctx)
	require.NoError(t, err)
	_, err = s.DepositOwnLeg(ctx)
	assert.True(t, errors.Is(err, ErrInvalidState), "got %v", err)
}

func TestSession_DepositOwnLegOnlyWhenReady(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.WithdrawRollup)

	s, _ := f.open(t)
	_, err := s.DepositOwnLeg(ctx)
	assert.True(t, errors.Is(err, ErrInvalidState), "got %v", err)
	assert.Equal(t, int64(1000), f.rollup.Balance(makerAddr, "BBB").Int64())
}

func TestSession_JointPublicKeyStable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.WithdrawRollup)

	s, p := f.open(t)
	f.rollup.Deposit(s.JointAddress(), "AAA", big.NewInt(requiredL2))
	_, err := s.ReceivePeerCommitmentRound(ctx, p.pre, p.com)
	require.NoError(t, err)

	first := s.JointPublicKey()
	second := s.JointPublicKey()
	assert.Equal(t, first, second)
	assert.Equal(t, p.signer.ComputePubkey(), first)
}

func TestSession_Abort(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.WithdrawRollup)

	s, p := f.open(t)
	require.NoError(t, s.Abort(ctx, ""))
	assert.Equal(t, domain.StateAborted, s.State())

	err := s.Abort(ctx, "again")
	assert.True(t, errors.Is(err, ErrInvalidState), "got %v", err)

	_, err = s.ReceivePeerCommitmentRound(ctx, p.pre, p.com)
	assert.True(t, errors.Is(err, ErrInvalidState), "got %v", err)
}

func TestSession_Journal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.WithdrawRollup)

	s, _ := f.ready(t, requiredL2)
	_, err := s.DepositOwnLeg(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Settle(ctx))

	record, err := f.sessions.GetByID(ctx, s.ID())
	require.NoError(t, err)
	assert.Equal(t, s.JointAddress().Hex(), record.JointAddress)
	assert.Equal(t, "100", record.SellAmount)

	transitions, err := f.transitions.GetBySwapID(ctx, s.ID())
	require.NoError(t, err)
	want := []domain.State{
		domain.StateSetup,
		domain.StateCommit,
		domain.StateBuildAndSign,
		domain.StateAwaitPeerShares,
		domain.StateDepositCheck,
		domain.StateReadyToSettle,
		domain.StateSettled,
	}
	require.Len(t, transitions, len(want))
	for i, tr := range transitions {
		assert.Equal(t, i+1, tr.Seq)
		assert.Equal(t, want[i], tr.ToState)
	}
	assert.Equal(t, domain.StateIdle, transitions[0].FromState)

	bundle, err := f.bundles.GetBySwapID(ctx, s.ID())
	require.NoError(t, err)
	require.Len(t, bundle, schedule.NumSlots)
	assert.Equal(t, uint32(1), bundle[schedule.SlotClaimBuy].Nonce)
	assert.Equal(t, uint32(1), bundle[schedule.SlotRefundSell].Nonce)
	assert.Equal(t, bundle[schedule.SlotClaimBuy].ValidUntil, bundle[schedule.SlotRefundSell].ValidFrom)

	ts := f.now.UnixMilli()
	outcomes, err := f.outcomes.GetByTimeRange(ctx, ts, ts)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, domain.StateSettled, outcomes[0].FinalState)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

// flakyAwait loses the first receipts it is asked for.
type flakyAwait struct {
	*stub.Rollup
	fail int
}

func (c *flakyAwait) AwaitReceipt(ctx context.Context, hash string) (*rollup.Receipt, error) {
	if c.fail > 0 {
		c.fail--
		return nil, errors.New("receipt poll timed out")
	}
	return c.Rollup.AwaitReceipt(ctx, hash)
}

// lostAck executes the first submit but reports it as failed.
type lostAck struct {
	*stub.Rollup
	dropped bool
}

func (c *lostAck) Submit(ctx context.Context, tx rollup.Tx) (string, error) {
	hash, err := c.Rollup.Submit(ctx, tx)
	if err == nil && !c.dropped {
		c.dropped = true
		return "", errors.New("connection reset after send")
	}
	return hash, err
}

func TestSession_DepositOwnLegRetryDoesNotDoubleSpend(t *testing.T) {
	tests := []struct {
		name   string
		client func(*stub.Rollup) rollup.Client
		before func(*stub.Rollup)
	}{
		{
			name:   "receipt lost",
			client: func(r *stub.Rollup) rollup.Client { return &flakyAwait{Rollup: r, fail: 1} },
		},
		{
			name:   "submit acknowledgement lost",
			client: func(r *stub.Rollup) rollup.Client { return &lostAck{Rollup: r} },
		},
		{
			name:   "submit never sent",
			client: func(r *stub.Rollup) rollup.Client { return r },
			before: func(r *stub.Rollup) { r.FailNextSubmit(errors.New("connection refused")) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, domain.WithdrawRollup)
			s, _ := f.ready(t, requiredL2)

			f.orch.wallet = rollup.NewWallet(tt.client(f.rollup), f.orch.key, makerAddr)
			if tt.before != nil {
				tt.before(f.rollup)
			}

			_, err := s.DepositOwnLeg(ctx)
			require.Error(t, err)
			assert.Equal(t, domain.StateReadyToSettle, s.State())

			receipt, err := s.DepositOwnLeg(ctx)
			require.NoError(t, err)
			assert.True(t, receipt.Success)

			assert.Equal(t, int64(50+feeTransferB), f.rollup.Balance(s.JointAddress(), "BBB").Int64())
			assert.Equal(t, int64(1000-50-2*feeTransferB), f.rollup.Balance(makerAddr, "BBB").Int64())
			assert.Equal(t, uint32(1), f.rollup.Nonce(makerAddr))

			require.NoError(t, s.Settle(ctx))
			assert.Equal(t, domain.StateSettled, s.State())
		})
	}
}

func TestSession_DepositOwnLegRejectedCanRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.WithdrawRollup)
	s, _ := f.ready(t, requiredL2)

	// 1000 BBB cannot cover 999 BBB plus two transfer fees
	s.agreement.Buy.Amount = big.NewInt(999)
	_, err := s.DepositOwnLeg(ctx)
	assert.True(t, errors.Is(err, rollup.ErrTxRejected), "got %v", err)
	assert.Equal(t, domain.StateReadyToSettle, s.State())

	// a rejected deposit does not commit the session
	require.NoError(t, s.Abort(ctx, "maker underfunded"))
	assert.Equal(t, domain.StateAborted, s.State())
	assert.Equal(t, int64(1000), f.rollup.Balance(makerAddr, "BBB").Int64())
}

func TestSession_FinalizeRefusedPastDeadline(t *testing.T) {
	tests := []struct {
		name    string
		margin  time.Duration
		advance time.Duration
		wantErr bool
	}{
		{"well before deadline", 0, time.Hour - time.Second, false},
		{"at deadline", 0, time.Hour, true},
		{"after deadline", 0, 2 * time.Hour, true},
		{"outside margin", time.Minute, time.Hour - time.Minute - time.Second, false},
		{"inside margin", time.Minute, time.Hour - time.Minute, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, domain.WithdrawRollup)
			f.orch.margin = tt.margin

			s, p := f.open(t)
			f.rollup.Deposit(s.JointAddress(), "AAA", big.NewInt(requiredL2))
			round, err := s.ReceivePeerCommitmentRound(ctx, p.pre, p.com)
			require.NoError(t, err)
			shares := p.shares(t, round)

			f.now = f.now.Add(tt.advance)
			signed, err := s.FinalizeWithPeerShares(ctx, shares)
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Len(t, signed, schedule.NumSlots)
				return
			}

			assert.True(t, errors.Is(err, ErrDeadlinePassed), "got %v", err)
			assert.Nil(t, signed)
			assert.Equal(t, domain.StateAborted, s.State())

			_, ok := s.SignedTransactions()
			assert.False(t, ok)
			bundle, err := f.bundles.GetBySwapID(ctx, s.ID())
			require.NoError(t, err)
			assert.Empty(t, bundle)
		})
	}
}

func TestSession_DepositOwnLegRefusedPastDeadline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.WithdrawRollup)
	f.orch.margin = time.Minute

	s, _ := f.ready(t, requiredL2)
	f.now = f.now.Add(time.Hour - 30*time.Second)

	_, err := s.DepositOwnLeg(ctx)
	assert.True(t, errors.Is(err, ErrDeadlinePassed), "got %v", err)
	assert.Equal(t, domain.StateAborted, s.State())
	assert.Equal(t, int64(1000), f.rollup.Balance(makerAddr, "BBB").Int64())
	assert.Empty(t, f.rollup.Submitted())
}

// stallingState blocks account state queries until the caller gives up.
type stallingState struct {
	*stub.Rollup
	entered chan struct{}
}

func (c stallingState) GetAccountState(ctx context.Context, _ common.Address) (*rollup.AccountState, error) {
	close(c.entered)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSession_AbortCancelsInFlightCall(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.WithdrawRollup)
	s, p := f.open(t)

	entered := make(chan struct{})
	s.o.client = stallingState{Rollup: f.rollup, entered: entered}

	done := make(chan error, 1)
	go func() {
		_, err := s.ReceivePeerCommitmentRound(ctx, p.pre, p.com)
		done <- err
	}()
	<-entered

	aborted := make(chan error, 1)
	go func() { aborted <- s.Abort(ctx, "client went away") }()

	select {
	case err := <-aborted:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("abort blocked on the in-flight call")
	}
	assert.Equal(t, domain.StateAborted, s.State())

	err := <-done
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestSession_AbortRefusedAfterOwnLegCommitted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.WithdrawRollup)

	s, _ := f.ready(t, requiredL2)
	_, err := s.DepositOwnLeg(ctx)
	require.NoError(t, err)

	err = s.Abort(ctx, "changed my mind")
	assert.True(t, errors.Is(err, ErrInvalidState), "got %v", err)
	assert.Equal(t, domain.StateReadyToSettle, s.State())

	require.NoError(t, s.Settle(ctx))
	assert.Equal(t, domain.StateSettled, s.State())
}
