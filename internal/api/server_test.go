package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rollup-swap/internal/cosign"
	"rollup-swap/internal/domain"
	"rollup-swap/internal/orchestrator"
	"rollup-swap/internal/rollup"
	"rollup-swap/internal/rollup/stub"
	"rollup-swap/internal/schedule"
)

var (
	tokenA = rollup.Token{ID: 1, Symbol: "AAA", Address: common.HexToAddress("0xa1"), Decimals: 18}
	tokenB = rollup.Token{ID: 2, Symbol: "BBB", Address: common.HexToAddress("0xb2"), Decimals: 6}

	makerAddr  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	clientAddr = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

// sell 100 + change pubkey fee 5 + transfer AAA fee 3
const requiredDeposit = 108

type fixture struct {
	rollup    *stub.Rollup
	server    *Server
	http      *httptest.Server
	clientKey *cosign.KeyPair
}

func newFixture(t *testing.T, check orchestrator.ProfitabilityCheck) *fixture {
	t.Helper()

	r := stub.NewRollup(tokenA, tokenB)
	r.SetFee(rollup.FeeTransfer, "AAA", big.NewInt(3))
	r.SetFee(rollup.FeeTransfer, "BBB", big.NewInt(2))
	r.SetFee(rollup.FeeChangePubKey, "AAA", big.NewInt(5))
	r.SetFee(rollup.FeeWithdraw, "AAA", big.NewInt(7))

	makerKey, err := cosign.GenerateKeyPair()
	require.NoError(t, err)
	clientKey, err := cosign.GenerateKeyPair()
	require.NoError(t, err)

	r.SetPubKeyHash(makerAddr, cosign.PubKeyHash(makerKey.PublicKey()))
	r.Deposit(makerAddr, "BBB", big.NewInt(1000))

	orch, err := orchestrator.New(orchestrator.Options{
		Client: r,
		Wallet: rollup.NewWallet(r, makerKey, makerAddr),
		Key:    makerKey,
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	srv, err := NewServer(Options{
		Maker:      orch,
		Check:      check,
		RetryDelay: 10 * time.Millisecond,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)

	f := &fixture{rollup: r, server: srv, http: httptest.NewServer(srv.Handler()), clientKey: clientKey}
	t.Cleanup(f.http.Close)
	return f
}

func testRequest(clientKey *cosign.KeyPair) CreateSwapRequest {
	return CreateSwapRequest{
		Agreement: Agreement{
			Sell:           Leg{Token: "AAA", Amount: "100"},
			Buy:            Leg{Token: "BBB", Amount: "50"},
			TimeoutSeconds: 3600,
			Salt:           common.HexToHash("0x01"),
			CodeHash:       common.HexToHash("0x02"),
		},
		ClientPublicKey: clientKey.PublicKey(),
		ClientAddress:   clientAddr,
	}
}

func (f *fixture) do(t *testing.T, method, path string, in, out interface{}) int {
	t.Helper()

	var body bytes.Buffer
	if in != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(in))
	}
	req, err := http.NewRequest(method, f.http.URL+path, &body)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// create opens a swap and prepares the client's cosigner.
func (f *fixture) create(t *testing.T) (CreateSwapResponse, *cosign.Cosigner, [][]byte, [][]byte) {
	t.Helper()

	var offer CreateSwapResponse
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/v1/swaps", testRequest(f.clientKey), &offer))
	require.NotEmpty(t, offer.SwapID)
	require.Len(t, offer.Precommitments, schedule.NumSlots)

	signer, err := cosign.New([][]byte{offer.PublicKey, f.clientKey.PublicKey()}, 1, schedule.NumSlots)
	require.NoError(t, err)
	pre, err := signer.ComputePrecommitments()
	require.NoError(t, err)
	com, err := signer.ReceivePrecommitments(pre, FromHex(offer.Precommitments))
	require.NoError(t, err)
	return offer, signer, pre, com
}

// sign runs the commitment round and returns the client's shares.
func (f *fixture) sign(t *testing.T, offer CreateSwapResponse, signer *cosign.Cosigner, pre, com [][]byte) [][]byte {
	t.Helper()

	var round SigningRoundResponse
	status := f.do(t, http.MethodPost, "/api/v1/swaps/"+offer.SwapID+"/commitments",
		CommitmentsRequest{Precommitments: ToHex(pre), Commitments: ToHex(com)}, &round)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, signer.ReceiveCommitments(com, FromHex(round.Commitments)))

	txs, err := DecodeTransactions(round.Transactions)
	require.NoError(t, err)
	require.Len(t, txs, schedule.NumSlots)

	shares := make([][]byte, len(txs))
	for i, tx := range txs {
		msg, err := tx.SignBytes()
		require.NoError(t, err)
		shares[i], err = signer.Sign(f.clientKey.SecretKey(), msg, i)
		require.NoError(t, err)
	}
	return shares
}

func TestHandleHealth(t *testing.T) {
	f := newFixture(t, nil)

	var health HealthResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", nil, &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, makerAddr, health.Address)
	assert.NotEmpty(t, health.PublicKey)

	// an open swap is not advertised
	f.create(t)
	raw := map[string]interface{}{}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", nil, &raw))
	assert.NotContains(t, raw, "activeSwapId")
	assert.Len(t, raw, 3)
}

func TestSwap_FullFlow(t *testing.T) {
	f := newFixture(t, nil)

	offer, signer, pre, com := f.create(t)
	f.rollup.Deposit(offer.JointAddress, "AAA", big.NewInt(requiredDeposit))
	shares := f.sign(t, offer, signer, pre, com)

	var final SharesResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/v1/swaps/"+offer.SwapID+"/shares",
		SharesRequest{Shares: ToHex(shares)}, &final))
	assert.Equal(t, string(domain.StateReadyToSettle), final.State)

	signed, err := DecodeTransactions(final.Transactions)
	require.NoError(t, err)
	jointPub := signer.ComputePubkey()
	for i, tx := range signed {
		msg, err := tx.SignBytes()
		require.NoError(t, err)
		require.NotNil(t, tx.Common().Signature, "slot %d", i)
		assert.True(t, cosign.Verify(jointPub, msg, tx.Common().Signature.Signature), "slot %d", i)
	}

	f.server.Wait()

	var status StatusResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/swaps/"+offer.SwapID, nil, &status))
	assert.Equal(t, string(domain.StateSettled), status.State)
	assert.Empty(t, status.Error)
	assert.Equal(t, big.NewInt(50), f.rollup.Balance(clientAddr, "BBB"))
	assert.Equal(t, big.NewInt(100), f.rollup.Balance(makerAddr, "AAA"))
}

func TestCreateSwap_Errors(t *testing.T) {
	t.Run("unprofitable", func(t *testing.T) {
		f := newFixture(t, func(sell, buy domain.Leg) bool { return false })
		var resp ErrorResponse
		assert.Equal(t, http.StatusUnprocessableEntity, f.do(t, http.MethodPost, "/api/v1/swaps", testRequest(f.clientKey), &resp))
		assert.Contains(t, resp.Error, "unprofitable")
	})

	t.Run("invalid agreement", func(t *testing.T) {
		f := newFixture(t, nil)
		req := testRequest(f.clientKey)
		req.Agreement.TimeoutSeconds = 0
		assert.Equal(t, http.StatusUnprocessableEntity, f.do(t, http.MethodPost, "/api/v1/swaps", req, nil))
	})

	t.Run("malformed amount", func(t *testing.T) {
		f := newFixture(t, nil)
		req := testRequest(f.clientKey)
		req.Agreement.Sell.Amount = "1e3"
		assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/v1/swaps", req, nil))
	})

	t.Run("busy", func(t *testing.T) {
		f := newFixture(t, nil)
		f.create(t)
		assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/v1/swaps", testRequest(f.clientKey), nil))
	})
}

func TestCommitments_AccountNotReady(t *testing.T) {
	f := newFixture(t, nil)
	offer, _, pre, com := f.create(t)

	status := f.do(t, http.MethodPost, "/api/v1/swaps/"+offer.SwapID+"/commitments",
		CommitmentsRequest{Precommitments: ToHex(pre), Commitments: ToHex(com)}, nil)
	assert.Equal(t, http.StatusTooEarly, status)

	var s StatusResponse
	f.do(t, http.MethodGet, "/api/v1/swaps/"+offer.SwapID, nil, &s)
	assert.Equal(t, string(domain.StateSetup), s.State)
}

func TestShares_InsufficientDeposit(t *testing.T) {
	f := newFixture(t, nil)

	offer, signer, pre, com := f.create(t)
	f.rollup.Deposit(offer.JointAddress, "AAA", big.NewInt(requiredDeposit-1))
	shares := f.sign(t, offer, signer, pre, com)

	status := f.do(t, http.MethodPost, "/api/v1/swaps/"+offer.SwapID+"/shares", SharesRequest{Shares: ToHex(shares)}, nil)
	assert.Equal(t, http.StatusPaymentRequired, status)

	var s StatusResponse
	f.do(t, http.MethodGet, "/api/v1/swaps/"+offer.SwapID, nil, &s)
	assert.Equal(t, string(domain.StateAborted), s.State)
	assert.Contains(t, s.Error, "insufficient deposit")
}

func TestShares_WrongCount(t *testing.T) {
	f := newFixture(t, nil)

	offer, signer, pre, com := f.create(t)
	f.rollup.Deposit(offer.JointAddress, "AAA", big.NewInt(requiredDeposit))
	shares := f.sign(t, offer, signer, pre, com)

	status := f.do(t, http.MethodPost, "/api/v1/swaps/"+offer.SwapID+"/shares", SharesRequest{Shares: ToHex(shares[:4])}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func (f *fixture) abortRequest(swapID, reason string) AbortRequest {
	return AbortRequest{Reason: reason, Signature: f.clientKey.Sign(AbortMessage(swapID))}
}

func TestAbort(t *testing.T) {
	f := newFixture(t, nil)
	offer, _, _, _ := f.create(t)

	var s StatusResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodDelete, "/api/v1/swaps/"+offer.SwapID, f.abortRequest(offer.SwapID, "client left"), &s))
	assert.Equal(t, string(domain.StateAborted), s.State)

	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodDelete, "/api/v1/swaps/"+offer.SwapID, f.abortRequest(offer.SwapID, ""), nil))

	// The orchestrator accepts a new swap once the previous one is terminal.
	var next CreateSwapResponse
	assert.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/v1/swaps", testRequest(f.clientKey), &next))
}

func TestAbort_RequiresClientSignature(t *testing.T) {
	f := newFixture(t, nil)
	offer, _, _, _ := f.create(t)
	path := "/api/v1/swaps/" + offer.SwapID

	stranger, err := cosign.GenerateKeyPair()
	require.NoError(t, err)

	var resp ErrorResponse
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodDelete, path, nil, &resp))
	assert.Contains(t, resp.Error, "missing client signature")
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodDelete, path, AbortRequest{Reason: "grief"}, nil))
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodDelete, path,
		AbortRequest{Signature: stranger.Sign(AbortMessage(offer.SwapID))}, nil))
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodDelete, path,
		AbortRequest{Signature: f.clientKey.Sign(AbortMessage("another-swap"))}, nil))

	var s StatusResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, path, nil, &s))
	assert.Equal(t, string(domain.StateSetup), s.State)
}

func TestUnknownSwap(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/swaps/missing", nil, nil))

	var resp ErrorResponse
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodPut, "/api/v1/swaps/missing", nil, &resp))
	assert.Contains(t, resp.Error, "method not allowed")
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodPatch, "/health", nil, nil))
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v2/swaps", nil, nil))
}

func TestStatusFor(t *testing.T) {
	phase := func(err error) error { return &orchestrator.PhaseError{Phase: domain.StateCommit, Err: err} }

	tests := []struct {
		err  error
		want int
	}{
		{phase(orchestrator.ErrUnprofitableDeal), http.StatusUnprocessableEntity},
		{phase(fmt.Errorf("%w: timeout", schedule.ErrInvalidAgreement)), http.StatusUnprocessableEntity},
		{orchestrator.ErrSessionBusy, http.StatusConflict},
		{phase(orchestrator.ErrInvalidState), http.StatusConflict},
		{phase(orchestrator.ErrAccountNotReady), http.StatusTooEarly},
		{phase(cosign.ErrProtocol), http.StatusBadRequest},
		{phase(orchestrator.ErrInvalidSignatureShare), http.StatusBadRequest},
		{phase(orchestrator.ErrInsufficientDeposit), http.StatusPaymentRequired},
		{phase(orchestrator.ErrDeadlinePassed), http.StatusGone},
		{fmt.Errorf("%w: PUT /", errMethodNotAllowed), http.StatusMethodNotAllowed},
		{errUnauthenticated, http.StatusUnauthorized},
		{errForbidden, http.StatusForbidden},
		{phase(fmt.Errorf("%w: quote", schedule.ErrFeeResolution)), http.StatusBadGateway},
		{phase(errors.New("connection refused")), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
