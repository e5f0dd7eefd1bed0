// Package taker is the counterparty side of the swap protocol. It drives a
// maker's HTTP API, co-signs the schedule and can reclaim its deposit with
// the timeout transactions when the maker does not settle.
package taker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"rollup-swap/internal/api"
	"rollup-swap/internal/cosign"
	"rollup-swap/internal/domain"
	"rollup-swap/internal/jointaccount"
	"rollup-swap/internal/rollup"
	"rollup-swap/internal/schedule"
)

var (
	// ErrMakerMisbehaved is returned when the maker's messages do not match the agreement.
	ErrMakerMisbehaved = errors.New("maker response does not match agreement")

	// ErrSwapAborted is returned by Await when the maker aborted the swap.
	ErrSwapAborted = errors.New("swap aborted by maker")
)

// APIError is a non-2xx response of the maker API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("maker api: %d %s", e.Status, e.Message)
}

// Options configures a Client.
type Options struct {
	BaseURL string          // Maker API base URL. Required
	Key     *cosign.KeyPair // Co-signing key. Required
	Wallet  *rollup.Wallet  // Own rollup account funding the joint account. Required
	Rollup  rollup.Client   // Required

	HTTPClient   *http.Client  // Defaults to a client with a 30s timeout
	PollInterval time.Duration // Defaults to 1s
	Logger       zerolog.Logger
}

// Client runs swaps against one maker.
type Client struct {
	base   string
	http   *http.Client
	key    *cosign.KeyPair
	wallet *rollup.Wallet
	rollup rollup.Client
	poll   time.Duration
	log    zerolog.Logger
}

// Result is a co-signed swap.
type Result struct {
	SwapID       string
	JointAddress common.Address
	Signed       []rollup.Tx
}

// New creates a Client.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("maker base url is required")
	}
	if opts.Key == nil || opts.Wallet == nil || opts.Rollup == nil {
		return nil, errors.New("key, wallet and rollup client are required")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Client{
		base:   strings.TrimRight(opts.BaseURL, "/"),
		http:   opts.HTTPClient,
		key:    opts.Key,
		wallet: opts.Wallet,
		rollup: opts.Rollup,
		poll:   opts.PollInterval,
		log:    opts.Logger.With().Str("component", "taker").Logger(),
	}, nil
}

// Swap negotiates agreement with the maker, funds the joint account and
// returns the signed bundle. The maker settles in the background; use Await
// to follow it and Refund after the deadline if it never does.
func (c *Client) Swap(ctx context.Context, agreement domain.SwapAgreement) (*Result, error) {
	var offer api.CreateSwapResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/swaps", api.CreateSwapRequest{
		Agreement:       api.AgreementFromDomain(agreement),
		ClientPublicKey: c.key.PublicKey(),
		ClientAddress:   c.wallet.Address(),
	}, &offer)
	if err != nil {
		return nil, fmt.Errorf("create swap: %w", err)
	}
	log := c.log.With().Str("swap_id", offer.SwapID).Logger()

	signer, err := cosign.New([][]byte{offer.PublicKey, c.key.PublicKey()}, 1, schedule.NumSlots)
	if err != nil {
		return nil, err
	}
	defer signer.Close()

	joint := jointaccount.New(jointaccount.PubKeyHash(signer.PubKeyHash()), agreement.Deployment, c.wallet.Address())
	if joint.Address != offer.JointAddress {
		return nil, fmt.Errorf("%w: joint address %s, expected %s", ErrMakerMisbehaved, offer.JointAddress.Hex(), joint.Address.Hex())
	}

	pre, err := signer.ComputePrecommitments()
	if err != nil {
		return nil, err
	}
	com, err := signer.ReceivePrecommitments(pre, api.FromHex(offer.Precommitments))
	if err != nil {
		return nil, err
	}

	// The joint account gets its rollup id from the first deposit.
	if _, err := c.wallet.Transfer(ctx, joint.Address, agreement.Sell.Token, agreement.Sell.Amount); err != nil {
		return nil, fmt.Errorf("deposit sell leg: %w", err)
	}
	log.Info().Str("joint", joint.Address.Hex()).Str("amount", agreement.Sell.Amount.String()).Msg("sell leg deposited")

	round, err := c.commit(ctx, offer.SwapID, api.CommitmentsRequest{
		Precommitments: api.ToHex(pre),
		Commitments:    api.ToHex(com),
	})
	if err != nil {
		return nil, err
	}
	txs, err := api.DecodeTransactions(round.Transactions)
	if err != nil {
		return nil, err
	}
	if err := c.verifySchedule(ctx, txs, agreement, joint); err != nil {
		return nil, err
	}
	if err := signer.ReceiveCommitments(com, api.FromHex(round.Commitments)); err != nil {
		return nil, err
	}

	topUp := new(big.Int).Add(txs[schedule.SlotAuthorizeKey].Common().Fee, txs[schedule.SlotClaimSell].Common().Fee)
	if topUp.Sign() > 0 {
		if _, err := c.wallet.Transfer(ctx, joint.Address, agreement.Sell.Token, topUp); err != nil {
			return nil, fmt.Errorf("deposit fees: %w", err)
		}
	}

	shares := make([][]byte, schedule.NumSlots)
	for i, tx := range txs {
		msg, err := tx.SignBytes()
		if err != nil {
			return nil, err
		}
		if shares[i], err = signer.Sign(c.key.SecretKey(), msg, i); err != nil {
			return nil, err
		}
	}

	var finalized api.SharesResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/swaps/"+offer.SwapID+"/shares", api.SharesRequest{Shares: api.ToHex(shares)}, &finalized); err != nil {
		return nil, fmt.Errorf("finalize: %w", err)
	}
	signed, err := api.DecodeTransactions(finalized.Transactions)
	if err != nil {
		return nil, err
	}
	if err := verifySigned(signed, txs, signer.ComputePubkey()); err != nil {
		return nil, err
	}
	log.Info().Str("state", finalized.State).Msg("bundle signed")

	return &Result{SwapID: offer.SwapID, JointAddress: joint.Address, Signed: signed}, nil
}

// commit posts the commitment round, waiting while the joint account has no id.
func (c *Client) commit(ctx context.Context, swapID string, req api.CommitmentsRequest) (*api.SigningRoundResponse, error) {
	for {
		var round api.SigningRoundResponse
		err := c.do(ctx, http.MethodPost, "/api/v1/swaps/"+swapID+"/commitments", req, &round)
		if err == nil {
			return &round, nil
		}
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Status != http.StatusTooEarly {
			return nil, fmt.Errorf("commitments: %w", err)
		}
		c.log.Debug().Str("swap_id", swapID).Msg("joint account not ready, waiting")
		if err := sleep(ctx, c.poll); err != nil {
			return nil, err
		}
	}
}

// Status returns the maker's view of a swap.
func (c *Client) Status(ctx context.Context, swapID string) (*api.StatusResponse, error) {
	var status api.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/swaps/"+swapID, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Await polls the maker until the swap is settled or aborted.
func (c *Client) Await(ctx context.Context, swapID string) (domain.State, error) {
	for {
		status, err := c.Status(ctx, swapID)
		if err != nil {
			return "", err
		}
		switch state := domain.State(status.State); state {
		case domain.StateSettled:
			return state, nil
		case domain.StateAborted:
			return state, fmt.Errorf("%w: %s", ErrSwapAborted, status.Error)
		}
		if err := sleep(ctx, c.poll); err != nil {
			return "", err
		}
	}
}

// Abort asks the maker to abandon the swap, signing the request with the
// co-signing key.
func (c *Client) Abort(ctx context.Context, swapID, reason string) error {
	req := api.AbortRequest{
		Reason:    reason,
		Signature: c.key.Sign(api.AbortMessage(swapID)),
	}
	return c.do(ctx, http.MethodDelete, "/api/v1/swaps/"+swapID, req, nil)
}

// Refund submits the key authorization and the timeout transactions of a
// signed bundle, skipping those whose nonce the joint account already used.
// The timeout transactions are valid only after the deadline.
func (c *Client) Refund(ctx context.Context, joint common.Address, signed []rollup.Tx) error {
	if len(signed) != schedule.NumSlots {
		return fmt.Errorf("expected %d transactions, got %d", schedule.NumSlots, len(signed))
	}
	state, err := c.rollup.GetAccountState(ctx, joint)
	if err != nil {
		return fmt.Errorf("joint account state: %w", err)
	}

	nonce := state.Committed.Nonce
	for _, slot := range []int{schedule.SlotAuthorizeKey, schedule.SlotRefundSell, schedule.SlotForeclose} {
		tx := signed[slot]
		if tx.Common().Nonce < nonce {
			continue
		}
		if tx.Common().Nonce > nonce {
			return fmt.Errorf("slot %d has nonce %d but the account is at %d", slot, tx.Common().Nonce, nonce)
		}

		hash, err := c.rollup.Submit(ctx, tx)
		if err != nil {
			return fmt.Errorf("submit slot %d: %w", slot, err)
		}
		receipt, err := c.rollup.AwaitReceipt(ctx, hash)
		if err != nil {
			return fmt.Errorf("await slot %d: %w", slot, err)
		}
		if !receipt.Success {
			// Slot 4 pays its fee from the maker's buy-token deposit and
			// fails when the maker never deposited. The sell leg is back
			// with us by then.
			if slot == schedule.SlotForeclose {
				c.log.Warn().Str("tx_hash", hash).Str("reason", receipt.FailReason).Msg("foreclose transaction rejected")
				return nil
			}
			return fmt.Errorf("%w: slot %d %s: %s", rollup.ErrTxRejected, slot, hash, receipt.FailReason)
		}
		c.log.Info().Int("slot", slot).Str("tx_hash", hash).Msg("refund transaction committed")
		nonce++
	}
	return nil
}

// do sends a JSON request and decodes a JSON response into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e api.ErrorResponse
		json.NewDecoder(resp.Body).Decode(&e)
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
