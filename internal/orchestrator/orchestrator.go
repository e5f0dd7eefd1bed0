// Package orchestrator runs the maker side of a swap session.
//
// A session walks IDLE → SETUP → COMMIT → BUILD_AND_SIGN → AWAIT_PEER_SHARES →
// DEPOSIT_CHECK → READY_TO_SETTLE → SETTLED, or ends in ABORTED. Signatures are
// returned to the client only after every aggregated signature verified and the
// client's deposit is present in the joint account.
package orchestrator

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"rollup-swap/internal/cosign"
	"rollup-swap/internal/domain"
	"rollup-swap/internal/idhash"
	"rollup-swap/internal/jointaccount"
	"rollup-swap/internal/observability"
	"rollup-swap/internal/rollup"
	"rollup-swap/internal/schedule"
	"rollup-swap/internal/storage"
)

// ProfitabilityCheck decides whether the maker accepts a deal.
// sell is what the client sells, buy is what the client buys.
type ProfitabilityCheck func(sell, buy domain.Leg) bool

// Orchestrator holds the long-lived collaborators of the maker and the
// currently open session.
type Orchestrator struct {
	// Collaborators
	client rollup.Client
	wallet *rollup.Wallet
	key    *cosign.KeyPair
	guard  *DepositGuard

	// Journal
	journal *journal

	// Options
	mode   domain.WithdrawMode
	margin time.Duration
	now    func() time.Time
	log    zerolog.Logger

	mu       sync.Mutex
	active   *Session
	sessions map[string]*Session
}

// Options for creating Orchestrator.
type Options struct {
	// Required collaborators
	Client rollup.Client
	Wallet *rollup.Wallet
	Key    *cosign.KeyPair

	// Optional journal stores. Failed writes are logged and do not affect the session.
	SessionStore    storage.SessionStore
	TransitionStore storage.TransitionStore
	BundleStore     storage.BundleStore
	OutcomeStore    storage.OutcomeStore

	// Options
	WithdrawMode domain.WithdrawMode // Defaults to WithdrawRollup
	SettleMargin time.Duration       // Minimum time left before the claim deadline to release signatures or deposit
	Now          func() time.Time    // Defaults to time.Now
	Logger       zerolog.Logger
}

// New creates a new Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Client == nil {
		return nil, errors.New("rollup client is required")
	}
	if opts.Wallet == nil {
		return nil, errors.New("wallet is required")
	}
	if opts.Key == nil {
		return nil, errors.New("signing key is required")
	}
	if opts.WithdrawMode == "" {
		opts.WithdrawMode = domain.WithdrawRollup
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SettleMargin < 0 {
		return nil, errors.New("settle margin must not be negative")
	}

	log := opts.Logger.With().Str("component", "orchestrator").Logger()
	return &Orchestrator{
		client: opts.Client,
		wallet: opts.Wallet,
		key:    opts.Key,
		guard:  NewDepositGuard(opts.Client),
		journal: &journal{
			sessions:    opts.SessionStore,
			transitions: opts.TransitionStore,
			bundles:     opts.BundleStore,
			outcomes:    opts.OutcomeStore,
			log:         log,
		},
		mode:     opts.WithdrawMode,
		margin:   opts.SettleMargin,
		now:      opts.Now,
		log:      log,
		sessions: make(map[string]*Session),
	}, nil
}

// Address returns the maker's rollup account address.
func (o *Orchestrator) Address() common.Address {
	return o.wallet.Address()
}

// PublicKey returns the maker's rollup signing public key.
func (o *Orchestrator) PublicKey() []byte {
	return o.key.PublicKey()
}

// Session returns a session created by this orchestrator, including finished ones.
func (o *Orchestrator) Session(swapID string) (*Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[swapID]
	return s, ok
}

// Active returns the open session, if any.
func (o *Orchestrator) Active() (*Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil || o.active.State().Terminal() {
		return nil, false
	}
	return o.active, true
}

// CreateSwap opens a session for agreement with client. An unprofitable deal
// returns ErrUnprofitableDeal and creates nothing. A nil check accepts every deal.
func (o *Orchestrator) CreateSwap(ctx context.Context, agreement domain.SwapAgreement, client domain.Party, check ProfitabilityCheck) (*Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.active != nil && !o.active.State().Terminal() {
		return nil, &PhaseError{Phase: domain.StateIdle, Err: fmt.Errorf("%w: %s", ErrSessionBusy, o.active.ID())}
	}

	if err := agreement.Validate(); err != nil {
		return nil, o.reject(fmt.Errorf("%w: %v", schedule.ErrInvalidAgreement, err))
	}
	if check != nil && !check(agreement.Sell, agreement.Buy) {
		return nil, o.reject(fmt.Errorf("%w: sell %s %s for %s %s", ErrUnprofitableDeal,
			agreement.Sell.Amount, agreement.Sell.Token, agreement.Buy.Amount, agreement.Buy.Token))
	}

	makerPub := o.key.PublicKey()
	signer, err := cosign.New([][]byte{makerPub, client.PublicKey}, 0, schedule.NumSlots)
	if err != nil {
		return nil, o.reject(err)
	}
	pre, err := signer.ComputePrecommitments()
	if err != nil {
		signer.Close()
		return nil, o.reject(err)
	}

	joint := jointaccount.New(jointaccount.PubKeyHash(signer.PubKeyHash()), agreement.Deployment, client.Address)
	swapID := idhash.ComputeSwapID(makerPub, client.PublicKey, pre)
	now := o.now()

	s := &Session{
		o:          o,
		log:        o.log.With().Str("swap_id", swapID).Logger(),
		id:         swapID,
		agreement:  cloneAgreement(agreement),
		client:     client,
		mode:       o.mode,
		joint:      joint,
		cosigner:   signer,
		ownPre:     pre,
		createdAt:  now,
		phaseStart: now,
		state:      domain.StateIdle,
	}

	o.journal.session(ctx, &domain.SwapRecord{
		SwapID:         swapID,
		MakerPubKey:    hex.EncodeToString(makerPub),
		ClientPubKey:   hex.EncodeToString(client.PublicKey),
		ClientAddress:  client.Address.Hex(),
		JointAddress:   joint.Address.Hex(),
		SellToken:      string(agreement.Sell.Token),
		SellAmount:     agreement.Sell.Amount.String(),
		BuyToken:       string(agreement.Buy.Token),
		BuyAmount:      agreement.Buy.Amount.String(),
		TimeoutSeconds: agreement.TimeoutSeconds,
		WithdrawMode:   string(o.mode),
		CreatedAt:      now.UnixMilli(),
	})
	observability.RecordSwapCreated()
	s.transition(ctx, domain.StateSetup, "swap accepted")

	o.active = s
	o.sessions[swapID] = s

	s.log.Info().
		Str("joint_address", joint.Address.Hex()).
		Str("sell", agreement.Sell.Amount.String()+" "+string(agreement.Sell.Token)).
		Str("buy", agreement.Buy.Amount.String()+" "+string(agreement.Buy.Token)).
		Msg("swap session created")
	return s, nil
}

// reject reports a failure before any session exists.
func (o *Orchestrator) reject(err error) error {
	observability.RecordPhaseError(string(domain.StateIdle), causeOf(err))
	o.log.Warn().Err(err).Msg("swap rejected")
	return &PhaseError{Phase: domain.StateIdle, Err: err}
}

func cloneAgreement(a domain.SwapAgreement) domain.SwapAgreement {
	a.Sell.Amount = new(big.Int).Set(a.Sell.Amount)
	a.Buy.Amount = new(big.Int).Set(a.Buy.Amount)
	return a
}
