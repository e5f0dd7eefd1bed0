package domain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// TokenLike identifies a rollup token by symbol ("ETH") or by its L1 contract address.
type TokenLike string

// Leg is one side of a swap: a token and an amount in minor token units.
type Leg struct {
	Token  TokenLike
	Amount *big.Int
}

// Deployment describes the CREATE2 deployment the joint account address is derived from.
type Deployment struct {
	Salt     common.Hash
	CodeHash common.Hash
}

// SwapAgreement is the immutable set of terms negotiated for one swap session.
// Sell is what the client sells (client deposits it, tx#2 releases it to the maker).
// Buy is what the client buys (maker deposits it, tx#1 releases it to the client).
type SwapAgreement struct {
	Sell           Leg
	Buy            Leg
	TimeoutSeconds int64
	Deployment     Deployment
}

// Validate checks amounts and timeout.
func (a SwapAgreement) Validate() error {
	if a.Sell.Token == "" || a.Buy.Token == "" {
		return fmt.Errorf("token must be set")
	}
	if a.Sell.Amount == nil || a.Sell.Amount.Sign() <= 0 {
		return fmt.Errorf("sell amount must be positive")
	}
	if a.Buy.Amount == nil || a.Buy.Amount.Sign() <= 0 {
		return fmt.Errorf("buy amount must be positive")
	}
	if a.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout must be positive, got %d", a.TimeoutSeconds)
	}
	return nil
}

// Party is one participant of a swap session.
type Party struct {
	PublicKey []byte
	Address   common.Address
}

// WithdrawMode selects how the maker's proceeds leave the joint account (tx#2).
type WithdrawMode string

// Withdraw modes.
const (
	WithdrawOnChain WithdrawMode = "L1" // Withdraw to the maker's L1 address
	WithdrawRollup  WithdrawMode = "L2" // Transfer to the maker's rollup account
)

// ParseWithdrawMode parses "L1" or "L2". Empty input yields WithdrawRollup.
func ParseWithdrawMode(s string) (WithdrawMode, error) {
	switch WithdrawMode(s) {
	case "", WithdrawRollup:
		return WithdrawRollup, nil
	case WithdrawOnChain:
		return WithdrawOnChain, nil
	default:
		return "", fmt.Errorf("unknown withdraw mode %q", s)
	}
}
