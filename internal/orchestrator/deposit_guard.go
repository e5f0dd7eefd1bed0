package orchestrator

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"rollup-swap/internal/rollup"
)

// AccountReader reads committed account state.
type AccountReader interface {
	GetAccountState(ctx context.Context, address common.Address) (*rollup.AccountState, error)
}

// DepositGuard confirms the joint account holds the client's deposit before
// any signature leaves the maker.
type DepositGuard struct {
	accounts AccountReader
}

// NewDepositGuard creates a deposit guard reading from accounts.
func NewDepositGuard(accounts AccountReader) *DepositGuard {
	return &DepositGuard{accounts: accounts}
}

// Check returns the committed balance of symbol on account and
// ErrInsufficientDeposit when it is below required. The boundary is inclusive.
func (g *DepositGuard) Check(ctx context.Context, account common.Address, symbol string, required *big.Int) (*big.Int, error) {
	state, err := g.accounts.GetAccountState(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("joint account state: %w", err)
	}

	balance := state.CommittedBalance(symbol)
	if balance.Cmp(required) < 0 {
		return balance, fmt.Errorf("%w: %s balance %s, required %s", ErrInsufficientDeposit, symbol, balance, required)
	}
	return balance, nil
}

// RequiredDeposit is the sell-token amount the client must have deposited:
// sellAmount + fee(tx0) + fee(tx2).
func RequiredDeposit(sellAmount, authorizeFee, claimFee *big.Int) *big.Int {
	total := new(big.Int).Set(sellAmount)
	total.Add(total, authorizeFee)
	return total.Add(total, claimFee)
}
