package schedule

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"rollup-swap/internal/domain"
	"rollup-swap/internal/rollup"
)

// ErrFeeResolution is returned when a fee quote cannot be obtained.
var ErrFeeResolution = errors.New("fee resolution failed")

// FeeQuoter quotes rollup transaction fees.
type FeeQuoter interface {
	GetFeeQuote(ctx context.Context, kind rollup.FeeKind, address common.Address, token domain.TokenLike) (*big.Int, error)
}

// Fees are the four quotes a schedule is built from.
type Fees struct {
	TransferSell *big.Int // Transfer in the sell token
	TransferBuy  *big.Int // Transfer in the buy token
	ChangePubKey *big.Int // ChangePubKey in the sell token
	Withdraw     *big.Int // Withdraw in the sell token
}

// ResolveFees queries every quote sequentially. The first failure is returned
// wrapped in ErrFeeResolution.
func ResolveFees(ctx context.Context, q FeeQuoter, payer common.Address, sell, buy domain.TokenLike) (Fees, error) {
	var fees Fees
	quotes := []struct {
		kind  rollup.FeeKind
		token domain.TokenLike
		dst   **big.Int
	}{
		{rollup.FeeTransfer, sell, &fees.TransferSell},
		{rollup.FeeTransfer, buy, &fees.TransferBuy},
		{rollup.FeeChangePubKey, sell, &fees.ChangePubKey},
		{rollup.FeeWithdraw, sell, &fees.Withdraw},
	}

	for _, quote := range quotes {
		fee, err := q.GetFeeQuote(ctx, quote.kind, payer, quote.token)
		if err != nil {
			return Fees{}, fmt.Errorf("%w: %s in %s: %w", ErrFeeResolution, quote.kind, quote.token, err)
		}
		if fee == nil || fee.Sign() < 0 {
			return Fees{}, fmt.Errorf("%w: %s in %s: invalid quote %v", ErrFeeResolution, quote.kind, quote.token, fee)
		}
		*quote.dst = fee
	}
	return fees, nil
}
