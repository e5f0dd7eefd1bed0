package rollup

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"rollup-swap/internal/domain"
)

// ErrTokenNotFound is returned when a token is not registered on the rollup.
var ErrTokenNotFound = errors.New("token not found")

// Client defines the rollup operations the maker depends on.
type Client interface {
	// GetAccountState returns the committed and verified state of an address.
	GetAccountState(ctx context.Context, address common.Address) (*AccountState, error)

	// GetFeeQuote returns the total fee for a transaction kind paid in token.
	GetFeeQuote(ctx context.Context, kind FeeKind, address common.Address, token domain.TokenLike) (*big.Int, error)

	// ResolveToken resolves a symbol or address. Returns ErrTokenNotFound if unknown.
	ResolveToken(ctx context.Context, token domain.TokenLike) (*Token, error)

	// Submit sends a signed transaction and returns its hash.
	Submit(ctx context.Context, tx Tx) (string, error)

	// AwaitReceipt blocks until the transaction is final at the commit level.
	AwaitReceipt(ctx context.Context, txHash string) (*Receipt, error)
}
