package rollup

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Token is a token registered on the rollup.
type Token struct {
	ID       uint32
	Symbol   string
	Address  common.Address
	Decimals int
}

// AccountState is the rollup view of an account.
type AccountState struct {
	Address common.Address
	// ID is nil until the account has received its first on-chain interaction.
	ID        *uint32
	Committed AccountBalances
	Verified  AccountBalances
}

// AccountBalances is the balance set of an account at one commitment level.
type AccountBalances struct {
	Balances   map[string]*big.Int // keyed by token symbol
	Nonce      uint32
	PubKeyHash string
}

// CommittedBalance returns the committed balance of a token symbol, zero if absent.
func (s *AccountState) CommittedBalance(symbol string) *big.Int {
	if s == nil || s.Committed.Balances == nil {
		return new(big.Int)
	}
	if b, ok := s.Committed.Balances[symbol]; ok && b != nil {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// FeeKind selects the transaction kind of a fee quote.
type FeeKind string

// Fee kinds.
const (
	FeeTransfer     FeeKind = "Transfer"
	FeeWithdraw     FeeKind = "Withdraw"
	FeeChangePubKey FeeKind = "ChangePubKey"
)

// Receipt is the execution status of a submitted transaction.
type Receipt struct {
	TxHash     string
	Executed   bool
	Success    bool
	FailReason string
	Block      *BlockInfo
}

// BlockInfo locates an executed transaction.
type BlockInfo struct {
	Number    int64
	Committed bool
	Verified  bool
}

// Final reports whether the receipt will not change at the commit level:
// the transaction failed, or it is included in a committed block.
func (r *Receipt) Final() bool {
	if r == nil || !r.Executed {
		return false
	}
	return !r.Success || (r.Block != nil && r.Block.Committed)
}
