// Package stub provides an in-memory rollup for tests and dry runs.
package stub

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"rollup-swap/internal/cosign"
	"rollup-swap/internal/domain"
	"rollup-swap/internal/jointaccount"
	"rollup-swap/internal/rollup"
)

var (
	// ErrNotFound is returned when a transaction receipt is not found.
	ErrNotFound = errors.New("not found")
	// ErrFeeNotSet is returned for fee quotes that were not configured.
	ErrFeeNotSet = errors.New("fee not set")
	// ErrBadSignature is returned by Submit for unsigned or wrongly signed transactions.
	ErrBadSignature = errors.New("invalid signature")
)

// Rollup implements rollup.Client in memory. Submitted transactions execute
// immediately and are committed in their own block.
type Rollup struct {
	// Now is the rollup clock used to check validity windows.
	Now func() time.Time

	mu        sync.Mutex
	tokens    []rollup.Token
	accounts  map[common.Address]*account
	fees      map[feeKey]*big.Int
	receipts  map[string]*rollup.Receipt
	submitted []rollup.Tx
	withdrawn map[common.Address]map[string]*big.Int
	nextID    uint32
	block     int64

	failSubmit []error
}

type account struct {
	id       *uint32
	balances map[string]*big.Int
	nonce    uint32
	pkh      string
}

type feeKey struct {
	kind   rollup.FeeKind
	symbol string
}

var _ rollup.Client = (*Rollup)(nil)

// NewRollup creates an empty rollup with the given token list.
func NewRollup(tokens ...rollup.Token) *Rollup {
	return &Rollup{
		Now:       time.Now,
		tokens:    tokens,
		accounts:  make(map[common.Address]*account),
		fees:      make(map[feeKey]*big.Int),
		receipts:  make(map[string]*rollup.Receipt),
		withdrawn: make(map[common.Address]map[string]*big.Int),
		nextID:    1,
	}
}

// SetFee configures the fee quote for a kind and token symbol.
func (r *Rollup) SetFee(kind rollup.FeeKind, symbol string, fee *big.Int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fees[feeKey{kind, r.canonical(symbol)}] = new(big.Int).Set(fee)
}

// Deposit credits an account as an L1 deposit would, assigning an account id
// on first use.
func (r *Rollup) Deposit(addr common.Address, symbol string, amount *big.Int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	acc := r.getOrCreate(addr)
	r.credit(acc, r.canonical(symbol), amount)
}

// SetPubKeyHash sets the signing key hash of an account, assigning an id if needed.
func (r *Rollup) SetPubKeyHash(addr common.Address, pkh [cosign.PubKeyHashSize]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getOrCreate(addr).pkh = jointaccount.PubKeyHash(pkh).String()
}

// FailNextSubmit makes the next Submit calls return errs in order without
// executing the transaction.
func (r *Rollup) FailNextSubmit(errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failSubmit = append(r.failSubmit, errs...)
}

// Balance returns the committed balance of an account.
func (r *Rollup) Balance(addr common.Address, symbol string) *big.Int {
	r.mu.Lock()
	defer r.mu.Unlock()
	acc, ok := r.accounts[addr]
	if !ok {
		return new(big.Int)
	}
	return balanceOf(acc, r.canonical(symbol))
}

// Withdrawn returns the amount withdrawn to an L1 address.
func (r *Rollup) Withdrawn(addr common.Address, symbol string) *big.Int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.withdrawn[addr][r.canonical(symbol)]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// Nonce returns the committed nonce of an account.
func (r *Rollup) Nonce(addr common.Address) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if acc, ok := r.accounts[addr]; ok {
		return acc.nonce
	}
	return 0
}

// Submitted returns the accepted transactions in submission order.
func (r *Rollup) Submitted() []rollup.Tx {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]rollup.Tx, len(r.submitted))
	copy(out, r.submitted)
	return out
}

// GetAccountState implements rollup.Client.
func (r *Rollup) GetAccountState(_ context.Context, addr common.Address) (*rollup.AccountState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := &rollup.AccountState{
		Address:   addr,
		Committed: rollup.AccountBalances{Balances: map[string]*big.Int{}},
		Verified:  rollup.AccountBalances{Balances: map[string]*big.Int{}},
	}
	acc, ok := r.accounts[addr]
	if !ok {
		return state, nil
	}
	if acc.id != nil {
		id := *acc.id
		state.ID = &id
	}
	for symbol, v := range acc.balances {
		state.Committed.Balances[symbol] = new(big.Int).Set(v)
	}
	state.Committed.Nonce = acc.nonce
	state.Committed.PubKeyHash = acc.pkh
	return state, nil
}

// GetFeeQuote implements rollup.Client.
func (r *Rollup) GetFeeQuote(_ context.Context, kind rollup.FeeKind, _ common.Address, token domain.TokenLike) (*big.Int, error) {
	tok, err := r.ResolveToken(context.Background(), token)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	fee, ok := r.fees[feeKey{kind, tok.Symbol}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrFeeNotSet, kind, tok.Symbol)
	}
	return new(big.Int).Set(fee), nil
}

// ResolveToken implements rollup.Client.
func (r *Rollup) ResolveToken(_ context.Context, token domain.TokenLike) (*rollup.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := string(token)
	for i := range r.tokens {
		t := r.tokens[i]
		if strings.EqualFold(t.Symbol, s) || (common.IsHexAddress(s) && t.Address == common.HexToAddress(s)) {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", rollup.ErrTokenNotFound, s)
}

// Submit implements rollup.Client. Structural and signature errors are
// returned; state errors produce a failed receipt.
func (r *Rollup) Submit(_ context.Context, tx rollup.Tx) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.failSubmit) > 0 {
		err := r.failSubmit[0]
		r.failSubmit = r.failSubmit[1:]
		return "", err
	}

	msg, err := tx.SignBytes()
	if err != nil {
		return "", err
	}
	hash, err := rollup.TxHash(tx)
	if err != nil {
		return "", err
	}
	sig := tx.Common().Signature
	if sig == nil || !cosign.Verify(sig.PubKey, msg, sig.Signature) {
		return "", ErrBadSignature
	}

	failReason := r.apply(tx, sig.PubKey)
	r.block++
	receipt := &rollup.Receipt{
		TxHash:     hash,
		Executed:   true,
		Success:    failReason == "",
		FailReason: failReason,
		Block:      &rollup.BlockInfo{Number: r.block, Committed: true},
	}
	r.receipts[hash] = receipt
	if receipt.Success {
		r.submitted = append(r.submitted, tx)
	}
	return hash, nil
}

// AwaitReceipt implements rollup.Client.
func (r *Rollup) AwaitReceipt(_ context.Context, hash string) (*rollup.Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	receipt, ok := r.receipts[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	cp := *receipt
	return &cp, nil
}

// apply executes tx against the account state and returns a failure reason.
func (r *Rollup) apply(tx rollup.Tx, signer []byte) string {
	c := tx.Common()
	now := uint64(r.Now().Unix())
	if now < c.ValidFrom || now > c.ValidUntil {
		return fmt.Sprintf("outside validity window [%d, %d]", c.ValidFrom, c.ValidUntil)
	}

	signerPkh := cosign.PubKeyHash(signer)
	signerHash := jointaccount.PubKeyHash(signerPkh).String()

	switch t := tx.(type) {
	case *rollup.ChangePubKey:
		acc, reason := r.sender(t.Account, c)
		if reason != "" {
			return reason
		}
		if !bytes.Equal(t.NewPkHash[:], signerPkh[:]) {
			return "new pubkey hash does not match signer"
		}
		expected := jointaccount.Resolve(t.NewPkHash, t.EthAuth.SaltArg, t.EthAuth.CodeHash, t.EthAuth.CreatorAddress)
		if expected != t.Account {
			return "CREATE2 authorization does not match account"
		}
		feeSymbol, ok := r.symbolByID(t.FeeToken)
		if !ok {
			return "unknown fee token"
		}
		if balanceOf(acc, feeSymbol).Cmp(c.Fee) < 0 {
			return "insufficient balance for fee"
		}
		r.debit(acc, feeSymbol, c.Fee)
		acc.pkh = signerHash
		acc.nonce++
		return ""

	case *rollup.Transfer:
		return r.move(t.From, c, t.Token, t.Amount, signerHash, func(symbol string) {
			r.credit(r.getOrCreate(t.To), symbol, t.Amount)
		})

	case *rollup.Withdraw:
		return r.move(t.From, c, t.Token, t.Amount, signerHash, func(symbol string) {
			if r.withdrawn[t.To] == nil {
				r.withdrawn[t.To] = make(map[string]*big.Int)
			}
			prev := r.withdrawn[t.To][symbol]
			if prev == nil {
				prev = new(big.Int)
			}
			r.withdrawn[t.To][symbol] = new(big.Int).Add(prev, t.Amount)
		})
	}
	return "unsupported transaction"
}

func (r *Rollup) move(from common.Address, c *rollup.TxCommon, token uint32, amount *big.Int, signerHash string, deliver func(symbol string)) string {
	acc, reason := r.sender(from, c)
	if reason != "" {
		return reason
	}
	if acc.pkh != signerHash {
		return "signer is not the account signing key"
	}
	symbol, ok := r.symbolByID(token)
	if !ok {
		return "unknown token"
	}
	total := new(big.Int).Add(amount, c.Fee)
	if balanceOf(acc, symbol).Cmp(total) < 0 {
		return "insufficient balance"
	}
	r.debit(acc, symbol, total)
	acc.nonce++
	deliver(symbol)
	return ""
}

// sender checks account id and nonce of the transaction originator.
func (r *Rollup) sender(addr common.Address, c *rollup.TxCommon) (*account, string) {
	acc, ok := r.accounts[addr]
	if !ok || acc.id == nil {
		return nil, "account does not exist"
	}
	if *acc.id != c.AccountID {
		return nil, "account id mismatch"
	}
	if acc.nonce != c.Nonce {
		return nil, fmt.Sprintf("nonce mismatch: expected %d, got %d", acc.nonce, c.Nonce)
	}
	return acc, ""
}

func (r *Rollup) getOrCreate(addr common.Address) *account {
	acc, ok := r.accounts[addr]
	if !ok {
		acc = &account{balances: make(map[string]*big.Int)}
		r.accounts[addr] = acc
	}
	if acc.id == nil {
		id := r.nextID
		r.nextID++
		acc.id = &id
	}
	return acc
}

func (r *Rollup) symbolByID(id uint32) (string, bool) {
	for _, t := range r.tokens {
		if t.ID == id {
			return t.Symbol, true
		}
	}
	return "", false
}

// canonical maps a symbol to the registered spelling.
func (r *Rollup) canonical(symbol string) string {
	for _, t := range r.tokens {
		if strings.EqualFold(t.Symbol, symbol) {
			return t.Symbol
		}
	}
	return symbol
}

func (r *Rollup) credit(acc *account, symbol string, amount *big.Int) {
	acc.balances[symbol] = new(big.Int).Add(balanceOf(acc, symbol), amount)
}

func (r *Rollup) debit(acc *account, symbol string, amount *big.Int) {
	acc.balances[symbol] = new(big.Int).Sub(balanceOf(acc, symbol), amount)
}

func balanceOf(acc *account, symbol string) *big.Int {
	if v, ok := acc.balances[symbol]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}
