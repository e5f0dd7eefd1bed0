package rollup

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"rollup-swap/internal/cosign"
	"rollup-swap/internal/domain"
)

var (
	// ErrAccountInactive is returned when a wallet account has no rollup id yet.
	ErrAccountInactive = errors.New("rollup account has no id")
	// ErrTxRejected is returned when a submitted transaction executed unsuccessfully.
	ErrTxRejected = errors.New("transaction rejected")
)

// SignTx signs the transaction sign bytes with a single-signer key and attaches
// the signature.
func SignTx(tx Tx, key *cosign.KeyPair) error {
	msg, err := tx.SignBytes()
	if err != nil {
		return fmt.Errorf("sign %s: %w", tx.Type(), err)
	}
	tx.Common().Signature = &Signature{
		PubKey:    key.PublicKey(),
		Signature: key.Sign(msg),
	}
	return nil
}

// Wallet is the maker's own rollup account.
type Wallet struct {
	client  Client
	key     *cosign.KeyPair
	address common.Address
}

// NewWallet creates a wallet for address signing with key.
func NewWallet(client Client, key *cosign.KeyPair, address common.Address) *Wallet {
	return &Wallet{
		client:  client,
		key:     key,
		address: address,
	}
}

// Address returns the wallet account address.
func (w *Wallet) Address() common.Address {
	return w.address
}

// PublicKey returns the rollup signing public key.
func (w *Wallet) PublicKey() []byte {
	return w.key.PublicKey()
}

// PubKeyHash returns the hash the rollup account must carry for this wallet to sign.
func (w *Wallet) PubKeyHash() [cosign.PubKeyHashSize]byte {
	return cosign.PubKeyHash(w.key.PublicKey())
}

// Transfer moves amount of token to another account, paying the fee in the
// same token, and blocks until the receipt is final.
func (w *Wallet) Transfer(ctx context.Context, to common.Address, token domain.TokenLike, amount *big.Int) (*Receipt, error) {
	tx, err := w.PrepareTransfer(ctx, to, token, amount)
	if err != nil {
		return nil, err
	}
	hash, err := w.Submit(ctx, tx)
	if err != nil {
		return nil, err
	}
	return w.AwaitTransfer(ctx, hash)
}

// PrepareTransfer builds and signs a transfer at the committed nonce without
// submitting it.
func (w *Wallet) PrepareTransfer(ctx context.Context, to common.Address, token domain.TokenLike, amount *big.Int) (*Transfer, error) {
	tok, err := w.client.ResolveToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("resolve token %s: %w", token, err)
	}

	state, err := w.client.GetAccountState(ctx, w.address)
	if err != nil {
		return nil, fmt.Errorf("account state: %w", err)
	}
	if state.ID == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountInactive, w.address.Hex())
	}

	fee, err := w.client.GetFeeQuote(ctx, FeeTransfer, w.address, token)
	if err != nil {
		return nil, fmt.Errorf("transfer fee: %w", err)
	}

	tx := &Transfer{
		TxCommon: TxCommon{
			AccountID:  *state.ID,
			Fee:        fee,
			Nonce:      state.Committed.Nonce,
			ValidFrom:  0,
			ValidUntil: MaxTimestamp,
		},
		From:   w.address,
		To:     to,
		Token:  tok.ID,
		Amount: new(big.Int).Set(amount),
	}
	if err := SignTx(tx, w.key); err != nil {
		return nil, err
	}
	return tx, nil
}

// Submit sends a signed wallet transaction and returns its hash.
func (w *Wallet) Submit(ctx context.Context, tx Tx) (string, error) {
	hash, err := w.client.Submit(ctx, tx)
	if err != nil {
		return "", fmt.Errorf("submit %s: %w", tx.Type(), err)
	}
	return hash, nil
}

// NonceUsed reports whether the wallet's committed nonce moved past nonce.
// A signed transaction whose submit failed may still have executed if this
// returns true.
func (w *Wallet) NonceUsed(ctx context.Context, nonce uint32) (bool, error) {
	state, err := w.client.GetAccountState(ctx, w.address)
	if err != nil {
		return false, fmt.Errorf("account state: %w", err)
	}
	return state.Committed.Nonce > nonce, nil
}

// AwaitTransfer waits for a submitted transfer. A transfer that executed
// unsuccessfully returns its receipt with ErrTxRejected.
func (w *Wallet) AwaitTransfer(ctx context.Context, hash string) (*Receipt, error) {
	receipt, err := w.client.AwaitReceipt(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("await transfer %s: %w", hash, err)
	}
	if !receipt.Success {
		return receipt, fmt.Errorf("%w: %s: %s", ErrTxRejected, hash, receipt.FailReason)
	}
	return receipt, nil
}
