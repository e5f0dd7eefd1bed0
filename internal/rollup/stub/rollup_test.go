package stub

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rollup-swap/internal/cosign"
	"rollup-swap/internal/jointaccount"
	"rollup-swap/internal/rollup"
)

func newChain() *Rollup {
	r := NewRollup(rollup.Token{ID: 0, Symbol: "ETH"}, rollup.Token{ID: 1, Symbol: "DAI"})
	r.Now = func() time.Time { return time.Unix(1000, 0) }
	return r
}

func signedTransfer(t *testing.T, key *cosign.KeyPair, id uint32, from, to common.Address, nonce uint32, amount int64) *rollup.Transfer {
	t.Helper()
	tx := &rollup.Transfer{
		TxCommon: rollup.TxCommon{AccountID: id, Fee: big.NewInt(1), Nonce: nonce, ValidUntil: rollup.MaxTimestamp},
		From:     from,
		To:       to,
		Token:    0,
		Amount:   big.NewInt(amount),
	}
	require.NoError(t, rollup.SignTx(tx, key))
	return tx
}

func TestRollup_AccountState(t *testing.T) {
	r := newChain()
	ctx := context.Background()
	addr := common.Address{1}

	state, err := r.GetAccountState(ctx, addr)
	require.NoError(t, err)
	assert.Nil(t, state.ID)

	r.Deposit(addr, "eth", big.NewInt(10))
	state, err = r.GetAccountState(ctx, addr)
	require.NoError(t, err)
	require.NotNil(t, state.ID)
	assert.Equal(t, int64(10), state.CommittedBalance("ETH").Int64())
}

func TestRollup_FeeQuote(t *testing.T) {
	r := newChain()
	r.SetFee(rollup.FeeWithdraw, "ETH", big.NewInt(5))

	fee, err := r.GetFeeQuote(context.Background(), rollup.FeeWithdraw, common.Address{}, "eth")
	require.NoError(t, err)
	assert.Equal(t, int64(5), fee.Int64())

	_, err = r.GetFeeQuote(context.Background(), rollup.FeeTransfer, common.Address{}, "ETH")
	assert.ErrorIs(t, err, ErrFeeNotSet)
}

func TestRollup_NonceExclusivity(t *testing.T) {
	r := newChain()
	ctx := context.Background()
	key, err := cosign.GenerateKeyPair()
	require.NoError(t, err)

	from := common.Address{1}
	r.Deposit(from, "ETH", big.NewInt(100))
	r.SetPubKeyHash(from, cosign.PubKeyHash(key.PublicKey()))
	state, _ := r.GetAccountState(ctx, from)

	first := signedTransfer(t, key, *state.ID, from, common.Address{2}, 0, 10)
	second := signedTransfer(t, key, *state.ID, from, common.Address{3}, 0, 20)

	hash, err := r.Submit(ctx, first)
	require.NoError(t, err)
	receipt, err := r.AwaitReceipt(ctx, hash)
	require.NoError(t, err)
	assert.True(t, receipt.Success)

	hash, err = r.Submit(ctx, second)
	require.NoError(t, err)
	receipt, err = r.AwaitReceipt(ctx, hash)
	require.NoError(t, err)
	assert.False(t, receipt.Success)
	assert.Contains(t, receipt.FailReason, "nonce mismatch")

	assert.Equal(t, int64(89), r.Balance(from, "ETH").Int64())
	assert.Len(t, r.Submitted(), 1)
}

func TestRollup_ValidityWindow(t *testing.T) {
	r := newChain()
	ctx := context.Background()
	key, err := cosign.GenerateKeyPair()
	require.NoError(t, err)

	from := common.Address{1}
	r.Deposit(from, "ETH", big.NewInt(100))
	r.SetPubKeyHash(from, cosign.PubKeyHash(key.PublicKey()))
	state, _ := r.GetAccountState(ctx, from)

	tx := &rollup.Transfer{
		TxCommon: rollup.TxCommon{AccountID: *state.ID, Fee: big.NewInt(1), ValidFrom: 2000, ValidUntil: rollup.MaxTimestamp},
		From:     from,
		To:       common.Address{2},
		Amount:   big.NewInt(1),
	}
	require.NoError(t, rollup.SignTx(tx, key))

	hash, err := r.Submit(ctx, tx)
	require.NoError(t, err)
	receipt, _ := r.AwaitReceipt(ctx, hash)
	assert.False(t, receipt.Success)
	assert.Contains(t, receipt.FailReason, "validity window")
}

func TestRollup_RejectsBadSignature(t *testing.T) {
	r := newChain()
	key, err := cosign.GenerateKeyPair()
	require.NoError(t, err)

	tx := signedTransfer(t, key, 1, common.Address{1}, common.Address{2}, 0, 1)
	tx.Amount = big.NewInt(2)

	_, err = r.Submit(context.Background(), tx)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestRollup_ChangePubKeyAndWithdraw(t *testing.T) {
	r := newChain()
	ctx := context.Background()
	key, err := cosign.GenerateKeyPair()
	require.NoError(t, err)

	pkh := cosign.PubKeyHash(key.PublicKey())
	creator := common.Address{0xc}
	salt := common.HexToHash("0x01")
	codeHash := common.HexToHash("0x02")
	joint := jointaccount.Resolve(pkh, salt, codeHash, creator)

	r.Deposit(joint, "ETH", big.NewInt(50))
	state, _ := r.GetAccountState(ctx, joint)

	cpk := &rollup.ChangePubKey{
		TxCommon:  rollup.TxCommon{AccountID: *state.ID, Fee: big.NewInt(3), Nonce: 0, ValidUntil: rollup.MaxTimestamp},
		Account:   joint,
		NewPkHash: pkh,
		FeeToken:  0,
		EthAuth:   rollup.Create2Auth{CreatorAddress: creator, SaltArg: salt, CodeHash: codeHash},
	}
	require.NoError(t, rollup.SignTx(cpk, key))

	hash, err := r.Submit(ctx, cpk)
	require.NoError(t, err)
	receipt, _ := r.AwaitReceipt(ctx, hash)
	require.True(t, receipt.Success, receipt.FailReason)

	wd := &rollup.Withdraw{
		TxCommon: rollup.TxCommon{AccountID: *state.ID, Fee: big.NewInt(2), Nonce: 1, ValidUntil: rollup.MaxTimestamp},
		From:     joint,
		To:       common.Address{0xd},
		Token:    0,
		Amount:   big.NewInt(40),
	}
	require.NoError(t, rollup.SignTx(wd, key))
	hash, err = r.Submit(ctx, wd)
	require.NoError(t, err)
	receipt, _ = r.AwaitReceipt(ctx, hash)
	require.True(t, receipt.Success, receipt.FailReason)

	assert.Equal(t, int64(5), r.Balance(joint, "ETH").Int64())
	assert.Equal(t, int64(40), r.Withdrawn(common.Address{0xd}, "ETH").Int64())
}

func TestRollup_ChangePubKeyRequiresSignerHash(t *testing.T) {
	r := newChain()
	ctx := context.Background()
	key, err := cosign.GenerateKeyPair()
	require.NoError(t, err)
	other, err := cosign.GenerateKeyPair()
	require.NoError(t, err)

	pkh := cosign.PubKeyHash(key.PublicKey())
	creator := common.Address{0xc}
	salt := common.HexToHash("0x01")
	codeHash := common.HexToHash("0x02")
	joint := jointaccount.Resolve(pkh, salt, codeHash, creator)

	r.Deposit(joint, "ETH", big.NewInt(50))
	state, _ := r.GetAccountState(ctx, joint)

	cpk := &rollup.ChangePubKey{
		TxCommon:  rollup.TxCommon{AccountID: *state.ID, Fee: big.NewInt(3), Nonce: 0, ValidUntil: rollup.MaxTimestamp},
		Account:   joint,
		NewPkHash: cosign.PubKeyHash(other.PublicKey()),
		FeeToken:  0,
		EthAuth:   rollup.Create2Auth{CreatorAddress: creator, SaltArg: salt, CodeHash: codeHash},
	}
	require.NoError(t, rollup.SignTx(cpk, key))

	hash, err := r.Submit(ctx, cpk)
	require.NoError(t, err)
	receipt, err := r.AwaitReceipt(ctx, hash)
	require.NoError(t, err)
	assert.False(t, receipt.Success)
	assert.Contains(t, receipt.FailReason, "new pubkey hash does not match signer")
	assert.Equal(t, uint32(0), r.Nonce(joint))
}

func TestRollup_FailNextSubmit(t *testing.T) {
	r := newChain()
	boom := errors.New("connection reset")
	r.FailNextSubmit(boom)

	key, err := cosign.GenerateKeyPair()
	require.NoError(t, err)
	tx := signedTransfer(t, key, 1, common.Address{1}, common.Address{2}, 0, 1)

	_, err = r.Submit(context.Background(), tx)
	assert.ErrorIs(t, err, boom)

	_, err = r.AwaitReceipt(context.Background(), "sync-tx:missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
