package taker

import (
	"bytes"
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"rollup-swap/internal/cosign"
	"rollup-swap/internal/domain"
	"rollup-swap/internal/jointaccount"
	"rollup-swap/internal/rollup"
	"rollup-swap/internal/schedule"
)

// slotNonces is the nonce each slot must carry.
var slotNonces = [schedule.NumSlots]uint32{0, 1, 2, 1, 2}

// maxFeeMultiple bounds every scheduled fee relative to our own quote.
const maxFeeMultiple = 2

// verifySchedule checks the maker's unsigned transactions before co-signing:
//   - every slot spends from the joint account with the expected nonce
//   - slot 0 authorizes exactly the joint key through the joint CREATE2 deployment
//   - slot 1 pays the buy amount to us and its window ends where slot 3's begins
//     after the agreed timeout
//   - slots 0, 2, 3 and 4 never expire
//   - fees are near our own quotes and the refund fee is covered by our funding
func (c *Client) verifySchedule(ctx context.Context, txs []rollup.Tx, agreement domain.SwapAgreement, joint jointaccount.Account) error {
	if len(txs) != schedule.NumSlots {
		return fmt.Errorf("%w: %d transactions", ErrMakerMisbehaved, len(txs))
	}
	sellToken, err := c.rollup.ResolveToken(ctx, agreement.Sell.Token)
	if err != nil {
		return fmt.Errorf("resolve sell token: %w", err)
	}
	buyToken, err := c.rollup.ResolveToken(ctx, agreement.Buy.Token)
	if err != nil {
		return fmt.Errorf("resolve buy token: %w", err)
	}

	for i, tx := range txs {
		if got := tx.Common().Nonce; got != slotNonces[i] {
			return fmt.Errorf("%w: slot %d nonce %d", ErrMakerMisbehaved, i, got)
		}
		if from := sourceOf(tx); from != joint.Address {
			return fmt.Errorf("%w: slot %d spends from %s", ErrMakerMisbehaved, i, from.Hex())
		}
		if i != schedule.SlotClaimBuy && tx.Common().ValidUntil != rollup.MaxTimestamp {
			return fmt.Errorf("%w: slot %d expires at %d", ErrMakerMisbehaved, i, tx.Common().ValidUntil)
		}
	}

	if err := expectAuthorization(txs[schedule.SlotAuthorizeKey], joint, sellToken.ID); err != nil {
		return fmt.Errorf("%w: slot %d: %v", ErrMakerMisbehaved, schedule.SlotAuthorizeKey, err)
	}

	me := c.wallet.Address()
	if err := expectTransfer(txs[schedule.SlotClaimBuy], me, buyToken.ID, agreement.Buy.Amount); err != nil {
		return fmt.Errorf("%w: slot %d: %v", ErrMakerMisbehaved, schedule.SlotClaimBuy, err)
	}
	if err := expectTransfer(txs[schedule.SlotRefundSell], me, sellToken.ID, agreement.Sell.Amount); err != nil {
		return fmt.Errorf("%w: slot %d: %v", ErrMakerMisbehaved, schedule.SlotRefundSell, err)
	}
	if err := expectSpend(txs[schedule.SlotClaimSell], sellToken.ID, agreement.Sell.Amount); err != nil {
		return fmt.Errorf("%w: slot %d: %v", ErrMakerMisbehaved, schedule.SlotClaimSell, err)
	}
	if err := expectSpend(txs[schedule.SlotForeclose], buyToken.ID, new(big.Int)); err != nil {
		return fmt.Errorf("%w: slot %d: %v", ErrMakerMisbehaved, schedule.SlotForeclose, err)
	}

	claim, refund := txs[schedule.SlotClaimBuy].Common(), txs[schedule.SlotRefundSell].Common()
	if claim.ValidUntil != refund.ValidFrom {
		return fmt.Errorf("%w: claim window ends at %d, refund starts at %d", ErrMakerMisbehaved, claim.ValidUntil, refund.ValidFrom)
	}
	if claim.ValidUntil < claim.ValidFrom || claim.ValidUntil-claim.ValidFrom != uint64(agreement.TimeoutSeconds) {
		return fmt.Errorf("%w: claim window %d..%d does not span the %ds timeout",
			ErrMakerMisbehaved, claim.ValidFrom, claim.ValidUntil, agreement.TimeoutSeconds)
	}

	return c.verifyFees(ctx, txs, agreement, joint.Address)
}

// verifyFees compares each fee with our own quote for the same kind and
// token. We fund fee(0) + fee(2) on top of the sell amount, so after slot 0
// the refund executes only if fee(3) <= fee(2).
func (c *Client) verifyFees(ctx context.Context, txs []rollup.Tx, agreement domain.SwapAgreement, joint common.Address) error {
	claimSellKind := rollup.FeeTransfer
	if _, ok := txs[schedule.SlotClaimSell].(*rollup.Withdraw); ok {
		claimSellKind = rollup.FeeWithdraw
	}
	quotes := [schedule.NumSlots]struct {
		kind  rollup.FeeKind
		token domain.TokenLike
	}{
		schedule.SlotAuthorizeKey: {rollup.FeeChangePubKey, agreement.Sell.Token},
		schedule.SlotClaimBuy:     {rollup.FeeTransfer, agreement.Buy.Token},
		schedule.SlotClaimSell:    {claimSellKind, agreement.Sell.Token},
		schedule.SlotRefundSell:   {rollup.FeeTransfer, agreement.Sell.Token},
		schedule.SlotForeclose:    {rollup.FeeTransfer, agreement.Buy.Token},
	}

	for i, q := range quotes {
		fee := txs[i].Common().Fee
		if fee == nil || fee.Sign() < 0 {
			return fmt.Errorf("%w: slot %d has no fee", ErrMakerMisbehaved, i)
		}
		quote, err := c.rollup.GetFeeQuote(ctx, q.kind, joint, q.token)
		if err != nil {
			return fmt.Errorf("quote slot %d fee: %w", i, err)
		}
		limit := new(big.Int).Mul(quote, big.NewInt(maxFeeMultiple))
		if fee.Cmp(limit) > 0 {
			return fmt.Errorf("%w: slot %d fee %s exceeds %dx quote %s", ErrMakerMisbehaved, i, fee, maxFeeMultiple, quote)
		}
	}

	refundFee, claimSellFee := txs[schedule.SlotRefundSell].Common().Fee, txs[schedule.SlotClaimSell].Common().Fee
	if refundFee.Cmp(claimSellFee) > 0 {
		return fmt.Errorf("%w: refund fee %s is not covered by the funded fee %s", ErrMakerMisbehaved, refundFee, claimSellFee)
	}
	return nil
}

// expectAuthorization checks slot 0 sets the joint key hash, proves the
// account through its CREATE2 deployment and pays in the sell token.
func expectAuthorization(tx rollup.Tx, joint jointaccount.Account, feeToken uint32) error {
	cpk, ok := tx.(*rollup.ChangePubKey)
	if !ok {
		return fmt.Errorf("expected change pubkey, got %s", tx.Type())
	}
	if cpk.NewPkHash != joint.PubKeyHash {
		return fmt.Errorf("authorizes %s, expected %s", jointaccount.PubKeyHash(cpk.NewPkHash), joint.PubKeyHash)
	}
	want := rollup.Create2Auth{
		CreatorAddress: joint.Creator,
		SaltArg:        joint.Deployment.Salt,
		CodeHash:       joint.Deployment.CodeHash,
	}
	if cpk.EthAuth != want {
		return fmt.Errorf("create2 auth for creator %s does not match the joint deployment", cpk.EthAuth.CreatorAddress.Hex())
	}
	if cpk.FeeToken != feeToken {
		return fmt.Errorf("fee token %d, expected %d", cpk.FeeToken, feeToken)
	}
	return nil
}

// expectSpend checks a transfer or withdraw moves amount of token.
func expectSpend(tx rollup.Tx, token uint32, amount *big.Int) error {
	var gotToken uint32
	var gotAmount *big.Int
	switch t := tx.(type) {
	case *rollup.Transfer:
		gotToken, gotAmount = t.Token, t.Amount
	case *rollup.Withdraw:
		gotToken, gotAmount = t.Token, t.Amount
	default:
		return fmt.Errorf("expected transfer or withdraw, got %s", tx.Type())
	}
	if gotToken != token || gotAmount == nil || gotAmount.Cmp(amount) != 0 {
		return fmt.Errorf("moves %s of token %d", gotAmount, gotToken)
	}
	return nil
}

func expectTransfer(tx rollup.Tx, to common.Address, token uint32, amount *big.Int) error {
	t, ok := tx.(*rollup.Transfer)
	if !ok {
		return fmt.Errorf("expected transfer, got %s", tx.Type())
	}
	if t.To != to || t.Token != token || t.Amount.Cmp(amount) != 0 {
		return fmt.Errorf("transfer of %s token %d to %s", t.Amount, t.Token, t.To.Hex())
	}
	return nil
}

func sourceOf(tx rollup.Tx) common.Address {
	switch t := tx.(type) {
	case *rollup.ChangePubKey:
		return t.Account
	case *rollup.Transfer:
		return t.From
	case *rollup.Withdraw:
		return t.From
	}
	return common.Address{}
}

// verifySigned checks the maker returned our transactions, each signed under
// the joint key.
func verifySigned(signed, unsigned []rollup.Tx, jointPub []byte) error {
	if len(signed) != len(unsigned) {
		return fmt.Errorf("%w: %d signed transactions", ErrMakerMisbehaved, len(signed))
	}
	for i, tx := range signed {
		msg, err := tx.SignBytes()
		if err != nil {
			return err
		}
		want, err := unsigned[i].SignBytes()
		if err != nil {
			return err
		}
		if !bytes.Equal(msg, want) {
			return fmt.Errorf("%w: slot %d differs from the co-signed transaction", ErrMakerMisbehaved, i)
		}
		sig := tx.Common().Signature
		if sig == nil || !bytes.Equal(sig.PubKey, jointPub) || !cosign.Verify(jointPub, msg, sig.Signature) {
			return fmt.Errorf("%w: slot %d signature does not verify", ErrMakerMisbehaved, i)
		}
	}
	return nil
}
