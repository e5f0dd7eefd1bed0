// Package schedule builds the five-transaction swap schedule.
//
// Slots 1 and 3 share nonce 1 and slots 2 and 4 share nonce 2. Their validity
// windows meet at now+T, so the joint account can execute at most one slot of
// each pair: the happy path (1, 2) or the timeout path (3, 4).
package schedule

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"rollup-swap/internal/domain"
	"rollup-swap/internal/jointaccount"
	"rollup-swap/internal/rollup"
)

// ErrInvalidAgreement is returned for agreements that cannot be scheduled.
var ErrInvalidAgreement = errors.New("invalid swap agreement")

// NumSlots is the number of transactions in a schedule.
const NumSlots = 5

// Slot indices.
const (
	SlotAuthorizeKey = 0
	SlotClaimBuy     = 1
	SlotClaimSell    = 2
	SlotRefundSell   = 3
	SlotForeclose    = 4
)

// Role is the kind of a scheduled transaction.
type Role string

// Slot roles.
const (
	RoleAuthorizeKey           Role = "AuthorizeKey"
	RoleTransferOut            Role = "TransferOut"
	RoleWithdrawOrTransferBack Role = "WithdrawOrTransferBack"
)

// Request is everything Build needs. It performs no network calls.
type Request struct {
	Agreement domain.SwapAgreement
	Joint     jointaccount.Account
	// AccountID is the rollup id of the joint account.
	AccountID uint32
	SellToken rollup.Token
	BuyToken  rollup.Token
	Maker     common.Address
	Client    common.Address
	Fees      Fees
	Mode      domain.WithdrawMode
	Now       time.Time
}

// Slot is one scheduled transaction.
type Slot struct {
	Index int
	Role  Role
	Tx    rollup.Tx
}

// Schedule is the ordered set of five transactions of one swap.
type Schedule struct {
	slots [NumSlots]Slot
}

// Build constructs the schedule for req.
func Build(req Request) (*Schedule, error) {
	if err := req.Agreement.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAgreement, err)
	}
	if err := req.Fees.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAgreement, err)
	}

	mode := req.Mode
	if mode == "" {
		mode = domain.WithdrawRollup
	}

	now := uint64(req.Now.Unix())
	deadline := now + uint64(req.Agreement.TimeoutSeconds)
	if deadline >= rollup.MaxTimestamp {
		return nil, fmt.Errorf("%w: timeout ends after the maximum timestamp", ErrInvalidAgreement)
	}

	joint := req.Joint.Address
	sellAmount := new(big.Int).Set(req.Agreement.Sell.Amount)
	buyAmount := new(big.Int).Set(req.Agreement.Buy.Amount)

	newCommon := func(nonce uint32, fee *big.Int, from, until uint64) rollup.TxCommon {
		return rollup.TxCommon{
			AccountID:  req.AccountID,
			Fee:        new(big.Int).Set(fee),
			Nonce:      nonce,
			ValidFrom:  from,
			ValidUntil: until,
		}
	}

	s := &Schedule{}

	s.slots[SlotAuthorizeKey] = Slot{
		Role: RoleAuthorizeKey,
		Tx: &rollup.ChangePubKey{
			TxCommon:  newCommon(0, req.Fees.ChangePubKey, now, rollup.MaxTimestamp),
			Account:   joint,
			NewPkHash: req.Joint.PubKeyHash,
			FeeToken:  req.SellToken.ID,
			EthAuth: rollup.Create2Auth{
				CreatorAddress: req.Joint.Creator,
				SaltArg:        req.Joint.Deployment.Salt,
				CodeHash:       req.Joint.Deployment.CodeHash,
			},
		},
	}

	s.slots[SlotClaimBuy] = Slot{
		Role: RoleTransferOut,
		Tx: &rollup.Transfer{
			TxCommon: newCommon(1, req.Fees.TransferBuy, now, deadline),
			From:     joint,
			To:       req.Client,
			Token:    req.BuyToken.ID,
			Amount:   buyAmount,
		},
	}

	switch mode {
	case domain.WithdrawOnChain:
		s.slots[SlotClaimSell] = Slot{
			Role: RoleWithdrawOrTransferBack,
			Tx: &rollup.Withdraw{
				TxCommon: newCommon(2, req.Fees.Withdraw, now, rollup.MaxTimestamp),
				From:     joint,
				To:       req.Maker,
				Token:    req.SellToken.ID,
				Amount:   new(big.Int).Set(sellAmount),
			},
		}
	case domain.WithdrawRollup:
		s.slots[SlotClaimSell] = Slot{
			Role: RoleWithdrawOrTransferBack,
			Tx: &rollup.Transfer{
				TxCommon: newCommon(2, req.Fees.TransferSell, now, rollup.MaxTimestamp),
				From:     joint,
				To:       req.Maker,
				Token:    req.SellToken.ID,
				Amount:   new(big.Int).Set(sellAmount),
			},
		}
	default:
		return nil, fmt.Errorf("%w: unknown withdraw mode %q", ErrInvalidAgreement, mode)
	}

	s.slots[SlotRefundSell] = Slot{
		Role: RoleTransferOut,
		Tx: &rollup.Transfer{
			TxCommon: newCommon(1, req.Fees.TransferSell, deadline, rollup.MaxTimestamp),
			From:     joint,
			To:       req.Client,
			Token:    req.SellToken.ID,
			Amount:   new(big.Int).Set(sellAmount),
		},
	}

	s.slots[SlotForeclose] = Slot{
		Role: RoleTransferOut,
		Tx: &rollup.Transfer{
			TxCommon: newCommon(2, req.Fees.TransferBuy, deadline, rollup.MaxTimestamp),
			From:     joint,
			To:       req.Maker,
			Token:    req.BuyToken.ID,
			Amount:   new(big.Int),
		},
	}

	for i := range s.slots {
		s.slots[i].Index = i
	}
	return s, nil
}

func (f Fees) validate() error {
	for name, v := range map[string]*big.Int{
		"transfer sell": f.TransferSell,
		"transfer buy":  f.TransferBuy,
		"change pubkey": f.ChangePubKey,
		"withdraw":      f.Withdraw,
	} {
		if v == nil || v.Sign() < 0 {
			return fmt.Errorf("%s fee missing or negative", name)
		}
	}
	return nil
}

// Slot returns slot i.
func (s *Schedule) Slot(i int) Slot {
	return s.slots[i]
}

// Slots returns all slots in index order.
func (s *Schedule) Slots() []Slot {
	out := make([]Slot, NumSlots)
	copy(out, s.slots[:])
	return out
}

// Tx returns the transaction of slot i.
func (s *Schedule) Tx(i int) rollup.Tx {
	return s.slots[i].Tx
}

// Fee returns the fee carried by slot i.
func (s *Schedule) Fee(i int) *big.Int {
	return new(big.Int).Set(s.slots[i].Tx.Common().Fee)
}

// Messages returns the sign bytes of every slot.
func (s *Schedule) Messages() ([][]byte, error) {
	msgs := make([][]byte, NumSlots)
	for i, slot := range s.slots {
		msg, err := slot.Tx.SignBytes()
		if err != nil {
			return nil, fmt.Errorf("slot %d: %w", i, err)
		}
		msgs[i] = msg
	}
	return msgs, nil
}

// Attach returns a copy of the schedule with sigs[i] attached to slot i under pubKey.
func (s *Schedule) Attach(pubKey []byte, sigs [][]byte) (*Schedule, error) {
	if len(sigs) != NumSlots {
		return nil, fmt.Errorf("expected %d signatures, got %d", NumSlots, len(sigs))
	}
	out := &Schedule{}
	for i, slot := range s.slots {
		tx := cloneTx(slot.Tx)
		tx.Common().Signature = &rollup.Signature{
			PubKey:    append([]byte(nil), pubKey...),
			Signature: append([]byte(nil), sigs[i]...),
		}
		out.slots[i] = Slot{Index: i, Role: slot.Role, Tx: tx}
	}
	return out, nil
}

// Transactions returns the transactions in slot order.
func (s *Schedule) Transactions() []rollup.Tx {
	out := make([]rollup.Tx, NumSlots)
	for i, slot := range s.slots {
		out[i] = slot.Tx
	}
	return out
}

func cloneTx(tx rollup.Tx) rollup.Tx {
	cloneCommon := func(c rollup.TxCommon) rollup.TxCommon {
		c.Fee = new(big.Int).Set(c.Fee)
		c.Signature = nil
		return c
	}
	switch t := tx.(type) {
	case *rollup.ChangePubKey:
		cp := *t
		cp.TxCommon = cloneCommon(t.TxCommon)
		return &cp
	case *rollup.Transfer:
		cp := *t
		cp.TxCommon = cloneCommon(t.TxCommon)
		cp.Amount = new(big.Int).Set(t.Amount)
		return &cp
	case *rollup.Withdraw:
		cp := *t
		cp.TxCommon = cloneCommon(t.TxCommon)
		cp.Amount = new(big.Int).Set(t.Amount)
		return &cp
	}
	panic(fmt.Sprintf("schedule: unexpected transaction %T", tx))
}
