package rollup

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"rollup-swap/internal/idhash"
)

// MaxTimestamp marks a transaction as valid forever.
const MaxTimestamp uint64 = 4294967295

// Transaction type tags used in sign bytes.
const (
	tagWithdraw     byte = 3
	tagTransfer     byte = 5
	tagChangePubKey byte = 7
)

// Wire type names.
const (
	TypeTransfer     = "Transfer"
	TypeWithdraw     = "Withdraw"
	TypeChangePubKey = "ChangePubKey"
)

// Signature is the signature attached to a rollup transaction.
type Signature struct {
	PubKey    []byte
	Signature []byte
}

// Tx is a rollup transaction. The set of implementations is closed:
// *ChangePubKey, *Transfer and *Withdraw.
type Tx interface {
	// Type returns the wire type name.
	Type() string

	// Common returns the fields shared by every transaction kind.
	Common() *TxCommon

	// SignBytes returns the canonical payload covered by the signature.
	SignBytes() ([]byte, error)

	isTx()
}

// TxCommon holds fields shared by every transaction kind.
type TxCommon struct {
	AccountID  uint32
	Fee        *big.Int
	Nonce      uint32
	ValidFrom  uint64
	ValidUntil uint64
	Signature  *Signature
}

// Create2Auth authorizes a key change through the CREATE2 address proof.
type Create2Auth struct {
	CreatorAddress common.Address
	SaltArg        common.Hash
	CodeHash       common.Hash
}

// ChangePubKey sets the signing key of an account.
type ChangePubKey struct {
	TxCommon
	Account   common.Address
	NewPkHash [20]byte
	FeeToken  uint32
	EthAuth   Create2Auth
}

// Transfer moves tokens between rollup accounts. The fee is paid in Token.
type Transfer struct {
	TxCommon
	From   common.Address
	To     common.Address
	Token  uint32
	Amount *big.Int
}

// Withdraw moves tokens from a rollup account to an L1 address. The fee is paid in Token.
type Withdraw struct {
	TxCommon
	From   common.Address
	To     common.Address
	Token  uint32
	Amount *big.Int
}

func (*ChangePubKey) isTx() {}
func (*Transfer) isTx() {}
func (*Withdraw) isTx() {}

// Type implements Tx.
func (*ChangePubKey) Type() string { return TypeChangePubKey }

// Type implements Tx.
func (*Transfer) Type() string { return TypeTransfer }

// Type implements Tx.
func (*Withdraw) Type() string { return TypeWithdraw }

// Common implements Tx.
func (tx *ChangePubKey) Common() *TxCommon { return &tx.TxCommon }

// Common implements Tx.
func (tx *Transfer) Common() *TxCommon { return &tx.TxCommon }

// Common implements Tx.
func (tx *Withdraw) Common() *TxCommon { return &tx.TxCommon }

// SignBytes implements Tx.
func (tx *ChangePubKey) SignBytes() ([]byte, error) {
	w := &byteWriter{}
	w.putByte(tagChangePubKey)
	w.putUint32(tx.AccountID)
	w.putBytes(tx.Account.Bytes())
	w.putBytes(tx.NewPkHash[:])
	w.putUint32(tx.FeeToken)
	w.putUint128(tx.Fee, "fee")
	w.putUint32(tx.Nonce)
	w.putUint64(tx.ValidFrom)
	w.putUint64(tx.ValidUntil)
	return w.result()
}

// SignBytes implements Tx.
func (tx *Transfer) SignBytes() ([]byte, error) {
	return transferBytes(tagTransfer, &tx.TxCommon, tx.From, tx.To, tx.Token, tx.Amount)
}

// SignBytes implements Tx.
func (tx *Withdraw) SignBytes() ([]byte, error) {
	return transferBytes(tagWithdraw, &tx.TxCommon, tx.From, tx.To, tx.Token, tx.Amount)
}

func transferBytes(tag byte, c *TxCommon, from, to common.Address, token uint32, amount *big.Int) ([]byte, error) {
	w := &byteWriter{}
	w.putByte(tag)
	w.putUint32(c.AccountID)
	w.putBytes(from.Bytes())
	w.putBytes(to.Bytes())
	w.putUint32(token)
	w.putUint128(amount, "amount")
	w.putUint128(c.Fee, "fee")
	w.putUint32(c.Nonce)
	w.putUint64(c.ValidFrom)
	w.putUint64(c.ValidUntil)
	return w.result()
}

// TxHash returns the rollup hash of a transaction.
func TxHash(tx Tx) (string, error) {
	msg, err := tx.SignBytes()
	if err != nil {
		return "", err
	}
	return idhash.ComputeTxHash(msg), nil
}

// byteWriter accumulates big-endian fields and remembers the first error.
type byteWriter struct {
	buf []byte
	err error
}

func (w *byteWriter) putByte(b byte) {
	w.buf = append(w.buf, b)
}

func (w *byteWriter) putBytes(b []byte) {
	w.buf = append(w.buf, b...)
}

func (w *byteWriter) putUint32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *byteWriter) putUint64(v uint64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

func (w *byteWriter) result() ([]byte, error) {
	return w.buf, w.err
}

// putUint128 appends v as a 16-byte big-endian integer. nil encodes as zero.
func (w *byteWriter) putUint128(v *big.Int, field string) {
	var out [16]byte
	if v != nil {
		if v.Sign() < 0 || v.BitLen() > 128 {
			if w.err == nil {
				w.err = fmt.Errorf("%s %s does not fit in 128 bits", field, v)
			}
		} else {
			v.FillBytes(out[:])
		}
	}
	w.buf = append(w.buf, out[:]...)
}

// wireTx is the JSON form accepted by tx_submit.
type wireTx struct {
	Type        string          `json:"type"`
	AccountID   uint32          `json:"accountId"`
	From        *common.Address `json:"from,omitempty"`
	To          *common.Address `json:"to,omitempty"`
	Account     *common.Address `json:"account,omitempty"`
	NewPkHash   string          `json:"newPkHash,omitempty"`
	Token       *uint32         `json:"token,omitempty"`
	FeeToken    *uint32         `json:"feeToken,omitempty"`
	Amount      string          `json:"amount,omitempty"`
	Fee         string          `json:"fee"`
	Nonce       uint32          `json:"nonce"`
	ValidFrom   uint64          `json:"validFrom"`
	ValidUntil  uint64          `json:"validUntil"`
	Signature   *wireSignature  `json:"signature,omitempty"`
	EthAuthData *wireEthAuth    `json:"ethAuthData,omitempty"`
}

type wireSignature struct {
	PubKey    string `json:"pubKey"`
	Signature string `json:"signature"`
}

type wireEthAuth struct {
	Type           string         `json:"type"`
	CreatorAddress common.Address `json:"creatorAddress"`
	SaltArg        common.Hash    `json:"saltArg"`
	CodeHash       common.Hash    `json:"codeHash"`
}

func (c *TxCommon) toWire(typ string) wireTx {
	w := wireTx{
		Type:       typ,
		AccountID:  c.AccountID,
		Fee:        decimalString(c.Fee),
		Nonce:      c.Nonce,
		ValidFrom:  c.ValidFrom,
		ValidUntil: c.ValidUntil,
	}
	if c.Signature != nil {
		w.Signature = &wireSignature{
			PubKey:    hex.EncodeToString(c.Signature.PubKey),
			Signature: hex.EncodeToString(c.Signature.Signature),
		}
	}
	return w
}

func (c *TxCommon) fromWire(w *wireTx) error {
	fee, err := parseDecimal(w.Fee, "fee")
	if err != nil {
		return err
	}
	c.AccountID = w.AccountID
	c.Fee = fee
	c.Nonce = w.Nonce
	c.ValidFrom = w.ValidFrom
	c.ValidUntil = w.ValidUntil
	c.Signature = nil
	if w.Signature != nil {
		pub, err := hex.DecodeString(w.Signature.PubKey)
		if err != nil {
			return fmt.Errorf("decode signature pubKey: %w", err)
		}
		sig, err := hex.DecodeString(w.Signature.Signature)
		if err != nil {
			return fmt.Errorf("decode signature: %w", err)
		}
		c.Signature = &Signature{PubKey: pub, Signature: sig}
	}
	return nil
}

// MarshalJSON encodes amounts and fees as decimal strings.
func (tx *ChangePubKey) MarshalJSON() ([]byte, error) {
	w := tx.TxCommon.toWire(TypeChangePubKey)
	account := tx.Account
	feeToken := tx.FeeToken
	w.Account = &account
	w.FeeToken = &feeToken
	w.NewPkHash = "sync:" + hex.EncodeToString(tx.NewPkHash[:])
	w.EthAuthData = &wireEthAuth{
		Type:           "CREATE2",
		CreatorAddress: tx.EthAuth.CreatorAddress,
		SaltArg:        tx.EthAuth.SaltArg,
		CodeHash:       tx.EthAuth.CodeHash,
	}
	return json.Marshal(w)
}

// MarshalJSON encodes amounts and fees as decimal strings.
func (tx *Transfer) MarshalJSON() ([]byte, error) {
	return json.Marshal(transferWire(TypeTransfer, &tx.TxCommon, tx.From, tx.To, tx.Token, tx.Amount))
}

// MarshalJSON encodes amounts and fees as decimal strings.
func (tx *Withdraw) MarshalJSON() ([]byte, error) {
	return json.Marshal(transferWire(TypeWithdraw, &tx.TxCommon, tx.From, tx.To, tx.Token, tx.Amount))
}

func transferWire(typ string, c *TxCommon, from, to common.Address, token uint32, amount *big.Int) wireTx {
	w := c.toWire(typ)
	w.From = &from
	w.To = &to
	w.Token = &token
	w.Amount = decimalString(amount)
	return w
}

// DecodeTx parses the wire JSON of any transaction kind.
func DecodeTx(data []byte) (Tx, error) {
	var w wireTx
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("unmarshal tx: %w", err)
	}

	switch w.Type {
	case TypeChangePubKey:
		tx := &ChangePubKey{}
		if err := tx.TxCommon.fromWire(&w); err != nil {
			return nil, err
		}
		if w.Account == nil || w.FeeToken == nil || w.EthAuthData == nil {
			return nil, fmt.Errorf("ChangePubKey: missing account, feeToken or ethAuthData")
		}
		pkh, err := hex.DecodeString(strings.TrimPrefix(w.NewPkHash, "sync:"))
		if err != nil || len(pkh) != len(tx.NewPkHash) {
			return nil, fmt.Errorf("ChangePubKey: invalid newPkHash %q", w.NewPkHash)
		}
		tx.Account = *w.Account
		tx.FeeToken = *w.FeeToken
		copy(tx.NewPkHash[:], pkh)
		tx.EthAuth = Create2Auth{
			CreatorAddress: w.EthAuthData.CreatorAddress,
			SaltArg:        w.EthAuthData.SaltArg,
			CodeHash:       w.EthAuthData.CodeHash,
		}
		return tx, nil

	case TypeTransfer, TypeWithdraw:
		var c TxCommon
		if err := c.fromWire(&w); err != nil {
			return nil, err
		}
		if w.From == nil || w.To == nil || w.Token == nil {
			return nil, fmt.Errorf("%s: missing from, to or token", w.Type)
		}
		amount, err := parseDecimal(w.Amount, "amount")
		if err != nil {
			return nil, err
		}
		if w.Type == TypeTransfer {
			return &Transfer{TxCommon: c, From: *w.From, To: *w.To, Token: *w.Token, Amount: amount}, nil
		}
		return &Withdraw{TxCommon: c, From: *w.From, To: *w.To, Token: *w.Token, Amount: amount}, nil

	default:
		return nil, fmt.Errorf("unknown tx type %q", w.Type)
	}
}

func decimalString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseDecimal(s, field string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid %s %q", field, s)
	}
	return v, nil
}
