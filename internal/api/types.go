package api

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"rollup-swap/internal/domain"
	"rollup-swap/internal/orchestrator"
	"rollup-swap/internal/rollup"
)

// Leg is a token and an amount in minor units as a decimal string.
type Leg struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

// Agreement is the wire form of domain.SwapAgreement.
type Agreement struct {
	Sell           Leg         `json:"sell"`
	Buy            Leg         `json:"buy"`
	TimeoutSeconds int64       `json:"timeoutSeconds"`
	Salt           common.Hash `json:"salt"`
	CodeHash       common.Hash `json:"codeHash"`
}

// CreateSwapRequest is the body of POST /api/v1/swaps.
type CreateSwapRequest struct {
	Agreement       Agreement      `json:"agreement"`
	ClientPublicKey hexutil.Bytes  `json:"clientPublicKey"`
	ClientAddress   common.Address `json:"clientAddress"`
}

// CreateSwapResponse carries the maker's offer.
type CreateSwapResponse struct {
	SwapID         string          `json:"swapId"`
	PublicKey      hexutil.Bytes   `json:"publicKey"`
	Precommitments []hexutil.Bytes `json:"precommitments"`
	JointAddress   common.Address  `json:"jointAddress"`
}

// CommitmentsRequest is the body of POST /api/v1/swaps/{id}/commitments.
type CommitmentsRequest struct {
	Precommitments []hexutil.Bytes `json:"precommitments"`
	Commitments    []hexutil.Bytes `json:"commitments"`
}

// SigningRoundResponse carries the maker's commitments, signature shares and
// the unsigned transactions in slot order.
type SigningRoundResponse struct {
	Commitments  []hexutil.Bytes   `json:"commitments"`
	Shares       []hexutil.Bytes   `json:"shares"`
	Transactions []json.RawMessage `json:"transactions"`
}

// SharesRequest is the body of POST /api/v1/swaps/{id}/shares.
type SharesRequest struct {
	Shares []hexutil.Bytes `json:"shares"`
}

// SharesResponse carries the signed bundle.
type SharesResponse struct {
	State        string            `json:"state"`
	Transactions []json.RawMessage `json:"transactions"`
}

// StatusResponse is the body of GET /api/v1/swaps/{id}.
type StatusResponse struct {
	SwapID       string         `json:"swapId"`
	State        string         `json:"state"`
	JointAddress common.Address `json:"jointAddress"`
	Error        string         `json:"error,omitempty"`
}

// AbortRequest is the body of DELETE /api/v1/swaps/{id}. Signature is the
// client's signature over AbortMessage(swapID).
type AbortRequest struct {
	Reason    string        `json:"reason,omitempty"`
	Signature hexutil.Bytes `json:"signature"`
}

// AbortMessage is the message a client signs to abort swapID.
func AbortMessage(swapID string) []byte {
	return []byte("abort:" + swapID)
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string         `json:"status"`
	Address   common.Address `json:"address"`
	PublicKey hexutil.Bytes  `json:"publicKey"`
}

// ToDomain converts the wire agreement.
func (a Agreement) ToDomain() (domain.SwapAgreement, error) {
	sell, err := a.Sell.toDomain()
	if err != nil {
		return domain.SwapAgreement{}, fmt.Errorf("sell: %w", err)
	}
	buy, err := a.Buy.toDomain()
	if err != nil {
		return domain.SwapAgreement{}, fmt.Errorf("buy: %w", err)
	}
	return domain.SwapAgreement{
		Sell:           sell,
		Buy:            buy,
		TimeoutSeconds: a.TimeoutSeconds,
		Deployment:     domain.Deployment{Salt: a.Salt, CodeHash: a.CodeHash},
	}, nil
}

// AgreementFromDomain converts a domain agreement to its wire form.
func AgreementFromDomain(a domain.SwapAgreement) Agreement {
	return Agreement{
		Sell:           Leg{Token: string(a.Sell.Token), Amount: a.Sell.Amount.String()},
		Buy:            Leg{Token: string(a.Buy.Token), Amount: a.Buy.Amount.String()},
		TimeoutSeconds: a.TimeoutSeconds,
		Salt:           a.Deployment.Salt,
		CodeHash:       a.Deployment.CodeHash,
	}
}

func (l Leg) toDomain() (domain.Leg, error) {
	amount, ok := new(big.Int).SetString(l.Amount, 10)
	if !ok {
		return domain.Leg{}, fmt.Errorf("invalid amount %q", l.Amount)
	}
	return domain.Leg{Token: domain.TokenLike(l.Token), Amount: amount}, nil
}

func offerResponse(o orchestrator.Offer) CreateSwapResponse {
	return CreateSwapResponse{
		SwapID:         o.SwapID,
		PublicKey:      o.PublicKey,
		Precommitments: ToHex(o.Precommitments),
		JointAddress:   o.JointAddress,
	}
}

func signingRoundResponse(r *orchestrator.SigningRound) (*SigningRoundResponse, error) {
	txs, err := EncodeTransactions(r.Transactions)
	if err != nil {
		return nil, err
	}
	return &SigningRoundResponse{
		Commitments:  ToHex(r.Commitments),
		Shares:       ToHex(r.Shares),
		Transactions: txs,
	}, nil
}

// ToHex converts byte slices to their hex wire form.
func ToHex(in [][]byte) []hexutil.Bytes {
	out := make([]hexutil.Bytes, len(in))
	for i, b := range in {
		out[i] = b
	}
	return out
}

// FromHex converts hex wire values to byte slices.
func FromHex(in []hexutil.Bytes) [][]byte {
	out := make([][]byte, len(in))
	for i, b := range in {
		out[i] = b
	}
	return out
}

// EncodeTransactions marshals transactions with their wire JSON.
func EncodeTransactions(txs []rollup.Tx) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(txs))
	for i, tx := range txs {
		data, err := json.Marshal(tx)
		if err != nil {
			return nil, fmt.Errorf("encode transaction %d: %w", i, err)
		}
		out[i] = data
	}
	return out, nil
}

// DecodeTransactions is the inverse of EncodeTransactions.
func DecodeTransactions(raw []json.RawMessage) ([]rollup.Tx, error) {
	out := make([]rollup.Tx, len(raw))
	for i, data := range raw {
		tx, err := rollup.DecodeTx(data)
		if err != nil {
			return nil, fmt.Errorf("decode transaction %d: %w", i, err)
		}
		out[i] = tx
	}
	return out, nil
}
