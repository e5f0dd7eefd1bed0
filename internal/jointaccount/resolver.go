// Package jointaccount derives the address of the two-party joint account.
//
// The address is predicted the way a CREATE2 deployment would place it, so the joint
// account can receive funds before its signing key is set on the rollup.
package jointaccount

import (
	"encoding/hex"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"rollup-swap/internal/cosign"
	"rollup-swap/internal/domain"
)

// PubKeyHash is the rollup hash of the combined public key.
type PubKeyHash [cosign.PubKeyHashSize]byte

// String returns the rollup representation "sync:<hex>".
func (h PubKeyHash) String() string {
	return "sync:" + hex.EncodeToString(h[:])
}

// Account is the derived joint account. It never changes once derived.
type Account struct {
	Address    common.Address
	PubKeyHash PubKeyHash
	Creator    common.Address
	Deployment domain.Deployment
}

// Resolve derives the joint account address:
//
//	salt    = keccak256(deploymentSalt || pubKeyHash)
//	address = keccak256(0xff || creator || salt || codeHash)[12:]
func Resolve(pubKeyHash PubKeyHash, deploymentSalt, codeHash common.Hash, creator common.Address) common.Address {
	salt := crypto.Keccak256Hash(deploymentSalt.Bytes(), pubKeyHash[:])
	return crypto.CreateAddress2(creator, salt, codeHash.Bytes())
}

// New resolves the joint account for a deployment descriptor.
func New(pubKeyHash PubKeyHash, deployment domain.Deployment, creator common.Address) Account {
	return Account{
		Address:    Resolve(pubKeyHash, deployment.Salt, deployment.CodeHash, creator),
		PubKeyHash: pubKeyHash,
		Creator:    creator,
		Deployment: deployment,
	}
}
