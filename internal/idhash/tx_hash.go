package idhash

import (
	"crypto/sha256"
	"encoding/hex"
)

// TxHashPrefix prefixes every rollup transaction hash.
const TxHashPrefix = "sync-tx:"

// ComputeTxHash computes the rollup transaction hash from its sign bytes.
// Formula: "sync-tx:" + hex(SHA256(sign_bytes))
func ComputeTxHash(signBytes []byte) string {
	hash := sha256.Sum256(signBytes)
	return TxHashPrefix + hex.EncodeToString(hash[:])
}
