package idhash

import (
	"crypto/sha256"

	"github.com/mr-tron/base58"
)

// ComputeSwapID computes a deterministic swap_id using SHA256.
// Formula: SHA256(maker_pub|client_pub|precommitment_0|...|precommitment_n)
// Returns base58-encoded hash.
func ComputeSwapID(makerPub, clientPub []byte, precommitments [][]byte) string {
	h := sha256.New()
	h.Write(makerPub)
	h.Write(clientPub)
	for _, p := range precommitments {
		h.Write(p)
	}
	return base58.Encode(h.Sum(nil))
}
