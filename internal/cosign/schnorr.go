package cosign

import (
	"bytes"
	"crypto/rand"
	"crypto/sha512"
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/blake2b"
)

// Sizes of encoded values.
const (
	PublicKeySize  = 32
	SecretKeySize  = 32
	ShareSize      = 32
	SignatureSize  = 64
	PubKeyHashSize = 20
)

// KeyPair is a single-signer Schnorr key on edwards25519.
type KeyPair struct {
	secret *edwards25519.Scalar
	public *edwards25519.Point
	prefix [32]byte
}

// GenerateKeyPair creates a key pair from 32 bytes of fresh randomness.
func GenerateKeyPair() (*KeyPair, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("read randomness: %w", err)
	}
	return KeyPairFromSeed(seed)
}

// KeyPairFromSeed derives a key pair deterministically from seed (at least 32 bytes).
func KeyPairFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) < 32 {
		return nil, fmt.Errorf("seed too short: %d bytes", len(seed))
	}
	digest := blake2b.Sum512(seed)
	secret, err := edwards25519.NewScalar().SetUniformBytes(digest[:])
	if err != nil {
		return nil, fmt.Errorf("derive scalar: %w", err)
	}
	kp := &KeyPair{
		secret: secret,
		public: new(edwards25519.Point).ScalarBaseMult(secret),
	}
	nonceKey := sha512.Sum512(append([]byte("nonce"), seed...))
	copy(kp.prefix[:], nonceKey[:32])
	return kp, nil
}

// KeyPairFromSecret restores a key pair from a canonical 32-byte scalar.
func KeyPairFromSecret(secretKey []byte) (*KeyPair, error) {
	secret, err := edwards25519.NewScalar().SetCanonicalBytes(secretKey)
	if err != nil {
		return nil, fmt.Errorf("parse secret key: %w", err)
	}
	kp := &KeyPair{
		secret: secret,
		public: new(edwards25519.Point).ScalarBaseMult(secret),
	}
	nonceKey := sha512.Sum512(append([]byte("nonce"), secretKey...))
	copy(kp.prefix[:], nonceKey[:32])
	return kp, nil
}

// PublicKey returns the 32-byte encoded public key.
func (k *KeyPair) PublicKey() []byte {
	return k.public.Bytes()
}

// SecretKey returns the canonical 32-byte secret scalar.
func (k *KeyPair) SecretKey() []byte {
	return k.secret.Bytes()
}

// Sign produces a 64-byte signature R || s with a deterministic nonce.
func (k *KeyPair) Sign(msg []byte) []byte {
	h := sha512.New()
	h.Write(k.prefix[:])
	h.Write(msg)
	r, _ := edwards25519.NewScalar().SetUniformBytes(h.Sum(nil))

	R := new(edwards25519.Point).ScalarBaseMult(r).Bytes()
	e := challenge(R, k.public.Bytes(), msg)
	s := edwards25519.NewScalar().MultiplyAdd(e, k.secret, r)

	sig := make([]byte, 0, SignatureSize)
	sig = append(sig, R...)
	return append(sig, s.Bytes()...)
}

// Verify checks sig against pub and msg: sB == R + eA with e = SHA-512(R || A || msg).
// Signatures produced here also verify with crypto/ed25519.
func Verify(pub, msg, sig []byte) bool {
	if len(sig) != SignatureSize || len(pub) != PublicKeySize {
		return false
	}
	A, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return false
	}
	s, err := edwards25519.NewScalar().SetCanonicalBytes(sig[32:])
	if err != nil {
		return false
	}
	e := challenge(sig[:32], pub, msg)
	minusA := new(edwards25519.Point).Negate(A)
	R := new(edwards25519.Point).VarTimeDoubleScalarBaseMult(e, minusA, s)
	return bytes.Equal(R.Bytes(), sig[:32])
}

// PubKeyHash returns the 20-byte rollup hash of a public key.
func PubKeyHash(pub []byte) [PubKeyHashSize]byte {
	var out [PubKeyHashSize]byte
	h, _ := blake2b.New(PubKeyHashSize, nil)
	h.Write(pub)
	copy(out[:], h.Sum(nil))
	return out
}

func challenge(R, pub, msg []byte) *edwards25519.Scalar {
	h := sha512.New()
	h.Write(R)
	h.Write(pub)
	h.Write(msg)
	e, _ := edwards25519.NewScalar().SetUniformBytes(h.Sum(nil))
	return e
}

// parsePublicKey decodes a point and rejects small-order keys.
func parsePublicKey(b []byte) (*edwards25519.Point, error) {
	if len(b) != PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", PublicKeySize, len(b))
	}
	p, err := new(edwards25519.Point).SetBytes(b)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if new(edwards25519.Point).MultByCofactor(p).Equal(edwards25519.NewIdentityPoint()) == 1 {
		return nil, fmt.Errorf("public key has small order")
	}
	return p, nil
}
