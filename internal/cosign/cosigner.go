// Package cosign implements a two-party MuSig-style Schnorr co-signing session over
// edwards25519.
//
// A session signs a fixed number of independent messages ("slots"). Each slot owns a
// nonce that is committed to (precommitment = hash of the nonce point), revealed, and
// consumed exactly once by Sign. Aggregated signatures verify as plain Ed25519
// signatures under the combined public key.
package cosign

import (
	"bytes"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"sync"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/blake2b"
)

// Participants is the number of co-signers a session supports.
const Participants = 2

var aggregationTag = []byte("rollup-swap/musig/agg")

type stage int

const (
	stageNew stage = iota
	stagePrecommitted
	stageCommitted
	stageReady
	stageClosed
)

func (s stage) String() string {
	switch s {
	case stageNew:
		return "new"
	case stagePrecommitted:
		return "precommitted"
	case stageCommitted:
		return "committed"
	case stageReady:
		return "ready"
	case stageClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// nonceSlot holds this party's nonce for one message. secret is nil once consumed.
type nonceSlot struct {
	secret       *edwards25519.Scalar
	commitment   []byte
	precommitted []byte
}

// Cosigner is one party's view of a co-signing session.
type Cosigner struct {
	mu sync.Mutex

	pubKeys  [][]byte
	ownIndex int
	coeffs   []*edwards25519.Scalar
	combined []byte

	slots         []nonceSlot
	peerPrecommit [][]byte
	aggNonces     [][]byte

	stage stage
}

// New creates a session for the ordered participant keys. ownIndex selects this
// party's key. Both parties must pass the keys in the same order.
func New(pubKeys [][]byte, ownIndex, slots int) (*Cosigner, error) {
	if len(pubKeys) != Participants {
		return nil, protocolErr("expected %d public keys, got %d", Participants, len(pubKeys))
	}
	if ownIndex < 0 || ownIndex >= len(pubKeys) {
		return nil, protocolErr("own index %d out of range", ownIndex)
	}
	if slots <= 0 {
		return nil, protocolErr("slot count must be positive, got %d", slots)
	}

	points := make([]*edwards25519.Point, len(pubKeys))
	keys := make([][]byte, len(pubKeys))
	for i, pk := range pubKeys {
		p, err := parsePublicKey(pk)
		if err != nil {
			return nil, protocolErr("participant %d: %v", i, err)
		}
		points[i] = p
		keys[i] = append([]byte(nil), pk...)
	}
	if bytes.Equal(keys[0], keys[1]) {
		return nil, protocolErr("participants share the same public key")
	}

	c := &Cosigner{
		pubKeys:  keys,
		ownIndex: ownIndex,
		coeffs:   make([]*edwards25519.Scalar, len(keys)),
		slots:    make([]nonceSlot, slots),
	}

	combined := edwards25519.NewIdentityPoint()
	for i, p := range points {
		c.coeffs[i] = aggregationCoefficient(keys, keys[i])
		combined.Add(combined, new(edwards25519.Point).ScalarMult(c.coeffs[i], p))
	}
	c.combined = combined.Bytes()
	return c, nil
}

// Slots returns the number of messages the session signs.
func (c *Cosigner) Slots() int {
	return len(c.slots)
}

// ComputePrecommitments draws a fresh nonce per slot and returns the hash of each nonce
// point. It may be called once per session.
func (c *Cosigner) ComputePrecommitments() ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stage != stageNew {
		return nil, protocolErr("precommitments already computed (stage %s)", c.stage)
	}

	out := make([][]byte, len(c.slots))
	for i := range c.slots {
		var seed [64]byte
		if _, err := rand.Read(seed[:]); err != nil {
			return nil, fmt.Errorf("read randomness: %w", err)
		}
		r, err := edwards25519.NewScalar().SetUniformBytes(seed[:])
		if err != nil {
			return nil, fmt.Errorf("derive nonce: %w", err)
		}
		R := new(edwards25519.Point).ScalarBaseMult(r).Bytes()
		pre := blake2b.Sum256(R)

		c.slots[i] = nonceSlot{
			secret:       r,
			commitment:   R,
			precommitted: pre[:],
		}
		out[i] = append([]byte(nil), pre[:]...)
	}

	c.stage = stagePrecommitted
	return out, nil
}

// ReceivePrecommitments records the peer's precommitments and reveals this party's
// commitments (nonce points), one per slot.
func (c *Cosigner) ReceivePrecommitments(own, peer [][]byte) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stage != stagePrecommitted {
		return nil, protocolErr("precommitments received in stage %s", c.stage)
	}
	if err := c.checkLengths(own, peer); err != nil {
		return nil, err
	}
	for i := range c.slots {
		if !bytes.Equal(own[i], c.slots[i].precommitted) {
			return nil, protocolErr("own precommitment %d does not match session", i)
		}
		if len(peer[i]) != blake2b.Size256 {
			return nil, protocolErr("peer precommitment %d has length %d", i, len(peer[i]))
		}
	}

	c.peerPrecommit = make([][]byte, len(peer))
	commitments := make([][]byte, len(c.slots))
	for i := range c.slots {
		c.peerPrecommit[i] = append([]byte(nil), peer[i]...)
		commitments[i] = append([]byte(nil), c.slots[i].commitment...)
	}

	c.stage = stageCommitted
	return commitments, nil
}

// ReceiveCommitments checks the peer's revealed nonce points against its
// precommitments and fixes the aggregated nonce of every slot. Signing is possible
// only after this call.
func (c *Cosigner) ReceiveCommitments(own, peer [][]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stage != stageCommitted {
		return protocolErr("commitments received in stage %s", c.stage)
	}
	if err := c.checkLengths(own, peer); err != nil {
		return err
	}

	agg := make([][]byte, len(c.slots))
	for i := range c.slots {
		if !bytes.Equal(own[i], c.slots[i].commitment) {
			return protocolErr("own commitment %d does not match session", i)
		}
		digest := blake2b.Sum256(peer[i])
		if subtle.ConstantTimeCompare(digest[:], c.peerPrecommit[i]) != 1 {
			return protocolErr("peer commitment %d does not match its precommitment", i)
		}
		peerR, err := new(edwards25519.Point).SetBytes(peer[i])
		if err != nil {
			return protocolErr("peer commitment %d is not a valid point", i)
		}
		ownR, err := new(edwards25519.Point).SetBytes(c.slots[i].commitment)
		if err != nil {
			return protocolErr("own commitment %d is not a valid point", i)
		}
		agg[i] = new(edwards25519.Point).Add(ownR, peerR).Bytes()
	}

	c.aggNonces = agg
	c.stage = stageReady
	return nil
}

// ComputePubkey returns the combined public key. It depends only on the participant
// keys, so repeated calls return the same value.
func (c *Cosigner) ComputePubkey() []byte {
	return append([]byte(nil), c.combined...)
}

// PubKeyHash returns the rollup hash of the combined public key.
func (c *Cosigner) PubKeyHash() [PubKeyHashSize]byte {
	return PubKeyHash(c.combined)
}

// Sign produces this party's share for slot. The slot nonce is consumed: a second
// call for the same slot fails with ErrProtocol.
func (c *Cosigner) Sign(secretKey, msg []byte, slot int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stage != stageReady {
		return nil, protocolErr("sign called in stage %s", c.stage)
	}
	if slot < 0 || slot >= len(c.slots) {
		return nil, protocolErr("slot %d out of range", slot)
	}
	x, err := edwards25519.NewScalar().SetCanonicalBytes(secretKey)
	if err != nil {
		return nil, protocolErr("secret key is not a canonical scalar")
	}
	pub := new(edwards25519.Point).ScalarBaseMult(x).Bytes()
	if !bytes.Equal(pub, c.pubKeys[c.ownIndex]) {
		return nil, protocolErr("secret key does not belong to participant %d", c.ownIndex)
	}

	r := c.slots[slot].secret
	if r == nil {
		return nil, protocolErr("nonce for slot %d already consumed", slot)
	}
	c.slots[slot].secret = nil

	e := challenge(c.aggNonces[slot], c.combined, msg)
	ex := edwards25519.NewScalar().Multiply(e, c.coeffs[c.ownIndex])
	s := edwards25519.NewScalar().MultiplyAdd(ex, x, r)
	r.Set(edwards25519.NewScalar())

	return s.Bytes(), nil
}

// ReceiveSignatureShares aggregates one share per participant into the final 64-byte
// signature for slot. Shares are ordered like the participant keys.
func (c *Cosigner) ReceiveSignatureShares(shares [][]byte, slot int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stage != stageReady {
		return nil, protocolErr("shares received in stage %s", c.stage)
	}
	if slot < 0 || slot >= len(c.slots) {
		return nil, protocolErr("slot %d out of range", slot)
	}
	if len(shares) != len(c.pubKeys) {
		return nil, protocolErr("expected %d shares, got %d", len(c.pubKeys), len(shares))
	}

	sum := edwards25519.NewScalar()
	for i, share := range shares {
		s, err := edwards25519.NewScalar().SetCanonicalBytes(share)
		if err != nil {
			return nil, protocolErr("share %d for slot %d is not a canonical scalar", i, slot)
		}
		sum.Add(sum, s)
	}

	sig := make([]byte, 0, SignatureSize)
	sig = append(sig, c.aggNonces[slot]...)
	return append(sig, sum.Bytes()...), nil
}

// Verify checks a final signature against the combined public key.
func (c *Cosigner) Verify(msg, sig []byte) bool {
	return Verify(c.combined, msg, sig)
}

// Close wipes all unconsumed nonces. Every later call except ComputePubkey, PubKeyHash
// and Verify fails with ErrProtocol.
func (c *Cosigner) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	zero := edwards25519.NewScalar()
	for i := range c.slots {
		if c.slots[i].secret != nil {
			c.slots[i].secret.Set(zero)
			c.slots[i].secret = nil
		}
	}
	c.stage = stageClosed
}

// Closed reports whether Close was called.
func (c *Cosigner) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stage == stageClosed
}

func (c *Cosigner) checkLengths(own, peer [][]byte) error {
	if len(own) != len(c.slots) {
		return protocolErr("expected %d own values, got %d", len(c.slots), len(own))
	}
	if len(peer) != len(c.slots) {
		return protocolErr("expected %d peer values, got %d", len(c.slots), len(peer))
	}
	return nil
}

// aggregationCoefficient returns H(tag || X_1 || ... || X_n || X_i) mod l.
func aggregationCoefficient(keys [][]byte, key []byte) *edwards25519.Scalar {
	h, _ := blake2b.New512(nil)
	h.Write(aggregationTag)
	for _, k := range keys {
		h.Write(k)
	}
	h.Write(key)
	a, _ := edwards25519.NewScalar().SetUniformBytes(h.Sum(nil))
	return a
}
