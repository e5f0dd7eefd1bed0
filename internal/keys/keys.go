// Package keys loads the maker's Ethereum key and derives its rollup signing key.
package keys

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"rollup-swap/internal/cosign"
)

// DerivationMessage is signed with the Ethereum key to derive the rollup key.
const DerivationMessage = "Access zkSync account.\n\nOnly sign this message for a trusted client!"

// ErrEmptyPassphrase is returned when a key file operation has no passphrase.
var ErrEmptyPassphrase = errors.New("passphrase is empty")

// scryptWorkFactor is the log2 scrypt cost of new key files.
var scryptWorkFactor = 18

// Maker is the maker's key material.
type Maker struct {
	Eth     *ecdsa.PrivateKey
	Address common.Address
	Rollup  *cosign.KeyPair
}

// NewMaker derives the rollup key and address of an Ethereum key.
func NewMaker(eth *ecdsa.PrivateKey) (*Maker, error) {
	rk, err := DeriveRollupKey(eth)
	if err != nil {
		return nil, err
	}
	return &Maker{
		Eth:     eth,
		Address: crypto.PubkeyToAddress(eth.PublicKey),
		Rollup:  rk,
	}, nil
}

// Generate creates a fresh Ethereum key.
func Generate() (*ecdsa.PrivateKey, error) {
	return crypto.GenerateKey()
}

// FromHex parses a hex private key, with or without 0x prefix.
func FromHex(s string) (*ecdsa.PrivateKey, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	key, err := crypto.HexToECDSA(s)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// ToHex encodes a private key as hex without prefix.
func ToHex(key *ecdsa.PrivateKey) string {
	return hex.EncodeToString(crypto.FromECDSA(key))
}

// DeriveRollupKey signs DerivationMessage as an EIP-191 personal message and
// uses the 65-byte signature as the rollup key seed. The recovery byte is 27 or 28.
func DeriveRollupKey(eth *ecdsa.PrivateKey) (*cosign.KeyPair, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(DerivationMessage)), eth)
	if err != nil {
		return nil, fmt.Errorf("sign derivation message: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return cosign.KeyPairFromSeed(sig)
}

// Encrypt writes key as an armored age file encrypted to passphrase.
func Encrypt(w io.Writer, key *ecdsa.PrivateKey, passphrase string) error {
	if passphrase == "" {
		return ErrEmptyPassphrase
	}
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("scrypt recipient: %w", err)
	}
	recipient.SetWorkFactor(scryptWorkFactor)

	aw := armor.NewWriter(w)
	ew, err := age.Encrypt(aw, recipient)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	if _, err := io.WriteString(ew, ToHex(key)); err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	if err := ew.Close(); err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	return aw.Close()
}

// Decrypt reads a key written by Encrypt.
func Decrypt(r io.Reader, passphrase string) (*ecdsa.PrivateKey, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("scrypt identity: %w", err)
	}

	dr, err := age.Decrypt(armor.NewReader(r), identity)
	if err != nil {
		return nil, fmt.Errorf("decrypt key file: %w", err)
	}
	plain, err := io.ReadAll(dr)
	if err != nil {
		return nil, fmt.Errorf("decrypt key file: %w", err)
	}
	return FromHex(string(plain))
}

// Load reads an encrypted key file.
func Load(path, passphrase string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	return Decrypt(bytes.NewReader(data), passphrase)
}

// Save writes an encrypted key file readable only by the owner. An existing
// file is never overwritten.
func Save(path string, key *ecdsa.PrivateKey, passphrase string) error {
	var buf bytes.Buffer
	if err := Encrypt(&buf, key, passphrase); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create key file: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("write key file: %w", err)
	}
	return f.Close()
}
