// Package crypto provides Ed25519 signing and lineage key derivation for
// genesis records, pulses, and messages, following the keyring and
// sovereignty guard packages' sign/derive conventions.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Signer signs and verifies arbitrary byte payloads with Ed25519.
type Signer interface {
	Sign(data []byte) (string, error)
	PublicKeyHex() string
	PublicKey() ed25519.PublicKey
}

// Ed25519Signer is the default in-memory Signer implementation.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewEd25519Signer generates a fresh Ed25519 keypair.
func NewEd25519Signer() (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: key generation: %w", err)
	}
	return &Ed25519Signer{priv: priv, pub: pub}, nil
}

// FromSeed rebuilds a signer deterministically from a 32-byte seed, used
// for reconstructing a capsule's own key from persisted state.
func FromSeed(seed []byte) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("crypto: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// Sign returns the hex-encoded Ed25519 signature over data.
func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	return hex.EncodeToString(ed25519.Sign(s.priv, data)), nil
}

// PublicKeyHex returns the hex-encoded public key.
func (s *Ed25519Signer) PublicKeyHex() string { return hex.EncodeToString(s.pub) }

// PublicKey returns the raw public key.
func (s *Ed25519Signer) PublicKey() ed25519.PublicKey { return s.pub }

// Seed exposes the private seed for HKDF-based child key derivation. Only
// the Spawn Governor may call this, to mint lineage-derived child keys.
func (s *Ed25519Signer) Seed() []byte { return s.priv.Seed() }

// Verify checks a hex-encoded signature against a hex-encoded public key.
func Verify(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("crypto: invalid public key hex: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("crypto: invalid public key size %d", len(pubKey))
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("crypto: invalid signature hex: %w", err)
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), data, sig), nil
}

// DeriveChildSeed derives a lineage-bound child seed from a parent's
// private seed and the child's genesis hash using HKDF-SHA256, mirroring
// Keyring.DeriveForTenant's tenant-key derivation. This lets lineage be
// verified cryptographically: an auditor holding the parent seed can
// recompute (and confirm) every descendant's public key.
func DeriveChildSeed(parentSeed []byte, childGenesisHash string) ([]byte, error) {
	if len(parentSeed) != ed25519.SeedSize {
		return nil, fmt.Errorf("crypto: parent seed must be %d bytes", ed25519.SeedSize)
	}
	reader := hkdf.New(sha256.New, parentSeed, []byte("efm-lineage-kdf"), []byte(childGenesisHash))
	childSeed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(reader, childSeed); err != nil {
		return nil, fmt.Errorf("crypto: hkdf derivation: %w", err)
	}
	return childSeed, nil
}
