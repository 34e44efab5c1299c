// Package signing provides Ed25519 signatures for backup manifests and
// other outbound artifacts. A master keyring derives one deterministic
// keypair per tenant via HKDF, so tenant signatures stay distinct without
// per-tenant key storage.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/arbiter-labs/arbiter/pkg/canonical"
)

// hkdfSalt fixes the derivation domain; changing it invalidates every
// derived tenant key.
var hkdfSalt = []byte("arbiter-tenant-kdf")

// KeyProvider abstracts the signing backend so the in-memory keypair can be
// swapped for an HSM or cloud KMS.
type KeyProvider interface {
	Sign(msg []byte) ([]byte, error)
	PublicKey() ed25519.PublicKey
	Seed() ([]byte, error)
}

// MemoryKeyProvider holds the keypair in process memory.
type MemoryKeyProvider struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// NewMemoryKeyProvider generates a fresh keypair.
func NewMemoryKeyProvider() (*MemoryKeyProvider, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return &MemoryKeyProvider{pub: pub, priv: priv}, nil
}

// NewMemoryKeyProviderFromSeed rebuilds the deterministic keypair of a
// 32-byte seed.
func NewMemoryKeyProviderFromSeed(seed []byte) (*MemoryKeyProvider, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &MemoryKeyProvider{
		pub:  priv.Public().(ed25519.PublicKey),
		priv: priv,
	}, nil
}

func (m *MemoryKeyProvider) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(m.priv, msg), nil
}

func (m *MemoryKeyProvider) PublicKey() ed25519.PublicKey { return m.pub }

func (m *MemoryKeyProvider) Seed() ([]byte, error) { return m.priv.Seed(), nil }

// Keyring signs canonicalized payloads with its provider's key.
type Keyring struct {
	provider KeyProvider
}

// NewKeyring wraps a provider. A nil provider is an error at the caller;
// the keyring never invents keys on its own.
func NewKeyring(p KeyProvider) (*Keyring, error) {
	if p == nil {
		return nil, fmt.Errorf("signing: nil key provider")
	}
	return &Keyring{provider: p}, nil
}

// Sign canonicalizes the payload (RFC 8785) and signs the bytes, returning
// the hex signature. Semantically equal payloads produce identical
// signatures under the same key.
func (k *Keyring) Sign(payload interface{}) (string, error) {
	msg, err := canonical.Canonicalize(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize for signing: %w", err)
	}
	sig, err := k.provider.Sign(msg)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	return hex.EncodeToString(sig), nil
}

// PublicKeyHex returns the verifying key as hex.
func (k *Keyring) PublicKeyHex() string {
	return hex.EncodeToString(k.provider.PublicKey())
}

// DeriveForTenant derives the tenant's deterministic keyring with
// HKDF-SHA256 over the master seed, keyed by tenant id.
func (k *Keyring) DeriveForTenant(tenantID string) (*Keyring, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("signing: empty tenant id")
	}
	seed, err := k.provider.Seed()
	if err != nil {
		return nil, fmt.Errorf("master seed unavailable: %w", err)
	}

	reader := hkdf.New(sha256.New, seed, hkdfSalt, []byte(tenantID))
	tenantSeed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(reader, tenantSeed); err != nil {
		return nil, fmt.Errorf("derive tenant key: %w", err)
	}
	provider, err := NewMemoryKeyProviderFromSeed(tenantSeed)
	if err != nil {
		return nil, err
	}
	return NewKeyring(provider)
}

// Verify checks a hex signature over the canonicalized payload against a
// hex public key.
func Verify(publicKeyHex, signatureHex string, payload interface{}) (bool, error) {
	pub, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return false, fmt.Errorf("decode public key: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false, fmt.Errorf("decode signature: %w", err)
	}
	msg, err := canonical.Canonicalize(payload)
	if err != nil {
		return false, fmt.Errorf("canonicalize for verification: %w", err)
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig), nil
}
