// Package cryptoservice provides the AEAD and key-agreement primitives the
// sync core builds on: AES-256-GCM seal/open and X25519 + HKDF-SHA256 key
// derivation. Key types carry constant-time equality, base64 marshaling,
// and clamped scalar generation.
package cryptoservice

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

const KeySize = 32

// PrivateKey is a clamped X25519 scalar.
type PrivateKey [KeySize]byte

// PublicKey is an X25519 point.
type PublicKey [KeySize]byte

// SymmetricKey is the 32-byte AES-256-GCM key shared between two paired
// devices.
type SymmetricKey [KeySize]byte

// NewPrivateKey generates a fresh clamped X25519 private key.
func NewPrivateKey() (PrivateKey, error) {
	var pk PrivateKey
	if _, err := rand.Read(pk[:]); err != nil {
		return PrivateKey{}, fmt.Errorf("cryptoservice: generate private key: %w", err)
	}
	pk.clamp()
	return pk, nil
}

func (k *PrivateKey) clamp() {
	k[0] &= 248
	k[31] = (k[31] & 127) | 64
}

// IsZero reports whether k is the all-zero key (never a valid private key).
func (k PrivateKey) IsZero() bool {
	var zero PrivateKey
	return subtle.ConstantTimeCompare(zero[:], k[:]) == 1
}

// Public computes the X25519 public key for this private scalar.
func (k PrivateKey) Public() PublicKey {
	var pub [KeySize]byte
	curve25519.ScalarBaseMult(&pub, (*[KeySize]byte)(&k))
	return PublicKey(pub)
}

// sharedSecret performs the raw X25519 scalar multiplication; callers pass
// the result through HKDF via DeriveShared rather than using it directly.
func (k PrivateKey) sharedSecret(pub PublicKey) ([KeySize]byte, error) {
	var ss [KeySize]byte
	apk := (*[KeySize]byte)(&pub)
	ask := (*[KeySize]byte)(&k)
	curve25519.ScalarMult(&ss, ask, apk)

	// Reject the all-zero output: this only happens for a small-order /
	// malicious public key and must never be used as key material.
	var zero [KeySize]byte
	if subtle.ConstantTimeCompare(zero[:], ss[:]) == 1 {
		return [KeySize]byte{}, errors.New("cryptoservice: ECDH produced a contributory-free (zero) shared secret")
	}
	return ss, nil
}

func (k PrivateKey) Equal(other PrivateKey) bool {
	return subtle.ConstantTimeCompare(k[:], other[:]) == 1
}

func (k PublicKey) Equal(other PublicKey) bool {
	return subtle.ConstantTimeCompare(k[:], other[:]) == 1
}

func (k PrivateKey) Base64() string { return base64.StdEncoding.EncodeToString(k[:]) }
func (k PublicKey) Base64() string  { return base64.StdEncoding.EncodeToString(k[:]) }
func (k SymmetricKey) Base64() string { return base64.StdEncoding.EncodeToString(k[:]) }

func ParsePublicKeyBase64(s string) (PublicKey, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("cryptoservice: parse public key: %w", err)
	}
	if len(b) != KeySize {
		return PublicKey{}, fmt.Errorf("cryptoservice: public key must decode to %d bytes, got %d", KeySize, len(b))
	}
	var k PublicKey
	copy(k[:], b)
	return k, nil
}

func ParsePrivateKeyBase64(s string) (PrivateKey, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return PrivateKey{}, fmt.Errorf("cryptoservice: parse private key: %w", err)
	}
	if len(b) != KeySize {
		return PrivateKey{}, fmt.Errorf("cryptoservice: private key must decode to %d bytes, got %d", KeySize, len(b))
	}
	var k PrivateKey
	copy(k[:], b)
	return k, nil
}

func ParseSymmetricKeyBase64(s string) (SymmetricKey, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return SymmetricKey{}, fmt.Errorf("cryptoservice: parse symmetric key: %w", err)
	}
	if len(b) != KeySize {
		return SymmetricKey{}, fmt.Errorf("cryptoservice: symmetric key must decode to %d bytes, got %d", KeySize, len(b))
	}
	var k SymmetricKey
	copy(k[:], b)
	return k, nil
}
