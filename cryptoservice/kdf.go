package cryptoservice

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveShared performs X25519 ECDH between ownPriv and peerPub, then
// HKDF-SHA256-expands the raw shared point into a 32-byte symmetric key.
// The raw ECDH output is never used as key material directly.
//
// salt and info are both optional; nil selects that HKDF argument's
// zero-value default. Two peers calling this with swapped
// (ownPriv, peerPub) <-> (peerPriv, ownPub) and identical salt/info always
// derive the same key.
func DeriveShared(ownPriv PrivateKey, peerPub PublicKey, salt, info []byte) (SymmetricKey, error) {
	ss, err := ownPriv.sharedSecret(peerPub)
	if err != nil {
		return SymmetricKey{}, fmt.Errorf("cryptoservice: derive shared key: %w", err)
	}
	defer zero(ss[:])

	reader := hkdf.New(sha256.New, ss[:], salt, info)

	var key SymmetricKey
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		return SymmetricKey{}, fmt.Errorf("cryptoservice: hkdf expand: %w", err)
	}
	return key, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
