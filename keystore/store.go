// Package keystore provides per-peer symmetric key persistence with
// device-id normalization and backward compatible lookups.
//
// The host's secure credential facility (Keychain, Credential Manager,
// Secret Service) is platform-specific; SecretStore is the injection seam a
// platform layer fills in. FileSecretStore is the default backend,
// encrypting each key at rest with cryptoservice's own AEAD under a
// store-local master key.
package keystore

import (
	"errors"
	"sync"

	"github.com/hypoclip/sync-core/cryptoservice"
	"github.com/hypoclip/sync-core/deviceid"
)

// ErrNotFound is returned by SecretStore.Load when no secret exists for the key.
var ErrNotFound = errors.New("keystore: not found")

// SecretStore is the persistence seam; a real deployment backs this with
// the host secure credential facility. Implementations need not normalize
// device ids themselves — Store does that uniformly.
type SecretStore interface {
	Save(key string, secret [cryptoservice.KeySize]byte) error
	Load(key string) (secret [cryptoservice.KeySize]byte, err error)
	Delete(key string) error
}

// Store is the device key store, layered over a SecretStore. All lookups
// normalize the device id; delete/has/load transparently fall back to
// trying the raw pre-normalization string, so pairings persisted by an
// older build (before normalization shipped) keep working. Save always
// writes under the normalized id.
type Store struct {
	mu      sync.Mutex // last-writer-wins for concurrent Save of the same id
	backend SecretStore
}

// New builds a Store over the given backend.
func New(backend SecretStore) *Store {
	return &Store{backend: backend}
}

// Save persists key for deviceID, normalizing the id. Concurrent saves for
// the same id are last-writer-wins, enforced by the mutex:
// each Save fully completes (including the backend write) before the next
// one's backend write begins, so the last Save to finish is the one whose
// value survives.
func (s *Store) Save(rawDeviceID string, key cryptoservice.SymmetricKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Save(string(deviceid.Normalize(rawDeviceID)), [cryptoservice.KeySize]byte(key))
}

// Load returns the key for deviceID, trying the normalized form first and
// falling back to the raw input for backward compatibility.
func (s *Store) Load(rawDeviceID string) (cryptoservice.SymmetricKey, bool) {
	norm := string(deviceid.Normalize(rawDeviceID))
	if secret, err := s.backend.Load(norm); err == nil {
		return cryptoservice.SymmetricKey(secret), true
	}
	if norm != rawDeviceID {
		if secret, err := s.backend.Load(rawDeviceID); err == nil {
			return cryptoservice.SymmetricKey(secret), true
		}
	}
	return cryptoservice.SymmetricKey{}, false
}

// Has reports whether a key is stored for deviceID.
func (s *Store) Has(rawDeviceID string) bool {
	_, ok := s.Load(rawDeviceID)
	return ok
}

// Delete removes any key stored for deviceID under either the normalized
// or raw form.
func (s *Store) Delete(rawDeviceID string) error {
	norm := string(deviceid.Normalize(rawDeviceID))
	err := s.backend.Delete(norm)
	if norm != rawDeviceID {
		if err2 := s.backend.Delete(rawDeviceID); err2 != nil && err == nil {
			// Ignore: most stores return nil for a no-op delete; we only
			// need the normalized-form error to propagate when both fail
			// for a reason other than "not present".
		}
	}
	return err
}
