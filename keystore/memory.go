package keystore

import (
	"sync"

	"github.com/hypoclip/sync-core/cryptoservice"
)

// MemorySecretStore is a SecretStore backed by a plain map, for tests and
// for platforms where no durable secure store is wired in yet.
type MemorySecretStore struct {
	mu    sync.Mutex
	items map[string][cryptoservice.KeySize]byte
}

func NewMemorySecretStore() *MemorySecretStore {
	return &MemorySecretStore{items: make(map[string][cryptoservice.KeySize]byte)}
}

func (m *MemorySecretStore) Save(key string, secret [cryptoservice.KeySize]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = secret
	return nil
}

func (m *MemorySecretStore) Load(key string) ([cryptoservice.KeySize]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	secret, ok := m.items[key]
	if !ok {
		return [cryptoservice.KeySize]byte{}, ErrNotFound
	}
	return secret, nil
}

func (m *MemorySecretStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}
