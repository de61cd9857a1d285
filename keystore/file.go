package keystore

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hypoclip/sync-core/cryptoservice"
)

// FileSecretStore persists keys to a single JSON file, each secret sealed
// at rest with cryptoservice's AEAD under a caller-supplied master key
// (hypo-syncd reads it from, or creates it as, master.key in its state
// directory). This is the default backend described in the package doc,
// not a substitute for a real platform keychain.
type FileSecretStore struct {
	mu   sync.Mutex
	path string
	key  cryptoservice.SymmetricKey
}

type fileEntry struct {
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
	Tag        string `json:"tag"`
}

// NewFileSecretStore opens (or creates) a store at path, encrypting
// entries under masterKey.
func NewFileSecretStore(path string, masterKey cryptoservice.SymmetricKey) *FileSecretStore {
	return &FileSecretStore{path: path, key: masterKey}
}

func (f *FileSecretStore) readAll() (map[string]fileEntry, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return map[string]fileEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return map[string]fileEntry{}, nil
	}
	var m map[string]fileEntry
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("keystore: parse store file: %w", err)
	}
	return m, nil
}

func (f *FileSecretStore) writeAll(m map[string]fileEntry) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(f.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	return os.WriteFile(f.path, data, 0o600)
}

func (f *FileSecretStore) Save(key string, secret [cryptoservice.KeySize]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	m, err := f.readAll()
	if err != nil {
		return err
	}

	sealed, err := cryptoservice.Seal(secret[:], f.key, []byte(key))
	if err != nil {
		return fmt.Errorf("keystore: seal secret: %w", err)
	}

	m[key] = fileEntry{
		Ciphertext: base64.StdEncoding.EncodeToString(sealed.Ciphertext),
		Nonce:      base64.StdEncoding.EncodeToString(sealed.Nonce[:]),
		Tag:        base64.StdEncoding.EncodeToString(sealed.Tag[:]),
	}
	return f.writeAll(m)
}

func (f *FileSecretStore) Load(key string) ([cryptoservice.KeySize]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	m, err := f.readAll()
	if err != nil {
		return [cryptoservice.KeySize]byte{}, err
	}
	entry, ok := m[key]
	if !ok {
		return [cryptoservice.KeySize]byte{}, ErrNotFound
	}

	ciphertext, err := base64.StdEncoding.DecodeString(entry.Ciphertext)
	if err != nil {
		return [cryptoservice.KeySize]byte{}, err
	}
	nonceBytes, err := base64.StdEncoding.DecodeString(entry.Nonce)
	if err != nil || len(nonceBytes) != cryptoservice.NonceSize {
		return [cryptoservice.KeySize]byte{}, fmt.Errorf("keystore: bad nonce for %q", key)
	}
	tagBytes, err := base64.StdEncoding.DecodeString(entry.Tag)
	if err != nil || len(tagBytes) != cryptoservice.TagSize {
		return [cryptoservice.KeySize]byte{}, fmt.Errorf("keystore: bad tag for %q", key)
	}

	var nonce [cryptoservice.NonceSize]byte
	copy(nonce[:], nonceBytes)
	var tag [cryptoservice.TagSize]byte
	copy(tag[:], tagBytes)

	plaintext, err := cryptoservice.Open(ciphertext, f.key, nonce, tag, []byte(key))
	if err != nil {
		return [cryptoservice.KeySize]byte{}, fmt.Errorf("keystore: decrypt secret: %w", err)
	}
	var secret [cryptoservice.KeySize]byte
	copy(secret[:], plaintext)
	return secret, nil
}

func (f *FileSecretStore) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	m, err := f.readAll()
	if err != nil {
		return err
	}
	delete(m, key)
	return f.writeAll(m)
}
