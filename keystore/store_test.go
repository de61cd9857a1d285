package keystore

import (
	"path/filepath"
	"testing"

	"github.com/hypoclip/sync-core/cryptoservice"
	"github.com/stretchr/testify/require"
)

func key(b byte) cryptoservice.SymmetricKey {
	var k cryptoservice.SymmetricKey
	for i := range k {
		k[i] = b
	}
	return k
}

func TestSaveLoadNormalizesDeviceID(t *testing.T) {
	s := New(NewMemorySecretStore())
	k := key(0x01)

	require.NoError(t, s.Save("macos-ABCD", k))

	got, ok := s.Load("android-abcd")
	require.True(t, ok)
	require.Equal(t, k, got)
}

func TestLoadFallsBackToPreNormalizedForm(t *testing.T) {
	backend := NewMemorySecretStore()
	// simulate an older pairing that stored under the raw, prefix-carrying form
	require.NoError(t, backend.Save("macos-legacy-id", [cryptoservice.KeySize]byte(key(0x02))))

	s := New(backend)
	got, ok := s.Load("macos-legacy-id")
	require.True(t, ok)
	require.Equal(t, key(0x02), got)
}

func TestHasAndDelete(t *testing.T) {
	s := New(NewMemorySecretStore())
	require.False(t, s.Has("dev1"))

	require.NoError(t, s.Save("dev1", key(0x03)))
	require.True(t, s.Has("dev1"))

	require.NoError(t, s.Delete("dev1"))
	require.False(t, s.Has("dev1"))
}

func TestLastWriterWins(t *testing.T) {
	s := New(NewMemorySecretStore())
	require.NoError(t, s.Save("dev1", key(0x01)))
	require.NoError(t, s.Save("dev1", key(0x02)))

	got, ok := s.Load("dev1")
	require.True(t, ok)
	require.Equal(t, key(0x02), got)
}

func TestFileSecretStorePersistsEncryptedAtRest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.json")
	master := key(0x07)

	backend := NewFileSecretStore(path, master)
	s := New(backend)
	require.NoError(t, s.Save("dev1", key(0x09)))

	// reopen against the same file
	s2 := New(NewFileSecretStore(path, master))
	got, ok := s2.Load("dev1")
	require.True(t, ok)
	require.Equal(t, key(0x09), got)

	// wrong master key must not decrypt
	s3 := New(NewFileSecretStore(path, key(0x99)))
	_, ok = s3.Load("dev1")
	require.False(t, ok)
}
