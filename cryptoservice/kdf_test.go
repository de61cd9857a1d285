package cryptoservice

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// Two independent derivations from opposite sides of an ECDH exchange agree.
func TestDeriveSharedAgreement(t *testing.T) {
	privA, err := NewPrivateKey()
	require.NoError(t, err)
	privB, err := NewPrivateKey()
	require.NoError(t, err)

	pubA := privA.Public()
	pubB := privB.Public()

	keyA, err := DeriveShared(privA, pubB, []byte("salt"), []byte("info"))
	require.NoError(t, err)
	keyB, err := DeriveShared(privB, pubA, []byte("salt"), []byte("info"))
	require.NoError(t, err)

	require.Equal(t, keyA, keyB)
}

func TestDeriveSharedDiffersPerPeer(t *testing.T) {
	privA, _ := NewPrivateKey()
	privB, _ := NewPrivateKey()
	privC, _ := NewPrivateKey()

	keyAB, err := DeriveShared(privA, privB.Public(), nil, nil)
	require.NoError(t, err)
	keyAC, err := DeriveShared(privA, privC.Public(), nil, nil)
	require.NoError(t, err)

	require.NotEqual(t, keyAB, keyAC)
}

func TestDeriveSharedDifferentInfoDiffers(t *testing.T) {
	privA, _ := NewPrivateKey()
	privB, _ := NewPrivateKey()

	k1, err := DeriveShared(privA, privB.Public(), nil, []byte("session"))
	require.NoError(t, err)
	k2, err := DeriveShared(privA, privB.Public(), nil, []byte("pairing"))
	require.NoError(t, err)

	require.NotEqual(t, k1, k2)
}

func TestPublicKeyDeterministic(t *testing.T) {
	priv, err := NewPrivateKey()
	require.NoError(t, err)
	require.Equal(t, priv.Public(), priv.Public())
}
