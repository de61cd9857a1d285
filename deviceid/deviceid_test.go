package deviceid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeStripsPlatformPrefix(t *testing.T) {
	require.Equal(t, ID("11111111-1111-1111-1111-111111111111"), Normalize("macos-11111111-1111-1111-1111-111111111111"))
	require.Equal(t, ID("11111111-1111-1111-1111-111111111111"), Normalize("ANDROID-11111111-1111-1111-1111-111111111111"))
	require.Equal(t, ID("11111111-1111-1111-1111-111111111111"), Normalize("11111111-1111-1111-1111-111111111111"))
}

func TestEqualAcrossPrefixedForms(t *testing.T) {
	require.True(t, Equal("macos-ABCD", "android-abcd"))
	require.True(t, Equal("macos-ABCD", "abcd"))
	require.False(t, Equal("macos-ABCD", "macos-abce"))
}
