package cryptbox

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	box, err := New("super-secret-key-material")
	require.NoError(t, err)
	require.True(t, box.Enabled())

	ciphertext, err := box.Encrypt("hunter2")
	require.NoError(t, err)
	require.Contains(t, ciphertext, "enc:")

	plaintext, err := box.Decrypt(ciphertext)
	require.NoError(t, err)
	require.Equal(t, "hunter2", plaintext)
}

func TestPassthroughWithoutKey(t *testing.T) {
	box, err := New("")
	require.NoError(t, err)
	require.False(t, box.Enabled())

	stored, err := box.Encrypt("plain")
	require.NoError(t, err)
	require.Equal(t, "plain", stored)

	plaintext, err := box.Decrypt("plain")
	require.NoError(t, err)
	require.Equal(t, "plain", plaintext)
}

func TestDecryptPlaintextWhenKeyConfiguredLater(t *testing.T) {
	box, err := New("another-key")
	require.NoError(t, err)

	plaintext, err := box.Decrypt("never-encrypted")
	require.NoError(t, err)
	require.Equal(t, "never-encrypted", plaintext)
}

func TestEmptyValueNotEncrypted(t *testing.T) {
	box, err := New("k")
	require.NoError(t, err)
	out, err := box.Encrypt("")
	require.NoError(t, err)
	require.Equal(t, "", out)
}
