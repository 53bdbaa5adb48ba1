package steamadapter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputeCodeIsDeterministicPerCounter(t *testing.T) {
	secret := []byte("0123456789abcdef")
	a := generateCode(secret, 12345)
	b := generateCode(secret, 12345)
	require.Equal(t, a, b)
	require.Len(t, a, codeLength)
	for _, r := range a {
		require.Contains(t, codeAlphabet, string(r))
	}

	c := generateCode(secret, 12346)
	require.NotEqual(t, a, c)
}

func TestSteamIDFromMafilePrefersSession(t *testing.T) {
	m := Mafile{SteamID: "1", Session: &MafileSession{SteamID: "76561198000000000"}}
	id, err := SteamIDFromMafile(m)
	require.NoError(t, err)
	require.Equal(t, uint64(76561198000000000), id)
}

func TestSteamIDFromMafileRejectsTooSmall(t *testing.T) {
	_, err := SteamIDFromMafile(Mafile{SteamID: "12345"})
	require.ErrorIs(t, err, errInvalidSteamID)
}

func TestSteamIDFromMafileRejectsEmpty(t *testing.T) {
	_, err := SteamIDFromMafile(Mafile{})
	require.ErrorIs(t, err, errInvalidSteamID)
}

func TestDecodeSharedSecretHandlesPaddedAndUnpadded(t *testing.T) {
	_, err := decodeSharedSecret("JBSWY3DPEHPK3PXP")
	require.NoError(t, err)

	padded, err := decodeSharedSecret("MZXW6===")
	require.NoError(t, err)
	require.Equal(t, []byte("foo"), padded)
}
