package escrow

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealRoundTripBindsEscrow(t *testing.T) {
	s, err := NewSealer(bytes.Repeat([]byte{1}, KeySize))
	require.NoError(t, err)

	sealed, err := s.Seal("e1", []byte("user: a / pass: b"))
	require.NoError(t, err)
	require.NotContains(t, string(sealed), "pass")
	require.Equal(t, sealVersion, sealed[0])

	plain, err := s.Open("e1", sealed)
	require.NoError(t, err)
	require.Equal(t, "user: a / pass: b", string(plain))

	_, err = s.Open("e2", sealed)
	require.ErrorIs(t, err, ErrSealedProof)

	sealed[len(sealed)-1] ^= 0xff
	_, err = s.Open("e1", sealed)
	require.ErrorIs(t, err, ErrSealedProof)

	_, err = s.Open("e1", []byte{sealVersion})
	require.ErrorIs(t, err, ErrSealedProof)
}

func TestKeyParsing(t *testing.T) {
	key := bytes.Repeat([]byte{0xab}, KeySize)
	for _, enc := range []string{hex.EncodeToString(key), base64.StdEncoding.EncodeToString(key)} {
		got, err := ParseKey(enc)
		require.NoError(t, err)
		require.Equal(t, key, got)
	}
	_, err := ParseKey("short")
	require.Error(t, err)
	_, err = NewSealer([]byte("short"))
	require.Error(t, err)
}
