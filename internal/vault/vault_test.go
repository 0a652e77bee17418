package vault

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

var testKey = bytes.Repeat([]byte{0x42}, MinKeyLength)

func TestNewRejectsShortKey(t *testing.T) {
	_, err := New(nil)
	require.ErrorIs(t, err, ErrKeyTooShort)

	_, err = New(make([]byte, MinKeyLength-1))
	require.ErrorIs(t, err, ErrKeyTooShort)
}

func TestRoundTrip(t *testing.T) {
	v, err := New(testKey)
	require.NoError(t, err)

	inputs := [][]byte{
		{},
		[]byte("a"),
		[]byte("abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"),
		bytes.Repeat([]byte{0xff}, 4096),
	}
	for _, in := range inputs {
		sealed, err := v.Encrypt(in)
		require.NoError(t, err)
		out, err := v.Decrypt(sealed)
		require.NoError(t, err)
		require.True(t, bytes.Equal(in, out))
	}
}

func TestFreshNoncePerCall(t *testing.T) {
	v, err := New(testKey)
	require.NoError(t, err)

	a, err := v.Encrypt([]byte("seed"))
	require.NoError(t, err)
	b, err := v.Encrypt([]byte("seed"))
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestTamperedCiphertextFails(t *testing.T) {
	v, err := New(testKey)
	require.NoError(t, err)

	sealed, err := v.Encrypt([]byte("master seed material"))
	require.NoError(t, err)

	for i := range sealed {
		tampered := append([]byte(nil), sealed...)
		tampered[i] ^= 0x01
		_, err := v.Decrypt(tampered)
		require.ErrorIs(t, err, ErrCorruptedSecret, "byte %d", i)
	}
}

func TestTruncatedCiphertextFails(t *testing.T) {
	v, err := New(testKey)
	require.NoError(t, err)

	sealed, err := v.Encrypt([]byte("master seed material"))
	require.NoError(t, err)

	for n := 0; n < len(sealed); n++ {
		_, err := v.Decrypt(sealed[:n])
		require.ErrorIs(t, err, ErrCorruptedSecret)
	}
}

func TestWrongKeyFails(t *testing.T) {
	v1, err := New(testKey)
	require.NoError(t, err)
	v2, err := New(bytes.Repeat([]byte{0x43}, MinKeyLength))
	require.NoError(t, err)

	sealed, err := v1.Encrypt([]byte("secret"))
	require.NoError(t, err)
	_, err = v2.Decrypt(sealed)
	require.ErrorIs(t, err, ErrCorruptedSecret)
}
