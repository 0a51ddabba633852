package secure

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	t.Parallel()

	key, err := GenerateKey()
	require.NoError(t, err)

	for _, pt := range [][]byte{{}, []byte("a"), []byte("hello world"), make([]byte, 4096)} {
		ct, err := Seal(key, pt)
		require.NoError(t, err)
		assert.Len(t, ct, nonceSize+len(pt)+tagSize)

		got, err := Open(key, ct)
		require.NoError(t, err)
		assert.Equal(t, len(pt), len(got))
		assert.Equal(t, string(pt), string(got))
	}
}

func TestSealUsesFreshNonce(t *testing.T) {
	t.Parallel()

	key, err := GenerateKey()
	require.NoError(t, err)

	a, err := Seal(key, []byte("same"))
	require.NoError(t, err)
	b, err := Seal(key, []byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestOpenRejects(t *testing.T) {
	t.Parallel()

	key, err := GenerateKey()
	require.NoError(t, err)
	other, err := GenerateKey()
	require.NoError(t, err)

	ct, err := Seal(key, []byte("payload"))
	require.NoError(t, err)

	tampered := append([]byte(nil), ct...)
	tampered[len(tampered)-1] ^= 0x01

	tests := []struct {
		name string
		key  *Key
		data []byte
	}{
		{name: "wrong key", key: other, data: ct},
		{name: "tampered tag", key: key, data: tampered},
		{name: "too short", key: key, data: ct[:10]},
		{name: "empty", key: key, data: nil},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Open(tt.key, tt.data)
			assert.ErrorIs(t, err, ErrDecrypt)
		})
	}
}

func TestLegacyRoundTrip(t *testing.T) {
	t.Parallel()

	key, err := GenerateKey()
	require.NoError(t, err)

	for _, pt := range []string{"", "short", "exactly sixteen!", "a longer legacy value spanning blocks"} {
		ct, err := SealLegacy(key, []byte(pt))
		require.NoError(t, err)
		assert.Zero(t, len(ct)%16)

		got, err := OpenLegacy(key, ct)
		require.NoError(t, err)
		assert.Equal(t, pt, string(got))
	}
}

func TestOpenLegacyRejectsGarbage(t *testing.T) {
	t.Parallel()

	key, err := GenerateKey()
	require.NoError(t, err)

	_, err = OpenLegacy(key, []byte("not a multiple of block size"))
	assert.ErrorIs(t, err, ErrDecrypt)

	gcm, err := Seal(key, []byte("gcm data is not legacy"))
	require.NoError(t, err)
	_, err = OpenLegacy(key, gcm)
	assert.Error(t, err)
}
