package nixbase32_test

import (
	"testing"

	"github.com/flokli/nixcached/internal/nixbase32"
	"github.com/stretchr/testify/assert"
)

func TestRoundTrip(t *testing.T) {
	cases := [][]byte{
		make([]byte, 20),
		make([]byte, 32),
		{0xff, 0x00, 0xab, 0xcd, 0xef},
	}
	for i := range cases[0] {
		cases[0][i] = byte(i)
	}
	for i := range cases[1] {
		cases[1][i] = byte(255 - i)
	}

	for _, c := range cases {
		encoded := nixbase32.EncodeToString(c)
		decoded, err := nixbase32.DecodeString(encoded)
		assert.NoError(t, err)
		assert.Equal(t, c, decoded)
	}
}

func TestEncodedLen(t *testing.T) {
	assert.Equal(t, 32, nixbase32.EncodedLen(20))
	assert.Equal(t, 52, nixbase32.EncodedLen(32))
}

func TestAlphabetExcludesEOTU(t *testing.T) {
	for _, c := range []byte{'e', 'o', 't', 'u'} {
		assert.NotContains(t, nixbase32.Alphabet, string(c))
	}
}

func TestKnownVector(t *testing.T) {
	// "dr76fsw7d6ws3pymafx0w0sn4rzbw7c9" is the real hash part of
	// /nix/store/dr76fsw7d6ws3pymafx0w0sn4rzbw7c9-etc-os-release.
	const encoded = "dr76fsw7d6ws3pymafx0w0sn4rzbw7c9"
	decoded, err := nixbase32.DecodeString(encoded)
	assert.NoError(t, err)
	assert.Len(t, decoded, 20)
	assert.Equal(t, encoded, nixbase32.EncodeToString(decoded))
}

func TestValidateString(t *testing.T) {
	assert.NoError(t, nixbase32.ValidateString("09azky"))
	assert.Error(t, nixbase32.ValidateString("hello-world"))
	assert.Error(t, nixbase32.ValidateString("etou"))
}
