package storepath_test

import (
	"strings"
	"testing"

	"github.com/flokli/nixcached/internal/nixhash"
	"github.com/flokli/nixcached/internal/storepath"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeTextPath(t *testing.T) {
	// scenario 1 from the store-path protocol's worked examples:
	// add_text_to_store("hello", "Hello, World!\n", {}) on /nix/store
	// must produce /nix/store/<H>-hello.
	contents := []byte("Hello, World!\n")
	p, err := storepath.MakeTextPath(storepath.DefaultDirectory, "hello", contents, nil)
	require.NoError(t, err)

	assert.Equal(t, "hello", p.Name)
	assert.Equal(t, "g9fi3mga6935j09fasazcks3f9cpb4vh", p.HashPart)
	assert.Equal(t, string(storepath.DefaultDirectory)+"/g9fi3mga6935j09fasazcks3f9cpb4vh-hello", p.String())
}

func TestMakeFixedOutputPathFlat(t *testing.T) {
	h, err := nixhash.ParseTyped("sha256:" + strings.Repeat("0", 64))
	require.NoError(t, err)

	p, err := storepath.MakeFixedOutputPath(storepath.DefaultDirectory, "foo.tar.gz", storepath.Flat, h)
	require.NoError(t, err)
	assert.Equal(t, "foo.tar.gz", p.Name)
	assert.Equal(t, "6wa5dwzfwqs0kvfaxs0l2c8g3f37213a", p.HashPart)
}

func TestParseRoundTrip(t *testing.T) {
	p, err := storepath.MakeTextPath(storepath.DefaultDirectory, "hello", []byte("hi"), nil)
	require.NoError(t, err)

	parsed, err := storepath.Parse(storepath.DefaultDirectory, p.String())
	require.NoError(t, err)
	assert.Equal(t, p, parsed)
}

func TestValidateNameRejectsBadNames(t *testing.T) {
	assert.Error(t, storepath.ValidateName(""))
	assert.Error(t, storepath.ValidateName(".hidden"))
	assert.Error(t, storepath.ValidateName("has space"))

	long := make([]byte, 212)
	for i := range long {
		long[i] = 'a'
	}
	assert.Error(t, storepath.ValidateName(string(long)))

	assert.NoError(t, storepath.ValidateName("hello-1.2.3+x_y?=z"))
}

func TestMakeTextPathStableUnderReferenceOrder(t *testing.T) {
	ref1, err := storepath.MakeTextPath(storepath.DefaultDirectory, "a", []byte("a"), nil)
	require.NoError(t, err)
	ref2, err := storepath.MakeTextPath(storepath.DefaultDirectory, "b", []byte("b"), nil)
	require.NoError(t, err)

	p1, err := storepath.MakeTextPath(storepath.DefaultDirectory, "c", []byte("c"), []storepath.Path{ref1, ref2})
	require.NoError(t, err)
	p2, err := storepath.MakeTextPath(storepath.DefaultDirectory, "c", []byte("c"), []storepath.Path{ref2, ref1})
	require.NoError(t, err)

	assert.Equal(t, p1, p2)
}
