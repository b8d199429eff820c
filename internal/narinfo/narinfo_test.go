package narinfo_test

import (
	"crypto/ed25519"
	"strings"
	"testing"

	"github.com/flokli/nixcached/internal/narinfo"
	"github.com/flokli/nixcached/internal/nixhash"
	"github.com/flokli/nixcached/internal/storepath"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dir = storepath.DefaultDirectory

func samplePath(t *testing.T, name string) storepath.Path {
	t.Helper()
	p, err := storepath.MakeTextPath(dir, name, []byte(name), nil)
	require.NoError(t, err)
	return p
}

func sampleInfo(t *testing.T) narinfo.NarInfo {
	t.Helper()
	narHash := nixhash.SHA256Of([]byte("nar contents"))
	return narinfo.NarInfo{
		StorePath:   samplePath(t, "hello"),
		URL:         "nar/abc123.nar.xz",
		Compression: "xz",
		NarHash:     narHash,
		NarSize:     1234,
		References:  []storepath.Path{samplePath(t, "hello")},
		System:      "x86_64-linux",
	}
}

func TestStringParseRoundTrip(t *testing.T) {
	n := sampleInfo(t)
	text := n.String()
	assert.True(t, strings.Contains(text, "StorePath: "))

	parsed, err := narinfo.Parse(dir, text)
	require.NoError(t, err)
	assert.Equal(t, n.StorePath, parsed.StorePath)
	assert.Equal(t, n.URL, parsed.URL)
	assert.Equal(t, n.Compression, parsed.Compression)
	assert.True(t, n.NarHash.Equal(parsed.NarHash))
	assert.Equal(t, n.NarSize, parsed.NarSize)
	assert.Equal(t, n.System, parsed.System)
	require.Len(t, parsed.References, 1)
	assert.Equal(t, n.References[0], parsed.References[0])
}

func TestSignVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	n := sampleInfo(t)
	n.Sign("cache.example.org-1", priv)
	require.Len(t, n.Sigs, 1)
	assert.True(t, n.Verify("cache.example.org-1", pub))

	otherPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	assert.False(t, n.Verify("cache.example.org-1", otherPub))
}

func TestVerifyFailsAfterTampering(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	n := sampleInfo(t)
	n.Sign("cache.example.org-1", priv)
	n.NarSize = 99999

	assert.False(t, n.Verify("cache.example.org-1", pub))
}

func TestFingerprintOrdersReferences(t *testing.T) {
	a := samplePath(t, "a")
	b := samplePath(t, "b")
	f1 := narinfo.Fingerprint(samplePath(t, "x"), nixhash.SHA256Of(nil), 1, []storepath.Path{b, a})
	f2 := narinfo.Fingerprint(samplePath(t, "x"), nixhash.SHA256Of(nil), 1, []storepath.Path{a, b})
	assert.Equal(t, f1, f2)
}
