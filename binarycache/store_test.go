package binarycache_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"io"
	"testing"

	"github.com/flokli/nixcached/binarycache"
	"github.com/flokli/nixcached/internal/narinfo"
	"github.com/flokli/nixcached/internal/nixhash"
	"github.com/flokli/nixcached/internal/storepath"
	"github.com/flokli/nixcached/internal/wire"
	"github.com/flokli/nixcached/objectbackend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeNAR(t *testing.T, contents string) []byte {
	t.Helper()
	var buf bytes.Buffer
	for _, tok := range []string{"nix-archive-1", "(", "type", "regular", "contents"} {
		require.NoError(t, wire.WriteString(&buf, tok))
	}
	require.NoError(t, wire.WriteString(&buf, contents))
	require.NoError(t, wire.WriteString(&buf, ")"))
	return buf.Bytes()
}

func newStore(t *testing.T) *binarycache.Store {
	t.Helper()
	return &binarycache.Store{
		Dir:     storepath.DefaultDirectory,
		Backend: objectbackend.NewMemory(),
	}
}

func samplePath(t *testing.T) storepath.Path {
	t.Helper()
	p, err := storepath.MakeTextPath(storepath.DefaultDirectory, "hello", []byte("hello"), nil)
	require.NoError(t, err)
	return p
}

func TestIngestAndRead(t *testing.T) {
	s := newStore(t)
	p := samplePath(t)
	ctx := context.Background()

	ni, err := s.Ingest(ctx, narinfo.NarInfo{StorePath: p, System: "x86_64-linux"}, bytes.NewReader(fakeNAR(t, "hi")), binarycache.IngestOptions{})
	require.NoError(t, err)
	assert.Equal(t, p, ni.StorePath)

	r, gotInfo, err := s.Read(ctx, p)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, fakeNAR(t, "hi"), data)
	assert.Equal(t, ni.NarHash, gotInfo.NarHash)
}

func TestIngestRejectsBadMagic(t *testing.T) {
	s := newStore(t)
	p := samplePath(t)
	_, err := s.Ingest(context.Background(), narinfo.NarInfo{StorePath: p}, bytes.NewReader([]byte("not a nar")), binarycache.IngestOptions{})
	assert.True(t, errors.Is(err, binarycache.ErrFormatError))
}

func TestGetNarInfoNotFound(t *testing.T) {
	s := newStore(t)
	_, err := s.GetNarInfo(context.Background(), samplePath(t))
	assert.True(t, errors.Is(err, binarycache.ErrNoSuchBinaryCacheFile))
}

func TestIngestSignsWhenKeyConfigured(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	s := newStore(t)
	s.SignKeyName = "test-1"
	s.SignKey = priv

	p := samplePath(t)
	ni, err := s.Ingest(context.Background(), narinfo.NarInfo{StorePath: p}, bytes.NewReader(fakeNAR(t, "hi")), binarycache.IngestOptions{})
	require.NoError(t, err)
	require.Len(t, ni.Sigs, 1)
	assert.True(t, ni.Verify("test-1", pub))
}

func TestList(t *testing.T) {
	s := newStore(t)
	p := samplePath(t)
	ctx := context.Background()
	_, err := s.Ingest(ctx, narinfo.NarInfo{StorePath: p}, bytes.NewReader(fakeNAR(t, "hi")), binarycache.IngestOptions{})
	require.NoError(t, err)

	listing, err := s.List(ctx, p)
	require.NoError(t, err)
	assert.Contains(t, string(listing), `"regular"`)
}

func TestIngestFailsOnMissingReference(t *testing.T) {
	s := newStore(t)
	p := samplePath(t)
	ctx := context.Background()

	missing, err := storepath.MakeTextPath(storepath.DefaultDirectory, "gone", []byte("gone"), nil)
	require.NoError(t, err)

	_, err = s.Ingest(ctx, narinfo.NarInfo{StorePath: p, References: []storepath.Path{missing}}, bytes.NewReader(fakeNAR(t, "hi")), binarycache.IngestOptions{})
	assert.True(t, errors.Is(err, binarycache.ErrMissingReference))
}

func TestIngestSelfReferenceIsAllowed(t *testing.T) {
	s := newStore(t)
	p := samplePath(t)
	ctx := context.Background()

	ni, err := s.Ingest(ctx, narinfo.NarInfo{StorePath: p, References: []storepath.Path{p}}, bytes.NewReader(fakeNAR(t, "hi")), binarycache.IngestOptions{})
	require.NoError(t, err)
	assert.Equal(t, []storepath.Path{p}, ni.References)
}

func TestIngestShortCircuitsWhenAlreadyValid(t *testing.T) {
	s := newStore(t)
	p := samplePath(t)
	ctx := context.Background()

	first, err := s.Ingest(ctx, narinfo.NarInfo{StorePath: p}, bytes.NewReader(fakeNAR(t, "hi")), binarycache.IngestOptions{})
	require.NoError(t, err)

	second, err := s.Ingest(ctx, narinfo.NarInfo{StorePath: p}, bytes.NewReader(fakeNAR(t, "unused")), binarycache.IngestOptions{})
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestIngestAvertsReuploadOfIdenticalNARContent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	p1, err := storepath.MakeTextPath(storepath.DefaultDirectory, "hello", []byte("hello"), nil)
	require.NoError(t, err)
	_, err = s.Ingest(ctx, narinfo.NarInfo{StorePath: p1}, bytes.NewReader(fakeNAR(t, "hi")), binarycache.IngestOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 0, s.Averted)

	// A second store path whose NAR happens to have byte-identical
	// contents finds the compressed object already there and skips
	// reuploading it, but still counted.
	p2, err := storepath.MakeTextPath(storepath.DefaultDirectory, "hello2", []byte("hello2"), nil)
	require.NoError(t, err)
	_, err = s.Ingest(ctx, narinfo.NarInfo{StorePath: p2}, bytes.NewReader(fakeNAR(t, "hi")), binarycache.IngestOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, s.Averted)
}

func TestIngestChecksSigsWhenRequested(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	s := newStore(t)
	s.TrustedKeys = map[string]ed25519.PublicKey{"upstream-1": pub}

	p := samplePath(t)
	ctx := context.Background()

	_, err = s.Ingest(ctx, narinfo.NarInfo{StorePath: p}, bytes.NewReader(fakeNAR(t, "hi")), binarycache.IngestOptions{CheckSigs: true})
	assert.True(t, errors.Is(err, binarycache.ErrFormatError))

	raw := fakeNAR(t, "hi")
	narHash := nixhash.SHA256Of(raw)
	signed := narinfo.NarInfo{StorePath: p, NarHash: narHash, NarSize: uint64(len(raw))}
	signed.Sign("upstream-1", priv)

	ni, err := s.Ingest(ctx, signed, bytes.NewReader(fakeNAR(t, "hi")), binarycache.IngestOptions{CheckSigs: true, Repair: true})
	require.NoError(t, err)
	assert.Equal(t, p, ni.StorePath)
}

func TestAddText(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	ni, err := s.AddText(ctx, "greeting", []byte("hello world"), nil)
	require.NoError(t, err)
	assert.Equal(t, "greeting", ni.StorePath.Name)
	assert.Contains(t, ni.CA, "text:sha256:")

	r, _, err := s.Read(ctx, ni.StorePath)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}

func TestAddSignatures(t *testing.T) {
	s := newStore(t)
	p := samplePath(t)
	ctx := context.Background()

	_, err := s.Ingest(ctx, narinfo.NarInfo{StorePath: p}, bytes.NewReader(fakeNAR(t, "hi")), binarycache.IngestOptions{})
	require.NoError(t, err)

	ni, err := s.AddSignatures(ctx, p, []string{"cache-1:deadbeef"})
	require.NoError(t, err)
	assert.Contains(t, ni.Sigs, "cache-1:deadbeef")

	// Adding the same signature again is idempotent.
	ni, err = s.AddSignatures(ctx, p, []string{"cache-1:deadbeef"})
	require.NoError(t, err)
	assert.Len(t, ni.Sigs, 1)
}
