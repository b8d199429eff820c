package objectbackend_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/flokli/nixcached/objectbackend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBackendRoundTrip(t *testing.T, b objectbackend.Backend) {
	t.Helper()
	ctx := context.Background()

	exists, err := b.Exists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, exists)

	_, _, err = b.Get(ctx, "missing")
	assert.True(t, errors.Is(err, objectbackend.ErrNotFound))

	require.NoError(t, b.Put(ctx, "greeting.txt", strings.NewReader("hello, world")))

	exists, err = b.Exists(ctx, "greeting.txt")
	require.NoError(t, err)
	assert.True(t, exists)

	r, size, err := b.Get(ctx, "greeting.txt")
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello, world", string(data))
	if size >= 0 {
		assert.Equal(t, int64(len("hello, world")), size)
	}
}

func TestMemoryBackend(t *testing.T) {
	testBackendRoundTrip(t, objectbackend.NewMemory())
}

func TestDirectoryBackend(t *testing.T) {
	b, err := objectbackend.NewDirectory(t.TempDir())
	require.NoError(t, err)
	testBackendRoundTrip(t, b)
}

func TestDirectoryBackendRejectsEscape(t *testing.T) {
	b, err := objectbackend.NewDirectory(t.TempDir())
	require.NoError(t, err)
	_, err = b.Exists(context.Background(), "../../etc/passwd")
	assert.Error(t, err)
}

func TestNewUnsupportedScheme(t *testing.T) {
	_, err := objectbackend.New(context.Background(), "ftp://example.com/cache")
	assert.Error(t, err)
}
