package server_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/flokli/nixcached/binarycache"
	"github.com/flokli/nixcached/internal/narinfo"
	"github.com/flokli/nixcached/internal/nixhash"
	"github.com/flokli/nixcached/internal/storepath"
	"github.com/flokli/nixcached/internal/wire"
	"github.com/flokli/nixcached/objectbackend"
	"github.com/flokli/nixcached/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeNAR(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	for _, tok := range []string{"nix-archive-1", "(", "type", "regular", "contents"} {
		require.NoError(t, wire.WriteString(&buf, tok))
	}
	require.NoError(t, wire.WriteString(&buf, "hi"))
	require.NoError(t, wire.WriteString(&buf, ")"))
	return buf.Bytes()
}

func TestNixCacheInfo(t *testing.T) {
	store := &binarycache.Store{Dir: storepath.DefaultDirectory, Backend: objectbackend.NewMemory()}
	srv := server.New(store, 40, nil)

	req := httptest.NewRequest(http.MethodGet, "/nix-cache-info", nil)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "StoreDir: /nix/store")
	assert.Contains(t, rec.Body.String(), "Priority: 40")
}

func TestGetNarInfoRoundTrip(t *testing.T) {
	store := &binarycache.Store{Dir: storepath.DefaultDirectory, Backend: objectbackend.NewMemory()}
	srv := server.New(store, 40, nil)

	p, err := storepath.MakeTextPath(storepath.DefaultDirectory, "hello", []byte("hello"), nil)
	require.NoError(t, err)
	_, err = store.Ingest(context.Background(), narinfo.NarInfo{StorePath: p}, bytes.NewReader(fakeNAR(t)), binarycache.IngestOptions{})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/"+p.HashPart+".narinfo", nil)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "StorePath: "+p.String())
}

func TestPutNarThenNarInfoIsIngested(t *testing.T) {
	store := &binarycache.Store{Dir: storepath.DefaultDirectory, Backend: objectbackend.NewMemory()}
	srv := server.New(store, 40, nil)

	p, err := storepath.MakeTextPath(storepath.DefaultDirectory, "hello", []byte("hello"), nil)
	require.NoError(t, err)

	raw := fakeNAR(t)
	narHash := nixhash.SHA256Of(raw)

	putNarReq := httptest.NewRequest(http.MethodPut, "/nar/"+narHash.Base32()+".nar", bytes.NewReader(raw))
	putNarRec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(putNarRec, putNarReq)
	require.Equal(t, http.StatusOK, putNarRec.Code)

	ni := narinfo.NarInfo{StorePath: p, NarHash: narHash, NarSize: uint64(len(raw))}
	putInfoReq := httptest.NewRequest(http.MethodPut, "/"+p.HashPart+".narinfo", strings.NewReader(ni.String()))
	putInfoRec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(putInfoRec, putInfoReq)
	require.Equal(t, http.StatusOK, putInfoRec.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/"+p.HashPart+".narinfo", nil)
	getRec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)
	assert.Contains(t, getRec.Body.String(), "StorePath: "+p.String())
}

func TestPutNarInfoWithoutStagedNarFails(t *testing.T) {
	store := &binarycache.Store{Dir: storepath.DefaultDirectory, Backend: objectbackend.NewMemory()}
	srv := server.New(store, 40, nil)

	p, err := storepath.MakeTextPath(storepath.DefaultDirectory, "hello", []byte("hello"), nil)
	require.NoError(t, err)

	ni := narinfo.NarInfo{StorePath: p, NarHash: nixhash.SHA256Of([]byte("never uploaded")), NarSize: 5}
	req := httptest.NewRequest(http.MethodPut, "/"+p.HashPart+".narinfo", strings.NewReader(ni.String()))
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBuildLogServesDirectDrvLog(t *testing.T) {
	backend := objectbackend.NewMemory()
	store := &binarycache.Store{Dir: storepath.DefaultDirectory, Backend: backend}
	srv := server.New(store, 40, nil)

	drvPath, err := storepath.MakeTextPath(storepath.DefaultDirectory, "hello.drv", []byte("drv contents"), nil)
	require.NoError(t, err)
	require.NoError(t, backend.Put(context.Background(), "log/"+drvPath.Basename(), strings.NewReader("build succeeded\n")))

	req := httptest.NewRequest(http.MethodGet, "/log/"+drvPath.Basename(), nil)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "build succeeded\n", rec.Body.String())
}

func TestBuildLogResolvesDeriverFromOutput(t *testing.T) {
	backend := objectbackend.NewMemory()
	store := &binarycache.Store{Dir: storepath.DefaultDirectory, Backend: backend}
	srv := server.New(store, 40, nil)

	drvPath, err := storepath.MakeTextPath(storepath.DefaultDirectory, "hello.drv", []byte("drv contents"), nil)
	require.NoError(t, err)
	require.NoError(t, backend.Put(context.Background(), "log/"+drvPath.Basename(), strings.NewReader("build succeeded\n")))

	outPath, err := storepath.MakeTextPath(storepath.DefaultDirectory, "hello", []byte("hello"), nil)
	require.NoError(t, err)
	_, err = store.Ingest(context.Background(), narinfo.NarInfo{StorePath: outPath, Deriver: drvPath.Basename()}, bytes.NewReader(fakeNAR(t)), binarycache.IngestOptions{})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/log/"+outPath.Basename(), nil)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "build succeeded\n", rec.Body.String())
}

func TestBuildLogMissingReturnsNotFound(t *testing.T) {
	store := &binarycache.Store{Dir: storepath.DefaultDirectory, Backend: objectbackend.NewMemory()}
	srv := server.New(store, 40, nil)

	req := httptest.NewRequest(http.MethodGet, "/log/00000000000000000000000000000000-hello.drv", nil)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetNarInfoMissing(t *testing.T) {
	store := &binarycache.Store{Dir: storepath.DefaultDirectory, Backend: objectbackend.NewMemory()}
	srv := server.New(store, 40, nil)

	req := httptest.NewRequest(http.MethodGet, "/00000000000000000000000000000000.narinfo", nil)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
