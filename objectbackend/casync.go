package objectbackend

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/folbricht/desync"
)

// Casync stores objects as content-defined-chunked blobs: each Put runs
// the object through desync's chunker and writes an index keyed by the
// object's key, so that objects sharing runs of identical bytes (e.g.
// successive versions of the same NAR) share chunks on disk.
type Casync struct {
	chunkStore desync.WriteStore
	indexStore desync.IndexWriteStore

	concurrency               int
	chunkSizeMin, chunkSizeAvg, chunkSizeMax uint64
}

// NewCasync constructs a Casync backend rooted at root, storing chunks
// under root/chunks and indexes under root/index.
func NewCasync(root string) (*Casync, error) {
	chunkDir := filepath.Join(root, "chunks")
	if err := os.MkdirAll(chunkDir, 0o755); err != nil {
		return nil, err
	}
	chunkStore, err := desync.NewLocalStore(chunkDir, desync.StoreOptions{})
	if err != nil {
		return nil, err
	}

	indexDir := filepath.Join(root, "index")
	if err := os.MkdirAll(indexDir, 0o755); err != nil {
		return nil, err
	}
	indexStore, err := desync.NewLocalIndexStore(indexDir)
	if err != nil {
		return nil, err
	}

	return &Casync{
		chunkStore:   chunkStore,
		indexStore:   indexStore,
		concurrency:  4,
		chunkSizeMin: 64 * 1024 / 4,
		chunkSizeAvg: 64 * 1024,
		chunkSizeMax: 64 * 1024 * 4,
	}, nil
}

func (c *Casync) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	idx, err := c.indexStore.GetIndex(indexName(key))
	if os.IsNotExist(err) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, err
	}

	tmp, err := os.CreateTemp("", "nixcached-casync-*")
	if err != nil {
		return nil, 0, err
	}
	if _, err := desync.AssembleFile(ctx, tmp.Name(), idx, c.chunkStore, nil, c.concurrency, nil); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, 0, err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, 0, err
	}
	return &deleteOnClose{File: tmp}, idx.Length(), nil
}

func (c *Casync) Put(ctx context.Context, key string, r io.Reader) error {
	tmp, err := os.CreateTemp("", "nixcached-casync-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if _, err := io.Copy(tmp, r); err != nil {
		return err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return err
	}

	chunker, err := desync.NewChunker(tmp, c.chunkSizeMin, c.chunkSizeAvg, c.chunkSizeMax)
	if err != nil {
		return err
	}
	idx, err := desync.ChunkStream(ctx, chunker, c.chunkStore, c.concurrency)
	if err != nil {
		return err
	}
	return c.indexStore.StoreIndex(indexName(key), idx)
}

func (c *Casync) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.indexStore.GetIndex(indexName(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

func (c *Casync) Close() error { return nil }

// indexName maps an object key to the flat filename desync's index store
// expects, since keys may contain slashes but the index store is a flat
// namespace of ".caidx" files.
func indexName(key string) string {
	out := make([]byte, len(key))
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			out[i] = '_'
		} else {
			out[i] = key[i]
		}
	}
	return string(out)
}

type deleteOnClose struct {
	*os.File
}

func (d *deleteOnClose) Close() error {
	defer os.Remove(d.File.Name())
	return d.File.Close()
}
