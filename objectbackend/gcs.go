package objectbackend

import (
	"context"
	"errors"
	"io"
	"net/url"
	"path"
	"strings"

	"cloud.google.com/go/storage"
)

// GCS stores objects in a Google Cloud Storage bucket, configured from a
// "gs://<bucket>/<prefix>" URL.
type GCS struct {
	bucket *storage.BucketHandle
	prefix string
}

// NewGCS constructs a GCS backend from u.
func NewGCS(ctx context.Context, u *url.URL) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &GCS{
		bucket: client.Bucket(u.Host),
		prefix: strings.TrimPrefix(u.Path, "/"),
	}, nil
}

func (g *GCS) object(key string) *storage.ObjectHandle {
	return g.bucket.Object(path.Join(g.prefix, key))
}

func (g *GCS) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	r, err := g.object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	return r, r.Attrs.Size, nil
}

func (g *GCS) Put(ctx context.Context, key string, r io.Reader) error {
	w := g.object(key).NewWriter(ctx)
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (g *GCS) Exists(ctx context.Context, key string) (bool, error) {
	_, err := g.object(key).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (g *GCS) Close() error { return nil }
