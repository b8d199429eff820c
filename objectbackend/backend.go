// Package objectbackend abstracts over the places a binary cache's NAR and
// narinfo objects can physically live: in memory, on local disk, behind an
// HTTP(S) endpoint, in an S3 or GCS bucket, or content-defined-chunked
// through casync. The cache and its callers only ever see the Backend
// interface.
package objectbackend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
)

// ErrNotFound is returned by Get when key does not exist. Exists reports
// absence as (false, nil) rather than with this error.
var ErrNotFound = errors.New("objectbackend: object not found")

// Backend stores opaque byte blobs addressed by a string key (typically a
// URL path such as "nar/<hash>.nar.xz" or "<hash>.narinfo").
type Backend interface {
	// Get opens the object at key for reading, along with its size if
	// known upfront (-1 if not). Returns ErrNotFound if key doesn't exist.
	Get(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// Put stores r's contents at key, replacing any existing object.
	Put(ctx context.Context, key string, r io.Reader) error

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	io.Closer
}

// New parses rawURL and constructs the Backend it names. Supported
// schemes: "memory" (ephemeral, process-local), "file" (local directory),
// "http"/"https", "s3", "gs" (Google Cloud Storage), and "casync"
// (content-defined chunking via desync).
func New(ctx context.Context, rawURL string) (Backend, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("objectbackend: parsing %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "memory":
		return NewMemory(), nil
	case "file", "":
		return NewDirectory(u.Path)
	case "http", "https":
		return NewHTTP(u), nil
	case "s3":
		return NewS3(u)
	case "gs":
		return NewGCS(ctx, u)
	case "casync":
		return NewCasync(u.Path)
	default:
		return nil, fmt.Errorf("objectbackend: unsupported scheme %q", u.Scheme)
	}
}
