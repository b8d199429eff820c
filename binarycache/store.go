// Package binarycache orchestrates a binary cache's read and write paths
// on top of an object backend: ingesting a NAR and its metadata, serving
// them back out, listing a NAR's contents, and indexing debug info.
package binarycache

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/flokli/nixcached/compression"
	"github.com/flokli/nixcached/internal/nar"
	"github.com/flokli/nixcached/internal/narinfo"
	"github.com/flokli/nixcached/internal/nixhash"
	"github.com/flokli/nixcached/internal/storepath"
	"github.com/flokli/nixcached/objectbackend"
	"github.com/flokli/nixcached/pathinfocache"
	"github.com/sirupsen/logrus"
)

// Store is a binary cache backed by an object backend, optionally
// fronted by a path-info cache and an Ed25519 signing key.
type Store struct {
	Dir     storepath.Directory
	Backend objectbackend.Backend

	// Compression is the codec new NARs are stored under: "br", "gzip" or
	// "zstd" (the codecs compression.NewCompressor can write), or "none"
	// or "" for uncompressed.
	Compression string

	SignKeyName string
	SignKey     ed25519.PrivateKey

	// TrustedKeys is consulted by Ingest when IngestOptions.CheckSigs is
	// set: an incoming NarInfo must already carry a signature verifiable
	// under one of these keys.
	TrustedKeys map[string]ed25519.PublicKey

	// EnableListing controls whether Ingest publishes a ".ls" NAR listing
	// document alongside the narinfo.
	EnableListing bool

	// EnableDebugInfo controls whether Ingest scans the NAR for ELF
	// debug-id files and publishes debuginfo/<build-id> links for them.
	EnableDebugInfo bool

	Cache    *pathinfocache.Cache
	CacheURI string

	// DebugInfoWorkers bounds how many goroutines concurrently scan NARs
	// during a bulk IndexDebugInfo pass; 0 selects a sane default.
	DebugInfoWorkers int

	Log *logrus.Logger

	// Averted counts NAR uploads Ingest skipped because the compressed
	// object already existed and repair wasn't requested.
	Averted uint64
}

func (s *Store) logger() *logrus.Logger {
	if s.Log != nil {
		return s.Log
	}
	return logrus.StandardLogger()
}

func (s *Store) narKey(fileHash nixhash.Hash) (string, error) {
	suffix, err := compression.CodecToSuffix(s.compressionOrNone())
	if err != nil {
		return "", err
	}
	return "nar/" + fileHash.Base32() + ".nar" + suffix, nil
}

func (s *Store) compressionOrNone() string {
	if s.Compression == "" {
		return "none"
	}
	return s.Compression
}

func (s *Store) narinfoKey(p storepath.Path) string {
	return p.HashPart + ".narinfo"
}

// IngestOptions carries add_to_store's optional parameters.
type IngestOptions struct {
	// Repair forces re-validation and re-upload of an object even if a
	// narinfo (and compressed NAR) for its path already exist.
	Repair bool

	// CheckSigs requires info.Sigs to already carry a signature
	// verifiable under one of Store.TrustedKeys before the object is
	// accepted; used when ingesting a NAR copied from another cache
	// rather than built or added locally.
	CheckSigs bool
}

// Ingest implements add_to_store: it validates and stores a NAR read from
// r as the contents of info.StorePath, filling in the metadata fields
// Ingest itself computes (compression, hashes, URL) around the caller-
// supplied path/references/deriver/system, and returns the resulting
// NarInfo. The compressed NAR is always uploaded before the narinfo, so a
// reader never observes a narinfo pointing at a NAR that isn't there yet.
func (s *Store) Ingest(ctx context.Context, info narinfo.NarInfo, r io.Reader, opts IngestOptions) (narinfo.NarInfo, error) {
	path := info.StorePath
	if path.IsZero() {
		return narinfo.NarInfo{}, ErrInvalidPath
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return narinfo.NarInfo{}, fmt.Errorf("binarycache: reading NAR: %w", err)
	}

	if !opts.Repair {
		if existing, err := s.GetNarInfo(ctx, path); err == nil {
			return existing, nil
		}
	}

	for _, ref := range info.References {
		if ref == path {
			continue
		}
		if _, err := s.GetNarInfo(ctx, ref); err != nil {
			if errors.Is(err, ErrNoSuchBinaryCacheFile) {
				return narinfo.NarInfo{}, fmt.Errorf("%w: %s", ErrMissingReference, ref)
			}
			return narinfo.NarInfo{}, err
		}
	}

	if err := nar.CheckMagic(bytes.NewReader(raw)); err != nil {
		return narinfo.NarInfo{}, fmt.Errorf("%w: %v", ErrFormatError, err)
	}

	narHash := nixhash.SHA256Of(raw)
	narSize := uint64(len(raw))
	if !info.NarHash.IsZero() && !info.NarHash.Equal(narHash) {
		return narinfo.NarInfo{}, fmt.Errorf("%w: narHash mismatch", ErrCorruptNAR)
	}

	var root *nar.Node
	if s.EnableListing || s.EnableDebugInfo {
		root, err = nar.Decode(bytes.NewReader(raw))
		if err != nil {
			return narinfo.NarInfo{}, fmt.Errorf("%w: %v", ErrCorruptNAR, err)
		}
	}

	var compressed bytes.Buffer
	if codec := s.compressionOrNone(); codec == "none" {
		compressed.Write(raw)
	} else {
		cw, err := compression.NewCompressor(&compressed, codec)
		if err != nil {
			return narinfo.NarInfo{}, err
		}
		if _, err := cw.Write(raw); err != nil {
			return narinfo.NarInfo{}, fmt.Errorf("binarycache: compressing NAR: %w", err)
		}
		if err := cw.Close(); err != nil {
			return narinfo.NarInfo{}, fmt.Errorf("binarycache: compressing NAR: %w", err)
		}
	}

	fileHash := nixhash.SHA256Of(compressed.Bytes())
	narKey, err := s.narKey(fileHash)
	if err != nil {
		return narinfo.NarInfo{}, err
	}

	ni := info
	ni.URL = narKey
	ni.Compression = s.compressionOrNone()
	ni.FileHash = fileHash
	ni.FileSize = uint64(compressed.Len())
	ni.NarHash = narHash
	ni.NarSize = narSize

	if root != nil && s.EnableListing {
		listing, err := buildListing(root)
		if err != nil {
			return narinfo.NarInfo{}, err
		}
		if err := s.Backend.Put(ctx, path.Basename()+".ls", bytes.NewReader(listing)); err != nil {
			return narinfo.NarInfo{}, fmt.Errorf("binarycache: uploading listing: %w", err)
		}
	}

	if root != nil && s.EnableDebugInfo {
		if err := s.publishDebugInfo(ctx, root, "", narKey); err != nil {
			return narinfo.NarInfo{}, err
		}
	}

	exists, err := s.Backend.Exists(ctx, narKey)
	if err != nil {
		return narinfo.NarInfo{}, err
	}
	if !exists || opts.Repair {
		if err := s.Backend.Put(ctx, narKey, bytes.NewReader(compressed.Bytes())); err != nil {
			return narinfo.NarInfo{}, fmt.Errorf("binarycache: uploading NAR: %w", err)
		}
	} else {
		atomic.AddUint64(&s.Averted, 1)
	}

	if opts.CheckSigs && !s.anyTrustedSig(ni) {
		return narinfo.NarInfo{}, fmt.Errorf("%w: no trusted signature on incoming narinfo for %s", ErrFormatError, path)
	}
	if s.SignKey != nil {
		ni.Sign(s.SignKeyName, s.SignKey)
	}

	if err := s.Backend.Put(ctx, s.narinfoKey(path), bytes.NewReader([]byte(ni.String()))); err != nil {
		return narinfo.NarInfo{}, fmt.Errorf("binarycache: uploading narinfo: %w", err)
	}

	if s.Cache != nil {
		key := pathinfocache.Key{CacheURI: s.CacheURI, HashPart: path.HashPart}
		if err := s.Cache.PutFound(ctx, key, ni); err != nil {
			s.logger().WithError(err).Warn("binarycache: failed to populate path-info cache after ingest")
		}
	}

	return ni, nil
}

func (s *Store) anyTrustedSig(ni narinfo.NarInfo) bool {
	for name, pub := range s.TrustedKeys {
		if ni.Verify(name, pub) {
			return true
		}
	}
	return false
}

// AddText implements add_text_to_store: it computes the text-type store
// path for name/contents/references, wraps contents in a single-file NAR,
// and ingests it through the same path as any other store addition.
func (s *Store) AddText(ctx context.Context, name string, contents []byte, references []storepath.Path) (narinfo.NarInfo, error) {
	path, err := storepath.MakeTextPath(s.Dir, name, contents, references)
	if err != nil {
		return narinfo.NarInfo{}, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}

	var buf bytes.Buffer
	if err := nar.Encode(&buf, &nar.Node{Type: nar.TypeRegular, Contents: contents}); err != nil {
		return narinfo.NarInfo{}, err
	}

	info := narinfo.NarInfo{
		StorePath:  path,
		References: references,
		CA:         "text:" + nixhash.SHA256Of(contents).String(),
	}
	return s.Ingest(ctx, info, &buf, IngestOptions{})
}

// AddSignatures implements add_signatures: it re-fetches path's narinfo,
// unions in sigs, and re-uploads it. Concurrent appenders race last-writer-
// wins, since the backend offers no compare-and-swap.
func (s *Store) AddSignatures(ctx context.Context, path storepath.Path, sigs []string) (narinfo.NarInfo, error) {
	ni, err := s.GetNarInfo(ctx, path)
	if err != nil {
		return narinfo.NarInfo{}, err
	}

	existing := make(map[string]struct{}, len(ni.Sigs))
	for _, sig := range ni.Sigs {
		existing[sig] = struct{}{}
	}
	for _, sig := range sigs {
		if _, ok := existing[sig]; !ok {
			ni.Sigs = append(ni.Sigs, sig)
			existing[sig] = struct{}{}
		}
	}

	if err := s.Backend.Put(ctx, s.narinfoKey(path), bytes.NewReader([]byte(ni.String()))); err != nil {
		return narinfo.NarInfo{}, fmt.Errorf("binarycache: uploading narinfo: %w", err)
	}
	if s.Cache != nil {
		key := pathinfocache.Key{CacheURI: s.CacheURI, HashPart: path.HashPart}
		if err := s.Cache.PutFound(ctx, key, ni); err != nil {
			s.logger().WithError(err).Warn("binarycache: failed to populate path-info cache after add-signatures")
		}
	}
	return ni, nil
}

// GetNarInfo fetches and parses the narinfo for path, consulting the
// path-info cache if configured.
func (s *Store) GetNarInfo(ctx context.Context, path storepath.Path) (narinfo.NarInfo, error) {
	var cacheKey pathinfocache.Key
	if s.Cache != nil {
		cacheKey = pathinfocache.Key{CacheURI: s.CacheURI, HashPart: path.HashPart}
		if e, ok, err := s.Cache.Get(ctx, cacheKey); err == nil && ok {
			if !e.Found {
				return narinfo.NarInfo{}, ErrNoSuchBinaryCacheFile
			}
			return e.Info, nil
		}
	}

	r, _, err := s.Backend.Get(ctx, s.narinfoKey(path))
	if errors.Is(err, objectbackend.ErrNotFound) {
		if s.Cache != nil {
			_ = s.Cache.PutMissing(ctx, cacheKey)
		}
		return narinfo.NarInfo{}, ErrNoSuchBinaryCacheFile
	}
	if err != nil {
		return narinfo.NarInfo{}, err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return narinfo.NarInfo{}, err
	}
	ni, err := narinfo.Parse(s.Dir, string(data))
	if err != nil {
		return narinfo.NarInfo{}, fmt.Errorf("%w: %s: %v", ErrFormatError, s.narinfoKey(path), err)
	}

	if s.Cache != nil {
		_ = s.Cache.PutFound(ctx, cacheKey, ni)
	}
	return ni, nil
}

// Read opens the NAR contents of path for streaming, decompressed.
func (s *Store) Read(ctx context.Context, path storepath.Path) (io.ReadCloser, narinfo.NarInfo, error) {
	ni, err := s.GetNarInfo(ctx, path)
	if err != nil {
		return nil, narinfo.NarInfo{}, err
	}

	r, _, err := s.Backend.Get(ctx, ni.URL)
	if errors.Is(err, objectbackend.ErrNotFound) {
		return nil, narinfo.NarInfo{}, ErrSubstituteGone
	}
	if err != nil {
		return nil, narinfo.NarInfo{}, err
	}

	dr, err := compression.NewDecompressor(r, ni.Compression)
	if err != nil {
		r.Close()
		return nil, narinfo.NarInfo{}, err
	}
	return &closeBoth{ReadCloser: dr, other: r}, ni, nil
}

// GetBuildLog fetches the build log for path, which may either be a
// derivation itself or an output whose deriver names the derivation. The
// log is looked up by the derivation's basename under a "log/" prefix,
// matching how build logs are keyed in the wire protocol; this store never
// writes that prefix itself; it is populated out of band by a builder.
func (s *Store) GetBuildLog(ctx context.Context, path storepath.Path) (io.ReadCloser, error) {
	drvBasename := path.Basename()
	if !strings.HasSuffix(path.Name, ".drv") {
		ni, err := s.GetNarInfo(ctx, path)
		if err != nil {
			return nil, err
		}
		if ni.Deriver == "" {
			return nil, ErrNoSuchBinaryCacheFile
		}
		drvBasename = ni.Deriver
	}

	r, _, err := s.Backend.Get(ctx, "log/"+drvBasename)
	if errors.Is(err, objectbackend.ErrNotFound) {
		return nil, ErrNoSuchBinaryCacheFile
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

type closeBoth struct {
	io.ReadCloser
	other io.Closer
}

func (c *closeBoth) Close() error {
	err1 := c.ReadCloser.Close()
	err2 := c.other.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// listNode is the JSON shape of a single NAR tree entry in a ".ls" file.
type listNode struct {
	Type       string               `json:"type"`
	Size       int                  `json:"size,omitempty"`
	Executable bool                 `json:"executable,omitempty"`
	Target     string               `json:"target,omitempty"`
	Entries    map[string]*listNode `json:"entries,omitempty"`
}

// List fetches and decodes path's NAR, returning its ".ls" JSON listing.
func (s *Store) List(ctx context.Context, path storepath.Path) ([]byte, error) {
	r, _, err := s.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	root, err := nar.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptNAR, err)
	}
	return buildListing(root)
}

func buildListing(root *nar.Node) ([]byte, error) {
	doc := struct {
		Version int       `json:"version"`
		Root    *listNode `json:"root"`
	}{Version: 1, Root: toListNode(root)}
	return json.Marshal(doc)
}

func toListNode(n *nar.Node) *listNode {
	ln := &listNode{Executable: n.Executable, Target: n.Target}
	switch n.Type {
	case nar.TypeRegular:
		ln.Type = "regular"
		ln.Size = len(n.Contents)
	case nar.TypeSymlink:
		ln.Type = "symlink"
	case nar.TypeDirectory:
		ln.Type = "directory"
		ln.Entries = make(map[string]*listNode, len(n.Entries))
		for name, child := range n.Entries {
			ln.Entries[name] = toListNode(child)
		}
	}
	return ln
}
