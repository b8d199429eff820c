// Package compression provides the small set of codecs the binary cache
// negotiates with clients over the URL suffix and Content-Encoding of a
// NAR: brotli, gzip and zstd for writing, plus bzip2, lz4 and xz for
// reading caches that were populated by other Nix-compatible tools.
package compression

import (
	"compress/gzip"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/datadog/zstd"
)

// NewCompressor returns an io.WriteCloser that compresses everything
// written to it before forwarding it to w, using the named codec. The
// caller must Close it to flush any buffered output.
func NewCompressor(w io.Writer, codec string) (io.WriteCloser, error) {
	switch codec {
	case "br":
		return brotli.NewWriterLevel(w, brotli.BestSpeed), nil
	case "gzip":
		return gzip.NewWriterLevel(w, gzip.BestSpeed)
	case "zstd":
		return zstd.NewWriterLevel(w, zstd.BestSpeed), nil
	default:
		return nil, fmt.Errorf("compression: unsupported codec %q for writing", codec)
	}
}

// NewCompressorBySuffix looks up the codec for a URL suffix (".xz", ".zst",
// ...) and returns a compressor for it.
func NewCompressorBySuffix(w io.Writer, suffix string) (io.WriteCloser, error) {
	codec, ok := SuffixToCodec[suffix]
	if !ok {
		return nil, fmt.Errorf("compression: unknown suffix %q", suffix)
	}
	return NewCompressor(w, codec)
}
