package compression

import (
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/datadog/zstd"
	"github.com/pierrec/lz4"
	"github.com/ulikunitz/xz"
)

// SuffixToCodec maps the file suffix a NAR is stored under to the codec
// that produced it. An empty suffix means the NAR is stored uncompressed.
var SuffixToCodec = map[string]string{
	"":      "none",
	".br":   "br",
	".bz2":  "bzip2",
	".gz":   "gzip",
	".lz4":  "lz4",
	".xz":   "xz",
	".zst":  "zstd",
}

// CodecToSuffix inverts SuffixToCodec.
func CodecToSuffix(codec string) (string, error) {
	for suffix, c := range SuffixToCodec {
		if c == codec {
			return suffix, nil
		}
	}
	return "", fmt.Errorf("compression: unknown codec %q", codec)
}

// NewDecompressor returns an io.ReadCloser that decompresses r using the
// named codec. The caller must Close it when done.
func NewDecompressor(r io.Reader, codec string) (io.ReadCloser, error) {
	switch codec {
	case "none":
		return io.NopCloser(r), nil
	case "br":
		return io.NopCloser(brotli.NewReader(r)), nil
	case "bzip2":
		return io.NopCloser(bzip2.NewReader(r)), nil
	case "gzip":
		return gzip.NewReader(r)
	case "lz4":
		return io.NopCloser(lz4.NewReader(r)), nil
	case "xz":
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(xr), nil
	case "zstd":
		return zstd.NewReader(r), nil
	default:
		return nil, fmt.Errorf("compression: unsupported codec %q for reading", codec)
	}
}

// NewDecompressorBySuffix looks up the codec for a URL suffix and returns
// a decompressor for it.
func NewDecompressorBySuffix(r io.Reader, suffix string) (io.ReadCloser, error) {
	codec, ok := SuffixToCodec[suffix]
	if !ok {
		return nil, fmt.Errorf("compression: unknown suffix %q", suffix)
	}
	return NewDecompressor(r, codec)
}
