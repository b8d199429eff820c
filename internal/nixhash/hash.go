// Package nixhash implements the tagged hash type used throughout the
// store: a hash algorithm tag paired with raw digest bytes, printable in
// base-16, base-32 (Nix's own alphabet, see internal/nixbase32) and
// base-64.
package nixhash

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"github.com/flokli/nixcached/internal/nixbase32"
)

// Algo identifies a supported hash algorithm.
type Algo string

const (
	MD5    Algo = "md5"
	SHA1   Algo = "sha1"
	SHA256 Algo = "sha256"
	SHA512 Algo = "sha512"
)

// Size returns the digest size, in bytes, for the algorithm.
func (a Algo) Size() int {
	switch a {
	case MD5:
		return md5.Size
	case SHA1:
		return sha1.Size
	case SHA256:
		return sha256.Size
	case SHA512:
		return sha512.Size
	default:
		return 0
	}
}

// New returns a fresh hash.Hash for the algorithm.
func (a Algo) New() (hash.Hash, error) {
	switch a {
	case MD5:
		return md5.New(), nil
	case SHA1:
		return sha1.New(), nil
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("nixhash: unknown algorithm %q", a)
	}
}

// ParseAlgo parses a lowercase algorithm name.
func ParseAlgo(s string) (Algo, error) {
	switch Algo(s) {
	case MD5, SHA1, SHA256, SHA512:
		return Algo(s), nil
	default:
		return "", fmt.Errorf("nixhash: unknown algorithm %q", s)
	}
}

// Hash is a tagged digest.
type Hash struct {
	Algo   Algo
	Digest []byte
}

// Of computes the hash of data under algo.
func Of(algo Algo, data []byte) (Hash, error) {
	h, err := algo.New()
	if err != nil {
		return Hash{}, err
	}
	h.Write(data)
	return Hash{Algo: algo, Digest: h.Sum(nil)}, nil
}

// SHA256Of is a convenience wrapper for the algorithm used throughout the
// store path digest scheme.
func SHA256Of(data []byte) Hash {
	sum := sha256.Sum256(data)
	return Hash{Algo: SHA256, Digest: sum[:]}
}

// Truncate returns a copy of h cut down to its first n bytes (h itself if
// its digest is no longer than n). Store path digests use this to keep the
// first 160 bits of a 32-byte SHA-256.
func (h Hash) Truncate(n int) Hash {
	if len(h.Digest) <= n {
		return h
	}
	out := make([]byte, n)
	copy(out, h.Digest[:n])
	return Hash{Algo: h.Algo, Digest: out}
}

// Base16 renders the digest as lowercase hex.
func (h Hash) Base16() string {
	return hex.EncodeToString(h.Digest)
}

// Base32 renders the digest using Nix's base-32 alphabet.
func (h Hash) Base32() string {
	return nixbase32.EncodeToString(h.Digest)
}

// Base64 renders the digest using standard base-64.
func (h Hash) Base64() string {
	return base64.StdEncoding.EncodeToString(h.Digest)
}

// String renders the hash as "<algo>:<base32>", the form used in NarInfo
// fields such as NarHash and FileHash.
func (h Hash) String() string {
	return fmt.Sprintf("%s:%s", h.Algo, h.Base32())
}

// Equal reports whether h and other have the same algorithm and digest.
func (h Hash) Equal(other Hash) bool {
	if h.Algo != other.Algo || len(h.Digest) != len(other.Digest) {
		return false
	}
	for i := range h.Digest {
		if h.Digest[i] != other.Digest[i] {
			return false
		}
	}
	return true
}

// IsZero reports whether h is the zero value (no digest set).
func (h Hash) IsZero() bool {
	return h.Algo == "" && h.Digest == nil
}

// ParseTyped parses a "<algo>:<base16-or-base32-or-base64>" string, the
// form used in .narinfo NarHash/FileHash fields and in derivation
// outputHash attributes.
func ParseTyped(s string) (Hash, error) {
	algoStr, encoded, ok := strings.Cut(s, ":")
	if !ok {
		return Hash{}, fmt.Errorf("nixhash: %q is not of the form <algo>:<digest>", s)
	}
	algo, err := ParseAlgo(algoStr)
	if err != nil {
		return Hash{}, err
	}
	digest, err := decodeDigest(encoded, algo.Size())
	if err != nil {
		return Hash{}, fmt.Errorf("nixhash: parsing digest for %s: %w", algo, err)
	}
	return Hash{Algo: algo, Digest: digest}, nil
}

func decodeDigest(s string, size int) ([]byte, error) {
	switch len(s) {
	case size * 2:
		return hex.DecodeString(s)
	case nixbase32.EncodedLen(size):
		return nixbase32.DecodeString(s)
	default:
		if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == size {
			return b, nil
		}
		return nil, fmt.Errorf("digest %q has unexpected length for a %d-byte hash", s, size)
	}
}

