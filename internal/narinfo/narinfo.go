// Package narinfo implements the binary cache's metadata format: parsing
// and rendering .narinfo files, and signing/verifying them with the
// store's Ed25519 signing keys.
package narinfo

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/flokli/nixcached/internal/nixhash"
	"github.com/flokli/nixcached/internal/storepath"
)

// NarInfo is the parsed contents of a .narinfo file: everything a client
// needs to fetch, verify and substitute one store path from a binary
// cache.
type NarInfo struct {
	StorePath   storepath.Path
	URL         string
	Compression string
	FileHash    nixhash.Hash
	FileSize    uint64
	NarHash     nixhash.Hash
	NarSize     uint64
	References  []storepath.Path
	Deriver     string
	System      string
	Sigs        []string
	CA          string
}

// String renders n in the canonical key: value line format.
func (n NarInfo) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "StorePath: %s\n", n.StorePath.String())
	fmt.Fprintf(&b, "URL: %s\n", n.URL)
	if n.Compression != "" {
		fmt.Fprintf(&b, "Compression: %s\n", n.Compression)
	}
	if !n.FileHash.IsZero() {
		fmt.Fprintf(&b, "FileHash: %s\n", n.FileHash.String())
		fmt.Fprintf(&b, "FileSize: %d\n", n.FileSize)
	}
	fmt.Fprintf(&b, "NarHash: %s\n", n.NarHash.String())
	fmt.Fprintf(&b, "NarSize: %d\n", n.NarSize)
	if len(n.References) > 0 {
		names := make([]string, len(n.References))
		for i, r := range n.References {
			names[i] = r.Basename()
		}
		fmt.Fprintf(&b, "References: %s\n", strings.Join(names, " "))
	}
	if n.Deriver != "" {
		fmt.Fprintf(&b, "Deriver: %s\n", n.Deriver)
	}
	if n.System != "" {
		fmt.Fprintf(&b, "System: %s\n", n.System)
	}
	for _, sig := range n.Sigs {
		fmt.Fprintf(&b, "Sig: %s\n", sig)
	}
	if n.CA != "" {
		fmt.Fprintf(&b, "CA: %s\n", n.CA)
	}
	return b.String()
}

// Parse parses a .narinfo document. dir is the store directory used to
// resolve the (name-only) References field back into full store paths.
func Parse(dir storepath.Directory, data string) (NarInfo, error) {
	var n NarInfo
	refNames := []string(nil)

	for _, line := range strings.Split(data, "\n") {
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			return NarInfo{}, fmt.Errorf("narinfo: malformed line %q", line)
		}
		var err error
		switch key {
		case "StorePath":
			n.StorePath, err = storepath.Parse(dir, value)
		case "URL":
			n.URL = value
		case "Compression":
			n.Compression = value
		case "FileHash":
			n.FileHash, err = nixhash.ParseTyped(value)
		case "FileSize":
			n.FileSize, err = strconv.ParseUint(value, 10, 64)
		case "NarHash":
			n.NarHash, err = nixhash.ParseTyped(value)
		case "NarSize":
			n.NarSize, err = strconv.ParseUint(value, 10, 64)
		case "References":
			if value != "" {
				refNames = strings.Split(value, " ")
			}
		case "Deriver":
			n.Deriver = value
		case "System":
			n.System = value
		case "Sig":
			n.Sigs = append(n.Sigs, value)
		case "CA":
			n.CA = value
		default:
			// Unknown fields are preserved by real binary caches for
			// forward compatibility; here they're simply ignored.
		}
		if err != nil {
			return NarInfo{}, fmt.Errorf("narinfo: field %s: %w", key, err)
		}
	}

	if n.StorePath.IsZero() {
		return NarInfo{}, fmt.Errorf("narinfo: missing StorePath")
	}

	if len(refNames) > 0 {
		n.References = make([]storepath.Path, len(refNames))
		for i, name := range refNames {
			n.References[i] = storepath.Path{Dir: dir, HashPart: hashPartOf(name), Name: nameOf(name)}
		}
	}
	return n, nil
}

// References in a .narinfo are stored as bare "<hashpart>-<name>" strings
// (no store directory prefix); hashPartOf/nameOf split that form.
func hashPartOf(s string) string {
	if i := strings.IndexByte(s, '-'); i >= 0 {
		return s[:i]
	}
	return s
}

func nameOf(s string) string {
	if i := strings.IndexByte(s, '-'); i >= 0 {
		return s[i+1:]
	}
	return ""
}

// Fingerprint computes the canonical signing payload for a store path's
// metadata: "1;<path>;<narHash>;<narSize>;<comma-joined references>".
func Fingerprint(path storepath.Path, narHash nixhash.Hash, narSize uint64, references []storepath.Path) string {
	refs := make([]string, len(references))
	for i, r := range references {
		refs[i] = r.String()
	}
	sort.Strings(refs)
	return fmt.Sprintf("1;%s;%s;%d;%s", path.String(), narHash.String(), narSize, strings.Join(refs, ","))
}

// Sign signs n's fingerprint with key, appending "<keyName>:<base64 sig>"
// to n.Sigs.
func (n *NarInfo) Sign(keyName string, key ed25519.PrivateKey) {
	fp := Fingerprint(n.StorePath, n.NarHash, n.NarSize, n.References)
	sig := ed25519.Sign(key, []byte(fp))
	n.Sigs = append(n.Sigs, keyName+":"+base64.StdEncoding.EncodeToString(sig))
}

// Verify reports whether any of n's signatures validate against pub under
// keyName.
func (n NarInfo) Verify(keyName string, pub ed25519.PublicKey) bool {
	fp := Fingerprint(n.StorePath, n.NarHash, n.NarSize, n.References)
	for _, sig := range n.Sigs {
		name, encoded, ok := strings.Cut(sig, ":")
		if !ok || name != keyName {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			continue
		}
		if ed25519.Verify(pub, []byte(fp), raw) {
			return true
		}
	}
	return false
}
