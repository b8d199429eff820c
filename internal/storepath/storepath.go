// Package storepath implements the store path algebra described by the
// store-path protocol: the canonical construction of a store object's
// name from its type, digest inputs, and the store directory it lives
// under.
package storepath

import (
	"fmt"
	"sort"
	"strings"

	"github.com/flokli/nixcached/internal/nixbase32"
	"github.com/flokli/nixcached/internal/nixhash"
)

// Directory is the configured root of a store, e.g. "/nix/store".
type Directory string

// DefaultDirectory is the conventional store root used when none is configured.
const DefaultDirectory Directory = "/nix/store"

const (
	hashPartLen  = 32  // nixbase32-encoded, 160-bit digest
	maxNameLen   = 211 // matches the C string bound enforced by Nix
)

// Path is a store path: the hash part and name of a store object, scoped
// to a store directory.
type Path struct {
	Dir      Directory
	HashPart string // 32-character nixbase32 string
	Name     string
}

// String renders the path as "<dir>/<hashpart>-<name>".
func (p Path) String() string {
	return string(p.Dir) + "/" + p.HashPart + "-" + p.Name
}

// IsZero reports whether p is the zero value.
func (p Path) IsZero() bool {
	return p.HashPart == "" && p.Name == ""
}

// Basename renders p's "<hashpart>-<name>" form, without the store
// directory prefix. This is the form narinfo References fields use.
func (p Path) Basename() string {
	return p.HashPart + "-" + p.Name
}

// Parse parses an absolute store path of the form "<dir>/<hashpart>-<name>".
func Parse(dir Directory, s string) (Path, error) {
	prefix := string(dir) + "/"
	rest, ok := strings.CutPrefix(s, prefix)
	if !ok {
		return Path{}, fmt.Errorf("storepath: %q is not under store directory %q", s, dir)
	}
	if len(rest) < hashPartLen+2 {
		return Path{}, fmt.Errorf("storepath: %q is too short", s)
	}
	hashPart := rest[:hashPartLen]
	if rest[hashPartLen] != '-' {
		return Path{}, fmt.Errorf("storepath: %q: digest not separated by dash", s)
	}
	name := rest[hashPartLen+1:]
	if err := nixbase32.ValidateString(hashPart); err != nil {
		return Path{}, fmt.Errorf("storepath: %q: invalid hash part: %w", s, err)
	}
	if err := ValidateName(name); err != nil {
		return Path{}, fmt.Errorf("storepath: %q: %w", s, err)
	}
	return Path{Dir: dir, HashPart: hashPart, Name: name}, nil
}

// ValidateName checks name against the store object name grammar:
// [A-Za-z0-9+_?=.-]{1,211}, not starting with '.'.
func ValidateName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("empty name")
	}
	if len(name) > maxNameLen {
		return fmt.Errorf("name %q exceeds %d characters", name, maxNameLen)
	}
	if name[0] == '.' {
		return fmt.Errorf("name %q starts with '.'", name)
	}
	for i := 0; i < len(name); i++ {
		if !isNameChar(name[i]) {
			return fmt.Errorf("name %q contains invalid character %q", name, name[i])
		}
	}
	return nil
}

func isNameChar(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '+' || c == '_' || c == '?' || c == '=' || c == '.' || c == '-':
		return true
	default:
		return false
	}
}

// digest computes base32(first-160-bits(SHA-256(pre))) where
// pre = "<typ>:sha256:<innerDigestField>:<dir>:<name>".
func digest(typ, innerDigestField string, dir Directory, name string) string {
	pre := typ + ":sha256:" + innerDigestField + ":" + string(dir) + ":" + name
	full := nixhash.SHA256Of([]byte(pre))
	return full.Truncate(20).Base32()
}

// sortedPrintedPaths renders and sorts a slice of paths lexicographically.
func sortedPrintedPaths(paths []Path) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = p.String()
	}
	sort.Strings(out)
	return out
}

// MakeTextPath computes the store path of a "text" type object (used for
// derivation files and other literal text store objects).
func MakeTextPath(dir Directory, name string, contents []byte, references []Path) (Path, error) {
	if err := ValidateName(name); err != nil {
		return Path{}, err
	}
	typ := "text"
	for _, r := range sortedPrintedPaths(references) {
		typ += ":" + r
	}
	inner := nixhash.SHA256Of(contents).Base16()
	d := digest(typ, inner, dir, name)
	return Path{Dir: dir, HashPart: d, Name: name}, nil
}

// ContentAddressMethod selects how a fixed-output's content is hashed.
type ContentAddressMethod int

const (
	Flat ContentAddressMethod = iota
	Recursive
)

// MethodAlgoPrefix renders "[r:]<algo>", the hashAlgo field used both in
// derivation outputs and in the fixed-output path preimage.
func MethodAlgoPrefix(m ContentAddressMethod, algo nixhash.Algo) string {
	if m == Recursive {
		return "r:" + string(algo)
	}
	return string(algo)
}

// MakeFixedOutputPath computes the store path of a fixed-output ("out")
// derivation output: a content-addressed path whose digest derives
// directly from the declared hash, without any build having happened.
//
// Per the store-path protocol's worked example, the inner digest field is
// the literal string "fixed:out:<rec><algo>:<hex>" substituted verbatim
// (not itself hashed) into the outer preimage.
func MakeFixedOutputPath(dir Directory, name string, method ContentAddressMethod, h nixhash.Hash) (Path, error) {
	if err := ValidateName(name); err != nil {
		return Path{}, err
	}
	if h.Algo == nixhash.SHA256 && method == Recursive {
		// The source-path flavor is addressed directly by its NAR hash;
		// see MakeSourcePath. Fixed sha256-recursive outputs reuse that
		// scheme so that importing a tree and building a fixed-output
		// derivation of it yield the same path.
		return MakeSourcePath(dir, name, h, References{})
	}
	inner := "fixed:out:" + MethodAlgoPrefix(method, h.Algo) + ":" + h.Base16()
	d := digest("output:out", inner, dir, name)
	return Path{Dir: dir, HashPart: d, Name: name}, nil
}

// MakeOutputPath computes the store path of an input-addressed derivation
// output, given the derivation's hash-modulo digest (32-byte SHA-256) and
// the output id.
func MakeOutputPath(dir Directory, id, name string, moduloHash nixhash.Hash) (Path, error) {
	if err := ValidateName(name); err != nil {
		return Path{}, err
	}
	typ := "output:" + id
	inner := moduloHash.Base16()
	d := digest(typ, inner, dir, name)
	return Path{Dir: dir, HashPart: d, Name: name}, nil
}

// References describes the reference set of a "source" (NAR-ingested)
// store object for the purpose of computing its store path.
type References struct {
	Self   bool
	Others []Path
}

// MakeSourcePath computes the store path of a NAR-ingested file tree,
// addressed by the SHA-256 of its NAR serialization.
func MakeSourcePath(dir Directory, name string, narHash nixhash.Hash, refs References) (Path, error) {
	if err := ValidateName(name); err != nil {
		return Path{}, err
	}
	typ := "source"
	for _, r := range sortedPrintedPaths(refs.Others) {
		typ += ":" + r
	}
	if refs.Self {
		typ += ":self"
	}
	inner := narHash.Base16()
	d := digest(typ, inner, dir, name)
	return Path{Dir: dir, HashPart: d, Name: name}, nil
}

// WithOutputs pairs a derivation path with a requested subset of its
// output ids. An empty Outputs set means "the path itself".
type WithOutputs struct {
	Path    Path
	Outputs map[string]struct{}
}

// String renders "<path>" or "<path>!<out1>,<out2>,...", sorted.
func (w WithOutputs) String() string {
	if len(w.Outputs) == 0 {
		return w.Path.String()
	}
	names := make([]string, 0, len(w.Outputs))
	for n := range w.Outputs {
		names = append(names, n)
	}
	sort.Strings(names)
	return w.Path.String() + "!" + strings.Join(names, ",")
}
