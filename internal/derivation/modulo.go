package derivation

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/flokli/nixcached/internal/nixhash"
	"github.com/flokli/nixcached/internal/storepath"
)

// Loader resolves a derivation store path to its parsed contents, used by
// Modulo to walk a derivation's transitive input derivations on demand.
type Loader func(storepath.Path) (Derivation, error)

// Modulo computes the hash-modulo-fixed-output digest of a derivation: the
// digest used both to memoize repeated computations across a derivation
// graph and, ultimately, to compute the store paths of a derivation's own
// (non-fixed) outputs. Results are memoized in the Modulo value itself
// (one cache per NewModulo call), since a derivation graph commonly shares
// the same input derivation across many dependents.
type Modulo struct {
	dir  storepath.Directory
	load Loader

	mu    sync.Mutex
	cache map[storepath.Path]nixhash.Hash
}

// NewModulo constructs a Modulo that resolves input derivations via load.
func NewModulo(dir storepath.Directory, load Loader) *Modulo {
	return &Modulo{
		dir:   dir,
		load:  load,
		cache: make(map[storepath.Path]nixhash.Hash),
	}
}

// Hash returns the hash-modulo digest of the derivation stored at
// drvPath, computing and memoizing it if not already known. d must be the
// parsed contents of drvPath.
func (m *Modulo) Hash(drvPath storepath.Path, d Derivation) (nixhash.Hash, error) {
	return m.hash(drvPath, d, make(map[storepath.Path]struct{}))
}

// hash is Hash's recursive worker. visiting holds the derivation paths
// currently being computed on this call's stack, so a cycle in InputDrvs
// is caught as soon as it closes instead of recursing forever.
func (m *Modulo) hash(drvPath storepath.Path, d Derivation, visiting map[storepath.Path]struct{}) (nixhash.Hash, error) {
	m.mu.Lock()
	if h, ok := m.cache[drvPath]; ok {
		m.mu.Unlock()
		return h, nil
	}
	m.mu.Unlock()

	if _, ok := visiting[drvPath]; ok {
		return nixhash.Hash{}, fmt.Errorf("%w: %s", ErrCyclicReference, drvPath)
	}
	visiting[drvPath] = struct{}{}
	defer delete(visiting, drvPath)

	h, err := m.compute(d, visiting)
	if err != nil {
		return nixhash.Hash{}, err
	}

	m.mu.Lock()
	m.cache[drvPath] = h
	m.mu.Unlock()
	return h, nil
}

func (m *Modulo) compute(d Derivation, visiting map[storepath.Path]struct{}) (nixhash.Hash, error) {
	if err := d.Validate(); err != nil {
		return nixhash.Hash{}, err
	}

	if d.IsFixedOutput() {
		fo, ok := d.Outputs["out"].(FixedOutput)
		if !ok {
			return nixhash.Hash{}, fmt.Errorf("derivation: output \"out\" is not a fixed output")
		}
		outPath, err := fo.path(m.dir, d.Name, "out")
		if err != nil {
			return nixhash.Hash{}, err
		}
		pre := "fixed:out:" +
			storepath.MethodAlgoPrefix(fo.Method, fo.Hash.Algo) + ":" +
			fo.Hash.Base16() + ":" +
			outPath.String()
		return nixhash.SHA256Of([]byte(pre)), nil
	}

	replaced := make(map[string]map[string]struct{}, len(d.InputDrvs))
	for p, outs := range d.InputDrvs {
		inputDrv, err := m.load(p)
		if err != nil {
			return nixhash.Hash{}, fmt.Errorf("derivation: loading input %s: %w", p, err)
		}
		h, err := m.hash(p, inputDrv, visiting)
		if err != nil {
			return nixhash.Hash{}, fmt.Errorf("derivation: hashing input %s: %w", p, err)
		}
		replaced[h.Base16()] = outs
	}

	text, err := unparseModulo(m.dir, d, replaced)
	if err != nil {
		return nixhash.Hash{}, err
	}
	return nixhash.SHA256Of([]byte(text)), nil
}

// unparseModulo renders d the same way Unparse does, except that it is
// masked: every output's path field is blanked, every input-derivation
// list uses each input's hash-modulo digest (hex) in place of its store
// path, and every env var whose key names one of d's own output ids is
// blanked. This is the masked text that the modulo digest is computed
// over, so that a derivation's own hash never depends on where its
// inputs or its own outputs happen to be built rather than what they
// contain.
func unparseModulo(dir storepath.Directory, d Derivation, replacedInputDrvs map[string]map[string]struct{}) (string, error) {
	var b strings.Builder
	b.WriteString("Derive([")

	outIDs := d.OutputIDs()
	isOutputID := make(map[string]struct{}, len(outIDs))
	for _, id := range outIDs {
		isOutputID[id] = struct{}{}
	}

	for i, id := range outIDs {
		if i > 0 {
			b.WriteByte(',')
		}
		o := d.Outputs[id]
		hashAlgo, hashHex := "", ""
		if fo, ok := o.(FixedOutput); ok {
			hashAlgo = storepath.MethodAlgoPrefix(fo.Method, fo.Hash.Algo)
			hashHex = fo.Hash.Base16()
		}
		fmt.Fprintf(&b, "(%s,%s,%s,%s)", quote(id), quote(""), quote(hashAlgo), quote(hashHex))
	}
	b.WriteString("],[")

	keys := make([]string, 0, len(replacedInputDrvs))
	for k := range replacedInputDrvs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		outs := sortedKeys(replacedInputDrvs[k])
		b.WriteString("(")
		b.WriteString(quote(k))
		b.WriteString(",[")
		for j, o := range outs {
			if j > 0 {
				b.WriteByte(',')
			}
			b.WriteString(quote(o))
		}
		b.WriteString("])")
	}
	b.WriteString("],[")

	srcs := make([]string, 0, len(d.InputSrcs))
	for p := range d.InputSrcs {
		srcs = append(srcs, p.String())
	}
	sort.Strings(srcs)
	for i, s := range srcs {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(quote(s))
	}
	b.WriteString("],")

	fmt.Fprintf(&b, "%s,%s,[", quote(d.Platform), quote(d.Builder))
	for i, a := range d.Args {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(quote(a))
	}
	b.WriteString("],[")

	envKeys := sortedKeys(toSet(d.Env))
	for i, k := range envKeys {
		if i > 0 {
			b.WriteByte(',')
		}
		v := d.Env[k]
		if _, ok := isOutputID[k]; ok {
			v = ""
		}
		fmt.Fprintf(&b, "(%s,%s)", quote(k), quote(v))
	}
	b.WriteString("])")

	return b.String(), nil
}
