// Package derivation implements the in-memory derivation model: its
// canonical ATerm text form, its binary wire form, and the hash-modulo-
// fixed-output algorithm used to address a derivation's own outputs.
package derivation

import (
	"fmt"
	"sort"

	"github.com/flokli/nixcached/internal/nixhash"
	"github.com/flokli/nixcached/internal/storepath"
)

// Output is one entry of a Derivation's Outputs map. It is a closed tagged
// union: FixedOutput for content-addressed outputs whose path is known
// before the build runs, IntensionalOutput for outputs whose path depends
// on the derivation's own hash.
type Output interface {
	isOutput()

	// path computes the store path of this output given the derivation's
	// name, the output's id within the derivation, and (for intensional
	// outputs) nothing more; fixed outputs need none of the derivation's
	// other state either, which is what makes them safe to substitute
	// during hash-modulo computation.
	path(dir storepath.Directory, drvName, id string) (storepath.Path, error)
}

// FixedOutput is a fixed-output derivation output: its content hash is
// declared up front, so its store path can be computed without reference
// to the derivation that produces it.
type FixedOutput struct {
	Method storepath.ContentAddressMethod
	Hash   nixhash.Hash
}

func (FixedOutput) isOutput() {}

func (o FixedOutput) path(dir storepath.Directory, drvName, id string) (storepath.Path, error) {
	return storepath.MakeFixedOutputPath(dir, outputStoreName(drvName, id), o.Method, o.Hash)
}

// IntensionalOutput is an input-addressed derivation output: its store
// path is derived from the hash-modulo digest of the derivation that
// produces it, which is why it already carries a resolved Path rather
// than computing one on demand.
type IntensionalOutput struct {
	Path storepath.Path
}

func (IntensionalOutput) isOutput() {}

func (o IntensionalOutput) path(dir storepath.Directory, drvName, id string) (storepath.Path, error) {
	if o.Path.IsZero() {
		return storepath.Path{}, fmt.Errorf("derivation: output %q has no resolved path", id)
	}
	return o.Path, nil
}

// outputStoreName returns the store object name used for output id within
// a derivation named drvName: drvName itself for "out", otherwise
// "<drvName>-<id>".
func outputStoreName(drvName, id string) string {
	if id == "out" {
		return drvName
	}
	return drvName + "-" + id
}

// OutputStoreName is the exported form of outputStoreName, used by callers
// that need to compute an output's store path themselves ahead of time
// (e.g. once its hash-modulo digest is known).
func OutputStoreName(drvName, id string) string {
	return outputStoreName(drvName, id)
}

// Derivation is the full in-memory representation of a derivation,
// including the input derivations it's built from.
type Derivation struct {
	Name      string
	Outputs   map[string]Output
	InputDrvs map[storepath.Path]map[string]struct{}
	InputSrcs map[storepath.Path]struct{}
	Platform  string
	Builder   string
	Args      []string
	Env       map[string]string
}

// Basic is the wire form of a Derivation: it omits InputDrvs, because by
// the time a derivation crosses the wire to a builder its input
// derivations have already been resolved into InputSrcs.
type Basic struct {
	Name      string
	Outputs   map[string]Output
	InputSrcs map[storepath.Path]struct{}
	Platform  string
	Builder   string
	Args      []string
	Env       map[string]string
}

// ToBasic drops InputDrvs, producing the wire form of d.
func (d Derivation) ToBasic() Basic {
	return Basic{
		Name:      d.Name,
		Outputs:   d.Outputs,
		InputSrcs: d.InputSrcs,
		Platform:  d.Platform,
		Builder:   d.Builder,
		Args:      d.Args,
		Env:       d.Env,
	}
}

// IsFixedOutput reports whether d has exactly one output, named "out", and
// it is a FixedOutput. This mirrors Validate's own stricter fixed-output
// check: a derivation with a single fixed output named anything else, or
// with more than one output, is not fixed-output shaped even if every
// output present happens to be a FixedOutput.
func (d Derivation) IsFixedOutput() bool {
	if len(d.Outputs) != 1 {
		return false
	}
	o, ok := d.Outputs["out"]
	if !ok {
		return false
	}
	_, ok = o.(FixedOutput)
	return ok
}

// OutputIDs returns the derivation's output ids in sorted order.
func (d Derivation) OutputIDs() []string {
	ids := make([]string, 0, len(d.Outputs))
	for id := range d.Outputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// OutputPath computes the store path of the named output.
func (d Derivation) OutputPath(dir storepath.Directory, id string) (storepath.Path, error) {
	o, ok := d.Outputs[id]
	if !ok {
		return storepath.Path{}, fmt.Errorf("derivation: no output %q", id)
	}
	return o.path(dir, d.Name, id)
}

// Validate checks the structural invariants a Derivation must hold before
// it can be unparsed, hashed, or built: a fixed-output derivation has
// exactly one output named "out", and outputs are never mixed kinds.
func (d Derivation) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("derivation: empty name")
	}
	if len(d.Outputs) == 0 {
		return fmt.Errorf("derivation: no outputs")
	}
	hasFixed, hasIntensional := false, false
	for _, o := range d.Outputs {
		switch o.(type) {
		case FixedOutput:
			hasFixed = true
		case IntensionalOutput:
			hasIntensional = true
		default:
			return fmt.Errorf("derivation: unknown output type %T", o)
		}
	}
	if hasFixed && hasIntensional {
		return fmt.Errorf("derivation: cannot mix fixed and intensional outputs")
	}
	if hasFixed && len(d.Outputs) != 1 {
		return fmt.Errorf("derivation: fixed-output derivations must have exactly one output")
	}
	if hasFixed {
		if _, ok := d.Outputs["out"]; !ok {
			return fmt.Errorf("derivation: fixed output must be named \"out\"")
		}
	}
	return nil
}
