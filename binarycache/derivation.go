package binarycache

import (
	"context"
	"fmt"
	"strings"

	"github.com/flokli/nixcached/internal/derivation"
	"github.com/flokli/nixcached/internal/nar"
	"github.com/flokli/nixcached/internal/narinfo"
	"github.com/flokli/nixcached/internal/storepath"
)

// AddDerivation resolves d's own (non-fixed) output paths via the hash-
// modulo-fixed-output algorithm, then adds d's canonical ATerm text to the
// store as a "<name>.drv" text object, the same way instantiating a
// derivation publishes it before it is built.
func (s *Store) AddDerivation(ctx context.Context, d derivation.Derivation) (narinfo.NarInfo, error) {
	if err := d.Validate(); err != nil {
		return narinfo.NarInfo{}, fmt.Errorf("%w: %v", ErrFormatError, err)
	}

	if !d.IsFixedOutput() {
		modulo := derivation.NewModulo(s.Dir, s.loadDerivation(ctx))
		h, err := modulo.Hash(storepath.Path{}, d)
		if err != nil {
			return narinfo.NarInfo{}, fmt.Errorf("%w: %v", ErrFormatError, err)
		}

		resolved := make(map[string]derivation.Output, len(d.Outputs))
		for id := range d.Outputs {
			p, err := storepath.MakeOutputPath(s.Dir, id, derivation.OutputStoreName(d.Name, id), h)
			if err != nil {
				return narinfo.NarInfo{}, err
			}
			resolved[id] = derivation.IntensionalOutput{Path: p}
		}
		d.Outputs = resolved
	}

	text, err := d.Unparse(s.Dir)
	if err != nil {
		return narinfo.NarInfo{}, err
	}

	references := make([]storepath.Path, 0, len(d.InputDrvs)+len(d.InputSrcs))
	for p := range d.InputDrvs {
		references = append(references, p)
	}
	for p := range d.InputSrcs {
		references = append(references, p)
	}

	return s.AddText(ctx, d.Name+".drv", []byte(text), references)
}

// loadDerivation returns a derivation.Loader backed by the store: it reads
// an already-added input derivation's ATerm text back out and reparses it,
// filling in Name from the store path since the ATerm form itself doesn't
// carry it.
func (s *Store) loadDerivation(ctx context.Context) derivation.Loader {
	return func(p storepath.Path) (derivation.Derivation, error) {
		r, _, err := s.Read(ctx, p)
		if err != nil {
			return derivation.Derivation{}, err
		}
		defer r.Close()

		root, err := nar.Decode(r)
		if err != nil {
			return derivation.Derivation{}, err
		}
		d, err := derivation.Parse(s.Dir, string(root.Contents))
		if err != nil {
			return derivation.Derivation{}, err
		}
		d.Name = strings.TrimSuffix(p.Name, ".drv")
		return d, nil
	}
}
