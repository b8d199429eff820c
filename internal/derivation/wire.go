package derivation

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/flokli/nixcached/internal/nixhash"
	"github.com/flokli/nixcached/internal/storepath"
	"github.com/flokli/nixcached/internal/wire"
)

// EncodeBasic serializes b to its binary wire form: b.Name first, then the
// same field order as the ATerm form minus input derivations, using the
// length-prefixed framing of internal/wire throughout.
func EncodeBasic(w io.Writer, dir storepath.Directory, b Basic) error {
	if err := wire.WriteString(w, b.Name); err != nil {
		return err
	}

	ids := make([]string, 0, len(b.Outputs))
	for id := range b.Outputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if err := wire.WriteUint64(w, uint64(len(ids))); err != nil {
		return err
	}
	for _, id := range ids {
		o := b.Outputs[id]
		path, err := o.path(dir, b.Name, id)
		if err != nil {
			return fmt.Errorf("derivation: encoding output %q: %w", id, err)
		}
		hashAlgo, hashHex := "", ""
		if fo, ok := o.(FixedOutput); ok {
			hashAlgo = storepath.MethodAlgoPrefix(fo.Method, fo.Hash.Algo)
			hashHex = fo.Hash.Base16()
		}
		for _, s := range []string{id, path.String(), hashAlgo, hashHex} {
			if err := wire.WriteString(w, s); err != nil {
				return err
			}
		}
	}

	srcs := make([]string, 0, len(b.InputSrcs))
	for p := range b.InputSrcs {
		srcs = append(srcs, p.String())
	}
	sort.Strings(srcs)
	if err := wire.WriteStrings(w, srcs); err != nil {
		return err
	}

	if err := wire.WriteString(w, b.Platform); err != nil {
		return err
	}
	if err := wire.WriteString(w, b.Builder); err != nil {
		return err
	}
	if err := wire.WriteStrings(w, b.Args); err != nil {
		return err
	}

	keys := make([]string, 0, len(b.Env))
	for k := range b.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if err := wire.WriteUint64(w, uint64(len(keys))); err != nil {
		return err
	}
	for _, k := range keys {
		if err := wire.WriteString(w, k); err != nil {
			return err
		}
		if err := wire.WriteString(w, b.Env[k]); err != nil {
			return err
		}
	}
	return nil
}

// EncodeBasicBytes is a convenience wrapper around EncodeBasic.
func EncodeBasicBytes(dir storepath.Directory, b Basic) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodeBasic(&buf, dir, b); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeBasic deserializes a Basic derivation from its binary wire form.
func DecodeBasic(r io.Reader, dir storepath.Directory) (Basic, error) {
	name, err := wire.ReadString(r)
	if err != nil {
		return Basic{}, err
	}

	n, err := wire.ReadUint64(r)
	if err != nil {
		return Basic{}, err
	}
	outputs := make(map[string]Output, n)
	for i := uint64(0); i < n; i++ {
		fields := make([]string, 4)
		for j := range fields {
			fields[j], err = wire.ReadString(r)
			if err != nil {
				return Basic{}, err
			}
		}
		id, pathStr, hashAlgo, hashHex := fields[0], fields[1], fields[2], fields[3]
		path, err := storepath.Parse(dir, pathStr)
		if err != nil {
			return Basic{}, fmt.Errorf("derivation: decoding output %q: %w", id, err)
		}
		if hashAlgo == "" {
			outputs[id] = IntensionalOutput{Path: path}
			continue
		}
		method, algo, err := parseHashAlgo(hashAlgo)
		if err != nil {
			return Basic{}, fmt.Errorf("derivation: output %q: %w", id, err)
		}
		h, err := nixhash.ParseTyped(string(algo) + ":" + hashHex)
		if err != nil {
			return Basic{}, fmt.Errorf("derivation: output %q: %w", id, err)
		}
		outputs[id] = FixedOutput{Method: method, Hash: h}
	}

	srcStrs, err := wire.ReadStrings(r)
	if err != nil {
		return Basic{}, err
	}
	inputSrcs := make(map[storepath.Path]struct{}, len(srcStrs))
	for _, s := range srcStrs {
		p, err := storepath.Parse(dir, s)
		if err != nil {
			return Basic{}, fmt.Errorf("derivation: decoding input source: %w", err)
		}
		inputSrcs[p] = struct{}{}
	}

	platform, err := wire.ReadString(r)
	if err != nil {
		return Basic{}, err
	}
	builder, err := wire.ReadString(r)
	if err != nil {
		return Basic{}, err
	}
	args, err := wire.ReadStrings(r)
	if err != nil {
		return Basic{}, err
	}

	envN, err := wire.ReadUint64(r)
	if err != nil {
		return Basic{}, err
	}
	env := make(map[string]string, envN)
	for i := uint64(0); i < envN; i++ {
		k, err := wire.ReadString(r)
		if err != nil {
			return Basic{}, err
		}
		v, err := wire.ReadString(r)
		if err != nil {
			return Basic{}, err
		}
		env[k] = v
	}

	return Basic{
		Name:      name,
		Outputs:   outputs,
		InputSrcs: inputSrcs,
		Platform:  platform,
		Builder:   builder,
		Args:      args,
		Env:       env,
	}, nil
}
