package derivation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/flokli/nixcached/internal/nixhash"
	"github.com/flokli/nixcached/internal/storepath"
)

// Unparse renders d in its canonical ATerm text form:
//
//	Derive([outputs...],[inputDrvs...],[inputSrcs...],"platform","builder",[args...],[env...])
//
// Outputs, input derivations and their output sets, and environment
// variables are all sorted, so that two derivations with the same content
// unparse to byte-identical text regardless of map iteration order.
func (d Derivation) Unparse(dir storepath.Directory) (string, error) {
	var b strings.Builder
	b.WriteString("Derive([")

	outIDs := d.OutputIDs()
	for i, id := range outIDs {
		if i > 0 {
			b.WriteByte(',')
		}
		o := d.Outputs[id]
		path, err := o.path(dir, d.Name, id)
		if err != nil {
			return "", fmt.Errorf("derivation: unparsing output %q: %w", id, err)
		}
		hashAlgo, hashHex := "", ""
		if fo, ok := o.(FixedOutput); ok {
			hashAlgo = storepath.MethodAlgoPrefix(fo.Method, fo.Hash.Algo)
			hashHex = fo.Hash.Base16()
		}
		fmt.Fprintf(&b, "(%s,%s,%s,%s)",
			quote(id), quote(path.String()), quote(hashAlgo), quote(hashHex))
	}
	b.WriteString("],[")

	drvPaths := make([]storepath.Path, 0, len(d.InputDrvs))
	for p := range d.InputDrvs {
		drvPaths = append(drvPaths, p)
	}
	sort.Slice(drvPaths, func(i, j int) bool { return drvPaths[i].String() < drvPaths[j].String() })
	for i, p := range drvPaths {
		if i > 0 {
			b.WriteByte(',')
		}
		outs := sortedKeys(d.InputDrvs[p])
		b.WriteString("(")
		b.WriteString(quote(p.String()))
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

	keys := sortedKeys(toSet(d.Env))
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "(%s,%s)", quote(k), quote(d.Env[k]))
	}
	b.WriteString("])")

	return b.String(), nil
}

func toSet(m map[string]string) map[string]struct{} {
	s := make(map[string]struct{}, len(m))
	for k := range m {
		s[k] = struct{}{}
	}
	return s
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// quote renders s as a double-quoted ATerm string literal, escaping
// backslash, double quote, newline, carriage return and tab the way
// libstore's printString does.
func quote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
	return b.String()
}

// Parse parses a derivation from its canonical ATerm text form.
func Parse(dir storepath.Directory, s string) (Derivation, error) {
	p := &aTermParser{s: s}
	d, err := p.parseDerivation(dir)
	if err != nil {
		return Derivation{}, fmt.Errorf("derivation: parse: %w", err)
	}
	if p.pos != len(p.s) {
		return Derivation{}, fmt.Errorf("derivation: parse: trailing data after derivation")
	}
	return d, nil
}

type aTermParser struct {
	s   string
	pos int
}

func (p *aTermParser) expectLiteral(lit string) error {
	if p.pos+len(lit) > len(p.s) || p.s[p.pos:p.pos+len(lit)] != lit {
		return fmt.Errorf("expected %q at position %d", lit, p.pos)
	}
	p.pos += len(lit)
	return nil
}

func (p *aTermParser) expectByte(c byte) error {
	if p.pos >= len(p.s) || p.s[p.pos] != c {
		return fmt.Errorf("expected %q at position %d", c, p.pos)
	}
	p.pos++
	return nil
}

func (p *aTermParser) parseString() (string, error) {
	if err := p.expectByte('"'); err != nil {
		return "", err
	}
	var b strings.Builder
	for {
		if p.pos >= len(p.s) {
			return "", fmt.Errorf("unterminated string")
		}
		c := p.s[p.pos]
		if c == '"' {
			p.pos++
			return b.String(), nil
		}
		if c == '\\' {
			p.pos++
			if p.pos >= len(p.s) {
				return "", fmt.Errorf("unterminated escape")
			}
			switch e := p.s[p.pos]; e {
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(e)
			}
			p.pos++
			continue
		}
		b.WriteByte(c)
		p.pos++
	}
}

func (p *aTermParser) parsePath(dir storepath.Directory) (storepath.Path, error) {
	s, err := p.parseString()
	if err != nil {
		return storepath.Path{}, err
	}
	return storepath.Parse(dir, s)
}

// parseList parses a bracketed, comma-separated list using parseElem for
// each element.
func parseList[T any](p *aTermParser, parseElem func(*aTermParser) (T, error)) ([]T, error) {
	if err := p.expectByte('['); err != nil {
		return nil, err
	}
	var out []T
	for {
		if p.pos < len(p.s) && p.s[p.pos] == ']' {
			p.pos++
			return out, nil
		}
		if len(out) > 0 {
			if err := p.expectByte(','); err != nil {
				return nil, err
			}
		}
		elem, err := parseElem(p)
		if err != nil {
			return nil, err
		}
		out = append(out, elem)
	}
}

func (p *aTermParser) parseDerivation(dir storepath.Directory) (Derivation, error) {
	if err := p.expectLiteral("Derive("); err != nil {
		return Derivation{}, err
	}

	type parsedOutput struct {
		id               string
		path             storepath.Path
		hashAlgo, hashHex string
	}
	outs, err := parseList(p, func(p *aTermParser) (parsedOutput, error) {
		if err := p.expectByte('('); err != nil {
			return parsedOutput{}, err
		}
		id, err := p.parseString()
		if err != nil {
			return parsedOutput{}, err
		}
		if err := p.expectByte(','); err != nil {
			return parsedOutput{}, err
		}
		path, err := p.parsePath(dir)
		if err != nil {
			return parsedOutput{}, err
		}
		if err := p.expectByte(','); err != nil {
			return parsedOutput{}, err
		}
		algo, err := p.parseString()
		if err != nil {
			return parsedOutput{}, err
		}
		if err := p.expectByte(','); err != nil {
			return parsedOutput{}, err
		}
		hex, err := p.parseString()
		if err != nil {
			return parsedOutput{}, err
		}
		if err := p.expectByte(')'); err != nil {
			return parsedOutput{}, err
		}
		return parsedOutput{id, path, algo, hex}, nil
	})
	if err != nil {
		return Derivation{}, fmt.Errorf("parsing outputs: %w", err)
	}
	if err := p.expectByte(','); err != nil {
		return Derivation{}, err
	}

	outputs := make(map[string]Output, len(outs))
	for _, o := range outs {
		if o.hashAlgo == "" {
			outputs[o.id] = IntensionalOutput{Path: o.path}
			continue
		}
		method, algo, err := parseHashAlgo(o.hashAlgo)
		if err != nil {
			return Derivation{}, fmt.Errorf("output %q: %w", o.id, err)
		}
		h, err := nixhash.ParseTyped(string(algo) + ":" + o.hashHex)
		if err != nil {
			return Derivation{}, fmt.Errorf("output %q: %w", o.id, err)
		}
		outputs[o.id] = FixedOutput{Method: method, Hash: h}
	}

	type parsedInputDrv struct {
		path storepath.Path
		outs []string
	}
	inputDrvList, err := parseList(p, func(p *aTermParser) (parsedInputDrv, error) {
		if err := p.expectByte('('); err != nil {
			return parsedInputDrv{}, err
		}
		path, err := p.parsePath(dir)
		if err != nil {
			return parsedInputDrv{}, err
		}
		if err := p.expectByte(','); err != nil {
			return parsedInputDrv{}, err
		}
		outs, err := parseList(p, (*aTermParser).parseString)
		if err != nil {
			return parsedInputDrv{}, err
		}
		if err := p.expectByte(')'); err != nil {
			return parsedInputDrv{}, err
		}
		return parsedInputDrv{path, outs}, nil
	})
	if err != nil {
		return Derivation{}, fmt.Errorf("parsing input derivations: %w", err)
	}
	if err := p.expectByte(','); err != nil {
		return Derivation{}, err
	}

	inputDrvs := make(map[storepath.Path]map[string]struct{}, len(inputDrvList))
	for _, id := range inputDrvList {
		set := make(map[string]struct{}, len(id.outs))
		for _, o := range id.outs {
			set[o] = struct{}{}
		}
		inputDrvs[id.path] = set
	}

	inputSrcList, err := parseList(p, func(p *aTermParser) (storepath.Path, error) { return p.parsePath(dir) })
	if err != nil {
		return Derivation{}, fmt.Errorf("parsing input sources: %w", err)
	}
	if err := p.expectByte(','); err != nil {
		return Derivation{}, err
	}
	inputSrcs := make(map[storepath.Path]struct{}, len(inputSrcList))
	for _, s := range inputSrcList {
		inputSrcs[s] = struct{}{}
	}

	platform, err := p.parseString()
	if err != nil {
		return Derivation{}, err
	}
	if err := p.expectByte(','); err != nil {
		return Derivation{}, err
	}
	builder, err := p.parseString()
	if err != nil {
		return Derivation{}, err
	}
	if err := p.expectByte(','); err != nil {
		return Derivation{}, err
	}

	args, err := parseList(p, (*aTermParser).parseString)
	if err != nil {
		return Derivation{}, fmt.Errorf("parsing args: %w", err)
	}
	if err := p.expectByte(','); err != nil {
		return Derivation{}, err
	}

	type parsedEnv struct{ key, val string }
	envList, err := parseList(p, func(p *aTermParser) (parsedEnv, error) {
		if err := p.expectByte('('); err != nil {
			return parsedEnv{}, err
		}
		k, err := p.parseString()
		if err != nil {
			return parsedEnv{}, err
		}
		if err := p.expectByte(','); err != nil {
			return parsedEnv{}, err
		}
		v, err := p.parseString()
		if err != nil {
			return parsedEnv{}, err
		}
		if err := p.expectByte(')'); err != nil {
			return parsedEnv{}, err
		}
		return parsedEnv{k, v}, nil
	})
	if err != nil {
		return Derivation{}, fmt.Errorf("parsing env: %w", err)
	}
	env := make(map[string]string, len(envList))
	for _, e := range envList {
		env[e.key] = e.val
	}

	if err := p.expectByte(')'); err != nil {
		return Derivation{}, err
	}

	// The derivation's own name isn't stored in the ATerm form; the store
	// path of a .drv file always encodes it as "<name>.drv", so callers
	// parsing a derivation read from the store set Derivation.Name from
	// that path themselves.
	return Derivation{
		Name:      "",
		Outputs:   outputs,
		InputDrvs: inputDrvs,
		InputSrcs: inputSrcs,
		Platform:  platform,
		Builder:   builder,
		Args:      args,
		Env:       env,
	}, nil
}

// parseHashAlgo parses the "[r:]<algo>" hashAlgo field of an output tuple.
// A malformed recursive marker (an "r:" prefix whose remainder isn't a
// known hash algorithm) is rejected outright rather than silently
// truncated back to a flat hash of a garbled algorithm name.
func parseHashAlgo(s string) (storepath.ContentAddressMethod, nixhash.Algo, error) {
	if rest, ok := strings.CutPrefix(s, "r:"); ok {
		algo, err := nixhash.ParseAlgo(rest)
		if err != nil {
			return 0, "", fmt.Errorf("invalid recursive hash algorithm %q: %w", s, err)
		}
		return storepath.Recursive, algo, nil
	}
	algo, err := nixhash.ParseAlgo(s)
	if err != nil {
		return 0, "", fmt.Errorf("invalid hash algorithm %q: %w", s, err)
	}
	return storepath.Flat, algo, nil
}
