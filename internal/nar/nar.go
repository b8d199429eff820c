// Package nar implements just enough of the Nix Archive format to satisfy
// the binary cache's needs: recognizing the format's magic header,
// decoding a NAR byte stream into an in-memory tree for listing and
// debug-info scanning, and encoding a tree back out (used to wrap small
// text blobs added directly to the store).
package nar

import (
	"fmt"
	"io"
	"sort"

	"github.com/flokli/nixcached/internal/wire"
)

// Magic is the framed token that prefixes every NAR byte stream.
const Magic = "nix-archive-1"

// NodeType discriminates the kinds of entries a NAR tree can hold.
type NodeType string

const (
	TypeRegular   NodeType = "regular"
	TypeDirectory NodeType = "directory"
	TypeSymlink   NodeType = "symlink"
)

// Node is one entry of a decoded NAR tree.
type Node struct {
	Type       NodeType
	Executable bool
	Contents   []byte
	Target     string
	Entries    map[string]*Node
}

// CheckMagic reports whether r begins with the framed NAR magic token,
// consuming exactly that much of r in the process.
func CheckMagic(r io.Reader) error {
	s, err := wire.ReadString(r)
	if err != nil {
		return fmt.Errorf("nar: reading magic: %w", err)
	}
	if s != Magic {
		return fmt.Errorf("nar: bad magic %q", s)
	}
	return nil
}

// Decode parses a full NAR byte stream (including its magic header) into
// a tree of Nodes rooted at the returned Node.
func Decode(r io.Reader) (*Node, error) {
	if err := CheckMagic(r); err != nil {
		return nil, err
	}
	return decodeNode(r)
}

// Encode writes n as a full NAR byte stream, including the magic header.
func Encode(w io.Writer, n *Node) error {
	if err := wire.WriteString(w, Magic); err != nil {
		return err
	}
	return encodeNode(w, n)
}

func encodeNode(w io.Writer, n *Node) error {
	if err := wire.WriteString(w, "("); err != nil {
		return err
	}
	if err := wire.WriteString(w, "type"); err != nil {
		return err
	}

	switch n.Type {
	case TypeRegular:
		if err := wire.WriteString(w, string(TypeRegular)); err != nil {
			return err
		}
		if n.Executable {
			if err := wire.WriteString(w, "executable"); err != nil {
				return err
			}
			if err := wire.WriteString(w, ""); err != nil {
				return err
			}
		}
		if err := wire.WriteString(w, "contents"); err != nil {
			return err
		}
		if err := wire.WriteString(w, string(n.Contents)); err != nil {
			return err
		}
	case TypeSymlink:
		if err := wire.WriteString(w, string(TypeSymlink)); err != nil {
			return err
		}
		if err := wire.WriteString(w, "target"); err != nil {
			return err
		}
		if err := wire.WriteString(w, n.Target); err != nil {
			return err
		}
	case TypeDirectory:
		if err := wire.WriteString(w, string(TypeDirectory)); err != nil {
			return err
		}
		for _, name := range n.SortedNames() {
			if err := wire.WriteString(w, "entry"); err != nil {
				return err
			}
			if err := wire.WriteString(w, "("); err != nil {
				return err
			}
			if err := wire.WriteString(w, "name"); err != nil {
				return err
			}
			if err := wire.WriteString(w, name); err != nil {
				return err
			}
			if err := wire.WriteString(w, "node"); err != nil {
				return err
			}
			if err := encodeNode(w, n.Entries[name]); err != nil {
				return err
			}
			if err := wire.WriteString(w, ")"); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("nar: cannot encode node with unknown type %q", n.Type)
	}

	return wire.WriteString(w, ")")
}

func decodeNode(r io.Reader) (*Node, error) {
	if err := expect(r, "("); err != nil {
		return nil, err
	}
	if err := expect(r, "type"); err != nil {
		return nil, err
	}
	typ, err := wire.ReadString(r)
	if err != nil {
		return nil, err
	}

	n := &Node{}
	switch NodeType(typ) {
	case TypeRegular:
		n.Type = TypeRegular
		for {
			tag, err := wire.ReadString(r)
			if err != nil {
				return nil, err
			}
			switch tag {
			case "executable":
				if _, err := wire.ReadString(r); err != nil { // empty string
					return nil, err
				}
				n.Executable = true
			case "contents":
				data, err := readFramedBytes(r)
				if err != nil {
					return nil, err
				}
				n.Contents = data
			case ")":
				return n, nil
			default:
				return nil, fmt.Errorf("nar: unexpected token %q in regular entry", tag)
			}
		}
	case TypeSymlink:
		n.Type = TypeSymlink
		if err := expect(r, "target"); err != nil {
			return nil, err
		}
		target, err := wire.ReadString(r)
		if err != nil {
			return nil, err
		}
		n.Target = target
		if err := expect(r, ")"); err != nil {
			return nil, err
		}
		return n, nil
	case TypeDirectory:
		n.Type = TypeDirectory
		n.Entries = make(map[string]*Node)
		for {
			tag, err := wire.ReadString(r)
			if err != nil {
				return nil, err
			}
			if tag == ")" {
				return n, nil
			}
			if tag != "entry" {
				return nil, fmt.Errorf("nar: unexpected token %q in directory entry", tag)
			}
			if err := expect(r, "("); err != nil {
				return nil, err
			}
			if err := expect(r, "name"); err != nil {
				return nil, err
			}
			name, err := wire.ReadString(r)
			if err != nil {
				return nil, err
			}
			if err := expect(r, "node"); err != nil {
				return nil, err
			}
			child, err := decodeNode(r)
			if err != nil {
				return nil, err
			}
			n.Entries[name] = child
			if err := expect(r, ")"); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("nar: unknown node type %q", typ)
	}
}

func expect(r io.Reader, want string) error {
	got, err := wire.ReadString(r)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("nar: expected %q, got %q", want, got)
	}
	return nil
}

// readFramedBytes reads a framed byte blob (same framing as a string, but
// kept distinct to make call sites self-documenting for file contents).
func readFramedBytes(r io.Reader) ([]byte, error) {
	s, err := wire.ReadString(r)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

// SortedNames returns the entry names of a directory node, sorted.
func (n *Node) SortedNames() []string {
	names := make([]string, 0, len(n.Entries))
	for name := range n.Entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup resolves a slash-separated relative path under n, or nil if it
// does not exist.
func (n *Node) Lookup(path string) *Node {
	cur := n
	for _, part := range splitPath(path) {
		if cur == nil || cur.Type != TypeDirectory {
			return nil
		}
		cur = cur.Entries[part]
	}
	return cur
}

func splitPath(path string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			if i > start {
				parts = append(parts, path[start:i])
			}
			start = i + 1
		}
	}
	if start < len(path) {
		parts = append(parts, path[start:])
	}
	return parts
}
