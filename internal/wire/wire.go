// Package wire implements the length-prefixed, 8-byte-padded string and
// list framing shared by the NAR format and the derivation binary wire
// protocol.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

var padZero [8]byte

// WriteString writes s as an 8-byte little-endian length followed by its
// bytes, zero-padded up to the next 8-byte boundary.
func WriteString(w io.Writer, s string) error {
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(s)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := io.WriteString(w, s); err != nil {
		return err
	}
	if pad := len(s) % 8; pad != 0 {
		if _, err := w.Write(padZero[:8-pad]); err != nil {
			return err
		}
	}
	return nil
}

// maxStringLen bounds a single framed string to guard against a corrupt or
// hostile length prefix causing an unbounded allocation.
const maxStringLen = 256 << 20

// ReadString reads a framed string written by WriteString.
func ReadString(r io.Reader) (string, error) {
	var lenBuf [8]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	n := binary.LittleEndian.Uint64(lenBuf[:])
	if n > maxStringLen {
		return "", fmt.Errorf("wire: framed string length %d exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	if pad := int(n) % 8; pad != 0 {
		var discard [8]byte
		if _, err := io.ReadFull(r, discard[:8-pad]); err != nil {
			return "", err
		}
	}
	return string(buf), nil
}

// WriteUint64 writes n as an 8-byte little-endian integer, the framing
// used for list/map element counts.
func WriteUint64(w io.Writer, n uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], n)
	_, err := w.Write(buf[:])
	return err
}

// ReadUint64 reads an 8-byte little-endian integer.
func ReadUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// maxListLen bounds a framed list/map element count.
const maxListLen = 1 << 24

// WriteStrings writes a length-prefixed list of strings.
func WriteStrings(w io.Writer, strs []string) error {
	if err := WriteUint64(w, uint64(len(strs))); err != nil {
		return err
	}
	for _, s := range strs {
		if err := WriteString(w, s); err != nil {
			return err
		}
	}
	return nil
}

// ReadStrings reads a length-prefixed list of strings written by WriteStrings.
func ReadStrings(r io.Reader) ([]string, error) {
	n, err := ReadUint64(r)
	if err != nil {
		return nil, err
	}
	if n > maxListLen {
		return nil, fmt.Errorf("wire: framed list length %d exceeds limit", n)
	}
	out := make([]string, n)
	for i := range out {
		out[i], err = ReadString(r)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
