// Package format defines the 4-byte prefix of the index files written by
// the file storage backend.
//
//	byte 0  magic 'g'
//	byte 1  kind ('d' document log, 'm' index metadata)
//	byte 2  version
//	byte 3  flags
package format

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	Magic = 'g'
	Size  = 4
)

// Kind identifies what follows the header.
type Kind byte

const (
	DocLog    Kind = 'd'
	IndexMeta Kind = 'm'
)

// Flags describe the state of a document log.
type Flags byte

const (
	// Sealed marks a document log that is no longer the write index.
	Sealed Flags = 1 << iota
	// Compressed marks a body stored as seekable zstd.
	Compressed
)

func (f Flags) Has(bits Flags) bool { return f&bits == bits }

func (f Flags) String() string {
	var parts []string
	if f.Has(Sealed) {
		parts = append(parts, "sealed")
	}
	if f.Has(Compressed) {
		parts = append(parts, "compressed")
	}
	if len(parts) == 0 {
		return "open"
	}
	return strings.Join(parts, "|")
}

var (
	ErrShort         = errors.New("header truncated")
	ErrMagic         = errors.New("not an index file")
	ErrKindMismatch  = errors.New("unexpected file kind")
	ErrVersionTooNew = errors.New("unsupported version")
)

type Header struct {
	Kind    Kind
	Version byte
	Flags   Flags
}

// Append appends the encoded header to b.
func (h Header) Append(b []byte) []byte {
	return append(b, Magic, byte(h.Kind), h.Version, byte(h.Flags))
}

func (h Header) Write(w io.Writer) error {
	_, err := w.Write(h.Append(make([]byte, 0, Size)))
	return err
}

// Parse decodes the header at the start of b and checks that it is of the
// given kind with a version no newer than maxVersion.
func Parse(b []byte, kind Kind, maxVersion byte) (Header, error) {
	if len(b) < Size {
		return Header{}, ErrShort
	}
	if b[0] != Magic {
		return Header{}, ErrMagic
	}
	h := Header{Kind: Kind(b[1]), Version: b[2], Flags: Flags(b[3])}
	if h.Kind != kind {
		return Header{}, fmt.Errorf("%w: %q, want %q", ErrKindMismatch, h.Kind, kind)
	}
	if h.Version > maxVersion {
		return Header{}, fmt.Errorf("%w: %d > %d", ErrVersionTooNew, h.Version, maxVersion)
	}
	return h, nil
}

// Read reads and parses a header from r.
func Read(r io.Reader, kind Kind, maxVersion byte) (Header, error) {
	var b [Size]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Header{}, ErrShort
		}
		return Header{}, err
	}
	return Parse(b[:], kind, maxVersion)
}
