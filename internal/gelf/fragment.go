// Package gelf implements the GELF wire format: the chunked datagram
// header, splitting payloads into chunks, and decoding (optionally
// compressed) JSON payloads into messages.
//
// Chunk layout:
//
//	magic       2 bytes  0x1e 0x0f
//	message id  8 bytes  big endian
//	sequence    1 byte   0..total-1
//	total       1 byte   1..MaxFragments
//	payload     rest
package gelf

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderSize is the size of the chunk header in bytes.
	HeaderSize = 12

	// MaxFragments is the protocol ceiling on chunks per message.
	MaxFragments = 128

	magic0 = 0x1e
	magic1 = 0x0f
)

// ErrMalformedFragment is returned for datagrams with a bad chunk header
// or a fragment count above the configured ceiling.
var ErrMalformedFragment = errors.New("malformed gelf fragment")

// Fragment is one chunk of a larger message.
type Fragment struct {
	MessageID uint64
	Seq       uint8
	Total     uint8
	Payload   []byte
	Source    string
}

// IsChunked reports whether datagram starts with the chunk magic bytes.
func IsChunked(datagram []byte) bool {
	return len(datagram) >= 2 && datagram[0] == magic0 && datagram[1] == magic1
}

// ParseFragment validates a chunked datagram header and returns the
// fragment. The payload aliases datagram; callers that reuse their read
// buffer must copy it first.
func ParseFragment(datagram []byte, source string) (Fragment, error) {
	if len(datagram) < HeaderSize {
		return Fragment{}, fmt.Errorf("%w: %d bytes is shorter than header", ErrMalformedFragment, len(datagram))
	}
	if !IsChunked(datagram) {
		return Fragment{}, fmt.Errorf("%w: missing magic bytes", ErrMalformedFragment)
	}
	f := Fragment{
		MessageID: binary.BigEndian.Uint64(datagram[2:10]),
		Seq:       datagram[10],
		Total:     datagram[11],
		Payload:   datagram[HeaderSize:],
		Source:    source,
	}
	if f.Total == 0 {
		return Fragment{}, fmt.Errorf("%w: total is zero", ErrMalformedFragment)
	}
	if f.Seq >= f.Total {
		return Fragment{}, fmt.Errorf("%w: sequence %d >= total %d", ErrMalformedFragment, f.Seq, f.Total)
	}
	return f, nil
}

// AppendHeader appends the chunk header for the given fields to dst.
func AppendHeader(dst []byte, id uint64, seq, total uint8) []byte {
	dst = append(dst, magic0, magic1)
	dst = binary.BigEndian.AppendUint64(dst, id)
	return append(dst, seq, total)
}
