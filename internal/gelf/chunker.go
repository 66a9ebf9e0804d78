package gelf

import "fmt"

// DefaultChunkSize is the payload size per datagram used by most GELF
// clients on WAN links.
const DefaultChunkSize = 1420

// Split cuts payload into chunked datagrams of at most chunkSize payload
// bytes each. A payload that fits in one datagram is returned unchunked.
func Split(id uint64, payload []byte, chunkSize int) ([][]byte, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if len(payload) <= chunkSize {
		return [][]byte{payload}, nil
	}
	n := (len(payload) + chunkSize - 1) / chunkSize
	if n > MaxFragments {
		return nil, fmt.Errorf("payload of %d bytes needs %d chunks, limit is %d", len(payload), n, MaxFragments)
	}
	out := make([][]byte, 0, n)
	for i := range n {
		end := min((i+1)*chunkSize, len(payload))
		d := make([]byte, 0, HeaderSize+end-i*chunkSize)
		d = AppendHeader(d, id, uint8(i), uint8(n)) //nolint:gosec // n <= MaxFragments
		d = append(d, payload[i*chunkSize:end]...)
		out = append(out, d)
	}
	return out, nil
}
