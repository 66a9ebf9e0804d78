package otlp

import (
	"io"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/grpc/encoding"
	_ "google.golang.org/grpc/encoding/gzip" // gzip for the Export service
)

// Collectors built on the OpenTelemetry SDK offer gzip and zstd for gRPC
// export. gzip ships with grpc; zstd is registered here.
func init() {
	encoding.RegisterCompressor(exportZstd{})
}

type exportZstd struct{}

func (exportZstd) Name() string { return "zstd" }

// Compress is only used for Export responses, which are tiny.
func (exportZstd) Compress(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
}

// Decompress caps a request at the HTTP body limit. With a single-goroutine
// decoder the reader needs no Close and is reclaimed with the request.
func (exportZstd) Decompress(r io.Reader) (io.Reader, error) {
	return zstd.NewReader(r,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(DefaultMaxBodySize),
	)
}
