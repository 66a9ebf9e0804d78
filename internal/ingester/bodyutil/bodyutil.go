// Package bodyutil reads HTTP request bodies for the HTTP inputs,
// decompressing them according to Content-Encoding.
package bodyutil

import (
	"errors"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// ErrTooLarge reports a decompressed body over the caller's limit.
var ErrTooLarge = errors.New("request body too large")

// zstdDec is a concurrent-safe zstd decoder.
var zstdDec *zstd.Decoder

func init() {
	var err error
	zstdDec, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(0),
		zstd.WithDecoderMaxMemory(64<<20),
	)
	if err != nil {
		panic("bodyutil: init zstd decoder: " + err.Error())
	}
}

// ReadBody reads and decompresses a request body according to its
// Content-Encoding (identity, gzip, deflate, br or zstd). At most maxBytes
// of decompressed output are returned; a larger body is an error rather
// than a silent truncation.
func ReadBody(body io.Reader, contentEncoding string, maxBytes int64) ([]byte, error) {
	var r io.Reader
	switch contentEncoding {
	case "", "identity":
		r = body
	case "gzip":
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("open gzip reader: %w", err)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	case "deflate":
		zr, err := zlib.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("open deflate reader: %w", err)
		}
		defer func() { _ = zr.Close() }()
		r = zr
	case "br":
		r = brotli.NewReader(body)
	case "zstd":
		compressed, err := io.ReadAll(io.LimitReader(body, maxBytes+1))
		if err != nil {
			return nil, fmt.Errorf("read compressed body: %w", err)
		}
		out, err := zstdDec.DecodeAll(compressed, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress zstd body: %w", err)
		}
		if int64(len(out)) > maxBytes {
			return nil, ErrTooLarge
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported Content-Encoding: %q", contentEncoding)
	}

	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, ErrTooLarge
	}
	return data, nil
}
