package gelf

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	"github.com/kerk1/ThreatHunting-graylog/internal/message"
)

// ErrDecode wraps payload decoding failures.
var ErrDecode = errors.New("gelf decode")

// maxDecompressed caps decompressed payloads (GELF messages are small;
// anything larger is garbage or an attack).
const maxDecompressed = 8 << 20

// Compression identifies how a payload is encoded.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionZlib
)

// DetectCompression inspects the leading bytes of payload.
func DetectCompression(payload []byte) Compression {
	if len(payload) >= 2 {
		if payload[0] == 0x1f && payload[1] == 0x8b {
			return CompressionGzip
		}
		// zlib: CMF 0x78 and (CMF*256+FLG) divisible by 31.
		if payload[0] == 0x78 && (uint16(payload[0])<<8|uint16(payload[1]))%31 == 0 {
			return CompressionZlib
		}
	}
	return CompressionNone
}

// Decompress returns the raw JSON bytes of payload.
func Decompress(payload []byte) ([]byte, error) {
	var r io.ReadCloser
	var err error
	switch DetectCompression(payload) {
	case CompressionGzip:
		r, err = gzip.NewReader(bytes.NewReader(payload))
	case CompressionZlib:
		r, err = zlib.NewReader(bytes.NewReader(payload))
	default:
		return payload, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	out, err := io.ReadAll(io.LimitReader(r, maxDecompressed+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxDecompressed {
		return nil, fmt.Errorf("decompressed payload exceeds %d bytes", maxDecompressed)
	}
	return out, nil
}

// Decode turns a complete GELF payload into a message. Additional fields
// ("_foo") are stored without the underscore; "_id" is reserved and dropped.
// A missing timestamp is replaced by now.
func Decode(payload []byte, source string, now time.Time) (*message.Message, error) {
	raw, err := Decompress(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %w", ErrDecode, err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	fields := make(map[string]any, len(doc))
	ts, stamped := now, false
	for k, v := range doc {
		if n, ok := v.(json.Number); ok {
			v = numberValue(n)
		}
		switch {
		case k == message.FieldTimestamp:
			if t, ok := parseTimestamp(v); ok {
				ts, stamped = t, true
			}
		case k == "_id":
		case strings.HasPrefix(k, "_") && len(k) > 1:
			fields[k[1:]] = v
		default:
			fields[k] = v
		}
	}

	if _, ok := fields[message.FieldShortMessage]; !ok {
		return nil, fmt.Errorf("%w: missing short_message", ErrDecode)
	}
	if _, ok := fields[message.FieldHost]; !ok && source != "" {
		fields[message.FieldHost] = source
	}

	msg := message.New(fields, ts, source)
	msg.ReceiveTime = !stamped
	return msg, nil
}

func numberValue(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

// parseTimestamp accepts GELF's seconds-since-epoch with optional
// fractional milliseconds.
func parseTimestamp(v any) (time.Time, bool) {
	var secs float64
	switch t := v.(type) {
	case int64:
		secs = float64(t)
	case float64:
		secs = t
	default:
		return time.Time{}, false
	}
	if secs <= 0 || math.IsInf(secs, 0) || math.IsNaN(secs) {
		return time.Time{}, false
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(math.Round(frac*1e6))*1e3).UTC(), true
}

// Encode marshals m as an uncompressed GELF 1.1 payload.
func Encode(m *message.Message) ([]byte, error) {
	doc := make(map[string]any, len(m.Fields)+2)
	doc[message.FieldVersion] = "1.1"
	for k, v := range m.Fields {
		switch k {
		case message.FieldVersion, message.FieldHost, message.FieldShortMessage,
			message.FieldFullMessage, message.FieldLevel, message.FieldFacility,
			message.FieldFile, message.FieldLine:
			doc[k] = v
		default:
			doc["_"+k] = v
		}
	}
	if !m.Timestamp.IsZero() {
		doc[message.FieldTimestamp] = float64(m.Timestamp.UnixMilli()) / 1e3
	}
	return json.Marshal(doc)
}
