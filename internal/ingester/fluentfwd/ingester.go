// Package fluentfwd provides a Fluent Forward input. It accepts records from
// Fluentd and Fluent Bit over TCP in Message, Forward, PackedForward and
// CompressedPackedForward modes.
package fluentfwd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"

	"github.com/kerk1/ThreatHunting-graylog/internal/fluent"
	"github.com/kerk1/ThreatHunting-graylog/internal/ingester/flow"
	"github.com/kerk1/ThreatHunting-graylog/internal/logging"
	"github.com/kerk1/ThreatHunting-graylog/internal/message"
	"github.com/kerk1/ThreatHunting-graylog/internal/orchestrator"
	"github.com/kerk1/ThreatHunting-graylog/internal/throughput"
)

// FieldTag holds the Fluent tag of an ingested record.
const FieldTag = "tag"

// Keys searched, in order, for the record's log line.
var messageKeys = []string{"message", "log", "msg"}

// Config holds Fluent Forward input configuration.
type Config struct {
	Name string
	Addr string // e.g. ":24224"

	// OnFull selects the behaviour when intake is full.
	OnFull flow.Mode

	Counters *throughput.Counters
	Logger   *slog.Logger
}

// Ingester accepts records via the Fluent Forward protocol. It implements
// orchestrator.Ingester.
//
// Each record becomes one message: the log line (message, log or msg key)
// is the short_message, host or hostname the host, and the remaining keys
// are kept as additional fields. Acks are sent only after every entry of
// a request was accepted, so a client waiting for acks sees backpressure.
type Ingester struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new Fluent Forward ingester.
func New(cfg Config) (*Ingester, error) {
	if cfg.Addr == "" {
		return nil, errors.New("fluentfwd ingester: addr is required")
	}
	if cfg.Counters == nil {
		cfg.Counters = throughput.New()
	}
	return &Ingester{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "ingester", "type", "fluentfwd", "name", cfg.Name),
	}, nil
}

// Run starts the TCP listener and blocks until ctx is cancelled or the
// pipeline stops accepting messages.
func (ing *Ingester) Run(ctx context.Context, sink orchestrator.IngestSink) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ln, err := net.Listen("tcp", ing.cfg.Addr)
	if err != nil {
		return fmt.Errorf("fluentfwd listen %s: %w", ing.cfg.Addr, err)
	}
	ing.mu.Lock()
	ing.listener = ln
	ing.mu.Unlock()

	ing.logger.Info("fluent forward listening", "addr", ln.Addr().String())

	ctl := flow.New(sink, flow.Config{Mode: ing.cfg.OnFull, Counters: ing.cfg.Counters})
	stopAccept := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stopAccept()

	var wg sync.WaitGroup
	defer func() {
		cancel()
		_ = ln.Close()
		wg.Wait()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			ing.logger.Warn("accept error", "error", err)
			continue
		}

		wg.Go(func() {
			defer func() { _ = conn.Close() }()
			stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
			defer stop()
			if errors.Is(ing.handleConn(ctx, conn, ctl), orchestrator.ErrNotRunning) {
				cancel()
			}
		})
	}
}

// Addr returns the listener address. Only valid after Run() has started.
func (ing *Ingester) Addr() net.Addr {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	if ing.listener == nil {
		return nil
	}
	return ing.listener.Addr()
}

// handleConn reads requests until the peer disconnects or a request is
// malformed. It returns the submit error that ended the connection, if any.
func (ing *Ingester) handleConn(ctx context.Context, conn net.Conn, ctl *flow.Controller) error {
	remote := conn.RemoteAddr().String()
	source := remote
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		source = addr.IP.String()
	}
	ing.logger.Debug("connection accepted", "remote", remote)

	submit := func(tag string, ts time.Time, record map[string]any) error {
		return ctl.Submit(ctx, buildMessage(tag, ts, record, source))
	}

	dec := msgpack.NewDecoder(conn)
	for {
		option, err := ing.readRequest(dec, submit)
		if err != nil {
			var submitErr *submitError
			if errors.As(err, &submitErr) {
				return submitErr.err
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) &&
				!errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				ing.cfg.Counters.Inc(throughput.DecodeErrors)
				ing.logger.Warn("decode error", "remote", remote, "error", err)
			}
			return nil
		}

		if chunk, ok := option["chunk"].(string); ok && chunk != "" {
			data, err := msgpack.Marshal(map[string]string{"ack": chunk})
			if err != nil {
				return nil
			}
			if _, err := conn.Write(data); err != nil {
				return nil
			}
		}
	}
}

// submitError marks a failure to hand a record to the pipeline, as opposed
// to a protocol error.
type submitError struct{ err error }

func (e *submitError) Error() string { return e.err.Error() }
func (e *submitError) Unwrap() error { return e.err }

type submitFunc func(tag string, ts time.Time, record map[string]any) error

// readRequest decodes one request, submits its entries and returns the
// option map.
func (ing *Ingester) readRequest(dec *msgpack.Decoder, submit submitFunc) (map[string]any, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	if n < 2 || n > 4 {
		return nil, fmt.Errorf("unexpected request length %d", n)
	}
	tag, err := dec.DecodeString()
	if err != nil {
		return nil, fmt.Errorf("decode tag: %w", err)
	}
	code, err := dec.PeekCode()
	if err != nil {
		return nil, err
	}

	var entries []entry
	optionAt := 3
	switch {
	case msgpcode.IsBin(code) || msgpcode.IsString(code):
		// PackedForward or CompressedPackedForward: [tag, bin, option?]
		packed, err := dec.DecodeBytes()
		if err != nil {
			return nil, fmt.Errorf("decode packed entries: %w", err)
		}
		option, err := decodeOption(dec, n, optionAt)
		if err != nil {
			return nil, err
		}
		if compressed, _ := option["compressed"].(string); compressed == "gzip" {
			if packed, err = gunzip(packed); err != nil {
				return nil, fmt.Errorf("decompress packed entries: %w", err)
			}
		}
		if entries, err = decodePacked(packed); err != nil {
			return nil, err
		}
		return option, submitAll(tag, entries, submit)

	case isArrayCode(code):
		// Forward: [tag, [[time, record], ...], option?]
		if entries, err = decodeEntries(dec); err != nil {
			return nil, err
		}

	default:
		// Message: [tag, time, record, option?]
		if n < 3 {
			return nil, fmt.Errorf("message mode request has %d elements", n)
		}
		e, err := decodeEntry(dec)
		if err != nil {
			return nil, err
		}
		entries = []entry{e}
		optionAt = 4
	}

	option, err := decodeOption(dec, n, optionAt)
	if err != nil {
		return nil, err
	}
	return option, submitAll(tag, entries, submit)
}

func submitAll(tag string, entries []entry, submit submitFunc) error {
	for _, e := range entries {
		if err := submit(tag, e.ts, e.record); err != nil {
			return &submitError{err: err}
		}
	}
	return nil
}

// entry is a [time, record] pair.
type entry struct {
	ts     time.Time
	record map[string]any
}

// decodeEntry decodes the time and record of an entry.
func decodeEntry(dec *msgpack.Decoder) (entry, error) {
	ts, err := fluent.DecodeTime(dec)
	if err != nil {
		return entry{}, fmt.Errorf("decode time: %w", err)
	}
	var record map[string]any
	if err := dec.Decode(&record); err != nil {
		return entry{}, fmt.Errorf("decode record: %w", err)
	}
	return entry{ts: ts, record: record}, nil
}

func decodeEntries(dec *msgpack.Decoder) ([]entry, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	entries := make([]entry, 0, n)
	for range n {
		e, err := decodeArrayEntry(dec)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// decodePacked decodes concatenated [time, record] entries.
func decodePacked(data []byte) ([]entry, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	var entries []entry
	for {
		e, err := decodeArrayEntry(dec)
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
}

func decodeArrayEntry(dec *msgpack.Decoder) (entry, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return entry{}, err
	}
	if n < 2 {
		return entry{}, fmt.Errorf("entry too short: %d elements", n)
	}
	e, err := decodeEntry(dec)
	if err != nil {
		return entry{}, err
	}
	for range n - 2 {
		if err := dec.Skip(); err != nil {
			return entry{}, err
		}
	}
	return e, nil
}

// decodeOption reads the option map if the request carries one at
// position at (1-based).
func decodeOption(dec *msgpack.Decoder, n, at int) (map[string]any, error) {
	if n < at {
		return nil, nil
	}
	var option map[string]any
	if err := dec.Decode(&option); err != nil {
		return nil, fmt.Errorf("decode option: %w", err)
	}
	return option, nil
}

func gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

func isArrayCode(c byte) bool {
	return msgpcode.IsFixedArray(c) || c == msgpcode.Array16 || c == msgpcode.Array32
}

// buildMessage converts a record into a message.
func buildMessage(tag string, ts time.Time, record map[string]any, source string) *message.Message {
	fields := make(map[string]any, len(record)+4)
	for k, v := range record {
		fields[k] = normalize(v)
	}

	short := ""
	for _, key := range messageKeys {
		if v, ok := fields[key]; ok {
			short = fmt.Sprint(v)
			delete(fields, key)
			break
		}
	}
	if short == "" {
		data, _ := json.Marshal(fields)
		short = string(data)
	}

	host, _ := fields["host"].(string)
	if host == "" {
		host, _ = fields["hostname"].(string)
		delete(fields, "hostname")
	}
	if host == "" {
		host = source
	}

	fields[message.FieldVersion] = "1.1"
	fields[message.FieldHost] = host
	fields[message.FieldShortMessage] = short
	fields[FieldTag] = tag
	return message.New(fields, ts, source)
}

// normalize converts msgpack scalars to the types the filters expect:
// integers become int64 and binary strings become string.
func normalize(v any) any {
	switch n := v.(type) {
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		if n > 1<<63-1 {
			return float64(n)
		}
		return int64(n)
	case float32:
		return float64(n)
	case []byte:
		return string(n)
	default:
		return v
	}
}
