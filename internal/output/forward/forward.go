// Package forward provides an output that sends messages to Fluentd or
// Fluent Bit using the Fluent Forward protocol (msgpack over TCP).
//
// Each message is sent in Message mode: [tag, EventTime, record, option].
// With RequireAck set, option carries a chunk id and Write waits for the
// peer's {"ack": chunk} response.
package forward

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/kerk1/ThreatHunting-graylog/internal/fluent"
	"github.com/kerk1/ThreatHunting-graylog/internal/logging"
	"github.com/kerk1/ThreatHunting-graylog/internal/message"
)

// Config holds Fluent Forward output configuration.
type Config struct {
	Name       string
	Addr       string // e.g. "fluentd:24224"
	Tag        string // default "graylog"
	RequireAck bool
	Timeout    time.Duration // dial, write and ack timeout
	Logger     *slog.Logger
}

// Output keeps one connection and redials after a failed write.
type Output struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
}

func New(cfg Config) *Output {
	if cfg.Tag == "" {
		cfg.Tag = "graylog"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Output{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "output", "type", "forward", "name", cfg.Name),
	}
}

func (o *Output) Name() string { return o.cfg.Name }

// Write sends msg. Writes are serialized over the single connection.
func (o *Output) Write(ctx context.Context, msg *message.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.connectLocked(ctx); err != nil {
		return err
	}
	if err := o.sendLocked(msg); err != nil {
		o.closeLocked()
		return err
	}
	return nil
}

func (o *Output) connectLocked(ctx context.Context) error {
	if o.conn != nil {
		return nil
	}
	d := net.Dialer{Timeout: o.cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", o.cfg.Addr)
	if err != nil {
		return fmt.Errorf("forward dial %s: %w", o.cfg.Addr, err)
	}
	o.conn = conn
	o.r = bufio.NewReader(conn)
	o.logger.Debug("forward connected", "addr", o.cfg.Addr)
	return nil
}

func (o *Output) sendLocked(msg *message.Message) error {
	var chunk string
	if o.cfg.RequireAck {
		id := uuid.New()
		chunk = base64.StdEncoding.EncodeToString(id[:])
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_ = o.conn.SetDeadline(time.Now().Add(o.cfg.Timeout))
	w := bufio.NewWriter(o.conn)
	enc := msgpack.NewEncoder(w)
	n := 3
	if chunk != "" {
		n = 4
	}
	if err := enc.EncodeArrayLen(n); err != nil {
		return err
	}
	if err := enc.EncodeString(o.cfg.Tag); err != nil {
		return err
	}
	if err := enc.Encode(&fluent.EventTime{Time: ts}); err != nil {
		return err
	}
	if err := enc.Encode(msg.Document()); err != nil {
		return fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	if chunk != "" {
		if err := enc.Encode(map[string]string{"chunk": chunk}); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("forward write: %w", err)
	}

	if chunk == "" {
		return nil
	}
	var resp map[string]any
	if err := msgpack.NewDecoder(o.r).Decode(&resp); err != nil {
		return fmt.Errorf("forward ack: %w", err)
	}
	if ack, _ := resp["ack"].(string); ack != chunk {
		return fmt.Errorf("forward ack: got %q, want %q", ack, chunk)
	}
	return nil
}

func (o *Output) closeLocked() {
	if o.conn != nil {
		_ = o.conn.Close()
		o.conn = nil
		o.r = nil
	}
}

func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closeLocked()
	return nil
}
