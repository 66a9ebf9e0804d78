// Package clickhouse provides an output that inserts messages into a
// ClickHouse table in batches.
package clickhouse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/kerk1/ThreatHunting-graylog/internal/logging"
	"github.com/kerk1/ThreatHunting-graylog/internal/message"
)

const createTableStatement = `
CREATE TABLE IF NOT EXISTS %s (
    Timestamp    DateTime64(3),
    ID           String,
    Host         String,
    Source       String,
    Level        Int8,
    ShortMessage String,
    FullMessage  String,
    Streams      Array(String),
    Fields       String
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Timestamp)
ORDER BY (Host, Timestamp);
`

// Config holds ClickHouse output configuration.
type Config struct {
	Name     string
	Addr     []string
	Database string
	Username string
	Password string //nolint:gosec // G117: config field, not a hardcoded credential
	Table    string

	// Rows are buffered and sent once BatchSize rows are pending or
	// FlushInterval has passed, whichever comes first.
	BatchSize     int
	FlushInterval time.Duration

	Logger *slog.Logger
}

// Output batches messages into INSERTs.
type Output struct {
	cfg    Config
	conn   driver.Conn
	logger *slog.Logger

	mu      sync.Mutex
	pending [][]any

	stop chan struct{}
	done chan struct{}
}

// New connects, ensures the table exists and starts the flush loop.
func New(ctx context.Context, cfg Config) (*Output, error) {
	if cfg.Table == "" {
		cfg.Table = "graylog_messages"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Addr,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	if err := conn.Exec(ctx, fmt.Sprintf(createTableStatement, cfg.Table)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse create table: %w", err)
	}

	o := &Output{
		cfg:    cfg,
		conn:   conn,
		logger: logging.Default(cfg.Logger).With("component", "output", "type", "clickhouse", "name", cfg.Name),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go o.flushLoop()
	o.logger.Info("clickhouse output ready", "addr", cfg.Addr, "table", cfg.Table)
	return o, nil
}

func (o *Output) Name() string { return o.cfg.Name }

// Write buffers msg and sends the batch once it is full.
func (o *Output) Write(ctx context.Context, msg *message.Message) error {
	r, err := row(msg)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.pending = append(o.pending, r)
	full := len(o.pending) >= o.cfg.BatchSize
	o.mu.Unlock()

	if full {
		return o.flush(ctx)
	}
	return nil
}

func (o *Output) flushLoop() {
	defer close(o.done)
	ticker := time.NewTicker(o.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stop:
			return
		case <-ticker.C:
			if err := o.flush(context.Background()); err != nil {
				o.logger.Warn("clickhouse flush failed", "error", err)
			}
		}
	}
}

// flush sends pending rows. Rows of a failed batch are dropped.
func (o *Output) flush(ctx context.Context) error {
	o.mu.Lock()
	rows := o.pending
	o.pending = nil
	o.mu.Unlock()
	if len(rows) == 0 {
		return nil
	}

	batch, err := o.conn.PrepareBatch(ctx, "INSERT INTO "+o.cfg.Table)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, r := range rows {
		if err := batch.Append(r...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch of %d rows: %w", len(rows), err)
	}
	return nil
}

// row maps msg onto the table columns. Standard fields get their own
// columns; everything else goes into Fields as JSON.
func row(msg *message.Message) ([]any, error) {
	extra := maps.Clone(msg.Fields)
	for _, k := range []string{message.FieldHost, message.FieldShortMessage, message.FieldFullMessage, message.FieldLevel, message.FieldTimestamp} {
		delete(extra, k)
	}
	fields, err := json.Marshal(extra)
	if err != nil {
		return nil, fmt.Errorf("encode fields of %s: %w", msg.ID, err)
	}
	streams := msg.Streams
	if streams == nil {
		streams = []string{}
	}
	return []any{
		msg.Timestamp,
		msg.ID,
		msg.String(message.FieldHost),
		msg.Source,
		level(msg),
		msg.String(message.FieldShortMessage),
		msg.String(message.FieldFullMessage),
		streams,
		string(fields),
	}, nil
}

// level returns the syslog level as Int8, or -1 when absent.
func level(msg *message.Message) int8 {
	v, ok := msg.Get(message.FieldLevel)
	if !ok {
		return -1
	}
	switch n := v.(type) {
	case int:
		return int8(n)
	case int64:
		return int8(n)
	case float64:
		return int8(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int8(i)
		}
	}
	return -1
}

// Close flushes pending rows and closes the connection.
func (o *Output) Close() error {
	close(o.stop)
	<-o.done
	return errors.Join(o.flush(context.Background()), o.conn.Close())
}
