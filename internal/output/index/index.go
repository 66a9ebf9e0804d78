// Package index provides the output that stores messages in the index the
// deflector alias currently points at.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/kerk1/ThreatHunting-graylog/internal/deflector"
	"github.com/kerk1/ThreatHunting-graylog/internal/logging"
	"github.com/kerk1/ThreatHunting-graylog/internal/message"
	"github.com/kerk1/ThreatHunting-graylog/internal/throughput"
)

// DefaultNotifyEvery is how many writes pass between rotation wakeups.
const DefaultNotifyEvery = 1000

// ErrNoTarget is returned while the deflector has no write target.
var ErrNoTarget = errors.New("no write index available")

// Writer appends documents to a named index.
type Writer interface {
	Append(ctx context.Context, index string, doc map[string]any) error
}

// Targeter supplies the current write index and accepts rotation hints.
// *deflector.Deflector implements it.
type Targeter interface {
	Target() (deflector.Target, bool)
	Notify()
}

type Config struct {
	Name        string
	Writer      Writer
	Deflector   Targeter
	NotifyEvery int64
	Counters    *throughput.Counters
	Logger      *slog.Logger
}

// Output writes messages through the deflector.
type Output struct {
	cfg    Config
	writes atomic.Int64
	logger *slog.Logger
}

func New(cfg Config) (*Output, error) {
	if cfg.Writer == nil || cfg.Deflector == nil {
		return nil, errors.New("index output: writer and deflector are required")
	}
	if cfg.Name == "" {
		cfg.Name = "index"
	}
	if cfg.NotifyEvery <= 0 {
		cfg.NotifyEvery = DefaultNotifyEvery
	}
	if cfg.Counters == nil {
		cfg.Counters = throughput.New()
	}
	return &Output{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "output", "type", "index", "name", cfg.Name),
	}, nil
}

func (o *Output) Name() string { return o.cfg.Name }

// Write resolves the target before every write. If the write fails and the
// alias moved in the meantime, it is retried once against the new target.
func (o *Output) Write(ctx context.Context, msg *message.Message) error {
	target, ok := o.cfg.Deflector.Target()
	if !ok {
		return ErrNoTarget
	}
	doc := msg.Document()
	err := o.cfg.Writer.Append(ctx, target.Index, doc)
	if err != nil {
		next, ok := o.cfg.Deflector.Target()
		if !ok || next.Generation == target.Generation {
			return fmt.Errorf("write to %s: %w", target.Index, err)
		}
		o.logger.Debug("write target moved, retrying", "from", target.Index, "to", next.Index)
		if err := o.cfg.Writer.Append(ctx, next.Index, doc); err != nil {
			return fmt.Errorf("write to %s: %w", next.Index, err)
		}
	}

	o.cfg.Counters.Inc(throughput.IndexWrites)
	if o.writes.Add(1)%o.cfg.NotifyEvery == 0 {
		o.cfg.Deflector.Notify()
	}
	return nil
}

// Writes returns the number of successful writes.
func (o *Output) Writes() int64 { return o.writes.Load() }
