// Package kafka provides a GELF input that consumes a Kafka topic using
// franz-go. Each record value is one GELF payload (plain, gzip or zlib).
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/kerk1/ThreatHunting-graylog/internal/gelf"
	"github.com/kerk1/ThreatHunting-graylog/internal/ingester/flow"
	"github.com/kerk1/ThreatHunting-graylog/internal/kafkaclient"
	"github.com/kerk1/ThreatHunting-graylog/internal/logging"
	"github.com/kerk1/ThreatHunting-graylog/internal/message"
	"github.com/kerk1/ThreatHunting-graylog/internal/orchestrator"
	"github.com/kerk1/ThreatHunting-graylog/internal/throughput"
)

// DefaultGroup is the consumer group used when none is configured.
const DefaultGroup = "graylogd"

// Config holds Kafka input configuration.
type Config struct {
	Name string
	kafkaclient.Params
	Topic string
	Group string

	// OnFull selects the behaviour when intake is full. Pause stops
	// polling until the pipeline has room, so the lag stays in Kafka.
	OnFull flow.Mode

	Counters *throughput.Counters
	Now      func() time.Time
	Logger   *slog.Logger
}

// Ingester consumes GELF messages from a Kafka topic.
type Ingester struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a new Kafka ingester. Brokers are contacted in Run.
func New(cfg Config) (*Ingester, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka ingester: brokers and topic are required")
	}
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.Counters == nil {
		cfg.Counters = throughput.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Ingester{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "ingester", "type", "kafka", "name", cfg.Name),
	}, nil
}

// Run connects to Kafka and polls records until ctx is cancelled or the
// pipeline stops accepting messages.
func (ing *Ingester) Run(ctx context.Context, sink orchestrator.IngestSink) error {
	opts, err := ing.cfg.Options()
	if err != nil {
		return err
	}
	opts = append(opts,
		kgo.ConsumeTopics(ing.cfg.Topic),
		kgo.ConsumerGroup(ing.cfg.Group),
	)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("kafka client: %w", err)
	}
	defer client.Close()

	ctl := flow.New(sink, flow.Config{Mode: ing.cfg.OnFull, Counters: ing.cfg.Counters})

	ing.logger.Info("kafka consumer started",
		"brokers", ing.cfg.Brokers,
		"topic", ing.cfg.Topic,
		"group", ing.cfg.Group,
	)

	for {
		fetches := client.PollFetches(ctx)
		if ctx.Err() != nil {
			ing.logger.Info("kafka consumer stopping")
			_ = client.CommitUncommittedOffsets(context.Background())
			return nil
		}

		for _, e := range fetches.Errors() {
			ing.logger.Warn("kafka fetch error",
				"topic", e.Topic,
				"partition", e.Partition,
				"error", e.Err,
			)
		}

		var stop error
		fetches.EachRecord(func(rec *kgo.Record) {
			if stop != nil {
				return
			}
			msg := ing.decode(rec)
			if msg == nil {
				return
			}
			if err := ctl.Submit(ctx, msg); err != nil {
				stop = err
			}
		})
		if stop != nil {
			if errors.Is(stop, orchestrator.ErrNotRunning) || errors.Is(stop, context.Canceled) {
				return nil
			}
			return stop
		}
	}
}

// decode turns a record into a message, or returns nil for a payload that
// is not valid GELF.
func (ing *Ingester) decode(rec *kgo.Record) *message.Message {
	source := rec.Topic + "/" + strconv.Itoa(int(rec.Partition))
	msg, err := gelf.Decode(rec.Value, source, ing.cfg.Now())
	if err != nil {
		ing.cfg.Counters.Inc(throughput.DecodeErrors)
		ing.logger.Debug("invalid GELF record",
			"topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset, "error", err)
		return nil
	}
	msg.Set("kafka_offset", rec.Offset)
	return msg
}
