// Package kafka provides an output that produces messages to a Kafka topic
// using franz-go.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/kerk1/ThreatHunting-graylog/internal/kafkaclient"
	"github.com/kerk1/ThreatHunting-graylog/internal/logging"
	"github.com/kerk1/ThreatHunting-graylog/internal/message"
)

// Config holds Kafka output configuration.
type Config struct {
	Name string
	kafkaclient.Params
	Topic string

	// KeyField names the message field used as record key. Empty means
	// the host field.
	KeyField string

	// DeliveryTimeout bounds how long a record may wait for the broker,
	// retries included. Zero means DefaultDeliveryTimeout.
	DeliveryTimeout time.Duration

	Logger *slog.Logger
}

// DefaultDeliveryTimeout applies when Config.DeliveryTimeout is zero.
const DefaultDeliveryTimeout = 10 * time.Second

// Output produces one JSON record per message.
type Output struct {
	cfg    Config
	client *kgo.Client
	logger *slog.Logger
}

// New creates the client. Brokers are contacted lazily on the first write.
func New(cfg Config) (*Output, error) {
	if cfg.KeyField == "" {
		cfg.KeyField = message.FieldHost
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = DefaultDeliveryTimeout
	}
	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	opts = append(opts,
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RecordDeliveryTimeout(cfg.DeliveryTimeout),
	)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	o := &Output{
		cfg:    cfg,
		client: client,
		logger: logging.Default(cfg.Logger).With("component", "output", "type", "kafka", "name", cfg.Name),
	}
	o.logger.Info("kafka producer created", "brokers", cfg.Brokers, "topic", cfg.Topic)
	return o, nil
}

func (o *Output) Name() string { return o.cfg.Name }

// Write produces msg and waits for the broker acknowledgement, at most
// DeliveryTimeout.
func (o *Output) Write(ctx context.Context, msg *message.Message) error {
	rec, err := o.record(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.DeliveryTimeout)
	defer cancel()
	return o.client.ProduceSync(ctx, rec).FirstErr()
}

func (o *Output) record(msg *message.Message) (*kgo.Record, error) {
	value, err := json.Marshal(msg.Document())
	if err != nil {
		return nil, fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	rec := &kgo.Record{
		Topic: o.cfg.Topic,
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "message_id", Value: []byte(msg.ID)},
		},
	}
	if key := msg.String(o.cfg.KeyField); key != "" {
		rec.Key = []byte(key)
	}
	if !msg.Timestamp.IsZero() {
		rec.Timestamp = msg.Timestamp
	}
	return rec, nil
}

// Close flushes buffered records and closes the client.
func (o *Output) Close() error {
	err := o.client.Flush(context.Background())
	o.client.Close()
	return err
}
