// Package mqtt provides an output that publishes messages to an MQTT broker.
//
// Protocol 3.1.1 uses the paho.mqtt.golang client. Protocol 5 uses the
// autopaho connection manager from paho.golang, which reconnects and
// resumes the session on its own.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/kerk1/ThreatHunting-graylog/internal/logging"
	"github.com/kerk1/ThreatHunting-graylog/internal/message"
)

// ErrTimeout is returned when the broker does not acknowledge in time.
var ErrTimeout = errors.New("mqtt: timed out")

// Config holds MQTT output configuration.
type Config struct {
	Name     string
	Broker   string // tcp://host:1883, ssl://host:8883, ws://...
	ClientID string

	// Topic may contain {host} and {stream}, replaced per message.
	Topic    string
	QoS      byte
	Retained bool
	Username string
	Password string //nolint:gosec // G117: config field, not a hardcoded credential
	Timeout  time.Duration

	// Version is the MQTT protocol version, 3 (3.1.1, default) or 5.
	Version int

	Logger *slog.Logger
}

// Output publishes one JSON document per message.
type Output struct {
	cfg    Config
	pub    publisher
	logger *slog.Logger
}

// publisher is a connected client of one protocol version.
type publisher interface {
	publish(ctx context.Context, topic string, payload []byte) error
	close() error
}

// New connects to the broker. The client reconnects on its own after the
// initial connection succeeded.
func New(cfg Config) (*Output, error) {
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("mqtt output: invalid qos %d", cfg.QoS)
	}
	switch cfg.Version {
	case 0:
		cfg.Version = 3
	case 3, 5:
	default:
		return nil, fmt.Errorf("mqtt output: unsupported protocol version %d", cfg.Version)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "graylogd-" + cfg.Name
	}
	o := &Output{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "output", "type", "mqtt", "name", cfg.Name),
	}

	var err error
	if cfg.Version == 5 {
		o.pub, err = dialV5(cfg, o.logger)
	} else {
		o.pub, err = dialV3(cfg, o.logger)
	}
	if err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	return o, nil
}

type v3Client struct {
	client   pahomqtt.Client
	qos      byte
	retained bool
	timeout  time.Duration
}

func dialV3(cfg Config, logger *slog.Logger) (*v3Client, error) {
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.Timeout).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			logger.Warn("mqtt connection lost", "error", err)
		}).
		SetOnConnectHandler(func(pahomqtt.Client) {
			logger.Info("mqtt connected", "broker", cfg.Broker)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	c := &v3Client{
		client:   pahomqtt.NewClient(opts),
		qos:      cfg.QoS,
		retained: cfg.Retained,
		timeout:  cfg.Timeout,
	}
	if err := wait(c.client.Connect(), cfg.Timeout); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *v3Client) publish(ctx context.Context, topic string, payload []byte) error {
	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	return wait(c.client.Publish(topic, c.qos, c.retained, payload), timeout)
}

// close disconnects after giving in-flight publishes a moment to finish.
func (c *v3Client) close() error {
	c.client.Disconnect(250)
	return nil
}

func wait(tok pahomqtt.Token, timeout time.Duration) error {
	if !tok.WaitTimeout(timeout) {
		return ErrTimeout
	}
	return tok.Error()
}

func (o *Output) Name() string { return o.cfg.Name }

func (o *Output) Write(ctx context.Context, msg *message.Message) error {
	payload, err := json.Marshal(msg.Document())
	if err != nil {
		return fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	for _, topic := range topics(o.cfg.Topic, msg) {
		if err := o.pub.publish(ctx, topic, payload); err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
	}
	return nil
}

// topics expands the topic template for msg. A template with {stream}
// yields one topic per stream, or "default" when the message has none.
func topics(template string, msg *message.Message) []string {
	t := strings.ReplaceAll(template, "{host}", topicLevel(msg.String(message.FieldHost)))
	if !strings.Contains(t, "{stream}") {
		return []string{t}
	}
	streams := msg.Streams
	if len(streams) == 0 {
		streams = []string{"default"}
	}
	out := make([]string, 0, len(streams))
	for _, s := range streams {
		out = append(out, strings.ReplaceAll(t, "{stream}", topicLevel(s)))
	}
	return out
}

// topicLevel makes s safe to use as one topic level.
func topicLevel(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#':
			return '_'
		}
		return r
	}, s)
}

func (o *Output) Close() error {
	return o.pub.close()
}
