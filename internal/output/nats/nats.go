// Package nats provides an output that publishes messages to NATS.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kerk1/ThreatHunting-graylog/internal/logging"
	"github.com/kerk1/ThreatHunting-graylog/internal/message"
)

// Config holds NATS output configuration.
type Config struct {
	Name    string
	URL     string
	Subject string

	// PerStream publishes to <Subject>.<stream> for every stream the
	// message was routed to instead of the bare subject. Messages without
	// streams still go to Subject.
	PerStream bool

	User     string
	Password string //nolint:gosec // G117: config field, not a hardcoded credential
	Token    string

	Logger *slog.Logger
}

// Output publishes one JSON document per message.
type Output struct {
	cfg    Config
	nc     *nats.Conn
	logger *slog.Logger
}

// New connects to the server. The connection reconnects on its own; while
// disconnected, publishes are buffered by the client.
func New(cfg Config) (*Output, error) {
	o := &Output{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "output", "type", "nats", "name", cfg.Name),
	}
	nc, err := nats.Connect(cfg.URL, o.options()...)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", cfg.URL, err)
	}
	o.nc = nc
	o.logger.Info("connected to nats", "url", cfg.URL, "subject", cfg.Subject)
	return o, nil
}

func (o *Output) options() []nats.Option {
	opts := []nats.Option{
		nats.Name("graylogd-" + o.cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.Timeout(5 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				o.logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			o.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if o.cfg.User != "" && o.cfg.Password != "" {
		opts = append(opts, nats.UserInfo(o.cfg.User, o.cfg.Password))
	}
	if o.cfg.Token != "" {
		opts = append(opts, nats.Token(o.cfg.Token))
	}
	return opts
}

func (o *Output) Name() string { return o.cfg.Name }

func (o *Output) Write(_ context.Context, msg *message.Message) error {
	data, err := json.Marshal(msg.Document())
	if err != nil {
		return fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	for _, subject := range subjects(o.cfg.Subject, o.cfg.PerStream, msg.Streams) {
		if err := o.nc.Publish(subject, data); err != nil {
			return fmt.Errorf("publish %s: %w", subject, err)
		}
	}
	return nil
}

// subjects returns the subjects a message with the given streams is
// published to. Stream names are sanitized into single subject tokens.
func subjects(base string, perStream bool, streams []string) []string {
	if !perStream || len(streams) == 0 {
		return []string{base}
	}
	out := make([]string, 0, len(streams))
	for _, s := range streams {
		out = append(out, base+"."+subjectToken(s))
	}
	return out
}

func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// Close drains pending publishes and closes the connection.
func (o *Output) Close() error {
	return o.nc.Drain()
}
