package kafka

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kerk1/ThreatHunting-graylog/internal/kafkaclient"
	"github.com/kerk1/ThreatHunting-graylog/internal/orchestrator"
)

// NewFactory returns an OutputFactory for Kafka outputs.
func NewFactory() orchestrator.OutputFactory {
	return func(name string, params map[string]string, logger *slog.Logger) (orchestrator.Output, error) {
		conn, err := kafkaclient.FromParams(params)
		if err != nil {
			return nil, fmt.Errorf("kafka output: %w", err)
		}
		topic := params["topic"]
		if topic == "" {
			return nil, fmt.Errorf("kafka output: topic param is required")
		}
		var timeout time.Duration
		if v := params["delivery_timeout"]; v != "" {
			if timeout, err = time.ParseDuration(v); err != nil || timeout <= 0 {
				return nil, fmt.Errorf("kafka output: invalid delivery_timeout %q", v)
			}
		}

		out, err := New(Config{
			Name:            name,
			Params:          conn,
			Topic:           topic,
			KeyField:        params["key_field"],
			DeliveryTimeout: timeout,
			Logger:          logger,
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	}
}
