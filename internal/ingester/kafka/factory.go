package kafka

import (
	"fmt"
	"log/slog"

	"github.com/kerk1/ThreatHunting-graylog/internal/ingester/flow"
	"github.com/kerk1/ThreatHunting-graylog/internal/kafkaclient"
	"github.com/kerk1/ThreatHunting-graylog/internal/orchestrator"
	"github.com/kerk1/ThreatHunting-graylog/internal/throughput"
)

// NewFactory returns an IngesterFactory for Kafka inputs. on_full defaults
// to pause: a consumer can stop polling without losing records.
func NewFactory(counters *throughput.Counters) orchestrator.IngesterFactory {
	return func(name string, params map[string]string, logger *slog.Logger) (orchestrator.Ingester, error) {
		conn, err := kafkaclient.FromParams(params)
		if err != nil {
			return nil, fmt.Errorf("kafka ingester: %w", err)
		}
		topic := params["topic"]
		if topic == "" {
			return nil, fmt.Errorf("kafka ingester: topic param is required")
		}

		mode := flow.Pause
		if s := params["on_full"]; s != "" {
			if mode, err = flow.ParseMode(s); err != nil {
				return nil, fmt.Errorf("kafka ingester: %w", err)
			}
		}

		ing, err := New(Config{
			Name:     name,
			Params:   conn,
			Topic:    topic,
			Group:    params["group"],
			OnFull:   mode,
			Counters: counters,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		return ing, nil
	}
}
