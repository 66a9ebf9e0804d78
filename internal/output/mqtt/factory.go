package mqtt

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/kerk1/ThreatHunting-graylog/internal/orchestrator"
)

// NewFactory returns an OutputFactory for MQTT outputs.
func NewFactory() orchestrator.OutputFactory {
	return func(name string, params map[string]string, logger *slog.Logger) (orchestrator.Output, error) {
		cfg, err := configFromParams(name, params)
		if err != nil {
			return nil, err
		}
		cfg.Logger = logger
		out, err := New(cfg)
		if err != nil {
			return nil, err
		}
		return out, nil
	}
}

func configFromParams(name string, params map[string]string) (Config, error) {
	broker := params["broker"]
	if broker == "" {
		return Config{}, fmt.Errorf("mqtt output: broker param is required")
	}
	topic := params["topic"]
	if topic == "" {
		return Config{}, fmt.Errorf("mqtt output: topic param is required")
	}
	cfg := Config{
		Name:     name,
		Broker:   broker,
		ClientID: params["client_id"],
		Topic:    topic,
		Retained: params["retained"] == "true",
		Username: params["username"],
		Password: params["password"],
	}
	if s := params["qos"]; s != "" {
		qos, err := strconv.ParseUint(s, 10, 8)
		if err != nil || qos > 2 {
			return Config{}, fmt.Errorf("mqtt output: invalid qos %q", s)
		}
		cfg.QoS = byte(qos)
	}
	switch params["protocol"] {
	case "", "3", "3.1.1":
		cfg.Version = 3
	case "5":
		cfg.Version = 5
	default:
		return Config{}, fmt.Errorf("mqtt output: unsupported protocol %q", params["protocol"])
	}
	if s := params["timeout"]; s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return Config{}, fmt.Errorf("mqtt output: invalid timeout %q: %w", s, err)
		}
		cfg.Timeout = d
	}
	return cfg, nil
}
