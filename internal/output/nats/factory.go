package nats

import (
	"cmp"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/kerk1/ThreatHunting-graylog/internal/orchestrator"
)

// NewFactory returns an OutputFactory for NATS outputs.
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
	subject := params["subject"]
	if subject == "" {
		return Config{}, fmt.Errorf("nats output: subject param is required")
	}
	return Config{
		Name:      name,
		URL:       cmp.Or(params["url"], nats.DefaultURL),
		Subject:   subject,
		PerStream: params["per_stream"] == "true",
		User:      params["user"],
		Password:  params["password"],
		Token:     params["token"],
	}, nil
}
