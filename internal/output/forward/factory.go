package forward

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kerk1/ThreatHunting-graylog/internal/orchestrator"
)

// NewFactory returns an OutputFactory for Fluent Forward outputs.
func NewFactory() orchestrator.OutputFactory {
	return func(name string, params map[string]string, logger *slog.Logger) (orchestrator.Output, error) {
		addr := params["addr"]
		if addr == "" {
			return nil, fmt.Errorf("forward output: addr param is required")
		}
		cfg := Config{
			Name:       name,
			Addr:       addr,
			Tag:        params["tag"],
			RequireAck: params["require_ack"] == "true",
			Logger:     logger,
		}
		if s := params["timeout"]; s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, fmt.Errorf("forward output: invalid timeout %q: %w", s, err)
			}
			cfg.Timeout = d
		}
		return New(cfg), nil
	}
}
