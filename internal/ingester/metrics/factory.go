package metrics

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/kerk1/ThreatHunting-graylog/internal/logging"
	"github.com/kerk1/ThreatHunting-graylog/internal/orchestrator"
	"github.com/kerk1/ThreatHunting-graylog/internal/sysmetrics"
)

// NewFactory returns an IngesterFactory for the self-monitoring input.
func NewFactory(src StatsSource) orchestrator.IngesterFactory {
	return func(name string, params map[string]string, logger *slog.Logger) (orchestrator.Ingester, error) {
		interval := defaultInterval
		if v := params["interval"]; v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("metrics input %q: invalid interval %q: %w", name, v, err)
			}
			if d <= 0 {
				return nil, fmt.Errorf("metrics input %q: interval must be positive", name)
			}
			interval = d
		}
		host := params["hostname"]
		if host == "" {
			host, _ = os.Hostname()
		}

		return &ingester{
			name:     name,
			host:     host,
			interval: interval,
			src:      src,
			sampler:  sysmetrics.NewSampler(),
			now:      time.Now,
			logger:   logging.Default(logger).With("component", "ingester", "type", "metrics", "name", name),
		}, nil
	}
}
