package fluentfwd

import (
	"cmp"
	"fmt"
	"log/slog"
	"net"

	"github.com/kerk1/ThreatHunting-graylog/internal/ingester/flow"
	"github.com/kerk1/ThreatHunting-graylog/internal/orchestrator"
	"github.com/kerk1/ThreatHunting-graylog/internal/throughput"
)

// NewFactory returns an IngesterFactory for Fluent Forward inputs. on_full
// defaults to pause.
func NewFactory(counters *throughput.Counters) orchestrator.IngesterFactory {
	return func(name string, params map[string]string, logger *slog.Logger) (orchestrator.Ingester, error) {
		addr := cmp.Or(params["addr"], ":24224")
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return nil, fmt.Errorf("fluentfwd ingester %s: invalid addr %q: must be :port or host:port", name, addr)
		}

		mode := flow.Pause
		if s := params["on_full"]; s != "" {
			m, err := flow.ParseMode(s)
			if err != nil {
				return nil, fmt.Errorf("fluentfwd ingester %s: %w", name, err)
			}
			mode = m
		}

		ing, err := New(Config{
			Name:     name,
			Addr:     addr,
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
