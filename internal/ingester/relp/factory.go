package relp

import (
	"cmp"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/kerk1/ThreatHunting-graylog/internal/orchestrator"
	"github.com/kerk1/ThreatHunting-graylog/internal/throughput"
)

// DefaultAddr is the customary RELP port.
const DefaultAddr = ":2514"

// NewFactory returns an IngesterFactory for RELP inputs.
//
// Params: addr, max_sessions.
func NewFactory(counters *throughput.Counters) orchestrator.IngesterFactory {
	return func(name string, params map[string]string, logger *slog.Logger) (orchestrator.Ingester, error) {
		var maxSessions int
		if v := params["max_sessions"]; v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("relp input %s: max_sessions: %w", name, err)
			}
			maxSessions = n
		}
		ing, err := New(Config{
			Name:        name,
			Addr:        cmp.Or(params["addr"], DefaultAddr),
			MaxSessions: maxSessions,
			Counters:    counters,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		return ing, nil
	}
}
