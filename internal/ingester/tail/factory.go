package tail

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/kerk1/ThreatHunting-graylog/internal/ingester/flow"
	"github.com/kerk1/ThreatHunting-graylog/internal/orchestrator"
	"github.com/kerk1/ThreatHunting-graylog/internal/throughput"
)

// DefaultPollInterval is the glob re-evaluation and bookmark save interval.
const DefaultPollInterval = 30 * time.Second

// NewFactory returns an IngesterFactory for file inputs. Bookmarks go to
// <stateDir>/tail/<name>.json; an empty stateDir disables them. on_full
// defaults to pause.
func NewFactory(counters *throughput.Counters, stateDir string) orchestrator.IngesterFactory {
	return func(name string, params map[string]string, logger *slog.Logger) (orchestrator.Ingester, error) {
		var patterns []string
		for p := range strings.SplitSeq(params["paths"], ",") {
			if p = strings.TrimSpace(p); p != "" {
				patterns = append(patterns, p)
			}
		}
		if len(patterns) == 0 {
			return nil, fmt.Errorf("tail ingester %s: paths param required (comma-separated glob patterns)", name)
		}

		cfg := Config{
			Name:         name,
			Patterns:     patterns,
			PollInterval: DefaultPollInterval,
			FromStart:    params["from_start"] == "true",
			Host:         params["host"],
			OnFull:       flow.Pause,
			Counters:     counters,
			Logger:       logger,
		}
		if v := params["poll_interval"]; v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("tail ingester %s: invalid poll_interval %q: %w", name, v, err)
			}
			if d < 0 {
				return nil, fmt.Errorf("tail ingester %s: poll_interval must be non-negative", name)
			}
			cfg.PollInterval = d
		}
		if s := params["on_full"]; s != "" {
			mode, err := flow.ParseMode(s)
			if err != nil {
				return nil, fmt.Errorf("tail ingester %s: %w", name, err)
			}
			cfg.OnFull = mode
		}
		if stateDir != "" {
			cfg.StateFile = filepath.Join(stateDir, "tail", name+".json")
		}

		ing, err := New(cfg)
		if err != nil {
			return nil, err
		}
		return ing, nil
	}
}
