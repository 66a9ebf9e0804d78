package docker

import (
	"cmp"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kerk1/ThreatHunting-graylog/internal/ingester/flow"
	"github.com/kerk1/ThreatHunting-graylog/internal/orchestrator"
	"github.com/kerk1/ThreatHunting-graylog/internal/throughput"
)

// DefaultPollInterval spaces container rediscovery and bookmark saves.
const DefaultPollInterval = 30 * time.Second

// NewFactory returns an IngesterFactory for Docker inputs. Bookmarks are
// kept under stateDir/docker when stateDir is set.
func NewFactory(counters *throughput.Counters, stateDir string) orchestrator.IngesterFactory {
	return func(name string, params map[string]string, logger *slog.Logger) (orchestrator.Ingester, error) {
		cfg, err := parseConfig(name, params, stateDir)
		if err != nil {
			return nil, fmt.Errorf("docker input %q: %w", name, err)
		}
		cfg.Counters = counters
		cfg.Logger = logger

		var tlsCfg *tlsFiles
		if params["tls"] == "true" {
			tlsCfg = &tlsFiles{
				CAFile:   params["tls_ca"],
				CertFile: params["tls_cert"],
				KeyFile:  params["tls_key"],
				Verify:   params["tls_verify"] != "false",
			}
		}
		client, err := newSDKClient(cmp.Or(params["host"], DefaultHost), tlsCfg)
		if err != nil {
			return nil, fmt.Errorf("docker input %q: %w", name, err)
		}
		return newIngester(cfg, client), nil
	}
}

func parseConfig(name string, params map[string]string, stateDir string) (ingesterConfig, error) {
	cfg := ingesterConfig{
		Name:         name,
		PollInterval: DefaultPollInterval,
		Stdout:       params["stdout"] != "false",
		Stderr:       params["stderr"] != "false",
		OnFull:       flow.Pause,
	}
	if !cfg.Stdout && !cfg.Stderr {
		return cfg, fmt.Errorf("at least one of stdout or stderr must be enabled")
	}

	var err error
	if cfg.Filter.Names, err = parsePatterns("name_filter", params["name_filter"]); err != nil {
		return cfg, err
	}
	if cfg.Filter.Images, err = parsePatterns("image_filter", params["image_filter"]); err != nil {
		return cfg, err
	}
	if v := params["label_filter"]; v != "" {
		cfg.Filter.Labels = parseLabels(v)
	}

	if v := params["poll_interval"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return cfg, fmt.Errorf("invalid poll_interval %q", v)
		}
		cfg.PollInterval = d
	}
	if v := params["on_full"]; v != "" {
		if cfg.OnFull, err = flow.ParseMode(v); err != nil {
			return cfg, err
		}
	}

	cfg.Host = params["hostname"]
	if cfg.Host == "" {
		cfg.Host, _ = os.Hostname()
	}
	if stateDir != "" {
		cfg.StateFile = filepath.Join(stateDir, "docker", name+".json")
	}
	return cfg, nil
}
