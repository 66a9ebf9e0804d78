package clickhouse

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/kerk1/ThreatHunting-graylog/internal/orchestrator"
)

// NewFactory returns an OutputFactory for ClickHouse outputs.
func NewFactory() orchestrator.OutputFactory {
	return func(name string, params map[string]string, logger *slog.Logger) (orchestrator.Output, error) {
		cfg, err := configFromParams(name, params)
		if err != nil {
			return nil, err
		}
		cfg.Logger = logger
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		out, err := New(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return out, nil
	}
}

func configFromParams(name string, params map[string]string) (Config, error) {
	addr := params["addr"]
	if addr == "" {
		return Config{}, fmt.Errorf("clickhouse output: addr param is required")
	}
	addrs := strings.Split(addr, ",")
	for i := range addrs {
		addrs[i] = strings.TrimSpace(addrs[i])
	}
	cfg := Config{
		Name:     name,
		Addr:     addrs,
		Database: params["database"],
		Username: params["username"],
		Password: params["password"],
		Table:    params["table"],
	}
	if cfg.Table != "" && !validIdentifier(cfg.Table) {
		return Config{}, fmt.Errorf("clickhouse output: invalid table name %q", cfg.Table)
	}
	if s := params["batch_size"]; s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("clickhouse output: invalid batch_size %q", s)
		}
		cfg.BatchSize = n
	}
	if s := params["flush_interval"]; s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("clickhouse output: invalid flush_interval %q", s)
		}
		cfg.FlushInterval = d
	}
	return cfg, nil
}

// validIdentifier accepts [A-Za-z_][A-Za-z0-9_]* optionally qualified by
// one database prefix.
func validIdentifier(s string) bool {
	for part := range strings.SplitSeq(s, ".") {
		if part == "" {
			return false
		}
		for i, r := range part {
			switch {
			case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			case i > 0 && r >= '0' && r <= '9':
			default:
				return false
			}
		}
	}
	return strings.Count(s, ".") <= 1
}
