package generator

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/kerk1/ThreatHunting-graylog/internal/ingester/flow"
	"github.com/kerk1/ThreatHunting-graylog/internal/logging"
	"github.com/kerk1/ThreatHunting-graylog/internal/orchestrator"
	"github.com/kerk1/ThreatHunting-graylog/internal/throughput"
)

const (
	defaultMinInterval = 100 * time.Millisecond
	defaultMaxInterval = time.Second
	defaultHostCount   = 10
)

// NewFactory returns an IngesterFactory for generator inputs.
//
// Parameters:
//   - min_interval, max_interval: delay between bursts (default 100ms, 1s)
//   - formats: comma-separated formats to enable (default: all of
//     http, kv, gelf, syslog, stacktrace)
//   - format_weights: comma-separated format=weight pairs (default: equal)
//   - host_count: number of distinct hosts (default 10)
//   - seed: fixed random seed for reproducible traffic
//   - on_full: drop (default) or pause
func NewFactory(counters *throughput.Counters) orchestrator.IngesterFactory {
	return func(name string, params map[string]string, logger *slog.Logger) (orchestrator.Ingester, error) {
		g, err := newIngester(params, counters)
		if err != nil {
			return nil, fmt.Errorf("generator input %q: %w", name, err)
		}
		g.logger = logging.Default(logger).With("component", "ingester", "type", "generator", "name", name)
		return g, nil
	}
}

func newIngester(params map[string]string, counters *throughput.Counters) (*Ingester, error) {
	minInterval, err := durationParam(params, "min_interval", defaultMinInterval)
	if err != nil {
		return nil, err
	}
	maxInterval, err := durationParam(params, "max_interval", defaultMaxInterval)
	if err != nil {
		return nil, err
	}
	if minInterval > maxInterval {
		return nil, fmt.Errorf("min_interval (%v) must not exceed max_interval (%v)", minInterval, maxInterval)
	}

	hostCount := defaultHostCount
	if v := params["host_count"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid host_count %q", v)
		}
		hostCount = n
	}

	seed1, seed2 := rand.Uint64(), rand.Uint64()
	if v := params["seed"]; v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid seed %q", v)
		}
		seed1, seed2 = n, n
	}

	mode, err := flow.ParseMode(params["on_full"])
	if err != nil {
		return nil, err
	}

	enabled, err := parseFormats(params["formats"])
	if err != nil {
		return nil, err
	}
	weights, err := parseWeights(params["format_weights"], enabled)
	if err != nil {
		return nil, err
	}

	g := &Ingester{
		minInterval: minInterval,
		maxInterval: maxInterval,
		rng:         rand.New(rand.NewPCG(seed1, seed2)),
		now:         time.Now,
		onFull:      flow.Config{Mode: mode, Counters: counters},
		logger:      logging.Discard(),
	}
	p := newPools(hostCount)
	for _, name := range enabled {
		g.formats = append(g.formats, newFormat(name, p))
		g.totalWeight += weights[name]
		g.weights = append(g.weights, g.totalWeight)
	}
	return g, nil
}

func newFormat(name string, p *pools) format {
	switch name {
	case FormatKV:
		return kvFormat{p}
	case FormatGELF:
		return gelfFormat{p}
	case FormatSyslog:
		return syslogFormat{p}
	case FormatStackTrace:
		return stackTraceFormat{p}
	default:
		return httpFormat{p}
	}
}

func durationParam(params map[string]string, key string, def time.Duration) (time.Duration, error) {
	v, ok := params[key]
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must be non-negative, got %v", key, d)
	}
	return d, nil
}

// parseFormats returns the enabled formats in configuration order. Empty
// means all.
func parseFormats(s string) ([]string, error) {
	if s == "" {
		return allFormats, nil
	}
	var formats []string
	for name := range strings.SplitSeq(s, ",") {
		name = strings.TrimSpace(name)
		if name == "" || slices.Contains(formats, name) {
			continue
		}
		if !slices.Contains(allFormats, name) {
			return nil, fmt.Errorf("unknown format %q", name)
		}
		formats = append(formats, name)
	}
	if len(formats) == 0 {
		return nil, fmt.Errorf("no valid formats specified")
	}
	return formats, nil
}

// parseWeights parses "name=weight" pairs. Enabled formats without a
// weight get 1.
func parseWeights(s string, enabled []string) (map[string]int, error) {
	weights := make(map[string]int, len(enabled))
	for p := range strings.SplitSeq(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		name, w, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("invalid weight %q, expected name=weight", p)
		}
		name = strings.TrimSpace(name)
		if !slices.Contains(allFormats, name) {
			return nil, fmt.Errorf("unknown format %q in weights", name)
		}
		n, err := strconv.Atoi(strings.TrimSpace(w))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("weight for %q must be a positive integer, got %q", name, w)
		}
		weights[name] = n
	}
	for _, f := range enabled {
		if _, ok := weights[f]; !ok {
			weights[f] = 1
		}
	}
	return weights, nil
}
