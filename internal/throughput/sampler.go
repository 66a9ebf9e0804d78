package throughput

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kerk1/ThreatHunting-graylog/internal/logging"
)

// Snapshot is the result of one sampling interval.
type Snapshot struct {
	At       time.Time
	Interval time.Duration
	Stages   map[string]int64
	Sources  map[string]int64
}

// Rate returns the per-second rate for a stage counter in the snapshot.
func (s Snapshot) Rate(name string) float64 {
	if s.Interval <= 0 {
		return 0
	}
	return float64(s.Stages[name]) / s.Interval.Seconds()
}

// SamplerConfig configures a Sampler.
type SamplerConfig struct {
	Counters *Counters
	Interval time.Duration

	// Registerer receives the throughput gauges. Nil disables Prometheus
	// export; snapshots are still kept for Last().
	Registerer prometheus.Registerer

	Now    func() time.Time
	Logger *slog.Logger
}

// Sampler periodically drains a Counters set.
type Sampler struct {
	cfg    SamplerConfig
	logger *slog.Logger

	stageRate  *prometheus.GaugeVec
	sourceRate *prometheus.GaugeVec

	mu   sync.RWMutex
	last Snapshot
	prev time.Time
}

// NewSampler creates a sampler and registers its gauges.
func NewSampler(cfg SamplerConfig) (*Sampler, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Sampler{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "throughput"),
		stageRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "graylogd",
			Name:      "throughput_per_second",
			Help:      "Messages per second over the last sampling interval, by pipeline counter.",
		}, []string{"counter"}),
		sourceRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "graylogd",
			Name:      "source_throughput_per_second",
			Help:      "Messages per second over the last sampling interval, by source.",
		}, []string{"source"}),
		prev: cfg.Now(),
	}
	if cfg.Registerer != nil {
		if err := cfg.Registerer.Register(s.stageRate); err != nil {
			return nil, err
		}
		if err := cfg.Registerer.Register(s.sourceRate); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Interval returns the configured sampling interval.
func (s *Sampler) Interval() time.Duration {
	return s.cfg.Interval
}

// SampleOnce drains the counters and publishes the result.
func (s *Sampler) SampleOnce() Snapshot {
	now := s.cfg.Now()
	snap := Snapshot{
		At:      now,
		Stages:  s.cfg.Counters.Sample(),
		Sources: s.cfg.Counters.SampleSources(),
	}

	s.mu.Lock()
	snap.Interval = now.Sub(s.prev)
	s.prev = now
	s.last = snap
	s.mu.Unlock()

	for name := range snap.Stages {
		s.stageRate.WithLabelValues(name).Set(snap.Rate(name))
	}
	// Sources churn; only the latest interval's senders are exported.
	s.sourceRate.Reset()
	secs := snap.Interval.Seconds()
	for src, n := range snap.Sources {
		if secs > 0 {
			s.sourceRate.WithLabelValues(src).Set(float64(n) / secs)
		}
	}
	return snap
}

// Last returns the most recent snapshot.
func (s *Sampler) Last() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// Run samples every interval until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := s.SampleOnce()
			s.logger.Debug("throughput sampled",
				"delivered", snap.Stages[MessagesDelivered],
				"sources", len(snap.Sources))
		}
	}
}
