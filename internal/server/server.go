// Package server wires graylogd together: master election, index storage,
// the deflector, chunk reassembly, the filter chain, the pipeline with its
// ingesters and outputs, throughput sampling and the /metrics endpoint.
//
// New builds every component from a config.Config without accepting
// traffic. Run sets up the write alias, starts the pipeline and blocks until
// its context ends, then shuts everything down in order.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kerk1/ThreatHunting-graylog/internal/archive"
	"github.com/kerk1/ThreatHunting-graylog/internal/auth"
	"github.com/kerk1/ThreatHunting-graylog/internal/cert"
	"github.com/kerk1/ThreatHunting-graylog/internal/cluster"
	"github.com/kerk1/ThreatHunting-graylog/internal/config"
	"github.com/kerk1/ThreatHunting-graylog/internal/deflector"
	"github.com/kerk1/ThreatHunting-graylog/internal/filter"
	"github.com/kerk1/ThreatHunting-graylog/internal/filter/blacklist"
	"github.com/kerk1/ThreatHunting-graylog/internal/filter/extractor"
	"github.com/kerk1/ThreatHunting-graylog/internal/filter/geoip"
	"github.com/kerk1/ThreatHunting-graylog/internal/filter/level"
	"github.com/kerk1/ThreatHunting-graylog/internal/filter/rdns"
	"github.com/kerk1/ThreatHunting-graylog/internal/filter/streams"
	"github.com/kerk1/ThreatHunting-graylog/internal/filter/timestamp"
	"github.com/kerk1/ThreatHunting-graylog/internal/filter/useragent"
	"github.com/kerk1/ThreatHunting-graylog/internal/home"
	indexfile "github.com/kerk1/ThreatHunting-graylog/internal/index/file"
	indexmem "github.com/kerk1/ThreatHunting-graylog/internal/index/memory"
	"github.com/kerk1/ThreatHunting-graylog/internal/ingester/docker"
	"github.com/kerk1/ThreatHunting-graylog/internal/ingester/fluentfwd"
	ingestgelf "github.com/kerk1/ThreatHunting-graylog/internal/ingester/gelf"
	"github.com/kerk1/ThreatHunting-graylog/internal/ingester/gelfhttp"
	"github.com/kerk1/ThreatHunting-graylog/internal/ingester/generator"
	ingestkafka "github.com/kerk1/ThreatHunting-graylog/internal/ingester/kafka"
	"github.com/kerk1/ThreatHunting-graylog/internal/ingester/metrics"
	"github.com/kerk1/ThreatHunting-graylog/internal/ingester/otlp"
	"github.com/kerk1/ThreatHunting-graylog/internal/ingester/relp"
	ingestsyslog "github.com/kerk1/ThreatHunting-graylog/internal/ingester/syslog"
	"github.com/kerk1/ThreatHunting-graylog/internal/ingester/tail"
	"github.com/kerk1/ThreatHunting-graylog/internal/logging"
	"github.com/kerk1/ThreatHunting-graylog/internal/orchestrator"
	"github.com/kerk1/ThreatHunting-graylog/internal/output/clickhouse"
	"github.com/kerk1/ThreatHunting-graylog/internal/output/forward"
	outindex "github.com/kerk1/ThreatHunting-graylog/internal/output/index"
	"github.com/kerk1/ThreatHunting-graylog/internal/output/kafka"
	"github.com/kerk1/ThreatHunting-graylog/internal/output/mqtt"
	"github.com/kerk1/ThreatHunting-graylog/internal/output/nats"
	"github.com/kerk1/ThreatHunting-graylog/internal/reassembly"
	"github.com/kerk1/ThreatHunting-graylog/internal/throughput"
)

// Version is set at build time.
var Version = "dev"

// leaderWait bounds how long Run waits for a Raft leader before setting up
// the write alias.
const leaderWait = 30 * time.Second

// Storage is an index backend the deflector manages, the index output
// writes to and the archiver reads from.
type Storage interface {
	deflector.Backend
	outindex.Writer
	archive.Source
}

// Config holds server configuration.
type Config struct {
	Config config.Config
	Home   home.Dir

	// Registry backs /metrics. Nil creates a fresh registry with the Go
	// runtime and process collectors.
	Registry *prometheus.Registry

	// Storage replaces the backend selected by Config.Storage.
	Storage Storage

	Logger *slog.Logger
}

// Server owns every long-lived component of a graylogd node.
type Server struct {
	cfg      config.Config
	home     home.Dir
	nodeName string
	logger   *slog.Logger
	registry *prometheus.Registry
	counters *throughput.Counters

	election    cluster.Election
	raft        *cluster.Raft
	storage     Storage
	archiver    *archive.Archiver
	deflector   *deflector.Deflector
	reassembler *reassembly.Reassembler
	chain       *filter.Chain
	geoip       *geoip.Filter
	authn       *auth.Authenticator
	certs       *cert.Manager
	sampler     *throughput.Sampler
	orch        *orchestrator.Orchestrator

	// cleanup releases resources in reverse order of acquisition.
	cleanup []func() error
	started atomic.Bool

	mu          sync.Mutex
	metricsLn   net.Listener
	metricsSrv  *http.Server
	metricsDone chan struct{}
}

// New builds a server. On error every component created so far is closed.
func New(cfg Config) (s *Server, err error) {
	logger := logging.Default(cfg.Logger)
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	nodeName, err := resolveNodeName(cfg.Config.Node, cfg.Home)
	if err != nil {
		return nil, err
	}
	logger = logger.With("node", nodeName)
	reg := prometheus.WrapRegistererWith(prometheus.Labels{"node": nodeName}, registry)

	s = &Server{
		cfg:      cfg.Config,
		home:     cfg.Home,
		nodeName: nodeName,
		logger:   logger.With("component", "server"),
		registry: registry,
		counters: throughput.New(),
	}
	defer func() {
		if err != nil {
			_ = s.close()
		}
	}()

	if err := s.buildElection(logger); err != nil {
		return nil, err
	}
	if err := s.buildStorage(cfg.Storage, logger); err != nil {
		return nil, err
	}

	if err := s.buildArchive(logger); err != nil {
		return nil, err
	}

	var archiver deflector.Archiver
	if s.archiver != nil {
		archiver = s.archiver
	}
	rc := s.cfg.Rotation
	s.deflector = deflector.New(deflector.Config{
		Alias:         rc.Alias,
		Prefix:        rc.IndexPrefix,
		Backend:       s.storage,
		Election:      s.election,
		Rotation:      rc.RotationPolicy(),
		Retention:     rc.RetentionPolicy(),
		Archiver:      archiver,
		Interval:      rc.Interval.D(),
		SetUpAttempts: rc.SetUpAttempts,
		Counters:      s.counters,
		Logger:        logger,
	})

	s.reassembler = reassembly.New(reassembly.Config{
		StalenessTimeout: s.cfg.Chunks.StalenessTimeout.D(),
		MaxFragments:     s.cfg.Chunks.MaxFragments,
		SweepInterval:    s.cfg.Chunks.SweepInterval.D(),
		Counters:         s.counters,
		Logger:           logger,
	})

	if err := s.buildChain(logger); err != nil {
		return nil, err
	}

	s.orch, err = orchestrator.New(orchestrator.Config{
		IntakeCapacity:   s.cfg.Buffers.IntakeCapacity,
		DeliveryCapacity: s.cfg.Buffers.DeliveryCapacity,
		FilterWorkers:    s.cfg.Workers.Filter,
		OutputWorkers:    s.cfg.Workers.Output,
		OutputTimeout:    s.cfg.Workers.OutputTimeout.D(),
		Chain:            s.chain,
		Counters:         s.counters,
		Registerer:       reg,
		Logger:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}

	if err := s.buildOutputs(logger); err != nil {
		return nil, err
	}
	if err := s.buildAuth(logger); err != nil {
		return nil, err
	}
	s.certs = cert.New(cert.Config{Logger: logger})
	s.cleanup = append(s.cleanup, s.certs.Close)
	if err := s.buildInputs(logger); err != nil {
		return nil, err
	}

	s.sampler, err = throughput.NewSampler(throughput.SamplerConfig{
		Counters:   s.counters,
		Interval:   s.cfg.Metrics.SampleInterval.D(),
		Registerer: reg,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create sampler: %w", err)
	}

	sched := s.orch.Scheduler()
	if err := sched.Every("fragment-sweep", s.reassembler.SweepInterval(), func(context.Context) {
		s.reassembler.Sweep(time.Now())
	}); err != nil {
		return nil, err
	}
	if err := sched.Every("throughput-sample", s.sampler.Interval(), func(context.Context) {
		s.sampler.SampleOnce()
	}); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Server) buildElection(logger *slog.Logger) error {
	ec := s.cfg.Election
	if ec.Mode != "raft" {
		s.election = cluster.Static(s.cfg.Node.IsMaster)
		s.logger.Info("static election", "master", s.cfg.Node.IsMaster)
		return nil
	}

	nodeID := ec.Raft.NodeID
	if nodeID == "" {
		if s.home.Root() == "" {
			return errors.New("raft election: node_id is required without a home directory")
		}
		if err := s.home.EnsureExists(); err != nil {
			return err
		}
		id, err := s.home.NodeID()
		if err != nil {
			return fmt.Errorf("node id: %w", err)
		}
		nodeID = id
	}
	var dir string
	if s.home.Root() != "" {
		dir = s.home.RaftDir()
	}
	peers := make([]cluster.Peer, 0, len(ec.Raft.Peers))
	for _, p := range ec.Raft.Peers {
		peers = append(peers, cluster.Peer{ID: p.ID, Addr: p.Addr})
	}

	r, err := cluster.NewRaft(cluster.RaftConfig{
		NodeID:        nodeID,
		BindAddr:      ec.Raft.BindAddr,
		AdvertiseAddr: ec.Raft.AdvertiseAddr,
		Dir:           dir,
		Bootstrap:     ec.Raft.Bootstrap,
		Peers:         peers,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("start raft election: %w", err)
	}
	s.raft = r
	s.election = r
	s.cleanup = append(s.cleanup, r.Close)
	return nil
}

// resolveNodeName prefers the configured name, then the one persisted in
// the data directory. Without a data directory the name lasts one run.
func resolveNodeName(nc config.NodeConfig, dir home.Dir) (string, error) {
	if nc.Name != "" {
		return nc.Name, nil
	}
	if dir.Root() == "" {
		return home.GenerateName(), nil
	}
	if err := dir.EnsureExists(); err != nil {
		return "", err
	}
	name, err := dir.NodeName()
	if err != nil {
		return "", fmt.Errorf("node name: %w", err)
	}
	return name, nil
}

func (s *Server) buildStorage(override Storage, logger *slog.Logger) error {
	if override != nil {
		s.storage = override
		return nil
	}
	switch s.cfg.Storage.Type {
	case "file":
		if s.home.Root() == "" {
			return errors.New("file storage requires a home directory")
		}
		b, err := indexfile.New(indexfile.Config{
			Dir:      s.home.StorageDir(),
			Compress: s.cfg.Storage.Compress,
			Logger:   logger,
		})
		if err != nil {
			return fmt.Errorf("open file storage: %w", err)
		}
		s.storage = b
		s.cleanup = append(s.cleanup, b.Close)
	default:
		s.storage = indexmem.New(indexmem.Config{Logger: logger})
	}
	return nil
}

func (s *Server) buildChain(logger *slog.Logger) error {
	fc := s.cfg.Filters
	s.chain = filter.NewChain(s.counters, logger)

	if len(fc.Blacklist) > 0 {
		rules := make([]blacklist.Rule, 0, len(fc.Blacklist))
		for _, r := range fc.Blacklist {
			rules = append(rules, blacklist.Rule{Name: r.Name, Pattern: r.Pattern, Field: r.Field})
		}
		bl, err := blacklist.New(rules)
		if err != nil {
			return err
		}
		if err := s.chain.Register(bl); err != nil {
			return err
		}
	}

	if len(fc.Extractors) > 0 {
		rules := make([]extractor.Rule, 0, len(fc.Extractors))
		for _, r := range fc.Extractors {
			rules = append(rules, extractor.Rule{Name: r.Name, Source: r.Source, Path: r.Path, Target: r.Target})
		}
		ex, err := extractor.New(rules)
		if err != nil {
			return err
		}
		if err := s.chain.Register(ex); err != nil {
			return err
		}
	}

	if tc := fc.Timestamp; tc.Enabled {
		loc, err := tc.Loc()
		if err != nil {
			return err
		}
		if err := s.chain.Register(timestamp.New(timestamp.Config{Field: tc.Field, Location: loc})); err != nil {
			return err
		}
	}

	if err := s.chain.Register(level.New()); err != nil {
		return err
	}

	if rc := fc.ReverseDNS; rc.Enabled {
		r, err := rdns.New(rdns.Config{
			Timeout:      rc.Timeout.D(),
			PositiveTTL:  rc.PositiveTTL.D(),
			NegativeTTL:  rc.NegativeTTL.D(),
			CacheSize:    rc.CacheSize,
			OverrideHost: rc.OverrideHost,
			Logger:       logger,
		})
		if err != nil {
			return err
		}
		if err := s.chain.Register(r); err != nil {
			return err
		}
	}

	if fc.GeoIP.Database != "" {
		path := fc.GeoIP.Database
		if !filepath.IsAbs(path) && s.home.Root() != "" {
			path = filepath.Join(s.home.GeoIPDir(), path)
		}
		g := geoip.New(geoip.Config{Fields: fc.GeoIP.Fields, Logger: logger})
		s.geoip = g
		s.cleanup = append(s.cleanup, g.Close)
		if _, err := g.Load(path); err != nil {
			return err
		}
		if err := g.Watch(path); err != nil {
			return err
		}
		if err := s.chain.Register(g); err != nil {
			return err
		}
	}

	if len(fc.UserAgent.Fields) > 0 {
		if err := s.chain.Register(useragent.New(fc.UserAgent.Fields)); err != nil {
			return err
		}
	}

	if len(fc.Streams) > 0 {
		defs := make([]streams.Stream, 0, len(fc.Streams))
		for _, sc := range fc.Streams {
			st := streams.Stream{Name: sc.Name, MatchAny: sc.MatchAny}
			for _, r := range sc.Rules {
				st.Rules = append(st.Rules, streams.Rule{
					Field:    r.Field,
					Type:     streams.RuleType(r.Type),
					Value:    r.Value,
					Inverted: r.Inverted,
				})
			}
			defs = append(defs, st)
		}
		router, err := streams.New(defs)
		if err != nil {
			return err
		}
		if err := s.chain.Register(router); err != nil {
			return err
		}
	}
	return nil
}

// outputFactories returns the factory per output type. The index output
// is built from the server's own deflector and storage.
func (s *Server) outputFactories() map[string]orchestrator.OutputFactory {
	return map[string]orchestrator.OutputFactory{
		"index":      s.newIndexOutput,
		"kafka":      kafka.NewFactory(),
		"nats":       nats.NewFactory(),
		"mqtt":       mqtt.NewFactory(),
		"forward":    forward.NewFactory(),
		"clickhouse": clickhouse.NewFactory(),
	}
}

func (s *Server) newIndexOutput(name string, _ map[string]string, logger *slog.Logger) (orchestrator.Output, error) {
	out, err := outindex.New(outindex.Config{
		Name:        name,
		Writer:      s.storage,
		Deflector:   s.deflector,
		NotifyEvery: int64(s.cfg.Rotation.NotifyEvery),
		Counters:    s.counters,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Server) buildOutputs(logger *slog.Logger) error {
	factories := s.outputFactories()
	for _, oc := range s.cfg.Outputs {
		factory, ok := factories[oc.Type]
		if !ok {
			return fmt.Errorf("output %s: unknown type %q", oc.Name, oc.Type)
		}
		out, err := factory(oc.Name, oc.Params, logger)
		if err != nil {
			return fmt.Errorf("output %s: %w", oc.Name, err)
		}
		if err := s.orch.RegisterOutput(out); err != nil {
			closeOutput(out)
			return err
		}
		// The orchestrator closes outputs once it has run; before that
		// the server owns them.
		s.cleanup = append(s.cleanup, func() error {
			if s.started.Load() {
				return nil
			}
			closeOutput(out)
			return nil
		})
	}
	return nil
}

func closeOutput(out orchestrator.Output) {
	if c, ok := out.(io.Closer); ok {
		_ = c.Close()
	}
}

// buildArchive creates the archiver when archive.type is set.
func (s *Server) buildArchive(logger *slog.Logger) error {
	ac := s.cfg.Archive
	if ac.Type == "" {
		return nil
	}
	dir := ac.Path
	if ac.Type == "dir" && !filepath.IsAbs(dir) {
		if s.home.Root() == "" {
			return errors.New("relative archive.path requires a home directory")
		}
		dir = filepath.Join(s.home.Root(), dir)
	}
	store, err := archive.NewStore(context.Background(), archive.StoreConfig{
		Type: ac.Type,
		Path: dir,
		S3: archive.S3Config{
			Bucket:          ac.Bucket,
			Region:          ac.Region,
			Endpoint:        ac.Endpoint,
			AccessKeyID:     ac.AccessKeyID,
			SecretAccessKey: ac.SecretAccessKey,
		},
		GCS: archive.GCSConfig{
			Bucket:          ac.Bucket,
			CredentialsFile: ac.CredentialsFile,
			Endpoint:        ac.Endpoint,
		},
		Azure: archive.AzureConfig{
			ConnectionString: ac.ConnectionString,
			Container:        ac.Container,
		},
	})
	if err != nil {
		return fmt.Errorf("create archive store: %w", err)
	}
	s.cleanup = append(s.cleanup, store.Close)

	s.archiver, err = archive.New(archive.Config{
		Source:   s.storage,
		Store:    store,
		Prefix:   ac.Prefix,
		TempDir:  ac.TempDir,
		Counters: s.counters,
		Logger:   logger,
	})
	return err
}

// buildAuth loads the credentials for inputs that set auth: "true".
func (s *Server) buildAuth(logger *slog.Logger) error {
	ac := s.cfg.Auth
	if !ac.Enabled() {
		return nil
	}
	var tokens *auth.TokenService
	if path := ac.TokenSecretFile; path != "" {
		if !filepath.IsAbs(path) && s.home.Root() != "" {
			path = filepath.Join(s.home.Root(), path)
		}
		secret, err := auth.LoadSecret(path)
		if err != nil {
			return err
		}
		if tokens, err = auth.NewTokenService(secret); err != nil {
			return err
		}
	}
	users := make(map[string]string, len(ac.Users))
	for _, u := range ac.Users {
		users[u.Name] = u.PasswordHash
	}
	a, err := auth.New(auth.Config{Tokens: tokens, Users: users, Logger: logger})
	if err != nil {
		return err
	}
	s.authn = a
	return nil
}

func (s *Server) ingesterFactories() map[string]orchestrator.IngesterFactory {
	stateDir := ""
	if s.home.Root() != "" {
		stateDir = s.home.StateDir()
	}
	return map[string]orchestrator.IngesterFactory{
		"docker":    docker.NewFactory(s.counters, stateDir),
		"forward":   fluentfwd.NewFactory(s.counters),
		"gelf":      ingestgelf.NewFactory(s.reassembler, s.counters),
		"gelf_http": gelfhttp.NewFactory(s.counters, s.authn, s.certs),
		"generator": generator.NewFactory(s.counters),
		"kafka":     ingestkafka.NewFactory(s.counters),
		"metrics":   metrics.NewFactory(s.orch),
		"otlp":      otlp.NewFactory(s.counters, s.authn, s.certs),
		"relp":      relp.NewFactory(s.counters),
		"syslog":    ingestsyslog.NewFactory(s.counters),
		"tail":      tail.NewFactory(s.counters, stateDir),
	}
}

func (s *Server) buildInputs(logger *slog.Logger) error {
	factories := s.ingesterFactories()
	for _, ic := range s.cfg.Inputs {
		factory, ok := factories[ic.Type]
		if !ok {
			return fmt.Errorf("input %s: unknown type %q", ic.Name, ic.Type)
		}
		ing, err := factory(ic.Name, ic.Params, logger)
		if err != nil {
			return fmt.Errorf("input %s: %w", ic.Name, err)
		}
		s.orch.RegisterIngester(ic.Name, ing)
	}
	return nil
}

// Run sets up the write alias, starts the pipeline, the deflector loop and
// the metrics endpoint, and blocks until ctx is done or an ingester fails.
// A storage backend that stays unreachable through the set-up retries is
// fatal.
func (s *Server) Run(ctx context.Context) error {
	if s.raft != nil {
		wctx, cancel := context.WithTimeout(ctx, leaderWait)
		err := s.raft.WaitForLeader(wctx)
		cancel()
		if err != nil {
			_ = s.close()
			return err
		}
		addr, id := s.raft.Leader()
		s.logger.Info("raft leader known", "leader", id, "addr", addr, "master", s.raft.IsMaster())
	}

	if err := s.deflector.SetUp(ctx); err != nil {
		_ = s.close()
		return fmt.Errorf("deflector set up: %w", err)
	}

	if err := s.startMetrics(); err != nil {
		_ = s.close()
		return err
	}

	s.started.Store(true)
	if err := s.orch.Start(ctx); err != nil {
		s.started.Store(false)
		s.stopMetrics()
		_ = s.close()
		return fmt.Errorf("start pipeline: %w", err)
	}

	loopCtx, stopLoop := context.WithCancel(context.WithoutCancel(ctx))
	var loops sync.WaitGroup
	loops.Go(func() { s.deflector.Run(loopCtx) })

	s.logger.Info("graylogd running",
		"version", Version,
		"inputs", len(s.cfg.Inputs),
		"outputs", len(s.cfg.Outputs),
		"filters", s.chain.Len())

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutting down")
	case runErr = <-s.orch.Errors():
		s.logger.Error("ingester failed, shutting down", "error", runErr)
	}

	stopErr := s.orch.Stop()
	stopLoop()
	loops.Wait()
	s.stopMetrics()
	closeErr := s.close()

	s.logger.Info("shutdown complete")
	return errors.Join(runErr, stopErr, closeErr)
}

func (s *Server) startMetrics() error {
	addr := s.cfg.Metrics.Addr
	if addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listen %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	done := make(chan struct{})

	s.mu.Lock()
	s.metricsLn = ln
	s.metricsSrv = srv
	s.metricsDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server error", "error", err)
		}
	}()
	s.logger.Info("metrics listening", "addr", ln.Addr().String())
	return nil
}

func (s *Server) stopMetrics() {
	s.mu.Lock()
	srv, done := s.metricsSrv, s.metricsDone
	s.metricsSrv = nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Warn("metrics server shutdown", "error", err)
	}
	<-done
}

// MetricsAddr returns the metrics listener address, or nil when metrics
// are disabled or not started.
func (s *Server) MetricsAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metricsLn == nil {
		return nil
	}
	return s.metricsLn.Addr()
}

// NodeName returns the name that labels this node's logs and metrics.
func (s *Server) NodeName() string { return s.nodeName }

// Deflector returns the server's index rotation controller.
func (s *Server) Deflector() *deflector.Deflector { return s.deflector }

// Orchestrator returns the server's pipeline.
func (s *Server) Orchestrator() *orchestrator.Orchestrator { return s.orch }

// Counters returns the server's throughput counters.
func (s *Server) Counters() *throughput.Counters { return s.counters }

// Sampler returns the throughput sampler.
func (s *Server) Sampler() *throughput.Sampler { return s.sampler }

// close runs the cleanup stack once.
func (s *Server) close() error {
	s.mu.Lock()
	cleanup := s.cleanup
	s.cleanup = nil
	s.mu.Unlock()

	var errs []error
	for _, fn := range slices.Backward(cleanup) {
		errs = append(errs, fn())
	}
	return errors.Join(errs...)
}
