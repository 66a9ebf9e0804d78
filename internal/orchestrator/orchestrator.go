// Package orchestrator runs the message pipeline.
//
// Messages flow through two bounded buffers and two worker pools:
//
//	ingesters ──Submit──▶ intake ──▶ filter workers ──▶ delivery ──▶ output workers ──▶ outputs
//
// Ingesters hand over decoded messages without blocking; a full intake
// buffer is reported as ErrBufferFull so the transport can apply its own
// flow control. Filter workers run the filter chain and push surviving
// messages into the delivery buffer, blocking when it is full, which in
// turn lets intake fill up. Output workers write every message to every
// registered output; a failing output never affects the others.
//
// The orchestrator also owns the shared Scheduler used for periodic
// upkeep jobs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kerk1/ThreatHunting-graylog/internal/buffer"
	"github.com/kerk1/ThreatHunting-graylog/internal/filter"
	"github.com/kerk1/ThreatHunting-graylog/internal/logging"
	"github.com/kerk1/ThreatHunting-graylog/internal/message"
	"github.com/kerk1/ThreatHunting-graylog/internal/throughput"
)

var (
	// ErrBufferFull is returned by Submit when the intake buffer is at
	// capacity. Transports treat it as a backpressure signal.
	ErrBufferFull = errors.New("intake buffer full")
	// ErrNotRunning is returned by Submit and Stop when the pipeline is not running.
	ErrNotRunning = errors.New("orchestrator not running")
	// ErrAlreadyRunning is returned by Start on a running pipeline.
	ErrAlreadyRunning = errors.New("orchestrator already running")
	// ErrStopped is returned by Start after Stop; an orchestrator runs once.
	ErrStopped = errors.New("orchestrator stopped")
)

// Defaults for zero Config values.
const (
	DefaultIntakeCapacity   = 4096
	DefaultDeliveryCapacity = 4096
	DefaultFilterWorkers    = 4
	DefaultOutputWorkers    = 4
	DefaultOutputTimeout    = 30 * time.Second
)

// Config configures an Orchestrator.
type Config struct {
	IntakeCapacity   int
	DeliveryCapacity int
	FilterWorkers    int
	OutputWorkers    int

	// OutputTimeout bounds one output's write of one message.
	OutputTimeout time.Duration

	// Chain is the filter chain. Nil means an empty chain.
	Chain *filter.Chain

	Counters *throughput.Counters

	// Registerer receives buffer watermark gauges. Nil disables them.
	Registerer prometheus.Registerer

	Logger *slog.Logger
}

// Orchestrator wires ingesters, the filter chain and outputs together.
//
// Ingesters and outputs are registered before Start. Outputs may also be
// added or removed while running; workers pick up the change on the next
// message.
type Orchestrator struct {
	mu sync.Mutex

	cfg      Config
	chain    *filter.Chain
	counters *throughput.Counters
	logger   *slog.Logger

	ingesters map[string]Ingester
	outputs   atomic.Pointer[[]Output]

	scheduler *Scheduler

	intake   *buffer.Bounded[*message.Message]
	delivery *buffer.Bounded[*message.Message]

	running bool
	stopped bool
	cancel  context.CancelFunc
	errs    chan error

	ingesterWg sync.WaitGroup
	filterWg   sync.WaitGroup
	outputWg   sync.WaitGroup
}

// New creates an orchestrator. It fails only if the scheduler or the
// buffer gauges cannot be created.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.IntakeCapacity <= 0 {
		cfg.IntakeCapacity = DefaultIntakeCapacity
	}
	if cfg.DeliveryCapacity <= 0 {
		cfg.DeliveryCapacity = DefaultDeliveryCapacity
	}
	if cfg.FilterWorkers <= 0 {
		cfg.FilterWorkers = DefaultFilterWorkers
	}
	if cfg.OutputWorkers <= 0 {
		cfg.OutputWorkers = DefaultOutputWorkers
	}
	if cfg.OutputTimeout <= 0 {
		cfg.OutputTimeout = DefaultOutputTimeout
	}
	if cfg.Counters == nil {
		cfg.Counters = throughput.New()
	}
	logger := logging.Default(cfg.Logger).With("component", "orchestrator")
	if cfg.Chain == nil {
		cfg.Chain = filter.NewChain(cfg.Counters, cfg.Logger)
	}

	sched, err := newScheduler(logger)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:       cfg,
		chain:     cfg.Chain,
		counters:  cfg.Counters,
		logger:    logger,
		ingesters: make(map[string]Ingester),
		scheduler: sched,
	}
	o.outputs.Store(&[]Output{})

	intakeOpts, deliveryOpts, err := o.watermarkOptions()
	if err != nil {
		return nil, err
	}
	o.intake = buffer.New[*message.Message](cfg.IntakeCapacity, intakeOpts...)
	o.delivery = buffer.New[*message.Message](cfg.DeliveryCapacity, deliveryOpts...)
	return o, nil
}

func (o *Orchestrator) watermarkOptions() (intake, delivery []buffer.Option, err error) {
	if o.cfg.Registerer == nil {
		return nil, nil, nil
	}
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "graylogd",
		Name:      "buffer_size",
		Help:      "Messages currently held in a pipeline stage buffer.",
	}, []string{"buffer"})
	if err := o.cfg.Registerer.Register(g); err != nil {
		return nil, nil, fmt.Errorf("register buffer gauge: %w", err)
	}
	return []buffer.Option{buffer.WithWatermarkGauge(g.WithLabelValues("intake"))},
		[]buffer.Option{buffer.WithWatermarkGauge(g.WithLabelValues("delivery"))},
		nil
}

// Chain returns the filter chain the workers run.
func (o *Orchestrator) Chain() *filter.Chain {
	return o.chain
}

// Scheduler returns the shared periodic scheduler. Jobs added before Start
// begin running on Start.
func (o *Orchestrator) Scheduler() *Scheduler {
	return o.scheduler
}

// Counters returns the pipeline counters.
func (o *Orchestrator) Counters() *throughput.Counters {
	return o.counters
}

// IntakeSize returns the number of messages waiting for a filter worker.
func (o *Orchestrator) IntakeSize() int {
	return o.intake.Size()
}

// DeliverySize returns the number of messages waiting for an output worker.
func (o *Orchestrator) DeliverySize() int {
	return o.delivery.Size()
}

// IntakeCapacity returns the bound of the intake buffer.
func (o *Orchestrator) IntakeCapacity() int {
	return o.intake.Capacity()
}

// DeliveryCapacity returns the bound of the delivery buffer.
func (o *Orchestrator) DeliveryCapacity() int {
	return o.delivery.Capacity()
}
