// Package flow applies intake backpressure on behalf of transports.
//
// When the pipeline reports orchestrator.ErrBufferFull a transport either
// drops the message (counted as intake_dropped) or pauses, retrying at a
// bounded rate until the message is accepted or its context ends. Pausing
// stops reading from the socket, which pushes back on TCP senders; for UDP
// the kernel receive buffer absorbs the burst instead.
package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/kerk1/ThreatHunting-graylog/internal/message"
	"github.com/kerk1/ThreatHunting-graylog/internal/orchestrator"
	"github.com/kerk1/ThreatHunting-graylog/internal/throughput"
)

// Mode selects what happens to a message that meets a full intake buffer.
type Mode string

const (
	Drop  Mode = "drop"
	Pause Mode = "pause"
)

// DefaultRetryInterval spaces retries in Pause mode.
const DefaultRetryInterval = 10 * time.Millisecond

// ParseMode parses an on_full setting. The empty string means Drop.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", Drop:
		return Drop, nil
	case Pause:
		return Pause, nil
	}
	return "", fmt.Errorf("unknown on_full mode %q (want drop or pause)", s)
}

// Config configures a Controller.
type Config struct {
	Mode Mode

	// RetryInterval is the minimum spacing between retries while paused.
	// Defaults to DefaultRetryInterval.
	RetryInterval time.Duration

	// Counters receives intake_dropped. Optional.
	Counters *throughput.Counters
}

// Controller submits messages to a sink, applying the configured mode on
// ErrBufferFull. One Controller may be shared by the connections of a
// transport so that all of them pause together.
type Controller struct {
	sink     orchestrator.IngestSink
	mode     Mode
	limiter  *rate.Limiter
	counters *throughput.Counters
}

// New returns a Controller for sink.
func New(sink orchestrator.IngestSink, cfg Config) *Controller {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.Mode == "" {
		cfg.Mode = Drop
	}
	if cfg.Counters == nil {
		cfg.Counters = throughput.New()
	}
	return &Controller{
		sink:     sink,
		mode:     cfg.Mode,
		limiter:  rate.NewLimiter(rate.Every(cfg.RetryInterval), 1),
		counters: cfg.Counters,
	}
}

// Submit hands msg to the sink. A dropped message is not an error. It
// returns orchestrator.ErrNotRunning once the pipeline has stopped, and the
// context error if ctx ends while paused.
func (c *Controller) Submit(ctx context.Context, msg *message.Message) error {
	for {
		err := c.sink.Submit(msg)
		if !errors.Is(err, orchestrator.ErrBufferFull) {
			return err
		}
		if c.mode == Drop {
			c.counters.Inc(throughput.IntakeDropped)
			return nil
		}
		if err := c.limiter.Wait(ctx); err != nil {
			c.counters.Inc(throughput.IntakeDropped)
			return err
		}
	}
}
