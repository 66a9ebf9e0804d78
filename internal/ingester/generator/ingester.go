// Package generator provides an input that emits random log messages at
// random intervals. It is used to exercise the full pipeline (streams,
// outputs and index rotation) without a real log source.
package generator

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/kerk1/ThreatHunting-graylog/internal/ingester/flow"
	"github.com/kerk1/ThreatHunting-graylog/internal/message"
	"github.com/kerk1/ThreatHunting-graylog/internal/orchestrator"
)

// Ingester emits random messages. It implements orchestrator.Ingester.
type Ingester struct {
	minInterval time.Duration
	maxInterval time.Duration
	rng         *rand.Rand
	now         func() time.Time

	formats []format
	// weights[i] is the sum of the weights of formats[0..i].
	weights     []int
	totalWeight int

	onFull flow.Config
	logger *slog.Logger
}

// Run emits messages until ctx is cancelled or the pipeline stops.
func (g *Ingester) Run(ctx context.Context, sink orchestrator.IngestSink) error {
	g.logger.Info("started", "min_interval", g.minInterval, "max_interval", g.maxInterval, "formats", len(g.formats))
	ctl := flow.New(sink, g.onFull)

	timer := time.NewTimer(g.randomInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		for _, msg := range g.generate() {
			if err := ctl.Submit(ctx, msg); err != nil {
				if errors.Is(err, orchestrator.ErrNotRunning) || ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
		timer.Reset(g.randomInterval())
	}
}

func (g *Ingester) randomInterval() time.Duration {
	if g.minInterval >= g.maxInterval {
		return g.minInterval
	}
	return g.minInterval + time.Duration(g.rng.Int64N(int64(g.maxInterval-g.minInterval)))
}

func (g *Ingester) generate() []*message.Message {
	return g.selectFormat().generate(g.rng, g.now())
}

// selectFormat picks a format with probability proportional to its weight.
func (g *Ingester) selectFormat() format {
	if len(g.formats) == 1 {
		return g.formats[0]
	}
	n := g.rng.IntN(g.totalWeight)
	for i, w := range g.weights {
		if n < w {
			return g.formats[i]
		}
	}
	return g.formats[len(g.formats)-1]
}
