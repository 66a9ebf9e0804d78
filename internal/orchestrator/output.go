package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/kerk1/ThreatHunting-graylog/internal/message"
	"github.com/kerk1/ThreatHunting-graylog/internal/throughput"
)

// ErrOutputPanic wraps a panic raised by an output's Write.
var ErrOutputPanic = errors.New("output panicked")

// Output is a destination for filtered messages.
//
// Write is called concurrently from several output workers and must be
// safe for that. It must not modify msg; every output receives the same
// message. Outputs that hold connections may also implement io.Closer;
// Close is called once during Stop; a Write abandoned at OutputTimeout may
// still be running then.
type Output interface {
	Name() string
	Write(ctx context.Context, msg *message.Message) error
}

// RegisterOutput adds an output. Safe to call while running.
func (o *Orchestrator) RegisterOutput(out Output) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	cur := *o.outputs.Load()
	for _, existing := range cur {
		if existing.Name() == out.Name() {
			return fmt.Errorf("output already registered: %s", out.Name())
		}
	}
	next := append(slices.Clone(cur), out)
	o.outputs.Store(&next)
	o.logger.Info("output registered", "output", out.Name())
	return nil
}

// UnregisterOutput removes an output by name and returns it, or nil if no
// such output exists. The caller owns closing it.
func (o *Orchestrator) UnregisterOutput(name string) Output {
	o.mu.Lock()
	defer o.mu.Unlock()

	cur := *o.outputs.Load()
	i := slices.IndexFunc(cur, func(out Output) bool { return out.Name() == name })
	if i < 0 {
		return nil
	}
	removed := cur[i]
	next := slices.Delete(slices.Clone(cur), i, i+1)
	o.outputs.Store(&next)
	o.logger.Info("output unregistered", "output", name)
	return removed
}

// Outputs returns the registered outputs.
func (o *Orchestrator) Outputs() []Output {
	return slices.Clone(*o.outputs.Load())
}

// dispatch writes msg to every output in parallel, each write bounded by
// OutputTimeout. Failures are counted and logged per output and never
// retried. A write still running at the deadline is abandoned and counted
// as failed.
func (o *Orchestrator) dispatch(ctx context.Context, msg *message.Message) {
	outs := *o.outputs.Load()
	ctx, cancel := context.WithTimeout(ctx, o.cfg.OutputTimeout)
	defer cancel()

	type result struct {
		i   int
		err error
	}
	results := make(chan result, len(outs))
	for i, out := range outs {
		go func() { results <- result{i, o.write(ctx, out, msg)} }()
	}

	done := make([]bool, len(outs))
	for range outs {
		select {
		case r := <-results:
			done[r.i] = true
			if r.err != nil {
				o.outputFailed(outs[r.i], msg, r.err)
			}
		case <-ctx.Done():
			for i, out := range outs {
				if !done[i] {
					o.outputFailed(out, msg, fmt.Errorf("write abandoned: %w", ctx.Err()))
				}
			}
			o.counters.Inc(throughput.MessagesDelivered)
			return
		}
	}
	o.counters.Inc(throughput.MessagesDelivered)
}

// write calls out.Write, turning a panic into an error.
func (o *Orchestrator) write(ctx context.Context, out Output, msg *message.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrOutputPanic, r)
		}
	}()
	return out.Write(ctx, msg)
}

func (o *Orchestrator) outputFailed(out Output, msg *message.Message, err error) {
	o.counters.Inc(throughput.OutputErrors)
	o.counters.Inc(throughput.OutputErrors + "." + out.Name())
	o.logger.Warn("output write failed",
		"output", out.Name(), "message_id", msg.ID, "error", err)
}

// closeOutputs closes every output implementing io.Closer, in parallel.
func (o *Orchestrator) closeOutputs() error {
	var g errgroup.Group
	for _, out := range *o.outputs.Load() {
		c, ok := out.(io.Closer)
		if !ok {
			continue
		}
		g.Go(func() error {
			if err := c.Close(); err != nil {
				return fmt.Errorf("close output %s: %w", out.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}
