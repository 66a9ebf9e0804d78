package orchestrator

import (
	"context"
	"errors"

	"github.com/kerk1/ThreatHunting-graylog/internal/buffer"
	"github.com/kerk1/ThreatHunting-graylog/internal/filter"
	"github.com/kerk1/ThreatHunting-graylog/internal/throughput"
)

// Start launches the ingesters, the filter and output worker pools, and
// the scheduler. It returns immediately; use Stop() to shut down and
// Errors() to learn about ingesters that failed.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return ErrAlreadyRunning
	}
	if o.stopped {
		return ErrStopped
	}

	ingestCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.running = true
	o.errs = make(chan error, len(o.ingesters))

	o.logger.Info("starting orchestrator",
		"ingesters", len(o.ingesters),
		"outputs", len(*o.outputs.Load()),
		"filters", o.chain.Len(),
		"filter_workers", o.cfg.FilterWorkers,
		"output_workers", o.cfg.OutputWorkers)

	o.scheduler.start()

	// Workers outlive ctx: they stop when their input buffer is closed and
	// drained, so in-flight messages are not lost on shutdown.
	workCtx := context.WithoutCancel(ctx)
	for range o.cfg.FilterWorkers {
		o.filterWg.Go(func() { o.filterLoop(workCtx) })
	}
	for range o.cfg.OutputWorkers {
		o.outputWg.Go(func() { o.outputLoop(workCtx) })
	}

	for name, ing := range o.ingesters {
		o.logger.Info("starting ingester", "name", name)
		o.ingesterWg.Go(func() {
			if err := ing.Run(ingestCtx, o); err != nil && !errors.Is(err, context.Canceled) {
				o.logger.Error("ingester failed", "name", name, "error", err)
				o.errs <- &IngesterError{Name: name, Err: err}
			}
		})
	}
	return nil
}

// Errors delivers errors from ingesters that exited abnormally. The
// channel is valid after Start and is never closed.
func (o *Orchestrator) Errors() <-chan error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.errs
}

// Stop shuts the pipeline down and waits for it to drain.
//
// Ordered shutdown:
//  1. Cancel ingesters → ingesterWg.Wait()
//  2. Close intake → filterWg.Wait() (drains intake)
//  3. Close delivery → outputWg.Wait() (drains delivery)
//  4. Close outputs
//  5. Stop scheduler (waits for running jobs)
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return ErrNotRunning
	}
	cancel := o.cancel
	o.running = false
	o.stopped = true
	o.mu.Unlock()

	cancel()
	o.ingesterWg.Wait()

	o.intake.Close()
	o.filterWg.Wait()

	o.delivery.Close()
	o.outputWg.Wait()

	closeErr := o.closeOutputs()
	schedErr := o.scheduler.stop()

	o.logger.Info("orchestrator stopped",
		"delivered", o.counters.Get(throughput.MessagesDelivered))
	return errors.Join(closeErr, schedErr)
}

// filterLoop moves messages from intake through the chain into delivery.
// It exits once intake is closed and empty.
func (o *Orchestrator) filterLoop(ctx context.Context) {
	for {
		msg, err := o.intake.Dequeue(ctx)
		if err != nil {
			return
		}
		v, _ := o.chain.Run(ctx, msg)
		if v == filter.Discard {
			o.counters.Inc(throughput.MessagesDiscarded)
			continue
		}
		o.counters.Inc(throughput.MessagesFiltered)
		if err := o.delivery.Enqueue(ctx, msg); err != nil {
			// Delivery only closes after every filter worker has exited.
			if errors.Is(err, buffer.ErrClosed) {
				o.logger.Error("delivery closed before filter workers drained", "message_id", msg.ID)
			}
			return
		}
	}
}

// outputLoop writes messages from delivery to every output. It exits once
// delivery is closed and empty.
func (o *Orchestrator) outputLoop(ctx context.Context) {
	for {
		msg, err := o.delivery.Dequeue(ctx)
		if err != nil {
			return
		}
		o.dispatch(ctx, msg)
	}
}

// IngesterError reports an ingester that exited with an error.
type IngesterError struct {
	Name string
	Err  error
}

func (e *IngesterError) Error() string { return "ingester " + e.Name + ": " + e.Err.Error() }
func (e *IngesterError) Unwrap() error { return e.Err }
