package orchestrator

import (
	"context"

	"github.com/kerk1/ThreatHunting-graylog/internal/message"
	"github.com/kerk1/ThreatHunting-graylog/internal/throughput"
)

// IngestSink accepts decoded messages from a transport.
type IngestSink interface {
	// Submit hands msg to the pipeline without blocking. It returns
	// ErrBufferFull when intake is at capacity and ErrNotRunning once the
	// pipeline has stopped accepting messages.
	Submit(msg *message.Message) error
}

// Ingester is a source of log messages.
// Implementations must respect context cancellation and exit promptly.
type Ingester interface {
	// Run receives messages and submits them to sink until ctx is
	// cancelled or an unrecoverable error occurs (for example, the
	// listen address is unavailable). Run returns nil on cancellation.
	Run(ctx context.Context, sink IngestSink) error
}

// Submit implements IngestSink.
func (o *Orchestrator) Submit(msg *message.Message) error {
	if !o.intake.TryEnqueue(msg) {
		if o.intake.Closed() {
			return ErrNotRunning
		}
		return ErrBufferFull
	}
	o.counters.Inc(throughput.IntakeAccepted)
	o.counters.IncSource(msg.String(message.FieldHost))
	return nil
}

// RegisterIngester adds an ingester under a unique name.
// Must be called before Start().
func (o *Orchestrator) RegisterIngester(name string, ing Ingester) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ingesters[name] = ing
}

// UnregisterIngester removes an ingester.
// Must be called before Start() or after Stop().
func (o *Orchestrator) UnregisterIngester(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.ingesters, name)
}
