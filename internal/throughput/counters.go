// Package throughput tracks per-stage and per-source message counts.
//
// Counters are plain atomic integers keyed by name. Any goroutine may
// increment them; a sampler periodically reads and zeroes them (an atomic
// swap) and publishes the delta as the rate over that interval. Because the
// swap is a single atomic operation, no increment is lost between read and
// reset and no value can go negative.
package throughput

import (
	"sync"
	"sync/atomic"
)

// Well-known counter names.
const (
	FragmentsReceived   = "fragments_received"
	FragmentsMalformed  = "fragments_malformed"
	MessagesReassembled = "messages_reassembled"
	ReassemblyTimeouts  = "reassembly_timeouts"
	DecodeErrors        = "decode_errors"
	IntakeAccepted      = "intake_accepted"
	IntakeDropped       = "intake_dropped"
	MessagesFiltered    = "messages_filtered"
	MessagesDiscarded   = "messages_discarded"
	FilterFailures      = "filter_failures"
	MessagesDelivered   = "messages_delivered"
	OutputErrors        = "output_errors"
	IndexWrites         = "index_writes"
	Rotations           = "rotations"
	RotationFailures    = "rotation_failures"
	IndicesArchived     = "indices_archived"
	ArchiveFailures     = "archive_failures"
	IndicesDeleted      = "indices_deleted"
)

// Counters is a set of named monotonic-until-sampled counters.
// The zero value is ready to use.
type Counters struct {
	stages sync.Map // string -> *atomic.Int64

	// Source keys come from senders, so the map is replaced on every
	// sample and only holds sources seen since the last one.
	mu      sync.Mutex
	sources map[string]int64
}

// New returns an empty counter set.
func New() *Counters {
	return &Counters{}
}

func counter(m *sync.Map, name string) *atomic.Int64 {
	if c, ok := m.Load(name); ok {
		return c.(*atomic.Int64)
	}
	c, _ := m.LoadOrStore(name, new(atomic.Int64))
	return c.(*atomic.Int64)
}

// Inc adds one to the named counter.
func (c *Counters) Inc(name string) {
	counter(&c.stages, name).Add(1)
}

// Add adds n to the named counter.
func (c *Counters) Add(name string, n int64) {
	counter(&c.stages, name).Add(n)
}

// Get returns the current value without resetting it.
func (c *Counters) Get(name string) int64 {
	if v, ok := c.stages.Load(name); ok {
		return v.(*atomic.Int64).Load()
	}
	return 0
}

// IncSource counts one message from source (a host or remote address).
func (c *Counters) IncSource(source string) {
	if source == "" {
		return
	}
	c.mu.Lock()
	if c.sources == nil {
		c.sources = make(map[string]int64)
	}
	c.sources[source]++
	c.mu.Unlock()
}

// Source returns the current count for source without resetting it.
func (c *Counters) Source(source string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sources[source]
}

// Sources reports how many distinct sources are held until the next sample.
func (c *Counters) Sources() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sources)
}

// Sample reads and zeroes every stage counter.
func (c *Counters) Sample() map[string]int64 {
	return drain(&c.stages)
}

// SampleSources returns the per-source counts since the last call and
// forgets every source. Sources with no traffic in the interval are absent.
func (c *Counters) SampleSources() map[string]int64 {
	c.mu.Lock()
	out := c.sources
	c.sources = nil
	c.mu.Unlock()
	if out == nil {
		out = make(map[string]int64)
	}
	return out
}

func drain(m *sync.Map) map[string]int64 {
	out := make(map[string]int64)
	m.Range(func(k, v any) bool {
		out[k.(string)] = v.(*atomic.Int64).Swap(0)
		return true
	})
	return out
}
