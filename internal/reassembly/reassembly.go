// Package reassembly rebuilds GELF messages from chunked datagrams.
//
// In-flight messages are kept in a fixed number of shards keyed by message
// id, each with its own lock, so fragments of different messages rarely
// contend. A group lives until every sequence number has arrived or until
// it is older than the staleness timeout, whichever comes first. A fragment
// for an id that was already completed or evicted starts a new group.
package reassembly

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kerk1/ThreatHunting-graylog/internal/gelf"
	"github.com/kerk1/ThreatHunting-graylog/internal/logging"
	"github.com/kerk1/ThreatHunting-graylog/internal/message"
	"github.com/kerk1/ThreatHunting-graylog/internal/throughput"
)

const shardCount = 16

// Defaults applied by New for zero config values.
const (
	DefaultStalenessTimeout = 5 * time.Second
	DefaultSweepInterval    = time.Second
)

// Config configures a Reassembler.
type Config struct {
	// StalenessTimeout bounds how long a partial message is kept after its
	// first fragment arrived.
	StalenessTimeout time.Duration

	// MaxFragments is the ceiling on Total. Values outside
	// 1..gelf.MaxFragments are clamped to gelf.MaxFragments.
	MaxFragments int

	SweepInterval time.Duration

	Counters *throughput.Counters
	Now      func() time.Time
	Logger   *slog.Logger
}

type group struct {
	total     int
	received  int
	payloads  [][]byte
	size      int
	firstSeen time.Time
	lastSeen  time.Time
	source    string
}

type shard struct {
	mu     sync.Mutex
	groups map[uint64]*group
}

// Reassembler collects fragments into complete messages.
type Reassembler struct {
	cfg      Config
	counters *throughput.Counters
	logger   *slog.Logger
	shards   [shardCount]shard
}

// New creates a Reassembler.
func New(cfg Config) *Reassembler {
	if cfg.StalenessTimeout <= 0 {
		cfg.StalenessTimeout = DefaultStalenessTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.MaxFragments <= 0 || cfg.MaxFragments > gelf.MaxFragments {
		cfg.MaxFragments = gelf.MaxFragments
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	counters := cfg.Counters
	if counters == nil {
		counters = throughput.New()
	}
	r := &Reassembler{
		cfg:      cfg,
		counters: counters,
		logger:   logging.Default(cfg.Logger).With("component", "reassembler"),
	}
	for i := range r.shards {
		r.shards[i].groups = make(map[uint64]*group)
	}
	return r
}

func (r *Reassembler) shardFor(id uint64) *shard {
	// Fibonacci hashing; sender ids are often sequential or clustered.
	return &r.shards[(id*0x9e3779b97f4a7c15)>>60]
}

// Submit adds one fragment. It returns the decoded message when f completes
// its group and nil otherwise. The payload is retained until the group
// completes or is evicted, so callers must not reuse its backing array.
func (r *Reassembler) Submit(f gelf.Fragment) (*message.Message, error) {
	r.counters.Inc(throughput.FragmentsReceived)

	if f.Total == 0 || int(f.Total) > r.cfg.MaxFragments || f.Seq >= f.Total {
		r.counters.Inc(throughput.FragmentsMalformed)
		return nil, fmt.Errorf("%w: seq %d total %d (max %d)",
			gelf.ErrMalformedFragment, f.Seq, f.Total, r.cfg.MaxFragments)
	}

	now := r.cfg.Now()
	if f.Total == 1 {
		return r.decode(f.Payload, f.Source, now)
	}

	s := r.shardFor(f.MessageID)
	s.mu.Lock()
	g, ok := s.groups[f.MessageID]
	if !ok {
		g = &group{
			total:     int(f.Total),
			payloads:  make([][]byte, f.Total),
			firstSeen: now,
			source:    f.Source,
		}
		s.groups[f.MessageID] = g
	} else if g.total != int(f.Total) {
		s.mu.Unlock()
		r.counters.Inc(throughput.FragmentsMalformed)
		return nil, fmt.Errorf("%w: total %d disagrees with %d for message %x",
			gelf.ErrMalformedFragment, f.Total, g.total, f.MessageID)
	}

	if g.payloads[f.Seq] == nil {
		g.received++
	} else {
		g.size -= len(g.payloads[f.Seq])
	}
	if f.Payload == nil {
		f.Payload = []byte{}
	}
	g.payloads[f.Seq] = f.Payload
	g.size += len(f.Payload)
	g.lastSeen = now

	if g.received < g.total {
		s.mu.Unlock()
		return nil, nil
	}
	delete(s.groups, f.MessageID)
	s.mu.Unlock()

	payload := make([]byte, 0, g.size)
	for _, p := range g.payloads {
		payload = append(payload, p...)
	}
	return r.decode(payload, g.source, now)
}

func (r *Reassembler) decode(payload []byte, source string, now time.Time) (*message.Message, error) {
	msg, err := gelf.Decode(payload, source, now)
	if err != nil {
		r.counters.Inc(throughput.DecodeErrors)
		return nil, err
	}
	r.counters.Inc(throughput.MessagesReassembled)
	return msg, nil
}

// Sweep evicts groups whose first fragment is older than the staleness
// timeout and returns how many were evicted. Shards are locked one at a
// time.
func (r *Reassembler) Sweep(now time.Time) int {
	type eviction struct {
		id       uint64
		source   string
		received int
		total    int
		idle     time.Duration
	}
	var evicted []eviction
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for id, g := range s.groups {
			if now.Sub(g.firstSeen) > r.cfg.StalenessTimeout {
				delete(s.groups, id)
				evicted = append(evicted, eviction{id, g.source, g.received, g.total, now.Sub(g.lastSeen)})
			}
		}
		s.mu.Unlock()
	}
	if len(evicted) == 0 {
		return 0
	}
	r.counters.Add(throughput.ReassemblyTimeouts, int64(len(evicted)))
	for _, e := range evicted {
		r.logger.Debug("evicted stale fragment group",
			"message_id", fmt.Sprintf("%016x", e.id), "source", e.source,
			"received", e.received, "total", e.total, "idle", e.idle)
	}
	return len(evicted)
}

// Pending returns the number of incomplete groups.
func (r *Reassembler) Pending() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		n += len(s.groups)
		s.mu.Unlock()
	}
	return n
}

// SweepInterval returns the configured sweep period.
func (r *Reassembler) SweepInterval() time.Duration {
	return r.cfg.SweepInterval
}
