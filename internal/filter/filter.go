// Package filter defines the message filter capability and the ordered,
// runtime-mutable chain that applies filters to every message.
//
// Filters run in ascending priority; filters with equal priority run in
// registration order. A filter may mutate the message in place or discard
// it. The first discard ends the chain. A filter that returns an error or
// panics discards the message; the failure is logged and counted but never
// stops the worker that ran it.
package filter

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/kerk1/ThreatHunting-graylog/internal/logging"
	"github.com/kerk1/ThreatHunting-graylog/internal/message"
	"github.com/kerk1/ThreatHunting-graylog/internal/throughput"
)

// Verdict is a filter's decision for one message.
type Verdict int

const (
	// Pass hands the message to the next filter.
	Pass Verdict = iota
	// Discard drops the message.
	Discard
)

func (v Verdict) String() string {
	switch v {
	case Pass:
		return "pass"
	case Discard:
		return "discard"
	default:
		return fmt.Sprintf("Verdict(%d)", int(v))
	}
}

// Filter inspects and optionally mutates a message.
type Filter interface {
	Name() string
	Priority() int
	Filter(ctx context.Context, msg *message.Message) (Verdict, error)
}

var (
	// ErrDuplicateFilter is returned by Register for a name already in the chain.
	ErrDuplicateFilter = errors.New("filter already registered")
	// ErrUnknownFilter is returned by Unregister for a name not in the chain.
	ErrUnknownFilter = errors.New("filter not registered")
	// ErrFilterFailed wraps errors and panics raised by a filter.
	ErrFilterFailed = errors.New("filter failed")
)

type entry struct {
	f   Filter
	seq uint64
}

// Chain is an ordered set of filters. Run never takes a lock; mutations
// build a new sorted snapshot and publish it atomically.
type Chain struct {
	mu   sync.Mutex // serializes Register/Unregister
	seq  uint64
	snap atomic.Pointer[[]entry]

	counters *throughput.Counters
	logger   *slog.Logger
}

// NewChain creates an empty chain. counters may be nil.
func NewChain(counters *throughput.Counters, logger *slog.Logger) *Chain {
	if counters == nil {
		counters = throughput.New()
	}
	c := &Chain{
		counters: counters,
		logger:   logging.Default(logger).With("component", "filter-chain"),
	}
	c.snap.Store(&[]entry{})
	return c
}

// Register adds f to the chain.
func (c *Chain) Register(f Filter) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := *c.snap.Load()
	for _, e := range cur {
		if e.f.Name() == f.Name() {
			return fmt.Errorf("%w: %s", ErrDuplicateFilter, f.Name())
		}
	}
	c.seq++
	next := append(slices.Clone(cur), entry{f: f, seq: c.seq})
	slices.SortStableFunc(next, func(a, b entry) int {
		if c := cmp.Compare(a.f.Priority(), b.f.Priority()); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	c.snap.Store(&next)
	c.logger.Info("filter registered", "filter", f.Name(), "priority", f.Priority())
	return nil
}

// Unregister removes the filter with the given name. Messages already
// running through an older snapshot still see it.
func (c *Chain) Unregister(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := *c.snap.Load()
	i := slices.IndexFunc(cur, func(e entry) bool { return e.f.Name() == name })
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownFilter, name)
	}
	next := slices.Delete(slices.Clone(cur), i, i+1)
	c.snap.Store(&next)
	c.logger.Info("filter unregistered", "filter", name)
	return nil
}

// Filters returns the filters in execution order.
func (c *Chain) Filters() []Filter {
	cur := *c.snap.Load()
	out := make([]Filter, len(cur))
	for i, e := range cur {
		out[i] = e.f
	}
	return out
}

// Len returns the number of registered filters.
func (c *Chain) Len() int {
	return len(*c.snap.Load())
}

// Run applies the chain to msg. It returns Discard with a non-nil error
// wrapping ErrFilterFailed when a filter failed.
func (c *Chain) Run(ctx context.Context, msg *message.Message) (Verdict, error) {
	for _, e := range *c.snap.Load() {
		v, err := c.apply(ctx, e.f, msg)
		if err != nil {
			c.counters.Inc(throughput.FilterFailures)
			c.logger.Warn("filter failed, discarding message",
				"filter", e.f.Name(), "message_id", msg.ID, "error", err)
			return Discard, err
		}
		if v == Discard {
			return Discard, nil
		}
	}
	return Pass, nil
}

func (c *Chain) apply(ctx context.Context, f Filter, msg *message.Message) (v Verdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = Discard, fmt.Errorf("%w: %s: panic: %v", ErrFilterFailed, f.Name(), r)
		}
	}()
	v, err = f.Filter(ctx, msg)
	if err != nil {
		return Discard, fmt.Errorf("%w: %s: %w", ErrFilterFailed, f.Name(), err)
	}
	return v, nil
}

// Func adapts a function into a Filter.
type Func struct {
	FilterName     string
	FilterPriority int
	Fn             func(ctx context.Context, msg *message.Message) (Verdict, error)
}

func (f Func) Name() string  { return f.FilterName }
func (f Func) Priority() int { return f.FilterPriority }

func (f Func) Filter(ctx context.Context, msg *message.Message) (Verdict, error) {
	return f.Fn(ctx, msg)
}
