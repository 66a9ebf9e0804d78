package throughput

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestIncAndSample(t *testing.T) {
	c := New()
	c.Inc(MessagesDelivered)
	c.Add(MessagesDelivered, 4)
	c.Inc(IntakeDropped)

	if got := c.Get(MessagesDelivered); got != 5 {
		t.Fatalf("Get = %d, want 5", got)
	}

	s := c.Sample()
	if s[MessagesDelivered] != 5 || s[IntakeDropped] != 1 {
		t.Fatalf("Sample = %v", s)
	}
	if got := c.Get(MessagesDelivered); got != 0 {
		t.Errorf("counter not reset after sample: %d", got)
	}
	if got := c.Get("never_touched"); got != 0 {
		t.Errorf("unknown counter = %d, want 0", got)
	}
}

func TestConcurrentIncrementsNotLost(t *testing.T) {
	c := New()
	const (
		writers = 8
		perW    = 10000
	)

	var total int64
	var mu sync.Mutex
	done := make(chan struct{})
	var sampler sync.WaitGroup
	sampler.Go(func() {
		for {
			select {
			case <-done:
				return
			default:
			}
			n := c.Sample()[MessagesFiltered]
			if n < 0 {
				t.Errorf("negative sample %d", n)
			}
			mu.Lock()
			total += n
			mu.Unlock()
		}
	})

	var wg sync.WaitGroup
	for range writers {
		wg.Go(func() {
			for range perW {
				c.Inc(MessagesFiltered)
			}
		})
	}
	wg.Wait()
	close(done)
	sampler.Wait()

	total += c.Sample()[MessagesFiltered]
	if total != writers*perW {
		t.Errorf("sampled total = %d, want %d", total, writers*perW)
	}
}

func TestSourceCounters(t *testing.T) {
	c := New()
	c.IncSource("10.0.0.1")
	c.IncSource("10.0.0.1")
	c.IncSource("web-1")
	c.IncSource("")

	if got := c.Source("10.0.0.1"); got != 2 {
		t.Fatalf("Source = %d, want 2", got)
	}
	s := c.SampleSources()
	if len(s) != 2 || s["10.0.0.1"] != 2 || s["web-1"] != 1 {
		t.Fatalf("SampleSources = %v", s)
	}
	if s := c.SampleSources(); len(s) != 0 {
		t.Errorf("idle sources reported: %v", s)
	}
}

func TestIdleSourcesAreForgotten(t *testing.T) {
	c := New()
	for i := range 10000 {
		c.IncSource(fmt.Sprintf("host-%d", i))
	}
	if got := c.Sources(); got != 10000 {
		t.Fatalf("Sources() = %d, want 10000", got)
	}
	if s := c.SampleSources(); len(s) != 10000 {
		t.Fatalf("SampleSources returned %d sources", len(s))
	}
	if got := c.Sources(); got != 0 {
		t.Errorf("Sources() after sample = %d, want 0", got)
	}

	c.IncSource("host-1")
	if s := c.SampleSources(); len(s) != 1 || s["host-1"] != 1 {
		t.Errorf("SampleSources = %v", s)
	}
}

func TestConcurrentSourceIncrementsNotLost(t *testing.T) {
	c := New()
	const workers, per = 8, 1000
	var total atomic.Int64
	stop := make(chan struct{})
	sampled := make(chan struct{})
	go func() {
		defer close(sampled)
		for {
			for _, n := range c.SampleSources() {
				total.Add(n)
			}
			select {
			case <-stop:
				return
			default:
			}
		}
	}()

	var wg sync.WaitGroup
	for w := range workers {
		wg.Go(func() {
			for i := range per {
				c.IncSource(fmt.Sprintf("h-%d-%d", w, i%7))
			}
		})
	}
	wg.Wait()
	close(stop)
	<-sampled
	for _, n := range c.SampleSources() {
		total.Add(n)
	}
	if got := total.Load(); got != workers*per {
		t.Errorf("sampled %d source hits, want %d", got, workers*per)
	}
}

func TestSamplerPublishesRates(t *testing.T) {
	now := time.Unix(1000, 0)
	c := New()
	reg := prometheus.NewRegistry()
	s, err := NewSampler(SamplerConfig{
		Counters:   c,
		Interval:   2 * time.Second,
		Registerer: reg,
		Now:        func() time.Time { return now },
	})
	if err != nil {
		t.Fatal(err)
	}

	c.Add(MessagesDelivered, 10)
	c.IncSource("a")
	now = now.Add(2 * time.Second)
	snap := s.SampleOnce()

	if snap.Interval != 2*time.Second {
		t.Fatalf("interval = %v", snap.Interval)
	}
	if got := snap.Rate(MessagesDelivered); got != 5 {
		t.Errorf("rate = %v, want 5", got)
	}
	if got := testutil.ToFloat64(s.stageRate.WithLabelValues(MessagesDelivered)); got != 5 {
		t.Errorf("gauge = %v, want 5", got)
	}
	if got := testutil.ToFloat64(s.sourceRate.WithLabelValues("a")); got != 0.5 {
		t.Errorf("source gauge = %v, want 0.5", got)
	}
	if last := s.Last(); last.Stages[MessagesDelivered] != 10 {
		t.Errorf("Last = %v", last.Stages)
	}

	// Next interval without traffic drops to zero.
	now = now.Add(2 * time.Second)
	s.SampleOnce()
	if got := testutil.ToFloat64(s.stageRate.WithLabelValues(MessagesDelivered)); got != 0 {
		t.Errorf("gauge after idle interval = %v, want 0", got)
	}
}

func TestSamplerDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewSampler(SamplerConfig{Counters: New(), Registerer: reg}); err != nil {
		t.Fatal(err)
	}
	if _, err := NewSampler(SamplerConfig{Counters: New(), Registerer: reg}); err == nil {
		t.Error("expected duplicate registration error")
	}
}
