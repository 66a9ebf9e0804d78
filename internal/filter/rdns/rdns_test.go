package rdns

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kerk1/ThreatHunting-graylog/internal/filter"
	"github.com/kerk1/ThreatHunting-graylog/internal/message"
)

type fakeResolver struct {
	names map[string]string
	calls atomic.Int64
	delay time.Duration
}

func (r *fakeResolver) LookupAddr(ctx context.Context, addr string) ([]string, error) {
	r.calls.Add(1)
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if name, ok := r.names[addr]; ok {
		return []string{name + "."}, nil
	}
	return nil, errors.New("no such host")
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestSenderIP(t *testing.T) {
	tests := []struct {
		source string
		want   string
	}{
		{"10.0.0.1", "10.0.0.1"},
		{"10.0.0.1:51234", "10.0.0.1"},
		{"[2001:db8::1]:514", "2001:db8::1"},
		{"2001:db8::1", "2001:db8::1"},
		{"generator", ""},
		{"web-01:8080", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := senderIP(tt.source); got != tt.want {
			t.Errorf("senderIP(%q) = %q, want %q", tt.source, got, tt.want)
		}
	}
}

func TestFilter(t *testing.T) {
	res := &fakeResolver{names: map[string]string{"10.0.0.1": "web01.example.com"}}
	f, err := New(Config{Resolver: res, OverrideHost: true})
	if err != nil {
		t.Fatal(err)
	}

	msg := message.New(map[string]any{message.FieldHost: "10.0.0.1"}, time.Now(), "10.0.0.1:40000")
	v, err := f.Filter(context.Background(), msg)
	if err != nil || v != filter.Pass {
		t.Fatalf("Filter = %v, %v", v, err)
	}
	if got := msg.String(FieldRemoteHostname); got != "web01.example.com" {
		t.Errorf("%s = %q", FieldRemoteHostname, got)
	}
	if got := msg.String(message.FieldHost); got != "web01.example.com" {
		t.Errorf("host = %q", got)
	}

	miss := message.New(map[string]any{message.FieldHost: "orig"}, time.Now(), "10.0.0.2")
	if _, err := f.Filter(context.Background(), miss); err != nil {
		t.Fatal(err)
	}
	if _, ok := miss.Fields[FieldRemoteHostname]; ok || miss.String(message.FieldHost) != "orig" {
		t.Errorf("unresolvable sender changed the message: %v", miss.Fields)
	}

	named := message.New(nil, time.Now(), "generator")
	if _, err := f.Filter(context.Background(), named); err != nil {
		t.Fatal(err)
	}
	if res.calls.Load() != 2 {
		t.Errorf("resolver calls = %d, want 2", res.calls.Load())
	}
}

func TestCacheTTLs(t *testing.T) {
	res := &fakeResolver{names: map[string]string{"10.0.0.1": "a.example.com"}}
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	f, err := New(Config{Resolver: res, PositiveTTL: time.Minute, NegativeTTL: 10 * time.Second, Now: clk.Now})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	for range 3 {
		if got := f.Lookup(ctx, "10.0.0.1"); got != "a.example.com" {
			t.Fatalf("Lookup = %q", got)
		}
		f.Lookup(ctx, "10.0.0.9")
	}
	if got := res.calls.Load(); got != 2 {
		t.Errorf("calls after cached lookups = %d, want 2", got)
	}

	clk.advance(11 * time.Second)
	f.Lookup(ctx, "10.0.0.1")
	f.Lookup(ctx, "10.0.0.9")
	if got := res.calls.Load(); got != 3 {
		t.Errorf("calls after negative TTL = %d, want 3", got)
	}

	clk.advance(time.Minute)
	f.Lookup(ctx, "10.0.0.1")
	if got := res.calls.Load(); got != 4 {
		t.Errorf("calls after positive TTL = %d, want 4", got)
	}
}

func TestConcurrentLookupsShareQuery(t *testing.T) {
	res := &fakeResolver{names: map[string]string{"10.0.0.1": "a.example.com"}, delay: 50 * time.Millisecond}
	f, err := New(Config{Resolver: res})
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			if got := f.Lookup(context.Background(), "10.0.0.1"); got != "a.example.com" {
				t.Errorf("Lookup = %q", got)
			}
		})
	}
	wg.Wait()
	if got := res.calls.Load(); got != 1 {
		t.Errorf("resolver calls = %d, want 1", got)
	}
}
