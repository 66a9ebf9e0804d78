package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/kerk1/ThreatHunting-graylog/internal/message"
	"github.com/kerk1/ThreatHunting-graylog/internal/orchestrator"
)

type fakeStats struct{}

func (fakeStats) IntakeSize() int       { return 5 }
func (fakeStats) IntakeCapacity() int   { return 1000 }
func (fakeStats) DeliverySize() int     { return 2 }
func (fakeStats) DeliveryCapacity() int { return 500 }

type chanSink chan *message.Message

func (s chanSink) Submit(msg *message.Message) error {
	select {
	case s <- msg:
		return nil
	default:
		return orchestrator.ErrBufferFull
	}
}

type stoppedSink struct{}

func (stoppedSink) Submit(*message.Message) error { return orchestrator.ErrNotRunning }

func newTestIngester(t *testing.T, interval string) *ingester {
	t.Helper()
	ing, err := NewFactory(fakeStats{})("self", map[string]string{"interval": interval, "hostname": "node01"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return ing.(*ingester)
}

func TestNewFactory(t *testing.T) {
	tests := []struct {
		name    string
		params  map[string]string
		want    time.Duration
		wantErr bool
	}{
		{"default interval", nil, 30 * time.Second, false},
		{"custom interval", map[string]string{"interval": "10s"}, 10 * time.Second, false},
		{"invalid interval", map[string]string{"interval": "bad"}, 0, true},
		{"zero interval", map[string]string{"interval": "0s"}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ing, err := NewFactory(fakeStats{})("self", tt.params, nil)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			m := ing.(*ingester)
			if m.interval != tt.want {
				t.Errorf("interval = %v, want %v", m.interval, tt.want)
			}
			if m.host == "" {
				t.Error("host not defaulted")
			}
		})
	}
}

func TestCollect(t *testing.T) {
	m := newTestIngester(t, "1s")
	msg := m.collect()

	if msg.String(message.FieldHost) != "node01" || msg.Source != "self" {
		t.Errorf("host/source = %q/%q", msg.String(message.FieldHost), msg.Source)
	}
	if !strings.Contains(msg.String(message.FieldShortMessage), "intake 5/1000") {
		t.Errorf("short_message = %q", msg.String(message.FieldShortMessage))
	}
	for key, want := range map[string]int64{
		"intake_size":       5,
		"intake_capacity":   1000,
		"delivery_size":     2,
		"delivery_capacity": 500,
	} {
		if got, _ := msg.Get(key); got != want {
			t.Errorf("%s = %v, want %d", key, got, want)
		}
	}
	for _, key := range []string{"cpu_percent", "heap_inuse_bytes", "num_goroutine", "max_rss_bytes"} {
		if _, ok := msg.Get(key); !ok {
			t.Errorf("missing %s", key)
		}
	}
	if n, _ := msg.Get("num_goroutine"); n.(int64) < 1 {
		t.Errorf("num_goroutine = %v", n)
	}
}

func TestRunEmitsPerInterval(t *testing.T) {
	m := newTestIngester(t, "20ms")
	sink := make(chanSink, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, sink) }()

	for range 2 {
		select {
		case <-sink:
		case <-time.After(2 * time.Second):
			t.Fatal("no metrics message")
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run = %v", err)
	}
}

func TestRunSurvivesFullIntake(t *testing.T) {
	m := newTestIngester(t, "10ms")
	sink := make(chanSink) // unbuffered with no reader: always full

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := m.Run(ctx, sink); err != nil {
		t.Errorf("Run = %v", err)
	}
}

func TestRunStopsWithPipeline(t *testing.T) {
	m := newTestIngester(t, "10ms")
	done := make(chan error, 1)
	go func() { done <- m.Run(t.Context(), stoppedSink{}) }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run kept going after the pipeline stopped")
	}
}
