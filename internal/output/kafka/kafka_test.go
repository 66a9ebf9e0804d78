package kafka

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/kerk1/ThreatHunting-graylog/internal/message"
)

func newOutput(t *testing.T, params map[string]string) *Output {
	t.Helper()
	out, err := NewFactory()("kafka", params, nil)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	o := out.(*Output)
	t.Cleanup(func() { o.client.Close() })
	return o
}

func TestFactoryRequiresParams(t *testing.T) {
	factory := NewFactory()
	tests := []struct {
		name   string
		params map[string]string
	}{
		{"no brokers", map[string]string{"topic": "logs"}},
		{"no topic", map[string]string{"brokers": "localhost:9092"}},
		{"bad sasl", map[string]string{"brokers": "localhost:9092", "topic": "logs", "sasl_mechanism": "gssapi"}},
		{"bad delivery timeout", map[string]string{"brokers": "localhost:9092", "topic": "logs", "delivery_timeout": "soon"}},
		{"zero delivery timeout", map[string]string{"brokers": "localhost:9092", "topic": "logs", "delivery_timeout": "0s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := factory("kafka", tt.params, nil); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestFactoryParsesBrokers(t *testing.T) {
	o := newOutput(t, map[string]string{
		"brokers":        "b1:9092, b2:9092 ,b3:9092",
		"topic":          "logs",
		"sasl_mechanism": "SCRAM-SHA-256",
		"sasl_user":      "u",
	})
	want := []string{"b1:9092", "b2:9092", "b3:9092"}
	if len(o.cfg.Brokers) != len(want) {
		t.Fatalf("brokers = %v", o.cfg.Brokers)
	}
	for i := range want {
		if o.cfg.Brokers[i] != want[i] {
			t.Errorf("broker %d = %q, want %q", i, o.cfg.Brokers[i], want[i])
		}
	}
	if o.cfg.SASL == nil || o.cfg.SASL.Mechanism != "scram-sha-256" {
		t.Errorf("SASL = %+v", o.cfg.SASL)
	}
	if o.Name() != "kafka" {
		t.Errorf("Name() = %q", o.Name())
	}
}

func TestFactoryDeliveryTimeout(t *testing.T) {
	o := newOutput(t, map[string]string{"brokers": "localhost:9092", "topic": "logs"})
	if o.cfg.DeliveryTimeout != DefaultDeliveryTimeout {
		t.Errorf("default DeliveryTimeout = %v, want %v", o.cfg.DeliveryTimeout, DefaultDeliveryTimeout)
	}
	o = newOutput(t, map[string]string{"brokers": "localhost:9092", "topic": "logs", "delivery_timeout": "3s"})
	if o.cfg.DeliveryTimeout != 3*time.Second {
		t.Errorf("DeliveryTimeout = %v, want 3s", o.cfg.DeliveryTimeout)
	}
}

func TestWriteToDeadBrokerTimesOut(t *testing.T) {
	o := newOutput(t, map[string]string{
		"brokers":          "127.0.0.1:1",
		"topic":            "logs",
		"delivery_timeout": "200ms",
	})
	msg := message.New(map[string]any{message.FieldShortMessage: "hello"}, time.Now(), "10.0.0.1")

	done := make(chan error, 1)
	go func() { done <- o.Write(context.Background(), msg) }()
	select {
	case err := <-done:
		if err == nil {
			t.Error("Write to an unreachable broker succeeded")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Write did not honour delivery_timeout")
	}
}

func TestRecord(t *testing.T) {
	o := newOutput(t, map[string]string{"brokers": "localhost:9092", "topic": "logs"})
	ts := time.Unix(1700000000, 0)
	msg := message.New(map[string]any{
		message.FieldHost:         "web-1",
		message.FieldShortMessage: "hello",
	}, ts, "10.0.0.1")

	rec, err := o.record(msg)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Topic != "logs" || string(rec.Key) != "web-1" || !rec.Timestamp.Equal(ts) {
		t.Errorf("record = topic %q key %q ts %v", rec.Topic, rec.Key, rec.Timestamp)
	}
	var doc map[string]any
	if err := json.Unmarshal(rec.Value, &doc); err != nil {
		t.Fatal(err)
	}
	if doc[message.FieldShortMessage] != "hello" || doc["_id"] != msg.ID {
		t.Errorf("value = %v", doc)
	}
	if len(rec.Headers) != 1 || string(rec.Headers[0].Value) != msg.ID {
		t.Errorf("headers = %v", rec.Headers)
	}
}
