package extractor

import (
	"testing"
	"time"

	"github.com/kerk1/ThreatHunting-graylog/internal/message"
)

func TestFilter(t *testing.T) {
	f, err := New([]Rule{
		{Name: "user", Path: "$.user.id", Target: "user_id"},
		{Name: "status", Path: "$.http.status", Target: "http_status"},
		{Name: "latency", Path: "$.http.latency_ms", Target: "latency_ms"},
		{Name: "tags", Path: "$.tags[*]", Target: "tags"},
		{Name: "ctx", Path: "$.ctx", Target: "ctx"},
		{Name: "trace", Source: "full_message", Path: "$.trace_id", Target: "trace_id"},
		{Name: "missing", Path: "$.nope", Target: "nope"},
	})
	if err != nil {
		t.Fatal(err)
	}

	msg := message.New(map[string]any{
		message.FieldShortMessage: ` {"user":{"id":"u-42"},"http":{"status":502,"latency_ms":12.5},"tags":["a","b"],"ctx":{"k":1}}`,
		message.FieldFullMessage:  `{"trace_id":"abc123"}`,
	}, time.Now(), "")
	if _, err := f.Filter(t.Context(), msg); err != nil {
		t.Fatal(err)
	}

	want := map[string]any{
		"user_id":     "u-42",
		"http_status": int64(502),
		"latency_ms":  12.5,
		"tags":        `["a","b"]`,
		"ctx":         `{"k":1}`,
		"trace_id":    "abc123",
	}
	for k, w := range want {
		if got, _ := msg.Get(k); got != w {
			t.Errorf("%s = %#v, want %#v", k, got, w)
		}
	}
	if _, ok := msg.Get("nope"); ok {
		t.Error("unmatched path set a field")
	}
}

func TestFilterSkipsNonJSON(t *testing.T) {
	f, err := New([]Rule{{Name: "user", Path: "$.user", Target: "user"}})
	if err != nil {
		t.Fatal(err)
	}
	for _, body := range []any{"plain text", "{broken", 42} {
		msg := message.New(map[string]any{message.FieldShortMessage: body}, time.Now(), "")
		if _, err := f.Filter(t.Context(), msg); err != nil {
			t.Fatal(err)
		}
		if _, ok := msg.Get("user"); ok {
			t.Errorf("body %v produced a user field", body)
		}
	}
}

func TestNewRejects(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
	}{
		{"bad path", Rule{Name: "x", Path: "$[", Target: "t"}},
		{"no root", Rule{Name: "x", Path: "user.id", Target: "t"}},
		{"no target", Rule{Name: "x", Path: "$.a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New([]Rule{tt.rule}); err == nil {
				t.Error("New succeeded")
			}
		})
	}
}
