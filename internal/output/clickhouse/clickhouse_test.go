package clickhouse

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/kerk1/ThreatHunting-graylog/internal/message"
)

func TestRow(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	msg := message.New(map[string]any{
		message.FieldHost:         "web-1",
		message.FieldShortMessage: "boom",
		message.FieldLevel:        int64(3),
		"user_id":                 "42",
	}, ts, "10.0.0.1")
	msg.AddStream("errors")

	r, err := row(msg)
	if err != nil {
		t.Fatal(err)
	}
	if len(r) != 9 {
		t.Fatalf("row has %d columns, want 9", len(r))
	}
	if r[0].(time.Time) != ts || r[1] != msg.ID || r[2] != "web-1" || r[3] != "10.0.0.1" {
		t.Errorf("row head = %v", r[:4])
	}
	if r[4] != int8(3) || r[5] != "boom" || r[6] != "" {
		t.Errorf("row level/messages = %v", r[4:7])
	}
	if s := r[7].([]string); len(s) != 1 || s[0] != "errors" {
		t.Errorf("streams = %v", r[7])
	}
	var extra map[string]any
	if err := json.Unmarshal([]byte(r[8].(string)), &extra); err != nil {
		t.Fatal(err)
	}
	if len(extra) != 1 || extra["user_id"] != "42" {
		t.Errorf("fields = %v", extra)
	}
}

func TestRowDefaults(t *testing.T) {
	r, err := row(message.New(nil, time.Now(), ""))
	if err != nil {
		t.Fatal(err)
	}
	if r[4] != int8(-1) {
		t.Errorf("level = %v, want -1", r[4])
	}
	if s := r[7].([]string); s == nil || len(s) != 0 {
		t.Errorf("streams = %#v, want empty slice", r[7])
	}
	if r[8] != "{}" {
		t.Errorf("fields = %v, want {}", r[8])
	}
}

func TestConfigFromParams(t *testing.T) {
	tests := []struct {
		name    string
		params  map[string]string
		wantErr bool
	}{
		{"no addr", map[string]string{}, true},
		{"bad table", map[string]string{"addr": "h:9000", "table": "x; DROP"}, true},
		{"bad batch", map[string]string{"addr": "h:9000", "batch_size": "0"}, true},
		{"bad interval", map[string]string{"addr": "h:9000", "flush_interval": "x"}, true},
		{"qualified table", map[string]string{"addr": "h:9000, h2:9000", "table": "logs.messages", "batch_size": "50"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := configFromParams("ch", tt.params)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && (len(cfg.Addr) != 2 || cfg.Addr[1] != "h2:9000" || cfg.BatchSize != 50) {
				t.Errorf("config = %+v", cfg)
			}
		})
	}
}

func TestValidIdentifier(t *testing.T) {
	for s, want := range map[string]bool{
		"messages":     true,
		"_t1":          true,
		"db.messages":  true,
		"1abc":         false,
		"a.b.c":        false,
		"a b":          false,
		"":             false,
		"db.":          false,
		"graylog_2026": true,
	} {
		if got := validIdentifier(s); got != want {
			t.Errorf("validIdentifier(%q) = %v, want %v", s, got, want)
		}
	}
}
