package syslog

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kerk1/ThreatHunting-graylog/internal/message"
	"github.com/kerk1/ThreatHunting-graylog/internal/orchestrator"
)

type recordingSink struct {
	mu   sync.Mutex
	msgs []*message.Message
}

func (s *recordingSink) Submit(msg *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *recordingSink) messages() []*message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*message.Message(nil), s.msgs...)
}

// stoppedSink behaves like a pipeline that has shut down.
type stoppedSink struct{}

func (stoppedSink) Submit(*message.Message) error { return orchestrator.ErrNotRunning }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func startIngester(t *testing.T, ing *Ingester, sink orchestrator.IngestSink) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ing.Run(ctx, sink) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})
	waitFor(t, func() bool {
		return (ing.cfg.UDPAddr == "" || ing.UDPAddr() != nil) &&
			(ing.cfg.TCPAddr == "" || ing.TCPAddr() != nil)
	})
}

func TestBuildMessage(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	ing, err := New(Config{UDPAddr: ":0", Now: func() time.Time { return now }})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		line   string
		fields map[string]any
		ts     time.Time
	}{
		{
			name: "rfc3164",
			line: "<34>Mar  9 22:14:15 mymachine su[99]: auth failed",
			fields: map[string]any{
				"version":          "1.1",
				"host":             "mymachine",
				"short_message":    "auth failed",
				"full_message":     "<34>Mar  9 22:14:15 mymachine su[99]: auth failed",
				"level":            2,
				"facility":         "auth",
				"application_name": "su",
				"process_id":       "99",
			},
			ts: time.Date(2026, 3, 9, 22, 14, 15, 0, time.UTC),
		},
		{
			name: "rfc5424",
			line: "<165>1 2026-03-10T11:00:00Z web01 nginx - ID7 - done",
			fields: map[string]any{
				"version":          "1.1",
				"host":             "web01",
				"short_message":    "done",
				"full_message":     "<165>1 2026-03-10T11:00:00Z web01 nginx - ID7 - done",
				"level":            5,
				"facility":         "local4",
				"application_name": "nginx",
				"message_id":       "ID7",
			},
			ts: time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC),
		},
		{
			name: "bare text uses sender and now",
			line: "hello",
			fields: map[string]any{
				"version":       "1.1",
				"host":          "10.0.0.9",
				"short_message": "hello",
			},
			ts: now,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := ing.buildMessage([]byte(tt.line), "10.0.0.9")
			if len(msg.Fields) != len(tt.fields) {
				t.Errorf("fields = %v, want %v", msg.Fields, tt.fields)
			}
			for k, want := range tt.fields {
				if got := msg.Fields[k]; got != want {
					t.Errorf("%s = %v (%T), want %v (%T)", k, got, got, want, want)
				}
			}
			if !msg.Timestamp.Equal(tt.ts) {
				t.Errorf("Timestamp = %v, want %v", msg.Timestamp, tt.ts)
			}
			if msg.Source != "10.0.0.9" {
				t.Errorf("Source = %q", msg.Source)
			}
		})
	}
}

func TestUDP(t *testing.T) {
	ing, err := New(Config{UDPAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatal(err)
	}
	sink := &recordingSink{}
	startIngester(t, ing, sink)

	conn, err := net.Dial("udp", ing.UDPAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()
	_, _ = conn.Write([]byte("<13>Mar 10 11:00:00 box app: over udp\n"))

	waitFor(t, func() bool { return len(sink.messages()) == 1 })
	m := sink.messages()[0]
	if m.String(message.FieldShortMessage) != "over udp" || m.String(message.FieldHost) != "box" {
		t.Errorf("message = %v", m.Fields)
	}
}

func TestTCPFraming(t *testing.T) {
	ing, err := New(Config{TCPAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatal(err)
	}
	sink := &recordingSink{}
	startIngester(t, ing, sink)

	conn, err := net.Dial("tcp", ing.TCPAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	w := bufio.NewWriter(conn)
	_, _ = w.WriteString("<14>1 - h a - - - first\r\n")
	_, _ = w.WriteString("24 <14>1 - h a - - - second")
	_, _ = w.WriteString("<14>1 - h a - - - third")
	_ = w.Flush()
	_ = conn.Close()

	waitFor(t, func() bool { return len(sink.messages()) == 3 })
	var got []string
	for _, m := range sink.messages() {
		got = append(got, m.String(message.FieldShortMessage))
	}
	if strings.Join(got, ",") != "first,second,third" {
		t.Errorf("messages = %v", got)
	}
}

func TestStoppedPipelineEndsRun(t *testing.T) {
	ing, err := New(Config{UDPAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- ing.Run(t.Context(), stoppedSink{}) }()
	waitFor(t, func() bool { return ing.UDPAddr() != nil })

	conn, err := net.Dial("udp", ing.UDPAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()
	_, _ = conn.Write([]byte("<14>hello"))

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run kept going after the pipeline stopped")
	}
}

func TestSplitFrames(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    []string
		wantErr bool
	}{
		{"octet counted", "5 hello3 abc", []string{"hello", "abc"}, false},
		{"lf and crlf", "a\r\nb\nc", []string{"a", "b", "c"}, false},
		{"mixed", "3 one\ntwo\n", []string{"one", "", "two"}, false},
		{"bad count", "5x hello", nil, true},
		{"count too large", "99999999 x", nil, true},
		{"truncated frame", "10 short", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := newFrameScanner(strings.NewReader(tt.in))
			var got []string
			for sc.Scan() {
				got = append(got, sc.Text())
			}
			if (sc.Err() != nil) != tt.wantErr {
				t.Fatalf("err = %v", sc.Err())
			}
			if !tt.wantErr && strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("frames = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFactory(t *testing.T) {
	f := NewFactory(nil)
	ing, err := f("sys", map[string]string{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := ing.(*Ingester).cfg.UDPAddr; got != ":514" {
		t.Errorf("default udp_addr = %q", got)
	}
	if _, err := f("sys", map[string]string{"on_full": "wait"}, nil); err == nil {
		t.Error("factory accepted on_full=wait")
	}
}
