package gelf

import (
	"bytes"
	"compress/gzip"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	wire "github.com/kerk1/ThreatHunting-graylog/internal/gelf"
	"github.com/kerk1/ThreatHunting-graylog/internal/ingester/flow"
	"github.com/kerk1/ThreatHunting-graylog/internal/message"
	"github.com/kerk1/ThreatHunting-graylog/internal/orchestrator"
	"github.com/kerk1/ThreatHunting-graylog/internal/reassembly"
	"github.com/kerk1/ThreatHunting-graylog/internal/throughput"
)

type recordingSink struct {
	mu   sync.Mutex
	full int
	msgs []*message.Message
}

func (s *recordingSink) Submit(msg *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full > 0 {
		s.full--
		return orchestrator.ErrBufferFull
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *recordingSink) messages() []*message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*message.Message(nil), s.msgs...)
}

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

// startIngester runs ing until the test ends and waits for its listeners.
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

func dialUDP(t *testing.T, ing *Ingester) net.Conn {
	t.Helper()
	conn, err := net.Dial("udp", ing.UDPAddr().String())
	if err != nil {
		t.Fatalf("dial udp: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New without addresses succeeded")
	}
	if _, err := New(Config{UDPAddr: "127.0.0.1:0"}); err == nil {
		t.Error("New with UDP and no reassembler succeeded")
	}
	if _, err := New(Config{TCPAddr: "127.0.0.1:0"}); err != nil {
		t.Errorf("New TCP only: %v", err)
	}
}

func TestUDPUnchunkedAndCompressed(t *testing.T) {
	counters := throughput.New()
	ing, err := New(Config{
		UDPAddr:     "127.0.0.1:0",
		Reassembler: reassembly.New(reassembly.Config{Counters: counters}),
		Counters:    counters,
	})
	if err != nil {
		t.Fatal(err)
	}
	sink := &recordingSink{}
	startIngester(t, ing, sink)
	conn := dialUDP(t, ing)

	if _, err := conn.Write([]byte(`{"version":"1.1","host":"web01","short_message":"plain"}`)); err != nil {
		t.Fatal(err)
	}

	var zbuf bytes.Buffer
	zw := gzip.NewWriter(&zbuf)
	_, _ = zw.Write([]byte(`{"version":"1.1","host":"web02","short_message":"gzipped","_user":"alice"}`))
	_ = zw.Close()
	if _, err := conn.Write(zbuf.Bytes()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return len(sink.messages()) == 2 })

	byShort := map[string]*message.Message{}
	for _, m := range sink.messages() {
		byShort[m.String(message.FieldShortMessage)] = m
	}
	if m := byShort["plain"]; m == nil || m.String(message.FieldHost) != "web01" {
		t.Errorf("plain message = %+v", m)
	}
	if m := byShort["gzipped"]; m == nil || m.String("user") != "alice" {
		t.Errorf("gzipped message = %+v", m)
	}
	for _, m := range sink.messages() {
		if m.Source != "127.0.0.1" {
			t.Errorf("Source = %q, want 127.0.0.1", m.Source)
		}
	}
}

func TestUDPChunkedReassembled(t *testing.T) {
	counters := throughput.New()
	ing, err := New(Config{
		UDPAddr:     "127.0.0.1:0",
		Reassembler: reassembly.New(reassembly.Config{Counters: counters}),
		Counters:    counters,
	})
	if err != nil {
		t.Fatal(err)
	}
	sink := &recordingSink{}
	startIngester(t, ing, sink)
	conn := dialUDP(t, ing)

	long := strings.Repeat("x", 3000)
	payload := []byte(`{"version":"1.1","host":"h","short_message":"` + long + `"}`)
	chunks, err := wire.Split(42, payload, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) < 3 {
		t.Fatalf("got %d chunks, want at least 3", len(chunks))
	}
	// Send in reverse to exercise out-of-order arrival.
	for i := len(chunks) - 1; i >= 0; i-- {
		if _, err := conn.Write(chunks[i]); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, func() bool { return len(sink.messages()) == 1 })
	if got := sink.messages()[0].String(message.FieldShortMessage); got != long {
		t.Errorf("short_message has %d bytes, want %d", len(got), len(long))
	}
	if got := counters.Get(throughput.MessagesReassembled); got != 1 {
		t.Errorf("messages_reassembled = %d, want 1", got)
	}
}

func TestUDPMalformedCounted(t *testing.T) {
	counters := throughput.New()
	ing, err := New(Config{
		UDPAddr:     "127.0.0.1:0",
		Reassembler: reassembly.New(reassembly.Config{Counters: counters}),
		Counters:    counters,
	})
	if err != nil {
		t.Fatal(err)
	}
	sink := &recordingSink{}
	startIngester(t, ing, sink)
	conn := dialUDP(t, ing)

	// Short chunk header.
	_, _ = conn.Write([]byte{0x1e, 0x0f, 1, 2, 3})
	// seq >= total.
	_, _ = conn.Write(wire.AppendHeader(nil, 7, 3, 3))
	// Not JSON.
	_, _ = conn.Write([]byte("hello"))

	waitFor(t, func() bool {
		return counters.Get(throughput.FragmentsMalformed) == 2 &&
			counters.Get(throughput.DecodeErrors) == 1
	})
	if n := len(sink.messages()); n != 0 {
		t.Errorf("sink received %d messages, want 0", n)
	}
}

func TestTCPNullDelimitedFrames(t *testing.T) {
	counters := throughput.New()
	ing, err := New(Config{TCPAddr: "127.0.0.1:0", Counters: counters})
	if err != nil {
		t.Fatal(err)
	}
	sink := &recordingSink{}
	startIngester(t, ing, sink)

	conn, err := net.Dial("tcp", ing.TCPAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()

	frames := `{"version":"1.1","host":"a","short_message":"one"}` + "\x00" +
		"\x00" +
		`{"version":"1.1","host":"a","short_message":"two"}` + "\x00" +
		`not json` + "\x00" +
		`{"version":"1.1","host":"a","short_message":"three"}` + "\x00"
	if _, err := conn.Write([]byte(frames)); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return len(sink.messages()) == 3 })
	var got []string
	for _, m := range sink.messages() {
		got = append(got, m.String(message.FieldShortMessage))
	}
	if strings.Join(got, ",") != "one,two,three" {
		t.Errorf("frames = %v, want [one two three]", got)
	}
	if n := counters.Get(throughput.DecodeErrors); n != 1 {
		t.Errorf("decode_errors = %d, want 1", n)
	}
}

func TestTCPPauseDeliversAfterFull(t *testing.T) {
	counters := throughput.New()
	ing, err := New(Config{TCPAddr: "127.0.0.1:0", OnFull: flow.Pause, Counters: counters})
	if err != nil {
		t.Fatal(err)
	}
	sink := &recordingSink{full: 5}
	startIngester(t, ing, sink)

	conn, err := net.Dial("tcp", ing.TCPAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()
	_, _ = conn.Write([]byte(`{"version":"1.1","host":"a","short_message":"kept"}` + "\x00"))

	waitFor(t, func() bool { return len(sink.messages()) == 1 })
	if n := counters.Get(throughput.IntakeDropped); n != 0 {
		t.Errorf("intake_dropped = %d, want 0", n)
	}
}

func TestUDPDropWhenFull(t *testing.T) {
	counters := throughput.New()
	ing, err := New(Config{
		UDPAddr:     "127.0.0.1:0",
		OnFull:      flow.Drop,
		Reassembler: reassembly.New(reassembly.Config{Counters: counters}),
		Counters:    counters,
	})
	if err != nil {
		t.Fatal(err)
	}
	sink := &recordingSink{full: 1}
	startIngester(t, ing, sink)
	conn := dialUDP(t, ing)

	_, _ = conn.Write([]byte(`{"version":"1.1","host":"a","short_message":"lost"}`))
	waitFor(t, func() bool { return counters.Get(throughput.IntakeDropped) == 1 })
	_, _ = conn.Write([]byte(`{"version":"1.1","host":"a","short_message":"kept"}`))
	waitFor(t, func() bool { return len(sink.messages()) == 1 })

	if got := sink.messages()[0].String(message.FieldShortMessage); got != "kept" {
		t.Errorf("delivered %q, want kept", got)
	}
}

func TestSplitNull(t *testing.T) {
	tests := []struct {
		data    string
		atEOF   bool
		advance int
		token   string
	}{
		{"abc\x00def", false, 4, "abc"},
		{"abc", false, 0, ""},
		{"abc", true, 3, "abc"},
		{"", true, 0, ""},
	}
	for _, tt := range tests {
		adv, tok, err := splitNull([]byte(tt.data), tt.atEOF)
		if err != nil || adv != tt.advance || string(tok) != tt.token {
			t.Errorf("splitNull(%q, %v) = %d, %q, %v", tt.data, tt.atEOF, adv, tok, err)
		}
	}
}

func TestFactory(t *testing.T) {
	r := reassembly.New(reassembly.Config{})
	f := NewFactory(r, throughput.New())

	ing, err := f("in", map[string]string{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := ing.(*Ingester).cfg.UDPAddr; got != ":12201" {
		t.Errorf("default udp_addr = %q", got)
	}

	if _, err := f("in", map[string]string{"on_full": "block"}, nil); err == nil {
		t.Error("factory accepted on_full=block")
	}
	if _, err := f("in", map[string]string{"tcp_addr": ":0", "max_frame_size": "-1"}, nil); err == nil {
		t.Error("factory accepted negative max_frame_size")
	}
}
