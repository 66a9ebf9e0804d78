package forward

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/kerk1/ThreatHunting-graylog/internal/fluent"
	"github.com/kerk1/ThreatHunting-graylog/internal/message"
)

type received struct {
	tag    string
	ts     time.Time
	record map[string]any
	chunk  string
}

// fakeFluentd accepts connections and decodes Message mode entries,
// acknowledging chunks when asked to.
func fakeFluentd(t *testing.T) (string, <-chan received) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	out := make(chan received, 16)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serve(conn, out)
		}
	}()
	return ln.Addr().String(), out
}

func serve(conn net.Conn, out chan<- received) {
	defer func() { _ = conn.Close() }()
	dec := msgpack.NewDecoder(bufio.NewReader(conn))
	for {
		n, err := dec.DecodeArrayLen()
		if err != nil {
			return
		}
		var r received
		if r.tag, err = dec.DecodeString(); err != nil {
			return
		}
		v, err := dec.DecodeInterface()
		if err != nil {
			return
		}
		if et, ok := v.(*fluent.EventTime); ok {
			r.ts = et.Time
		}
		if err := dec.Decode(&r.record); err != nil {
			return
		}
		if n == 4 {
			var opt map[string]string
			if err := dec.Decode(&opt); err != nil {
				return
			}
			r.chunk = opt["chunk"]
			b, _ := msgpack.Marshal(map[string]string{"ack": r.chunk})
			if _, err := conn.Write(b); err != nil {
				return
			}
		}
		out <- r
	}
}

func recv(t *testing.T, ch <-chan received) received {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for forwarded message")
		return received{}
	}
}

func TestWriteMessageMode(t *testing.T) {
	addr, ch := fakeFluentd(t)
	o := New(Config{Name: "fwd", Addr: addr, Tag: "app.logs"})
	t.Cleanup(func() { _ = o.Close() })

	ts := time.Unix(1700000050, 123456789)
	msg := message.New(map[string]any{message.FieldShortMessage: "hello"}, ts, "10.0.0.1")
	if err := o.Write(context.Background(), msg); err != nil {
		t.Fatalf("Write: %v", err)
	}

	r := recv(t, ch)
	if r.tag != "app.logs" {
		t.Errorf("tag = %q", r.tag)
	}
	if !r.ts.Equal(ts) {
		t.Errorf("time = %v, want %v", r.ts, ts)
	}
	if r.record[message.FieldShortMessage] != "hello" || r.record["_id"] != msg.ID {
		t.Errorf("record = %v", r.record)
	}
	if r.chunk != "" {
		t.Errorf("unexpected chunk option %q", r.chunk)
	}
}

func TestWriteWithAck(t *testing.T) {
	addr, ch := fakeFluentd(t)
	o := New(Config{Name: "fwd", Addr: addr, RequireAck: true})
	t.Cleanup(func() { _ = o.Close() })

	for i := range 3 {
		msg := message.New(map[string]any{"n": i}, time.Now(), "")
		if err := o.Write(context.Background(), msg); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
		r := recv(t, ch)
		if r.chunk == "" || r.tag != "graylog" {
			t.Errorf("entry %d: chunk %q tag %q", i, r.chunk, r.tag)
		}
	}
}

func TestWriteRedialsAfterFailure(t *testing.T) {
	o := New(Config{Name: "fwd", Addr: "127.0.0.1:1", Timeout: time.Second})
	if err := o.Write(context.Background(), message.New(nil, time.Now(), "")); err == nil {
		t.Fatal("Write to closed port succeeded")
	}

	addr, ch := fakeFluentd(t)
	o.cfg.Addr = addr
	if err := o.Write(context.Background(), message.New(nil, time.Now(), "")); err != nil {
		t.Fatalf("Write after redial: %v", err)
	}
	recv(t, ch)
	_ = o.Close()
}

func TestFactory(t *testing.T) {
	f := NewFactory()
	if _, err := f("fwd", map[string]string{}, nil); err == nil {
		t.Error("expected error without addr")
	}
	if _, err := f("fwd", map[string]string{"addr": "x:1", "timeout": "bogus"}, nil); err == nil {
		t.Error("expected error for bad timeout")
	}
	out, err := f("fwd", map[string]string{"addr": "x:1", "require_ack": "true"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	o := out.(*Output)
	if !o.cfg.RequireAck || o.cfg.Tag != "graylog" || o.cfg.Timeout != 5*time.Second {
		t.Errorf("config = %+v", o.cfg)
	}
}
