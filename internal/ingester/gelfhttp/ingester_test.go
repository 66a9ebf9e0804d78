package gelfhttp

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"os"
	"path/filepath"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/kerk1/ThreatHunting-graylog/internal/auth"
	"github.com/kerk1/ThreatHunting-graylog/internal/cert"
	"github.com/kerk1/ThreatHunting-graylog/internal/message"
	"github.com/kerk1/ThreatHunting-graylog/internal/orchestrator"
	"github.com/kerk1/ThreatHunting-graylog/internal/throughput"
)

type recordingSink struct {
	mu   sync.Mutex
	msgs []*message.Message
	// full makes Submit report ErrBufferFull after this many messages.
	full int
}

func (s *recordingSink) Submit(msg *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full > 0 && len(s.msgs) >= s.full {
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

func gzipped(t *testing.T, data string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write([]byte(data))
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func zstded(t *testing.T, data string) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = enc.Close() }()
	return enc.EncodeAll([]byte(data), nil)
}

const one = `{"version":"1.1","host":"h1","short_message":"hello","_user":"bob"}`

func TestHandle(t *testing.T) {
	tests := []struct {
		name     string
		bulk     bool
		encoding string
		body     func(t *testing.T) []byte
		full     int
		status   int
		want     []string
	}{
		{
			name:   "plain",
			body:   func(*testing.T) []byte { return []byte(one) },
			status: http.StatusAccepted,
			want:   []string{"hello"},
		},
		{
			name:     "gzip content encoding",
			encoding: "gzip",
			body:     func(t *testing.T) []byte { return gzipped(t, one) },
			status:   http.StatusAccepted,
			want:     []string{"hello"},
		},
		{
			name:   "gzip payload without header",
			body:   func(t *testing.T) []byte { return gzipped(t, one) },
			status: http.StatusAccepted,
			want:   []string{"hello"},
		},
		{
			name:     "zstd content encoding",
			encoding: "zstd",
			body:     func(t *testing.T) []byte { return zstded(t, one) },
			status:   http.StatusAccepted,
			want:     []string{"hello"},
		},
		{
			name: "bulk",
			bulk: true,
			body: func(*testing.T) []byte {
				return []byte(`{"short_message":"a"}` + "\n\n" + `{"short_message":"b"}` + "\n")
			},
			status: http.StatusAccepted,
			want:   []string{"a", "b"},
		},
		{
			name:   "invalid json",
			body:   func(*testing.T) []byte { return []byte("{nope") },
			status: http.StatusBadRequest,
		},
		{
			name:     "unknown encoding",
			encoding: "compress",
			body:     func(*testing.T) []byte { return []byte(one) },
			status:   http.StatusBadRequest,
		},
		{
			name: "intake full",
			bulk: true,
			full: 1,
			body: func(*testing.T) []byte {
				return []byte(`{"short_message":"a"}` + "\n" + `{"short_message":"b"}`)
			},
			status: http.StatusTooManyRequests,
			want:   []string{"a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counters := throughput.New()
			ing, err := New(Config{Addr: ":0", Bulk: tt.bulk, Counters: counters})
			if err != nil {
				t.Fatal(err)
			}
			sink := &recordingSink{full: tt.full}

			req := httptest.NewRequest(http.MethodPost, "/gelf", bytes.NewReader(tt.body(t)))
			req.RemoteAddr = "10.1.2.3:5555"
			if tt.encoding != "" {
				req.Header.Set("Content-Encoding", tt.encoding)
			}
			rec := httptest.NewRecorder()
			ing.handle(rec, req, sink)

			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body.String())
			}
			msgs := sink.messages()
			if len(msgs) != len(tt.want) {
				t.Fatalf("got %d messages, want %d", len(msgs), len(tt.want))
			}
			for i, m := range msgs {
				if got := m.String(message.FieldShortMessage); got != tt.want[i] {
					t.Errorf("message %d = %q, want %q", i, got, tt.want[i])
				}
				if m.Source != "10.1.2.3" {
					t.Errorf("Source = %q", m.Source)
				}
			}
			if tt.status == http.StatusTooManyRequests {
				if rec.Header().Get("Retry-After") == "" {
					t.Error("no Retry-After header")
				}
				if got := counters.Get(throughput.IntakeDropped); got != 1 {
					t.Errorf("intake_dropped = %d, want 1", got)
				}
			}
		})
	}
}

func TestBodyTooLarge(t *testing.T) {
	ing, err := New(Config{Addr: ":0", MaxBodySize: 16})
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/gelf", strings.NewReader(one))
	rec := httptest.NewRecorder()
	ing.handle(rec, req, &recordingSink{})
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

func TestRun(t *testing.T) {
	ing, err := New(Config{Addr: "127.0.0.1:0"})
	if err != nil {
		t.Fatal(err)
	}
	sink := &recordingSink{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ing.Run(ctx, sink) }()

	deadline := time.Now().Add(5 * time.Second)
	for ing.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("listener not started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := http.Post("http://"+ing.Addr().String()+"/gelf", "application/json", strings.NewReader(one))
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("POST /gelf = %d", resp.StatusCode)
	}
	if len(sink.messages()) != 1 {
		t.Errorf("got %d messages", len(sink.messages()))
	}

	resp, err = http.Get("http://" + ing.Addr().String() + "/ready")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /ready = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestFactory(t *testing.T) {
	f := NewFactory(nil, nil, nil)
	ing, err := f("web", map[string]string{"bulk": "true"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	cfg := ing.(*Ingester).cfg
	if cfg.Addr != ":12202" || !cfg.Bulk || cfg.MaxBodySize != DefaultMaxBodySize {
		t.Errorf("cfg = %+v", cfg)
	}
	if _, err := f("web", map[string]string{"max_body_size": "-1"}, nil); err == nil {
		t.Error("factory accepted a negative max_body_size")
	}
	if _, err := f("web", map[string]string{"auth": "true"}, nil); err == nil {
		t.Error("factory enabled auth without credentials")
	}
	if _, err := f("web", map[string]string{"tls_cert_file": "a.crt", "tls_key_file": "a.key"}, nil); err == nil {
		t.Error("factory enabled tls without a certificate manager")
	}
}

func TestRunWithTLS(t *testing.T) {
	dir := t.TempDir()
	crt, key := filepath.Join(dir, "tls.crt"), filepath.Join(dir, "tls.key")
	if err := cert.WriteSelfSigned(crt, key, []string{"127.0.0.1"}, time.Hour); err != nil {
		t.Fatal(err)
	}
	certs := cert.New(cert.Config{})
	defer func() { _ = certs.Close() }()

	f := NewFactory(nil, nil, certs)
	in, err := f("secure", map[string]string{"addr": "127.0.0.1:0", "tls_cert_file": crt, "tls_key_file": key}, nil)
	if err != nil {
		t.Fatal(err)
	}
	ing := in.(*Ingester)
	sink := &recordingSink{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ing.Run(ctx, sink) }()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(5 * time.Second)
	for ing.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("listener not started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	pemData, err := os.ReadFile(crt)
	if err != nil {
		t.Fatal(err)
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(pemData) {
		t.Fatal("no certificate in PEM")
	}
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: roots}}}
	resp, err := client.Post("https://"+ing.Addr().String()+"/gelf", "application/json", strings.NewReader(one))
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("POST = %d, want 202", resp.StatusCode)
	}
	if n := len(sink.messages()); n != 1 {
		t.Errorf("got %d messages, want 1", n)
	}

	plain, err := http.Post("http://"+ing.Addr().String()+"/gelf", "application/json", strings.NewReader(one))
	if err == nil {
		_ = plain.Body.Close()
		if plain.StatusCode == http.StatusAccepted {
			t.Error("plain HTTP accepted by a TLS input")
		}
	}
}

func TestRunWithAuth(t *testing.T) {
	hash, err := auth.HashPassword("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	authn, err := auth.New(auth.Config{Users: map[string]string{"shipper": hash}})
	if err != nil {
		t.Fatal(err)
	}
	ing, err := New(Config{Name: "web", Addr: "127.0.0.1:0", Auth: authn})
	if err != nil {
		t.Fatal(err)
	}
	sink := &recordingSink{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ing.Run(ctx, sink) }()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(5 * time.Second)
	for ing.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("listener not started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	send := func(user, pass string) int {
		req, err := http.NewRequest(http.MethodPost, "http://"+ing.Addr().String()+"/gelf", strings.NewReader(one))
		if err != nil {
			t.Fatal(err)
		}
		if user != "" {
			req.SetBasicAuth(user, pass)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		_ = resp.Body.Close()
		return resp.StatusCode
	}
	if code := send("", ""); code != http.StatusUnauthorized {
		t.Errorf("anonymous POST = %d, want 401", code)
	}
	if code := send("shipper", "wrong"); code != http.StatusUnauthorized {
		t.Errorf("wrong password POST = %d, want 401", code)
	}
	if code := send("shipper", "s3cret"); code != http.StatusAccepted {
		t.Errorf("authenticated POST = %d, want 202", code)
	}
	if n := len(sink.messages()); n != 1 {
		t.Errorf("got %d messages, want 1", n)
	}
}
