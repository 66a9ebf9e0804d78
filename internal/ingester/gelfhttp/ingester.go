// Package gelfhttp provides a GELF HTTP input: clients POST GELF payloads
// to /gelf. A body may be compressed (Content-Encoding gzip, deflate, br
// or zstd, or a gzip/zlib payload without the header) and, with bulk enabled,
// may carry several newline-separated messages.
package gelfhttp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/kerk1/ThreatHunting-graylog/internal/auth"
	"github.com/kerk1/ThreatHunting-graylog/internal/gelf"
	"github.com/kerk1/ThreatHunting-graylog/internal/ingester/bodyutil"
	"github.com/kerk1/ThreatHunting-graylog/internal/logging"
	"github.com/kerk1/ThreatHunting-graylog/internal/message"
	"github.com/kerk1/ThreatHunting-graylog/internal/orchestrator"
	"github.com/kerk1/ThreatHunting-graylog/internal/throughput"
)

// DefaultMaxBodySize bounds a decompressed request body.
const DefaultMaxBodySize = 8 << 20

// Config holds GELF HTTP input configuration.
type Config struct {
	Name string

	// Addr is the address to listen on (e.g., ":12202").
	Addr string

	// Bulk accepts newline-separated messages in one request.
	Bulk bool

	MaxBodySize int64

	// Auth checks senders. Nil accepts everyone.
	Auth *auth.Authenticator

	// TLS serves HTTPS when set.
	TLS *tls.Config

	Counters *throughput.Counters
	Now      func() time.Time
	Logger   *slog.Logger
}

// Ingester accepts GELF messages over HTTP. It implements
// orchestrator.Ingester.
//
// A full intake answers 429 with Retry-After, so HTTP clients carry the
// backpressure. Accepted requests get 202.
type Ingester struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new GELF HTTP ingester.
func New(cfg Config) (*Ingester, error) {
	if cfg.Addr == "" {
		return nil, errors.New("gelf http ingester: addr is required")
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.Counters == nil {
		cfg.Counters = throughput.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Ingester{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "ingester", "type", "gelf_http", "name", cfg.Name),
	}, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (r *Ingester) Run(ctx context.Context, sink orchestrator.IngestSink) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /gelf", func(w http.ResponseWriter, req *http.Request) {
		r.handle(w, req, sink)
	})
	// Health check for load balancers.
	mux.HandleFunc("GET /ready", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ln, err := net.Listen("tcp", r.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gelf http listen %s: %w", r.cfg.Addr, err)
	}
	r.mu.Lock()
	r.listener = ln
	r.mu.Unlock()

	var handler http.Handler = mux
	if r.cfg.Auth != nil {
		handler = r.cfg.Auth.Middleware(r.cfg.Name, mux, "/ready")
	}
	server := &http.Server{
		Handler:           h2c.NewHandler(handler, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
		TLSConfig:         r.cfg.TLS,
	}

	r.logger.Info("gelf http ingester starting", "addr", ln.Addr().String(), "tls", r.cfg.TLS != nil)

	errCh := make(chan error, 1)
	go func() {
		serve := server.Serve
		if r.cfg.TLS != nil {
			serve = func(ln net.Listener) error { return server.ServeTLS(ln, "", "") }
		}
		if err := serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		r.logger.Info("gelf http ingester stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// Addr returns the listener address. Only valid after Run() has started.
func (r *Ingester) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

func (r *Ingester) handle(w http.ResponseWriter, req *http.Request, sink orchestrator.IngestSink) {
	data, err := bodyutil.ReadBody(req.Body, req.Header.Get("Content-Encoding"), r.cfg.MaxBodySize)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, bodyutil.ErrTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		http.Error(w, err.Error(), status)
		return
	}

	source := remoteIP(req)
	msgs, err := r.decode(data, source)
	if err != nil {
		r.cfg.Counters.Inc(throughput.DecodeErrors)
		r.logger.Debug("invalid GELF request", "remote", source, "error", err)
		http.Error(w, "invalid GELF payload", http.StatusBadRequest)
		return
	}

	for i, msg := range msgs {
		switch err := sink.Submit(msg); {
		case err == nil:
		case errors.Is(err, orchestrator.ErrBufferFull):
			r.cfg.Counters.Add(throughput.IntakeDropped, int64(len(msgs)-i))
			w.Header().Set("Retry-After", "1")
			http.Error(w, "intake full, retry later", http.StatusTooManyRequests)
			return
		default:
			http.Error(w, "not accepting messages", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

// decode parses the body into messages. A bulk body is split on newlines
// after decompression; blank lines are skipped.
func (r *Ingester) decode(data []byte, source string) ([]*message.Message, error) {
	now := r.cfg.Now()
	if !r.cfg.Bulk {
		msg, err := gelf.Decode(data, source, now)
		if err != nil {
			return nil, err
		}
		return []*message.Message{msg}, nil
	}

	raw, err := gelf.Decompress(data)
	if err != nil {
		return nil, err
	}
	var msgs []*message.Message
	for line := range bytes.SplitSeq(raw, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		msg, err := gelf.Decode(line, source, now)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("%w: empty body", gelf.ErrDecode)
	}
	return msgs, nil
}

func remoteIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
