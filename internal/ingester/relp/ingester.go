// Package relp receives syslog over RELP, the acknowledged TCP transport
// spoken by rsyslog's omrelp.
package relp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	gorelp "github.com/thierry-f-78/go-relp"
	"golang.org/x/sync/semaphore"

	"github.com/kerk1/ThreatHunting-graylog/internal/ingester/flow"
	"github.com/kerk1/ThreatHunting-graylog/internal/ingester/syslogparse"
	"github.com/kerk1/ThreatHunting-graylog/internal/logging"
	"github.com/kerk1/ThreatHunting-graylog/internal/orchestrator"
	"github.com/kerk1/ThreatHunting-graylog/internal/throughput"
)

// Config holds RELP ingester configuration.
type Config struct {
	Name string
	Addr string

	// MaxSessions caps concurrent sessions. Connections beyond it are
	// closed at once and the sender retries later. Zero means no cap.
	MaxSessions int

	Counters *throughput.Counters
	Now      func() time.Time
	Logger   *slog.Logger
}

// Ingester is a RELP server.
//
// Each syslog frame is answered "200 OK" only after intake took the
// message. A full intake stalls the session, which stops the sender once
// its window is exhausted. After shutdown frames are answered with an
// error so the sender keeps them for retransmission.
type Ingester struct {
	cfg      Config
	sessions *semaphore.Weighted
	logger   *slog.Logger

	mu sync.Mutex
	ln net.Listener
}

func New(cfg Config) (*Ingester, error) {
	if cfg.Addr == "" {
		return nil, errors.New("relp ingester: addr is required")
	}
	if cfg.MaxSessions < 0 {
		return nil, fmt.Errorf("relp ingester: max sessions must not be negative, got %d", cfg.MaxSessions)
	}
	if cfg.Counters == nil {
		cfg.Counters = throughput.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ing := &Ingester{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "ingester", "type", "relp", "name", cfg.Name),
	}
	if cfg.MaxSessions > 0 {
		ing.sessions = semaphore.NewWeighted(int64(cfg.MaxSessions))
	}
	return ing, nil
}

// Run serves sessions until ctx is done, then waits for them to end.
func (r *Ingester) Run(ctx context.Context, sink orchestrator.IngestSink) error {
	ln, err := net.Listen("tcp", r.cfg.Addr)
	if err != nil {
		return fmt.Errorf("relp listen %s: %w", r.cfg.Addr, err)
	}
	r.mu.Lock()
	r.ln = ln
	r.mu.Unlock()
	r.logger.Info("relp listening", "addr", ln.Addr().String(), "max_sessions", r.cfg.MaxSessions)

	ctl := flow.New(sink, flow.Config{Mode: flow.Pause, Counters: r.cfg.Counters})
	defer context.AfterFunc(ctx, func() { _ = ln.Close() })()

	var sessions sync.WaitGroup
	defer sessions.Wait()
	defer func() { _ = ln.Close() }()

	for {
		conn, err := ln.Accept()
		switch {
		case err == nil:
		case errors.Is(err, net.ErrClosed) || ctx.Err() != nil:
			r.logger.Info("relp stopping")
			return nil
		default:
			r.logger.Warn("relp accept", "error", err)
			continue
		}

		if r.sessions != nil && !r.sessions.TryAcquire(1) {
			r.logger.Warn("relp session limit reached, closing connection", "remote", conn.RemoteAddr().String())
			_ = conn.Close()
			continue
		}
		sessions.Go(func() {
			if r.sessions != nil {
				defer r.sessions.Release(1)
			}
			defer func() { _ = conn.Close() }()
			defer context.AfterFunc(ctx, func() { _ = conn.Close() })()
			r.session(ctx, conn, ctl)
		})
	}
}

// Addr returns the bound address, or nil before Run has bound it.
func (r *Ingester) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ln == nil {
		return nil
	}
	return r.ln.Addr()
}

func (r *Ingester) session(ctx context.Context, conn net.Conn, ctl *flow.Controller) {
	var remote string
	if a, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		remote = a.IP.String()
	}
	log := r.logger.With("remote", remote)

	opts, err := gorelp.ValidateOptions(&gorelp.Options{Tls: gorelp.Opt_tls_disabled})
	if err != nil {
		log.Error("relp options", "error", err)
		return
	}
	s, err := gorelp.NewTcp(conn, opts)
	if err != nil {
		log.Debug("relp handshake failed", "error", err)
		return
	}
	defer s.Close()

	var acked int
	defer func() { log.Debug("relp session ended", "acked", acked) }()
	for {
		frame, err := s.ReceiveLog()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				log.Debug("relp receive", "error", err)
			}
			return
		}
		msg := syslogparse.Message(frame.Data, remote, r.cfg.Now())
		if err := ctl.Submit(ctx, msg); err != nil {
			if nerr := s.AnswerError(frame, err.Error()); nerr != nil {
				log.Debug("relp nack", "error", nerr)
			}
			return
		}
		if err := s.AnswerOk(frame); err != nil {
			log.Debug("relp ack", "error", err)
			return
		}
		acked++
	}
}
