// Package syslog receives RFC 3164 and RFC 5424 syslog over UDP and TCP.
//
// Every datagram or TCP frame becomes one message carrying the GELF
// standard fields: host from the syslog hostname (the sender address when
// absent), level from the severity and short_message from the body.
package syslog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kerk1/ThreatHunting-graylog/internal/ingester/flow"
	"github.com/kerk1/ThreatHunting-graylog/internal/ingester/syslogparse"
	"github.com/kerk1/ThreatHunting-graylog/internal/logging"
	"github.com/kerk1/ThreatHunting-graylog/internal/message"
	"github.com/kerk1/ThreatHunting-graylog/internal/orchestrator"
	"github.com/kerk1/ThreatHunting-graylog/internal/throughput"
)

// Config holds syslog ingester configuration. At least one address must
// be set.
type Config struct {
	Name    string
	UDPAddr string
	TCPAddr string

	// OnFull selects the behaviour when intake is full.
	OnFull flow.Mode

	Counters *throughput.Counters
	Now      func() time.Time
	Logger   *slog.Logger
}

type Ingester struct {
	cfg    Config
	logger *slog.Logger

	mu  sync.Mutex
	udp net.PacketConn
	tcp net.Listener
}

func New(cfg Config) (*Ingester, error) {
	if cfg.UDPAddr == "" && cfg.TCPAddr == "" {
		return nil, errors.New("syslog ingester: no UDP or TCP address configured")
	}
	if cfg.Counters == nil {
		cfg.Counters = throughput.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Ingester{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "ingester", "type", "syslog", "name", cfg.Name),
	}, nil
}

// Run binds the configured listeners and serves them until ctx is done,
// a listener fails or the pipeline stops taking messages.
func (r *Ingester) Run(ctx context.Context, sink orchestrator.IngestSink) error {
	if err := r.bind(); err != nil {
		r.closeListeners()
		return err
	}
	ctl := flow.New(sink, flow.Config{Mode: r.cfg.OnFull, Counters: r.cfg.Counters})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		r.closeListeners()
		return nil
	})
	r.mu.Lock()
	udp, tcp := r.udp, r.tcp
	r.mu.Unlock()
	if udp != nil {
		g.Go(func() error { return r.serveUDP(gctx, udp, ctl) })
	}
	if tcp != nil {
		g.Go(func() error { return r.serveTCP(gctx, tcp, ctl) })
	}

	err := g.Wait()
	if errors.Is(err, errPipelineStopped) {
		err = nil
	}
	r.logger.Info("syslog ingester stopped", "error", err)
	return err
}

func (r *Ingester) bind() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cfg.UDPAddr != "" {
		pc, err := net.ListenPacket("udp", r.cfg.UDPAddr)
		if err != nil {
			return fmt.Errorf("syslog udp listen %s: %w", r.cfg.UDPAddr, err)
		}
		r.udp = pc
		r.logger.Info("syslog udp listening", "addr", pc.LocalAddr().String())
	}
	if r.cfg.TCPAddr != "" {
		ln, err := net.Listen("tcp", r.cfg.TCPAddr)
		if err != nil {
			return fmt.Errorf("syslog tcp listen %s: %w", r.cfg.TCPAddr, err)
		}
		r.tcp = ln
		r.logger.Info("syslog tcp listening", "addr", ln.Addr().String())
	}
	return nil
}

func (r *Ingester) closeListeners() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.udp != nil {
		_ = r.udp.Close()
	}
	if r.tcp != nil {
		_ = r.tcp.Close()
	}
}

// stopped reports whether a submit error means the pipeline is gone. The
// ingester then ends Run without an error.
func stopped(err error) bool {
	return errors.Is(err, orchestrator.ErrNotRunning) || errors.Is(err, context.Canceled)
}

// serveUDP reads one message per datagram.
func (r *Ingester) serveUDP(ctx context.Context, pc net.PacketConn, ctl *flow.Controller) error {
	buf := make([]byte, 64<<10)
	for {
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			r.logger.Warn("syslog udp read", "error", err)
			continue
		}
		line := trimCRLF(buf[:n])
		if len(line) == 0 {
			continue
		}
		if err := ctl.Submit(ctx, r.buildMessage(line, hostOf(from))); err != nil {
			if stopped(err) {
				return errPipelineStopped
			}
			return err
		}
	}
}

// errPipelineStopped unwinds the errgroup once intake is closed; Run maps
// it to a clean return.
var errPipelineStopped = errors.New("pipeline stopped")

func (r *Ingester) serveTCP(ctx context.Context, ln net.Listener, ctl *flow.Controller) error {
	var conns sync.WaitGroup
	defer conns.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			r.logger.Warn("syslog tcp accept", "error", err)
			continue
		}
		conns.Go(func() {
			defer func() { _ = conn.Close() }()
			defer context.AfterFunc(ctx, func() { _ = conn.Close() })()
			r.serveConn(ctx, conn, ctl)
		})
	}
}

func (r *Ingester) serveConn(ctx context.Context, conn net.Conn, ctl *flow.Controller) {
	remote := hostOf(conn.RemoteAddr())
	sc := newFrameScanner(conn)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		// The scanner reuses its buffer; parsing copies what it keeps.
		if err := ctl.Submit(ctx, r.buildMessage(sc.Bytes(), remote)); err != nil {
			return
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
		r.logger.Debug("syslog tcp read", "remote", remote, "error", err)
	}
}

func hostOf(a net.Addr) string {
	switch a := a.(type) {
	case *net.UDPAddr:
		return a.IP.String()
	case *net.TCPAddr:
		return a.IP.String()
	}
	return ""
}

// UDPAddr returns the bound UDP address, or nil before Run has bound it.
func (r *Ingester) UDPAddr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.udp == nil {
		return nil
	}
	return r.udp.LocalAddr()
}

// TCPAddr returns the bound TCP address, or nil before Run has bound it.
func (r *Ingester) TCPAddr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tcp == nil {
		return nil
	}
	return r.tcp.Addr()
}

func (r *Ingester) buildMessage(data []byte, remote string) *message.Message {
	return syslogparse.Message(data, remote, r.cfg.Now())
}
