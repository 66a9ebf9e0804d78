// Package gelf provides a GELF ingester that accepts messages via UDP and TCP.
//
// UDP datagrams are either chunked (magic 0x1e 0x0f) and handed to the
// reassembler, or carry a complete, possibly gzip/zlib compressed, payload.
// TCP carries uncompressed JSON frames terminated by a null byte.
package gelf

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	wire "github.com/kerk1/ThreatHunting-graylog/internal/gelf"
	"github.com/kerk1/ThreatHunting-graylog/internal/ingester/flow"
	"github.com/kerk1/ThreatHunting-graylog/internal/logging"
	"github.com/kerk1/ThreatHunting-graylog/internal/message"
	"github.com/kerk1/ThreatHunting-graylog/internal/orchestrator"
	"github.com/kerk1/ThreatHunting-graylog/internal/throughput"
)

// DefaultMaxFrameSize bounds a single TCP frame.
const DefaultMaxFrameSize = 1 << 20

// maxDatagram is the largest UDP payload.
const maxDatagram = 65536

// Reassembler collects chunked fragments. It returns the decoded message
// when a fragment completes its group and nil otherwise.
type Reassembler interface {
	Submit(f wire.Fragment) (*message.Message, error)
}

// Config holds GELF ingester configuration.
type Config struct {
	// Name identifies the ingester in logs.
	Name string

	// UDPAddr is the UDP address to listen on (e.g., ":12201").
	// Empty string disables UDP.
	UDPAddr string

	// TCPAddr is the TCP address to listen on. Empty string disables TCP.
	TCPAddr string

	// OnFull selects the behaviour when intake is full.
	OnFull flow.Mode

	// Reassembler receives chunked datagrams. Required when UDPAddr is set.
	Reassembler Reassembler

	// MaxFrameSize bounds TCP frames. Defaults to DefaultMaxFrameSize.
	MaxFrameSize int

	Counters *throughput.Counters
	Now      func() time.Time
	Logger   *slog.Logger
}

// Ingester accepts GELF messages. It implements orchestrator.Ingester.
type Ingester struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	udpConn     *net.UDPConn
	tcpListener net.Listener
}

// New creates a GELF ingester.
func New(cfg Config) (*Ingester, error) {
	if cfg.UDPAddr == "" && cfg.TCPAddr == "" {
		return nil, errors.New("gelf ingester: no UDP or TCP address configured")
	}
	if cfg.UDPAddr != "" && cfg.Reassembler == nil {
		return nil, errors.New("gelf ingester: UDP requires a reassembler")
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
	}
	if cfg.Counters == nil {
		cfg.Counters = throughput.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Ingester{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "ingester", "type", "gelf", "name", cfg.Name),
	}, nil
}

// Run starts the listeners and blocks until ctx is cancelled, a listener
// fails, or the pipeline stops accepting messages.
func (g *Ingester) Run(ctx context.Context, sink orchestrator.IngestSink) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ctl := flow.New(sink, flow.Config{Mode: g.cfg.OnFull, Counters: g.cfg.Counters})

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	if g.cfg.UDPAddr != "" {
		conn, err := listenUDP(g.cfg.UDPAddr)
		if err != nil {
			return fmt.Errorf("gelf udp listen %s: %w", g.cfg.UDPAddr, err)
		}
		g.mu.Lock()
		g.udpConn = conn
		g.mu.Unlock()
		wg.Go(func() { errCh <- g.runUDP(ctx, conn, ctl) })
	}

	if g.cfg.TCPAddr != "" {
		ln, err := net.Listen("tcp", g.cfg.TCPAddr)
		if err != nil {
			g.shutdown()
			wg.Wait()
			return fmt.Errorf("gelf tcp listen %s: %w", g.cfg.TCPAddr, err)
		}
		g.mu.Lock()
		g.tcpListener = ln
		g.mu.Unlock()
		wg.Go(func() { errCh <- g.runTCP(ctx, ln, ctl) })
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	g.logger.Info("gelf ingester stopping", "error", err)
	cancel()
	g.shutdown()
	wg.Wait()
	return err
}

func listenUDP(addr string) (*net.UDPConn, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp", ua)
}

// shutdown closes all listeners, unblocking their read loops.
func (g *Ingester) shutdown() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.udpConn != nil {
		_ = g.udpConn.Close()
	}
	if g.tcpListener != nil {
		_ = g.tcpListener.Close()
	}
}

func (g *Ingester) runUDP(ctx context.Context, conn *net.UDPConn, ctl *flow.Controller) error {
	g.logger.Info("gelf UDP listener starting", "addr", conn.LocalAddr().String())

	buf := make([]byte, maxDatagram)
	for {
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			g.logger.Warn("UDP read error", "error", err)
			continue
		}
		if n == 0 {
			continue
		}
		if err := g.handleDatagram(ctx, ctl, buf[:n], remote.IP.String()); err != nil {
			return stopError(err)
		}
	}
}

// handleDatagram decodes one datagram and submits the resulting message,
// if any. Only pipeline shutdown or cancellation is returned as an error;
// malformed input is counted and dropped.
func (g *Ingester) handleDatagram(ctx context.Context, ctl *flow.Controller, data []byte, source string) error {
	var (
		msg *message.Message
		err error
	)
	if wire.IsChunked(data) {
		f, perr := wire.ParseFragment(data, source)
		if perr != nil {
			g.cfg.Counters.Inc(throughput.FragmentsMalformed)
			return nil
		}
		// The read buffer is reused; the reassembler keeps the payload.
		f.Payload = bytes.Clone(f.Payload)
		msg, err = g.cfg.Reassembler.Submit(f)
	} else {
		msg, err = wire.Decode(data, source, g.cfg.Now())
		if err != nil {
			g.cfg.Counters.Inc(throughput.DecodeErrors)
		}
	}
	if err != nil || msg == nil {
		return nil
	}
	return ctl.Submit(ctx, msg)
}

func (g *Ingester) runTCP(ctx context.Context, ln net.Listener, ctl *flow.Controller) error {
	g.logger.Info("gelf TCP listener starting", "addr", ln.Addr().String())

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			g.logger.Warn("TCP accept error", "error", err)
			continue
		}

		wg.Go(func() {
			defer func() { _ = conn.Close() }()
			stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
			defer stop()
			g.handleTCPConn(ctx, conn, ctl)
		})
	}
}

// handleTCPConn reads null-terminated frames until the peer closes, a frame
// exceeds MaxFrameSize, or the pipeline stops.
func (g *Ingester) handleTCPConn(ctx context.Context, conn net.Conn, ctl *flow.Controller) {
	source := remoteIP(conn.RemoteAddr())

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 64*1024), g.cfg.MaxFrameSize)
	sc.Split(splitNull)

	for sc.Scan() {
		frame := bytes.TrimSpace(sc.Bytes())
		if len(frame) == 0 {
			continue
		}
		msg, err := wire.Decode(frame, source, g.cfg.Now())
		if err != nil {
			g.cfg.Counters.Inc(throughput.DecodeErrors)
			continue
		}
		if err := ctl.Submit(ctx, msg); err != nil {
			return
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
		g.logger.Debug("TCP read error", "remote", source, "error", err)
	}
}

// splitNull is a bufio.SplitFunc for null-byte delimited frames. A final
// unterminated frame is returned at EOF.
func splitNull(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.IndexByte(data, 0); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func remoteIP(addr net.Addr) string {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	}
	return ""
}

// stopError maps the reasons a read loop ends to Run's return value:
// pipeline shutdown and cancellation end the ingester cleanly.
func stopError(err error) error {
	if errors.Is(err, orchestrator.ErrNotRunning) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// UDPAddr returns the UDP listener address. Only valid after Run() has started.
func (g *Ingester) UDPAddr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.udpConn == nil {
		return nil
	}
	return g.udpConn.LocalAddr()
}

// TCPAddr returns the TCP listener address. Only valid after Run() has started.
func (g *Ingester) TCPAddr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.tcpListener == nil {
		return nil
	}
	return g.tcpListener.Addr()
}
