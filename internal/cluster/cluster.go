// Package cluster decides which node is the master.
//
// Only the master rotates the write index. A node is master either because
// its configuration says so (Static) or because it leads a Raft group
// (Raft). The Raft group replicates no state; it only elects one leader at
// a time. Peers talk to each other over a dedicated gRPC port.
package cluster

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	transport "github.com/Jille/raft-grpc-transport"
	"github.com/Jille/raft-grpc-leader-rpc/leaderhealth"
	"github.com/Jille/raftadmin"
	hraft "github.com/hashicorp/raft"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Election reports whether this node is the master.
type Election interface {
	IsMaster() bool
}

// Static is an election decided by configuration.
type Static bool

func (s Static) IsMaster() bool { return bool(s) }

// peerStopTimeout bounds the graceful stop of the peer port.
const peerStopTimeout = 10 * time.Second

// peerServer carries the Raft transport on the peer port, next to the
// raftadmin membership API and a "cluster" health service that reports
// SERVING only on the leader.
type peerServer struct {
	ln        net.Listener
	advertise hraft.ServerAddress
	tm        *transport.Manager
	grpc      *grpc.Server
	served    chan struct{}
	logger    *slog.Logger
}

// listenPeers binds the peer port right away so that ":0" resolves before
// the address is handed to Raft.
func listenPeers(bind, advertise string, logger *slog.Logger) (*peerServer, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("listen on peer port %s: %w", bind, err)
	}
	if advertise == "" {
		advertise = ln.Addr().String()
	}
	addr := hraft.ServerAddress(advertise)
	return &peerServer{
		ln:        ln,
		advertise: addr,
		tm: transport.New(addr, []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		}),
		logger: logger,
	}, nil
}

func (p *peerServer) transport() hraft.Transport { return p.tm.Transport() }

func (p *peerServer) serve(r *hraft.Raft) {
	p.grpc = grpc.NewServer()
	p.tm.Register(p.grpc)
	raftadmin.Register(p.grpc, r)
	leaderhealth.Setup(r, p.grpc, []string{"cluster"})

	p.served = make(chan struct{})
	go func() {
		defer close(p.served)
		if err := p.grpc.Serve(p.ln); err != nil {
			p.logger.Error("peer port stopped", "error", err)
		}
	}()
	p.logger.Info("peer port listening", "addr", p.ln.Addr().String(), "advertise", p.advertise)
}

func (p *peerServer) addr() string { return p.ln.Addr().String() }

func (p *peerServer) stop() {
	defer func() { _ = p.tm.Close() }()
	if p.grpc == nil {
		_ = p.ln.Close()
		return
	}

	graceful := make(chan struct{})
	go func() {
		p.grpc.GracefulStop()
		close(graceful)
	}()
	select {
	case <-graceful:
	case <-time.After(peerStopTimeout):
		p.logger.Warn("peer port did not drain, closing connections", "timeout", peerStopTimeout)
		p.grpc.Stop()
	}
	<-p.served
}
