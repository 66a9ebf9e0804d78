package cluster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	hraft "github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"

	"github.com/kerk1/ThreatHunting-graylog/internal/logging"
)

// Peer is another voter in the Raft group.
type Peer struct {
	ID   string
	Addr string
}

// RaftConfig configures a Raft election.
type RaftConfig struct {
	NodeID string

	// BindAddr is the peer port listen address. AdvertiseAddr is what
	// peers dial; it defaults to the bound address.
	BindAddr      string
	AdvertiseAddr string

	// Dir holds raft.db and snapshots. Empty keeps all Raft state in
	// memory, which loses the term and vote on restart.
	Dir string

	// Bootstrap forms a new group from this node and Peers when no Raft
	// state exists yet. Every initial voter may set it with the same Peers.
	Bootstrap bool
	Peers     []Peer

	HeartbeatTimeout time.Duration
	ElectionTimeout  time.Duration

	// Transport replaces the gRPC transport. No peer port is opened when
	// it is set.
	Transport hraft.Transport

	Logger *slog.Logger
}

// Raft is an Election backed by hashicorp/raft leadership.
type Raft struct {
	raft   *hraft.Raft
	peers  *peerServer
	bolt   *raftboltdb.BoltStore
	logger *slog.Logger
}

var _ Election = (*Raft)(nil)

// NewRaft starts a Raft node and, unless cfg.Transport is set, its cluster
// peer port.
func NewRaft(cfg RaftConfig) (*Raft, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("raft: node id is required")
	}
	logger := logging.Default(cfg.Logger).With("component", "election", "node_id", cfg.NodeID)
	hlog := newHCLogger("raft", logger, hclog.Info)

	rn := &Raft{logger: logger}
	trans := cfg.Transport
	if trans == nil {
		peers, err := listenPeers(cfg.BindAddr, cfg.AdvertiseAddr, logger)
		if err != nil {
			return nil, err
		}
		rn.peers = peers
		trans = peers.transport()
	}

	logStore, stableStore, snaps, err := rn.openStores(cfg.Dir, hlog)
	if err != nil {
		rn.closeServer()
		return nil, err
	}

	conf := hraft.DefaultConfig()
	conf.LocalID = hraft.ServerID(cfg.NodeID)
	conf.Logger = hlog
	if cfg.HeartbeatTimeout > 0 {
		conf.HeartbeatTimeout = cfg.HeartbeatTimeout
	}
	if cfg.ElectionTimeout > 0 {
		conf.ElectionTimeout = cfg.ElectionTimeout
	}
	conf.LeaderLeaseTimeout = min(conf.LeaderLeaseTimeout, conf.HeartbeatTimeout)

	r, err := hraft.NewRaft(conf, noopFSM{}, logStore, stableStore, snaps, trans)
	if err != nil {
		rn.closeStores()
		rn.closeServer()
		return nil, fmt.Errorf("raft: %w", err)
	}
	rn.raft = r

	if cfg.Bootstrap {
		if err := rn.bootstrap(cfg, trans, logStore, stableStore, snaps); err != nil {
			_ = rn.Close()
			return nil, err
		}
	}

	if rn.peers != nil {
		rn.peers.serve(r)
	}
	logger.Info("raft election started", "addr", trans.LocalAddr(), "bootstrap", cfg.Bootstrap, "peers", len(cfg.Peers))
	return rn, nil
}

func (rn *Raft) openStores(dir string, hlog hclog.Logger) (hraft.LogStore, hraft.StableStore, hraft.SnapshotStore, error) {
	if dir == "" {
		store := hraft.NewInmemStore()
		return store, store, hraft.NewInmemSnapshotStore(), nil
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, nil, nil, fmt.Errorf("raft dir: %w", err)
	}
	bolt, err := raftboltdb.NewBoltStore(filepath.Join(dir, "raft.db"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("raft log store: %w", err)
	}
	snaps, err := hraft.NewFileSnapshotStoreWithLogger(dir, 2, hlog)
	if err != nil {
		_ = bolt.Close()
		return nil, nil, nil, fmt.Errorf("raft snapshot store: %w", err)
	}
	rn.bolt = bolt
	return bolt, bolt, snaps, nil
}

func (rn *Raft) bootstrap(cfg RaftConfig, trans hraft.Transport, logs hraft.LogStore, stable hraft.StableStore, snaps hraft.SnapshotStore) error {
	has, err := hraft.HasExistingState(logs, stable, snaps)
	if err != nil {
		return fmt.Errorf("raft: check state: %w", err)
	}
	if has {
		return nil
	}
	servers := []hraft.Server{{ID: hraft.ServerID(cfg.NodeID), Address: trans.LocalAddr()}}
	for _, p := range cfg.Peers {
		if p.ID == cfg.NodeID {
			continue
		}
		servers = append(servers, hraft.Server{ID: hraft.ServerID(p.ID), Address: hraft.ServerAddress(p.Addr)})
	}
	err = rn.raft.BootstrapCluster(hraft.Configuration{Servers: servers}).Error()
	if err != nil && !errors.Is(err, hraft.ErrCantBootstrap) {
		return fmt.Errorf("raft: bootstrap: %w", err)
	}
	return nil
}

// IsMaster reports whether this node is currently the Raft leader.
func (rn *Raft) IsMaster() bool {
	return rn.raft.State() == hraft.Leader
}

// Leader returns the address and id of the current leader, or empty
// strings when there is none.
func (rn *Raft) Leader() (addr, id string) {
	a, i := rn.raft.LeaderWithID()
	return string(a), string(i)
}

// WaitForLeader blocks until the group has elected a leader or ctx is done.
func (rn *Raft) WaitForLeader(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if addr, _ := rn.Leader(); addr != "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("raft: wait for leader: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// LeaderCh signals leadership changes of this node.
func (rn *Raft) LeaderCh() <-chan bool {
	return rn.raft.LeaderCh()
}

// Addr returns the peer port address, or "" with a custom transport.
func (rn *Raft) Addr() string {
	if rn.peers == nil {
		return ""
	}
	return rn.peers.addr()
}

// Close shuts down Raft, then the peer port and the stores.
func (rn *Raft) Close() error {
	var errs []error
	if rn.raft != nil {
		errs = append(errs, rn.raft.Shutdown().Error())
	}
	rn.closeServer()
	errs = append(errs, rn.closeStores())
	return errors.Join(errs...)
}

func (rn *Raft) closeServer() {
	if rn.peers != nil {
		rn.peers.stop()
	}
}

func (rn *Raft) closeStores() error {
	if rn.bolt == nil {
		return nil
	}
	return rn.bolt.Close()
}

// noopFSM carries no state; the group exists only to elect a leader.
type noopFSM struct{}

func (noopFSM) Apply(*hraft.Log) any { return nil }
func (noopFSM) Snapshot() (hraft.FSMSnapshot, error) { return noopSnapshot{}, nil }
func (noopFSM) Restore(rc io.ReadCloser) error { return rc.Close() }

type noopSnapshot struct{}

func (noopSnapshot) Persist(sink hraft.SnapshotSink) error { return sink.Close() }
func (noopSnapshot) Release() {}
