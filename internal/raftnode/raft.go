// Package raftnode keeps the panel's settings and job journal in a Raft
// replicated store backed by BoltDB.
package raftnode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"reprapctl/internal/model"
)

// Config holds the configuration for the Raft node.
type Config struct {
	NodeID      string
	DataDir     string
	BindAddress string
	// Bootstrap forms a single-node cluster on first start.
	Bootstrap bool
}

const applyTimeout = 5 * time.Second

// Node is a Raft node together with its FSM. It serves the panel as the
// settings source and the job journal.
type Node struct {
	raft   *raft.Raft
	fsm    *KVStore
	seed   model.Settings
	logger hclog.Logger
	closer func() error
}

// NewRaftNode initializes a node with on-disk log, stable and snapshot stores.
// seed is returned by Settings until settings are first written.
func NewRaftNode(config Config, seed model.Settings, logger hclog.Logger) (*Node, error) {
	if err := os.MkdirAll(config.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(config.NodeID)
	raftConfig.Logger = logger.Named("raft")

	boltDB, err := raftboltdb.NewBoltStore(filepath.Join(config.DataDir, "raft.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create BoltDB store: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStoreWithLogger(config.DataDir, 2, logger.Named("snapshots"))
	if err != nil {
		boltDB.Close()
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}

	transport, err := raft.NewTCPTransportWithLogger(config.BindAddress, nil, 3, 10*time.Second, logger.Named("transport"))
	if err != nil {
		boltDB.Close()
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	n, err := newNode(raftConfig, boltDB, boltDB, snapshots, transport, config.Bootstrap, seed, logger)
	if err != nil {
		transport.Close()
		boltDB.Close()
		return nil, err
	}
	n.closer = func() error {
		return errors.Join(transport.Close(), boltDB.Close())
	}
	return n, nil
}

func newNode(conf *raft.Config, logs raft.LogStore, stable raft.StableStore, snaps raft.SnapshotStore, trans raft.Transport, bootstrap bool, seed model.Settings, logger hclog.Logger) (*Node, error) {
	fsm := NewKVStore()
	r, err := raft.NewRaft(conf, fsm, logs, stable, snaps, trans)
	if err != nil {
		return nil, fmt.Errorf("failed to create Raft node: %w", err)
	}

	if bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{{ID: conf.LocalID, Address: trans.LocalAddr()}},
		}
		err := r.BootstrapCluster(configuration).Error()
		if err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			r.Shutdown()
			return nil, fmt.Errorf("bootstrap cluster: %w", err)
		}
	}

	return &Node{raft: r, fsm: fsm, seed: seed, logger: logger}, nil
}

// WaitForLeader blocks until the cluster has elected a leader.
func (n *Node) WaitForLeader(ctx context.Context) error {
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		if addr, _ := n.raft.LeaderWithID(); addr != "" {
			n.logger.Info("raft leader elected", "leader", addr, "state", n.raft.State().String())
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for raft leader: %w", ctx.Err())
		case <-tick.C:
		}
	}
}

func (n *Node) apply(cmd Command) error {
	data, err := gobEncode(cmd)
	if err != nil {
		return fmt.Errorf("encode %s: %w", cmd.Op, err)
	}
	f := n.raft.Apply(data, applyTimeout)
	if err := f.Error(); err != nil {
		return fmt.Errorf("apply %s: %w", cmd.Op, err)
	}
	if resp, ok := f.Response().(error); ok && resp != nil {
		return resp
	}
	return nil
}

// Settings returns the stored settings, or the seed if none were written.
func (n *Node) Settings() model.Settings {
	if s, ok := n.fsm.Settings(); ok {
		return s
	}
	return n.seed
}

func (n *Node) PutSettings(s model.Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	return n.apply(Command{Op: opPutSettings, Settings: &s})
}

// RecordJob writes or advances a journal entry.
func (n *Node) RecordJob(rec model.JobRecord) error {
	return n.apply(Command{Op: opPutJob, Job: &rec})
}

func (n *Node) Jobs() []model.JobRecord {
	return n.fsm.Jobs()
}

// Stats exposes raft's internal counters.
func (n *Node) Stats() map[string]string {
	return n.raft.Stats()
}

func (n *Node) Shutdown() error {
	err := n.raft.Shutdown().Error()
	if n.closer != nil {
		err = errors.Join(err, n.closer())
	}
	return err
}
