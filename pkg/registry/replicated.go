package registry

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"

	"github.com/castellan/castellan/pkg/log"
	"github.com/castellan/castellan/pkg/types"
)

// ReplicatedConfig configures a ReplicatedRegistry.
type ReplicatedConfig struct {
	NodeID   string
	BindAddr string
	DataDir  string

	// Bootstrap starts a new single-node cluster. Leave false when
	// joining an existing one with Join.
	Bootstrap bool
}

// ReplicatedRegistry is a Registry whose writes go through a Raft log, so
// a quorum of masters agrees on every admission transition before it is
// acknowledged. Reads are served from the local BoltDB copy the FSM
// maintains.
type ReplicatedRegistry struct {
	cfg    ReplicatedConfig
	raft   *raft.Raft
	fsm    *registryFSM
	store  *BoltRegistry
	logger zerolog.Logger
}

// NewReplicatedRegistry opens the local store and starts the Raft node.
func NewReplicatedRegistry(cfg ReplicatedConfig) (*ReplicatedRegistry, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := NewBoltRegistry(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	r := &ReplicatedRegistry{
		cfg:    cfg,
		fsm:    newRegistryFSM(store),
		store:  store,
		logger: log.WithComponent("registry"),
	}

	if err := r.startRaft(); err != nil {
		store.Close()
		return nil, err
	}
	return r, nil
}

func (r *ReplicatedRegistry) startRaft() error {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(r.cfg.NodeID)

	// Tuned below the library defaults: registry writes gate agent
	// admission transitions, so leader failover has to complete well
	// inside one ping interval.
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", r.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(r.cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(r.cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(r.cfg.DataDir, "raft-log.db"))
	if err != nil {
		return fmt.Errorf("failed to create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(r.cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return fmt.Errorf("failed to create stable store: %w", err)
	}

	ra, err := raft.NewRaft(config, r.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %w", err)
	}
	r.raft = ra

	if r.cfg.Bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{ID: config.LocalID, Address: transport.LocalAddr()},
			},
		}
		if err := r.raft.BootstrapCluster(configuration).Error(); err != nil {
			// Already bootstrapped on a previous boot.
			r.logger.Debug().Err(err).Msg("bootstrap skipped")
		}
	}
	return nil
}

// AddVoter adds another master to the registry quorum. Leader only.
func (r *ReplicatedRegistry) AddVoter(nodeID, address string) error {
	if !r.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", r.LeaderAddr())
	}
	future := r.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter: %w", err)
	}
	return nil
}

// RemoveServer removes a master from the registry quorum. Leader only.
func (r *ReplicatedRegistry) RemoveServer(nodeID string) error {
	if !r.IsLeader() {
		return fmt.Errorf("not the leader")
	}
	future := r.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to remove server: %w", err)
	}
	return nil
}

// IsLeader reports whether this node currently leads the quorum.
func (r *ReplicatedRegistry) IsLeader() bool {
	return r.raft.State() == raft.Leader
}

// LeaderAddr returns the address of the current leader.
func (r *ReplicatedRegistry) LeaderAddr() string {
	return string(r.raft.Leader())
}

// apply submits one command to the Raft log and waits for commit.
func (r *ReplicatedRegistry) apply(cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	future := r.raft.Apply(data, 5*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to apply command: %w", err)
	}
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok {
			return err
		}
	}
	return nil
}

func (r *ReplicatedRegistry) RecordRegistered(agent *types.Agent) error {
	data, err := json.Marshal(registeredPayload{
		AgentID:      agent.ID,
		Address:      agent.Address,
		RegisteredAt: agent.RegisteredAt,
	})
	if err != nil {
		return err
	}
	return r.apply(Command{Op: opRecordRegistered, Data: data})
}

func (r *ReplicatedRegistry) RecordUnreachable(agentID string, since time.Time) error {
	data, err := json.Marshal(unreachablePayload{AgentID: agentID, Since: since})
	if err != nil {
		return err
	}
	return r.apply(Command{Op: opRecordUnreachable, Data: data})
}

func (r *ReplicatedRegistry) RecordRemoved(agentID string, at time.Time) error {
	data, err := json.Marshal(removedPayload{AgentID: agentID, At: at})
	if err != nil {
		return err
	}
	return r.apply(Command{Op: opRecordRemoved, Data: data})
}

func (r *ReplicatedRegistry) Forget(agentID string) error {
	data, err := json.Marshal(agentID)
	if err != nil {
		return err
	}
	return r.apply(Command{Op: opForget, Data: data})
}

func (r *ReplicatedRegistry) LoadAll() ([]*Entry, error) {
	return r.store.LoadAll()
}

// Close shuts down the Raft node and closes the local store.
func (r *ReplicatedRegistry) Close() error {
	if r.raft != nil {
		if err := r.raft.Shutdown().Error(); err != nil {
			r.logger.Warn().Err(err).Msg("raft shutdown error")
		}
	}
	return r.store.Close()
}
