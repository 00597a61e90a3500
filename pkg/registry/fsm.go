package registry

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/raft"

	"github.com/castellan/castellan/pkg/types"
)

// Command represents one registry mutation in the Raft log.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	opRecordRegistered  = "record_registered"
	opRecordUnreachable = "record_unreachable"
	opRecordRemoved     = "record_removed"
	opForget            = "forget"
)

type registeredPayload struct {
	AgentID      string    `json:"agent_id"`
	Address      string    `json:"address"`
	RegisteredAt time.Time `json:"registered_at"`
}

type unreachablePayload struct {
	AgentID string    `json:"agent_id"`
	Since   time.Time `json:"since"`
}

type removedPayload struct {
	AgentID string    `json:"agent_id"`
	At      time.Time `json:"at"`
}

// registryFSM implements the Raft finite state machine over the local
// BoltDB registry. It applies committed log entries to the store and
// snapshots the full entry set for log compaction.
type registryFSM struct {
	mu    sync.RWMutex
	store *BoltRegistry
}

func newRegistryFSM(store *BoltRegistry) *registryFSM {
	return &registryFSM{store: store}
}

// Apply applies a committed Raft log entry to the FSM.
func (f *registryFSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opRecordRegistered:
		var p registeredPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.store.RecordRegistered(&types.Agent{
			ID:           p.AgentID,
			Address:      p.Address,
			RegisteredAt: p.RegisteredAt,
		})

	case opRecordUnreachable:
		var p unreachablePayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.store.RecordUnreachable(p.AgentID, p.Since)

	case opRecordRemoved:
		var p removedPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.store.RecordRemoved(p.AgentID, p.At)

	case opForget:
		var agentID string
		if err := json.Unmarshal(cmd.Data, &agentID); err != nil {
			return err
		}
		return f.store.Forget(agentID)

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Snapshot creates a point-in-time snapshot of all registry entries.
func (f *registryFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	entries, err := f.store.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	return &registrySnapshot{Entries: entries}, nil
}

// Restore replaces the FSM state from a snapshot.
func (f *registryFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshot registrySnapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, entry := range snapshot.Entries {
		if err := f.store.putEntry(entry); err != nil {
			return fmt.Errorf("failed to restore entry: %w", err)
		}
	}
	return nil
}

// registrySnapshot is the serialized form of the full registry.
type registrySnapshot struct {
	Entries []*Entry `json:"entries"`
}

// Persist writes the snapshot to the given sink.
func (s *registrySnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
	}
	return err
}

// Release releases the snapshot resources.
func (s *registrySnapshot) Release() {}
