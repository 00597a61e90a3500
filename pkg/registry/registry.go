package registry

import (
	"time"

	"github.com/castellan/castellan/pkg/types"
)

// Entry is the durable counterpart of an agent's admission state. It is
// what survives a master restart or failover.
type Entry struct {
	AgentID          string
	Address          string
	State            types.AdmissionState
	UnreachableSince time.Time
	RegisteredAt     time.Time
	RemovedAt        time.Time
}

// Registry is the durable record of agent membership. Once LoadAll returns
// an entry, a master crash must not lose it; after an acknowledged write a
// crash must not resurrect an agent the durable state says is unreachable
// or removed.
//
// Strictness is a property of the caller, not the store: in strict mode
// the lifecycle controller awaits every write before acting on it, in
// non-strict mode it proceeds and tolerates a failed write.
type Registry interface {
	// RecordRegistered durably admits an agent (or readmits one that was
	// unreachable).
	RecordRegistered(agent *types.Agent) error

	// RecordUnreachable durably marks a registered agent unreachable as of
	// the given timestamp.
	RecordUnreachable(agentID string, since time.Time) error

	// RecordRemoved durably marks an agent removed as of the given
	// timestamp. Removed is terminal for the agent ID.
	RecordRemoved(agentID string, at time.Time) error

	// LoadAll returns all entries in stable (agent ID) order. Used on
	// master startup and failover to repopulate the lifecycle controller
	// before any scheduling decision is served.
	LoadAll() ([]*Entry, error)

	// Forget garbage-collects the tombstone of a removed agent.
	Forget(agentID string) error

	Close() error
}
