package types

import (
	"time"
)

// Agent represents a worker node tracked by the master. The master is the
// only writer of the admission fields; all mutation is serialized per agent
// by the lifecycle controller.
type Agent struct {
	ID               string
	Address          string
	Resources        *AgentResources
	Capabilities     []string
	AdmissionState   AdmissionState
	UnreachableSince time.Time // set once per unreachable episode
	RegisteredAt     time.Time
}

// AgentResources tracks the resources an agent advertises at registration.
type AgentResources struct {
	CPUCores    int
	MemoryBytes int64
	DiskBytes   int64
}

// AdmissionState is the membership state of an agent.
type AdmissionState string

const (
	AdmissionRegistered  AdmissionState = "registered"
	AdmissionUnreachable AdmissionState = "unreachable"
	AdmissionRemoved     AdmissionState = "removed"
)

// Framework represents a job owner that launches tasks and receives
// task-status notifications.
type Framework struct {
	ID              string
	Name            string
	Capabilities    []FrameworkCapability
	ConnectionState ConnectionState
	FailoverTimeout time.Duration
	DisconnectedAt  time.Time
	RegisteredAt    time.Time
}

// FrameworkCapability is a declared framework capability flag.
type FrameworkCapability string

const (
	// CapabilityPartitionAware opts the framework into surviving transient
	// agent unreachability without task termination.
	CapabilityPartitionAware FrameworkCapability = "partition-aware"
)

// PartitionAware reports whether the framework declared the
// partition-aware capability.
func (f *Framework) PartitionAware() bool {
	for _, c := range f.Capabilities {
		if c == CapabilityPartitionAware {
			return true
		}
	}
	return false
}

// ConnectionState represents a framework's connection to the master.
type ConnectionState string

const (
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
)

// Task represents a single task launched by a framework on an agent.
// AgentID never changes for the lifetime of the record.
type Task struct {
	ID          string
	FrameworkID string
	AgentID     string
	State       TaskState
	Reason      Reason
	// UnreachableTime is stamped when the hosting agent is marked
	// unreachable and is never cleared, even if the agent returns.
	UnreachableTime time.Time
	LaunchedAt      time.Time
}

// TaskState represents the state of a task as tracked by the master.
type TaskState string

const (
	TaskStateStaging     TaskState = "staging"
	TaskStateRunning     TaskState = "running"
	TaskStateFinished    TaskState = "finished"
	TaskStateLost        TaskState = "lost"
	TaskStateUnreachable TaskState = "unreachable"
)

// Reason is the machine-readable reason attached to a task-status
// notification.
type Reason string

const (
	ReasonAgentRemoved   Reason = "agent-removed"
	ReasonReconciliation Reason = "reconciliation"
)

// RemovalReason tags why an agent was removed from the cluster.
type RemovalReason string

const (
	RemovalReasonUnhealthy    RemovalReason = "unhealthy"
	RemovalReasonUnregistered RemovalReason = "unregistered"
)

// TaskStatus is a task-status notification delivered to a framework, and
// the answer type of an explicit reconciliation query.
type TaskStatus struct {
	TaskID      string
	FrameworkID string
	AgentID     string
	State       TaskState
	Reason      Reason
	// UnreachableTime is present iff the hosting agent is currently
	// unreachable.
	UnreachableTime *time.Time
	UUID            string
	Timestamp       time.Time
}
