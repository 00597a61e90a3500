package transport

import (
	"github.com/castellan/castellan/pkg/types"
)

// Message is a typed control-plane message. Delivery is best-effort end to
// end: any message may be silently dropped, which is why reconciliation
// exists as the authoritative recovery path.
type Message any

// Agent -> master messages.

// AuthenticateMessage opens the re-registration sequence.
type AuthenticateMessage struct {
	AgentID string
	Token   string
}

// RegisterAgentMessage is a fresh registration of a new agent ID.
type RegisterAgentMessage struct {
	Agent *types.Agent
}

// ReregisterAgentMessage restores a synchronized view after the agent was
// partitioned or the master failed over. It carries the agent's current
// task set.
type ReregisterAgentMessage struct {
	Agent *types.Agent
	Tasks []*types.Task
}

// UnregisterAgentMessage is the agent's graceful goodbye; the master
// removes it with reason "unregistered".
type UnregisterAgentMessage struct {
	AgentID string
}

// PongMessage acknowledges a ping.
type PongMessage struct {
	AgentID string
}

// StatusUpdateMessage carries a task status update, either from an agent
// to the master or from the master to a framework.
type StatusUpdateMessage struct {
	Update *types.TaskStatus
}

// ExecutorExitedMessage signals that an executor terminated on the agent.
type ExecutorExitedMessage struct {
	AgentID     string
	FrameworkID string
	ExecutorID  string
}

// Framework -> master messages.

// ReconcileQuery names one task a framework wants authoritative state for.
type ReconcileQuery struct {
	TaskID  string
	AgentID string
}

// ReconcileTasksMessage asks the master for the authoritative state of the
// listed tasks. The master answers each query with a StatusUpdateMessage
// carrying reason "reconciliation".
type ReconcileTasksMessage struct {
	FrameworkID string
	Queries     []ReconcileQuery
}

// Master -> agent messages.

// PingMessage is the periodic liveness probe.
type PingMessage struct{}

// AuthenticatedMessage answers an AuthenticateMessage.
type AuthenticatedMessage struct {
	Granted bool
}

// AgentRegisteredMessage acknowledges a fresh registration.
type AgentRegisteredMessage struct {
	AgentID           string
	MasterIncarnation string
}

// AgentReregisteredMessage acknowledges a re-registration.
type AgentReregisteredMessage struct {
	AgentID           string
	MasterIncarnation string
}

// RegistrationRejectedMessage tells the agent its ID is not (or no longer)
// admissible; the agent must perform a fresh registration.
type RegistrationRejectedMessage struct {
	AgentID string
	Reason  string
}

// LaunchTaskMessage dispatches a newly accepted task to its agent.
type LaunchTaskMessage struct {
	Task *types.Task
}

// ShutdownTasksMessage directs the agent to kill the listed tasks.
type ShutdownTasksMessage struct {
	FrameworkID string
	TaskIDs     []string
}

// Master -> framework messages.

// AgentLostMessage is the framework-level notification that an agent was
// lost; at most one is sent per framework per unreachable episode.
type AgentLostMessage struct {
	AgentID string
}

// OfferRescindedMessage withdraws a pending resource offer.
type OfferRescindedMessage struct {
	OfferID string
	AgentID string
}
