/*
Package manager implements the Castellan master: the membership authority
that decides which agents are part of the cluster and what happens to
their tasks when they vanish.

# Architecture

The manager sits between the heartbeat monitor, the durable registry and
the transport:

	┌──────────────────────── MASTER NODE ────────────────────────┐
	│                                                              │
	│  ┌───────────────┐   verdicts   ┌─────────────────────────┐ │
	│  │  heartbeat     │─────────────▶│        Manager          │ │
	│  │  Monitor       │              │  - admission decisions  │ │
	│  └───────────────┘              │  - per-agent records    │ │
	│                                  │  - framework sessions   │ │
	│  ┌───────────────┐   durable    └───────────┬─────────────┘ │
	│  │  registry      │◀─────────────────────────┤               │
	│  │  (Bolt/Raft)   │   writes                 │               │
	│  └───────────────┘              ┌───────────▼─────────────┐ │
	│                                  │     StatusDirector      │ │
	│                                  │  - task fan-out         │ │
	│                                  │  - reconciliation       │ │
	│                                  └─────────────────────────┘ │
	└──────────────────────────────────────────────────────────────┘

# Agent lifecycle

Every agent moves through exactly one admission state machine:

	REGISTERED ──(missed pings)──▶ UNREACHABLE ──(operator)──▶ REMOVED
	     ▲                              │
	     └────────(reregistration)──────┘

The unreachable transition is ordered: the durable registry write comes
first, then offer deactivation, then the in-memory stamp, then the task
status fan-out, then the counters. In strict registry mode the write is
retried until it succeeds, so a master crash can never readmit an agent
the surviving record says is gone.

Concurrent triggers for the same agent (a heartbeat verdict racing an
inbound re-registration) are serialized by a per-agent lock and resolve
to exactly one outcome.

# Task consequences

Frameworks that declared the partition-aware capability see tasks on a
lost agent as UNREACHABLE, a recoverable condition that flips back to
RUNNING when the agent returns. Frameworks without the capability see
LOST, and the master directs a returning agent to shut those tasks down.

Explicit reconciliation is the authoritative escape hatch: any framework
can ask for the current state of any task at any time and trust the
answer over any notification it may have missed.

# Usage

	reg, _ := registry.NewBoltRegistry(dataDir)
	mgr, _ := manager.NewManager(manager.DefaultConfig("master-1"), clock.New(), reg, bus)
	mgr.Start()
	defer mgr.Shutdown()
*/
package manager
