/*
Package registry persists agent membership so that admission decisions
survive a master restart or failover.

Each agent has exactly one Entry keyed by agent ID. The entry records the
admission state (registered, unreachable, removed) and the timestamps the
lifecycle controller needs to answer reconciliation queries after recovery.
Removed is terminal: a removed entry rejects further writes until it is
garbage-collected with Forget, after which the same agent ID is treated as
a fresh registration.

Two implementations exist:

  - BoltRegistry: a single-node BoltDB store; a write is durable when the
    transaction commits.
  - manager.ReplicatedRegistry: replicates every write through Raft before
    applying it to a local BoltRegistry, for highly available masters.

The strict/non-strict distinction of the lifecycle controller is layered
on top: strict mode awaits the durable acknowledgement before the
in-memory transition proceeds, non-strict mode issues the write and
tolerates its failure.
*/
package registry
