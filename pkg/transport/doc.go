/*
Package transport defines the typed messages exchanged between the master,
agents and frameworks, and a best-effort point-to-point delivery
abstraction over them.

The Transport interface is deliberately lossy: Send never reports failure,
and the control plane is designed so that every dropped notification is
recoverable through explicit reconciliation. LocalBus is the in-process
implementation used by the single-binary development cluster and by tests;
its Drop rules simulate one-way and two-way network partitions the same
way the production system experiences them.
*/
package transport
