// Package metrics exposes Castellan's Prometheus metrics surface and a
// lightweight component health registry.
//
// The counters mirror the master's externally observable lifecycle
// decisions: agents scheduled/completed for the unreachable transition,
// agent removals (total and by reason), and tasks marked lost or
// unreachable. Counters are monotonic; an unreachable episode increments
// scheduled and completed exactly once each.
package metrics
