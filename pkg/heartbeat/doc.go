/*
Package heartbeat implements the master side of the per-agent liveness
protocol.

The master sends a ping to each watched agent every Interval; the agent
answers with a pong. A pong resets the agent's consecutive-miss counter,
a missed acknowledgement increments it, and reaching MaxPingTimeouts
reports the agent to the lifecycle controller as presumed unreachable.

The clock is injected (benbjohnson/clock) so the entire detection
timeline is testable without real waiting. The agent keeps a symmetric
ping-absence timer on its own side (see package agent): when both
directions go silent, both ends converge on re-registration.
*/
package heartbeat
