/*
Package agent implements the node-resident runtime that the master
watches.

The agent answers liveness pings, runs tasks, forwards their status
updates, and decides for itself when the master is gone: a full ping
silence window looks the same whether the network dropped, the master
died, or only the return path failed. In every case the agent runs the
same re-registration sequence:

 1. authenticate with the master
 2. resend identity plus the complete local task set
 3. await the acknowledgement

The sequence is idempotent end to end, so the agent retries it from the
top whenever an acknowledgement fails to arrive. A rejection means the
agent's identity was retired while it was away; it discards its state
and registers as a brand new agent.
*/
package agent
