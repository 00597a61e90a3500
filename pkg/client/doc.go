/*
Package client provides a Go client library for the Castellan HTTP API.

The client wraps the master's operator surface with typed methods: the
cluster state view, explicit task reconciliation, agent removal and the
liveness probe. It is the programmatic counterpart of the castellan CLI
commands.

# Architecture

	┌──────────────── APPLICATION CODE ─────────────────┐
	│                                                     │
	│  import "github.com/castellan/castellan/pkg/client" │
	│                                                     │
	│  c := client.NewClient("master:8080")               │
	│  state, err := c.State(ctx)                         │
	│                                                     │
	└──────────────────┬──────────────────────────────────┘
	                   │
	┌──────────────────▼──── pkg/client ─────────────────┐
	│  - Typed request/response methods                   │
	│  - Per-call timeouts                                │
	│  - Error wrapping with HTTP status context          │
	└──────────────────┬──────────────────────────────────┘
	                   │ HTTP (port 8080)
	                   ▼
	           Master API Server (pkg/api)

# Usage

Inspecting the cluster:

	c := client.NewClient("192.168.1.10:8080")
	state, err := c.State(ctx)
	if err != nil {
		log.Fatal(err)
	}
	for _, agent := range state.Agents {
		fmt.Printf("- %s: %s\n", agent.ID, agent.State)
	}

Reconciling task state:

	statuses, err := c.Reconcile(ctx, "my-framework", []client.ReconcileQuery{
		{TaskID: "task-1", AgentID: "agent-3"},
	})

Removing an unreachable agent:

	err := c.RemoveAgent(ctx, "agent-3")

# Thread Safety

The client holds no mutable state and is safe for concurrent use; the
underlying http.Client pools connections across goroutines.
*/
package client
