/*
Package api exposes the operator HTTP surface of a Castellan master.

Endpoints:

	GET    /state        full cluster view (agents, frameworks, tasks,
	                     orphan tasks, completed frameworks)
	POST   /reconcile    authoritative task state queries
	DELETE /agents/{id}  retire an unreachable agent for good
	GET    /events       server-sent event stream of cluster events
	GET    /metrics      Prometheus metrics
	GET    /healthz      component health
	GET    /livez        process liveness
*/
package api
