// Package events provides an in-memory event broker for Castellan's
// operator-facing event stream. The master publishes agent lifecycle and
// task transitions; subscribers (API streaming, dashboards) consume them
// on buffered channels with non-blocking publish.
//
// Events are observability only: frameworks never rely on them for
// correctness, they rely on task-status notifications and reconciliation.
package events
