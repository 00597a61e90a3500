// Package types defines the shared data model for Castellan's control
// plane: agents, frameworks, tasks and the status notifications exchanged
// between them.
//
// Ownership rules: the master's lifecycle controller is the only writer of
// Agent admission fields; the task-status director is the only writer of
// Task state. Frameworks observe state exclusively through TaskStatus
// notifications and reconciliation answers.
package types
