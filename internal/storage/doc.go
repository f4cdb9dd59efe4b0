// Package storage opens the SQLite database shared by every taskd process.
//
// It owns:
//   - Connection settings (WAL, busy timeout, BEGIN IMMEDIATE transactions)
//   - The embedded schema (tasks, task_locks, task_executions)
//   - Small transaction and constraint-error helpers used by the stores
package storage
