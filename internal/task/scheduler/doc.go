// Package scheduler keeps one cron entry per enabled task and hands fires to
// the executor.
//
// Entries are per process. Cross-process exclusivity comes from the lease
// taken by the executor, not from the scheduler. Changes made by other
// processes are picked up by Reconcile, which assumes peer clocks agree to
// within reconcileSkew.
package scheduler
