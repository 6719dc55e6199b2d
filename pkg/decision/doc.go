// Package decision runs audits. A Dispatcher resolves the audit template,
// waits for one of a fixed number of worker slots, builds the cluster data
// model, runs the strategy and persists the resulting action plan.
//
// Requests are admitted in arrival order. A request that cannot get a slot
// within its admission bound fails with an OVERLOADED error and its audit is
// marked FAILED. Lifecycle events are appended to the store and published on
// the status channel:
//
//	queued -> started -> created | empty | failed | cancelled
//
// The dispatcher serves the trigger_audit, cancel_audit and audit_status
// methods of a messaging.Control channel once Register is called.
package decision
