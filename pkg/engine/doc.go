// Package engine provides the core types and interfaces shared by the decider
// packages.
//
// # Overview
//
// An audit run turns an Audit Template (goal, optional strategy, scope) into
// a persisted Action Plan:
//
//  1. Resolve - goal and strategy references are resolved against the catalog
//  2. Collect - collectors build a ClusterDataModel, narrowed by the scope
//  3. Execute - a StrategyPlugin proposes an ordered list of actions
//  4. Plan - actions are weighted and chained into a dependency graph
//  5. Persist - the plan and its actions are written in one transaction
//
// # Identifiers
//
// References arrive as strings and are classified once with ParseIdentifier
// into an Identifier tagged as a UUID, an internal id, or a name. Nothing
// downstream inspects the shape of a reference again.
//
// # Lifecycle
//
// Action states move along PENDING -> ONGOING -> {SUCCEEDED, FAILED}. Any
// state may move to DELETED through a soft delete. Plan states are derived
// from their actions with AggregatePlanState.
//
// # Error Classification
//
// Errors carry a class and a code:
//
//   - Permanent: validation, identity and strategy failures, never retried
//   - Throttled: the worker budget stayed full past the caller's deadline
//   - Conflict: an identity collision on create
//   - Transient: temporary storage or transport failures
//
// Sentinels such as ErrNotFound match through errors.Is:
//
//	if errors.Is(err, engine.ErrNotFound) {
//	    // 404
//	}
package engine
