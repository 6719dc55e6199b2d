package engine

import (
	"context"
	"encoding/json"
	"sync/atomic"
)

// Collector materializes a cluster data model snapshot.
type Collector interface {
	// Name is the key under which the collector appears in scope rules.
	Name() string

	// Schema returns a CUE fragment describing the accepted scope-rule shape.
	// An empty string means the collector accepts no scope rules.
	Schema() string

	// Collect builds a fresh data model.
	Collect(ctx context.Context) (*ClusterDataModel, error)
}

// ScopeApplier is implemented by collectors that can narrow a model to the
// resources a scope document selects.
type ScopeApplier interface {
	ApplyScope(model *ClusterDataModel, rules json.RawMessage) error
}

// ExecuteRequest carries everything a strategy may read during one run.
type ExecuteRequest struct {
	AuditUUID string
	Goal      Goal
	Strategy  Strategy
	Scope     json.RawMessage
	Model     *ClusterDataModel
	Cancel    *CancelToken
}

// StrategyPlugin is a pluggable optimization algorithm.
type StrategyPlugin interface {
	// Name matches Strategy.Name in the catalog.
	Name() string

	// GoalName is the goal the strategy serves.
	GoalName() string

	// Execute returns the ordered actions the strategy proposes.
	Execute(ctx context.Context, req ExecuteRequest) ([]ProposedAction, error)
}

// ActionWeigher is optionally implemented by strategies that want to override
// the default planner weights.
type ActionWeigher interface {
	Weights() map[string]int
}

// CancelToken is a cooperative cancellation flag. Strategies poll it;
// nothing forces them to stop.
type CancelToken struct {
	flag atomic.Bool
}

// NewCancelToken returns an unset token.
func NewCancelToken() *CancelToken {
	return &CancelToken{}
}

// Cancel sets the flag. It is safe to call more than once.
func (t *CancelToken) Cancel() {
	if t != nil {
		t.flag.Store(true)
	}
}

// Cancelled reports whether Cancel was called.
func (t *CancelToken) Cancelled() bool {
	return t != nil && t.flag.Load()
}

// StatusPublisher broadcasts lifecycle events.
type StatusPublisher interface {
	Publish(ctx context.Context, event StatusEvent) error
}
