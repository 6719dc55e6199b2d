package engine

import (
	"encoding/json"
	"fmt"
)

// ActionState represents the lifecycle state of a single Action.
type ActionState string

const (
	// ActionStatePending indicates the action was proposed and has not started.
	ActionStatePending ActionState = "PENDING"

	// ActionStateOngoing indicates the action is being applied.
	ActionStateOngoing ActionState = "ONGOING"

	// ActionStateSucceeded indicates the action was applied successfully.
	ActionStateSucceeded ActionState = "SUCCEEDED"

	// ActionStateFailed indicates the action could not be applied.
	ActionStateFailed ActionState = "FAILED"

	// ActionStateDeleted marks a soft-deleted action.
	ActionStateDeleted ActionState = "DELETED"
)

var actionTransitions = map[ActionState][]ActionState{
	ActionStatePending:   {ActionStateOngoing},
	ActionStateOngoing:   {ActionStateSucceeded, ActionStateFailed},
	ActionStateSucceeded: {},
	ActionStateFailed:    {},
	ActionStateDeleted:   {},
}

// IsTerminal returns true if the action state is final.
func (s ActionState) IsTerminal() bool {
	return s == ActionStateSucceeded || s == ActionStateFailed || s == ActionStateDeleted
}

// IsActive returns true if the action still has work ahead of it.
func (s ActionState) IsActive() bool {
	return s == ActionStatePending || s == ActionStateOngoing
}

// CanTransitionTo reports whether s -> to is an allowed edge.
// Every state may move to DELETED.
func (s ActionState) CanTransitionTo(to ActionState) bool {
	if to == ActionStateDeleted {
		return true
	}
	for _, next := range actionTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Validate checks if the action state is valid.
func (s ActionState) Validate() error {
	if _, ok := actionTransitions[s]; !ok {
		return fmt.Errorf("invalid action state: %s", s)
	}
	return nil
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s ActionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *ActionState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ActionState(str)
	return s.Validate()
}

// ActionPlanState represents the lifecycle state of an ActionPlan.
type ActionPlanState string

const (
	// ActionPlanStateRecommended is the initial state of a freshly produced plan.
	ActionPlanStateRecommended ActionPlanState = "RECOMMENDED"

	// ActionPlanStatePending indicates the plan was accepted for execution.
	ActionPlanStatePending ActionPlanState = "PENDING"

	// ActionPlanStateOngoing indicates at least one action is being applied.
	ActionPlanStateOngoing ActionPlanState = "ONGOING"

	// ActionPlanStateSucceeded indicates every action succeeded.
	ActionPlanStateSucceeded ActionPlanState = "SUCCEEDED"

	// ActionPlanStateFailed indicates at least one action failed.
	ActionPlanStateFailed ActionPlanState = "FAILED"

	// ActionPlanStateSuperseded indicates a newer plan replaced this one.
	ActionPlanStateSuperseded ActionPlanState = "SUPERSEDED"

	// ActionPlanStateCancelled indicates the plan was cancelled before completion.
	ActionPlanStateCancelled ActionPlanState = "CANCELLED"

	// ActionPlanStateDeleted marks a soft-deleted plan.
	ActionPlanStateDeleted ActionPlanState = "DELETED"
)

var actionPlanTransitions = map[ActionPlanState][]ActionPlanState{
	ActionPlanStateRecommended: {ActionPlanStatePending, ActionPlanStateSuperseded, ActionPlanStateCancelled},
	ActionPlanStatePending:     {ActionPlanStateOngoing, ActionPlanStateSuperseded, ActionPlanStateCancelled},
	ActionPlanStateOngoing:     {ActionPlanStateSucceeded, ActionPlanStateFailed, ActionPlanStateCancelled},
	ActionPlanStateSucceeded:   {},
	ActionPlanStateFailed:      {},
	ActionPlanStateSuperseded:  {},
	ActionPlanStateCancelled:   {},
	ActionPlanStateDeleted:     {},
}

// IsTerminal returns true if the plan state is final.
func (s ActionPlanState) IsTerminal() bool {
	switch s {
	case ActionPlanStateSucceeded, ActionPlanStateFailed, ActionPlanStateSuperseded,
		ActionPlanStateCancelled, ActionPlanStateDeleted:
		return true
	}
	return false
}

// IsActive returns true if the plan is pending or ongoing.
func (s ActionPlanState) IsActive() bool {
	return s == ActionPlanStatePending || s == ActionPlanStateOngoing
}

// CanTransitionTo reports whether s -> to is an allowed edge.
func (s ActionPlanState) CanTransitionTo(to ActionPlanState) bool {
	if to == ActionPlanStateDeleted {
		return true
	}
	for _, next := range actionPlanTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Validate checks if the plan state is valid.
func (s ActionPlanState) Validate() error {
	if _, ok := actionPlanTransitions[s]; !ok {
		return fmt.Errorf("invalid action plan state: %s", s)
	}
	return nil
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s ActionPlanState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *ActionPlanState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ActionPlanState(str)
	return s.Validate()
}

// AggregatePlanState derives a plan state from the states of its actions.
// Deleted actions are ignored. An empty plan is SUCCEEDED.
func AggregatePlanState(states []ActionState) ActionPlanState {
	var pending, ongoing, failed, succeeded int
	for _, s := range states {
		switch s {
		case ActionStatePending:
			pending++
		case ActionStateOngoing:
			ongoing++
		case ActionStateFailed:
			failed++
		case ActionStateSucceeded:
			succeeded++
		}
	}

	switch {
	case ongoing > 0:
		return ActionPlanStateOngoing
	case pending > 0 && (failed > 0 || succeeded > 0):
		return ActionPlanStateOngoing
	case pending > 0:
		return ActionPlanStatePending
	case failed > 0:
		return ActionPlanStateFailed
	default:
		return ActionPlanStateSucceeded
	}
}

// AuditState represents the state of one audit run.
type AuditState string

const (
	AuditStatePending   AuditState = "PENDING"
	AuditStateOngoing   AuditState = "ONGOING"
	AuditStateSucceeded AuditState = "SUCCEEDED"
	AuditStateFailed    AuditState = "FAILED"
	AuditStateCancelled AuditState = "CANCELLED"
)

// IsTerminal returns true if the audit will not change state again.
func (s AuditState) IsTerminal() bool {
	return s == AuditStateSucceeded || s == AuditStateFailed || s == AuditStateCancelled
}

// Validate checks if the audit state is valid.
func (s AuditState) Validate() error {
	switch s {
	case AuditStatePending, AuditStateOngoing, AuditStateSucceeded,
		AuditStateFailed, AuditStateCancelled:
		return nil
	default:
		return fmt.Errorf("invalid audit state: %s", s)
	}
}

// EventType represents the type of event broadcast on the status channel.
type EventType string

const (
	// EventTypeAuditQueued indicates a run request was admitted to the queue.
	EventTypeAuditQueued EventType = "queued"

	// EventTypeAuditStarted indicates a run acquired a worker slot.
	EventTypeAuditStarted EventType = "started"

	// EventTypePlanCreated indicates an action plan with actions was persisted.
	EventTypePlanCreated EventType = "created"

	// EventTypePlanEmpty indicates the strategy proposed no actions.
	EventTypePlanEmpty EventType = "empty"

	// EventTypeAuditFailed indicates the run failed and nothing was persisted.
	EventTypeAuditFailed EventType = "failed"

	// EventTypeAuditCancelled indicates a queued run was removed before it started.
	EventTypeAuditCancelled EventType = "cancelled"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeAuditFailed:
		return "error"
	case EventTypeAuditCancelled:
		return "warning"
	default:
		return "info"
	}
}
