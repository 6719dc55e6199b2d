package engine

import (
	"encoding/json"
	"testing"
)

func TestActionState_CanTransitionTo(t *testing.T) {
	all := []ActionState{
		ActionStatePending, ActionStateOngoing, ActionStateSucceeded,
		ActionStateFailed, ActionStateDeleted,
	}
	allowed := map[[2]ActionState]bool{
		{ActionStatePending, ActionStateOngoing}:   true,
		{ActionStateOngoing, ActionStateSucceeded}: true,
		{ActionStateOngoing, ActionStateFailed}:    true,
	}

	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]ActionState{from, to}] || to == ActionStateDeleted
			if got := from.CanTransitionTo(to); got != want {
				t.Errorf("%s -> %s: expected %v, got %v", from, to, want, got)
			}
		}
	}
}

func TestActionPlanState_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from ActionPlanState
		to   ActionPlanState
		want bool
	}{
		{ActionPlanStateRecommended, ActionPlanStatePending, true},
		{ActionPlanStateRecommended, ActionPlanStateOngoing, false},
		{ActionPlanStatePending, ActionPlanStateOngoing, true},
		{ActionPlanStateOngoing, ActionPlanStateSucceeded, true},
		{ActionPlanStateOngoing, ActionPlanStateFailed, true},
		{ActionPlanStateSucceeded, ActionPlanStateOngoing, false},
		{ActionPlanStateRecommended, ActionPlanStateSuperseded, true},
		{ActionPlanStateCancelled, ActionPlanStatePending, false},
		{ActionPlanStateFailed, ActionPlanStateDeleted, true},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s: expected %v, got %v", tt.from, tt.to, tt.want, got)
		}
	}
}

func TestAggregatePlanState(t *testing.T) {
	tests := []struct {
		name   string
		states []ActionState
		want   ActionPlanState
	}{
		{"empty plan", nil, ActionPlanStateSucceeded},
		{"all succeeded", []ActionState{ActionStateSucceeded, ActionStateSucceeded}, ActionPlanStateSucceeded},
		{"all pending", []ActionState{ActionStatePending, ActionStatePending}, ActionPlanStatePending},
		{"one ongoing", []ActionState{ActionStateSucceeded, ActionStateOngoing}, ActionPlanStateOngoing},
		{"mixed done and pending", []ActionState{ActionStateSucceeded, ActionStatePending}, ActionPlanStateOngoing},
		{"failure with sibling success", []ActionState{ActionStateSucceeded, ActionStateFailed}, ActionPlanStateFailed},
		{"deleted ignored", []ActionState{ActionStateSucceeded, ActionStateDeleted}, ActionPlanStateSucceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AggregatePlanState(tt.states); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestActionState_UnmarshalJSON_Invalid(t *testing.T) {
	var s ActionState
	if err := json.Unmarshal([]byte(`"DONE"`), &s); err == nil {
		t.Fatal("expected error for unknown state")
	}
	if err := json.Unmarshal([]byte(`"ONGOING"`), &s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s != ActionStateOngoing {
		t.Errorf("expected ONGOING, got %s", s)
	}
}
