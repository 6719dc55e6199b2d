package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/clusterlens/decider/pkg/engine"
	"github.com/clusterlens/decider/pkg/stores"
)

// Manager owns persistence and state transitions of action plans and actions.
type Manager struct {
	store  stores.Store
	logger zerolog.Logger
	now    func() time.Time
}

// NewManager creates a manager over store.
func NewManager(store stores.Store, logger zerolog.Logger) *Manager {
	return &Manager{
		store:  store,
		logger: logger.With().Str("component", "lifecycle").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// parseRef classifies a record reference. Names are not record identities.
func parseRef(ref string) (engine.Identifier, error) {
	return engine.ParseRecordIdentifier(ref)
}

func invalidTransition(kind, uuid, from, to string) error {
	return engine.NewPermanentError(
		fmt.Sprintf("%s %s cannot move from %s to %s", kind, uuid, from, to), nil).
		WithCode(engine.ErrCodeInvalidTransition).
		WithResource(uuid)
}

// CreatePlan persists a plan and its actions in one write. Parent references
// are checked to stay inside the plan and to form no cycle.
func (m *Manager) CreatePlan(ctx context.Context, plan *engine.ActionPlan, actions []*engine.Action) (*ActionPlan, []*Action, error) {
	for _, a := range actions {
		if a.UUID == "" {
			a.UUID = engine.NewUUID()
		}
		if a.State == "" {
			a.State = engine.ActionStatePending
		}
		if err := a.State.Validate(); err != nil {
			return nil, nil, engine.NewPermanentError(err.Error(), err).WithCode(engine.ErrCodeValidation)
		}
	}
	if plan.State == "" {
		plan.State = engine.ActionPlanStateRecommended
	}
	if err := plan.State.Validate(); err != nil {
		return nil, nil, engine.NewPermanentError(err.Error(), err).WithCode(engine.ErrCodeValidation)
	}

	values := make([]engine.Action, len(actions))
	for i, a := range actions {
		values[i] = *a
	}
	if _, err := engine.BuildActionGraph(values); err != nil {
		return nil, nil, err
	}

	if err := m.store.CreateActionPlan(ctx, plan, actions); err != nil {
		return nil, nil, err
	}

	m.logger.Debug().
		Str("action_plan", plan.UUID).
		Int("actions", len(actions)).
		Str("state", string(plan.State)).
		Msg("action plan created")

	tracked := make([]*Action, len(actions))
	for i, a := range actions {
		tracked[i] = newAction(*a, false)
	}
	return newActionPlan(*plan, false), tracked, nil
}

// Graph loads the actions of a plan, deleted ones included so that parent
// references resolve, and returns their dependency graph.
func (m *Manager) Graph(ctx context.Context, plan *ActionPlan) (*engine.ActionGraph, error) {
	planID := plan.ID
	actions, err := m.store.ListActions(ctx, stores.ActionFilter{
		ActionPlanID: &planID,
		ListOptions:  stores.ListOptions{IncludeDeleted: true},
	})
	if err != nil {
		return nil, err
	}
	return engine.BuildActionGraph(actions)
}

// SyncPlanState recomputes the state of an accepted plan from its actions.
// Recommended and terminal plans are left alone.
func (m *Manager) SyncPlanState(ctx context.Context, plan *ActionPlan) error {
	if plan.State.IsTerminal() || plan.State == engine.ActionPlanStateRecommended {
		return nil
	}
	planID := plan.ID
	actions, err := m.store.ListActions(ctx, stores.ActionFilter{ActionPlanID: &planID})
	if err != nil {
		return err
	}
	states := make([]engine.ActionState, len(actions))
	for i, a := range actions {
		states[i] = a.State
	}
	next := engine.AggregatePlanState(states)
	if next == plan.State {
		return nil
	}
	if next == engine.ActionPlanStatePending {
		return nil
	}
	if next.IsTerminal() && plan.State == engine.ActionPlanStatePending {
		if err := m.TransitionPlan(ctx, plan, engine.ActionPlanStateOngoing); err != nil {
			return err
		}
	}
	return m.TransitionPlan(ctx, plan, next)
}
