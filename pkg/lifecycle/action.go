package lifecycle

import (
	"context"
	"reflect"

	"github.com/clusterlens/decider/pkg/engine"
	"github.com/clusterlens/decider/pkg/stores"
)

// Action is an action record together with the snapshot it was last read
// or written as. Save writes only the fields that differ from the snapshot.
type Action struct {
	engine.Action

	snapshot engine.Action
	eager    bool
}

func newAction(a engine.Action, eager bool) *Action {
	return &Action{Action: a, snapshot: cloneAction(a), eager: eager}
}

func cloneAction(a engine.Action) engine.Action {
	if a.InputParameters != nil {
		params := make(map[string]interface{}, len(a.InputParameters))
		for k, v := range a.InputParameters {
			params[k] = v
		}
		a.InputParameters = params
	}
	if a.Parents != nil {
		a.Parents = append([]string(nil), a.Parents...)
	}
	return a
}

// Changes returns the columns that differ from the last-read snapshot.
func (a *Action) Changes() stores.Changes {
	changes := stores.Changes{}
	if a.State != a.snapshot.State {
		changes["state"] = string(a.State)
	}
	if a.ActionType != a.snapshot.ActionType {
		changes["action_type"] = a.ActionType
	}
	if !reflect.DeepEqual(a.InputParameters, a.snapshot.InputParameters) {
		params := a.InputParameters
		if params == nil {
			params = map[string]interface{}{}
		}
		changes["input_parameters"] = params
	}
	if !reflect.DeepEqual(a.Parents, a.snapshot.Parents) {
		parents := a.Parents
		if parents == nil {
			parents = []string{}
		}
		changes["parents"] = parents
	}
	if !timesEqual(a.DeletedAt, a.snapshot.DeletedAt) {
		changes["deleted_at"] = a.DeletedAt
	}
	return changes
}

// CreateAction persists a single action into an existing plan.
func (m *Manager) CreateAction(ctx context.Context, action *engine.Action) (*Action, error) {
	if action.State == "" {
		action.State = engine.ActionStatePending
	}
	if err := action.State.Validate(); err != nil {
		return nil, engine.NewPermanentError(err.Error(), err).WithCode(engine.ErrCodeValidation)
	}
	if err := m.store.CreateAction(ctx, action); err != nil {
		return nil, err
	}
	return newAction(*action, false), nil
}

// GetAction reads an action by id or uuid. With opts.Eager the owning plan
// is attached in the same read; soft-deleted actions are only returned with
// opts.IncludeDeleted.
func (m *Manager) GetAction(ctx context.Context, ref string, opts stores.GetOptions) (*Action, error) {
	ident, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	a, err := m.store.GetAction(ctx, ident, opts)
	if err != nil {
		return nil, err
	}
	return newAction(*a, opts.Eager), nil
}

// ListActions returns the actions matching filter. Eagerness follows
// filter.Eager.
func (m *Manager) ListActions(ctx context.Context, filter stores.ActionFilter) ([]*Action, error) {
	rows, err := m.store.ListActions(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*Action, len(rows))
	for i := range rows {
		out[i] = newAction(rows[i], filter.Eager)
	}
	return out, nil
}

// SaveAction writes the changed fields of a in a single update. Saving an
// unchanged record is a no-op. A state change must follow an allowed edge
// from the last-read state.
func (m *Manager) SaveAction(ctx context.Context, a *Action) error {
	changes := a.Changes()
	if len(changes) == 0 {
		return nil
	}
	if _, ok := changes["state"]; ok {
		if err := a.State.Validate(); err != nil {
			return engine.NewPermanentError(err.Error(), err).WithCode(engine.ErrCodeValidation)
		}
		if !a.snapshot.State.CanTransitionTo(a.State) {
			return invalidTransition("action", a.UUID, string(a.snapshot.State), string(a.State))
		}
	}
	if err := m.store.UpdateAction(ctx, a.ID, changes); err != nil {
		return err
	}
	m.logger.Debug().Str("action", a.UUID).Interface("changes", changeKeys(changes)).Msg("action saved")
	return m.RefreshAction(ctx, a)
}

// RefreshAction re-reads a from the store, keeping its eager setting.
// Deleted records stay readable so a soft-deleted handle can be refreshed.
func (m *Manager) RefreshAction(ctx context.Context, a *Action) error {
	fresh, err := m.store.GetAction(ctx, engine.ByID(a.ID), stores.GetOptions{Eager: a.eager, IncludeDeleted: true})
	if err != nil {
		return err
	}
	*a = *newAction(*fresh, a.eager)
	return nil
}

// TransitionAction moves a to state to and saves it.
func (m *Manager) TransitionAction(ctx context.Context, a *Action, to engine.ActionState) error {
	if err := to.Validate(); err != nil {
		return engine.NewPermanentError(err.Error(), err).WithCode(engine.ErrCodeValidation)
	}
	if !a.State.CanTransitionTo(to) {
		return invalidTransition("action", a.UUID, string(a.State), string(to))
	}
	a.State = to
	return m.SaveAction(ctx, a)
}

// SoftDeleteAction marks a as DELETED and stamps deleted_at in one update.
func (m *Manager) SoftDeleteAction(ctx context.Context, a *Action) error {
	if a.DeletedAt != nil {
		return nil
	}
	now := m.now()
	a.State = engine.ActionStateDeleted
	a.DeletedAt = &now
	return m.SaveAction(ctx, a)
}

// DestroyAction physically removes a.
func (m *Manager) DestroyAction(ctx context.Context, a *Action) error {
	return m.store.DestroyAction(ctx, a.ID)
}
