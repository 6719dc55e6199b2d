package lifecycle

import (
	"bytes"
	"context"
	"sort"
	"time"

	"github.com/clusterlens/decider/pkg/engine"
	"github.com/clusterlens/decider/pkg/stores"
)

// ActionPlan is a plan record together with its last-read snapshot.
type ActionPlan struct {
	engine.ActionPlan

	snapshot engine.ActionPlan
	eager    bool
}

func newActionPlan(p engine.ActionPlan, eager bool) *ActionPlan {
	snap := p
	snap.GlobalEfficacy = append([]byte(nil), p.GlobalEfficacy...)
	return &ActionPlan{ActionPlan: p, snapshot: snap, eager: eager}
}

// Changes returns the columns that differ from the last-read snapshot.
func (p *ActionPlan) Changes() stores.Changes {
	changes := stores.Changes{}
	if p.State != p.snapshot.State {
		changes["state"] = string(p.State)
	}
	if !bytes.Equal(p.GlobalEfficacy, p.snapshot.GlobalEfficacy) {
		changes["global_efficacy"] = p.GlobalEfficacy
	}
	if !timesEqual(p.DeletedAt, p.snapshot.DeletedAt) {
		changes["deleted_at"] = p.DeletedAt
	}
	return changes
}

// GetPlan reads a plan by id or uuid. With opts.Eager its audit is attached.
// Deleted plans need opts.IncludeDeleted.
func (m *Manager) GetPlan(ctx context.Context, ref string, opts stores.GetOptions) (*ActionPlan, error) {
	ident, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	p, err := m.store.GetActionPlan(ctx, ident, opts)
	if err != nil {
		return nil, err
	}
	return newActionPlan(*p, opts.Eager), nil
}

// ListPlans returns the plans matching filter.
func (m *Manager) ListPlans(ctx context.Context, filter stores.PlanFilter) ([]*ActionPlan, error) {
	rows, err := m.store.ListActionPlans(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*ActionPlan, len(rows))
	for i := range rows {
		out[i] = newActionPlan(rows[i], filter.Eager)
	}
	return out, nil
}

// SavePlan writes the changed fields of p in a single update. State changes
// are checked against the plan state machine.
func (m *Manager) SavePlan(ctx context.Context, p *ActionPlan) error {
	changes := p.Changes()
	if len(changes) == 0 {
		return nil
	}
	if _, ok := changes["state"]; ok {
		if err := p.State.Validate(); err != nil {
			return engine.NewPermanentError(err.Error(), err).WithCode(engine.ErrCodeValidation)
		}
		if !p.snapshot.State.CanTransitionTo(p.State) {
			return invalidTransition("action plan", p.UUID, string(p.snapshot.State), string(p.State))
		}
	}
	if err := m.store.UpdateActionPlan(ctx, p.ID, changes); err != nil {
		return err
	}
	m.logger.Debug().Str("action_plan", p.UUID).Interface("changes", changeKeys(changes)).Msg("action plan saved")
	return m.RefreshPlan(ctx, p)
}

// RefreshPlan re-reads p, keeping its eager setting.
func (m *Manager) RefreshPlan(ctx context.Context, p *ActionPlan) error {
	fresh, err := m.store.GetActionPlan(ctx, engine.ByID(p.ID), stores.GetOptions{Eager: p.eager, IncludeDeleted: true})
	if err != nil {
		return err
	}
	*p = *newActionPlan(*fresh, p.eager)
	return nil
}

// TransitionPlan moves p to state to and saves it.
func (m *Manager) TransitionPlan(ctx context.Context, p *ActionPlan, to engine.ActionPlanState) error {
	if err := to.Validate(); err != nil {
		return engine.NewPermanentError(err.Error(), err).WithCode(engine.ErrCodeValidation)
	}
	if !p.State.CanTransitionTo(to) {
		return invalidTransition("action plan", p.UUID, string(p.State), string(to))
	}
	p.State = to
	return m.SavePlan(ctx, p)
}

// SupersedeOthers moves every other live recommended or pending plan of the
// same strategy to SUPERSEDED. A fresh recommendation makes older ones stale.
func (m *Manager) SupersedeOthers(ctx context.Context, p *ActionPlan) (int, error) {
	strategyID := p.StrategyID
	plans, err := m.ListPlans(ctx, stores.PlanFilter{StrategyID: &strategyID})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, other := range plans {
		if !supersedes(p, other) {
			continue
		}
		if other.State != engine.ActionPlanStateRecommended && other.State != engine.ActionPlanStatePending {
			continue
		}
		if err := m.TransitionPlan(ctx, other, engine.ActionPlanStateSuperseded); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// supersedes reports whether p is the newer of the two plans. Plans created
// within the same clock tick are ordered by id.
func supersedes(p, other *ActionPlan) bool {
	if other.ID == p.ID {
		return false
	}
	if !other.CreatedAt.Equal(p.CreatedAt) {
		return p.CreatedAt.After(other.CreatedAt)
	}
	return p.ID > other.ID
}

// SoftDeletePlan marks p and its actions DELETED.
func (m *Manager) SoftDeletePlan(ctx context.Context, p *ActionPlan) error {
	if p.DeletedAt != nil {
		return nil
	}
	planID := p.ID
	actions, err := m.ListActions(ctx, stores.ActionFilter{ActionPlanID: &planID})
	if err != nil {
		return err
	}
	for _, a := range actions {
		if err := m.SoftDeleteAction(ctx, a); err != nil {
			return err
		}
	}
	now := m.now()
	p.State = engine.ActionPlanStateDeleted
	p.DeletedAt = &now
	return m.SavePlan(ctx, p)
}

// DestroyPlan physically removes p and its actions.
func (m *Manager) DestroyPlan(ctx context.Context, p *ActionPlan) error {
	return m.store.DestroyActionPlan(ctx, p.ID)
}

func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func changeKeys(c stores.Changes) []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
