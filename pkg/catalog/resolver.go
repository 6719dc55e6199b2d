package catalog

import (
	"fmt"
	"strings"

	"github.com/clusterlens/decider/pkg/engine"
)

// References are the goal and strategy a template points at. After a
// successful ResolveReferences both hold canonical UUIDs.
type References struct {
	Goal     string `json:"goal" yaml:"goal" validate:"required"`
	Strategy string `json:"strategy,omitempty" yaml:"strategy,omitempty"`
}

// Resolver resolves identifiers against the catalog snapshot in effect.
type Resolver struct {
	catalog *Catalog
}

// NewResolver creates a resolver over c.
func NewResolver(c *Catalog) *Resolver {
	return &Resolver{catalog: c}
}

// ResolveGoal returns the goal matching ref.
func (r *Resolver) ResolveGoal(ref engine.Identifier) (engine.Goal, error) {
	return resolveGoal(r.catalog.Snapshot(), ref)
}

// ResolveStrategy returns the strategy matching ref, which must belong to goal.
func (r *Resolver) ResolveStrategy(ref engine.Identifier, goal engine.Goal) (engine.Strategy, error) {
	return resolveStrategy(r.catalog.Snapshot(), ref, goal)
}

// ResolveReferences resolves refs against a single snapshot and rewrites
// them to canonical UUIDs.
func (r *Resolver) ResolveReferences(refs *References) (engine.ResolvedRefs, error) {
	snap := r.catalog.Snapshot()

	goalRef, err := engine.ParseIdentifier(refs.Goal)
	if err != nil {
		return engine.ResolvedRefs{}, goalNotFound(refs.Goal)
	}
	goal, err := resolveGoal(snap, goalRef)
	if err != nil {
		return engine.ResolvedRefs{}, err
	}
	resolved := engine.ResolvedRefs{Goal: goal}

	if refs.Strategy != "" {
		stratRef, err := engine.ParseIdentifier(refs.Strategy)
		if err != nil {
			return engine.ResolvedRefs{}, strategyNotFound(refs.Strategy)
		}
		strategy, err := resolveStrategy(snap, stratRef, goal)
		if err != nil {
			return engine.ResolvedRefs{}, err
		}
		resolved.Strategy = &strategy
		refs.Strategy = strategy.UUID
	}

	refs.Goal = goal.UUID
	return resolved, nil
}

// DefaultStrategy picks the first strategy registered for goal.
func (r *Resolver) DefaultStrategy(goal engine.Goal) (engine.Strategy, error) {
	candidates := r.catalog.Snapshot().StrategiesFor(goal)
	if len(candidates) == 0 {
		return engine.Strategy{}, engine.NewPermanentError(
			fmt.Sprintf("no strategy is available for goal %s", goal.Name), nil,
		).WithCode(engine.ErrCodeStrategyNotFound).WithResource(goal.UUID)
	}
	return candidates[0], nil
}

func resolveGoal(snap *Snapshot, ref engine.Identifier) (engine.Goal, error) {
	goal, ok := snap.Goal(ref)
	if !ok {
		return engine.Goal{}, goalNotFound(ref.Value)
	}
	return goal, nil
}

func resolveStrategy(snap *Snapshot, ref engine.Identifier, goal engine.Goal) (engine.Strategy, error) {
	strategy, ok := snap.Strategy(ref)
	if !ok {
		return engine.Strategy{}, strategyNotFound(ref.Value)
	}
	if strategy.GoalID != goal.ID {
		choices := make([]string, 0)
		for _, st := range snap.StrategiesFor(goal) {
			choices = append(choices, fmt.Sprintf("'%s' (%s)", st.UUID, st.Name))
		}
		return engine.Strategy{}, engine.NewPermanentError(
			fmt.Sprintf("'%s' strategy does not relate to the '%s' goal. Possible choices: %s",
				strategy.Name, goal.Name, strings.Join(choices, ", ")),
			nil,
		).WithCode(engine.ErrCodeIncompatibleStrategy).
			WithResource(strategy.UUID).
			WithDetail("choices", choices)
	}
	return strategy, nil
}

func goalNotFound(ref string) *engine.EngineError {
	return engine.NewPermanentError(fmt.Sprintf("goal %s could not be found", ref), nil).
		WithCode(engine.ErrCodeInvalidGoal).
		WithResource(ref)
}

func strategyNotFound(ref string) *engine.EngineError {
	return engine.NewPermanentError(fmt.Sprintf("strategy %s could not be found", ref), nil).
		WithCode(engine.ErrCodeStrategyNotFound).
		WithResource(ref)
}
