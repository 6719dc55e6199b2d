package decision

import (
	"sort"

	"github.com/clusterlens/decider/pkg/engine"
)

// Planner turns a strategy's proposals into plan actions. Actions are ordered
// by descending weight of their type, ties keeping the strategy's order, and
// each action depends on the one before it.
type Planner struct {
	weights map[string]int
}

// NewPlanner creates a planner with the given default weights.
func NewPlanner(weights map[string]int) *Planner {
	w := make(map[string]int, len(weights))
	for k, v := range weights {
		w[k] = v
	}
	return &Planner{weights: w}
}

// Weights merges plugin overrides, if the plugin declares any, over the
// planner's defaults.
func (p *Planner) Weights(plugin engine.StrategyPlugin) map[string]int {
	weigher, ok := plugin.(engine.ActionWeigher)
	if !ok {
		return p.weights
	}
	merged := make(map[string]int, len(p.weights))
	for k, v := range p.weights {
		merged[k] = v
	}
	for k, v := range weigher.Weights() {
		merged[k] = v
	}
	return merged
}

// Plan builds the action records for proposed. The result is empty, never
// nil, when nothing was proposed.
func (p *Planner) Plan(plugin engine.StrategyPlugin, proposed []engine.ProposedAction) []*engine.Action {
	weights := p.Weights(plugin)

	ordered := make([]engine.ProposedAction, len(proposed))
	copy(ordered, proposed)
	sort.SliceStable(ordered, func(i, j int) bool {
		return weights[ordered[i].ActionType] > weights[ordered[j].ActionType]
	})

	actions := make([]*engine.Action, 0, len(ordered))
	var prev string
	for _, pa := range ordered {
		params := make(map[string]interface{}, len(pa.InputParameters)+1)
		for k, v := range pa.InputParameters {
			params[k] = v
		}
		if pa.ResourceID != "" {
			if _, set := params["resource_id"]; !set {
				params["resource_id"] = pa.ResourceID
			}
		}

		a := &engine.Action{
			UUID:            engine.NewUUID(),
			ActionType:      pa.ActionType,
			InputParameters: params,
			State:           engine.ActionStatePending,
		}
		if prev != "" {
			a.Parents = []string{prev}
		}
		prev = a.UUID
		actions = append(actions, a)
	}
	return actions
}
