package engine

import (
	"fmt"
	"sort"
	"strings"
)

// ActionGraph is the dependency graph of the actions in one plan.
// An edge parent -> child means the parent must finish before the child starts.
type ActionGraph struct {
	actions  map[string]*Action
	children map[string][]string
	inDegree map[string]int
	levels   [][]string
}

// BuildActionGraph indexes actions by uuid, checks every parent reference
// stays inside the plan, rejects cycles, and computes execution levels.
func BuildActionGraph(actions []Action) (*ActionGraph, error) {
	g := &ActionGraph{
		actions:  make(map[string]*Action, len(actions)),
		children: make(map[string][]string, len(actions)),
		inDegree: make(map[string]int, len(actions)),
	}
	if len(actions) == 0 {
		return g, nil
	}

	for i := range actions {
		a := &actions[i]
		if a.UUID == "" {
			return nil, NewPermanentError("action has empty uuid", nil).WithCode(ErrCodeValidation)
		}
		if _, dup := g.actions[a.UUID]; dup {
			return nil, NewPermanentError(fmt.Sprintf("duplicate action uuid: %s", a.UUID), nil).
				WithCode(ErrCodeValidation)
		}
		g.actions[a.UUID] = a
		g.inDegree[a.UUID] = 0
	}

	for _, a := range g.actions {
		for _, parent := range a.Parents {
			if _, ok := g.actions[parent]; !ok {
				return nil, NewPermanentError(
					fmt.Sprintf("action %s depends on %s which is not in the same plan", a.UUID, parent),
					nil,
				).WithCode(ErrCodeValidation).WithResource(a.UUID)
			}
			g.children[parent] = append(g.children[parent], a.UUID)
			g.inDegree[a.UUID]++
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, NewPermanentError(
			fmt.Sprintf("circular dependency detected: %s", strings.Join(cycle, " -> ")), nil,
		).WithCode(ErrCodeValidation)
	}

	g.computeLevels()
	return g, nil
}

func (g *ActionGraph) findCycle() []string {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)
		for _, child := range g.children[id] {
			if !visited[child] {
				if c := visit(child); c != nil {
					return c
				}
			} else if onStack[child] {
				for i, p := range path {
					if p == child {
						return append(append([]string{}, path[i:]...), child)
					}
				}
			}
		}
		onStack[id] = false
		path = path[:len(path)-1]
		return nil
	}

	for _, id := range g.sortedIDs() {
		if !visited[id] {
			if c := visit(id); c != nil {
				return c
			}
		}
	}
	return nil
}

// computeLevels runs Kahn's algorithm; actions on the same level are independent.
func (g *ActionGraph) computeLevels() {
	degree := make(map[string]int, len(g.inDegree))
	var current []string
	for _, id := range g.sortedIDs() {
		degree[id] = g.inDegree[id]
		if degree[id] == 0 {
			current = append(current, id)
		}
	}
	for len(current) > 0 {
		g.levels = append(g.levels, current)
		var next []string
		for _, id := range current {
			for _, child := range g.children[id] {
				degree[child]--
				if degree[child] == 0 {
					next = append(next, child)
				}
			}
		}
		sort.Strings(next)
		current = next
	}
}

func (g *ActionGraph) sortedIDs() []string {
	ids := make([]string, 0, len(g.actions))
	for id := range g.actions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Levels returns action uuids grouped by execution level.
func (g *ActionGraph) Levels() [][]string {
	return g.levels
}

// Roots returns the actions without parents.
func (g *ActionGraph) Roots() []string {
	if len(g.levels) == 0 {
		return nil
	}
	return g.levels[0]
}

// ToDOT renders the graph for Graphviz.
func (g *ActionGraph) ToDOT() string {
	var sb strings.Builder
	sb.WriteString("digraph ActionPlan {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")
	for _, level := range g.levels {
		for _, id := range level {
			a := g.actions[id]
			fmt.Fprintf(&sb, "  %q [label=\"%s\\n%s\", fillcolor=%q, style=\"filled,rounded\"];\n",
				id, a.ActionType, a.State, stateColor(a.State))
		}
	}
	sb.WriteString("\n")
	for _, id := range g.sortedIDs() {
		for _, child := range g.children[id] {
			fmt.Fprintf(&sb, "  %q -> %q;\n", id, child)
		}
	}
	sb.WriteString("}\n")
	return sb.String()
}

func stateColor(s ActionState) string {
	switch s {
	case ActionStateSucceeded:
		return "lightgreen"
	case ActionStateOngoing:
		return "lightblue"
	case ActionStateFailed:
		return "lightcoral"
	default:
		return "lightgray"
	}
}
