package catalog

import (
	"fmt"
	"sync/atomic"

	"github.com/clusterlens/decider/pkg/engine"
)

// Snapshot is an immutable, indexed view of the goal and strategy catalog.
type Snapshot struct {
	goals      []engine.Goal
	strategies []engine.Strategy

	goalByID    map[int64]*engine.Goal
	goalByUUID  map[string]*engine.Goal
	goalByName  map[string]*engine.Goal
	stratByID   map[int64]*engine.Strategy
	stratByUUID map[string]*engine.Strategy
	stratByName map[string]*engine.Strategy
}

// NewSnapshot indexes goals and strategies. Duplicate ids, uuids or names
// and strategies pointing at unknown goals are rejected.
func NewSnapshot(goals []engine.Goal, strategies []engine.Strategy) (*Snapshot, error) {
	s := &Snapshot{
		goals:       append([]engine.Goal(nil), goals...),
		strategies:  append([]engine.Strategy(nil), strategies...),
		goalByID:    make(map[int64]*engine.Goal, len(goals)),
		goalByUUID:  make(map[string]*engine.Goal, len(goals)),
		goalByName:  make(map[string]*engine.Goal, len(goals)),
		stratByID:   make(map[int64]*engine.Strategy, len(strategies)),
		stratByUUID: make(map[string]*engine.Strategy, len(strategies)),
		stratByName: make(map[string]*engine.Strategy, len(strategies)),
	}

	for i := range s.goals {
		g := &s.goals[i]
		if g.UUID == "" || g.Name == "" {
			return nil, fmt.Errorf("goal %d: uuid and name are required", i)
		}
		if _, dup := s.goalByID[g.ID]; dup {
			return nil, fmt.Errorf("duplicate goal id %d", g.ID)
		}
		if _, dup := s.goalByUUID[g.UUID]; dup {
			return nil, fmt.Errorf("duplicate goal uuid %s", g.UUID)
		}
		if _, dup := s.goalByName[g.Name]; dup {
			return nil, fmt.Errorf("duplicate goal name %s", g.Name)
		}
		s.goalByID[g.ID] = g
		s.goalByUUID[g.UUID] = g
		s.goalByName[g.Name] = g
	}

	for i := range s.strategies {
		st := &s.strategies[i]
		if st.UUID == "" || st.Name == "" {
			return nil, fmt.Errorf("strategy %d: uuid and name are required", i)
		}
		if _, ok := s.goalByID[st.GoalID]; !ok {
			return nil, fmt.Errorf("strategy %s references unknown goal id %d", st.Name, st.GoalID)
		}
		if _, dup := s.stratByID[st.ID]; dup {
			return nil, fmt.Errorf("duplicate strategy id %d", st.ID)
		}
		if _, dup := s.stratByUUID[st.UUID]; dup {
			return nil, fmt.Errorf("duplicate strategy uuid %s", st.UUID)
		}
		if _, dup := s.stratByName[st.Name]; dup {
			return nil, fmt.Errorf("duplicate strategy name %s", st.Name)
		}
		s.stratByID[st.ID] = st
		s.stratByUUID[st.UUID] = st
		s.stratByName[st.Name] = st
	}

	return s, nil
}

// Goals returns a copy of every goal.
func (s *Snapshot) Goals() []engine.Goal {
	return append([]engine.Goal(nil), s.goals...)
}

// Strategies returns a copy of every strategy.
func (s *Snapshot) Strategies() []engine.Strategy {
	return append([]engine.Strategy(nil), s.strategies...)
}

// Goal looks a goal up by any identifier kind.
func (s *Snapshot) Goal(ref engine.Identifier) (engine.Goal, bool) {
	var g *engine.Goal
	switch ref.Kind {
	case engine.IdentifierUUID:
		g = s.goalByUUID[ref.Value]
	case engine.IdentifierID:
		g = s.goalByID[ref.ID]
		if g == nil {
			// A numeric reference may also be a name.
			g = s.goalByName[ref.Value]
		}
	default:
		g = s.goalByName[ref.Value]
	}
	if g == nil {
		return engine.Goal{}, false
	}
	return *g, true
}

// Strategy looks a strategy up by any identifier kind.
func (s *Snapshot) Strategy(ref engine.Identifier) (engine.Strategy, bool) {
	var st *engine.Strategy
	switch ref.Kind {
	case engine.IdentifierUUID:
		st = s.stratByUUID[ref.Value]
	case engine.IdentifierID:
		st = s.stratByID[ref.ID]
		if st == nil {
			st = s.stratByName[ref.Value]
		}
	default:
		st = s.stratByName[ref.Value]
	}
	if st == nil {
		return engine.Strategy{}, false
	}
	return *st, true
}

// StrategiesFor returns the strategies owned by goal, in catalog order.
func (s *Snapshot) StrategiesFor(goal engine.Goal) []engine.Strategy {
	var out []engine.Strategy
	for _, st := range s.strategies {
		if st.GoalID == goal.ID {
			out = append(out, st)
		}
	}
	return out
}

// Catalog holds the current snapshot. Readers never see a partially
// updated catalog; Swap replaces the whole snapshot at once.
type Catalog struct {
	current atomic.Pointer[Snapshot]
}

// New returns a catalog serving snap.
func New(snap *Snapshot) *Catalog {
	c := &Catalog{}
	if snap == nil {
		snap, _ = NewSnapshot(nil, nil)
	}
	c.current.Store(snap)
	return c
}

// Snapshot returns the snapshot in effect.
func (c *Catalog) Snapshot() *Snapshot {
	return c.current.Load()
}

// Swap installs snap and returns the previous snapshot.
func (c *Catalog) Swap(snap *Snapshot) *Snapshot {
	return c.current.Swap(snap)
}
