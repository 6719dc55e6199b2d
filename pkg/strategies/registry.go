package strategies

import (
	"fmt"
	"sort"
	"sync"

	"github.com/clusterlens/decider/pkg/engine"
)

// Registry maps strategy names to implementations.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]engine.StrategyPlugin
}

// NewRegistry returns a registry holding the built-in strategies.
func NewRegistry() *Registry {
	r := &Registry{strategies: make(map[string]engine.StrategyPlugin)}
	_ = r.Register(NewDummy())
	_ = r.Register(NewBasicConsolidation())
	return r
}

// Register adds a strategy. A name can only be registered once.
func (r *Registry) Register(s engine.StrategyPlugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.strategies[s.Name()]; exists {
		return fmt.Errorf("strategy %s already registered", s.Name())
	}
	r.strategies[s.Name()] = s
	return nil
}

// Get returns the named strategy.
func (r *Registry) Get(name string) (engine.StrategyPlugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	return s, ok
}

// Lookup returns the implementation bound to a catalog strategy, checking
// that it serves the expected goal.
func (r *Registry) Lookup(strategy engine.Strategy, goal engine.Goal) (engine.StrategyPlugin, error) {
	s, ok := r.Get(strategy.Name)
	if !ok {
		return nil, engine.NewPermanentError(fmt.Sprintf("no implementation registered for strategy %s", strategy.Name), nil).
			WithCode(engine.ErrCodeStrategyNotFound).
			WithResource(strategy.UUID)
	}
	if s.GoalName() != goal.Name {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("strategy %s implements goal %s, not %s", s.Name(), s.GoalName(), goal.Name), nil).
			WithCode(engine.ErrCodeIncompatibleStrategy).
			WithResource(strategy.UUID)
	}
	return s, nil
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
