package collectors

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/clusterlens/decider/pkg/engine"
)

// Registry is the set of data-model collectors known to the process.
type Registry struct {
	mu         sync.RWMutex
	collectors map[string]engine.Collector
}

// NewRegistry creates a registry holding cs.
func NewRegistry(cs ...engine.Collector) (*Registry, error) {
	r := &Registry{collectors: make(map[string]engine.Collector)}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a collector. Names are unique.
func (r *Registry) Register(c engine.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.collectors[c.Name()]; exists {
		return fmt.Errorf("collector %s already registered", c.Name())
	}
	r.collectors[c.Name()] = c
	return nil
}

// Get returns the named collector.
func (r *Registry) Get(name string) (engine.Collector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.collectors[name]
	return c, ok
}

// All returns the collectors sorted by name. The slice is a snapshot; later
// registrations do not affect it.
func (r *Registry) All() []engine.Collector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]engine.Collector, 0, len(r.collectors))
	for _, c := range r.collectors {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Names returns the registered collector names, sorted.
func (r *Registry) Names() []string {
	all := r.All()
	names := make([]string, len(all))
	for i, c := range all {
		names[i] = c.Name()
	}
	return names
}

// ForScope returns the collectors a scope document names. A scope that names
// none selects every registered collector.
func (r *Registry) ForScope(scope json.RawMessage) ([]engine.Collector, error) {
	all := r.All()
	if len(scope) == 0 {
		return all, nil
	}
	var items []map[string]json.RawMessage
	if err := json.Unmarshal(scope, &items); err != nil {
		return nil, fmt.Errorf("failed to decode scope: %w", err)
	}
	named := make(map[string]bool)
	for _, item := range items {
		for key := range item {
			named[key] = true
		}
	}
	if len(named) == 0 {
		return all, nil
	}
	out := make([]engine.Collector, 0, len(named))
	for _, c := range all {
		if named[c.Name()] {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("scope names no registered collector")
	}
	return out, nil
}

// Build runs the given collectors concurrently and merges their models in
// name order. Scope is applied per collector when supported.
func Build(ctx context.Context, cs []engine.Collector, scope []byte) (*engine.ClusterDataModel, error) {
	models := make([]*engine.ClusterDataModel, len(cs))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range cs {
		g.Go(func() error {
			m, err := c.Collect(gctx)
			if err != nil {
				return fmt.Errorf("collector %s: %w", c.Name(), err)
			}
			if applier, ok := c.(engine.ScopeApplier); ok && len(scope) > 0 {
				if err := applier.ApplyScope(m, scope); err != nil {
					return fmt.Errorf("collector %s: failed to apply scope: %w", c.Name(), err)
				}
			}
			models[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := engine.NewClusterDataModel()
	for _, m := range models {
		merged.Merge(m)
	}
	return merged, nil
}
