package catalog

import (
	"context"
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/clusterlens/decider/pkg/engine"
)

//go:embed default_catalog.yaml
var defaultCatalog []byte

// File is the on-disk catalog format.
type File struct {
	Goals      []GoalEntry     `yaml:"goals"`
	Strategies []StrategyEntry `yaml:"strategies"`
}

// GoalEntry is one goal in a catalog file.
type GoalEntry struct {
	UUID        string `yaml:"uuid"`
	Name        string `yaml:"name"`
	DisplayName string `yaml:"display_name"`
}

// StrategyEntry is one strategy in a catalog file. Goal may be a name or a uuid.
type StrategyEntry struct {
	UUID        string `yaml:"uuid"`
	Name        string `yaml:"name"`
	DisplayName string `yaml:"display_name"`
	Goal        string `yaml:"goal"`
}

// Load reads a catalog file. Records get provisional ids in file order
// until Sync replaces them with stored ids.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Default returns the built-in catalog.
func Default() (*Snapshot, error) {
	return Parse(defaultCatalog)
}

// Parse decodes a YAML catalog document.
func Parse(data []byte) (*Snapshot, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return f.Snapshot()
}

// Snapshot converts the file into an indexed snapshot.
func (f File) Snapshot() (*Snapshot, error) {
	goals := make([]engine.Goal, 0, len(f.Goals))
	for i, g := range f.Goals {
		goals = append(goals, engine.Goal{
			ID:          int64(i + 1),
			UUID:        g.UUID,
			Name:        g.Name,
			DisplayName: g.DisplayName,
		})
	}

	strategies := make([]engine.Strategy, 0, len(f.Strategies))
	for i, s := range f.Strategies {
		goalID, err := lookupGoalID(goals, s.Goal)
		if err != nil {
			return nil, fmt.Errorf("strategy %s: %w", s.Name, err)
		}
		strategies = append(strategies, engine.Strategy{
			ID:          int64(i + 1),
			UUID:        s.UUID,
			Name:        s.Name,
			DisplayName: s.DisplayName,
			GoalID:      goalID,
		})
	}

	return NewSnapshot(goals, strategies)
}

func lookupGoalID(goals []engine.Goal, ref string) (int64, error) {
	for _, g := range goals {
		if g.Name == ref || g.UUID == ref {
			return g.ID, nil
		}
	}
	return 0, fmt.Errorf("unknown goal %q", ref)
}

// Registrar persists catalog records and assigns their ids.
type Registrar interface {
	UpsertGoal(ctx context.Context, goal *engine.Goal) error
	UpsertStrategy(ctx context.Context, strategy *engine.Strategy) error
}

// Sync upserts every record of snap and returns a snapshot carrying the
// stored ids.
func Sync(ctx context.Context, store Registrar, snap *Snapshot) (*Snapshot, error) {
	goals := snap.Goals()
	idMap := make(map[int64]int64, len(goals))
	for i := range goals {
		provisional := goals[i].ID
		if err := store.UpsertGoal(ctx, &goals[i]); err != nil {
			return nil, fmt.Errorf("failed to sync goal %s: %w", goals[i].Name, err)
		}
		idMap[provisional] = goals[i].ID
	}

	strategies := snap.Strategies()
	for i := range strategies {
		strategies[i].GoalID = idMap[strategies[i].GoalID]
		if err := store.UpsertStrategy(ctx, &strategies[i]); err != nil {
			return nil, fmt.Errorf("failed to sync strategy %s: %w", strategies[i].Name, err)
		}
	}

	return NewSnapshot(goals, strategies)
}
