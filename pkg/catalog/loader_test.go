package catalog

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/clusterlens/decider/pkg/engine"
)

const sampleCatalog = `
goals:
  - uuid: 11111111-1111-4111-8111-111111111111
    name: dummy
    display_name: Dummy
strategies:
  - uuid: aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa
    name: dummy
    display_name: Dummy strategy
    goal: dummy
`

func TestDefault(t *testing.T) {
	snap, err := Default()
	if err != nil {
		t.Fatalf("failed to parse built-in catalog: %v", err)
	}
	goal, ok := snap.Goal(engine.ByName("server_consolidation"))
	if !ok {
		t.Fatal("expected server_consolidation goal in built-in catalog")
	}
	if got := snap.StrategiesFor(goal); len(got) != 1 || got[0].Name != "basic_consolidation" {
		t.Errorf("expected basic_consolidation for server_consolidation, got %+v", got)
	}
}

func TestParse_UnknownGoal(t *testing.T) {
	doc := `
goals: []
strategies:
  - uuid: aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa
    name: orphan
    goal: missing
`
	if _, err := Parse([]byte(doc)); err == nil {
		t.Fatal("expected error for strategy with unknown goal")
	}
}

func TestParse_DuplicateName(t *testing.T) {
	doc := `
goals:
  - {uuid: 11111111-1111-4111-8111-111111111111, name: dummy}
  - {uuid: 22222222-2222-4222-8222-222222222222, name: dummy}
`
	if _, err := Parse([]byte(doc)); err == nil {
		t.Fatal("expected error for duplicate goal name")
	}
}

type fakeRegistrar struct {
	nextID int64
	goals  map[string]int64
}

func (f *fakeRegistrar) UpsertGoal(_ context.Context, g *engine.Goal) error {
	if id, ok := f.goals[g.UUID]; ok {
		g.ID = id
		return nil
	}
	f.nextID += 10
	g.ID = f.nextID
	f.goals[g.UUID] = g.ID
	return nil
}

func (f *fakeRegistrar) UpsertStrategy(_ context.Context, s *engine.Strategy) error {
	f.nextID += 10
	s.ID = f.nextID
	return nil
}

func TestSync_RemapsIDs(t *testing.T) {
	snap, err := Parse([]byte(sampleCatalog))
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	reg := &fakeRegistrar{goals: make(map[string]int64)}

	synced, err := Sync(context.Background(), reg, snap)
	if err != nil {
		t.Fatalf("failed to sync: %v", err)
	}
	goal, _ := synced.Goal(engine.ByName("dummy"))
	strategy, _ := synced.Strategy(engine.ByName("dummy"))
	if goal.ID != 10 {
		t.Errorf("expected stored goal id 10, got %d", goal.ID)
	}
	if strategy.GoalID != goal.ID {
		t.Errorf("expected strategy to point at stored goal id %d, got %d", goal.ID, strategy.GoalID)
	}
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	if err := os.WriteFile(path, []byte(sampleCatalog), 0o600); err != nil {
		t.Fatalf("failed to write catalog: %v", err)
	}

	var mu sync.Mutex
	var applied []*Snapshot
	apply := func(_ context.Context, snap *Snapshot) error {
		mu.Lock()
		defer mu.Unlock()
		applied = append(applied, snap)
		return nil
	}

	w := NewWatcher(path, apply, zerolog.Nop())
	w.debounce = 20 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("failed to start watcher: %v", err)
	}
	defer w.Close()

	updated := sampleCatalog + `
  - uuid: bbbbbbbb-bbbb-4bbb-8bbb-bbbbbbbbbbbb
    name: dummy_two
    goal: dummy
`
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("failed to rewrite catalog: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(applied)
		var last *Snapshot
		if n > 0 {
			last = applied[n-1]
		}
		mu.Unlock()
		if last != nil && len(last.Strategies()) == 2 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected the rewritten catalog to be applied")
}
