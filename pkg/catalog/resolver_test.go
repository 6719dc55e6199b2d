package catalog

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/clusterlens/decider/pkg/engine"
)

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	snap, err := NewSnapshot(
		[]engine.Goal{
			{ID: 1, UUID: "11111111-1111-4111-8111-111111111111", Name: "dummy", DisplayName: "Dummy"},
			{ID: 2, UUID: "22222222-2222-4222-8222-222222222222", Name: "server_consolidation", DisplayName: "Server Consolidation"},
		},
		[]engine.Strategy{
			{ID: 1, UUID: "aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa", Name: "dummy", GoalID: 1},
			{ID: 2, UUID: "bbbbbbbb-bbbb-4bbb-8bbb-bbbbbbbbbbbb", Name: "basic_consolidation", GoalID: 2},
			{ID: 3, UUID: "cccccccc-cccc-4ccc-8ccc-cccccccccccc", Name: "vm_workload_consolidation", GoalID: 2},
		},
	)
	if err != nil {
		t.Fatalf("failed to build snapshot: %v", err)
	}
	return New(snap)
}

func TestResolveGoal_UUIDAndNameAgree(t *testing.T) {
	r := NewResolver(testCatalog(t))

	for _, goal := range r.catalog.Snapshot().Goals() {
		byUUID, err := r.ResolveGoal(engine.ByUUID(goal.UUID))
		if err != nil {
			t.Fatalf("failed to resolve %s by uuid: %v", goal.Name, err)
		}
		byName, err := r.ResolveGoal(engine.ByName(goal.Name))
		if err != nil {
			t.Fatalf("failed to resolve %s by name: %v", goal.Name, err)
		}
		if byUUID != byName {
			t.Errorf("expected identical records, got %+v and %+v", byUUID, byName)
		}
	}
}

func TestResolveStrategy_UUIDAndNameAgree(t *testing.T) {
	r := NewResolver(testCatalog(t))
	goal, _ := r.ResolveGoal(engine.ByName("server_consolidation"))

	byUUID, err := r.ResolveStrategy(engine.ByUUID("bbbbbbbb-bbbb-4bbb-8bbb-bbbbbbbbbbbb"), goal)
	if err != nil {
		t.Fatalf("failed to resolve by uuid: %v", err)
	}
	byName, err := r.ResolveStrategy(engine.ByName("basic_consolidation"), goal)
	if err != nil {
		t.Fatalf("failed to resolve by name: %v", err)
	}
	if byUUID != byName {
		t.Errorf("expected identical records, got %+v and %+v", byUUID, byName)
	}
}

func TestResolveGoal_NotFound(t *testing.T) {
	r := NewResolver(testCatalog(t))
	_, err := r.ResolveGoal(engine.ByName("reduce_power"))
	if !errors.Is(err, engine.ErrGoalNotFound) {
		t.Fatalf("expected goal not found, got %v", err)
	}
}

func TestResolveStrategy_NotFound(t *testing.T) {
	r := NewResolver(testCatalog(t))
	goal, _ := r.ResolveGoal(engine.ByName("dummy"))
	_, err := r.ResolveStrategy(engine.ByName("nope"), goal)
	if !errors.Is(err, engine.ErrStrategyNotFound) {
		t.Fatalf("expected strategy not found, got %v", err)
	}
}

func TestResolveStrategy_IncompatibleListsChoices(t *testing.T) {
	r := NewResolver(testCatalog(t))
	goal, _ := r.ResolveGoal(engine.ByName("server_consolidation"))

	_, err := r.ResolveStrategy(engine.ByName("dummy"), goal)
	if !errors.Is(err, engine.ErrIncompatibleStrategy) {
		t.Fatalf("expected incompatible strategy, got %v", err)
	}
	msg := err.Error()
	for _, want := range []string{
		"'bbbbbbbb-bbbb-4bbb-8bbb-bbbbbbbbbbbb' (basic_consolidation)",
		"'cccccccc-cccc-4ccc-8ccc-cccccccccccc' (vm_workload_consolidation)",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected message to list %s, got %q", want, msg)
		}
	}
	if strings.Contains(msg, "aaaaaaaa") {
		t.Errorf("message must not list strategies of other goals: %q", msg)
	}
}

func TestResolveReferences_RewritesToUUIDs(t *testing.T) {
	r := NewResolver(testCatalog(t))
	refs := &References{Goal: "server_consolidation", Strategy: "basic_consolidation"}

	resolved, err := r.ResolveReferences(refs)
	if err != nil {
		t.Fatalf("failed to resolve references: %v", err)
	}
	if refs.Goal != "22222222-2222-4222-8222-222222222222" {
		t.Errorf("expected goal uuid, got %s", refs.Goal)
	}
	if refs.Strategy != "bbbbbbbb-bbbb-4bbb-8bbb-bbbbbbbbbbbb" {
		t.Errorf("expected strategy uuid, got %s", refs.Strategy)
	}
	if resolved.Strategy == nil || resolved.Strategy.Name != "basic_consolidation" {
		t.Errorf("expected resolved strategy, got %+v", resolved.Strategy)
	}

	noStrategy := &References{Goal: "dummy"}
	resolved, err = r.ResolveReferences(noStrategy)
	if err != nil {
		t.Fatalf("failed to resolve goal-only references: %v", err)
	}
	if resolved.Strategy != nil || noStrategy.Strategy != "" {
		t.Errorf("expected no strategy, got %+v", resolved.Strategy)
	}
}

func TestResolveReferences_FailureLeavesInputUntouched(t *testing.T) {
	r := NewResolver(testCatalog(t))
	refs := &References{Goal: "server_consolidation", Strategy: "dummy"}
	if _, err := r.ResolveReferences(refs); err == nil {
		t.Fatal("expected error")
	}
	if refs.Goal != "server_consolidation" {
		t.Errorf("expected goal reference untouched on failure, got %s", refs.Goal)
	}
}

func TestCatalog_SwapIsAtomic(t *testing.T) {
	c := testCatalog(t)
	r := NewResolver(c)
	next, err := NewSnapshot([]engine.Goal{{ID: 9, UUID: "99999999-9999-4999-8999-999999999999", Name: "dummy"}}, nil)
	if err != nil {
		t.Fatalf("failed to build snapshot: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				g, err := r.ResolveGoal(engine.ByName("dummy"))
				if err != nil {
					t.Errorf("resolution failed during swap: %v", err)
					return
				}
				if g.ID != 1 && g.ID != 9 {
					t.Errorf("observed a torn record: %+v", g)
					return
				}
			}
		}()
	}
	old := c.Swap(next)
	wg.Wait()

	if len(old.Goals()) != 2 {
		t.Errorf("expected previous snapshot to be returned, got %d goals", len(old.Goals()))
	}
	if g, _ := r.ResolveGoal(engine.ByName("dummy")); g.ID != 9 {
		t.Errorf("expected new snapshot in effect, got %+v", g)
	}
}

func TestDefaultStrategy(t *testing.T) {
	r := NewResolver(testCatalog(t))
	goal, _ := r.ResolveGoal(engine.ByName("server_consolidation"))
	st, err := r.DefaultStrategy(goal)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.Name != "basic_consolidation" {
		t.Errorf("expected first strategy of the goal, got %s", st.Name)
	}
}
