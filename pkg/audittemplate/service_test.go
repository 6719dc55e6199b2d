package audittemplate

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/clusterlens/decider/pkg/catalog"
	"github.com/clusterlens/decider/pkg/collectors"
	"github.com/clusterlens/decider/pkg/engine"
	"github.com/clusterlens/decider/pkg/scope"
	"github.com/clusterlens/decider/pkg/stores"
)

type spyStore struct {
	stores.Store

	mu      sync.Mutex
	updates []stores.Changes
}

func (s *spyStore) UpdateAuditTemplate(ctx context.Context, id int64, changes stores.Changes) error {
	s.mu.Lock()
	s.updates = append(s.updates, changes)
	s.mu.Unlock()
	return s.Store.UpdateAuditTemplate(ctx, id, changes)
}

func (s *spyStore) last() stores.Changes {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.updates) == 0 {
		return nil
	}
	return s.updates[len(s.updates)-1]
}

func setupService(t *testing.T) (*Service, *spyStore, *catalog.Catalog) {
	t.Helper()
	ctx := context.Background()

	sqlite, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := sqlite.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := sqlite.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })

	snap, err := catalog.Default()
	if err != nil {
		t.Fatalf("failed to load catalog: %v", err)
	}
	synced, err := catalog.Sync(ctx, sqlite, snap)
	if err != nil {
		t.Fatalf("failed to sync catalog: %v", err)
	}
	cat := catalog.New(synced)

	reg, err := collectors.NewRegistry(collectors.NewCompute(collectors.StaticInventory{}))
	if err != nil {
		t.Fatalf("failed to create collector registry: %v", err)
	}

	spy := &spyStore{Store: sqlite}
	svc := NewService(spy, cat, scope.NewValidator(), ProviderList(reg.All), zerolog.Nop())
	return svc, spy, cat
}

func TestCreate_EndToEndScope(t *testing.T) {
	svc, _, cat := setupService(t)
	in := &CreateInput{
		Name:       "consolidate-agg1",
		References: catalog.References{Goal: "server_consolidation"},
		Scope:      json.RawMessage(`[{"compute": [{"host_aggregates": ["agg1"]}]}]`),
	}

	v, err := svc.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("failed to create template: %v", err)
	}

	goal, _ := cat.Snapshot().Goal(engine.ByName("server_consolidation"))
	if in.Goal != goal.UUID {
		t.Errorf("expected goal reference rewritten to %s, got %s", goal.UUID, in.Goal)
	}
	if v.GoalID != goal.ID || v.StrategyID != nil {
		t.Errorf("expected goal id %d and no strategy, got %d / %v", goal.ID, v.GoalID, v.StrategyID)
	}
	if string(v.Scope) != `[{"compute":[{"host_aggregates":["agg1"]}]}]` {
		t.Errorf("expected normalized scope, got %s", v.Scope)
	}

	byName, err := svc.Get(context.Background(), "consolidate-agg1")
	if err != nil {
		t.Fatalf("failed to get by name: %v", err)
	}
	byUUID, err := svc.Get(context.Background(), v.UUID)
	if err != nil {
		t.Fatalf("failed to get by uuid: %v", err)
	}
	if byName.ID != byUUID.ID || byName.Goal.UUID != goal.UUID {
		t.Errorf("expected the same template, got %+v and %+v", byName, byUUID)
	}
}

func TestCreate_Errors(t *testing.T) {
	svc, _, _ := setupService(t)

	tests := []struct {
		name string
		in   CreateInput
		want error
	}{
		{"missing name", CreateInput{References: catalog.References{Goal: "dummy"}}, engine.ErrValidation},
		{"missing goal", CreateInput{Name: "a"}, engine.ErrValidation},
		{"uuid-like name", CreateInput{Name: engine.NewUUID(), References: catalog.References{Goal: "dummy"}}, engine.ErrValidation},
		{"unknown goal", CreateInput{Name: "a", References: catalog.References{Goal: "reduce_energy"}}, engine.ErrGoalNotFound},
		{"unknown strategy", CreateInput{Name: "a", References: catalog.References{Goal: "dummy", Strategy: "nope"}}, engine.ErrStrategyNotFound},
		{"incompatible strategy", CreateInput{Name: "a", References: catalog.References{Goal: "dummy", Strategy: "basic_consolidation"}}, engine.ErrIncompatibleStrategy},
		{"bad scope", CreateInput{Name: "a", References: catalog.References{Goal: "dummy"}, Scope: json.RawMessage(`[{"network": []}]`)}, engine.ErrInvalidScope},
		{"aggregate conflict", CreateInput{Name: "a", References: catalog.References{Goal: "dummy"},
			Scope: json.RawMessage(`[{"compute": [{"host_aggregates": ["a"]}, {"exclude": [{"host_aggregates": ["b"]}]}]}]`)}, engine.ErrInvalidScope},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := tt.in
			if _, err := svc.Create(context.Background(), &in); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestCreate_DuplicateName(t *testing.T) {
	svc, _, _ := setupService(t)
	in := func() *CreateInput {
		return &CreateInput{Name: "nightly", References: catalog.References{Goal: "dummy"}}
	}
	if _, err := svc.Create(context.Background(), in()); err != nil {
		t.Fatalf("failed to create: %v", err)
	}
	if _, err := svc.Create(context.Background(), in()); !errors.Is(err, engine.ErrDuplicateEntry) {
		t.Fatalf("expected duplicate entry, got %v", err)
	}
}

func TestList_FiltersByGoalAndStrategy(t *testing.T) {
	svc, _, cat := setupService(t)
	ctx := context.Background()
	for _, in := range []*CreateInput{
		{Name: "a", References: catalog.References{Goal: "dummy"}},
		{Name: "b", References: catalog.References{Goal: "server_consolidation", Strategy: "basic_consolidation"}},
		{Name: "c", References: catalog.References{Goal: "server_consolidation"}},
	} {
		if _, err := svc.Create(ctx, in); err != nil {
			t.Fatalf("failed to create %s: %v", in.Name, err)
		}
	}

	goal, _ := cat.Snapshot().Goal(engine.ByName("server_consolidation"))
	for _, ref := range []string{"server_consolidation", goal.UUID} {
		got, err := svc.List(ctx, ListInput{Goal: ref})
		if err != nil {
			t.Fatalf("failed to list by goal %s: %v", ref, err)
		}
		if len(got) != 2 || got[0].Name != "b" || got[1].Name != "c" {
			t.Errorf("expected b and c for goal %s, got %d templates", ref, len(got))
		}
	}

	got, err := svc.List(ctx, ListInput{Strategy: "basic_consolidation"})
	if err != nil {
		t.Fatalf("failed to list by strategy: %v", err)
	}
	if len(got) != 1 || got[0].Name != "b" || got[0].Strategy == nil {
		t.Errorf("expected only b, got %+v", got)
	}

	desc, err := svc.List(ctx, ListInput{SortKey: "name", SortDir: stores.SortDesc})
	if err != nil {
		t.Fatalf("failed to list sorted: %v", err)
	}
	if len(desc) != 3 || desc[0].Name != "c" {
		t.Errorf("expected c first in descending name order, got %+v", desc)
	}

	if _, err := svc.List(ctx, ListInput{Goal: "unknown"}); !errors.Is(err, engine.ErrGoalNotFound) {
		t.Errorf("expected goal not found, got %v", err)
	}
}

func TestPatch(t *testing.T) {
	svc, spy, cat := setupService(t)
	ctx := context.Background()
	v, err := svc.Create(ctx, &CreateInput{Name: "t", References: catalog.References{Goal: "dummy"}})
	if err != nil {
		t.Fatalf("failed to create: %v", err)
	}

	patched, err := svc.Patch(ctx, v.UUID, []PatchOp{
		{Op: "replace", Path: "/goal", Value: json.RawMessage(`"server_consolidation"`)},
		{Op: "add", Path: "/strategy", Value: json.RawMessage(`"basic_consolidation"`)},
	})
	if err != nil {
		t.Fatalf("failed to patch: %v", err)
	}
	goal, _ := cat.Snapshot().Goal(engine.ByName("server_consolidation"))
	if patched.GoalID != goal.ID || patched.Strategy == nil || patched.Strategy.Name != "basic_consolidation" {
		t.Errorf("expected goal and strategy updated, got %+v", patched)
	}
	changes := spy.last()
	if len(changes) != 2 || changes["goal_id"] == nil || changes["strategy_id"] == nil {
		t.Errorf("expected goal_id and strategy_id written, got %v", changes)
	}

	if _, err := svc.Patch(ctx, v.UUID, []PatchOp{
		{Op: "replace", Path: "/description", Value: json.RawMessage(`"nightly run"`)},
		{Op: "replace", Path: "/goal", Value: json.RawMessage(`"` + goal.UUID + `"`)},
	}); err != nil {
		t.Fatalf("failed to patch description: %v", err)
	}
	changes = spy.last()
	if len(changes) != 1 || changes["description"] != "nightly run" {
		t.Errorf("expected only description written, got %v", changes)
	}

	if _, err := svc.Patch(ctx, v.UUID, []PatchOp{{Op: "remove", Path: "/strategy"}}); err != nil {
		t.Fatalf("failed to remove strategy: %v", err)
	}
	got, _ := svc.Get(ctx, v.UUID)
	if got.StrategyID != nil {
		t.Errorf("expected strategy removed, got %v", *got.StrategyID)
	}
}

func TestPatch_Errors(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()
	v, err := svc.Create(ctx, &CreateInput{Name: "t", References: catalog.References{Goal: "dummy"}})
	if err != nil {
		t.Fatalf("failed to create: %v", err)
	}

	tests := []struct {
		name string
		ops  []PatchOp
		want error
	}{
		{"remove goal", []PatchOp{{Op: "remove", Path: "/goal"}}, engine.ErrOperationNotPermitted},
		{"unknown path", []PatchOp{{Op: "replace", Path: "/uuid", Value: json.RawMessage(`"x"`)}}, engine.ErrValidation},
		{"unsupported op", []PatchOp{{Op: "move", Path: "/name"}}, engine.ErrValidation},
		{"incompatible strategy", []PatchOp{{Op: "add", Path: "/strategy", Value: json.RawMessage(`"basic_consolidation"`)}}, engine.ErrIncompatibleStrategy},
		{"bad scope", []PatchOp{{Op: "replace", Path: "/scope", Value: json.RawMessage(`[{"compute": [{"racks": []}]}]`)}}, engine.ErrInvalidScope},
		{"non-string goal", []PatchOp{{Op: "replace", Path: "/goal", Value: json.RawMessage(`42`)}}, engine.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Patch(ctx, v.UUID, tt.ops); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	got, _ := svc.Get(ctx, v.UUID)
	if got.Goal.Name != "dummy" {
		t.Errorf("expected failed patches to leave the template untouched, got goal %s", got.Goal.Name)
	}
}

func TestSoftDelete(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()
	v, err := svc.Create(ctx, &CreateInput{Name: "gone", References: catalog.References{Goal: "dummy"}})
	if err != nil {
		t.Fatalf("failed to create: %v", err)
	}
	if err := svc.SoftDelete(ctx, "gone"); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	if _, err := svc.Get(ctx, v.UUID); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("expected deleted template hidden, got %v", err)
	}
	all, err := svc.List(ctx, ListInput{IncludeDeleted: true})
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(all) != 1 || all[0].DeletedAt == nil {
		t.Errorf("expected deleted template visible on request, got %+v", all)
	}
	if _, err := svc.Create(ctx, &CreateInput{Name: "gone", References: catalog.References{Goal: "dummy"}}); err != nil {
		t.Errorf("expected name reusable after delete, got %v", err)
	}
	if err := svc.SoftDelete(ctx, "missing"); !errors.Is(err, engine.ErrNotFound) || !strings.Contains(err.Error(), "missing") {
		t.Errorf("expected not found, got %v", err)
	}
}
