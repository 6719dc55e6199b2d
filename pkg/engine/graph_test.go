package engine

import (
	"strings"
	"testing"
)

func TestBuildActionGraph_Empty(t *testing.T) {
	g, err := BuildActionGraph(nil)
	if err != nil {
		t.Fatalf("Expected no error for empty plan, got: %v", err)
	}
	if len(g.Levels()) != 0 {
		t.Errorf("Expected 0 levels, got %d", len(g.Levels()))
	}
}

func TestBuildActionGraph_Chain(t *testing.T) {
	actions := []Action{
		{UUID: "a", ActionType: "nop", State: ActionStatePending},
		{UUID: "b", ActionType: "sleep", State: ActionStatePending, Parents: []string{"a"}},
		{UUID: "c", ActionType: "migrate", State: ActionStatePending, Parents: []string{"b"}},
	}

	g, err := BuildActionGraph(actions)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	levels := g.Levels()
	if len(levels) != 3 {
		t.Fatalf("Expected 3 levels, got %d", len(levels))
	}
	for i, want := range []string{"a", "b", "c"} {
		if len(levels[i]) != 1 || levels[i][0] != want {
			t.Errorf("level %d: expected [%s], got %v", i, want, levels[i])
		}
	}
	if roots := g.Roots(); len(roots) != 1 || roots[0] != "a" {
		t.Errorf("Expected root a, got %v", roots)
	}

	dot := g.ToDOT()
	if !strings.Contains(dot, `"a" -> "b"`) {
		t.Errorf("Expected edge a -> b in DOT output:\n%s", dot)
	}
}

func TestBuildActionGraph_ForeignParent(t *testing.T) {
	actions := []Action{
		{UUID: "a", Parents: []string{"elsewhere"}},
	}
	if _, err := BuildActionGraph(actions); err == nil {
		t.Fatal("Expected error for parent outside the plan")
	}
}

func TestBuildActionGraph_Cycle(t *testing.T) {
	actions := []Action{
		{UUID: "a", Parents: []string{"c"}},
		{UUID: "b", Parents: []string{"a"}},
		{UUID: "c", Parents: []string{"b"}},
	}
	_, err := BuildActionGraph(actions)
	if err == nil {
		t.Fatal("Expected cycle error")
	}
	if !strings.Contains(err.Error(), "circular dependency") {
		t.Errorf("Expected circular dependency message, got: %v", err)
	}
}

func TestBuildActionGraph_DuplicateUUID(t *testing.T) {
	actions := []Action{{UUID: "a"}, {UUID: "a"}}
	if _, err := BuildActionGraph(actions); err == nil {
		t.Fatal("Expected duplicate uuid error")
	}
}
