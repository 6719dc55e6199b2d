package strategies

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/clusterlens/decider/pkg/engine"
)

func consolidationModel() *engine.ClusterDataModel {
	m := engine.NewClusterDataModel()
	for _, n := range []struct {
		host  string
		vcpus int
	}{{"node-1", 16}, {"node-2", 16}, {"node-3", 16}} {
		m.AddNode(&engine.ComputeNode{UUID: n.host, Hostname: n.host, State: "up", Status: "enabled", VCPUs: n.vcpus, MemoryMB: 65536})
	}
	m.Place(&engine.Instance{UUID: "i-1", VCPUs: 8, MemoryMB: 8192}, "node-1")
	m.Place(&engine.Instance{UUID: "i-2", VCPUs: 4, MemoryMB: 4096}, "node-2")
	m.Place(&engine.Instance{UUID: "i-3", VCPUs: 2, MemoryMB: 2048}, "node-3")
	return m
}

func TestRegistry_Builtins(t *testing.T) {
	r := NewRegistry()
	if names := r.Names(); len(names) != 2 || names[0] != "basic_consolidation" || names[1] != "dummy" {
		t.Fatalf("expected built-in strategies, got %v", names)
	}
	if err := r.Register(NewDummy()); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}

	_, err := r.Lookup(engine.Strategy{Name: "dummy"}, engine.Goal{Name: "server_consolidation"})
	if !errors.Is(err, engine.ErrIncompatibleStrategy) {
		t.Errorf("expected incompatible strategy, got %v", err)
	}
	_, err = r.Lookup(engine.Strategy{Name: "missing"}, engine.Goal{Name: "dummy"})
	if !errors.Is(err, engine.ErrStrategyNotFound) {
		t.Errorf("expected strategy not found, got %v", err)
	}
	if s, err := r.Lookup(engine.Strategy{Name: "dummy"}, engine.Goal{Name: "dummy"}); err != nil || s.Name() != "dummy" {
		t.Errorf("expected dummy strategy, got %v, %v", s, err)
	}
}

func TestDummy_Execute(t *testing.T) {
	actions, err := NewDummy().Execute(context.Background(), engine.ExecuteRequest{Cancel: engine.NewCancelToken()})
	if err != nil {
		t.Fatalf("failed to execute: %v", err)
	}
	if len(actions) != 3 || actions[1].ActionType != ActionSleep {
		t.Errorf("unexpected actions: %+v", actions)
	}

	token := engine.NewCancelToken()
	token.Cancel()
	if _, err := NewDummy().Execute(context.Background(), engine.ExecuteRequest{Cancel: token}); !errors.Is(err, engine.ErrCancelled) {
		t.Errorf("expected cancelled, got %v", err)
	}
}

func TestBasicConsolidation_Execute(t *testing.T) {
	s := NewBasicConsolidation()
	actions, err := s.Execute(context.Background(), engine.ExecuteRequest{Model: consolidationModel()})
	if err != nil {
		t.Fatalf("failed to execute: %v", err)
	}

	var migrations, disables []engine.ProposedAction
	for _, a := range actions {
		switch a.ActionType {
		case ActionMigrate:
			migrations = append(migrations, a)
		case ActionChangeNovaServiceState:
			disables = append(disables, a)
		}
	}
	// node-3 drains into node-1, then node-2 drains into node-1 as well.
	if len(migrations) != 2 || len(disables) != 2 {
		t.Fatalf("expected 2 migrations and 2 disables, got %+v", actions)
	}
	if migrations[0].ResourceID != "i-3" || migrations[0].InputParameters["destination_node"] != "node-1" {
		t.Errorf("expected i-3 to move onto node-1, got %+v", migrations[0])
	}
	if disables[0].ResourceID != "node-3" || disables[1].ResourceID != "node-2" {
		t.Errorf("expected node-3 then node-2 disabled, got %+v", disables)
	}
	if w := s.Weights(); w[ActionMigrate] <= w[ActionChangeNovaServiceState] {
		t.Errorf("expected migrations to outweigh service changes, got %v", w)
	}
}

func TestBasicConsolidation_NoCapacity(t *testing.T) {
	m := engine.NewClusterDataModel()
	m.AddNode(&engine.ComputeNode{Hostname: "a", State: "up", Status: "enabled", VCPUs: 4, MemoryMB: 4096})
	m.AddNode(&engine.ComputeNode{Hostname: "b", State: "up", Status: "enabled", VCPUs: 4, MemoryMB: 4096})
	m.Place(&engine.Instance{UUID: "i-a", VCPUs: 3, MemoryMB: 1024}, "a")
	m.Place(&engine.Instance{UUID: "i-b", VCPUs: 3, MemoryMB: 1024}, "b")

	actions, err := NewBasicConsolidation().Execute(context.Background(), engine.ExecuteRequest{Model: m})
	if err != nil {
		t.Fatalf("failed to execute: %v", err)
	}
	if len(actions) != 0 {
		t.Errorf("expected no actions when nothing fits, got %+v", actions)
	}
}

func TestBasicConsolidation_Cancelled(t *testing.T) {
	token := engine.NewCancelToken()
	token.Cancel()
	_, err := NewBasicConsolidation().Execute(context.Background(), engine.ExecuteRequest{Model: consolidationModel(), Cancel: token})
	if !errors.Is(err, engine.ErrCancelled) {
		t.Fatalf("expected cancelled, got %v", err)
	}
}

const sampleScript = `
NAME = "drain_empty"
GOAL = "server_consolidation"

def execute(goal, scope, model):
    actions = []
    for node in model["compute_nodes"]:
        busy = [i for i in model["instances"] if i["host"] == node["hostname"]]
        if not busy:
            actions.append(struct(
                action_type = "change_nova_service_state",
                resource_id = node["hostname"],
                input_parameters = {"state": "disabled", "goal": goal["name"]},
            ))
    return actions
`

func TestScriptStrategy_Execute(t *testing.T) {
	s, err := LoadScript("drain.star", sampleScript, time.Second)
	if err != nil {
		t.Fatalf("failed to load script: %v", err)
	}
	if s.Name() != "drain_empty" || s.GoalName() != "server_consolidation" {
		t.Fatalf("unexpected metadata %s/%s", s.Name(), s.GoalName())
	}

	m := consolidationModel()
	m.AddNode(&engine.ComputeNode{Hostname: "node-4", State: "up", Status: "enabled", VCPUs: 8})
	actions, err := s.Execute(context.Background(), engine.ExecuteRequest{
		Goal:   engine.Goal{Name: "server_consolidation"},
		Scope:  json.RawMessage(`[{"compute": []}]`),
		Model:  m,
		Cancel: engine.NewCancelToken(),
	})
	if err != nil {
		t.Fatalf("failed to execute script: %v", err)
	}
	if len(actions) != 1 || actions[0].ResourceID != "node-4" {
		t.Fatalf("expected node-4 to be disabled, got %+v", actions)
	}
	if actions[0].InputParameters["goal"] != "server_consolidation" {
		t.Errorf("expected goal passed through, got %v", actions[0].InputParameters)
	}
}

func TestScriptStrategy_Errors(t *testing.T) {
	tests := []struct {
		name   string
		script string
	}{
		{"missing goal", "def execute(goal, scope, model):\n    return []\n"},
		{"missing execute", "GOAL = \"dummy\"\n"},
		{"syntax error", "GOAL = \n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadScript("bad.star", tt.script, time.Second); err == nil {
				t.Fatal("expected load error")
			}
		})
	}

	s, err := LoadScript("bad_return.star", "GOAL = \"dummy\"\ndef execute(goal, scope, model):\n    return 42\n", time.Second)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if _, err := s.Execute(context.Background(), engine.ExecuteRequest{}); err == nil {
		t.Fatal("expected error for non-list result")
	}
}

func TestScriptStrategy_Timeout(t *testing.T) {
	script := `
GOAL = "dummy"
def execute(goal, scope, model):
    n = 0
    for i in range(1000000000):
        n += i
    return []
`
	s, err := LoadScript("slow.star", script, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	_, err = s.Execute(context.Background(), engine.ExecuteRequest{})
	if err == nil || !strings.Contains(err.Error(), "timeout") {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestLoadScriptDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "b.star"), []byte(sampleScript), 0o600); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	noName := "GOAL = \"dummy\"\ndef execute(goal, scope, model):\n    return []\n"
	if err := os.WriteFile(filepath.Join(dir, "a_noop.star"), []byte(noName), 0o600); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}

	scripts, err := LoadScriptDir(dir, time.Second)
	if err != nil {
		t.Fatalf("failed to load scripts: %v", err)
	}
	if len(scripts) != 2 || scripts[0].Name() != "a_noop" || scripts[1].Name() != "drain_empty" {
		t.Errorf("unexpected scripts: %v", scripts)
	}
}
