package commands

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/clusterlens/decider/pkg/config"
	"github.com/clusterlens/decider/pkg/engine"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "decider.yaml")
	content := "database:\n  path: " + filepath.Join(dir, "decider.db") + "\ncontrol:\n  socket: " + filepath.Join(dir, "control.sock") + "\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	cmd := newRootCommand("test", "none", "today")
	cmd.SetArgs(args)
	return cmd.ExecuteContext(context.Background())
}

func TestTemplateCommands(t *testing.T) {
	cfgPath := writeConfig(t)
	t.Cleanup(func() { configPath, socketPath, jsonOutput = "", "", false })

	if err := execute(t, "--config", cfgPath, "template", "create", "consolidate-agg1",
		"--goal", "server_consolidation",
		"--scope", `[{"compute":[{"host_aggregates":["agg1"]}]}]`); err != nil {
		t.Fatalf("failed to create template: %v", err)
	}
	if err := execute(t, "--config", cfgPath, "--json", "template", "show", "consolidate-agg1"); err != nil {
		t.Fatalf("failed to show template: %v", err)
	}
	if err := execute(t, "--config", cfgPath, "template", "patch", "consolidate-agg1",
		`[{"op":"replace","path":"/description","value":"nightly"}]`); err != nil {
		t.Fatalf("failed to patch template: %v", err)
	}
	if err := execute(t, "--config", cfgPath, "template", "patch", "consolidate-agg1",
		`[{"op":"remove","path":"/goal"}]`); err == nil {
		t.Error("expected goal removal to be refused")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	ws, err := openWorkspace(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to open workspace: %v", err)
	}
	v, err := ws.templates().Get(context.Background(), "consolidate-agg1")
	if err != nil {
		t.Fatalf("failed to get template: %v", err)
	}
	if v.Description != "nightly" || v.Goal.Name != "server_consolidation" {
		t.Errorf("unexpected template: %+v", v)
	}
	_ = ws.Close()

	if err := execute(t, "--config", cfgPath, "template", "delete", "consolidate-agg1"); err != nil {
		t.Fatalf("failed to delete template: %v", err)
	}
	if err := execute(t, "--config", cfgPath, "template", "show", "consolidate-agg1"); err == nil {
		t.Error("expected deleted template to be hidden")
	}
}

func TestTemplateCreate_UnknownGoal(t *testing.T) {
	cfgPath := writeConfig(t)
	t.Cleanup(func() { configPath = "" })

	err := execute(t, "--config", cfgPath, "template", "create", "t1", "--goal", "no_such_goal")
	if err == nil {
		t.Fatal("expected unknown goal to be rejected")
	}
}

func TestListCommandsOnEmptyDatabase(t *testing.T) {
	cfgPath := writeConfig(t)
	t.Cleanup(func() { configPath = "" })

	for _, args := range [][]string{
		{"template", "list"},
		{"template", "catalog"},
		{"audit", "list"},
		{"plan", "list"},
		{"action", "list"},
	} {
		if err := execute(t, append([]string{"--config", cfgPath}, args...)...); err != nil {
			t.Errorf("%v failed: %v", args, err)
		}
	}
	if err := execute(t, "--config", cfgPath, "audit", "list", "--state", "DONE"); err == nil {
		t.Error("expected invalid state to be rejected")
	}
}

func TestLoadStrategies_Scripts(t *testing.T) {
	dir := t.TempDir()
	script := `
NAME = "spread"
GOAL = "dummy"

def execute(goal, scope, model):
    return [{"action_type": "nop", "input_parameters": {"message": "hi"}}]
`
	if err := os.WriteFile(filepath.Join(dir, "spread.star"), []byte(script), 0o600); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}

	cfg := config.Default()
	cfg.Strategies.Dir = dir
	ws, err := openWorkspace(context.Background(), withMemoryDB(cfg), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to open workspace: %v", err)
	}
	defer ws.Close()

	registry, err := loadStrategies(cfg.Strategies, ws.catalog, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to load strategies: %v", err)
	}
	s, ok := registry.Get("spread")
	if !ok {
		t.Fatalf("scripted strategy not registered: %v", registry.Names())
	}
	if s.GoalName() != "dummy" {
		t.Errorf("goal = %s", s.GoalName())
	}
	if _, err := registry.Lookup(engine.Strategy{Name: "spread"}, engine.Goal{Name: "dummy"}); err != nil {
		t.Errorf("failed to look up scripted strategy: %v", err)
	}
}

func TestReadDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scope.json")
	if err := os.WriteFile(path, []byte(`[]`), 0o600); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	if doc, err := readDocument("@" + path); err != nil || string(doc) != "[]" {
		t.Errorf("file document = %s, %v", doc, err)
	}
	if doc, err := readDocument(""); err != nil || doc != nil {
		t.Errorf("empty document = %s, %v", doc, err)
	}
	if _, err := readDocument("{not json"); err == nil {
		t.Error("expected invalid JSON to be rejected")
	}
}

func withMemoryDB(cfg *config.Config) *config.Config {
	cfg.Database = config.DatabaseConfig{Path: ":memory:"}
	return cfg
}
