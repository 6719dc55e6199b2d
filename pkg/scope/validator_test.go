package scope

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/clusterlens/decider/pkg/collectors"
	"github.com/clusterlens/decider/pkg/engine"
)

type fakeProvider struct {
	name   string
	schema string
}

func (f fakeProvider) Name() string   { return f.name }
func (f fakeProvider) Schema() string { return f.schema }

func providers() []SchemaProvider {
	return []SchemaProvider{
		fakeProvider{name: collectors.ComputeName, schema: collectors.ComputeSchema},
		fakeProvider{name: "storage"},
	}
}

func TestValidate_Accepts(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name string
		doc  string
	}{
		{"aggregate names", `[{"compute": [{"host_aggregates": ["agg1"]}]}]`},
		{"aggregate objects", `[{"compute": [{"host_aggregates": [{"id": 1}, {"id": "*"}, {"name": "agg2"}]}]}]`},
		{"zones and excludes", `[{"compute": [
			{"availability_zones": [{"name": "az1"}]},
			{"exclude": [{"instances": [{"uuid": "i-1"}]}, {"compute_nodes": [{"name": "node-1"}]}]}
		]}]`},
		{"empty list", `[]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Validate(json.RawMessage(tt.doc), providers()); err != nil {
				t.Fatalf("expected scope to be valid, got %v", err)
			}
		})
	}
}

func TestValidate_Normalizes(t *testing.T) {
	v := NewValidator()

	out, err := v.Validate(json.RawMessage("  [ {\"compute\" : [ ]} ]\n"), providers())
	if err != nil {
		t.Fatalf("failed to validate: %v", err)
	}
	if string(out) != `[{"compute":[]}]` {
		t.Errorf("expected compact form, got %s", out)
	}

	for _, empty := range []string{"", "   ", "null"} {
		out, err := v.Validate(json.RawMessage(empty), providers())
		if err != nil {
			t.Fatalf("failed to validate %q: %v", empty, err)
		}
		if string(out) != "[]" {
			t.Errorf("expected empty scope to normalize to [], got %s", out)
		}
	}
}

func TestValidate_RejectsUnknownProperties(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name string
		doc  string
	}{
		{"unknown collector", `[{"network": []}]`},
		{"collector without schema", `[{"storage": []}]`},
		{"unknown rule key", `[{"compute": [{"racks": ["r1"]}]}]`},
		{"unknown exclude key", `[{"compute": [{"exclude": [{"volumes": ["v1"]}]}]}]`},
		{"not a list", `{"compute": []}`},
		{"bad json", `[{"compute": `},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(json.RawMessage(tt.doc), providers())
			if !errors.Is(err, engine.ErrInvalidScope) {
				t.Fatalf("expected invalid scope, got %v", err)
			}
		})
	}
}

func TestValidate_SchemaFollowsProviders(t *testing.T) {
	v := NewValidator()
	doc := json.RawMessage(`[{"storage": [{"pool": "fast"}]}]`)

	if _, err := v.Validate(doc, providers()); err == nil {
		t.Fatal("expected storage rules to be rejected while storage declares no schema")
	}

	withStorage := append(providers()[:1], fakeProvider{name: "storage", schema: `[...close({pool: string})]`})
	if _, err := v.Validate(doc, withStorage); err != nil {
		t.Fatalf("expected storage rules to be accepted, got %v", err)
	}
}

func TestValidate_HostAggregatesExclusive(t *testing.T) {
	v := NewValidator()

	docs := []string{
		`[{"compute": [{"host_aggregates": ["agg1"]}, {"exclude": [{"host_aggregates": [{"id": 2}]}]}]}]`,
		`[{"compute": [
			{"availability_zones": ["az1"]},
			{"exclude": [{"instances": ["i-1"]}, {"host_aggregates": ["agg2"]}]},
			{"host_aggregates": [{"id": "*"}]}
		]}]`,
		`[{"compute": [{"host_aggregates": ["agg1"], "exclude": [{"host_aggregates": ["agg2"]}]}]}]`,
	}
	for _, doc := range docs {
		_, err := v.Validate(json.RawMessage(doc), providers())
		if !errors.Is(err, engine.ErrInvalidScope) {
			t.Fatalf("expected invalid scope for %s, got %v", doc, err)
		}
		if !strings.Contains(err.Error(), "included and excluded together") {
			t.Errorf("expected message to name the conflict, got %q", err.Error())
		}
	}
}

func TestBuildSchema_SkipsEmptyFragments(t *testing.T) {
	src := buildSchema(providers())
	if !strings.Contains(src, `"compute"?:`) {
		t.Errorf("expected compute field in schema, got %s", src)
	}
	if strings.Contains(src, "storage") {
		t.Errorf("expected storage to contribute nothing, got %s", src)
	}
}
