package scope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/clusterlens/decider/pkg/engine"
)

// SchemaProvider is the part of a collector the validator reads.
type SchemaProvider interface {
	Name() string
	Schema() string
}

// Validator checks scope documents against the fragments declared by the
// registered collectors. It caches the compiled schema per fragment set.
type Validator struct {
	mu     sync.Mutex
	ctx    *cue.Context
	cached map[string]cue.Value
}

// NewValidator creates a validator with its own CUE context.
func NewValidator() *Validator {
	return &Validator{
		ctx:    cuecontext.New(),
		cached: make(map[string]cue.Value),
	}
}

// Validate checks doc and returns its compact normalized form. An empty or
// null document normalizes to an empty list.
func (v *Validator) Validate(doc json.RawMessage, providers []SchemaProvider) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(doc)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage("[]"), nil
	}

	var data interface{}
	if err := json.Unmarshal(trimmed, &data); err != nil {
		return nil, engine.InvalidScope("scope is not valid JSON", err)
	}

	if err := v.check(data, providers); err != nil {
		return nil, err
	}
	if err := checkHostAggregates(data); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, engine.InvalidScope("failed to normalize scope", err)
	}
	return json.RawMessage(buf.Bytes()), nil
}

func (v *Validator) check(data interface{}, providers []SchemaProvider) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	src := buildSchema(providers)
	schema, ok := v.cached[src]
	if !ok {
		schema = v.ctx.CompileString(src)
		if err := schema.Err(); err != nil {
			return fmt.Errorf("failed to compile scope schema: %w", err)
		}
		v.cached[src] = schema
	}

	value := v.ctx.Encode(data)
	if err := value.Err(); err != nil {
		return engine.InvalidScope("failed to encode scope", err)
	}

	if err := schema.Unify(value).Validate(cue.Concrete(true)); err != nil {
		return engine.InvalidScope(describe(err), err)
	}
	return nil
}

// buildSchema renders a list of closed structs whose optional fields are the
// names of the providers that declare a fragment.
func buildSchema(providers []SchemaProvider) string {
	sorted := make([]SchemaProvider, 0, len(providers))
	for _, p := range providers {
		if strings.TrimSpace(p.Schema()) != "" {
			sorted = append(sorted, p)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name() < sorted[j].Name() })

	var b strings.Builder
	b.WriteString("[...close({\n")
	for _, p := range sorted {
		fmt.Fprintf(&b, "\t%q?: (%s)\n", p.Name(), strings.TrimSpace(p.Schema()))
	}
	b.WriteString("})]\n")
	return b.String()
}

func describe(err error) string {
	details := strings.TrimSpace(cueerrors.Details(err, nil))
	if details == "" {
		details = err.Error()
	}
	if i := strings.IndexByte(details, '\n'); i > 0 {
		details = details[:i]
	}
	return "invalid scope: " + details
}

// checkHostAggregates rejects documents whose compute rules both include and
// exclude host aggregates.
func checkHostAggregates(data interface{}) error {
	items, _ := data.([]interface{})
	include, exclude := "", ""
	for i, item := range items {
		obj, _ := item.(map[string]interface{})
		rules, _ := obj["compute"].([]interface{})
		for j, r := range rules {
			rule, _ := r.(map[string]interface{})
			path := fmt.Sprintf("[%d].compute[%d]", i, j)
			if _, ok := rule["host_aggregates"]; ok {
				if include == "" {
					include = path
				}
			}
			excluded, _ := rule["exclude"].([]interface{})
			for _, e := range excluded {
				res, _ := e.(map[string]interface{})
				if _, ok := res["host_aggregates"]; ok && exclude == "" {
					exclude = path + ".exclude"
				}
			}
		}
	}
	if include != "" && exclude != "" {
		msg := fmt.Sprintf("host_aggregates can't be included and excluded together (include at %s, exclude at %s)", include, exclude)
		return engine.InvalidScope(msg, nil).
			WithDetail("include", include).
			WithDetail("exclude", exclude)
	}
	return nil
}
