package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/clusterlens/decider/pkg/engine"
	"github.com/clusterlens/decider/pkg/messaging"
)

// Authorizer evaluates Rego policies against control calls. A call is
// allowed only when every enabled policy allows it.
type Authorizer struct {
	mu       sync.RWMutex
	policies []*compiledPolicy
	store    storage.Store
	logger   zerolog.Logger
}

type compiledPolicy struct {
	policy *Policy
	query  rego.PreparedEvalQuery
}

// NewAuthorizer compiles the built-in policies, then those under cfg.Path.
func NewAuthorizer(ctx context.Context, cfg Config, logger zerolog.Logger) (*Authorizer, error) {
	operators := cfg.Operators
	if operators == nil {
		operators = []string{}
	}
	a := &Authorizer{
		store: inmem.NewFromObject(map[string]interface{}{
			"decider": map[string]interface{}{"operators": toInterfaces(operators)},
		}),
		logger: logger.With().Str("component", "policy").Logger(),
	}

	policies := BuiltinPolicies()
	if cfg.Path != "" {
		loaded, err := NewLoader(a.logger).Load(cfg.Path)
		if err != nil {
			return nil, err
		}
		policies = append(policies, loaded...)
	}
	if err := a.Load(ctx, policies); err != nil {
		return nil, err
	}
	return a, nil
}

func toInterfaces(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// Load compiles policies and replaces the active set. Nothing changes if any
// policy fails to compile.
func (a *Authorizer) Load(ctx context.Context, policies []Policy) error {
	compiled := make([]*compiledPolicy, 0, len(policies))
	seen := make(map[string]bool, len(policies))
	for i := range policies {
		p := policies[i]
		if seen[p.Name] {
			return fmt.Errorf("policy %s is defined twice", p.Name)
		}
		seen[p.Name] = true

		cp, err := a.compile(ctx, &p)
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled = append(compiled, cp)
	}

	a.mu.Lock()
	a.policies = compiled
	a.mu.Unlock()

	a.logger.Info().Int("count", len(compiled)).Msg("policies loaded")
	return nil
}

func (a *Authorizer) compile(ctx context.Context, p *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Store(a.store),
		rego.Query(module.Package.Path.String()),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}
	return &compiledPolicy{policy: p, query: query}, nil
}

// Evaluate runs every enabled policy against input.
func (a *Authorizer) Evaluate(ctx context.Context, input Input) (*Decision, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if input.Time.IsZero() {
		input.Time = time.Now().UTC()
	}
	doc, err := inputDocument(input)
	if err != nil {
		return nil, err
	}

	decision := &Decision{Allowed: true}
	for _, cp := range a.policies {
		if !cp.policy.Enabled {
			continue
		}
		decision.Policies = append(decision.Policies, cp.policy.Name)

		results, err := cp.query.Eval(ctx, rego.EvalInput(doc))
		if err != nil {
			return nil, fmt.Errorf("policy %s evaluation error: %w", cp.policy.Name, err)
		}
		allowed, reasons := verdict(results)
		if !allowed {
			decision.Allowed = false
			if len(reasons) == 0 {
				reasons = []string{fmt.Sprintf("denied by policy %s", cp.policy.Name)}
			}
			decision.Reasons = append(decision.Reasons, reasons...)
		}
	}
	return decision, nil
}

// inputDocument round-trips input through JSON so the evaluator sees plain
// maps and slices.
func inputDocument(input Input) (map[string]interface{}, error) {
	b, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal policy input: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal policy input: %w", err)
	}
	return doc, nil
}

// verdict reads allow and deny from the evaluated package document. An
// undefined package or allow rule counts as a refusal.
func verdict(results rego.ResultSet) (bool, []string) {
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}
	pkg, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return false, nil
	}

	var reasons []string
	if deny, ok := pkg["deny"].([]interface{}); ok {
		for _, d := range deny {
			reasons = append(reasons, fmt.Sprint(d))
		}
	}
	sort.Strings(reasons)

	allowed, _ := pkg["allow"].(bool)
	return allowed && len(reasons) == 0, reasons
}

// Authorize implements messaging.Authorizer.
func (a *Authorizer) Authorize(ctx context.Context, req messaging.AuthRequest) error {
	input := Input{Subject: req.Subject, Topic: req.Topic, Method: req.Method}
	if len(req.Payload) > 0 {
		var payload interface{}
		if err := json.Unmarshal(req.Payload, &payload); err == nil {
			input.Payload = payload
		}
	}

	decision, err := a.Evaluate(ctx, input)
	if err != nil {
		a.logger.Error().Err(err).Str("method", req.Method).Msg("policy evaluation failed")
		return engine.NewPermanentError("authorization could not be evaluated", err).
			WithCode(engine.ErrCodePermissionDenied).
			WithOperation(req.Method)
	}
	if !decision.Allowed {
		return engine.NewPermanentError(strings.Join(decision.Reasons, "; "), nil).
			WithCode(engine.ErrCodePermissionDenied).
			WithOperation(req.Method).
			WithDetail("subject", req.Subject)
	}
	return nil
}

// Policies returns the active policies in evaluation order.
func (a *Authorizer) Policies() []Policy {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Policy, len(a.policies))
	for i, cp := range a.policies {
		out[i] = *cp.policy
	}
	return out
}

// SetEnabled turns a policy on or off.
func (a *Authorizer) SetEnabled(name string, enabled bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, cp := range a.policies {
		if cp.policy.Name == name {
			cp.policy.Enabled = enabled
			a.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("policy toggled")
			return nil
		}
	}
	return fmt.Errorf("policy not found: %s", name)
}
