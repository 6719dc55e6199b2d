package audittemplate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/clusterlens/decider/pkg/catalog"
	"github.com/clusterlens/decider/pkg/engine"
	"github.com/clusterlens/decider/pkg/stores"
)

// PatchOp is one JSON-Patch operation. Only add, replace and remove on the
// top-level template fields are supported.
type PatchOp struct {
	Op    string          `json:"op" validate:"required,oneof=add replace remove"`
	Path  string          `json:"path" validate:"required,oneof=/name /description /goal /strategy /scope"`
	Value json.RawMessage `json:"value,omitempty"`
}

var nowUTC = func() time.Time { return time.Now().UTC() }

type draft struct {
	name        string
	description string
	refs        catalog.References
	scope       json.RawMessage

	refsTouched  bool
	scopeTouched bool
}

func (d *draft) apply(op PatchOp) error {
	if op.Op == "remove" {
		switch op.Path {
		case "/goal":
			return engine.NewPermanentError("the goal of an audit template cannot be removed", nil).
				WithCode(engine.ErrCodeOperationNotPermitted)
		case "/name":
			return engine.NewPermanentError("the name of an audit template cannot be removed", nil).
				WithCode(engine.ErrCodeValidation)
		case "/description":
			d.description = ""
		case "/strategy":
			d.refs.Strategy = ""
			d.refsTouched = true
		case "/scope":
			d.scope = json.RawMessage("[]")
			d.scopeTouched = true
		}
		return nil
	}

	if op.Path == "/scope" {
		if len(op.Value) == 0 {
			return engine.NewPermanentError("patch of /scope requires a value", nil).WithCode(engine.ErrCodeValidation)
		}
		d.scope = op.Value
		d.scopeTouched = true
		return nil
	}

	var s string
	if err := json.Unmarshal(op.Value, &s); err != nil {
		return engine.NewPermanentError(fmt.Sprintf("patch of %s requires a string value", op.Path), err).
			WithCode(engine.ErrCodeValidation)
	}
	switch op.Path {
	case "/name":
		d.name = s
	case "/description":
		d.description = s
	case "/goal":
		d.refs.Goal = s
		d.refsTouched = true
	case "/strategy":
		d.refs.Strategy = s
		d.refsTouched = true
	}
	return nil
}

// Patch applies ops to the template ref. Goal and strategy changes are
// re-resolved, scope changes re-validated, and only fields whose value
// actually changed are written.
func (s *Service) Patch(ctx context.Context, ref string, ops []PatchOp) (*View, error) {
	for i := range ops {
		if err := s.validate.Struct(&ops[i]); err != nil {
			return nil, validationError(err)
		}
	}

	current, err := s.Get(ctx, ref)
	if err != nil {
		return nil, err
	}

	d := &draft{
		name:        current.Name,
		description: current.Description,
		refs:        catalog.References{Goal: current.Goal.UUID},
		scope:       current.Scope,
	}
	if current.Strategy != nil {
		d.refs.Strategy = current.Strategy.UUID
	}
	for _, op := range ops {
		if err := d.apply(op); err != nil {
			return nil, err
		}
	}

	changes := stores.Changes{}
	if d.name != current.Name {
		if d.name == "" || len(d.name) > 63 {
			return nil, engine.NewPermanentError("template name must be 1 to 63 characters", nil).
				WithCode(engine.ErrCodeValidation)
		}
		if err := checkName(d.name); err != nil {
			return nil, err
		}
		changes["name"] = d.name
	}
	if d.description != current.Description {
		if len(d.description) > 255 {
			return nil, engine.NewPermanentError("template description must be at most 255 characters", nil).
				WithCode(engine.ErrCodeValidation)
		}
		changes["description"] = d.description
	}

	if d.refsTouched {
		resolved, err := s.resolver.ResolveReferences(&d.refs)
		if err != nil {
			return nil, err
		}
		if resolved.Goal.ID != current.GoalID {
			changes["goal_id"] = resolved.Goal.ID
		}
		var next *int64
		if resolved.Strategy != nil {
			id := resolved.Strategy.ID
			next = &id
		}
		if !sameID(next, current.StrategyID) {
			changes["strategy_id"] = next
		}
	}

	if d.scopeTouched {
		normalized, err := s.scopes.Validate(d.scope, s.providers())
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(normalized, current.Scope) {
			changes["scope"] = normalized
		}
	}

	if len(changes) > 0 {
		if err := s.store.UpdateAuditTemplate(ctx, current.ID, changes); err != nil {
			return nil, err
		}
		s.logger.Info().
			Str("audit_template", current.UUID).
			Strs("fields", changedFields(changes)).
			Msg("audit template patched")
	}
	return s.Get(ctx, current.UUID)
}

func sameID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func changedFields(c stores.Changes) []string {
	out := make([]string, 0, len(c))
	for _, k := range []string{"name", "description", "goal_id", "strategy_id", "scope"} {
		if _, ok := c[k]; ok {
			out = append(out, k)
		}
	}
	return out
}
