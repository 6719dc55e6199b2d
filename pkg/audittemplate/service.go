package audittemplate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/clusterlens/decider/pkg/catalog"
	"github.com/clusterlens/decider/pkg/engine"
	"github.com/clusterlens/decider/pkg/scope"
	"github.com/clusterlens/decider/pkg/stores"
)

// CreateInput is the request to create a template. Goal and Strategy may be
// given by name or UUID.
type CreateInput struct {
	Name        string `json:"name" validate:"required,max=63"`
	Description string `json:"description,omitempty" validate:"max=255"`
	catalog.References
	Scope json.RawMessage `json:"scope,omitempty"`
}

// View is a template with its catalog references spelled out.
type View struct {
	engine.AuditTemplate
	Goal     engine.Goal      `json:"goal"`
	Strategy *engine.Strategy `json:"strategy,omitempty"`
}

// SchemaSource lists the collectors whose fragments make up the scope schema.
type SchemaSource func() []scope.SchemaProvider

// Service composes catalog resolution, scope validation and persistence.
type Service struct {
	store     stores.Store
	catalog   *catalog.Catalog
	resolver  *catalog.Resolver
	scopes    *scope.Validator
	providers SchemaSource
	validate  *validator.Validate
	logger    zerolog.Logger
}

// NewService creates a template service.
func NewService(store stores.Store, cat *catalog.Catalog, scopes *scope.Validator, providers SchemaSource, logger zerolog.Logger) *Service {
	return &Service{
		store:     store,
		catalog:   cat,
		resolver:  catalog.NewResolver(cat),
		scopes:    scopes,
		providers: providers,
		validate:  validator.New(),
		logger:    logger.With().Str("component", "audittemplate").Logger(),
	}
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s failed on %s", strings.ToLower(fe.Field()), fe.Tag()))
		}
		return engine.NewPermanentError("invalid audit template: "+strings.Join(msgs, ", "), err).
			WithCode(engine.ErrCodeValidation)
	}
	return engine.NewPermanentError(err.Error(), err).WithCode(engine.ErrCodeValidation)
}

// checkName rejects names that would read as a uuid or an id.
func checkName(name string) error {
	ident, err := engine.ParseIdentifier(name)
	if err != nil {
		return validationError(err)
	}
	if ident.Kind != engine.IdentifierName {
		return engine.NewPermanentError(fmt.Sprintf("template name %q must not look like a uuid or an id", name), nil).
			WithCode(engine.ErrCodeValidation)
	}
	return nil
}

// Create validates in, resolves its references and stores the template with
// canonical ids and a normalized scope. in.References is rewritten to UUIDs.
func (s *Service) Create(ctx context.Context, in *CreateInput) (*View, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, validationError(err)
	}
	if err := checkName(in.Name); err != nil {
		return nil, err
	}

	refs := in.References
	resolved, err := s.resolver.ResolveReferences(&refs)
	if err != nil {
		return nil, err
	}
	normalized, err := s.scopes.Validate(in.Scope, s.providers())
	if err != nil {
		return nil, err
	}
	in.References = refs
	in.Scope = normalized

	tmpl := &engine.AuditTemplate{
		Name:        in.Name,
		Description: in.Description,
		GoalID:      resolved.Goal.ID,
		Scope:       normalized,
	}
	if resolved.Strategy != nil {
		id := resolved.Strategy.ID
		tmpl.StrategyID = &id
	}
	if err := s.store.CreateAuditTemplate(ctx, tmpl); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("audit_template", tmpl.UUID).
		Str("name", tmpl.Name).
		Str("goal", resolved.Goal.Name).
		Msg("audit template created")

	return &View{AuditTemplate: *tmpl, Goal: resolved.Goal, Strategy: resolved.Strategy}, nil
}

// Get reads a live template by uuid, id or name.
func (s *Service) Get(ctx context.Context, ref string) (*View, error) {
	ident, err := engine.ParseIdentifier(ref)
	if err != nil {
		return nil, err
	}
	tmpl, err := s.store.GetAuditTemplate(ctx, ident, stores.GetOptions{})
	if err != nil {
		return nil, err
	}
	return s.view(*tmpl), nil
}

// ListInput filters template listings. Goal and Strategy accept a name or UUID.
type ListInput struct {
	Goal           string
	Strategy       string
	SortKey        string
	SortDir        stores.SortDir
	Limit          int
	Offset         int
	IncludeDeleted bool
}

// List returns the templates matching in, ordered by id unless a sort key is
// given.
func (s *Service) List(ctx context.Context, in ListInput) ([]View, error) {
	filter := stores.TemplateFilter{
		ListOptions: stores.ListOptions{
			IncludeDeleted: in.IncludeDeleted,
			SortKey:        in.SortKey,
			SortDir:        in.SortDir,
			Limit:          in.Limit,
			Offset:         in.Offset,
		},
	}
	snap := s.catalog.Snapshot()
	if in.Goal != "" {
		ident, err := engine.ParseIdentifier(in.Goal)
		if err != nil {
			return nil, err
		}
		goal, ok := snap.Goal(ident)
		if !ok {
			return nil, engine.NewPermanentError(fmt.Sprintf("goal %s could not be found", in.Goal), nil).
				WithCode(engine.ErrCodeInvalidGoal)
		}
		filter.GoalID = &goal.ID
	}
	if in.Strategy != "" {
		ident, err := engine.ParseIdentifier(in.Strategy)
		if err != nil {
			return nil, err
		}
		strategy, ok := snap.Strategy(ident)
		if !ok {
			return nil, engine.NewPermanentError(fmt.Sprintf("strategy %s could not be found", in.Strategy), nil).
				WithCode(engine.ErrCodeStrategyNotFound)
		}
		filter.StrategyID = &strategy.ID
	}

	rows, err := s.store.ListAuditTemplates(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]View, len(rows))
	for i, r := range rows {
		out[i] = *s.view(r)
	}
	return out, nil
}

// SoftDelete hides a template from default reads. Audits that reference it
// keep working.
func (s *Service) SoftDelete(ctx context.Context, ref string) error {
	v, err := s.Get(ctx, ref)
	if err != nil {
		return err
	}
	now := nowUTC()
	if err := s.store.UpdateAuditTemplate(ctx, v.ID, stores.Changes{"deleted_at": &now}); err != nil {
		return err
	}
	s.logger.Info().Str("audit_template", v.UUID).Msg("audit template deleted")
	return nil
}

// ProviderList adapts collectors into schema providers.
func ProviderList(collectors func() []engine.Collector) SchemaSource {
	return func() []scope.SchemaProvider {
		cs := collectors()
		out := make([]scope.SchemaProvider, len(cs))
		for i, c := range cs {
			out[i] = c
		}
		return out
	}
}

func (s *Service) view(t engine.AuditTemplate) *View {
	snap := s.catalog.Snapshot()
	v := &View{AuditTemplate: t}
	if g, ok := snap.Goal(engine.ByID(t.GoalID)); ok {
		v.Goal = g
	}
	if t.StrategyID != nil {
		if st, ok := snap.Strategy(engine.ByID(*t.StrategyID)); ok {
			v.Strategy = &st
		}
	}
	return v
}
