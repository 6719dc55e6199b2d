package stores

import (
	"context"
	"time"

	"github.com/clusterlens/decider/pkg/engine"
)

// SortDir is the direction of a list ordering.
type SortDir string

const (
	SortAsc  SortDir = "asc"
	SortDesc SortDir = "desc"
)

// ListOptions controls visibility and ordering of list queries.
type ListOptions struct {
	// IncludeDeleted also returns soft-deleted rows.
	IncludeDeleted bool

	// SortKey must be a sortable column of the entity. Defaults to id.
	SortKey string

	// SortDir defaults to ascending.
	SortDir SortDir

	// Limit of zero means unbounded.
	Limit  int
	Offset int

	// Eager attaches the owning parent record to each row.
	Eager bool
}

// GetOptions controls a single-record read.
type GetOptions struct {
	IncludeDeleted bool
	Eager          bool
}

// TemplateFilter narrows audit template listings.
type TemplateFilter struct {
	GoalID     *int64
	StrategyID *int64
	Name       string
	ListOptions
}

// AuditFilter narrows audit listings.
type AuditFilter struct {
	AuditTemplateID *int64
	State           engine.AuditState
	ListOptions
}

// PlanFilter narrows action plan listings.
type PlanFilter struct {
	AuditID    *int64
	StrategyID *int64
	State      engine.ActionPlanState
	ListOptions
}

// ActionFilter narrows action listings.
type ActionFilter struct {
	ActionPlanID *int64
	ActionType   string
	State        engine.ActionState
	ListOptions
}

// Changes maps column names to their new values. Only whitelisted columns
// of the target table are accepted.
type Changes map[string]interface{}

// Event is a persisted status event.
type Event struct {
	ID             int64            `db:"id" json:"id"`
	Type           engine.EventType `db:"type" json:"type"`
	PublisherID    string           `db:"publisher_id" json:"publisher_id"`
	AuditUUID      string           `db:"audit_uuid" json:"audit_uuid"`
	ActionPlanUUID *string          `db:"action_plan_uuid" json:"action_plan_uuid,omitempty"`
	Reason         *string          `db:"reason" json:"reason,omitempty"`
	Timestamp      time.Time        `db:"timestamp" json:"timestamp"`
}

// Store defines the interface for the persistence layer.
// Implementations must be safe for concurrent use.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Catalog
	UpsertGoal(ctx context.Context, goal *engine.Goal) error
	UpsertStrategy(ctx context.Context, strategy *engine.Strategy) error
	ListGoals(ctx context.Context) ([]engine.Goal, error)
	ListStrategies(ctx context.Context) ([]engine.Strategy, error)

	// Audit templates
	CreateAuditTemplate(ctx context.Context, tmpl *engine.AuditTemplate) error
	GetAuditTemplate(ctx context.Context, ref engine.Identifier, opts GetOptions) (*engine.AuditTemplate, error)
	ListAuditTemplates(ctx context.Context, filter TemplateFilter) ([]engine.AuditTemplate, error)
	UpdateAuditTemplate(ctx context.Context, id int64, changes Changes) error

	// Audits
	CreateAudit(ctx context.Context, audit *engine.Audit) error
	GetAudit(ctx context.Context, ref engine.Identifier, opts GetOptions) (*engine.Audit, error)
	ListAudits(ctx context.Context, filter AuditFilter) ([]engine.Audit, error)
	UpdateAudit(ctx context.Context, id int64, changes Changes) error

	// Action plans
	CreateActionPlan(ctx context.Context, plan *engine.ActionPlan, actions []*engine.Action) error
	GetActionPlan(ctx context.Context, ref engine.Identifier, opts GetOptions) (*engine.ActionPlan, error)
	ListActionPlans(ctx context.Context, filter PlanFilter) ([]engine.ActionPlan, error)
	UpdateActionPlan(ctx context.Context, id int64, changes Changes) error
	DestroyActionPlan(ctx context.Context, id int64) error

	// Actions
	CreateAction(ctx context.Context, action *engine.Action) error
	GetAction(ctx context.Context, ref engine.Identifier, opts GetOptions) (*engine.Action, error)
	ListActions(ctx context.Context, filter ActionFilter) ([]engine.Action, error)
	UpdateAction(ctx context.Context, id int64, changes Changes) error
	DestroyAction(ctx context.Context, id int64) error

	// Status event log
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, auditUUID string, limit int) ([]Event, error)
}
