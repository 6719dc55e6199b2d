package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/clusterlens/decider/pkg/engine"
)

var (
	templateColumns = "id, uuid, name, description, goal_id, strategy_id, scope, created_at, updated_at, deleted_at"
	auditColumns    = "id, uuid, audit_template_id, goal_id, strategy_id, state, scope, created_at, updated_at, deleted_at"
	planColumns     = "id, uuid, audit_id, strategy_id, state, global_efficacy, created_at, updated_at, deleted_at"
	actionColumns   = "id, uuid, action_plan_id, action_type, input_parameters, state, parents, created_at, updated_at, deleted_at"

	templateSortable = map[string]bool{"id": true, "uuid": true, "name": true, "goal_id": true, "strategy_id": true, "created_at": true, "updated_at": true}
	auditSortable    = map[string]bool{"id": true, "uuid": true, "state": true, "created_at": true, "updated_at": true}
	planSortable     = map[string]bool{"id": true, "uuid": true, "audit_id": true, "state": true, "created_at": true, "updated_at": true}
	actionSortable   = map[string]bool{"id": true, "uuid": true, "action_plan_id": true, "action_type": true, "state": true, "created_at": true, "updated_at": true}

	templateUpdatable = map[string]bool{"name": true, "description": true, "goal_id": true, "strategy_id": true, "scope": true, "deleted_at": true, "updated_at": true}
	auditUpdatable    = map[string]bool{"state": true, "strategy_id": true, "deleted_at": true, "updated_at": true}
	planUpdatable     = map[string]bool{"state": true, "global_efficacy": true, "deleted_at": true, "updated_at": true}
	actionUpdatable   = map[string]bool{"state": true, "action_type": true, "input_parameters": true, "parents": true, "deleted_at": true, "updated_at": true}
)

type templateRow struct {
	ID          int64      `db:"id"`
	UUID        string     `db:"uuid"`
	Name        string     `db:"name"`
	Description string     `db:"description"`
	GoalID      int64      `db:"goal_id"`
	StrategyID  *int64     `db:"strategy_id"`
	Scope       string     `db:"scope"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   *time.Time `db:"updated_at"`
	DeletedAt   *time.Time `db:"deleted_at"`
}

func (r templateRow) toEngine() engine.AuditTemplate {
	return engine.AuditTemplate{
		ID:          r.ID,
		UUID:        r.UUID,
		Name:        r.Name,
		Description: r.Description,
		GoalID:      r.GoalID,
		StrategyID:  r.StrategyID,
		Scope:       json.RawMessage(r.Scope),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		DeletedAt:   r.DeletedAt,
	}
}

type auditRow struct {
	ID              int64      `db:"id"`
	UUID            string     `db:"uuid"`
	AuditTemplateID int64      `db:"audit_template_id"`
	GoalID          int64      `db:"goal_id"`
	StrategyID      *int64     `db:"strategy_id"`
	State           string     `db:"state"`
	Scope           string     `db:"scope"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       *time.Time `db:"updated_at"`
	DeletedAt       *time.Time `db:"deleted_at"`
}

func (r auditRow) toEngine() engine.Audit {
	return engine.Audit{
		ID:              r.ID,
		UUID:            r.UUID,
		AuditTemplateID: r.AuditTemplateID,
		GoalID:          r.GoalID,
		StrategyID:      r.StrategyID,
		State:           engine.AuditState(r.State),
		Scope:           json.RawMessage(r.Scope),
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		DeletedAt:       r.DeletedAt,
	}
}

type planRow struct {
	ID             int64          `db:"id"`
	UUID           string         `db:"uuid"`
	AuditID        int64          `db:"audit_id"`
	StrategyID     int64          `db:"strategy_id"`
	State          string         `db:"state"`
	GlobalEfficacy sql.NullString `db:"global_efficacy"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      *time.Time     `db:"updated_at"`
	DeletedAt      *time.Time     `db:"deleted_at"`
}

func (r planRow) toEngine() engine.ActionPlan {
	p := engine.ActionPlan{
		ID:         r.ID,
		UUID:       r.UUID,
		AuditID:    r.AuditID,
		StrategyID: r.StrategyID,
		State:      engine.ActionPlanState(r.State),
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
		DeletedAt:  r.DeletedAt,
	}
	if r.GlobalEfficacy.Valid {
		p.GlobalEfficacy = json.RawMessage(r.GlobalEfficacy.String)
	}
	return p
}

type actionRow struct {
	ID              int64      `db:"id"`
	UUID            string     `db:"uuid"`
	ActionPlanID    int64      `db:"action_plan_id"`
	ActionType      string     `db:"action_type"`
	InputParameters string     `db:"input_parameters"`
	State           string     `db:"state"`
	Parents         string     `db:"parents"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       *time.Time `db:"updated_at"`
	DeletedAt       *time.Time `db:"deleted_at"`
}

func (r actionRow) toEngine() (engine.Action, error) {
	a := engine.Action{
		ID:           r.ID,
		UUID:         r.UUID,
		ActionPlanID: r.ActionPlanID,
		ActionType:   r.ActionType,
		State:        engine.ActionState(r.State),
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		DeletedAt:    r.DeletedAt,
	}
	if r.InputParameters != "" {
		if err := json.Unmarshal([]byte(r.InputParameters), &a.InputParameters); err != nil {
			return a, fmt.Errorf("failed to decode input parameters of action %s: %w", r.UUID, err)
		}
	}
	if r.Parents != "" {
		if err := json.Unmarshal([]byte(r.Parents), &a.Parents); err != nil {
			return a, fmt.Errorf("failed to decode parents of action %s: %w", r.UUID, err)
		}
	}
	return a, nil
}

// liveClause appends the soft-delete predicate unless deleted rows are requested.
func liveClause(conds []string, includeDeleted bool) []string {
	if includeDeleted {
		return conds
	}
	return append(conds, "deleted_at IS NULL")
}

func whereSQL(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func getRow(ctx context.Context, db dbInterface, dest interface{}, kind, table, columns string, ref engine.Identifier, named, includeDeleted bool) error {
	pred, arg, err := whereIdentity(kind, ref, named)
	if err != nil {
		return err
	}
	conds := liveClause([]string{pred}, includeDeleted)
	query := fmt.Sprintf("SELECT %s FROM %s%s", columns, table, whereSQL(conds))
	err = db.GetContext(ctx, dest, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.NotFound(kind, ref.Value)
	}
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", kind, err)
	}
	return nil
}

// ============================================
// Audit templates
// ============================================

// CreateAuditTemplate inserts a template and sets its id.
func (s *SQLiteStore) CreateAuditTemplate(ctx context.Context, tmpl *engine.AuditTemplate) error {
	if tmpl.UUID == "" {
		tmpl.UUID = engine.NewUUID()
	}
	if tmpl.CreatedAt.IsZero() {
		tmpl.CreatedAt = time.Now().UTC()
	}
	scope := string(tmpl.Scope)
	if scope == "" {
		scope = "[]"
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_templates (uuid, name, description, goal_id, strategy_id, scope, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, tmpl.UUID, tmpl.Name, tmpl.Description, tmpl.GoalID, tmpl.StrategyID, scope, tmpl.CreatedAt)
	if err != nil {
		return wrapWriteError("audit template", tmpl.UUID, err)
	}
	tmpl.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read audit template id: %w", err)
	}
	return nil
}

// GetAuditTemplate retrieves a template by id, uuid or name.
func (s *SQLiteStore) GetAuditTemplate(ctx context.Context, ref engine.Identifier, opts GetOptions) (*engine.AuditTemplate, error) {
	var row templateRow
	if err := getRow(ctx, s.db, &row, "audit template", "audit_templates", templateColumns, ref, true, opts.IncludeDeleted); err != nil {
		return nil, err
	}
	t := row.toEngine()
	return &t, nil
}

// ListAuditTemplates returns templates matching filter.
func (s *SQLiteStore) ListAuditTemplates(ctx context.Context, filter TemplateFilter) ([]engine.AuditTemplate, error) {
	var conds []string
	var args []interface{}
	if filter.GoalID != nil {
		conds = append(conds, "goal_id = ?")
		args = append(args, *filter.GoalID)
	}
	if filter.StrategyID != nil {
		conds = append(conds, "strategy_id = ?")
		args = append(args, *filter.StrategyID)
	}
	if filter.Name != "" {
		conds = append(conds, "name = ?")
		args = append(args, filter.Name)
	}
	conds = liveClause(conds, filter.IncludeDeleted)

	order, err := orderClause(filter.ListOptions, templateSortable)
	if err != nil {
		return nil, err
	}

	var rows []templateRow
	query := fmt.Sprintf("SELECT %s FROM audit_templates%s%s", templateColumns, whereSQL(conds), order)
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list audit templates: %w", err)
	}

	out := make([]engine.AuditTemplate, len(rows))
	for i, r := range rows {
		out[i] = r.toEngine()
	}
	return out, nil
}

// UpdateAuditTemplate applies changes to a template.
func (s *SQLiteStore) UpdateAuditTemplate(ctx context.Context, id int64, changes Changes) error {
	return update(ctx, s.db, "audit template", "audit_templates", templateUpdatable, id, changes)
}

// ============================================
// Audits
// ============================================

// CreateAudit inserts an audit and sets its id.
func (s *SQLiteStore) CreateAudit(ctx context.Context, audit *engine.Audit) error {
	if audit.UUID == "" {
		audit.UUID = engine.NewUUID()
	}
	if audit.CreatedAt.IsZero() {
		audit.CreatedAt = time.Now().UTC()
	}
	if audit.State == "" {
		audit.State = engine.AuditStatePending
	}
	scope := string(audit.Scope)
	if scope == "" {
		scope = "[]"
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO audits (uuid, audit_template_id, goal_id, strategy_id, state, scope, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, audit.UUID, audit.AuditTemplateID, audit.GoalID, audit.StrategyID, string(audit.State), scope, audit.CreatedAt)
	if err != nil {
		return wrapWriteError("audit", audit.UUID, err)
	}
	audit.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read audit id: %w", err)
	}
	return nil
}

// GetAudit retrieves an audit by id or uuid.
func (s *SQLiteStore) GetAudit(ctx context.Context, ref engine.Identifier, opts GetOptions) (*engine.Audit, error) {
	return getAudit(ctx, s.db, ref, opts.IncludeDeleted)
}

func getAudit(ctx context.Context, db dbInterface, ref engine.Identifier, includeDeleted bool) (*engine.Audit, error) {
	var row auditRow
	if err := getRow(ctx, db, &row, "audit", "audits", auditColumns, ref, false, includeDeleted); err != nil {
		return nil, err
	}
	a := row.toEngine()
	return &a, nil
}

// ListAudits returns audits matching filter.
func (s *SQLiteStore) ListAudits(ctx context.Context, filter AuditFilter) ([]engine.Audit, error) {
	var conds []string
	var args []interface{}
	if filter.AuditTemplateID != nil {
		conds = append(conds, "audit_template_id = ?")
		args = append(args, *filter.AuditTemplateID)
	}
	if filter.State != "" {
		conds = append(conds, "state = ?")
		args = append(args, string(filter.State))
	}
	conds = liveClause(conds, filter.IncludeDeleted)

	order, err := orderClause(filter.ListOptions, auditSortable)
	if err != nil {
		return nil, err
	}

	var rows []auditRow
	query := fmt.Sprintf("SELECT %s FROM audits%s%s", auditColumns, whereSQL(conds), order)
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list audits: %w", err)
	}

	out := make([]engine.Audit, len(rows))
	for i, r := range rows {
		out[i] = r.toEngine()
	}
	return out, nil
}

// UpdateAudit applies changes to an audit.
func (s *SQLiteStore) UpdateAudit(ctx context.Context, id int64, changes Changes) error {
	return update(ctx, s.db, "audit", "audits", auditUpdatable, id, changes)
}

// ============================================
// Action plans
// ============================================

// CreateActionPlan persists a plan and all of its actions in one transaction.
// Either every row is written or none is.
func (s *SQLiteStore) CreateActionPlan(ctx context.Context, plan *engine.ActionPlan, actions []*engine.Action) error {
	now := time.Now().UTC()
	if plan.UUID == "" {
		plan.UUID = engine.NewUUID()
	}
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = now
	}
	if plan.State == "" {
		plan.State = engine.ActionPlanStateRecommended
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		efficacy, err := columnValue(plan.GlobalEfficacy)
		if err != nil {
			return fmt.Errorf("failed to encode global efficacy: %w", err)
		}
		result, err := tx.ExecContext(ctx, `
			INSERT INTO action_plans (uuid, audit_id, strategy_id, state, global_efficacy, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, plan.UUID, plan.AuditID, plan.StrategyID, string(plan.State), efficacy, plan.CreatedAt)
		if err != nil {
			return wrapWriteError("action plan", plan.UUID, err)
		}
		if plan.ID, err = result.LastInsertId(); err != nil {
			return fmt.Errorf("failed to read action plan id: %w", err)
		}

		for _, action := range actions {
			action.ActionPlanID = plan.ID
			if action.CreatedAt.IsZero() {
				action.CreatedAt = now
			}
			if err := createAction(ctx, tx, action); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetActionPlan retrieves a plan by id or uuid, attaching its audit when eager.
func (s *SQLiteStore) GetActionPlan(ctx context.Context, ref engine.Identifier, opts GetOptions) (*engine.ActionPlan, error) {
	var plan *engine.ActionPlan
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		plan, err = getActionPlan(ctx, tx, ref, opts)
		return err
	})
	return plan, err
}

func getActionPlan(ctx context.Context, db dbInterface, ref engine.Identifier, opts GetOptions) (*engine.ActionPlan, error) {
	var row planRow
	if err := getRow(ctx, db, &row, "action plan", "action_plans", planColumns, ref, false, opts.IncludeDeleted); err != nil {
		return nil, err
	}
	p := row.toEngine()
	if opts.Eager {
		audit, err := getAudit(ctx, db, engine.ByID(p.AuditID), true)
		if err != nil {
			return nil, fmt.Errorf("failed to load audit of action plan %s: %w", p.UUID, err)
		}
		p.Audit = audit
	}
	return &p, nil
}

// ListActionPlans returns plans matching filter.
func (s *SQLiteStore) ListActionPlans(ctx context.Context, filter PlanFilter) ([]engine.ActionPlan, error) {
	var conds []string
	var args []interface{}
	if filter.AuditID != nil {
		conds = append(conds, "audit_id = ?")
		args = append(args, *filter.AuditID)
	}
	if filter.StrategyID != nil {
		conds = append(conds, "strategy_id = ?")
		args = append(args, *filter.StrategyID)
	}
	if filter.State != "" {
		conds = append(conds, "state = ?")
		args = append(args, string(filter.State))
	}
	conds = liveClause(conds, filter.IncludeDeleted)

	order, err := orderClause(filter.ListOptions, planSortable)
	if err != nil {
		return nil, err
	}

	var out []engine.ActionPlan
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		var rows []planRow
		query := fmt.Sprintf("SELECT %s FROM action_plans%s%s", planColumns, whereSQL(conds), order)
		if err := tx.SelectContext(ctx, &rows, query, args...); err != nil {
			return fmt.Errorf("failed to list action plans: %w", err)
		}
		audits := make(map[int64]*engine.Audit)
		out = make([]engine.ActionPlan, len(rows))
		for i, r := range rows {
			out[i] = r.toEngine()
			if !filter.Eager {
				continue
			}
			audit, ok := audits[r.AuditID]
			if !ok {
				if audit, err = getAudit(ctx, tx, engine.ByID(r.AuditID), true); err != nil {
					return fmt.Errorf("failed to load audit of action plan %s: %w", r.UUID, err)
				}
				audits[r.AuditID] = audit
			}
			out[i].Audit = audit
		}
		return nil
	})
	return out, err
}

// UpdateActionPlan applies changes to a plan.
func (s *SQLiteStore) UpdateActionPlan(ctx context.Context, id int64, changes Changes) error {
	return update(ctx, s.db, "action plan", "action_plans", planUpdatable, id, changes)
}

// DestroyActionPlan physically removes a plan and, by cascade, its actions.
func (s *SQLiteStore) DestroyActionPlan(ctx context.Context, id int64) error {
	return destroy(ctx, s.db, "action plan", "action_plans", id)
}

// ============================================
// Actions
// ============================================

func createAction(ctx context.Context, db dbInterface, action *engine.Action) error {
	if action.UUID == "" {
		action.UUID = engine.NewUUID()
	}
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now().UTC()
	}
	if action.State == "" {
		action.State = engine.ActionStatePending
	}
	params := action.InputParameters
	if params == nil {
		params = map[string]interface{}{}
	}
	parents := action.Parents
	if parents == nil {
		parents = []string{}
	}
	paramsJSON, err := columnValue(params)
	if err != nil {
		return fmt.Errorf("failed to encode input parameters: %w", err)
	}
	parentsJSON, err := columnValue(parents)
	if err != nil {
		return fmt.Errorf("failed to encode parents: %w", err)
	}

	result, err := db.ExecContext(ctx, `
		INSERT INTO actions (uuid, action_plan_id, action_type, input_parameters, state, parents, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, action.UUID, action.ActionPlanID, action.ActionType, paramsJSON, string(action.State), parentsJSON, action.CreatedAt)
	if err != nil {
		return wrapWriteError("action", action.UUID, err)
	}
	if action.ID, err = result.LastInsertId(); err != nil {
		return fmt.Errorf("failed to read action id: %w", err)
	}
	return nil
}

// CreateAction inserts a single action into an existing plan.
func (s *SQLiteStore) CreateAction(ctx context.Context, action *engine.Action) error {
	return createAction(ctx, s.db, action)
}

// GetAction retrieves an action by id or uuid, attaching its plan when eager.
func (s *SQLiteStore) GetAction(ctx context.Context, ref engine.Identifier, opts GetOptions) (*engine.Action, error) {
	var action *engine.Action
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var row actionRow
		if err := getRow(ctx, tx, &row, "action", "actions", actionColumns, ref, false, opts.IncludeDeleted); err != nil {
			return err
		}
		a, err := row.toEngine()
		if err != nil {
			return err
		}
		if opts.Eager {
			plan, err := getActionPlan(ctx, tx, engine.ByID(a.ActionPlanID), GetOptions{IncludeDeleted: true})
			if err != nil {
				return fmt.Errorf("failed to load action plan of action %s: %w", a.UUID, err)
			}
			a.ActionPlan = plan
		}
		action = &a
		return nil
	})
	return action, err
}

// ListActions returns actions matching filter.
func (s *SQLiteStore) ListActions(ctx context.Context, filter ActionFilter) ([]engine.Action, error) {
	var conds []string
	var args []interface{}
	if filter.ActionPlanID != nil {
		conds = append(conds, "action_plan_id = ?")
		args = append(args, *filter.ActionPlanID)
	}
	if filter.ActionType != "" {
		conds = append(conds, "action_type = ?")
		args = append(args, filter.ActionType)
	}
	if filter.State != "" {
		conds = append(conds, "state = ?")
		args = append(args, string(filter.State))
	}
	conds = liveClause(conds, filter.IncludeDeleted)

	order, err := orderClause(filter.ListOptions, actionSortable)
	if err != nil {
		return nil, err
	}

	var out []engine.Action
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		var rows []actionRow
		query := fmt.Sprintf("SELECT %s FROM actions%s%s", actionColumns, whereSQL(conds), order)
		if err := tx.SelectContext(ctx, &rows, query, args...); err != nil {
			return fmt.Errorf("failed to list actions: %w", err)
		}
		plans := make(map[int64]*engine.ActionPlan)
		out = make([]engine.Action, len(rows))
		for i, r := range rows {
			a, err := r.toEngine()
			if err != nil {
				return err
			}
			if filter.Eager {
				plan, ok := plans[r.ActionPlanID]
				if !ok {
					if plan, err = getActionPlan(ctx, tx, engine.ByID(r.ActionPlanID), GetOptions{IncludeDeleted: true}); err != nil {
						return fmt.Errorf("failed to load action plan of action %s: %w", r.UUID, err)
					}
					plans[r.ActionPlanID] = plan
				}
				a.ActionPlan = plan
			}
			out[i] = a
		}
		return nil
	})
	return out, err
}

// UpdateAction applies changes to an action.
func (s *SQLiteStore) UpdateAction(ctx context.Context, id int64, changes Changes) error {
	return update(ctx, s.db, "action", "actions", actionUpdatable, id, changes)
}

// DestroyAction physically removes an action.
func (s *SQLiteStore) DestroyAction(ctx context.Context, id int64) error {
	return destroy(ctx, s.db, "action", "actions", id)
}

// ============================================
// Events
// ============================================

// AppendEvent appends a status event to the log.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	result, err := s.db.NamedExecContext(ctx, `
		INSERT INTO events (type, publisher_id, audit_uuid, action_plan_uuid, reason, timestamp)
		VALUES (:type, :publisher_id, :audit_uuid, :action_plan_uuid, :reason, :timestamp)
	`, event)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	if event.ID, err = result.LastInsertId(); err != nil {
		return fmt.Errorf("failed to read event id: %w", err)
	}
	return nil
}

// ListEvents returns the events of one audit in insertion order.
func (s *SQLiteStore) ListEvents(ctx context.Context, auditUUID string, limit int) ([]Event, error) {
	query := "SELECT id, type, publisher_id, audit_uuid, action_plan_uuid, reason, timestamp FROM events WHERE audit_uuid = ? ORDER BY id"
	args := []interface{}{auditUUID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	var events []Event
	if err := s.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return events, nil
}
