package decision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/clusterlens/decider/pkg/catalog"
	"github.com/clusterlens/decider/pkg/collectors"
	"github.com/clusterlens/decider/pkg/engine"
	"github.com/clusterlens/decider/pkg/lifecycle"
	"github.com/clusterlens/decider/pkg/messaging"
	"github.com/clusterlens/decider/pkg/stores"
	"github.com/clusterlens/decider/pkg/strategies"
	"github.com/clusterlens/decider/pkg/telemetry"
)

// DefaultMaxWorkers is the worker budget used when none is configured.
const DefaultMaxWorkers = 2

// Config tunes a Dispatcher.
type Config struct {
	// MaxWorkers bounds concurrent strategy executions.
	MaxWorkers int

	// AdmissionTimeout bounds the wait for a worker slot. Zero leaves the
	// bound to the caller's context.
	AdmissionTimeout time.Duration

	// PublisherID is recorded on persisted events.
	PublisherID string
}

// StatusChannel is the publishing end of the status channel. The
// dispatcher is its only publisher and closes it on shutdown.
type StatusChannel interface {
	engine.StatusPublisher
	Close(ctx context.Context) error
}

// Deps are the collaborators of a Dispatcher. Metrics, Tracer and Planner
// are optional.
type Deps struct {
	Store      stores.Store
	Catalog    *catalog.Catalog
	Collectors *collectors.Registry
	Strategies *strategies.Registry
	Lifecycle  *lifecycle.Manager
	Status     StatusChannel
	Planner    *Planner
	Metrics    *telemetry.Metrics
	Tracer     *telemetry.Tracer
	Logger     zerolog.Logger
}

// RunRequest asks for one audit of a template.
type RunRequest struct {
	// AuditTemplate is the template uuid, id or name.
	AuditTemplate string `json:"audit_template"`

	// Timeout shortens the admission wait below the configured bound.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// RunResult describes a finished audit.
type RunResult struct {
	AuditUUID      string            `json:"audit_uuid"`
	TemplateUUID   string            `json:"audit_template_uuid"`
	Goal           string            `json:"goal"`
	Strategy       string            `json:"strategy"`
	State          engine.AuditState `json:"state"`
	Outcome        engine.EventType  `json:"outcome"`
	ActionPlanUUID string            `json:"action_plan_uuid,omitempty"`
	ActionCount    int               `json:"action_count"`
	Superseded     int               `json:"superseded,omitempty"`
}

// CancelResult reports what a cancel request did.
type CancelResult struct {
	AuditUUID string `json:"audit_uuid"`

	// Dequeued is true when the audit was removed before it started.
	Dequeued bool `json:"dequeued"`

	// Flagged is true when a running audit had its cancel token set.
	Flagged bool `json:"flagged"`
}

// ticket is one admitted request.
type ticket struct {
	audit    *engine.Audit
	token    *engine.CancelToken
	ready    chan struct{}
	dequeued chan struct{}
	granted  bool
	admitted time.Time
}

// run carries what the resolve step found for one request.
type run struct {
	template *engine.AuditTemplate
	goal     engine.Goal
	strategy engine.Strategy
}

// Dispatcher admits audit requests against a fixed worker budget, runs
// their strategies and persists the resulting action plans.
type Dispatcher struct {
	cfg        Config
	store      stores.Store
	resolver   *catalog.Resolver
	collectors *collectors.Registry
	strategies *strategies.Registry
	lifecycle  *lifecycle.Manager
	status     StatusChannel
	planner    *Planner
	metrics    *telemetry.Metrics
	tracer     *telemetry.Tracer
	logger     zerolog.Logger

	// slots holds one token per running execution.
	slots chan struct{}

	mu      sync.Mutex
	queue   []*ticket
	running map[string]*ticket
	closed  bool
	wg      sync.WaitGroup
	control *messaging.Control
}

// New creates a dispatcher.
func New(cfg Config, deps Deps) (*Dispatcher, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("dispatcher requires a store")
	case deps.Catalog == nil:
		return nil, errors.New("dispatcher requires a catalog")
	case deps.Collectors == nil:
		return nil, errors.New("dispatcher requires a collector registry")
	case deps.Strategies == nil:
		return nil, errors.New("dispatcher requires a strategy registry")
	case deps.Lifecycle == nil:
		return nil, errors.New("dispatcher requires a lifecycle manager")
	case deps.Status == nil:
		return nil, errors.New("dispatcher requires a status channel")
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}
	planner := deps.Planner
	if planner == nil {
		planner = NewPlanner(strategies.DefaultWeights)
	}

	return &Dispatcher{
		cfg:        cfg,
		store:      deps.Store,
		resolver:   catalog.NewResolver(deps.Catalog),
		collectors: deps.Collectors,
		strategies: deps.Strategies,
		lifecycle:  deps.Lifecycle,
		status:     deps.Status,
		planner:    planner,
		metrics:    deps.Metrics,
		tracer:     deps.Tracer,
		logger:     deps.Logger.With().Str("component", "dispatcher").Logger(),
		slots:      make(chan struct{}, cfg.MaxWorkers),
		running:    make(map[string]*ticket),
	}, nil
}

// MaxWorkers returns the worker budget.
func (d *Dispatcher) MaxWorkers() int { return cap(d.slots) }

// Run audits the referenced template and returns once the outcome is
// persisted. It blocks while the worker budget is exhausted; when the wait
// outlasts the admission bound it fails with an Overloaded error. A failed
// audit returns both a result describing it and the error.
func (d *Dispatcher) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	r, err := d.resolve(ctx, req.AuditTemplate)
	if err != nil {
		return nil, err
	}

	t, err := d.admit(ctx, r)
	if err != nil {
		return nil, err
	}
	defer d.wg.Done()

	result := &RunResult{
		AuditUUID:    t.audit.UUID,
		TemplateUUID: r.template.UUID,
		Goal:         r.goal.Name,
		Strategy:     r.strategy.Name,
	}
	d.emit(ctx, engine.StatusEvent{Type: engine.EventTypeAuditQueued, AuditUUID: t.audit.UUID, TemplateUUID: r.template.UUID})

	if err := d.acquire(ctx, t, req.Timeout); err != nil {
		return d.abandon(ctx, t, r, result, err)
	}
	defer d.release(t)

	return d.execute(ctx, t, r, result)
}

func (d *Dispatcher) resolve(ctx context.Context, ref string) (*run, error) {
	ident, err := engine.ParseIdentifier(ref)
	if err != nil {
		return nil, err
	}
	tmpl, err := d.store.GetAuditTemplate(ctx, ident, stores.GetOptions{})
	if err != nil {
		return nil, err
	}

	goal, err := d.resolver.ResolveGoal(engine.ByID(tmpl.GoalID))
	if err != nil {
		return nil, err
	}
	var strategy engine.Strategy
	if tmpl.StrategyID != nil {
		strategy, err = d.resolver.ResolveStrategy(engine.ByID(*tmpl.StrategyID), goal)
	} else {
		strategy, err = d.resolver.DefaultStrategy(goal)
	}
	if err != nil {
		return nil, err
	}
	return &run{template: tmpl, goal: goal, strategy: strategy}, nil
}

// admit records the audit and places its ticket at the tail of the queue,
// or grants a slot at once when nobody is waiting.
func (d *Dispatcher) admit(ctx context.Context, r *run) (*ticket, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, engine.Overloaded("dispatcher is shutting down", nil)
	}
	d.wg.Add(1)
	d.mu.Unlock()

	strategyID := r.strategy.ID
	audit := &engine.Audit{
		AuditTemplateID: r.template.ID,
		GoalID:          r.goal.ID,
		StrategyID:      &strategyID,
		State:           engine.AuditStatePending,
		Scope:           r.template.Scope,
	}
	if err := d.store.CreateAudit(ctx, audit); err != nil {
		d.wg.Done()
		return nil, fmt.Errorf("failed to record audit: %w", err)
	}

	t := &ticket{
		audit:    audit,
		token:    engine.NewCancelToken(),
		ready:    make(chan struct{}),
		dequeued: make(chan struct{}),
		admitted: time.Now(),
	}

	d.mu.Lock()
	d.queue = append(d.queue, t)
	d.promoteLocked()
	d.mu.Unlock()
	return t, nil
}

// promoteLocked grants free slots to the head of the queue. d.mu must be held.
func (d *Dispatcher) promoteLocked() {
	for len(d.queue) > 0 {
		select {
		case d.slots <- struct{}{}:
		default:
			d.metrics.SetQueued(len(d.queue))
			return
		}
		head := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		head.granted = true
		d.running[head.audit.UUID] = head
		close(head.ready)
	}
	d.metrics.SetQueued(0)
}

func (d *Dispatcher) acquire(ctx context.Context, t *ticket, timeout time.Duration) error {
	if bound := d.cfg.AdmissionTimeout; bound > 0 && (timeout <= 0 || bound < timeout) {
		timeout = bound
	}
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case <-t.ready:
		d.metrics.ObserveAdmission(time.Since(t.admitted))
		return nil
	case <-t.dequeued:
		return engine.NewPermanentError("audit was cancelled before it started", nil).
			WithCode(engine.ErrCodeCancelled).
			WithResource(t.audit.UUID)
	case <-waitCtx.Done():
	}

	d.mu.Lock()
	switch {
	case t.granted:
		// The slot arrived together with the deadline; hand it on.
		delete(d.running, t.audit.UUID)
		<-d.slots
		d.promoteLocked()
	case !d.removeLocked(t):
		// Cancel took the ticket out first.
		d.mu.Unlock()
		return engine.NewPermanentError("audit was cancelled before it started", nil).
			WithCode(engine.ErrCodeCancelled).
			WithResource(t.audit.UUID)
	}
	d.mu.Unlock()
	return engine.Overloaded(
		fmt.Sprintf("no worker slot freed for audit %s within the deadline (max_workers=%d)", t.audit.UUID, cap(d.slots)),
		waitCtx.Err(),
	).WithResource(t.audit.UUID)
}

func (d *Dispatcher) removeLocked(t *ticket) bool {
	for i, q := range d.queue {
		if q == t {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			d.metrics.SetQueued(len(d.queue))
			return true
		}
	}
	return false
}

func (d *Dispatcher) release(t *ticket) {
	d.mu.Lock()
	delete(d.running, t.audit.UUID)
	<-d.slots
	d.promoteLocked()
	d.mu.Unlock()
}

// abandon finalizes an audit that never acquired a slot.
func (d *Dispatcher) abandon(ctx context.Context, t *ticket, r *run, result *RunResult, cause error) (*RunResult, error) {
	state, outcome := engine.AuditStateFailed, engine.EventTypeAuditFailed
	if errors.Is(cause, engine.ErrCancelled) {
		state, outcome = engine.AuditStateCancelled, engine.EventTypeAuditCancelled
	}
	d.setAuditState(ctx, t.audit, state)
	d.emit(ctx, engine.StatusEvent{
		Type:         outcome,
		AuditUUID:    t.audit.UUID,
		TemplateUUID: r.template.UUID,
		Reason:       cause.Error(),
	})
	d.metrics.RecordError(engine.CodeOf(cause))

	d.logger.Warn().Err(cause).Str("audit", t.audit.UUID).Msg("audit abandoned before start")
	result.State = state
	result.Outcome = outcome
	return result, cause
}

func (d *Dispatcher) execute(ctx context.Context, t *ticket, r *run, result *RunResult) (*RunResult, error) {
	// The outcome must be persisted even if the caller goes away.
	ctx = context.WithoutCancel(ctx)
	timer := telemetry.NewTimer()
	audit := t.audit

	ctx, span := d.tracer.StartAuditSpan(ctx, audit.UUID, r.goal.Name)
	defer span.End()
	span.SetAttributes(telemetry.AttrTemplateUUID.String(r.template.UUID), telemetry.AttrStrategy.String(r.strategy.Name))

	logger := d.logger.With().
		Str("audit", audit.UUID).
		Str("goal", r.goal.Name).
		Str("strategy", r.strategy.Name).
		Logger()

	d.metrics.RecordAuditStarted(r.goal.Name)
	d.setAuditState(ctx, audit, engine.AuditStateOngoing)
	d.emit(ctx, engine.StatusEvent{Type: engine.EventTypeAuditStarted, AuditUUID: audit.UUID, TemplateUUID: r.template.UUID})
	logger.Info().Msg("audit started")

	finish := func(state engine.AuditState, ev engine.StatusEvent, err error) (*RunResult, error) {
		d.setAuditState(ctx, audit, state)
		ev.AuditUUID = audit.UUID
		ev.TemplateUUID = r.template.UUID
		d.emit(ctx, ev)

		outcome := strings.ToLower(string(state))
		d.metrics.RecordAuditCompleted(outcome, timer.Duration())
		telemetry.AddAuditEvent(span, string(ev.Type), ev.Reason)
		if err != nil {
			d.metrics.RecordError(engine.CodeOf(err))
			telemetry.RecordError(span, err)
			logger.Error().Err(err).Str("outcome", string(ev.Type)).Msg("audit did not produce a plan")
		} else {
			telemetry.RecordSuccess(span)
			logger.Info().
				Str("outcome", string(ev.Type)).
				Str("action_plan", ev.ActionPlanUUID).
				Int("actions", ev.ActionCount).
				Dur("duration", timer.Duration()).
				Msg("audit finished")
		}
		result.State = state
		result.Outcome = ev.Type
		return result, err
	}

	actions, err := d.propose(ctx, t, r)
	if t.token.Cancelled() {
		// Cooperative cancel: whatever the strategy returned is dropped.
		cause := engine.NewPermanentError("audit was cancelled while running", err).
			WithCode(engine.ErrCodeCancelled).
			WithResource(audit.UUID)
		return finish(engine.AuditStateCancelled, engine.StatusEvent{Type: engine.EventTypeAuditCancelled, Reason: cause.Error()}, cause)
	}
	if err != nil {
		return finish(engine.AuditStateFailed, engine.StatusEvent{Type: engine.EventTypeAuditFailed, Reason: err.Error()}, err)
	}

	plan := &engine.ActionPlan{AuditID: audit.ID, StrategyID: r.strategy.ID}
	if len(actions) == 0 {
		plan.State = engine.ActionPlanStateSucceeded
	}
	created, _, err := d.lifecycle.CreatePlan(ctx, plan, actions)
	if err != nil {
		err = fmt.Errorf("failed to persist action plan: %w", err)
		return finish(engine.AuditStateFailed, engine.StatusEvent{Type: engine.EventTypeAuditFailed, Reason: err.Error()}, err)
	}
	result.ActionPlanUUID = created.UUID
	result.ActionCount = len(actions)
	span.SetAttributes(telemetry.AttrPlanUUID.String(created.UUID), telemetry.AttrActionCount.Int(len(actions)))

	if len(actions) == 0 {
		return finish(engine.AuditStateSucceeded, engine.StatusEvent{
			Type:           engine.EventTypePlanEmpty,
			ActionPlanUUID: created.UUID,
		}, nil)
	}

	counts := make(map[string]int)
	for _, a := range actions {
		counts[a.ActionType]++
	}
	d.metrics.RecordActions(counts)

	superseded, err := d.lifecycle.SupersedeOthers(ctx, created)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to supersede older plans")
	}
	d.metrics.RecordSuperseded(superseded)
	result.Superseded = superseded

	return finish(engine.AuditStateSucceeded, engine.StatusEvent{
		Type:           engine.EventTypePlanCreated,
		ActionPlanUUID: created.UUID,
		ActionCount:    len(actions),
	}, nil)
}

// propose builds the data model and runs the strategy. Every failure comes
// back as a StrategyExecutionFailed error.
func (d *Dispatcher) propose(ctx context.Context, t *ticket, r *run) ([]*engine.Action, error) {
	plugin, err := d.strategies.Lookup(r.strategy, r.goal)
	if err != nil {
		return nil, engine.StrategyFailed(r.strategy.Name, err)
	}

	cs, err := d.collectors.ForScope(t.audit.Scope)
	if err != nil {
		return nil, engine.StrategyFailed(r.strategy.Name, err)
	}
	names := make([]string, len(cs))
	for i, c := range cs {
		names[i] = c.Name()
	}
	cctx, cspan := d.tracer.StartCollectorSpan(ctx, strings.Join(names, ","))
	model, err := collectors.Build(cctx, cs, t.audit.Scope)
	if err != nil {
		telemetry.RecordError(cspan, err)
		cspan.End()
		return nil, engine.StrategyFailed(r.strategy.Name, err)
	}
	cspan.End()

	sctx, sspan := d.tracer.StartStrategySpan(ctx, r.goal.Name, r.strategy.Name)
	defer sspan.End()
	timer := telemetry.NewTimer()
	proposed, err := safeExecute(sctx, plugin, engine.ExecuteRequest{
		AuditUUID: t.audit.UUID,
		Goal:      r.goal,
		Strategy:  r.strategy,
		Scope:     t.audit.Scope,
		Model:     model,
		Cancel:    t.token,
	})
	if err != nil {
		d.metrics.RecordStrategy(r.strategy.Name, "failed", timer.Duration())
		telemetry.RecordError(sspan, err)
		if engine.CodeOf(err) == engine.ErrCodeStrategyFailed {
			return nil, err
		}
		return nil, engine.StrategyFailed(r.strategy.Name, err)
	}
	d.metrics.RecordStrategy(r.strategy.Name, "succeeded", timer.Duration())
	telemetry.RecordSuccess(sspan)

	return d.planner.Plan(plugin, proposed), nil
}

// safeExecute keeps a panicking strategy from taking the process down.
func safeExecute(ctx context.Context, plugin engine.StrategyPlugin, req engine.ExecuteRequest) (actions []engine.ProposedAction, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy %s panicked: %v", plugin.Name(), r)
		}
	}()
	return plugin.Execute(ctx, req)
}

func (d *Dispatcher) setAuditState(ctx context.Context, audit *engine.Audit, state engine.AuditState) {
	if err := d.store.UpdateAudit(ctx, audit.ID, stores.Changes{"state": string(state)}); err != nil {
		d.logger.Error().Err(err).Str("audit", audit.UUID).Str("state", string(state)).Msg("failed to record audit state")
		return
	}
	audit.State = state
}

// emit persists ev and publishes it. Neither failure aborts the audit.
func (d *Dispatcher) emit(ctx context.Context, ev engine.StatusEvent) {
	ctx = context.WithoutCancel(ctx)
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.PublisherID == "" {
		ev.PublisherID = d.cfg.PublisherID
	}

	record := &stores.Event{
		Type:        ev.Type,
		PublisherID: ev.PublisherID,
		AuditUUID:   ev.AuditUUID,
		Timestamp:   ev.Timestamp,
	}
	if ev.ActionPlanUUID != "" {
		record.ActionPlanUUID = &ev.ActionPlanUUID
	}
	if ev.Reason != "" {
		record.Reason = &ev.Reason
	}
	if err := d.store.AppendEvent(ctx, record); err != nil {
		d.logger.Error().Err(err).Str("audit", ev.AuditUUID).Str("event", string(ev.Type)).Msg("failed to record status event")
	}
	if err := d.status.Publish(ctx, ev); err != nil {
		d.logger.Error().Err(err).Str("audit", ev.AuditUUID).Str("event", string(ev.Type)).Msg("failed to publish status event")
	}
}

// Cancel removes a queued audit before it starts. A running audit only has
// its cooperative cancel token set.
func (d *Dispatcher) Cancel(ctx context.Context, auditUUID string) (*CancelResult, error) {
	ident, err := engine.ParseRecordIdentifier(auditUUID)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	for _, t := range d.queue {
		if t.audit.UUID == ident.Value || t.audit.ID == ident.ID {
			d.removeLocked(t)
			close(t.dequeued)
			d.mu.Unlock()
			d.logger.Info().Str("audit", t.audit.UUID).Msg("queued audit cancelled")
			return &CancelResult{AuditUUID: t.audit.UUID, Dequeued: true}, nil
		}
	}
	for _, t := range d.running {
		if t.audit.UUID == ident.Value || t.audit.ID == ident.ID {
			t.token.Cancel()
			d.mu.Unlock()
			d.logger.Info().Str("audit", t.audit.UUID).Msg("cancel requested for running audit")
			return &CancelResult{AuditUUID: t.audit.UUID, Flagged: true}, nil
		}
	}
	d.mu.Unlock()

	audit, err := d.store.GetAudit(ctx, ident, stores.GetOptions{})
	if err != nil {
		return nil, err
	}
	return nil, engine.NewPermanentError(
		fmt.Sprintf("audit %s is %s and can no longer be cancelled", audit.UUID, audit.State), nil,
	).WithCode(engine.ErrCodeOperationNotPermitted).WithResource(audit.UUID)
}

// AuditStatus is the persisted view of one audit.
type AuditStatus struct {
	Audit       engine.Audit   `json:"audit"`
	Events      []stores.Event `json:"events"`
	ActionPlans []string       `json:"action_plans,omitempty"`

	// QueuePosition is the 1-based place in the admission queue, 0 when the
	// audit is not waiting.
	QueuePosition int `json:"queue_position,omitempty"`
}

// Status reports an audit's state, its event history and its plans.
func (d *Dispatcher) Status(ctx context.Context, auditRef string) (*AuditStatus, error) {
	ident, err := engine.ParseRecordIdentifier(auditRef)
	if err != nil {
		return nil, err
	}
	audit, err := d.store.GetAudit(ctx, ident, stores.GetOptions{})
	if err != nil {
		return nil, err
	}
	events, err := d.store.ListEvents(ctx, audit.UUID, 0)
	if err != nil {
		return nil, err
	}
	auditID := audit.ID
	plans, err := d.store.ListActionPlans(ctx, stores.PlanFilter{AuditID: &auditID})
	if err != nil {
		return nil, err
	}

	st := &AuditStatus{Audit: *audit, Events: events}
	for _, p := range plans {
		st.ActionPlans = append(st.ActionPlans, p.UUID)
	}
	d.mu.Lock()
	for i, t := range d.queue {
		if t.audit.UUID == audit.UUID {
			st.QueuePosition = i + 1
		}
	}
	d.mu.Unlock()
	return st, nil
}

// Load reports the running and queued request counts.
func (d *Dispatcher) Load() (running, queued int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.running), len(d.queue)
}

// Shutdown stops admission, waits for admitted audits to finish, then closes
// the control channel, if registered, and the status channel.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	control := d.control
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("dispatcher did not drain: %w", ctx.Err())
	}

	var errs []error
	if control != nil {
		if err := control.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close control channel: %w", err))
		}
	}
	if err := d.status.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to close status channel: %w", err))
	}
	d.logger.Info().Msg("dispatcher stopped")
	return errors.Join(errs...)
}
