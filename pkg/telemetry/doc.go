// Package telemetry provides logging, tracing and metrics for the decision
// engine.
//
// Logging is zerolog, tracing is OpenTelemetry with OTLP/gRPC or stdout
// exporters, and metrics are Prometheus collectors on a private registry.
// Initialize everything at startup:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	ctx = tel.WithContext(ctx)
//
// # Logging
//
//	logger := tel.Logger.NewComponentLogger("dispatcher")
//	logger.WithAudit(auditUUID).WithStrategy(goal, strategy).Info("strategy started")
//
// # Tracing
//
// An audit run produces one audit.run span with child spans for the data
// model build and the strategy:
//
//	ctx, span := tel.Tracer.StartAuditSpan(ctx, auditUUID, goal)
//	defer span.End()
//
// Every control call served on the socket gets its own control.<method>
// span through StartControlCall.
//
// # Metrics
//
// A nil or disabled *Metrics ignores every call, so callers never check.
// NewAdminRouter serves the registry next to a /healthz endpoint:
//
//	router := telemetry.NewAdminRouter(tel.Metrics, map[string]telemetry.HealthCheck{
//	    "store": storeReady,
//	})
//	go telemetry.ServeAdmin(ctx, cfg.Metrics.ListenAddress, router, logger.Zerolog())
//
// Exposed series:
//
//   - decider_audits_started_total{goal}
//   - decider_audits_completed_total{outcome}
//   - decider_audit_duration_seconds{outcome}
//   - decider_strategy_duration_seconds{strategy,outcome}
//   - decider_actions_proposed_total{action_type}
//   - decider_action_plans_superseded_total
//   - decider_errors_by_code_total{code}
//   - decider_active_workers
//   - decider_queued_requests
//   - decider_admission_wait_seconds
//   - decider_control_calls_total{method,outcome}
//   - decider_control_call_duration_seconds{method}
package telemetry
