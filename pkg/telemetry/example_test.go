package telemetry_test

import (
	"context"
	"fmt"
	"time"

	"github.com/clusterlens/decider/pkg/telemetry"
)

// Example_basicSetup demonstrates basic telemetry setup.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = "1.0.0"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())
	telemetry.FromContext(ctx).Info("decision engine started")

	fmt.Println("telemetry ready")
	// Output: telemetry ready
}

// Example_auditInstrumentation shows the spans and metrics of one audit run.
func Example_auditInstrumentation() {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = "error"

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())
	ctx, span := tel.Tracer.StartAuditSpan(ctx, "5b0b7a52-6e5e-4d0b-9d38-0d8c8f0f4c11", "server_consolidation")
	defer span.End()

	tel.Metrics.RecordAuditStarted("server_consolidation")

	_, strategySpan := tel.Tracer.StartStrategySpan(ctx, "server_consolidation", "basic_consolidation")
	timer := telemetry.NewTimer()
	time.Sleep(5 * time.Millisecond)
	tel.Metrics.RecordStrategy("basic_consolidation", "succeeded", timer.Duration())
	telemetry.RecordSuccess(strategySpan)
	strategySpan.End()

	tel.Metrics.RecordActions(map[string]int{"migrate": 2, "change_nova_service_state": 1})
	tel.Metrics.RecordAuditCompleted("succeeded", timer.Duration())
	telemetry.AddAuditEvent(span, "created", "action plan created")

	fmt.Println("audit instrumented")
	// Output: audit instrumented
}

// Example_controlCall instruments one control method served on the socket.
func Example_controlCall() {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = "error"
	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	call := telemetry.StartControlCall(ctx, "trigger_audit", "operator")
	telemetry.FromContext(call.Ctx).Debug("running audit")
	call.End(nil)

	fmt.Println("control call instrumented")
	// Output: control call instrumented
}

// Example_productionConfiguration demonstrates production-ready configuration.
func Example_productionConfiguration() {
	cfg := telemetry.ProductionConfig()
	cfg.ServiceVersion = "1.2.3"
	cfg.Tracing.Endpoint = "otel-collector.monitoring.svc.cluster.local:4317"
	cfg.Metrics.ListenAddress = ":9464"

	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	fmt.Println("production configuration validated")
	// Output: production configuration validated
}
