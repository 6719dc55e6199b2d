package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "missing service name", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: true},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "otlp without endpoint", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "otlp"
		}, wantErr: true},
		{name: "unknown exporter", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}, wantErr: true},
		{name: "sampling out of range", mutate: func(c *Config) { c.Tracing.SamplingRate = 1.5 }, wantErr: true},
		{name: "metrics without address", mutate: func(c *Config) { c.Metrics.ListenAddress = "" }, wantErr: true},
		{name: "metrics disabled without address", mutate: func(c *Config) {
			c.Metrics.Enabled = false
			c.Metrics.ListenAddress = ""
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig().Logging
	cfg.Format = "json"
	cfg.Level = "debug"

	logger := NewLoggerTo(&buf, cfg).
		NewComponentLogger("dispatcher").
		WithAudit("a-1").
		WithStrategy("dummy", "dummy")
	logger.WithError(errors.New("boom")).Error("strategy failed")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("failed to decode log line %q: %v", buf.String(), err)
	}
	want := map[string]string{
		"component": "dispatcher",
		"audit":     "a-1",
		"goal":      "dummy",
		"strategy":  "dummy",
		"error":     "boom",
		"level":     "error",
		"message":   "strategy failed",
	}
	for k, v := range want {
		if line[k] != v {
			t.Errorf("field %s = %v, want %s", k, line[k], v)
		}
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig().Logging
	cfg.Format = "json"
	cfg.Level = "warn"

	logger := NewLoggerTo(&buf, cfg)
	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info line written at warn level: %s", buf.String())
	}
	logger.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("warn line missing: %s", buf.String())
	}
}

func TestFromContextDefaultsToNop(t *testing.T) {
	logger := FromContext(context.Background())
	if logger == nil {
		t.Fatal("expected a logger")
	}
	logger.Info("discarded")
}

func TestNilMetricsIgnoreCalls(t *testing.T) {
	var m *Metrics
	m.RecordAuditStarted("dummy")
	m.RecordAuditCompleted("succeeded", time.Second)
	m.RecordStrategy("dummy", "succeeded", time.Second)
	m.RecordActions(map[string]int{"nop": 1})
	m.RecordSuperseded(1)
	m.RecordError("STRATEGY_FAILED")
	m.SetQueued(3)
	m.ObserveAdmission(time.Second)
	m.RecordControlCall("trigger_audit", "ok", time.Second)
	if m.Registry() != nil {
		t.Fatal("expected nil registry")
	}

	disabled, err := NewMetrics(MetricsConfig{})
	if err != nil {
		t.Fatalf("failed to create disabled metrics: %v", err)
	}
	disabled.RecordAuditStarted("dummy")
	if disabled.Registry() != nil {
		t.Fatal("disabled metrics should not own a registry")
	}
}

func scrape(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + path)
	if err != nil {
		t.Fatalf("failed to GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestAdminRouterMetrics(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.RecordAuditStarted("server_consolidation")
	m.RecordStrategy("basic_consolidation", "succeeded", 20*time.Millisecond)
	m.RecordActions(map[string]int{"migrate": 3})
	m.RecordSuperseded(2)
	m.SetQueued(4)
	m.RecordAuditCompleted("succeeded", 30*time.Millisecond)

	code, body := scrape(t, NewAdminRouter(m, nil), "/metrics")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	for _, want := range []string{
		`decider_audits_started_total{goal="server_consolidation"} 1`,
		`decider_audits_completed_total{outcome="succeeded"} 1`,
		`decider_actions_proposed_total{action_type="migrate"} 3`,
		`decider_action_plans_superseded_total 2`,
		`decider_queued_requests 4`,
		`decider_active_workers 0`,
		`decider_strategy_duration_seconds_count{outcome="succeeded",strategy="basic_consolidation"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestAdminRouterHealth(t *testing.T) {
	healthy := map[string]HealthCheck{
		"store": func(context.Context) error { return nil },
	}
	code, body := scrape(t, NewAdminRouter(nil, healthy), "/healthz")
	if code != http.StatusOK {
		t.Fatalf("status = %d, body %s", code, body)
	}

	unhealthy := map[string]HealthCheck{
		"store":   func(context.Context) error { return nil },
		"catalog": func(context.Context) error { return errors.New("not synced") },
	}
	code, body = scrape(t, NewAdminRouter(nil, unhealthy), "/healthz")
	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	var report map[string]string
	if err := json.Unmarshal([]byte(body), &report); err != nil {
		t.Fatalf("failed to decode health report: %v", err)
	}
	if report["catalog"] != "not synced" || report["store"] != "ok" {
		t.Fatalf("unexpected report: %v", report)
	}

	code, _ = scrape(t, NewAdminRouter(nil, nil), "/metrics")
	if code != http.StatusNotFound {
		t.Fatalf("metrics without registry = %d, want 404", code)
	}
}

func TestTracerDisabledSpans(t *testing.T) {
	tracer, err := NewTracer(TracingConfig{}, "decider", "test", "test")
	if err != nil {
		t.Fatalf("failed to create tracer: %v", err)
	}
	defer tracer.Shutdown(context.Background())

	ctx, span := tracer.StartAuditSpan(context.Background(), "a-1", "dummy")
	_, child := tracer.StartStrategySpan(ctx, "dummy", "dummy")
	RecordError(child, errors.New("boom"))
	child.End()
	RecordSuccess(span)
	span.End()

	var nilTracer *Tracer
	ctx2, s := nilTracer.StartSpan(context.Background(), "noop")
	if ctx2 == nil || s == nil {
		t.Fatal("nil tracer should return the incoming span")
	}
	if err := nilTracer.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil tracer shutdown: %v", err)
	}
}

func TestStartControlCall(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Logging.Format = "json"
	cfg.Logging.Level = "debug"

	tracer, err := NewTracer(TracingConfig{}, "decider", "test", "test")
	if err != nil {
		t.Fatalf("failed to create tracer: %v", err)
	}
	defer tracer.Shutdown(context.Background())
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	tel := &Telemetry{Logger: NewLoggerTo(&buf, cfg.Logging), Tracer: tracer, Metrics: metrics, Config: cfg}
	ctx := tel.WithContext(context.Background())

	call := StartControlCall(ctx, "trigger_audit", "alice")
	FromContext(call.Ctx).Info("running audit")
	call.End(nil)

	denied := StartControlCall(ctx, "cancel_audit", "mallory")
	denied.End(errors.New("audit already finished"))

	out := buf.String()
	for _, want := range []string{`"component":"control"`, `"method":"trigger_audit"`, `"subject":"alice"`, "running audit", "control call failed"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s: %s", want, out)
		}
	}

	_, body := scrape(t, NewAdminRouter(metrics, nil), "/metrics")
	for _, want := range []string{
		`decider_control_calls_total{method="trigger_audit",outcome="ok"} 1`,
		`decider_control_calls_total{method="cancel_audit",outcome="error"} 1`,
		`decider_control_call_duration_seconds_count{method="trigger_audit"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}

	bare := StartControlCall(context.Background(), "audit_status", "bob")
	if bare.Ctx == nil || bare.Span == nil || bare.Logger == nil {
		t.Fatalf("expected a usable call without telemetry, got %+v", bare)
	}
	bare.End(nil)
}
