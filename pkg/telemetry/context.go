package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the logger, tracer and metrics of one process.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context,
// or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown flushes and stops the tracer. Metrics keep serving until the
// admin endpoint goes away.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.Tracer.Shutdown(ctx)
}

// ControlCall instruments one control method invocation: a span, a logger
// carrying the method and caller, and the call's latency.
type ControlCall struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger

	method  string
	timer   *Timer
	metrics *Metrics
}

// StartControlCall begins a control call. Without telemetry in ctx the call
// still times itself and logs through the context logger.
func StartControlCall(ctx context.Context, method, subject string) *ControlCall {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &ControlCall{
			Ctx:    ctx,
			Span:   trace.SpanFromContext(ctx),
			Logger: FromContext(ctx).WithFields(map[string]interface{}{"method": method, "subject": subject}),
			method: method,
			timer:  NewTimer(),
		}
	}

	spanCtx, span := tel.Tracer.StartControlSpan(ctx, method, subject)
	logger := tel.Logger.NewComponentLogger("control").WithFields(map[string]interface{}{
		"method":  method,
		"subject": subject,
	})
	if id := TraceID(spanCtx); id != "" {
		logger = logger.WithFields(map[string]interface{}{
			"trace_id": id,
			"span_id":  SpanID(spanCtx),
		})
	}

	return &ControlCall{
		Ctx:     logger.WithContext(spanCtx),
		Span:    span,
		Logger:  logger,
		method:  method,
		timer:   NewTimer(),
		metrics: tel.Metrics,
	}
}

// End finishes the call. A nil err counts as success.
func (c *ControlCall) End(err error) {
	elapsed := c.timer.Duration()
	outcome := "ok"
	if err != nil {
		outcome = "error"
		RecordError(c.Span, err)
		c.Logger.WithError(err).WithField("duration_ms", elapsed.Milliseconds()).Warn("control call failed")
	} else {
		RecordSuccess(c.Span)
		c.Logger.WithField("duration_ms", elapsed.Milliseconds()).Debug("control call served")
	}
	c.metrics.RecordControlCall(c.method, outcome, elapsed)
	c.Span.End()
}
