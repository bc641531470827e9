package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Outcome labels used across instruments.
const (
	OutcomeAuthorized = "authorized"
	OutcomeDenied     = "denied"
	OutcomeError      = "error"
	OutcomeOK         = "ok"
)

var (
	metricsOnce           sync.Once
	metricsInitErr        error
	guardCheckCounter     metric.Int64Counter
	guardLatencyHistogram metric.Float64Histogram
	backendCounter        metric.Int64Counter
	backendLatency        metric.Float64Histogram
	turnCounter           metric.Int64Counter
	turnLatencyHistogram  metric.Float64Histogram
)

// GuardCheckMetrics captures one access check.
type GuardCheckMetrics struct {
	ConversationType string
	Outcome          string
	Duration         time.Duration
}

// RecordGuardCheck emits the guard check counter and latency histogram.
func RecordGuardCheck(ctx context.Context, m GuardCheckMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("guard.conversation_type", m.ConversationType),
		attribute.String("guard.outcome", m.Outcome),
	)
	guardCheckCounter.Add(ctx, 1, attrs)
	if m.Duration > 0 {
		guardLatencyHistogram.Record(ctx, durationMillis(m.Duration), attrs)
	}
}

// BackendMetrics captures one reasoning-engine dispatch.
type BackendMetrics struct {
	Outcome  string
	Status   int
	Duration time.Duration
}

// RecordBackendDispatch emits backend dispatch counters and latency.
func RecordBackendDispatch(ctx context.Context, m BackendMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("backend.outcome", m.Outcome),
		attribute.Int("http.response.status_code", m.Status),
	)
	backendCounter.Add(ctx, 1, attrs)
	if m.Duration > 0 {
		backendLatency.Record(ctx, durationMillis(m.Duration), attrs)
	}
}

// TurnMetrics captures a completed turn.
type TurnMetrics struct {
	State     string
	Rejected  bool
	Citations int
	Duration  time.Duration
}

// RecordTurn emits the per-turn counter and latency.
func RecordTurn(ctx context.Context, m TurnMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("turn.state", m.State),
		attribute.Bool("turn.rejected", m.Rejected),
	)
	turnCounter.Add(ctx, 1, attrs)
	if m.Duration > 0 {
		turnLatencyHistogram.Record(ctx, durationMillis(m.Duration), attrs)
	}
}

func durationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(InstrumentationName)

		guardCheckCounter, metricsInitErr = meter.Int64Counter(
			"safeguard.guard.checks_total",
			metric.WithDescription("Access checks partitioned by conversation type and outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		guardLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"safeguard.guard.duration_ms",
			metric.WithDescription("Observed access check latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		backendCounter, metricsInitErr = meter.Int64Counter(
			"safeguard.backend.dispatches_total",
			metric.WithDescription("Reasoning-engine dispatches partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		backendLatency, metricsInitErr = meter.Float64Histogram(
			"safeguard.backend.duration_ms",
			metric.WithDescription("Observed reasoning-engine latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		turnCounter, metricsInitErr = meter.Int64Counter(
			"safeguard.turns_total",
			metric.WithDescription("Completed turns partitioned by final state"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		turnLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"safeguard.turn.duration_ms",
			metric.WithDescription("End-to-end turn latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}

// RecordSecurityEvent attaches a coarse-grained guard event to the provided span without leaking guarded text.
func RecordSecurityEvent(span trace.Span, blocked bool, reason string, conversationType string) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Bool("security.blocked", blocked),
		attribute.String("guard.conversation_type", conversationType),
	}

	if reason != "" {
		attrs = append(attrs, attribute.String("security.block_reason", reason))
	}

	span.AddEvent("security.event", trace.WithAttributes(attrs...))
}
