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

var (
	metricsOnce       sync.Once
	metricsInitErr    error
	decisionCounter   metric.Int64Counter
	decisionHistogram metric.Float64Histogram
	initCounter       metric.Int64Counter
)

// DecisionMetrics captures the fields recorded for a single decision call.
type DecisionMetrics struct {
	Method   string
	Result   string
	Requests int
	Duration time.Duration
}

// RecordDecision emits OpenTelemetry counters and histograms for a decision.
func RecordDecision(ctx context.Context, m DecisionMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("authz.method", m.Method),
		attribute.String("authz.result", m.Result),
	}

	decisionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if m.Duration > 0 {
		decisionHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond),
			metric.WithAttributes(attribute.String("authz.method", m.Method)))
	}
}

// RecordInit emits an OpenTelemetry counter for an Init attempt.
func RecordInit(ctx context.Context, status string) {
	if err := ensureMetrics(); err != nil {
		return
	}
	initCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("authz.init.status", status)))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("polis.authz")

		decisionCounter, metricsInitErr = meter.Int64Counter(
			"authz.decisions_total",
			metric.WithDescription("Authorization decisions partitioned by method and result"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		decisionHistogram, metricsInitErr = meter.Float64Histogram(
			"authz.decision.duration_ms",
			metric.WithDescription("Observed decision latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		initCounter, metricsInitErr = meter.Int64Counter(
			"authz.init_total",
			metric.WithDescription("Engine initialisations partitioned by status"),
			metric.WithUnit("{count}"),
		)
	})

	return metricsInitErr
}

// RecordDecisionEvent attaches the decision outcome to span without leaking request values.
func RecordDecisionEvent(span trace.Span, method string, requests int, result string) {
	if span == nil || !span.IsRecording() {
		return
	}

	span.AddEvent("authz.decision", trace.WithAttributes(
		attribute.String("authz.method", method),
		attribute.Int("authz.requests.count", requests),
		attribute.String("authz.result", result),
	))
}
