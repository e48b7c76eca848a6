// Package observe provides application-wide observability primitives for
// GhostVoice: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all GhostVoice metrics.
const meterName = "github.com/MrWong99/ghostvoice"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// SynthesisDuration tracks provider latency per synthesized unit. Use
	// with attributes: attribute.String("provider", ...), attribute.String("outcome", ...)
	SynthesisDuration metric.Float64Histogram

	// SafetyDuration tracks Safety Gate evaluation time per unit.
	SafetyDuration metric.Float64Histogram

	// StageDuration tracks the time a unit spent between two pipeline
	// transitions. Use with attribute: attribute.String("stage", ...)
	StageDuration metric.Float64Histogram

	// TurnDuration tracks the wall time of a whole turn, from utterance
	// receipt to the end-of-turn marker.
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// Verdicts counts Safety Gate verdicts. Use with attribute:
	//   attribute.String("verdict", ...)
	Verdicts metric.Int64Counter

	// Incidents counts incident records raised. Use with attribute:
	//   attribute.String("severity", ...)
	Incidents metric.Int64Counter

	// FallbackUnits counts units rendered without the provider. Use with
	// attribute: attribute.String("reason", ...)
	FallbackUnits metric.Int64Counter

	// BargeIns counts cancelled turns.
	BargeIns metric.Int64Counter

	// BreakerTransitions counts Provider Health Governor state changes. Use
	// with attributes: attribute.String("from", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// TelemetryDropped counts correlator events dropped because the buffer
	// was full.
	TelemetryDropped metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live call sessions.
	ActiveSessions metric.Int64UpDownCounter

	// UnitsInFlight tracks the number of units currently dispatched to the
	// provider across all sessions.
	UnitsInFlight metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request time, labelled by route
	// pattern and status. Call streams are recorded when they close.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// safetyBuckets covers the sub-millisecond to low-millisecond range of the
// Safety Gate.
var safetyBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.003, 0.005, 0.01, 0.025,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SynthesisDuration, err = m.Float64Histogram("ghostvoice.synthesis.duration",
		metric.WithDescription("Provider latency per synthesized unit."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SafetyDuration, err = m.Float64Histogram("ghostvoice.safety.duration",
		metric.WithDescription("Safety Gate evaluation time per unit."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(safetyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StageDuration, err = m.Float64Histogram("ghostvoice.stage.duration",
		metric.WithDescription("Time a unit spent in a pipeline stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("ghostvoice.turn.duration",
		metric.WithDescription("Wall time of a turn from utterance to end-of-turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("ghostvoice.provider.requests",
		metric.WithDescription("Total provider API requests by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.Verdicts, err = m.Int64Counter("ghostvoice.safety.verdicts",
		metric.WithDescription("Total Safety Gate verdicts by verdict."),
	); err != nil {
		return nil, err
	}
	if met.Incidents, err = m.Int64Counter("ghostvoice.incidents",
		metric.WithDescription("Total incident records by severity."),
	); err != nil {
		return nil, err
	}
	if met.FallbackUnits, err = m.Int64Counter("ghostvoice.fallback.units",
		metric.WithDescription("Total units rendered without the provider by reason."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("ghostvoice.barge_ins",
		metric.WithDescription("Total turns cancelled by barge-in."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("ghostvoice.breaker.transitions",
		metric.WithDescription("Total circuit breaker state changes."),
	); err != nil {
		return nil, err
	}
	if met.TelemetryDropped, err = m.Int64Counter("ghostvoice.telemetry.dropped",
		metric.WithDescription("Total telemetry events dropped on a full buffer."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("ghostvoice.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("ghostvoice.active_sessions",
		metric.WithDescription("Number of live call sessions."),
	); err != nil {
		return nil, err
	}
	if met.UnitsInFlight, err = m.Int64UpDownCounter("ghostvoice.units_in_flight",
		metric.WithDescription("Number of units currently dispatched to the provider."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("ghostvoice.http.request.duration",
		metric.WithDescription("HTTP request latency by route pattern and status. Call streams are measured until the websocket closes."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordVerdict records a Safety Gate verdict.
func (m *Metrics) RecordVerdict(ctx context.Context, verdict string) {
	m.Verdicts.Add(ctx, 1, metric.WithAttributes(attribute.String("verdict", verdict)))
}

// RecordIncident records a raised incident.
func (m *Metrics) RecordIncident(ctx context.Context, severity string) {
	m.Incidents.Add(ctx, 1, metric.WithAttributes(attribute.String("severity", severity)))
}

// RecordFallback records a unit rendered without the provider.
func (m *Metrics) RecordFallback(ctx context.Context, reason string) {
	m.FallbackUnits.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, from, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordStage records the time a unit spent in a pipeline stage.
func (m *Metrics) RecordStage(ctx context.Context, stage string, seconds float64) {
	m.StageDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("stage", stage)))
}
