// Package observe provides application-wide observability primitives for
// barkeep: OpenTelemetry metrics, distributed tracing, trace-aware logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] and served on /metrics. A
// package-level default [Metrics] instance ([DefaultMetrics]) is provided for
// convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all barkeep metrics.
const meterName = "github.com/MrWong99/barkeep"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Voice pipeline ---

	// VoiceTurns counts finalized transcripts handled in command mode. Use
	// with attribute.String("outcome", ...).
	VoiceTurns metric.Int64Counter

	// ModeTransitions counts session mode changes. Use with attributes
	// "from" and "to".
	ModeTransitions metric.Int64Counter

	// Intents counts extracted intents. Use with attributes "intent" and
	// "path" ("rule" or "fallback").
	Intents metric.Int64Counter

	// ClassifierDuration tracks fallback classifier latency.
	ClassifierDuration metric.Float64Histogram

	// TTSDuration tracks spoken reply synthesis latency.
	TTSDuration metric.Float64Histogram

	// --- Dispatcher ---

	// DispatchDuration tracks command round-trip latency. Use with "action".
	DispatchDuration metric.Float64Histogram

	// DispatchErrors counts failed invocations. Use with "action" and "kind"
	// ("timeout", "connection_lost", "unavailable", "worker").
	DispatchErrors metric.Int64Counter

	// WorkerRestarts counts worker process restarts.
	WorkerRestarts metric.Int64Counter

	// --- Inventory ---

	// Deductions counts deduction attempts. Use with "category" and "status"
	// ("ok", "insufficient", "skipped", "error").
	Deductions metric.Int64Counter

	// ContainersDeducted counts whole containers removed from stock.
	ContainersDeducted metric.Int64Counter

	// --- Broadcast ---

	// BroadcastDeliveries counts payloads written to listeners. Use with "class".
	BroadcastDeliveries metric.Int64Counter

	// BroadcastDrops counts listeners dropped on write failure. Use with "class".
	BroadcastDrops metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveListeners tracks registered broadcast listeners. Use with "class".
	ActiveListeners metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes "method" and "path".
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for the
// voice turn path.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ClassifierDuration, err = m.Float64Histogram("barkeep.intent.classifier.duration",
		metric.WithDescription("Latency of the fallback intent classifier."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("barkeep.tts.duration",
		metric.WithDescription("Latency of spoken reply synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DispatchDuration, err = m.Float64Histogram("barkeep.dispatch.duration",
		metric.WithDescription("Round-trip latency of dispatched commands."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("barkeep.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.VoiceTurns, err = m.Int64Counter("barkeep.voice.turns",
		metric.WithDescription("Finalized command transcripts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ModeTransitions, err = m.Int64Counter("barkeep.voice.mode_transitions",
		metric.WithDescription("Voice session mode transitions."),
	); err != nil {
		return nil, err
	}
	if met.Intents, err = m.Int64Counter("barkeep.intent.extracted",
		metric.WithDescription("Extracted intents by name and resolution path."),
	); err != nil {
		return nil, err
	}
	if met.DispatchErrors, err = m.Int64Counter("barkeep.dispatch.errors",
		metric.WithDescription("Failed command invocations by action and kind."),
	); err != nil {
		return nil, err
	}
	if met.WorkerRestarts, err = m.Int64Counter("barkeep.dispatch.worker_restarts",
		metric.WithDescription("Worker process restarts."),
	); err != nil {
		return nil, err
	}
	if met.Deductions, err = m.Int64Counter("barkeep.inventory.deductions",
		metric.WithDescription("Inventory deduction attempts by category and status."),
	); err != nil {
		return nil, err
	}
	if met.ContainersDeducted, err = m.Int64Counter("barkeep.inventory.containers_deducted",
		metric.WithDescription("Whole containers removed from stock."),
	); err != nil {
		return nil, err
	}
	if met.BroadcastDeliveries, err = m.Int64Counter("barkeep.broadcast.deliveries",
		metric.WithDescription("Cart events delivered to listeners by class."),
	); err != nil {
		return nil, err
	}
	if met.BroadcastDrops, err = m.Int64Counter("barkeep.broadcast.drops",
		metric.WithDescription("Listeners dropped after a failed write, by class."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("barkeep.voice.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveListeners, err = m.Int64UpDownCounter("barkeep.broadcast.active_listeners",
		metric.WithDescription("Number of registered broadcast listeners by class."),
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
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// RecordTransition records one session mode change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.ModeTransitions.Add(ctx, 1, metric.WithAttributes(Attr("from", from), Attr("to", to)))
}

// RecordTurn records one command turn with its outcome ("ok" or "error").
func (m *Metrics) RecordTurn(ctx context.Context, outcome string) {
	m.VoiceTurns.Add(ctx, 1, metric.WithAttributes(Attr("outcome", outcome)))
}

// RecordIntent records one extracted intent.
func (m *Metrics) RecordIntent(ctx context.Context, intent, path string) {
	m.Intents.Add(ctx, 1, metric.WithAttributes(Attr("intent", intent), Attr("path", path)))
}

// RecordDispatch records the latency of one invocation and, when kind is
// non-empty, an error of that kind.
func (m *Metrics) RecordDispatch(ctx context.Context, action string, d time.Duration, kind string) {
	m.DispatchDuration.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("action", action)))
	if kind != "" {
		m.DispatchErrors.Add(ctx, 1, metric.WithAttributes(Attr("action", action), Attr("kind", kind)))
	}
}

// RecordDeduction records one deduction attempt and the containers it removed.
func (m *Metrics) RecordDeduction(ctx context.Context, category, status string, containers int) {
	m.Deductions.Add(ctx, 1, metric.WithAttributes(Attr("category", category), Attr("status", status)))
	if containers > 0 {
		m.ContainersDeducted.Add(ctx, int64(containers), metric.WithAttributes(Attr("category", category)))
	}
}

// RecordDelivery records a payload written to a listener of class.
func (m *Metrics) RecordDelivery(ctx context.Context, class string) {
	m.BroadcastDeliveries.Add(ctx, 1, metric.WithAttributes(Attr("class", class)))
}

// RecordDrop records a listener of class dropped after a failed write.
func (m *Metrics) RecordDrop(ctx context.Context, class string) {
	m.BroadcastDrops.Add(ctx, 1, metric.WithAttributes(Attr("class", class)))
}
