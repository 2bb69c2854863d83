// Package observe provides application-wide observability primitives for
// the party hub: OpenTelemetry metrics bridged to Prometheus and the SDK
// provider wiring.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A package
// level default [Metrics] instance ([DefaultMetrics]) is provided for
// convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all hub metrics.
const meterName = "github.com/storyweave/partyhub"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Counters ---

	// Connects counts accepted party sockets.
	Connects metric.Int64Counter

	// Disconnects counts closed party sockets.
	Disconnects metric.Int64Counter

	// BroadcastFrames counts outbound frames delivered during fan-out.
	BroadcastFrames metric.Int64Counter

	// MacroDispatches counts macro executions. Use with attributes:
	//   attribute.String("command", ...), attribute.String("status", ...)
	MacroDispatches metric.Int64Counter

	// MacrosThrottled counts macros rejected by the per-actor throttle.
	MacrosThrottled metric.Int64Counter

	// --- Error counters ---

	// StoreErrors counts persistence failures. Use with attribute:
	//   attribute.String("op", ...)
	StoreErrors metric.Int64Counter

	// InternalErrors counts recovered handler panics and other unexpected
	// failures.
	InternalErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveParties tracks the number of parties with at least one socket.
	ActiveParties metric.Int64UpDownCounter

	// ActiveSockets tracks the number of connected sockets across all
	// parties.
	ActiveSockets metric.Int64UpDownCounter

	// --- Latency ---

	// MacroDuration tracks macro handler execution time. Use with attribute:
	//   attribute.String("command", ...)
	MacroDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// handler latencies dominated by store round-trips.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.Connects, err = m.Int64Counter("partyhub.sockets.connects",
		metric.WithDescription("Total accepted party sockets."),
	); err != nil {
		return nil, err
	}
	if met.Disconnects, err = m.Int64Counter("partyhub.sockets.disconnects",
		metric.WithDescription("Total closed party sockets."),
	); err != nil {
		return nil, err
	}
	if met.BroadcastFrames, err = m.Int64Counter("partyhub.broadcast.frames",
		metric.WithDescription("Total outbound frames delivered during fan-out."),
	); err != nil {
		return nil, err
	}
	if met.MacroDispatches, err = m.Int64Counter("partyhub.macros.dispatched",
		metric.WithDescription("Total macro executions by command and status."),
	); err != nil {
		return nil, err
	}
	if met.MacrosThrottled, err = m.Int64Counter("partyhub.macros.throttled",
		metric.WithDescription("Total macros rejected by the per-actor throttle."),
	); err != nil {
		return nil, err
	}

	if met.StoreErrors, err = m.Int64Counter("partyhub.store.errors",
		metric.WithDescription("Total persistence failures by operation."),
	); err != nil {
		return nil, err
	}
	if met.InternalErrors, err = m.Int64Counter("partyhub.errors.internal",
		metric.WithDescription("Total recovered panics and unexpected handler failures."),
	); err != nil {
		return nil, err
	}

	if met.ActiveParties, err = m.Int64UpDownCounter("partyhub.active_parties",
		metric.WithDescription("Number of parties with at least one live socket."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSockets, err = m.Int64UpDownCounter("partyhub.active_sockets",
		metric.WithDescription("Number of connected sockets across all parties."),
	); err != nil {
		return nil, err
	}

	if met.MacroDuration, err = m.Float64Histogram("partyhub.macro.duration",
		metric.WithDescription("Macro handler execution time by command."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen with
// the global provider).
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

// RecordMacro records one macro execution with the standard attribute set.
func (m *Metrics) RecordMacro(ctx context.Context, command, status string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("command", command),
		attribute.String("status", status),
	)
	m.MacroDispatches.Add(ctx, 1, attrs)
	m.MacroDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("command", command)))
}

// RecordStoreError records one persistence failure for the given operation.
func (m *Metrics) RecordStoreError(ctx context.Context, op string) {
	m.StoreErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}
