// Package observe provides application-wide observability primitives for
// Arivox: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Arivox metrics.
const meterName = "github.com/arivox/arivox"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// CallSetupDuration tracks the time from StasisStart to a working
	// provider session (the setup state).
	CallSetupDuration metric.Float64Histogram

	// ResponseDuration tracks provider turn latency, measured from the
	// final transcript (or response request) to the first audio chunk.
	ResponseDuration metric.Float64Histogram

	// --- Counters ---

	// CallsStarted counts accepted calls. Use with attribute:
	//   attribute.String("transport", ...)
	CallsStarted metric.Int64Counter

	// CallsTerminated counts terminated calls. Use with attribute:
	//   attribute.String("reason", ...)  (hangup, error, timeout, shutdown)
	CallsTerminated metric.Int64Counter

	// DroppedFrames counts discarded media frames. Use with attribute:
	//   attribute.String("reason", ...)  (gate_closed, pre_handshake,
	//   unsupported_rate, not_pcmu)
	DroppedFrames metric.Int64Counter

	// BargeIns counts caller interruptions of in-progress playback.
	BargeIns metric.Int64Counter

	// GateWatchdogFires counts force-released gate tokens.
	GateWatchdogFires metric.Int64Counter

	// LateEvents counts events that arrived for an already-terminated call.
	LateEvents metric.Int64Counter

	// DiscardedSSRCs counts RTP sources dropped after quarantine expiry.
	DiscardedSSRCs metric.Int64Counter

	// Playbacks counts file playbacks issued to the PBX. Use with attribute:
	//   attribute.String("status", ...)  (finished, aborted, stalled_fallback)
	Playbacks metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live calls.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-call latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.CallSetupDuration, err = m.Float64Histogram("arivox.call.setup.duration",
		metric.WithDescription("Time from StasisStart to a working provider session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ResponseDuration, err = m.Float64Histogram("arivox.response.duration",
		metric.WithDescription("Provider turn latency from utterance end to first audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CallsStarted, err = m.Int64Counter("arivox.calls.started",
		metric.WithDescription("Total accepted calls by transport."),
	); err != nil {
		return nil, err
	}
	if met.CallsTerminated, err = m.Int64Counter("arivox.calls.terminated",
		metric.WithDescription("Total terminated calls by reason."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("arivox.media.dropped_frames",
		metric.WithDescription("Total discarded media frames by reason."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("arivox.barge_ins",
		metric.WithDescription("Total caller interruptions of in-progress playback."),
	); err != nil {
		return nil, err
	}
	if met.GateWatchdogFires, err = m.Int64Counter("arivox.gate.watchdog_fires",
		metric.WithDescription("Total gate tokens force-released by the watchdog."),
	); err != nil {
		return nil, err
	}
	if met.LateEvents, err = m.Int64Counter("arivox.late_events",
		metric.WithDescription("Total events received for already-terminated calls."),
	); err != nil {
		return nil, err
	}
	if met.DiscardedSSRCs, err = m.Int64Counter("arivox.rtp.discarded_ssrcs",
		metric.WithDescription("Total RTP sources discarded after quarantine expiry."),
	); err != nil {
		return nil, err
	}
	if met.Playbacks, err = m.Int64Counter("arivox.playbacks",
		metric.WithDescription("Total file playbacks by status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("arivox.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("arivox.active_calls",
		metric.WithDescription("Number of live calls."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("arivox.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
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

// RecordCallStart increments the started counter and the active-call gauge.
func (m *Metrics) RecordCallStart(ctx context.Context, transport string) {
	m.CallsStarted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("transport", transport)),
	)
	m.ActiveCalls.Add(ctx, 1)
}

// RecordCallEnd increments the terminated counter and decrements the
// active-call gauge.
func (m *Metrics) RecordCallEnd(ctx context.Context, reason string) {
	m.CallsTerminated.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
	m.ActiveCalls.Add(ctx, -1)
}

// RecordDroppedFrame increments the dropped-frame counter for the given reason.
func (m *Metrics) RecordDroppedFrame(ctx context.Context, reason string) {
	m.DroppedFrames.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordPlayback increments the playback counter with the given status.
func (m *Metrics) RecordPlayback(ctx context.Context, status string) {
	m.Playbacks.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordProviderError increments the provider error counter.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
