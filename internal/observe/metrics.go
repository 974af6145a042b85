// Package observe provides application-wide observability primitives for
// the docent server: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all docent metrics.
const meterName = "github.com/openmuse/docent"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// ASRDuration tracks speech-to-text transcription latency.
	ASRDuration metric.Float64Histogram

	// RAGFirstText tracks time to the first answer fragment.
	RAGFirstText metric.Float64Histogram

	// RAGDuration tracks full answer generation latency.
	RAGDuration metric.Float64Histogram

	// TTSFirstAudio tracks time to the first synthesised byte of a segment.
	TTSFirstAudio metric.Float64Histogram

	// TTSDuration tracks per-segment synthesis latency.
	TTSDuration metric.Float64Histogram

	// RequestDuration tracks end-to-end request latency from admission to
	// terminal event.
	RequestDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts collaborator calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("stage", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// RequestsAdmitted counts admissions by request kind.
	RequestsAdmitted metric.Int64Counter

	// RequestsRejected counts admission rejections by request kind and code.
	RequestsRejected metric.Int64Counter

	// Cancellations counts fired cancellations by reason.
	Cancellations metric.Int64Counter

	// SegmentsSkipped counts audio segments dropped after synthesis failure.
	SegmentsSkipped metric.Int64Counter

	// TTSFallbacks counts dispatcher failovers to the fallback backend.
	TTSFallbacks metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts collaborator errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("stage", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveRequests tracks requests between admission and completion.
	ActiveRequests metric.Int64UpDownCounter

	// ActiveTours tracks tours not currently idle.
	ActiveTours metric.Int64UpDownCounter

	// PrefetchSlots tracks prefetch slots currently pending or ready.
	PrefetchSlots metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
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
	if met.ASRDuration, err = m.Float64Histogram("docent.asr.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RAGFirstText, err = m.Float64Histogram("docent.rag.first_text",
		metric.WithDescription("Time to the first answer fragment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RAGDuration, err = m.Float64Histogram("docent.rag.duration",
		metric.WithDescription("Latency of full answer generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSFirstAudio, err = m.Float64Histogram("docent.tts.first_audio",
		metric.WithDescription("Time to the first synthesised byte of a segment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("docent.tts.duration",
		metric.WithDescription("Per-segment synthesis latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RequestDuration, err = m.Float64Histogram("docent.request.duration",
		metric.WithDescription("End-to-end request latency from admission to terminal event."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("docent.provider.requests",
		metric.WithDescription("Total collaborator requests by provider, stage, and status."),
	); err != nil {
		return nil, err
	}
	if met.RequestsAdmitted, err = m.Int64Counter("docent.requests.admitted",
		metric.WithDescription("Total admitted requests by kind."),
	); err != nil {
		return nil, err
	}
	if met.RequestsRejected, err = m.Int64Counter("docent.requests.rejected",
		metric.WithDescription("Total rejected admissions by kind and code."),
	); err != nil {
		return nil, err
	}
	if met.Cancellations, err = m.Int64Counter("docent.cancellations",
		metric.WithDescription("Total fired cancellations by reason."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsSkipped, err = m.Int64Counter("docent.tts.segments_skipped",
		metric.WithDescription("Audio segments dropped after mid-answer synthesis failure."),
	); err != nil {
		return nil, err
	}
	if met.TTSFallbacks, err = m.Int64Counter("docent.tts.fallbacks",
		metric.WithDescription("Dispatcher failovers to the fallback backend."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("docent.provider.errors",
		metric.WithDescription("Total collaborator errors by provider and stage."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveRequests, err = m.Int64UpDownCounter("docent.active_requests",
		metric.WithDescription("Requests between admission and completion."),
	); err != nil {
		return nil, err
	}
	if met.ActiveTours, err = m.Int64UpDownCounter("docent.active_tours",
		metric.WithDescription("Tours not currently idle."),
	); err != nil {
		return nil, err
	}
	if met.PrefetchSlots, err = m.Int64UpDownCounter("docent.prefetch_slots",
		metric.WithDescription("Prefetch slots currently pending or ready."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("docent.http.request.duration",
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

// RecordProviderRequest is a convenience method that records a collaborator
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, stage, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("stage", stage),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a collaborator
// error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, stage string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("stage", stage),
		),
	)
}

// RecordAdmission records an admitted request by kind.
func (m *Metrics) RecordAdmission(ctx context.Context, kind string) {
	m.RequestsAdmitted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordRejection records a rejected admission by kind and fault code.
func (m *Metrics) RecordRejection(ctx context.Context, kind, code string) {
	m.RequestsRejected.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("code", code),
		),
	)
}

// RecordCancellation records a fired cancellation by reason.
func (m *Metrics) RecordCancellation(ctx context.Context, reason string) {
	m.Cancellations.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}
