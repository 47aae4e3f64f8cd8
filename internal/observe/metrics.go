// Package observe provides application-wide observability primitives for
// captionfeed: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// scopeName is the instrumentation scope of every captionfeed meter and tracer.
const scopeName = "github.com/MrWong99/captionfeed"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Caption engine ---

	// FragmentsIngested counts transcript fragments handed to the engine. Use
	// with attribute.String("result", ...): created, streamed, replaced,
	// ignored or rejected.
	FragmentsIngested metric.Int64Counter

	// CaptionsRemoved counts captions leaving the buffer. Use with
	// attribute.String("reason", ...): evicted, expired or reset.
	CaptionsRemoved metric.Int64Counter

	// StoredCaptions tracks the number of captions currently buffered.
	StoredCaptions metric.Int64UpDownCounter

	// --- Call session ---

	// CallEvents counts call events drained from the call source. Use with
	// attribute.String("type", ...).
	CallEvents metric.Int64Counter

	// ActiveCalls tracks calls between call-start and call-end.
	ActiveCalls metric.Int64UpDownCounter

	// CallReconnects counts reconnection attempts to the call source. Use with
	// attribute.String("status", ...).
	CallReconnects metric.Int64Counter

	// --- Audio ---

	// AudioLevel records sampled microphone levels in [0, 1].
	AudioLevel metric.Float64Histogram

	// --- RAG ---

	// RAGDuration tracks query latency against the external RAG API.
	RAGDuration metric.Float64Histogram

	// RAGRequests counts RAG API calls. Use with attribute.String("status", ...).
	RAGRequests metric.Int64Counter

	// --- Presentation ---

	// StreamClients tracks connected caption websocket clients.
	StreamClients metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// outbound request latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// levelBuckets splits the normalised [0, 1] audio level into tenths.
var levelBuckets = []float64{
	0.05, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(scopeName)
	var err error
	met := &Metrics{}

	// Caption engine.
	if met.FragmentsIngested, err = m.Int64Counter("captionfeed.fragments.ingested",
		metric.WithDescription("Transcript fragments handed to the caption engine, by result."),
	); err != nil {
		return nil, err
	}
	if met.CaptionsRemoved, err = m.Int64Counter("captionfeed.captions.removed",
		metric.WithDescription("Captions removed from the buffer, by reason."),
	); err != nil {
		return nil, err
	}
	if met.StoredCaptions, err = m.Int64UpDownCounter("captionfeed.captions.stored",
		metric.WithDescription("Number of captions currently buffered."),
	); err != nil {
		return nil, err
	}

	// Call session.
	if met.CallEvents, err = m.Int64Counter("captionfeed.call.events",
		metric.WithDescription("Call events received from the call source, by type."),
	); err != nil {
		return nil, err
	}
	if met.ActiveCalls, err = m.Int64UpDownCounter("captionfeed.call.active",
		metric.WithDescription("Number of calls currently in progress."),
	); err != nil {
		return nil, err
	}
	if met.CallReconnects, err = m.Int64Counter("captionfeed.call.reconnects",
		metric.WithDescription("Reconnection attempts to the call source, by status."),
	); err != nil {
		return nil, err
	}

	// Audio.
	if met.AudioLevel, err = m.Float64Histogram("captionfeed.audio.level",
		metric.WithDescription("Normalised microphone level samples."),
		metric.WithUnit("1"),
		metric.WithExplicitBucketBoundaries(levelBuckets...),
	); err != nil {
		return nil, err
	}

	// RAG.
	if met.RAGDuration, err = m.Float64Histogram("captionfeed.rag.duration",
		metric.WithDescription("Latency of RAG API queries."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RAGRequests, err = m.Int64Counter("captionfeed.rag.requests",
		metric.WithDescription("Total RAG API requests by status."),
	); err != nil {
		return nil, err
	}

	// Presentation.
	if met.StreamClients, err = m.Int64UpDownCounter("captionfeed.stream.clients",
		metric.WithDescription("Connected caption stream clients."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("captionfeed.http.request.duration",
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

// The Record helpers are no-ops on a nil *Metrics so components can run
// without instrumentation.

// RecordFragment records a fragment ingestion with its outcome.
func (m *Metrics) RecordFragment(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.FragmentsIngested.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)),
	)
}

// RecordCaptionsRemoved records n captions leaving the buffer and adjusts the
// stored gauge accordingly. n <= 0 is ignored.
func (m *Metrics) RecordCaptionsRemoved(ctx context.Context, reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CaptionsRemoved.Add(ctx, int64(n),
		metric.WithAttributes(attribute.String("reason", reason)),
	)
	m.StoredCaptions.Add(ctx, -int64(n))
}

// RecordCaptionStored records one caption entering the buffer.
func (m *Metrics) RecordCaptionStored(ctx context.Context) {
	if m == nil {
		return
	}
	m.StoredCaptions.Add(ctx, 1)
}

// RecordCallEvent records a call event by type.
func (m *Metrics) RecordCallEvent(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.CallEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", eventType)),
	)
}

// RecordReconnect records a call-source reconnection attempt.
func (m *Metrics) RecordReconnect(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.CallReconnects.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordRAGRequest records a RAG request outcome and its latency in seconds.
func (m *Metrics) RecordRAGRequest(ctx context.Context, status string, seconds float64) {
	if m == nil {
		return
	}
	m.RAGRequests.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
	m.RAGDuration.Record(ctx, seconds)
}
