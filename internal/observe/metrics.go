// Package observe provides application-wide observability primitives for
// castwire: OpenTelemetry metrics (scraped via a Prometheus exporter bridge)
// and structured logging glue for HTTP middleware.
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

// meterName is the instrumentation scope name used for all castwire metrics.
const meterName = "github.com/castwire/castwire"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// LLMDuration tracks LLM inference latency (time-to-first-token and
	// time-to-completion are recorded separately by callers using the
	// "stage" attribute).
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency, from the first
	// text fragment handed to a provider to the last audio chunk emitted.
	TTSDuration metric.Float64Histogram

	// GenerationDuration tracks end-to-end generation latency: from a speak
	// request being admitted by the Generation Coordinator to the
	// corresponding TTS session closing.
	GenerationDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// CharacterUtterances counts completed character responses. Use with
	// attribute: attribute.String("character_id", ...)
	CharacterUtterances metric.Int64Counter

	// GenerationsPreempted counts generations cancelled because a newer
	// speak request preempted them for the same character.
	GenerationsPreempted metric.Int64Counter

	// WishSessionTransitions counts wish-session state machine transitions.
	// Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	WishSessionTransitions metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveGenerations tracks the number of in-flight character generations
	// (LLM streaming + TTS synthesis in progress).
	ActiveGenerations metric.Int64UpDownCounter

	// RegistryConnections tracks the number of currently connected overlay
	// and dashboard clients across all characters.
	RegistryConnections metric.Int64UpDownCounter

	// RosterSize tracks the number of characters currently loaded in the
	// Character Store's in-memory cache.
	RosterSize metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for streaming-generation latencies.
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
	if met.LLMDuration, err = m.Float64Histogram("castwire.llm.duration",
		metric.WithDescription("Latency of LLM inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("castwire.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.GenerationDuration, err = m.Float64Histogram("castwire.generation.duration",
		metric.WithDescription("End-to-end latency from speak request admission to TTS session close."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("castwire.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.CharacterUtterances, err = m.Int64Counter("castwire.character.utterances",
		metric.WithDescription("Total completed character responses by character ID."),
	); err != nil {
		return nil, err
	}
	if met.GenerationsPreempted, err = m.Int64Counter("castwire.generation.preempted",
		metric.WithDescription("Total generations cancelled by a newer speak request for the same character."),
	); err != nil {
		return nil, err
	}
	if met.WishSessionTransitions, err = m.Int64Counter("castwire.wish_session.transitions",
		metric.WithDescription("Total wish-session state machine transitions by from/to state."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("castwire.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveGenerations, err = m.Int64UpDownCounter("castwire.active_generations",
		metric.WithDescription("Number of in-flight character generations."),
	); err != nil {
		return nil, err
	}
	if met.RegistryConnections, err = m.Int64UpDownCounter("castwire.registry.connections",
		metric.WithDescription("Number of connected overlay and dashboard clients."),
	); err != nil {
		return nil, err
	}
	if met.RosterSize, err = m.Int64UpDownCounter("castwire.roster.size",
		metric.WithDescription("Number of characters loaded in the Character Store cache."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("castwire.http.request.duration",
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

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordCharacterUtterance is a convenience method that records a completed
// character response.
func (m *Metrics) RecordCharacterUtterance(ctx context.Context, characterID string) {
	m.CharacterUtterances.Add(ctx, 1,
		metric.WithAttributes(attribute.String("character_id", characterID)),
	)
}

// RecordWishSessionTransition is a convenience method that records a
// wish-session state machine transition.
func (m *Metrics) RecordWishSessionTransition(ctx context.Context, from, to string) {
	m.WishSessionTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
