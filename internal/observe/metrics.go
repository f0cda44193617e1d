// Package observe provides application-wide observability primitives for
// Lucid Weaver: OpenTelemetry metrics, distributed tracing, structured
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
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Lucid Weaver metrics.
const meterName = "github.com/MrWong99/lucidweaver"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TranscriptionConnectDuration tracks how long opening a transcription
	// channel takes, from dial to setup acknowledgement.
	TranscriptionConnectDuration metric.Float64Histogram

	// LLMDuration tracks text generation latency. Use with attribute:
	//   attribute.String("task", "image_prompt"|"interpretation"|"chat")
	LLMDuration metric.Float64Histogram

	// ImageDuration tracks image generation latency.
	ImageDuration metric.Float64Histogram

	// AnalysisDuration tracks the end-to-end latency of a dream analysis
	// (image and interpretation together).
	AnalysisDuration metric.Float64Histogram

	// RecordingDuration tracks how long recording sessions stay active.
	RecordingDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// AudioChunks counts captured chunks handed to a transcription channel.
	// Use with attribute: attribute.String("status", "sent"|"error")
	AudioChunks metric.Int64Counter

	// TranscriptionEvents counts events received from transcription
	// channels. Use with attribute: attribute.String("kind", ...)
	TranscriptionEvents metric.Int64Counter

	// Recordings counts finished recording attempts. Use with attribute:
	//   attribute.String("outcome", "completed"|"failed")
	Recordings metric.Int64Counter

	// ChatMessages counts follow-up chat messages sent by users.
	ChatMessages metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// ChannelErrors counts non-fatal transcription channel errors.
	ChannelErrors metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes: attribute.String("provider", ...), attribute.String("state", ...)
	BreakerTransitions metric.Int64Counter

	// Failovers counts calls served by a provider other than the group's
	// primary. Use with attributes: attribute.String("primary", ...),
	// attribute.String("served_by", ...)
	Failovers metric.Int64Counter

	// --- Gauges ---

	// ActiveRecordings tracks the number of recording sessions in progress.
	ActiveRecordings metric.Int64UpDownCounter

	// ActiveConnections tracks the number of open recording WebSockets.
	ActiveConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// Histogram bucket boundaries in seconds. Model calls range from sub-second
// chat tokens to multi-second image renders; recordings run for minutes.
var (
	latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40}
	sessionBuckets = []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200}
)

// NewMetrics creates every instrument on a meter from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	var (
		meter = mp.Meter(meterName)
		errs  []error
		met   = &Metrics{}
	)
	seconds := func(dst *metric.Float64Histogram, name, desc string, buckets []float64) {
		opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
		if buckets != nil {
			opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
		}
		h, err := meter.Float64Histogram(name, opts...)
		errs = append(errs, err)
		*dst = h
	}
	counter := func(dst *metric.Int64Counter, name, desc string) {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		errs = append(errs, err)
		*dst = c
	}
	gauge := func(dst *metric.Int64UpDownCounter, name, desc string) {
		g, err := meter.Int64UpDownCounter(name, metric.WithDescription(desc))
		errs = append(errs, err)
		*dst = g
	}

	// ── Latency ──
	seconds(&met.TranscriptionConnectDuration, "lucidweaver.transcription.connect.duration", "Latency of opening a transcription channel.", latencyBuckets)
	seconds(&met.LLMDuration, "lucidweaver.llm.duration", "Latency of text generation by task.", latencyBuckets)
	seconds(&met.ImageDuration, "lucidweaver.image.duration", "Latency of image generation.", latencyBuckets)
	seconds(&met.AnalysisDuration, "lucidweaver.analysis.duration", "End-to-end latency of a dream analysis.", latencyBuckets)
	seconds(&met.RecordingDuration, "lucidweaver.recording.duration", "Length of recording sessions.", sessionBuckets)
	seconds(&met.HTTPRequestDuration, "lucidweaver.http.request.duration", "HTTP request latency by method and route.", nil)

	// ── Traffic ──
	counter(&met.ProviderRequests, "lucidweaver.provider.requests", "Total provider API requests by provider, kind and status.")
	counter(&met.AudioChunks, "lucidweaver.audio.chunks", "Total captured audio chunks handed to transcription by status.")
	counter(&met.TranscriptionEvents, "lucidweaver.transcription.events", "Total transcription events received by kind.")
	counter(&met.Recordings, "lucidweaver.recordings", "Total recording attempts by outcome.")
	counter(&met.ChatMessages, "lucidweaver.chat.messages", "Total follow-up chat messages.")

	// ── Failures ──
	counter(&met.ProviderErrors, "lucidweaver.provider.errors", "Total provider errors by provider and kind.")
	counter(&met.ChannelErrors, "lucidweaver.transcription.channel_errors", "Total non-fatal transcription channel errors.")
	counter(&met.BreakerTransitions, "lucidweaver.circuit_breaker.transitions", "Total circuit breaker state changes by provider and new state.")
	counter(&met.Failovers, "lucidweaver.provider.failovers", "Total calls served by a fallback provider.")

	// ── In flight ──
	gauge(&met.ActiveRecordings, "lucidweaver.active_recordings", "Number of recording sessions in progress.")
	gauge(&met.ActiveConnections, "lucidweaver.active_connections", "Number of open recording WebSocket connections.")

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("observe: create instruments: %w", err)
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

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
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

// RecordAudioChunk records one chunk handed to a transcription channel.
func (m *Metrics) RecordAudioChunk(ctx context.Context, status string) {
	m.AudioChunks.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordTranscriptionEvent records one event received from a channel.
func (m *Metrics) RecordTranscriptionEvent(ctx context.Context, kind string) {
	m.TranscriptionEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordRecording records a finished recording attempt. The duration is only
// observed for completed recordings.
func (m *Metrics) RecordRecording(ctx context.Context, outcome string, d time.Duration) {
	m.Recordings.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if outcome == "completed" {
		m.RecordingDuration.Record(ctx, d.Seconds())
	}
}

// RecordBreakerTransition records a circuit breaker entering state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, provider, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("state", state),
		),
	)
}

// RecordFailover records a call that primary could not serve.
func (m *Metrics) RecordFailover(ctx context.Context, primary, servedBy string) {
	m.Failovers.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("primary", primary),
			attribute.String("served_by", servedBy),
		),
	)
}

// RecordLLM records the latency of one text generation task.
func (m *Metrics) RecordLLM(ctx context.Context, task string, d time.Duration) {
	m.LLMDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("task", task)))
}
