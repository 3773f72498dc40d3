// Package observe provides application-wide observability primitives for
// livedub: OpenTelemetry metrics, tracing helpers, structured logging, and
// HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all livedub metrics.
const meterName = "github.com/veltrane/livedub"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Pacing histograms ---

	// ArrivalWait tracks how long the sequencer waited for the first audio of
	// a dispatched segment to reach the playback queue.
	ArrivalWait metric.Float64Histogram

	// PipelineWait tracks how long the sequencer waited for buffered audio to
	// drain below the pacing threshold before the next dispatch.
	PipelineWait metric.Float64Histogram

	// BufferedAudio samples the scheduler's remaining buffered duration at
	// each dispatch decision.
	BufferedAudio metric.Float64Histogram

	// --- Counters ---

	// SegmentsDispatched counts segments sent to voice sessions. Use with
	// attributes:
	//   attribute.String("channel", ...), attribute.Bool("filler", ...)
	SegmentsDispatched metric.Int64Counter

	// TranscriptRecords counts distinct transcript records accepted from the
	// upstream source.
	TranscriptRecords metric.Int64Counter

	// ArrivalTimeouts counts arrival waits that hit the degradation deadline
	// and proceeded anyway.
	ArrivalTimeouts metric.Int64Counter

	// --- Error counters ---

	// PersistenceErrors counts failed translation inserts (logged, skipped).
	PersistenceErrors metric.Int64Counter

	// SessionErrors counts voice-session failures by channel.
	SessionErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveChannels tracks the number of currently connected voice channels.
	ActiveChannels metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// pacingBuckets defines histogram bucket boundaries (in seconds) sized for
// dispatch pacing, where typical waits range from tens of milliseconds up to
// the 15 s arrival deadline.
var pacingBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 15,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ArrivalWait, err = m.Float64Histogram("livedub.sequencer.arrival_wait",
		metric.WithDescription("Time until a dispatched segment's audio began arriving."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(pacingBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PipelineWait, err = m.Float64Histogram("livedub.sequencer.pipeline_wait",
		metric.WithDescription("Time spent waiting for buffered audio to drain below the pacing threshold."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(pacingBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BufferedAudio, err = m.Float64Histogram("livedub.scheduler.buffered_audio",
		metric.WithDescription("Remaining buffered playback duration sampled at dispatch decisions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(pacingBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.SegmentsDispatched, err = m.Int64Counter("livedub.sequencer.segments",
		metric.WithDescription("Total segments dispatched by channel and filler flag."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptRecords, err = m.Int64Counter("livedub.transcript.records",
		metric.WithDescription("Total distinct transcript records accepted."),
	); err != nil {
		return nil, err
	}
	if met.ArrivalTimeouts, err = m.Int64Counter("livedub.sequencer.arrival_timeouts",
		metric.WithDescription("Arrival waits that timed out and degraded to immediate dispatch."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.PersistenceErrors, err = m.Int64Counter("livedub.store.errors",
		metric.WithDescription("Total failed translation inserts."),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("livedub.session.errors",
		metric.WithDescription("Total voice-session failures by channel."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveChannels, err = m.Int64UpDownCounter("livedub.active_channels",
		metric.WithDescription("Number of currently connected voice channels."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("livedub.http.request.duration",
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

// RecordSegmentDispatched records one dispatched segment.
func (m *Metrics) RecordSegmentDispatched(ctx context.Context, channel string, filler bool) {
	m.SegmentsDispatched.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("channel", channel),
			attribute.Bool("filler", filler),
		),
	)
}

// RecordSessionError records one voice-session failure.
func (m *Metrics) RecordSessionError(ctx context.Context, channel string) {
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("channel", channel)),
	)
}

// RecordPersistenceError records one failed translation insert.
func (m *Metrics) RecordPersistenceError(ctx context.Context) {
	m.PersistenceErrors.Add(ctx, 1)
}
