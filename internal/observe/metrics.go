// Package observe provides application-wide observability primitives for
// callscribe: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is set up by [InitProvider] so that metrics can be scraped
// via the standard /metrics endpoint. A package-level default [Metrics]
// instance ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all callscribe metrics.
const meterName = "github.com/MrWong99/callscribe"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Ingestion ---

	// FramesIngested counts inbound audio frames. Use with attribute:
	//   attribute.String("outcome", ...)
	FramesIngested metric.Int64Counter

	// DecodeErrors counts frames the decoder could not handle. Use with
	// attribute.String("codec", ...).
	DecodeErrors metric.Int64Counter

	// --- Buffering ---

	// QueueOverflows counts full-queue clears. Use with attribute
	// attribute.String("channel", ...).
	QueueOverflows metric.Int64Counter

	// DroppedAudio accumulates the duration of audio discarded by overflow
	// clears, in milliseconds.
	DroppedAudio metric.Float64Counter

	// FlushedBytes counts PCM bytes handed to sessions by the scheduler.
	FlushedBytes metric.Int64Counter

	// FlushDrops counts flushes a session did not take, by reason. Deferred
	// flushes are requeued; only the "closed" reason loses audio.
	FlushDrops metric.Int64Counter

	// --- Sessions ---

	// ActiveSessions tracks the number of live upstream sessions.
	ActiveSessions metric.Int64UpDownCounter

	// SessionTransitions counts state machine transitions. Use with
	// attribute.String("state", ...) naming the state entered.
	SessionTransitions metric.Int64Counter

	// ReconnectAttempts counts scheduled reconnects.
	ReconnectAttempts metric.Int64Counter

	// SessionFailures counts sessions that ended on a terminal failure. Use
	// with attribute.String("reason", ...).
	SessionFailures metric.Int64Counter

	// ConnectDuration tracks the time from dial to configuration ack.
	ConnectDuration metric.Float64Histogram

	// --- Provider ---

	// TranscriptEvents counts transcript events received. Use with
	// attribute.String("kind", "partial"|"final") and channel.
	TranscriptEvents metric.Int64Counter

	// ProviderErrors counts provider-reported errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Archive ---

	// ArchiveWrites counts archived transcript rows. Use with
	// attribute.String("status", ...).
	ArchiveWrites metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection setup and request latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.FramesIngested, err = m.Int64Counter("callscribe.frames.ingested",
		metric.WithDescription("Inbound audio frames by outcome."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("callscribe.frames.decode_errors",
		metric.WithDescription("Frames dropped because they could not be decoded."),
	); err != nil {
		return nil, err
	}
	if met.QueueOverflows, err = m.Int64Counter("callscribe.queue.overflows",
		metric.WithDescription("Channel queues cleared after reaching the duration ceiling."),
	); err != nil {
		return nil, err
	}
	if met.DroppedAudio, err = m.Float64Counter("callscribe.queue.dropped_audio",
		metric.WithDescription("Audio discarded by overflow clears."),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if met.FlushedBytes, err = m.Int64Counter("callscribe.queue.flushed_bytes",
		metric.WithDescription("PCM bytes flushed to upstream sessions."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.FlushDrops, err = m.Int64Counter("callscribe.queue.flush_drops",
		metric.WithDescription("Flushes not forwarded to a session, by reason."),
	); err != nil {
		return nil, err
	}
	if met.SessionTransitions, err = m.Int64Counter("callscribe.session.transitions",
		metric.WithDescription("Upstream session state transitions by target state."),
	); err != nil {
		return nil, err
	}
	if met.ReconnectAttempts, err = m.Int64Counter("callscribe.session.reconnects",
		metric.WithDescription("Reconnect attempts scheduled after recoverable failures."),
	); err != nil {
		return nil, err
	}
	if met.SessionFailures, err = m.Int64Counter("callscribe.session.failures",
		metric.WithDescription("Sessions closed by a terminal failure, by reason."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptEvents, err = m.Int64Counter("callscribe.transcript.events",
		metric.WithDescription("Transcript events received by kind and channel."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("callscribe.provider.errors",
		metric.WithDescription("Errors reported in-band by the provider."),
	); err != nil {
		return nil, err
	}
	if met.ArchiveWrites, err = m.Int64Counter("callscribe.archive.writes",
		metric.WithDescription("Final transcripts written to the archive by status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("callscribe.active_sessions",
		metric.WithDescription("Number of live upstream transcription sessions."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("callscribe.session.connect.duration",
		metric.WithDescription("Time from dial until the provider acknowledged the configuration."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("callscribe.http.request.duration",
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

// RecordFrame records one ingested frame with its outcome label.
func (m *Metrics) RecordFrame(ctx context.Context, outcome string) {
	m.FramesIngested.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordOverflow records a queue clear and the audio it discarded.
func (m *Metrics) RecordOverflow(ctx context.Context, channel string, droppedMs float64) {
	attrs := metric.WithAttributes(attribute.String("channel", channel))
	m.QueueOverflows.Add(ctx, 1, attrs)
	m.DroppedAudio.Add(ctx, droppedMs, attrs)
}

// RecordTransition records a session entering state.
func (m *Metrics) RecordTransition(ctx context.Context, state string) {
	m.SessionTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// RecordTranscript records one transcript event.
func (m *Metrics) RecordTranscript(ctx context.Context, channel string, partial bool) {
	kind := "final"
	if partial {
		kind = "partial"
	}
	m.TranscriptEvents.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("channel", channel),
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

// RecordSessionFailure records a terminal session failure.
func (m *Metrics) RecordSessionFailure(ctx context.Context, reason string) {
	m.SessionFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordFlush records one flushed chunk. A non-empty dropReason counts the
// chunk as not forwarded instead.
func (m *Metrics) RecordFlush(ctx context.Context, channel string, bytes int, dropReason string) {
	if dropReason != "" {
		m.FlushDrops.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("channel", channel),
				attribute.String("reason", dropReason),
			),
		)
		return
	}
	m.FlushedBytes.Add(ctx, int64(bytes), metric.WithAttributes(attribute.String("channel", channel)))
}

// RecordArchiveWrite records one archive insert and whether it succeeded.
func (m *Metrics) RecordArchiveWrite(ctx context.Context, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.ArchiveWrites.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
