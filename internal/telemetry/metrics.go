package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/coachpo/bfxstream/errs"
)

const instrumentationName = "github.com/coachpo/bfxstream/stream"

// StreamMetrics groups the stream and order instruments. A nil *StreamMetrics records nothing.
type StreamMetrics struct {
	frames           metric.Int64Counter
	reconnects       metric.Int64Counter
	reconnectDelay   metric.Float64Histogram
	checksumMismatch metric.Int64Counter
	subscriptions    metric.Int64UpDownCounter
	buckets          metric.Int64UpDownCounter
	orderEvents      metric.Int64Counter
	fatalErrors      metric.Int64Counter
	malformedFrames  metric.Int64Counter
}

// NewStreamMetrics creates the instruments on meter, or on the global meter provider when
// meter is nil.
func NewStreamMetrics(meter metric.Meter) (*StreamMetrics, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	m := &StreamMetrics{}
	var err error
	if m.frames, err = meter.Int64Counter("stream.frames.received",
		metric.WithDescription("Inbound frames by connection and kind"),
		metric.WithUnit("{frame}")); err != nil {
		return nil, err
	}
	if m.reconnects, err = meter.Int64Counter("stream.reconnects",
		metric.WithDescription("Reconnect attempts by result"),
		metric.WithUnit("{attempt}")); err != nil {
		return nil, err
	}
	if m.reconnectDelay, err = meter.Float64Histogram("stream.reconnect.delay",
		metric.WithDescription("Backoff delay before a reconnect attempt"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.checksumMismatch, err = meter.Int64Counter("book.checksum.mismatches",
		metric.WithDescription("Order book checksum mismatches"),
		metric.WithUnit("{mismatch}")); err != nil {
		return nil, err
	}
	if m.subscriptions, err = meter.Int64UpDownCounter("stream.subscriptions.active",
		metric.WithDescription("Subscriptions held by buckets"),
		metric.WithUnit("{subscription}")); err != nil {
		return nil, err
	}
	if m.buckets, err = meter.Int64UpDownCounter("stream.buckets.active",
		metric.WithDescription("Open subscription buckets"),
		metric.WithUnit("{bucket}")); err != nil {
		return nil, err
	}
	if m.orderEvents, err = meter.Int64Counter("orders.events",
		metric.WithDescription("Order lifecycle transitions by status"),
		metric.WithUnit("{event}")); err != nil {
		return nil, err
	}
	if m.fatalErrors, err = meter.Int64Counter("stream.errors.fatal",
		metric.WithDescription("Errors that terminated a connection"),
		metric.WithUnit("{error}")); err != nil {
		return nil, err
	}
	if m.malformedFrames, err = meter.Int64Counter("stream.frames.malformed",
		metric.WithDescription("Frames that failed to decode"),
		metric.WithUnit("{frame}")); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordFrame counts one inbound frame.
func (m *StreamMetrics) RecordFrame(ctx context.Context, connection, kind string) {
	if m == nil {
		return
	}
	m.frames.Add(ctx, 1, metric.WithAttributes(FrameAttributes(connection, kind)...))
}

// RecordMalformed counts a frame that could not be decoded.
func (m *StreamMetrics) RecordMalformed(ctx context.Context, connection string) {
	if m == nil {
		return
	}
	m.malformedFrames.Add(ctx, 1, metric.WithAttributes(ConnectionAttributes(connection)...))
}

// RecordReconnect counts a reconnect attempt; delay is recorded for retries.
func (m *StreamMetrics) RecordReconnect(ctx context.Context, connection, result string, delay time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(ReconnectAttributes(connection, result)...)
	m.reconnects.Add(ctx, 1, attrs)
	if delay > 0 {
		m.reconnectDelay.Record(ctx, delay.Seconds(), attrs)
	}
}

// RecordChecksumMismatch counts a book resync trigger.
func (m *StreamMetrics) RecordChecksumMismatch(ctx context.Context, symbol string) {
	if m == nil {
		return
	}
	m.checksumMismatch.Add(ctx, 1, metric.WithAttributes(AttrSymbol.String(symbol)))
}

// SubscriptionDelta adjusts the active subscription gauge.
func (m *StreamMetrics) SubscriptionDelta(ctx context.Context, channel string, delta int64) {
	if m == nil {
		return
	}
	m.subscriptions.Add(ctx, delta, metric.WithAttributes(SubscriptionAttributes(channel)...))
}

// BucketDelta adjusts the open bucket gauge.
func (m *StreamMetrics) BucketDelta(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.buckets.Add(ctx, delta)
}

// RecordOrderEvent counts an order transition.
func (m *StreamMetrics) RecordOrderEvent(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.orderEvents.Add(ctx, 1, metric.WithAttributes(AttrStatus.String(status)))
}

// RecordFatal counts a terminal connection error, classified by its canonical code.
func (m *StreamMetrics) RecordFatal(ctx context.Context, connection string, err error) {
	if m == nil {
		return
	}
	m.fatalErrors.Add(ctx, 1, metric.WithAttributes(ErrorAttributes(connection, ErrorType(err))...))
}

// ErrorType returns the canonical code of err, or "unknown".
func ErrorType(err error) string {
	var e *errs.E
	if errors.As(err, &e) && e.Canonical != "" {
		return string(e.Canonical)
	}
	return string(errs.CanonicalUnknown)
}

// Tracer returns the tracer used for connection and order command spans.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}
