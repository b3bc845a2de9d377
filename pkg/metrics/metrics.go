// Package metrics records counters through the global OpenTelemetry meter
// provider. Without a configured provider the instruments are no-ops.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/mahaj/roomcast"

type Recorder struct {
	messages    metric.Int64Counter
	broadcasts  metric.Int64Counter
	rejected    metric.Int64Counter
	exhausted   metric.Int64Counter
	softFailure metric.Int64Counter
	connections metric.Int64UpDownCounter
}

func New() (*Recorder, error) {
	return NewWithMeter(otel.Meter(meterName))
}

func NewWithMeter(meter metric.Meter) (*Recorder, error) {
	var (
		r   Recorder
		err error
	)
	if r.messages, err = meter.Int64Counter("roomcast.messages.appended",
		metric.WithDescription("Messages durably appended to history")); err != nil {
		return nil, err
	}
	if r.broadcasts, err = meter.Int64Counter("roomcast.broadcasts.published",
		metric.WithDescription("Envelopes accepted by the bus")); err != nil {
		return nil, err
	}
	if r.rejected, err = meter.Int64Counter("roomcast.events.rejected",
		metric.WithDescription("Inbound events rejected by the dispatcher")); err != nil {
		return nil, err
	}
	if r.exhausted, err = meter.Int64Counter("roomcast.retries.exhausted",
		metric.WithDescription("Store or bus operations that failed after all retries")); err != nil {
		return nil, err
	}
	if r.softFailure, err = meter.Int64Counter("roomcast.presence.soft_failures",
		metric.WithDescription("Presence writes abandoned after retry")); err != nil {
		return nil, err
	}
	if r.connections, err = meter.Int64UpDownCounter("roomcast.connections.active",
		metric.WithDescription("Live gateway sessions")); err != nil {
		return nil, err
	}
	return &r, nil
}

// Noop never fails; used by tests and as a fallback.
func Noop() *Recorder {
	r, _ := New()
	return r
}

func (r *Recorder) MessageAppended(ctx context.Context, room string) {
	r.messages.Add(ctx, 1, metric.WithAttributes(attribute.String("room", room)))
}

func (r *Recorder) BroadcastPublished(ctx context.Context, event string) {
	r.broadcasts.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

func (r *Recorder) EventRejected(ctx context.Context, event, code string) {
	r.rejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", event),
		attribute.String("code", code),
	))
}

func (r *Recorder) RetriesExhausted(ctx context.Context, op string) {
	r.exhausted.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

func (r *Recorder) PresenceSoftFailure(ctx context.Context, op string) {
	r.softFailure.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

func (r *Recorder) ConnectionOpened(ctx context.Context) { r.connections.Add(ctx, 1) }

func (r *Recorder) ConnectionClosed(ctx context.Context) { r.connections.Add(ctx, -1) }
