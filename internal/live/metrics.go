package live

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/loqalabs/livevoice/live"

type metrics struct {
	packets    metric.Int64Counter
	errors     metric.Int64Counter
	reconnects metric.Int64Counter
}

func newMetrics() (*metrics, error) {
	fallback := noop.NewMeterProvider().Meter(instrumentationName)
	m := &metrics{}
	m.packets, _ = fallback.Int64Counter("packets")
	m.errors, _ = fallback.Int64Counter("errors")
	m.reconnects, _ = fallback.Int64Counter("reconnects")

	meter := otel.Meter(instrumentationName)
	packets, err := meter.Int64Counter("livevoice.live.frames.decoded", metric.WithDescription("Packets decoded from gateway sockets"))
	if err != nil {
		return m, err
	}
	errs, err := meter.Int64Counter("livevoice.live.decode.errors", metric.WithDescription("Frames dropped or resynchronized"))
	if err != nil {
		return m, err
	}
	reconnects, err := meter.Int64Counter("livevoice.live.reconnects", metric.WithDescription("Gateway sessions that ended and were retried"))
	if err != nil {
		return m, err
	}
	m.packets, m.errors, m.reconnects = packets, errs, reconnects
	return m, nil
}

func (m *metrics) countPackets(roomID int64, op uint32, n int) {
	m.packets.Add(context.Background(), int64(n), metric.WithAttributes(
		attribute.Int64("room_id", roomID),
		attribute.Int64("op", int64(op)),
	))
}

func (m *metrics) countError(roomID int64, kind string) {
	m.errors.Add(context.Background(), 1, metric.WithAttributes(
		attribute.Int64("room_id", roomID),
		attribute.String("kind", kind),
	))
}

func (m *metrics) countReconnect(roomID int64) {
	m.reconnects.Add(context.Background(), 1, metric.WithAttributes(attribute.Int64("room_id", roomID)))
}
