package device

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/go-digitaltwin/microclimate/device")

const (
	eventConnected    = "connected"
	eventDisconnected = "disconnected"
	eventHeartbeat    = "heartbeat"
)

// deviceEvents counts lifecycle events of all devices in the process, labelled
// by event name and device kind.
var deviceEvents metric.Int64Counter

func init() {
	var err error
	deviceEvents, err = meter.Int64Counter(
		"device.events",
		metric.WithDescription("The number of device lifecycle events (connect, disconnect, heartbeat)."),
	)
	if err != nil {
		panic("device: failed to init 'device.events' instrument")
	}
}

func countEvent(ctx context.Context, kind Kind, event string) {
	attrs := attribute.NewSet(
		attribute.String("event", event),
		attribute.String("device.kind", kind.String()),
	)
	deviceEvents.Add(ctx, 1, metric.WithAttributeSet(attrs))
}
