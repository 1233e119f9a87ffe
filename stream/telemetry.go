package stream

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/microclimate/stream")
var meter = otel.Meter("github.com/go-digitaltwin/microclimate/stream")

var (
	// publishDuration measures the duration of producing a sync cycle's alerts
	// to the pubsub service.
	//
	// Each record is associated with the twin id.
	publishDuration metric.Float64Histogram
	// publishFailures measures the number of alert batches that failed to
	// publish.
	//
	// Each record is associated with the twin id.
	publishFailures metric.Int64Counter
)

func init() {
	var err error
	publishDuration, err = meter.Float64Histogram(
		"alerts.publish.duration",
		metric.WithDescription("The duration it took to produce (to pubsub service) a batch of alerts."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("stream: failed to init 'alerts.publish.duration' instrument")
	}

	publishFailures, err = meter.Int64Counter(
		"alerts.publish.failures",
		metric.WithDescription("The number of alert batches that failed to publish."),
	)
	if err != nil {
		panic("stream: failed to init 'alerts.publish.failures' instrument")
	}
}

func measurePublish(ctx context.Context, twinID string, succeeded bool, d time.Duration) {
	attrs := attribute.NewSet(attribute.String("twin.id", twinID))
	if succeeded {
		publishDuration.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributeSet(attrs))
		return
	}
	publishFailures.Add(ctx, 1, metric.WithAttributeSet(attrs))
}
