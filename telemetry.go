package microclimate

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/go-digitaltwin/microclimate/anomaly"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/microclimate")
var meter = otel.Meter("github.com/go-digitaltwin/microclimate")

const (
	// twinIDKey is the attribute key associating each sync record with its
	// twin, allowing both fleet-wide and per-twin analysis.
	twinIDKey = "twin.id"
)

var (
	// syncDuration measures the duration of completed sync cycles, including
	// delivery of their alerts.
	//
	// Each record is associated with the twinIDKey.
	syncDuration metric.Float64Histogram
	// syncFailures counts device failures observed by sync cycles, and cycles
	// that failed as a whole.
	//
	// Each record is associated with the twinIDKey.
	syncFailures metric.Int64Counter
	// alertsRaised counts the alerts raised by sync cycles, labelled by metric
	// and severity.
	alertsRaised metric.Int64Counter
)

func init() {
	var err error
	syncDuration, err = meter.Float64Histogram(
		"twin.sync.duration",
		metric.WithDescription("The duration of a single sync cycle, including the delivery of its alerts."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("microclimate: failed to init 'twin.sync.duration' instrument")
	}

	syncFailures, err = meter.Int64Counter(
		"twin.sync.failures",
		metric.WithDescription("The number of failed sync cycles and of devices that failed to report during a sync."),
	)
	if err != nil {
		panic("microclimate: failed to init 'twin.sync.failures' instrument")
	}

	alertsRaised, err = meter.Int64Counter(
		"twin.alerts",
		metric.WithDescription("The number of anomaly alerts raised during sync cycles."),
	)
	if err != nil {
		panic("microclimate: failed to init 'twin.alerts' instrument")
	}
}

// measureSync records the duration of a successful cycle, or counts a failed
// one.
func measureSync(ctx context.Context, twinID string, err error, d time.Duration) {
	attrs := attribute.NewSet(attribute.String(twinIDKey, twinID))
	if err != nil {
		syncFailures.Add(ctx, 1, metric.WithAttributeSet(attrs))
		return
	}
	syncDuration.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributeSet(attrs))
}

func countFailures(ctx context.Context, twinID string, n int) {
	if n == 0 {
		return
	}
	attrs := attribute.NewSet(attribute.String(twinIDKey, twinID))
	syncFailures.Add(ctx, int64(n), metric.WithAttributeSet(attrs))
}

func countAlerts(ctx context.Context, alerts []anomaly.Alert) {
	for _, a := range alerts {
		attrs := attribute.NewSet(
			attribute.String("metric", a.Metric),
			attribute.String("severity", a.Severity.String()),
		)
		alertsRaised.Add(ctx, 1, metric.WithAttributeSet(attrs))
	}
}
