package neo4jstore

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/microclimate/neo4jstore")
var meter = otel.Meter("github.com/go-digitaltwin/microclimate/neo4jstore")

var (
	// recordedAlerts counts the alerts written to the alert history, labelled by
	// database.
	recordedAlerts metric.Int64Counter
)

func init() {
	var err error
	recordedAlerts, err = meter.Int64Counter(
		"store.alerts.recorded",
		metric.WithDescription("The number of alerts written to the alert history."),
	)
	if err != nil {
		s := fmt.Sprintf("neo4jstore: failed to init 'store.alerts.recorded' instrument: %v", err)
		panic(s)
	}
}

func countRecordedAlerts(ctx context.Context, database string, n int) {
	attrs := attribute.NewSet(attribute.String("neo4j.database", database))
	recordedAlerts.Add(ctx, int64(n), metric.WithAttributeSet(attrs))
}
