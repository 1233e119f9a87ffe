package simulation

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/microclimate/simulation")
var meter = otel.Meter("github.com/go-digitaltwin/microclimate/simulation")

var (
	// runDuration measures the duration of successful simulation runs, labelled
	// by model type.
	runDuration metric.Float64Histogram
	// divergences counts simulation runs that failed with ErrSolverDivergence.
	divergences metric.Int64Counter
)

func init() {
	var err error
	runDuration, err = meter.Float64Histogram(
		"simulation.run.duration",
		metric.WithDescription("The duration of a successful simulation run."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("simulation: failed to init 'simulation.run.duration' instrument")
	}

	divergences, err = meter.Int64Counter(
		"simulation.divergences",
		metric.WithDescription("The number of simulation runs whose solver failed to converge."),
	)
	if err != nil {
		panic("simulation: failed to init 'simulation.divergences' instrument")
	}
}

func measureRun(ctx context.Context, modelType string, err error, d time.Duration) {
	attrs := attribute.NewSet(attribute.String("simulation.model", modelType))
	switch {
	case err == nil:
		runDuration.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributeSet(attrs))
	case errors.Is(err, ErrSolverDivergence):
		divergences.Add(ctx, 1, metric.WithAttributeSet(attrs))
	}
}
