package simulation

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/danielorbach/go-component"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-digitaltwin/microclimate/scenario"
)

// ErrInvalidHorizon is returned when a prediction targets a time before the
// snapshot it extrapolates from.
var ErrInvalidHorizon = errors.New("invalid prediction horizon")

// Result is the outcome of a simulation run.
type Result struct {
	ModelType string
	ZoneID    string
	// Params are the parameters the run was requested with.
	Params scenario.Params
	// Trajectory starts with the initial state and ends with the final state.
	Trajectory []Sample
}

// Final returns the last simulated state.
func (r Result) Final() Sample {
	if len(r.Trajectory) == 0 {
		return Sample{}
	}
	return r.Trajectory[len(r.Trajectory)-1]
}

// Prediction is the extrapolated state of a zone at a target time.
type Prediction struct {
	ModelType string
	ZoneID    string
	Sample
}

// Engine runs a configured solver against zone snapshots. It owns exactly one
// scenario.Manager for its model type.
//
// Engine is safe for concurrent use.
type Engine struct {
	modelType string
	solver    Solver
	scenarios *scenario.Manager
	timeout   time.Duration
	baseline  scenario.Params
}

// An Option configures an Engine.
type Option func(*Engine)

// WithSolver overrides the registry lookup with the given solver.
func WithSolver(s Solver) Option {
	return func(e *Engine) { e.solver = s }
}

// WithTimeout bounds the running time of every simulation run. Zero means no
// bound other than the caller's context.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// WithBaseline sets the parameters used by Predict.
func WithBaseline(p scenario.Params) Option {
	return func(e *Engine) { e.baseline = maps.Clone(p) }
}

// WithScenarioClock sets the clock stamping scenarios created by the engine.
func WithScenarioClock(now func() time.Time) Option {
	return func(e *Engine) { e.scenarios = e.scenarios.WithClock(now) }
}

// NewEngine returns an Engine for the given model type. It fails with
// ErrUnknownModel if no solver is registered for the model type, unless one is
// provided with WithSolver.
func NewEngine(modelType string, opts ...Option) (*Engine, error) {
	e := &Engine{
		modelType: modelType,
		scenarios: scenario.NewManager(modelType),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.solver == nil {
		s, ok := Lookup(modelType)
		if !ok {
			return nil, fmt.Errorf("new engine: %w: %q", ErrUnknownModel, modelType)
		}
		e.solver = s
	}
	return e, nil
}

func (e *Engine) ModelType() string { return e.modelType }

// CreateScenario creates a scenario for the engine's model type.
func (e *Engine) CreateScenario(name string, params scenario.Params) scenario.Scenario {
	return e.scenarios.CreateScenario(name, params)
}

// CompareScenarios reports the difference between two scenarios.
func (e *Engine) CompareScenarios(baseline, candidate scenario.Scenario) (scenario.Report, error) {
	return e.scenarios.Compare(baseline, candidate)
}

// RunScenario runs the simulation with the parameters of s. It fails with
// scenario.ErrIncompatibleScenarios if s was created for another model type.
func (e *Engine) RunScenario(ctx context.Context, snap Snapshot, s scenario.Scenario) (Result, error) {
	if s.ModelType != e.modelType {
		return Result{}, fmt.Errorf("run scenario %q: %w: model %q differs from %q",
			s.Name, scenario.ErrIncompatibleScenarios, s.ModelType, e.modelType)
	}
	return e.RunSimulation(ctx, snap, s.Params)
}

// RunSimulation invokes the configured solver. The result is deterministic
// given identical model type, snapshot and parameters.
//
// The run is bound by the engine's timeout and by ctx. If either expires, the
// context error is returned without waiting for the solver to notice. A solver
// that does not converge fails with an error wrapping ErrSolverDivergence.
func (e *Engine) RunSimulation(ctx context.Context, snap Snapshot, params scenario.Params) (res Result, err error) {
	ctx, span := tracer.Start(ctx, "Engine.RunSimulation", trace.WithAttributes(
		attribute.String("simulation.model", e.modelType),
		attribute.String("zone.id", snap.ZoneID),
	))
	defer span.End()
	logger := component.Logger(ctx).With("simulation.model", e.modelType, "zone.id", snap.ZoneID)

	defer func(start time.Time) {
		measureRun(ctx, e.modelType, err, time.Since(start))
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}(time.Now())

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	type outcome struct {
		trajectory []Sample
		err        error
	}
	done := make(chan outcome, 1) // buffered so an abandoned solver can still finish
	go func() {
		trajectory, err := e.solver.Solve(ctx, snap, params)
		done <- outcome{trajectory, err}
	}()

	logger.Debug("Running simulation...")
	select {
	case <-ctx.Done():
		logger.Error("Simulation abandoned", "error", ctx.Err())
		return Result{}, fmt.Errorf("simulate %s: %w", e.modelType, ctx.Err())
	case o := <-done:
		if o.err != nil {
			logger.Error("Simulation failed", "error", o.err)
			return Result{}, fmt.Errorf("simulate %s: %w", e.modelType, o.err)
		}
		logger.Debug("Simulation completed", "samples", len(o.trajectory))
		return Result{
			ModelType:  e.modelType,
			ZoneID:     snap.ZoneID,
			Params:     maps.Clone(params),
			Trajectory: o.trajectory,
		}, nil
	}
}

// Predict extrapolates the snapshot to target using the engine's baseline
// parameters. It fails with ErrInvalidHorizon if target precedes the
// snapshot's timestamp.
func (e *Engine) Predict(ctx context.Context, snap Snapshot, target time.Time) (Prediction, error) {
	if target.Before(snap.Timestamp) {
		return Prediction{}, fmt.Errorf("predict %s at %v: %w: snapshot taken at %v",
			snap.ZoneID, target, ErrInvalidHorizon, snap.Timestamp)
	}
	p := Prediction{ModelType: e.modelType, ZoneID: snap.ZoneID}
	horizon := target.Sub(snap.Timestamp)
	if horizon == 0 {
		p.Sample = Sample{
			At:              target,
			Temperature:     snap.Temperature,
			Humidity:        snap.Humidity,
			AirQualityIndex: snap.AirQualityIndex,
		}
		return p, nil
	}

	params := maps.Clone(e.baseline)
	if params == nil {
		params = scenario.Params{}
	}
	params[ParamDuration] = horizon.Seconds()
	res, err := e.RunSimulation(ctx, snap, params)
	if err != nil {
		return Prediction{}, fmt.Errorf("predict %s: %w", snap.ZoneID, err)
	}
	p.Sample = res.Final()
	p.At = target
	return p, nil
}
