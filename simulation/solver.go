package simulation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/go-digitaltwin/microclimate/scenario"
)

// DefaultModel is the model type of the built-in lumped-volume solver.
const DefaultModel = "General_Fluid_Dynamics"

// Parameters understood by the built-in solver. Missing parameters take the
// documented defaults.
const (
	ParamDuration          = "duration_s"          // simulated time span, seconds (default 3600)
	ParamStep              = "step_s"              // integration step, seconds (default 60)
	ParamAmbientTemp       = "ambient_temperature" // °C (default: initial temperature)
	ParamOutdoorHumidity   = "outdoor_humidity"    // % (default: initial humidity)
	ParamOutdoorAQI        = "outdoor_aqi"         // index (default: initial AQI)
	ParamVentilationRate   = "ventilation_rate"    // air changes per hour (default 0.5)
	ParamHeatLoad          = "heat_load"           // °C per hour (default 0)
	ParamPollutantEmission = "pollutant_emission"  // AQI per hour (default 0)
)

var (
	// ErrSolverDivergence is returned when a solver's numerical method fails to
	// converge. Retrying with identical inputs repeats the failure; adjust the
	// parameters instead.
	ErrSolverDivergence = errors.New("solver diverged")
	// ErrInvalidParams is returned for parameter values a solver cannot accept.
	ErrInvalidParams = errors.New("invalid simulation parameters")
	// ErrUnknownModel is returned when no solver is registered for a model type.
	ErrUnknownModel = errors.New("unknown model type")
)

// DivergenceError describes where a solver diverged. It unwraps to
// ErrSolverDivergence.
type DivergenceError struct {
	ModelType string
	Step      int
	Reason    string
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("%s: step %d: %s: %v", e.ModelType, e.Step, e.Reason, ErrSolverDivergence)
}

func (e *DivergenceError) Unwrap() error { return ErrSolverDivergence }

// Snapshot is the state of a zone handed to a solver.
type Snapshot struct {
	ZoneID          string
	Temperature     float64
	Humidity        float64
	AirQualityIndex float64
	Timestamp       time.Time
}

// Sample is the simulated state of a zone at a point in time.
type Sample struct {
	At              time.Time
	Temperature     float64
	Humidity        float64
	AirQualityIndex float64
}

// A Solver integrates a model forward from an initial snapshot.
//
// Implementations must be deterministic and safe for concurrent use. They
// should honour ctx cancellation, although the Engine does not wait for a
// solver that ignores it.
type Solver interface {
	// Solve returns the trajectory of the model, starting with the initial
	// state at initial.Timestamp.
	Solve(ctx context.Context, initial Snapshot, params scenario.Params) ([]Sample, error)
}

// SolverFunc adapts an ordinary function to a Solver.
type SolverFunc func(ctx context.Context, initial Snapshot, params scenario.Params) ([]Sample, error)

func (f SolverFunc) Solve(ctx context.Context, initial Snapshot, params scenario.Params) ([]Sample, error) {
	return f(ctx, initial, params)
}

// The registry maps model types to solvers for the entire process.
var registry sync.Map // map[string]Solver

func init() {
	Register(DefaultModel, LumpedSolver{ModelType: DefaultModel})
}

// Register makes a solver available under the given model type. It panics if
// the model type is already registered.
func Register(modelType string, s Solver) {
	if _, dup := registry.LoadOrStore(modelType, s); dup {
		panic(fmt.Sprintf("simulation: registering duplicate solver for model %q", modelType))
	}
}

// Lookup returns the solver registered for the given model type.
func Lookup(modelType string) (Solver, bool) {
	s, ok := registry.Load(modelType)
	if !ok {
		return nil, false
	}
	return s.(Solver), true
}

// LumpedSolver integrates the single-volume ventilation model described in the
// package documentation with explicit Euler steps.
type LumpedSolver struct {
	// ModelType labels divergence errors.
	ModelType string
}

func (s LumpedSolver) Solve(ctx context.Context, initial Snapshot, params scenario.Params) ([]Sample, error) {
	duration := params.Get(ParamDuration, 3600)
	step := params.Get(ParamStep, 60)
	if duration < 0 || math.IsNaN(duration) || math.IsInf(duration, 0) {
		return nil, fmt.Errorf("%w: %s = %v", ErrInvalidParams, ParamDuration, duration)
	}
	if step <= 0 || math.IsNaN(step) || math.IsInf(step, 0) {
		return nil, fmt.Errorf("%w: %s = %v", ErrInvalidParams, ParamStep, step)
	}

	var (
		ambient   = params.Get(ParamAmbientTemp, initial.Temperature)
		outHum    = params.Get(ParamOutdoorHumidity, initial.Humidity)
		outAQI    = params.Get(ParamOutdoorAQI, initial.AirQualityIndex)
		vent      = params.Get(ParamVentilationRate, 0.5)
		heatLoad  = params.Get(ParamHeatLoad, 0)
		emission  = params.Get(ParamPollutantEmission, 0)
		total     = time.Duration(duration * float64(time.Second))
		stride    = time.Duration(step * float64(time.Second))
		stepCount = int(math.Ceil(duration / step))
	)
	if stride <= 0 {
		return nil, fmt.Errorf("%w: %s = %v is below the clock resolution", ErrInvalidParams, ParamStep, step)
	}

	cur := Sample{
		At:              initial.Timestamp,
		Temperature:     initial.Temperature,
		Humidity:        initial.Humidity,
		AirQualityIndex: initial.AirQualityIndex,
	}
	trajectory := make([]Sample, 0, stepCount+1)
	trajectory = append(trajectory, cur)

	var elapsed time.Duration
	for i := 1; elapsed < total; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dt := min(stride, total-elapsed)
		h := dt.Hours()
		if vent*h >= 2 {
			return nil, &DivergenceError{
				ModelType: s.ModelType,
				Step:      i,
				Reason:    fmt.Sprintf("ventilation rate %v with step %v exceeds the stability bound", vent, dt),
			}
		}
		next := Sample{
			Temperature:     cur.Temperature + h*(vent*(ambient-cur.Temperature)+heatLoad),
			Humidity:        cur.Humidity + h*(vent*(outHum-cur.Humidity)),
			AirQualityIndex: cur.AirQualityIndex + h*(vent*(outAQI-cur.AirQualityIndex)+emission),
		}
		if !finite(next.Temperature, next.Humidity, next.AirQualityIndex) {
			return nil, &DivergenceError{ModelType: s.ModelType, Step: i, Reason: "state is not finite"}
		}
		elapsed += dt
		next.At = initial.Timestamp.Add(elapsed)
		trajectory = append(trajectory, next)
		cur = next
	}
	return trajectory, nil
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
