package device

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/danielorbach/go-component"
)

// Command is an instruction for an Actuator, e.g. {Name: "fan_speed", Value: 0.75}.
type Command struct {
	Name  string
	Value float64
}

// Result reports the outcome of a Command executed by an Actuator.
type Result struct {
	DeviceID string
	Command  Command
	Success  bool
	// Message explains a failed command; it is empty on success.
	Message string
	// State is the actuator-reported state after the command was applied.
	State map[string]float64
	At    time.Time
}

// An Executor carries commands to the physical actuator of the given target
// zone and returns the state it reports back.
type Executor interface {
	Execute(ctx context.Context, targetZone string, cmd Command) (state map[string]float64, err error)
}

// Setpoints is an Executor that records the latest value of every command name
// as the actuator's state.
//
// The zero value is ready to use. Setpoints is safe for concurrent use.
type Setpoints struct {
	mu sync.Mutex
	m  map[string]float64
}

var errEmptyCommand = errors.New("empty command name")

func (s *Setpoints) Execute(_ context.Context, _ string, cmd Command) (map[string]float64, error) {
	if cmd.Name == "" {
		return nil, errEmptyCommand
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = make(map[string]float64)
	}
	s.m[cmd.Name] = cmd.Value
	return maps.Clone(s.m), nil
}

// Actuator is a Device that executes commands within its target zone.
type Actuator struct {
	base
	targetZone string
	executor   Executor
}

var _ Device = (*Actuator)(nil)

// NewActuator returns an Offline actuator acting on targetZone. A nil executor
// is replaced by a fresh Setpoints.
func NewActuator(id, targetZone string, executor Executor, opts ...Option) *Actuator {
	if executor == nil {
		executor = new(Setpoints)
	}
	return &Actuator{
		base:       newBase(id, KindActuator, opts),
		targetZone: targetZone,
		executor:   executor,
	}
}

func (a *Actuator) TargetZone() string { return a.targetZone }

// ExecuteCommand applies cmd through the actuator's Executor. It fails with
// ErrDeviceOffline if the actuator is not connected.
//
// A command the executor rejects is not an error of ExecuteCommand; it is
// reported by a Result with Success false and an explanatory Message.
func (a *Actuator) ExecuteCommand(ctx context.Context, cmd Command) (Result, error) {
	if err := a.online(); err != nil {
		return Result{}, err
	}
	logger := component.Logger(ctx).With("device.id", a.id, "command", cmd.Name)
	logger.Debug("Executing command...", "zone.id", a.targetZone)

	res := Result{DeviceID: a.id, Command: cmd}
	state, err := a.executor.Execute(ctx, a.targetZone, cmd)
	res.At = a.now()
	if err != nil {
		logger.Error("Actuator rejected command", "error", err)
		res.Message = err.Error()
		return res, nil
	}
	res.Success = true
	res.State = state
	logger.Info("Command executed successfully")
	return res, nil
}
