package microclimate

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/go-digitaltwin/microclimate/anomaly"
	"github.com/go-digitaltwin/microclimate/device"
	"github.com/go-digitaltwin/microclimate/scenario"
	"github.com/go-digitaltwin/microclimate/simulation"
	"github.com/go-digitaltwin/microclimate/zone"
)

var (
	// ErrDuplicateZoneID is returned when adding a zone whose id is already
	// present in the twin.
	ErrDuplicateZoneID = errors.New("duplicate zone id")
	// ErrZoneNotFound is returned when addressing a zone the twin does not hold.
	ErrZoneNotFound = errors.New("zone not found")
	// ErrClosed is returned by every operation on a closed twin.
	ErrClosed = errors.New("digital twin closed")
)

// GeoLocation is the static position of the system-of-interest.
type GeoLocation struct {
	Latitude  float64
	Longitude float64
}

func (g GeoLocation) String() string {
	return fmt.Sprintf("(%v, %v)", g.Latitude, g.Longitude)
}

// DefaultSimulationTimeout bounds the simulation runs of a twin created
// without WithSimulationTimeout.
const DefaultSimulationTimeout = 30 * time.Second

// DefaultThresholds returns the thresholds of a twin created without
// WithThresholds.
func DefaultThresholds() map[string]anomaly.Threshold {
	return map[string]anomaly.Threshold{
		device.MetricTemperature: {Limit: 40, Mode: anomaly.Upper},
	}
}

// An AlertSink receives the alerts raised by every sync cycle.
type AlertSink interface {
	RecordAlerts(ctx context.Context, alerts []anomaly.Alert) error
}

// AlertSinkFunc adapts an ordinary function to an AlertSink.
type AlertSinkFunc func(ctx context.Context, alerts []anomaly.Alert) error

func (f AlertSinkFunc) RecordAlerts(ctx context.Context, alerts []anomaly.Alert) error {
	return f(ctx, alerts)
}

type settings struct {
	modelType  string
	thresholds map[string]anomaly.Threshold
	cooldown   time.Duration
	timeout    time.Duration
	now        func() time.Time
	sinks      []AlertSink
	simOpts    []simulation.Option
}

// An Option configures a Twin.
type Option func(*settings)

// WithModelType selects the simulation model. The default is
// simulation.DefaultModel.
func WithModelType(modelType string) Option {
	return func(s *settings) { s.modelType = modelType }
}

// WithThresholds replaces the default anomaly thresholds.
func WithThresholds(thresholds map[string]anomaly.Threshold) Option {
	return func(s *settings) { s.thresholds = thresholds }
}

// WithCooldown sets the anomaly debounce window; see anomaly.WithCooldown.
func WithCooldown(d time.Duration) Option {
	return func(s *settings) { s.cooldown = d }
}

// WithSimulationTimeout bounds every simulation run started by the twin. Zero
// leaves runs bound only by their context.
func WithSimulationTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

// WithSimulationOptions passes additional options to the simulation engine.
func WithSimulationOptions(opts ...simulation.Option) Option {
	return func(s *settings) { s.simOpts = append(s.simOpts, opts...) }
}

// WithClock sets the clock used to stamp sync cycles and scenarios.
func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

// WithAlertSink adds a sink to which the alerts of every sync are delivered.
// Sinks are called in the order they were added.
func WithAlertSink(sink AlertSink) Option {
	return func(s *settings) { s.sinks = append(s.sinks, sink) }
}

// Twin is a digital twin of a micro-climate site: the root aggregate owning its
// zones, one simulation engine and one anomaly detector.
//
// A Twin is the sole external-facing handle of the system. It is safe for
// concurrent use; sync cycles are serialized.
type Twin struct {
	id       string
	location GeoLocation
	now      func() time.Time
	engine   *simulation.Engine
	detector *anomaly.Detector
	sinks    []AlertSink

	syncMu sync.Mutex // serializes Sync and Close

	// envMu makes a sync's environment updates appear atomic to Visualize
	// across all zones.
	envMu sync.RWMutex

	mu       sync.RWMutex
	zones    []*zone.Zone
	lastSync time.Time
	closed   bool
}

// New returns a Twin with no zones. Its last sync time is the creation time.
func New(id string, location GeoLocation, opts ...Option) (*Twin, error) {
	s := settings{
		modelType:  simulation.DefaultModel,
		thresholds: DefaultThresholds(),
		cooldown:   anomaly.DefaultCooldown,
		timeout:    DefaultSimulationTimeout,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(&s)
	}

	simOpts := append([]simulation.Option{
		simulation.WithTimeout(s.timeout),
		simulation.WithScenarioClock(s.now),
	}, s.simOpts...)
	engine, err := simulation.NewEngine(s.modelType, simOpts...)
	if err != nil {
		return nil, fmt.Errorf("new twin %s: %w", id, err)
	}
	detector, err := anomaly.New(s.thresholds, anomaly.WithCooldown(s.cooldown))
	if err != nil {
		return nil, fmt.Errorf("new twin %s: %w", id, err)
	}

	return &Twin{
		id:       id,
		location: location,
		now:      s.now,
		engine:   engine,
		detector: detector,
		sinks:    s.sinks,
		lastSync: s.now(),
	}, nil
}

func (t *Twin) ID() string            { return t.id }
func (t *Twin) Location() GeoLocation { return t.location }

// Engine returns the simulation engine owned by the twin.
func (t *Twin) Engine() *simulation.Engine { return t.engine }

// Detector returns the anomaly detector owned by the twin.
func (t *Twin) Detector() *anomaly.Detector { return t.detector }

// LastSyncTime returns the start time of the latest completed sync cycle. It
// never decreases.
func (t *Twin) LastSyncTime() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastSync
}

// AddZone adds z to the twin, which takes ownership of it. It fails with
// ErrDuplicateZoneID if a zone with the same id is already present.
func (t *Twin) AddZone(z *zone.Zone) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("add zone %s: %w", z.ID(), ErrClosed)
	}
	if slices.ContainsFunc(t.zones, func(other *zone.Zone) bool { return other.ID() == z.ID() }) {
		return fmt.Errorf("add zone %s: %w", z.ID(), ErrDuplicateZoneID)
	}
	t.zones = append(t.zones, z)
	return nil
}

// Zone looks up a zone by id.
func (t *Twin) Zone(id string) (*zone.Zone, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return nil, fmt.Errorf("zone %s: %w", id, ErrClosed)
	}
	for _, z := range t.zones {
		if z.ID() == id {
			return z, nil
		}
	}
	return nil, fmt.Errorf("zone %s: %w", id, ErrZoneNotFound)
}

// Zones returns the zones of the twin in the order they were added.
func (t *Twin) Zones() []*zone.Zone {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.zones)
}

// Close destroys the twin. Its zones are dropped and the detector forgets
// their debounce state. Their devices are deregistered but otherwise left
// untouched. Close waits for an in-flight sync
// to complete. Closing a closed twin returns ErrClosed.
func (t *Twin) Close() error {
	t.syncMu.Lock()
	defer t.syncMu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("close %s: %w", t.id, ErrClosed)
	}
	for _, z := range t.zones {
		z.DeregisterAll()
		t.detector.ResetZone(z.ID())
	}
	t.zones = nil
	t.closed = true
	return nil
}

func (t *Twin) checkOpen() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return ErrClosed
	}
	return nil
}

// snapshot captures the environment of z for the simulation engine. A zone
// that has not received any measurement is stamped with the current time.
func (t *Twin) snapshot(z *zone.Zone) simulation.Snapshot {
	env := z.Environment()
	ts := env.UpdatedAt
	if ts.IsZero() {
		ts = t.now()
	}
	return simulation.Snapshot{
		ZoneID:          z.ID(),
		Temperature:     env.Temperature,
		Humidity:        env.Humidity,
		AirQualityIndex: float64(env.AirQualityIndex),
		Timestamp:       ts,
	}
}

// Simulate runs the twin's model against the current environment of a zone.
func (t *Twin) Simulate(ctx context.Context, zoneID string, params scenario.Params) (simulation.Result, error) {
	z, err := t.Zone(zoneID)
	if err != nil {
		return simulation.Result{}, err
	}
	return t.engine.RunSimulation(ctx, t.snapshot(z), params)
}

// RunScenario runs a scenario against the current environment of a zone.
func (t *Twin) RunScenario(ctx context.Context, zoneID string, s scenario.Scenario) (simulation.Result, error) {
	z, err := t.Zone(zoneID)
	if err != nil {
		return simulation.Result{}, err
	}
	return t.engine.RunScenario(ctx, t.snapshot(z), s)
}

// Predict extrapolates the environment of a zone to target.
func (t *Twin) Predict(ctx context.Context, zoneID string, target time.Time) (simulation.Prediction, error) {
	z, err := t.Zone(zoneID)
	if err != nil {
		return simulation.Prediction{}, err
	}
	return t.engine.Predict(ctx, t.snapshot(z), target)
}

// CreateScenario creates a scenario for the twin's model.
func (t *Twin) CreateScenario(name string, params scenario.Params) scenario.Scenario {
	return t.engine.CreateScenario(name, params)
}

// CompareScenarios reports the difference between two scenarios.
func (t *Twin) CompareScenarios(baseline, candidate scenario.Scenario) (scenario.Report, error) {
	return t.engine.CompareScenarios(baseline, candidate)
}

// Analyze feeds an out-of-band measurement stream of a zone's device to the
// twin's detector. The stream shares debounce state with the device's synced
// measurements. The alerts are returned but not delivered to the alert sinks.
func (t *Twin) Analyze(ctx context.Context, zoneID, deviceID string, measurements []device.Measurement) ([]anomaly.Alert, error) {
	if _, err := t.Zone(zoneID); err != nil {
		return nil, err
	}
	s := anomaly.Stream{ZoneID: zoneID, DeviceID: deviceID}
	return t.detector.AnalyzeStream(ctx, s, measurements), nil
}

// ExecuteCommand sends cmd to an actuator registered with a zone.
func (t *Twin) ExecuteCommand(ctx context.Context, zoneID, actuatorID string, cmd device.Command) (device.Result, error) {
	z, err := t.Zone(zoneID)
	if err != nil {
		return device.Result{}, err
	}
	d, ok := z.Device(actuatorID)
	if !ok {
		return device.Result{}, fmt.Errorf("execute %q on %s/%s: %w", cmd.Name, zoneID, actuatorID, zone.ErrDeviceNotFound)
	}
	a, ok := d.(*device.Actuator)
	if !ok {
		return device.Result{}, fmt.Errorf("execute %q on %s/%s: device is a %v", cmd.Name, zoneID, actuatorID, d.Kind())
	}
	return a.ExecuteCommand(ctx, cmd)
}
