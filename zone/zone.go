// Package zone aggregates the devices of a bounded physical area together with
// the area's environmental snapshot.
//
// A Zone references its devices without owning them: removing a device from a
// zone (or dropping the zone) leaves the device usable elsewhere. The
// environment is written by a single writer at a time and readers always
// observe a complete snapshot, never a partially applied batch.
package zone

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/danielorbach/go-component"
	"github.com/go-digitaltwin/microclimate/device"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrDuplicateDeviceID is returned when registering a device whose id is
	// already registered with the zone.
	ErrDuplicateDeviceID = errors.New("duplicate device id")
	// ErrDeviceNotFound is returned when removing or looking up a device that is
	// not registered with the zone.
	ErrDeviceNotFound = errors.New("device not found")
)

// Environment is the aggregate environmental state of a zone.
type Environment struct {
	Temperature     float64
	Humidity        float64
	AirQualityIndex int
	// Other holds the latest value of metrics without a dedicated field.
	Other map[string]float64
	// UpdatedAt is the timestamp of the newest measurement folded into the
	// environment; it is the zero time until the first measurement arrives.
	UpdatedAt time.Time
}

// Value returns the current value of the named metric.
func (e Environment) Value(metric string) (float64, bool) {
	switch metric {
	case device.MetricTemperature:
		return e.Temperature, true
	case device.MetricHumidity:
		return e.Humidity, true
	case device.MetricAirQualityIndex:
		return float64(e.AirQualityIndex), true
	}
	v, ok := e.Other[metric]
	return v, ok
}

func (e Environment) clone() Environment {
	e.Other = maps.Clone(e.Other)
	return e
}

func (e *Environment) set(metric string, v float64) {
	switch metric {
	case device.MetricTemperature:
		e.Temperature = v
	case device.MetricHumidity:
		e.Humidity = v
	case device.MetricAirQualityIndex:
		e.AirQualityIndex = int(math.Round(v))
	default:
		if e.Other == nil {
			e.Other = make(map[string]float64)
		}
		e.Other[metric] = v
	}
}

// A Measurer is a Device capable of producing measurements, such as a
// *device.Sensor.
type Measurer interface {
	device.Device
	MeasureData(ctx context.Context) (device.Measurement, error)
}

// Zone is a bounded physical area with an environmental snapshot and a set of
// associated devices. Devices are kept in registration order.
//
// Zone is safe for concurrent use.
type Zone struct {
	id          string
	readTimeout time.Duration

	mu       sync.RWMutex
	env      Environment
	observed map[string]time.Time // newest timestamp folded in, per metric
	devices  []device.Device
}

// An Option configures a Zone.
type Option func(*Zone)

// WithReadTimeout bounds every sensor read of CollectMeasurements. A sensor
// that does not answer in time is reported as failed. Zero leaves reads bound
// only by the collection's context.
func WithReadTimeout(d time.Duration) Option {
	return func(z *Zone) { z.readTimeout = d }
}

// New returns a zone with the given initial environment and no devices.
func New(id string, initial Environment, opts ...Option) *Zone {
	z := &Zone{
		id:       id,
		env:      initial.clone(),
		observed: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(z)
	}
	return z
}

func (z *Zone) ID() string { return z.id }

// AddDevice registers d with the zone. It fails with ErrDuplicateDeviceID if a
// device with the same id is already registered, leaving the zone unchanged.
func (z *Zone) AddDevice(d device.Device) error {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.indexOf(d.ID()) >= 0 {
		return fmt.Errorf("zone %s: add device %q: %w", z.id, d.ID(), ErrDuplicateDeviceID)
	}
	z.devices = append(z.devices, d)
	return nil
}

// RemoveDevice deregisters the device with the given id. It fails with
// ErrDeviceNotFound if no such device is registered. The device itself is left
// untouched.
func (z *Zone) RemoveDevice(id string) error {
	z.mu.Lock()
	defer z.mu.Unlock()
	i := z.indexOf(id)
	if i < 0 {
		return fmt.Errorf("zone %s: remove device %q: %w", z.id, id, ErrDeviceNotFound)
	}
	z.devices = slices.Delete(z.devices, i, i+1)
	return nil
}

// Device looks up a registered device by id.
func (z *Zone) Device(id string) (device.Device, bool) {
	z.mu.RLock()
	defer z.mu.RUnlock()
	if i := z.indexOf(id); i >= 0 {
		return z.devices[i], true
	}
	return nil, false
}

// Devices returns the registered devices in registration order.
func (z *Zone) Devices() []device.Device {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return slices.Clone(z.devices)
}

// DeregisterAll removes every device from the zone and returns them.
func (z *Zone) DeregisterAll() []device.Device {
	z.mu.Lock()
	defer z.mu.Unlock()
	released := z.devices
	z.devices = nil
	return released
}

func (z *Zone) indexOf(id string) int {
	return slices.IndexFunc(z.devices, func(d device.Device) bool { return d.ID() == id })
}

// CollectMeasurements queries every registered Measurer concurrently and
// returns their measurements in registration order, stamped with the zone's id.
//
// This is a best-effort snapshot: a device that fails to measure (including an
// offline sensor, which fails with device.ErrDeviceOffline) is skipped and
// reported in failures instead of aborting the collection. A read still
// pending when ctx is done, or when the zone's read timeout expires, is
// abandoned and reported as failed with the context's error; the collection
// does not wait for it.
func (z *Zone) CollectMeasurements(ctx context.Context) (measurements []device.Measurement, failures []*device.Error) {
	var sensors []Measurer
	for _, d := range z.Devices() {
		if m, ok := d.(Measurer); ok {
			sensors = append(sensors, m)
		}
	}

	logger := component.Logger(ctx).With("zone.id", z.id)
	logger.Debug("Collecting measurements...", "sensors", len(sensors))

	outcomes := make([]outcome, len(sensors))
	var g errgroup.Group
	for i, s := range sensors {
		g.Go(func() error {
			outcomes[i] = z.measure(ctx, s)
			return nil
		})
	}
	_ = g.Wait() // every goroutine reports through outcomes

	for i, o := range outcomes {
		if o.err == nil {
			o.m.ZoneID = z.id
			measurements = append(measurements, o.m)
			continue
		}
		var devErr *device.Error
		if !errors.As(o.err, &devErr) {
			devErr = &device.Error{DeviceID: sensors[i].ID(), Err: o.err}
		}
		failures = append(failures, devErr)
	}
	logger.Debug("Measurements collected", "measurements", len(measurements), "failures", len(failures))
	return measurements, failures
}

type outcome struct {
	m   device.Measurement
	err error
}

// measure reads s, giving up once ctx is done or the read timeout expires. An
// abandoned read keeps running in the background until its source returns.
func (z *Zone) measure(ctx context.Context, s Measurer) outcome {
	if z.readTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, z.readTimeout)
		defer cancel()
	}

	done := make(chan outcome, 1)
	go func() {
		m, err := s.MeasureData(ctx)
		done <- outcome{m: m, err: err}
	}()
	select {
	case o := <-done:
		return o
	case <-ctx.Done():
		component.Logger(ctx).Warn("Sensor read abandoned", "zone.id", z.id, "device.id", s.ID(), "error", ctx.Err())
		return outcome{err: &device.Error{DeviceID: s.ID(), Err: fmt.Errorf("measure: %w", ctx.Err())}}
	}
}

// ApplyMeasurements folds the batch into the environment and returns the
// resulting snapshot.
//
// The aggregation rule is latest-value-wins per metric, where "latest" is
// decided by measurement timestamp: a measurement older than the newest one
// already folded in for its metric is ignored. Within the batch, measurements
// with equal timestamps are applied in order, so the last one wins.
//
// A measurement with a zero Timestamp is undated. It always overwrites its
// metric, in batch order, and leaves the metric's newest timestamp and the
// environment's UpdatedAt unchanged.
//
// The batch is applied atomically; concurrent readers observe either the
// environment before or after the whole batch.
func (z *Zone) ApplyMeasurements(batch []device.Measurement) Environment {
	z.mu.Lock()
	defer z.mu.Unlock()

	next := z.env.clone()
	for _, m := range batch {
		if m.Timestamp.IsZero() {
			next.set(m.Metric, m.Value)
			continue
		}
		if m.Timestamp.Before(z.observed[m.Metric]) {
			continue
		}
		next.set(m.Metric, m.Value)
		z.observed[m.Metric] = m.Timestamp
		if m.Timestamp.After(next.UpdatedAt) {
			next.UpdatedAt = m.Timestamp
		}
	}
	z.env = next
	return next.clone()
}

// Environment returns a copy of the current environmental snapshot.
func (z *Zone) Environment() Environment {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return z.env.clone()
}

// DeviceStatus describes a single registered device.
type DeviceStatus struct {
	ID     string
	Kind   device.Kind
	Status device.Status
}

// Status is a descriptive snapshot of a zone.
type Status struct {
	ID          string
	Environment Environment
	Devices     []DeviceStatus
}

func (s Status) String() string {
	return fmt.Sprintf("Zone %s: Temp=%v, AQI=%d, Devices=%d",
		s.ID, s.Environment.Temperature, s.Environment.AirQualityIndex, len(s.Devices))
}

// Status returns a consistent snapshot of the zone. It has no side effects.
func (z *Zone) Status() Status {
	z.mu.RLock()
	defer z.mu.RUnlock()
	s := Status{
		ID:          z.id,
		Environment: z.env.clone(),
		Devices:     make([]DeviceStatus, len(z.devices)),
	}
	for i, d := range z.devices {
		s.Devices[i] = DeviceStatus{ID: d.ID(), Kind: d.Kind(), Status: d.Status()}
	}
	return s
}
