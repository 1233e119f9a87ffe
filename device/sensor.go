package device

import (
	"context"
	"fmt"
	"time"
)

// SensorType enumerates the environmental quantities a Sensor can measure.
type SensorType int

const (
	Temperature SensorType = iota + 1
	Humidity
	AirQuality
)

// Metric names the quantity measured by sensors of this type. Measurements,
// zone environments and anomaly thresholds are all keyed by metric name.
func (t SensorType) Metric() string {
	switch t {
	case Temperature:
		return MetricTemperature
	case Humidity:
		return MetricHumidity
	case AirQuality:
		return MetricAirQualityIndex
	default:
		return ""
	}
}

func (t SensorType) String() string {
	switch t {
	case Temperature:
		return "Temperature"
	case Humidity:
		return "Humidity"
	case AirQuality:
		return "AirQuality"
	default:
		return "SensorType(?)"
	}
}

// ParseSensorType returns the SensorType whose name or metric equals s.
func ParseSensorType(s string) (SensorType, error) {
	for _, t := range []SensorType{Temperature, Humidity, AirQuality} {
		if s == t.String() || s == t.Metric() {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown sensor type %q", s)
}

// Well-known metric names.
const (
	MetricTemperature     = "temperature"
	MetricHumidity        = "humidity"
	MetricAirQualityIndex = "air_quality_index"
)

// Measurement is a single reading produced by a Sensor. ZoneID is empty until
// the measurement is collected by a zone.
type Measurement struct {
	ZoneID    string
	DeviceID  string
	Metric    string
	Value     float64
	Timestamp time.Time
}

// Reading is the raw value delivered by a Source. A zero Timestamp is replaced
// by the sensor's clock at the time of measurement.
type Reading struct {
	Value     float64
	Timestamp time.Time
}

// A Source delivers raw readings to a Sensor. The encoding of the underlying
// instrument is opaque to this package.
type Source interface {
	Read(ctx context.Context) (Reading, error)
}

// SourceFunc adapts an ordinary function to a Source.
type SourceFunc func(ctx context.Context) (Reading, error)

func (f SourceFunc) Read(ctx context.Context) (Reading, error) { return f(ctx) }

// Constant returns a Source that always reads v.
func Constant(v float64) Source {
	return SourceFunc(func(context.Context) (Reading, error) {
		return Reading{Value: v}, nil
	})
}

// Sensor is a Device that produces measurements of a single SensorType.
type Sensor struct {
	base
	sensorType SensorType
	source     Source
}

var _ Device = (*Sensor)(nil)

// NewSensor returns an Offline sensor reading values of the given type from
// source.
func NewSensor(id string, sensorType SensorType, source Source, opts ...Option) *Sensor {
	return &Sensor{
		base:       newBase(id, KindSensor, opts),
		sensorType: sensorType,
		source:     source,
	}
}

func (s *Sensor) SensorType() SensorType { return s.sensorType }

// MeasureData reads the sensor's source and returns the reading as a
// Measurement of the sensor's metric. It fails with ErrDeviceOffline if the
// sensor is not connected.
func (s *Sensor) MeasureData(ctx context.Context) (Measurement, error) {
	if err := s.online(); err != nil {
		return Measurement{}, err
	}
	r, err := s.source.Read(ctx)
	if err != nil {
		return Measurement{}, &Error{DeviceID: s.id, Err: fmt.Errorf("read source: %w", err)}
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = s.now()
	}
	return Measurement{
		DeviceID:  s.id,
		Metric:    s.sensorType.Metric(),
		Value:     r.Value,
		Timestamp: r.Timestamp,
	}, nil
}
