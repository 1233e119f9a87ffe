// Package config describes digital twins in YAML and builds them.
//
// A minimal description names the twin and its zones; everything else takes
// a default:
//
//	twin:
//	  id: DT-SEOUL-01
//	  location: {latitude: 37.5665, longitude: 126.978}
//	simulation:
//	  model: General_Fluid_Dynamics
//	  timeout: 30s
//	anomaly:
//	  cooldown: 5m
//	  thresholds:
//	    temperature: {limit: 40}
//	zones:
//	  - id: Zone_A
//	    temperature: 22.5
//	    air_quality_index: 45
//	    read_timeout: 2s
//	    devices:
//	      - {id: SENS-001, kind: sensor, sensor_type: temperature, value: 24.5}
//	      - {id: ACT-001, kind: actuator}
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/go-digitaltwin/microclimate"
	"github.com/go-digitaltwin/microclimate/anomaly"
	"github.com/go-digitaltwin/microclimate/device"
	"github.com/go-digitaltwin/microclimate/simulation"
)

const (
	DefaultSimulationTimeout = microclimate.DefaultSimulationTimeout
	DefaultCooldown          = anomaly.DefaultCooldown
)

const (
	KindSensor   = "sensor"
	KindActuator = "actuator"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Twin       TwinConfig       `yaml:"twin"`
	Simulation SimulationConfig `yaml:"simulation"`
	Anomaly    AnomalyConfig    `yaml:"anomaly"`
	Zones      []ZoneConfig     `yaml:"zones"`
}

type TwinConfig struct {
	ID       string         `yaml:"id"`
	Location LocationConfig `yaml:"location"`
}

type LocationConfig struct {
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
}

type SimulationConfig struct {
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
	// Baseline holds the model parameters used for predictions.
	Baseline map[string]float64 `yaml:"baseline"`
}

type AnomalyConfig struct {
	// Cooldown is the alert debounce window. Unset means DefaultCooldown; an
	// explicit zero disables debouncing.
	Cooldown   *time.Duration             `yaml:"cooldown"`
	Thresholds map[string]ThresholdConfig `yaml:"thresholds"`
}

type ThresholdConfig struct {
	Limit float64 `yaml:"limit"`
	// Mode is "upper" (the default) or "absolute".
	Mode string `yaml:"mode"`
}

type ZoneConfig struct {
	ID              string         `yaml:"id"`
	Temperature     float64        `yaml:"temperature"`
	Humidity        float64        `yaml:"humidity"`
	AirQualityIndex int            `yaml:"air_quality_index"`
	// ReadTimeout bounds each sensor read of a sync; zero leaves reads
	// unbounded.
	ReadTimeout time.Duration  `yaml:"read_timeout"`
	Devices     []DeviceConfig `yaml:"devices"`
}

type DeviceConfig struct {
	ID   string `yaml:"id"`
	Kind string `yaml:"kind"`
	// SensorType is required for sensors; see device.ParseSensorType.
	SensorType string `yaml:"sensor_type"`
	// Value is the constant reading of a sensor without a live source.
	Value float64 `yaml:"value"`
	// TargetZone of an actuator defaults to the enclosing zone.
	TargetZone string `yaml:"target_zone"`
	// Offline devices are registered without being connected.
	Offline bool `yaml:"offline"`
}

// Load reads the YAML twin description at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML twin description, applies defaults and validates it.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Simulation.Model == "" {
		c.Simulation.Model = simulation.DefaultModel
	}
	if c.Simulation.Timeout == 0 {
		c.Simulation.Timeout = DefaultSimulationTimeout
	}
	if c.Anomaly.Cooldown == nil {
		d := DefaultCooldown
		c.Anomaly.Cooldown = &d
	}
	// An explicit empty mapping disables alerting.
	if c.Anomaly.Thresholds == nil {
		c.Anomaly.Thresholds = map[string]ThresholdConfig{
			device.MetricTemperature: {Limit: 40},
		}
	}
	for metric, t := range c.Anomaly.Thresholds {
		if t.Mode == "" {
			t.Mode = anomaly.Upper.String()
			c.Anomaly.Thresholds[metric] = t
		}
	}
	for i := range c.Zones {
		z := &c.Zones[i]
		for j := range z.Devices {
			d := &z.Devices[j]
			if d.Kind == KindActuator && d.TargetZone == "" {
				d.TargetZone = z.ID
			}
		}
	}
}

func (c *Config) validate() error {
	if c.Twin.ID == "" {
		return fmt.Errorf("%w: twin.id is required", ErrInvalid)
	}
	if c.Simulation.Timeout < 0 {
		return fmt.Errorf("%w: simulation.timeout must not be negative", ErrInvalid)
	}
	if *c.Anomaly.Cooldown < 0 {
		return fmt.Errorf("%w: anomaly.cooldown must not be negative", ErrInvalid)
	}
	if _, err := c.thresholds(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	zones := make(map[string]bool)
	for i, z := range c.Zones {
		if z.ID == "" {
			return fmt.Errorf("%w: zones[%d].id is required", ErrInvalid, i)
		}
		if zones[z.ID] {
			return fmt.Errorf("%w: zone %s is defined more than once", ErrInvalid, z.ID)
		}
		zones[z.ID] = true
		if z.ReadTimeout < 0 {
			return fmt.Errorf("%w: zone %s: read_timeout must not be negative", ErrInvalid, z.ID)
		}

		devices := make(map[string]bool)
		for j, d := range z.Devices {
			if d.ID == "" {
				return fmt.Errorf("%w: zones[%d].devices[%d].id is required", ErrInvalid, i, j)
			}
			if devices[d.ID] {
				return fmt.Errorf("%w: device %s is defined more than once in zone %s", ErrInvalid, d.ID, z.ID)
			}
			devices[d.ID] = true

			switch d.Kind {
			case KindSensor:
				if _, err := device.ParseSensorType(d.SensorType); err != nil {
					return fmt.Errorf("%w: device %s: %v", ErrInvalid, d.ID, err)
				}
			case KindActuator:
			default:
				return fmt.Errorf("%w: device %s: unknown kind %q", ErrInvalid, d.ID, d.Kind)
			}
		}
	}
	return nil
}

// thresholds converts the configured thresholds for the anomaly detector.
func (c *Config) thresholds() (map[string]anomaly.Threshold, error) {
	m := make(map[string]anomaly.Threshold, len(c.Anomaly.Thresholds))
	for metric, t := range c.Anomaly.Thresholds {
		mode, err := anomaly.ParseMode(t.Mode)
		if err != nil {
			return nil, fmt.Errorf("threshold %s: %w", metric, err)
		}
		if !(t.Limit > 0) {
			return nil, fmt.Errorf("threshold %s: %w: limit %v must be positive", metric, anomaly.ErrInvalidThreshold, t.Limit)
		}
		m[metric] = anomaly.Threshold{Limit: t.Limit, Mode: mode}
	}
	return m, nil
}
