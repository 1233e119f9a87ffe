package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/danielorbach/go-component"

	"github.com/go-digitaltwin/microclimate"
	"github.com/go-digitaltwin/microclimate/device"
	"github.com/go-digitaltwin/microclimate/simulation"
	"github.com/go-digitaltwin/microclimate/zone"
)

// Builder constructs twins from their description. The zero value builds
// sensors that read their configured constant value and actuators that record
// setpoints.
type Builder struct {
	// Sources returns the live source of a sensor, or nil to fall back to the
	// sensor's configured value.
	Sources func(sensorID string) device.Source
	// Executors returns the executor of an actuator, or nil to fall back to
	// device.Setpoints.
	Executors func(actuatorID string) device.Executor
	// DeviceOptions apply to every device.
	DeviceOptions []device.Option
	// TwinOptions apply after the options derived from the description.
	TwinOptions []microclimate.Option
}

// Build constructs a twin, its zones and devices from cfg with the zero
// Builder and the given twin options.
func Build(ctx context.Context, cfg *Config, opts ...microclimate.Option) (*microclimate.Twin, error) {
	return Builder{TwinOptions: opts}.Build(ctx, cfg)
}

// Build constructs a twin, its zones and devices. Devices not marked offline
// are connected with ctx.
func (b Builder) Build(ctx context.Context, cfg *Config) (*microclimate.Twin, error) {
	logger := component.Logger(ctx).With(slog.String("twin.id", cfg.Twin.ID))

	thresholds, err := cfg.thresholds()
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", cfg.Twin.ID, err)
	}
	opts := []microclimate.Option{
		microclimate.WithModelType(cfg.Simulation.Model),
		microclimate.WithSimulationTimeout(cfg.Simulation.Timeout),
		microclimate.WithThresholds(thresholds),
		microclimate.WithCooldown(*cfg.Anomaly.Cooldown),
	}
	if len(cfg.Simulation.Baseline) > 0 {
		opts = append(opts, microclimate.WithSimulationOptions(simulation.WithBaseline(cfg.Simulation.Baseline)))
	}
	opts = append(opts, b.TwinOptions...)

	location := microclimate.GeoLocation{Latitude: cfg.Twin.Location.Latitude, Longitude: cfg.Twin.Location.Longitude}
	twin, err := microclimate.New(cfg.Twin.ID, location, opts...)
	if err != nil {
		return nil, fmt.Errorf("build: %w", err)
	}

	for _, zc := range cfg.Zones {
		z := zone.New(zc.ID, zone.Environment{
			Temperature:     zc.Temperature,
			Humidity:        zc.Humidity,
			AirQualityIndex: zc.AirQualityIndex,
		}, zone.WithReadTimeout(zc.ReadTimeout))
		for _, dc := range zc.Devices {
			d, err := b.device(dc)
			if err != nil {
				return nil, fmt.Errorf("build %s: zone %s: %w", cfg.Twin.ID, zc.ID, err)
			}
			if !dc.Offline {
				d.Connect(ctx)
			}
			if err := z.AddDevice(d); err != nil {
				return nil, fmt.Errorf("build %s: %w", cfg.Twin.ID, err)
			}
		}
		if err := twin.AddZone(z); err != nil {
			return nil, fmt.Errorf("build %s: %w", cfg.Twin.ID, err)
		}
		logger.Debug("Zone built", slog.String("zone.id", zc.ID), slog.Int("devices", len(zc.Devices)))
	}
	logger.Info("Digital twin built", slog.Int("zones", len(cfg.Zones)))
	return twin, nil
}

func (b Builder) device(dc DeviceConfig) (device.Device, error) {
	switch dc.Kind {
	case KindSensor:
		st, err := device.ParseSensorType(dc.SensorType)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", dc.ID, err)
		}
		var source device.Source
		if b.Sources != nil {
			source = b.Sources(dc.ID)
		}
		if source == nil {
			source = device.Constant(dc.Value)
		}
		return device.NewSensor(dc.ID, st, source, b.DeviceOptions...), nil
	case KindActuator:
		var executor device.Executor
		if b.Executors != nil {
			executor = b.Executors(dc.ID)
		}
		return device.NewActuator(dc.ID, dc.TargetZone, executor, b.DeviceOptions...), nil
	default:
		return nil, fmt.Errorf("device %s: unknown kind %q", dc.ID, dc.Kind)
	}
}
