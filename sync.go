package microclimate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/danielorbach/go-component"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/go-digitaltwin/microclimate/anomaly"
	"github.com/go-digitaltwin/microclimate/device"
	"github.com/go-digitaltwin/microclimate/scenario"
	"github.com/go-digitaltwin/microclimate/simulation"
	"github.com/go-digitaltwin/microclimate/zone"
)

// Failure is a unit of work that failed during a cycle without aborting it. It
// names the zone and, for device failures, the device.
type Failure struct {
	ZoneID   string
	DeviceID string
	Err      error
}

func (f Failure) Error() string {
	if f.DeviceID == "" {
		return fmt.Sprintf("zone %s: %v", f.ZoneID, f.Err)
	}
	return fmt.Sprintf("zone %s: device %s: %v", f.ZoneID, f.DeviceID, f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

// ZoneSync is the outcome of a sync cycle for a single zone.
type ZoneSync struct {
	ZoneID       string
	Measurements []device.Measurement
	Environment  zone.Environment
	Alerts       []anomaly.Alert
}

// SyncReport is the outcome of a sync cycle.
type SyncReport struct {
	Started   time.Time
	Completed time.Time
	Zones     []ZoneSync
	// Alerts raised by the cycle, grouped by zone in zone order and by device in
	// device registration order. Each device's alerts keep arrival order.
	Alerts   []anomaly.Alert
	Failures []Failure
}

// Sync runs one synchronization cycle.
//
// Measurements are collected from all zones concurrently. Once every zone has
// reported, the measurements are folded into the zones' environments, which
// readers of Visualize observe as a single update. Each device's measurements
// are then analysed for anomalies in arrival order and the resulting alerts
// are delivered to the alert sinks.
//
// Devices that fail to measure do not fail the cycle; they are listed in the
// report's Failures. Sync returns an error if ctx is done before the cycle
// completes, or if an alert sink fails, in which case the report is still
// complete. Once the environments are updated, the last sync time is set to
// the cycle's start time.
func (t *Twin) Sync(ctx context.Context) (report SyncReport, err error) {
	t.syncMu.Lock()
	defer t.syncMu.Unlock()
	if err := t.checkOpen(); err != nil {
		return SyncReport{}, fmt.Errorf("sync %s: %w", t.id, err)
	}

	report.Started = t.now()
	ctx, span := tracer.Start(ctx, "Twin.Sync", trace.WithAttributes(
		attribute.String("twin.id", t.id),
	))
	defer span.End()
	defer func(start time.Time) {
		measureSync(ctx, t.id, err, time.Since(start))
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}(time.Now())

	logger := component.Logger(ctx).With(slog.String("twin.id", t.id))
	ctx = component.InjectLogger(ctx, logger)

	zones := t.Zones()
	logger.Debug("Synchronizing zones...", slog.Int("zones", len(zones)))

	type collected struct {
		measurements []device.Measurement
		failures     []*device.Error
	}
	results := make([]collected, len(zones))
	var g errgroup.Group
	for i, z := range zones {
		g.Go(func() error {
			ms, failures := z.CollectMeasurements(ctx)
			results[i] = collected{ms, failures}
			return nil
		})
	}
	_ = g.Wait() // collection reports failures through results
	if err := ctx.Err(); err != nil {
		logger.Error("Sync interrupted", slog.Any("error", err))
		return SyncReport{}, fmt.Errorf("sync %s: %w", t.id, err)
	}

	report.Zones = make([]ZoneSync, len(zones))
	t.envMu.Lock()
	for i, z := range zones {
		report.Zones[i] = ZoneSync{
			ZoneID:       z.ID(),
			Measurements: results[i].measurements,
			Environment:  z.ApplyMeasurements(results[i].measurements),
		}
	}
	t.envMu.Unlock()

	for i := range report.Zones {
		zs := &report.Zones[i]
		for _, ms := range byDevice(zs.Measurements) {
			s := anomaly.Stream{ZoneID: zs.ZoneID, DeviceID: ms[0].DeviceID}
			zs.Alerts = append(zs.Alerts, t.detector.AnalyzeStream(ctx, s, ms)...)
		}
		report.Alerts = append(report.Alerts, zs.Alerts...)
		for _, f := range results[i].failures {
			report.Failures = append(report.Failures, Failure{ZoneID: zs.ZoneID, DeviceID: f.DeviceID, Err: f.Err})
		}
	}
	countAlerts(ctx, report.Alerts)
	countFailures(ctx, t.id, len(report.Failures))
	for _, f := range report.Failures {
		logger.Warn("Device failed to report", slog.Any("error", f))
	}

	t.mu.Lock()
	if report.Started.After(t.lastSync) {
		t.lastSync = report.Started
	}
	t.mu.Unlock()
	report.Completed = t.now()

	if err := t.deliver(ctx, report.Alerts); err != nil {
		logger.Error("Couldn't deliver alerts", slog.Any("error", err))
		return report, fmt.Errorf("sync %s: %w", t.id, err)
	}
	logger.Info("Zones synchronized",
		slog.Int("zones", len(zones)),
		slog.Int("alerts", len(report.Alerts)),
		slog.Int("failures", len(report.Failures)),
	)
	return report, nil
}

// byDevice splits measurements into per-device streams, ordered by each
// device's first measurement. Each stream keeps arrival order.
func byDevice(measurements []device.Measurement) [][]device.Measurement {
	var streams [][]device.Measurement
	index := make(map[string]int)
	for _, m := range measurements {
		i, ok := index[m.DeviceID]
		if !ok {
			i = len(streams)
			index[m.DeviceID] = i
			streams = append(streams, nil)
		}
		streams[i] = append(streams[i], m)
	}
	return streams
}

// deliver hands the alerts to every sink in turn. All sinks are attempted;
// their errors are joined.
func (t *Twin) deliver(ctx context.Context, alerts []anomaly.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	var errs []error
	for _, sink := range t.sinks {
		if err := sink.RecordAlerts(ctx, alerts); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("deliver alerts: %w", err)
	}
	return nil
}

// CycleReport is the outcome of RunScenarioCycle.
type CycleReport struct {
	Sync SyncReport
	// Results holds the simulation of every zone that simulated successfully,
	// in zone order.
	Results []simulation.Result
	// Failures lists the zones whose simulation failed, such as by solver
	// divergence or timeout.
	Failures []Failure
}

// Alerts returns the alerts raised by the cycle's sync.
func (r CycleReport) Alerts() []anomaly.Alert { return r.Sync.Alerts }

// RunScenarioCycle syncs the twin and then simulates every zone from its
// freshly synchronized environment with the given parameters. Zone simulations
// run concurrently and are bound by the engine's timeout; a zone whose
// simulation fails is listed in the report's Failures.
//
// RunScenarioCycle returns an error only if the sync fails or ctx is done.
func (t *Twin) RunScenarioCycle(ctx context.Context, params scenario.Params) (report CycleReport, err error) {
	ctx, span := tracer.Start(ctx, "Twin.RunScenarioCycle", trace.WithAttributes(
		attribute.String("twin.id", t.id),
	))
	defer span.End()
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	report.Sync, err = t.Sync(ctx)
	if err != nil {
		return report, fmt.Errorf("scenario cycle: %w", err)
	}

	zones := t.Zones()
	results := make([]simulation.Result, len(zones))
	errs := make([]error, len(zones))
	var g errgroup.Group
	for i, z := range zones {
		g.Go(func() error {
			results[i], errs[i] = t.engine.RunSimulation(ctx, t.snapshot(z), params)
			return nil
		})
	}
	_ = g.Wait() // simulations report through errs
	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("scenario cycle: %w", err)
	}

	for i, z := range zones {
		if errs[i] != nil {
			report.Failures = append(report.Failures, Failure{ZoneID: z.ID(), Err: errs[i]})
			continue
		}
		report.Results = append(report.Results, results[i])
	}
	return report, nil
}

// SyncEvery returns a component.Proc that syncs the twin at every tick of the
// given interval until the component stops or the twin is closed. Failed
// cycles are logged and retried at the next tick.
func (t *Twin) SyncEvery(interval time.Duration) component.Proc {
	return func(l *component.L) {
		logger := component.Logger(l.Context()).With(slog.String("twin.id", t.id))
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for l.Continue() {
			select {
			case <-l.Context().Done():
				return
			case <-ticker.C:
			}

			report, err := t.Sync(l.Context())
			switch {
			case errors.Is(err, ErrClosed):
				logger.Info("Twin closed, periodic sync stopped")
				return
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return
			case err != nil:
				logger.Error("Periodic sync failed", slog.Any("error", err))
			default:
				logger.Debug("Periodic sync completed", slog.Int("alerts", len(report.Alerts)))
			}
		}
	}
}
