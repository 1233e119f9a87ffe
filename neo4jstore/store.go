package neo4jstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danielorbach/go-component"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-digitaltwin/microclimate"
	"github.com/go-digitaltwin/microclimate/anomaly"
	"github.com/go-digitaltwin/microclimate/device"
	"github.com/go-digitaltwin/microclimate/zone"
)

// ErrTwinNotFound is returned when loading a twin that was never saved.
var ErrTwinNotFound = errors.New("twin not found")

// Store reads and writes digital twins in a Neo4j database prepared with
// BootstrapDatabase.
//
// Every operation runs in a session and transaction of its own, so a Store is
// safe for concurrent use.
type Store struct {
	driver   neo4j.DriverWithContext // Connection to the neo4j server/cluster.
	database string                  // Target database name.
}

// New returns a Store using the given database.
func New(driver neo4j.DriverWithContext, database string) *Store {
	return &Store{driver: driver, database: database}
}

func zoneKey(twinID, zoneID string) string { return twinID + "/" + zoneID }

func deviceKey(twinID, zoneID, deviceID string) string {
	return twinID + "/" + zoneID + "/" + deviceID
}

// nullable maps the zero time to a Cypher null. Times are written in UTC; the
// server does not know the process-local time zone.
func nullable(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// SaveTopology writes the twin described by v, replacing what was saved
// before. Zones and devices that are no longer part of the twin are deleted.
func (s *Store) SaveTopology(ctx context.Context, v microclimate.Visualization) (err error) {
	ctx, span := tracer.Start(ctx, "Store.SaveTopology", trace.WithAttributes(
		attribute.String("neo4j.database", s.database),
		attribute.String("twin.id", v.TwinID),
	))
	defer span.End()
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}()
	logger := component.Logger(ctx).With("neo4j.database", s.database, "twin.id", v.TwinID)

	var (
		zoneKeys []string
		zones    []any
		devices  []any
	)
	for i, z := range v.Zones {
		zk := zoneKey(v.TwinID, z.ID)
		deviceKeys := make([]string, len(z.Devices))
		for j, d := range z.Devices {
			deviceKeys[j] = deviceKey(v.TwinID, z.ID, d.ID)
			devices = append(devices, map[string]any{
				"key":     deviceKeys[j],
				"zoneKey": zk,
				"id":      d.ID,
				"ordinal": int64(j),
				"kind":    int64(d.Kind),
				"status":  int64(d.Status),
			})
		}
		zoneKeys = append(zoneKeys, zk)
		zones = append(zones, map[string]any{
			"key":             zk,
			"id":              z.ID,
			"ordinal":         int64(i),
			"temperature":     z.Environment.Temperature,
			"humidity":        z.Environment.Humidity,
			"airQualityIndex": int64(z.Environment.AirQualityIndex),
			"updatedAt":       nullable(z.Environment.UpdatedAt),
			"deviceKeys":      deviceKeys,
		})
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: s.database,
		AccessMode:   neo4j.AccessModeWrite,
	})
	defer func() {
		if err := session.Close(ctx); err != nil {
			logger.Error("Failed to close session", "error", err, "mode", "write")
		}
	}()

	logger.Debug("Saving topology...", "zones", len(zones), "devices", len(devices))
	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if err := exec(ctx, tx, `
			MERGE (t:Twin {id: $id})
			SET t.latitude = $latitude, t.longitude = $longitude, t.lastSync = $lastSync
			WITH t
			OPTIONAL MATCH (t)-[:HAS_ZONE]->(z:Zone) WHERE NOT z.key IN $zoneKeys
			OPTIONAL MATCH (z)-[:HAS_DEVICE]->(d:Device)
			DETACH DELETE d, z
		`, map[string]any{
			"id":        v.TwinID,
			"latitude":  v.Location.Latitude,
			"longitude": v.Location.Longitude,
			"lastSync":  nullable(v.LastSync),
			"zoneKeys":  zoneKeys,
		}); err != nil {
			return nil, fmt.Errorf("merge twin: %w", err)
		}

		if err := exec(ctx, tx, `
			MATCH (t:Twin {id: $id})
			UNWIND $zones AS zone
			MERGE (z:Zone {key: zone.key})
			SET z.id = zone.id,
				z.ordinal = zone.ordinal,
				z.temperature = zone.temperature,
				z.humidity = zone.humidity,
				z.airQualityIndex = zone.airQualityIndex,
				z.updatedAt = zone.updatedAt
			MERGE (t)-[:HAS_ZONE]->(z)
			WITH z, zone
			OPTIONAL MATCH (z)-[:HAS_DEVICE]->(d:Device) WHERE NOT d.key IN zone.deviceKeys
			DETACH DELETE d
		`, map[string]any{
			"id":    v.TwinID,
			"zones": zones,
		}); err != nil {
			return nil, fmt.Errorf("merge zones: %w", err)
		}

		if err := exec(ctx, tx, `
			UNWIND $devices AS device
			MATCH (z:Zone {key: device.zoneKey})
			MERGE (d:Device {key: device.key})
			SET d.id = device.id,
				d.ordinal = device.ordinal,
				d.kind = device.kind,
				d.status = device.status
			MERGE (z)-[:HAS_DEVICE]->(d)
		`, map[string]any{
			"devices": devices,
		}); err != nil {
			return nil, fmt.Errorf("merge devices: %w", err)
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("neo4j execute: %w", err)
	}
	logger.Info("Topology saved")
	return nil
}

// Snapshot saves the current topology of twin.
func (s *Store) Snapshot(ctx context.Context, twin *microclimate.Twin) error {
	v, err := twin.Visualize()
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	return s.SaveTopology(ctx, v)
}

// LoadTopology reads the topology of a twin saved by SaveTopology. It fails
// with ErrTwinNotFound if no such twin was saved.
func (s *Store) LoadTopology(ctx context.Context, twinID string) (v microclimate.Visualization, err error) {
	ctx, span := tracer.Start(ctx, "Store.LoadTopology", trace.WithAttributes(
		attribute.String("neo4j.database", s.database),
		attribute.String("twin.id", twinID),
	))
	defer span.End()

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: s.database,
		AccessMode:   neo4j.AccessModeRead,
	})
	defer func() {
		if err := session.Close(ctx); err != nil {
			component.Logger(ctx).Error("Failed to close session", "error", err, "mode", "read")
		}
	}()

	records, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (t:Twin {id: $id})
			OPTIONAL MATCH (t)-[:HAS_ZONE]->(z:Zone)
			OPTIONAL MATCH (z)-[:HAS_DEVICE]->(d:Device)
			WITH t, z, d ORDER BY d.ordinal
			WITH t, z, collect(d {.id, .kind, .status}) AS devices
			ORDER BY z.ordinal
			RETURN t.latitude AS latitude,
				t.longitude AS longitude,
				t.lastSync AS lastSync,
				z {.id, .temperature, .humidity, .airQualityIndex, .updatedAt} AS zone,
				devices
		`, map[string]any{"id": twinID})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return microclimate.Visualization{}, fmt.Errorf("neo4j execute: %w", err)
	}

	v, err = parseTopology(twinID, records.([]*neo4j.Record))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return microclimate.Visualization{}, fmt.Errorf("load topology %s: %w", twinID, err)
	}
	return v, nil
}

func parseTopology(twinID string, records []*neo4j.Record) (microclimate.Visualization, error) {
	if len(records) == 0 {
		return microclimate.Visualization{}, ErrTwinNotFound
	}
	v := microclimate.Visualization{TwinID: twinID}
	var err error
	if v.Location.Latitude, err = getRecordProperty[float64](records[0], "latitude"); err != nil {
		return v, fmt.Errorf("latitude: %w", err)
	}
	if v.Location.Longitude, err = getRecordProperty[float64](records[0], "longitude"); err != nil {
		return v, fmt.Errorf("longitude: %w", err)
	}
	if v.LastSync, err = getOptionalRecordProperty[time.Time](records[0], "lastSync"); err != nil {
		return v, fmt.Errorf("last sync: %w", err)
	}

	for _, record := range records {
		z, err := getOptionalRecordProperty[map[string]any](record, "zone")
		if err != nil {
			return v, fmt.Errorf("zone: %w", err)
		}
		if z == nil {
			continue // a twin without zones
		}
		status, err := parseZone(z)
		if err != nil {
			return v, err
		}
		devices, err := getRecordProperty[[]any](record, "devices")
		if err != nil {
			return v, fmt.Errorf("zone %s: devices: %w", status.ID, err)
		}
		for i, d := range devices {
			ds, err := parseDevice(d)
			if err != nil {
				return v, fmt.Errorf("zone %s: device #%d: %w", status.ID, i, err)
			}
			status.Devices = append(status.Devices, ds)
		}
		v.Zones = append(v.Zones, status)
	}
	return v, nil
}

func parseZone(m map[string]any) (zone.Status, error) {
	var (
		s   zone.Status
		aqi int64
		err error
	)
	if s.ID, err = getMapProperty[string](m, "id"); err != nil {
		return s, fmt.Errorf("zone id: %w", err)
	}
	if s.Environment.Temperature, err = getMapProperty[float64](m, "temperature"); err != nil {
		return s, fmt.Errorf("zone %s: temperature: %w", s.ID, err)
	}
	if s.Environment.Humidity, err = getMapProperty[float64](m, "humidity"); err != nil {
		return s, fmt.Errorf("zone %s: humidity: %w", s.ID, err)
	}
	if aqi, err = getMapProperty[int64](m, "airQualityIndex"); err != nil {
		return s, fmt.Errorf("zone %s: air quality index: %w", s.ID, err)
	}
	s.Environment.AirQualityIndex = int(aqi)
	if s.Environment.UpdatedAt, err = getOptionalMapProperty[time.Time](m, "updatedAt"); err != nil {
		return s, fmt.Errorf("zone %s: updated at: %w", s.ID, err)
	}
	return s, nil
}

func parseDevice(v any) (zone.DeviceStatus, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return zone.DeviceStatus{}, unexpectedPropertyTypeError{Type: typeOf(v)}
	}
	var (
		d            zone.DeviceStatus
		kind, status int64
		err          error
	)
	if d.ID, err = getMapProperty[string](m, "id"); err != nil {
		return d, fmt.Errorf("id: %w", err)
	}
	if kind, err = getMapProperty[int64](m, "kind"); err != nil {
		return d, fmt.Errorf("kind: %w", err)
	}
	if status, err = getMapProperty[int64](m, "status"); err != nil {
		return d, fmt.Errorf("status: %w", err)
	}
	d.Kind, d.Status = device.Kind(kind), device.Status(status)
	return d, nil
}

// AlertSink returns a microclimate.AlertSink recording alerts of the given
// twin.
func (s *Store) AlertSink(twinID string) microclimate.AlertSink {
	return microclimate.AlertSinkFunc(func(ctx context.Context, alerts []anomaly.Alert) error {
		return s.RecordAlerts(ctx, twinID, alerts)
	})
}

// RecordAlerts appends alerts to the alert history of a twin. Recording an
// alert twice has no effect.
func (s *Store) RecordAlerts(ctx context.Context, twinID string, alerts []anomaly.Alert) (err error) {
	ctx, span := tracer.Start(ctx, "Store.RecordAlerts", trace.WithAttributes(
		attribute.String("neo4j.database", s.database),
		attribute.String("twin.id", twinID),
		attribute.Int("alerts", len(alerts)),
	))
	defer span.End()
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}()
	logger := component.Logger(ctx).With("neo4j.database", s.database, "twin.id", twinID)

	rows := make([]any, len(alerts))
	for i, a := range alerts {
		rows[i] = map[string]any{
			"id":        a.ID,
			"zoneId":    a.ZoneID,
			"deviceId":  a.DeviceID,
			"metric":    a.Metric,
			"value":     a.Value,
			"threshold": a.Threshold,
			"timestamp": a.Timestamp.UTC(),
			"severity":  int64(a.Severity),
		}
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: s.database,
		AccessMode:   neo4j.AccessModeWrite,
	})
	defer func() {
		if err := session.Close(ctx); err != nil {
			logger.Error("Failed to close session", "error", err, "mode", "write")
		}
	}()

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		err := exec(ctx, tx, `
			MERGE (t:Twin {id: $twin})
			WITH t
			UNWIND $alerts AS alert
			MERGE (a:Alert {id: alert.id})
			ON CREATE SET a += alert
			MERGE (t)-[:RAISED]->(a)
		`, map[string]any{
			"twin":   twinID,
			"alerts": rows,
		})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("neo4j execute: %w", err)
	}
	countRecordedAlerts(ctx, s.database, len(alerts))
	logger.Debug("Alerts recorded", "alerts", len(alerts))
	return nil
}

// RecentAlerts returns up to limit alerts of a zone's device, newest first.
func (s *Store) RecentAlerts(ctx context.Context, twinID, zoneID, deviceID string, limit int) (alerts []anomaly.Alert, err error) {
	ctx, span := tracer.Start(ctx, "Store.RecentAlerts", trace.WithAttributes(
		attribute.String("neo4j.database", s.database),
		attribute.String("twin.id", twinID),
		attribute.String("zone.id", zoneID),
		attribute.String("device.id", deviceID),
	))
	defer span.End()

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: s.database,
		AccessMode:   neo4j.AccessModeRead,
	})
	defer func() {
		if err := session.Close(ctx); err != nil {
			component.Logger(ctx).Error("Failed to close session", "error", err, "mode", "read")
		}
	}()

	records, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (:Twin {id: $twin})-[:RAISED]->(a:Alert {zoneId: $zone, deviceId: $device})
			RETURN a
			ORDER BY a.timestamp DESC, a.id
			LIMIT $limit
		`, map[string]any{
			"twin":   twinID,
			"zone":   zoneID,
			"device": deviceID,
			"limit":  int64(limit),
		})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("neo4j execute: %w", err)
	}

	for i, record := range records.([]*neo4j.Record) {
		node, err := getRecordProperty[neo4j.Node](record, "a")
		if err != nil {
			return nil, fmt.Errorf("alert #%d: %w", i, err)
		}
		a, err := parseAlert(node.Props)
		if err != nil {
			return nil, fmt.Errorf("alert #%d: %w", i, err)
		}
		alerts = append(alerts, a)
	}
	return alerts, nil
}

func parseAlert(m map[string]any) (anomaly.Alert, error) {
	var (
		a        anomaly.Alert
		severity int64
		err      error
	)
	if a.ID, err = getMapProperty[string](m, "id"); err != nil {
		return a, fmt.Errorf("id: %w", err)
	}
	if a.ZoneID, err = getOptionalMapProperty[string](m, "zoneId"); err != nil {
		return a, fmt.Errorf("zone id: %w", err)
	}
	if a.DeviceID, err = getMapProperty[string](m, "deviceId"); err != nil {
		return a, fmt.Errorf("device id: %w", err)
	}
	if a.Metric, err = getMapProperty[string](m, "metric"); err != nil {
		return a, fmt.Errorf("metric: %w", err)
	}
	if a.Value, err = getMapProperty[float64](m, "value"); err != nil {
		return a, fmt.Errorf("value: %w", err)
	}
	if a.Threshold, err = getMapProperty[float64](m, "threshold"); err != nil {
		return a, fmt.Errorf("threshold: %w", err)
	}
	if a.Timestamp, err = getMapProperty[time.Time](m, "timestamp"); err != nil {
		return a, fmt.Errorf("timestamp: %w", err)
	}
	if severity, err = getMapProperty[int64](m, "severity"); err != nil {
		return a, fmt.Errorf("severity: %w", err)
	}
	a.Severity = anomaly.Severity(severity)
	return a, nil
}
