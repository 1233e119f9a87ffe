// Package anomaly flags measurements that cross configured per-metric
// thresholds.
//
// A Detector evaluates each device's measurement stream in arrival order and
// emits an Alert for every measurement at or beyond its metric's threshold,
// unless an alert for the same stream and metric was raised within the
// cooldown window. A stream is identified by the device and the zone it
// reports from, since device ids are only unique within a zone. Distinct
// streams are evaluated independently and may be analysed concurrently.
package anomaly

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"sync"
	"time"

	"github.com/danielorbach/go-component"
	"github.com/google/uuid"

	"github.com/go-digitaltwin/microclimate/device"
)

// ErrInvalidThreshold is returned when a threshold limit is not strictly
// positive.
var ErrInvalidThreshold = errors.New("invalid threshold")

// DefaultCooldown is the debounce window of a Detector created without
// WithCooldown.
const DefaultCooldown = 5 * time.Minute

// Mode selects how a measurement is compared with its threshold.
type Mode int

const (
	// Upper flags values at or above the limit.
	Upper Mode = iota
	// Absolute flags values whose magnitude is at or above the limit.
	Absolute
)

func (m Mode) String() string {
	switch m {
	case Upper:
		return "upper"
	case Absolute:
		return "absolute"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode returns the Mode named s. The empty string is Upper.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "upper":
		return Upper, nil
	case "absolute":
		return Absolute, nil
	}
	return 0, fmt.Errorf("unknown threshold mode %q", s)
}

// Threshold is the alerting limit of a single metric.
type Threshold struct {
	Limit float64
	Mode  Mode
}

// exceeded reports whether v crosses the threshold and returns the magnitude
// compared against the limit.
func (t Threshold) exceeded(v float64) (float64, bool) {
	if t.Mode == Absolute {
		v = math.Abs(v)
	}
	return v, v >= t.Limit
}

// Severity grades an alert by how far its value overshoots the threshold.
type Severity int

const (
	Warning  Severity = iota + 1 // overshoot below 10% of the limit
	Major                        // overshoot below 25% of the limit
	Critical                     // anything beyond
)

func (s Severity) String() string {
	switch s {
	case Warning:
		return "warning"
	case Major:
		return "major"
	case Critical:
		return "critical"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

func severityOf(v, limit float64) Severity {
	switch r := (v - limit) / limit; {
	case r < 0.10:
		return Warning
	case r < 0.25:
		return Major
	default:
		return Critical
	}
}

// Alert is raised for a measurement that crossed its metric's threshold.
type Alert struct {
	ID        string
	ZoneID    string
	DeviceID  string
	Metric    string
	Value     float64
	Threshold float64
	Timestamp time.Time
	Severity  Severity
}

func (a Alert) String() string {
	return fmt.Sprintf("[%s] %s %s=%v (threshold %v) at %s",
		a.Severity, Stream{a.ZoneID, a.DeviceID}, a.Metric, a.Value, a.Threshold, a.Timestamp.Format(time.RFC3339))
}

// Stream identifies the measurements of one device in one zone.
type Stream struct {
	ZoneID   string
	DeviceID string
}

func (s Stream) String() string {
	if s.ZoneID == "" {
		return s.DeviceID
	}
	return s.ZoneID + "/" + s.DeviceID
}

type streamKey struct {
	stream Stream
	metric string
}

// streamLock serializes the analyses of one stream. refs counts the analyses
// holding or waiting for it.
type streamLock struct {
	sync.Mutex
	refs int
}

// Detector holds the thresholds of a digital twin and the debounce state of
// every stream it has analysed.
//
// Detector is safe for concurrent use. Calls to AnalyzeStream for the same
// stream are serialized.
type Detector struct {
	thresholds map[string]Threshold
	cooldown   time.Duration

	mu        sync.Mutex
	locks     map[Stream]*streamLock // streams under analysis
	lastAlert map[streamKey]time.Time
}

// An Option configures a Detector.
type Option func(*Detector)

// WithCooldown sets the window during which repeated alerts for the same
// device and metric are suppressed. The window is measured on measurement
// timestamps. Zero disables debouncing.
func WithCooldown(d time.Duration) Option {
	return func(det *Detector) { det.cooldown = d }
}

// New returns a Detector for the given metric thresholds. It fails with
// ErrInvalidThreshold unless every limit is strictly positive.
func New(thresholds map[string]Threshold, opts ...Option) (*Detector, error) {
	for metric, t := range thresholds {
		if !(t.Limit > 0) || math.IsInf(t.Limit, 0) {
			return nil, fmt.Errorf("new detector: %w: %s = %v", ErrInvalidThreshold, metric, t.Limit)
		}
		if t.Mode != Upper && t.Mode != Absolute {
			return nil, fmt.Errorf("new detector: %w: %s has %v", ErrInvalidThreshold, metric, t.Mode)
		}
	}
	d := &Detector{
		thresholds: maps.Clone(thresholds),
		cooldown:   DefaultCooldown,
		locks:      make(map[Stream]*streamLock),
		lastAlert:  make(map[streamKey]time.Time),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.cooldown < 0 {
		d.cooldown = 0
	}
	return d, nil
}

// Thresholds returns a copy of the configured thresholds.
func (d *Detector) Thresholds() map[string]Threshold {
	return maps.Clone(d.thresholds)
}

func (d *Detector) Cooldown() time.Duration { return d.cooldown }

// AnalyzeStream evaluates the measurements of one stream in the given order
// and returns the alerts they raise, in the same order. Metrics without a
// threshold are passed through silently.
func (d *Detector) AnalyzeStream(ctx context.Context, s Stream, measurements []device.Measurement) []Alert {
	unlock := d.lock(s)
	defer unlock()

	logger := component.Logger(ctx).With("zone.id", s.ZoneID, "device.id", s.DeviceID)

	var alerts []Alert
	for _, m := range measurements {
		t, ok := d.thresholds[m.Metric]
		if !ok {
			continue
		}
		magnitude, ok := t.exceeded(m.Value)
		if !ok {
			continue
		}
		if !d.arm(streamKey{s, m.Metric}, m.Timestamp) {
			logger.Debug("Alert suppressed by cooldown", "metric", m.Metric, "value", m.Value)
			continue
		}
		a := Alert{
			ID:        uuid.NewString(),
			ZoneID:    s.ZoneID,
			DeviceID:  s.DeviceID,
			Metric:    m.Metric,
			Value:     m.Value,
			Threshold: t.Limit,
			Timestamp: m.Timestamp,
			Severity:  severityOf(magnitude, t.Limit),
		}
		logger.Info("Threshold crossed", "metric", a.Metric, "value", a.Value, "threshold", a.Threshold, "severity", a.Severity)
		alerts = append(alerts, a)
	}
	return alerts
}

// lock acquires the analysis lock of s and returns its release. The lock is
// dropped from the table once no analysis holds or awaits it.
func (d *Detector) lock(s Stream) (unlock func()) {
	d.mu.Lock()
	l, ok := d.locks[s]
	if !ok {
		l = new(streamLock)
		d.locks[s] = l
	}
	l.refs++
	d.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		d.mu.Lock()
		defer d.mu.Unlock()
		if l.refs--; l.refs == 0 {
			delete(d.locks, s)
		}
	}
}

// arm records an alert for k at ts and reports true, unless the previous
// alert for k is less than a cooldown older than ts.
func (d *Detector) arm(k streamKey, ts time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lastAlert[k]; ok && d.cooldown > 0 && ts.Before(last.Add(d.cooldown)) {
		return false
	}
	d.lastAlert[k] = ts
	return true
}

// Reset forgets the debounce state of every metric of s, such as when its
// device is deregistered.
func (d *Detector) Reset(s Stream) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k := range d.lastAlert {
		if k.stream == s {
			delete(d.lastAlert, k)
		}
	}
}

// ResetZone forgets the debounce state of every stream of a zone.
func (d *Detector) ResetZone(zoneID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k := range d.lastAlert {
		if k.stream.ZoneID == zoneID {
			delete(d.lastAlert, k)
		}
	}
}
