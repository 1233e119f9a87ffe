package anomaly

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/go-digitaltwin/microclimate/device"
)

var epoch = time.Date(2026, 1, 28, 9, 0, 0, 0, time.UTC)

var ignoreID = cmpopts.IgnoreFields(Alert{}, "ID")

var sens1 = Stream{ZoneID: "Zone_A", DeviceID: "SENS-001"}

// stream returns temperature measurements of SENS-001 one minute apart.
func stream(values ...float64) []device.Measurement {
	ms := make([]device.Measurement, len(values))
	for i, v := range values {
		ms[i] = device.Measurement{
			DeviceID:  "SENS-001",
			Metric:    device.MetricTemperature,
			Value:     v,
			Timestamp: epoch.Add(time.Duration(i) * time.Minute),
		}
	}
	return ms
}

func newDetector(t *testing.T, thresholds map[string]Threshold, opts ...Option) *Detector {
	t.Helper()
	d, err := New(thresholds, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return d
}

func TestNew(t *testing.T) {
	tests := []struct {
		name       string
		thresholds map[string]Threshold
		wantErr    error
	}{
		{"Empty", nil, nil},
		{"Positive", map[string]Threshold{"temperature": {Limit: 40}}, nil},
		{"Zero", map[string]Threshold{"temperature": {Limit: 0}}, ErrInvalidThreshold},
		{"Negative", map[string]Threshold{"humidity": {Limit: -1}}, ErrInvalidThreshold},
		{"NaN", map[string]Threshold{"humidity": {Limit: math.NaN()}}, ErrInvalidThreshold},
		{"UnknownMode", map[string]Threshold{"humidity": {Limit: 1, Mode: 7}}, ErrInvalidThreshold},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.thresholds)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("New() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestAnalyzeStreamBoundary(t *testing.T) {
	const limit = 40.0
	tests := []struct {
		name  string
		value float64
		want  int
	}{
		{"Equal", limit, 1},
		{"JustBelow", math.Nextafter(limit, 0), 0},
		{"Above", limit + 5, 1},
		{"Negative", -limit, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDetector(t, map[string]Threshold{device.MetricTemperature: {Limit: limit}})
			if got := d.AnalyzeStream(context.Background(), sens1, stream(tt.value)); len(got) != tt.want {
				t.Errorf("AnalyzeStream(%v) raised %d alerts, want %d", tt.value, len(got), tt.want)
			}
		})
	}
}

func TestAnalyzeStreamOrder(t *testing.T) {
	d := newDetector(t, map[string]Threshold{device.MetricTemperature: {Limit: 10}}, WithCooldown(0))
	got := d.AnalyzeStream(context.Background(), sens1, stream(5, 42, 7, 10.5))
	want := []Alert{
		{ZoneID: "Zone_A", DeviceID: "SENS-001", Metric: "temperature", Value: 42, Threshold: 10, Timestamp: epoch.Add(time.Minute), Severity: Critical},
		{ZoneID: "Zone_A", DeviceID: "SENS-001", Metric: "temperature", Value: 10.5, Threshold: 10, Timestamp: epoch.Add(3 * time.Minute), Severity: Warning},
	}
	if diff := cmp.Diff(want, got, ignoreID); diff != "" {
		t.Errorf("AnalyzeStream() mismatch (-want +got):\n%s", diff)
	}
	if got[0].ID == "" || got[0].ID == got[1].ID {
		t.Errorf("AnalyzeStream() alert ids = %q, %q, want distinct non-empty ids", got[0].ID, got[1].ID)
	}
}

func TestAnalyzeStreamUnthresholdedMetric(t *testing.T) {
	d := newDetector(t, map[string]Threshold{device.MetricTemperature: {Limit: 10}})
	ms := []device.Measurement{{DeviceID: "SENS-002", Metric: device.MetricHumidity, Value: 99, Timestamp: epoch}}
	if got := d.AnalyzeStream(context.Background(), Stream{ZoneID: "Zone_A", DeviceID: "SENS-002"}, ms); len(got) != 0 {
		t.Errorf("AnalyzeStream() = %v, want no alerts", got)
	}
}

func TestAnalyzeStreamAbsolute(t *testing.T) {
	d := newDetector(t, map[string]Threshold{"pressure_delta": {Limit: 4, Mode: Absolute}}, WithCooldown(0))
	ms := []device.Measurement{
		{Metric: "pressure_delta", Value: -4.8, Timestamp: epoch},
		{Metric: "pressure_delta", Value: 3, Timestamp: epoch.Add(time.Second)},
		{Metric: "pressure_delta", Value: 4.2, Timestamp: epoch.Add(2 * time.Second)},
	}
	got := d.AnalyzeStream(context.Background(), Stream{DeviceID: "P-1"}, ms)
	want := []Alert{
		{DeviceID: "P-1", Metric: "pressure_delta", Value: -4.8, Threshold: 4, Timestamp: epoch, Severity: Major},
		{DeviceID: "P-1", Metric: "pressure_delta", Value: 4.2, Threshold: 4, Timestamp: epoch.Add(2 * time.Second), Severity: Warning},
	}
	if diff := cmp.Diff(want, got, ignoreID); diff != "" {
		t.Errorf("AnalyzeStream() mismatch (-want +got):\n%s", diff)
	}
}

func TestAnalyzeStreamCooldown(t *testing.T) {
	d := newDetector(t, map[string]Threshold{device.MetricTemperature: {Limit: 40}}, WithCooldown(5*time.Minute))
	ctx := context.Background()

	// Minutes 0..6: the first breach alerts, the breaches within five minutes
	// are suppressed, and minute 5 re-arms the stream.
	got := d.AnalyzeStream(ctx, sens1, stream(45, 46, 47, 48, 49, 50, 51))
	var at []time.Time
	for _, a := range got {
		at = append(at, a.Timestamp)
	}
	want := []time.Time{epoch, epoch.Add(5 * time.Minute)}
	if diff := cmp.Diff(want, at); diff != "" {
		t.Errorf("AnalyzeStream() alert timestamps mismatch (-want +got):\n%s", diff)
	}

	// Debounce state is kept per stream: another device, or the same device id
	// in another zone, alerts independently.
	if got := d.AnalyzeStream(ctx, Stream{ZoneID: "Zone_A", DeviceID: "SENS-009"}, stream(45)); len(got) != 1 {
		t.Errorf("AnalyzeStream(SENS-009) raised %d alerts, want 1", len(got))
	}
	other := Stream{ZoneID: "Zone_B", DeviceID: "SENS-001"}
	if got := d.AnalyzeStream(ctx, other, stream(45)); len(got) != 1 || got[0].ZoneID != "Zone_B" {
		t.Errorf("AnalyzeStream(%v) = %v, want one alert of Zone_B", other, got)
	}

	// And survives across calls until reset.
	if got := d.AnalyzeStream(ctx, sens1, stream(45)); len(got) != 0 {
		t.Errorf("AnalyzeStream() within cooldown raised %d alerts, want 0", len(got))
	}
	d.Reset(sens1)
	if got := d.AnalyzeStream(ctx, sens1, stream(45)); len(got) != 1 {
		t.Errorf("AnalyzeStream() after Reset raised %d alerts, want 1", len(got))
	}
	if got := d.AnalyzeStream(ctx, other, stream(45)); len(got) != 0 {
		t.Errorf("AnalyzeStream(%v) after Reset(%v) raised %d alerts, want 0", other, sens1, len(got))
	}
	d.ResetZone("Zone_B")
	if got := d.AnalyzeStream(ctx, other, stream(45)); len(got) != 1 {
		t.Errorf("AnalyzeStream(%v) after ResetZone raised %d alerts, want 1", other, len(got))
	}
}

func TestAnalyzeStreamConcurrentStreams(t *testing.T) {
	d := newDetector(t, map[string]Threshold{device.MetricTemperature: {Limit: 10}}, WithCooldown(0))
	streams := []Stream{{"Zone_A", "A"}, {"Zone_A", "B"}, {"Zone_B", "A"}, {"Zone_B", "B"}}
	results := make([][]Alert, len(streams))
	var wg sync.WaitGroup
	for i, s := range streams {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = d.AnalyzeStream(context.Background(), s, stream(1, 20, 2, 30))
		}()
	}
	wg.Wait()
	for i, alerts := range results {
		var values []float64
		for _, a := range alerts {
			values = append(values, a.Value)
		}
		if diff := cmp.Diff([]float64{20, 30}, values); diff != "" {
			t.Errorf("stream %v alerts mismatch (-want +got):\n%s", streams[i], diff)
		}
	}
	if n := len(d.locks); n != 0 {
		t.Errorf("%d stream locks retained after all analyses returned, want 0", n)
	}
}

// The same stream analysed from many goroutines stays serialized: with no
// cooldown, every breach alerts exactly once per call.
func TestAnalyzeStreamSameStreamConcurrently(t *testing.T) {
	d := newDetector(t, map[string]Threshold{device.MetricTemperature: {Limit: 10}}, WithCooldown(0))
	const calls = 16
	counts := make([]int, calls)
	var wg sync.WaitGroup
	for i := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			counts[i] = len(d.AnalyzeStream(context.Background(), sens1, stream(20, 1, 30)))
		}()
	}
	wg.Wait()
	for i, n := range counts {
		if n != 2 {
			t.Errorf("call %d raised %d alerts, want 2", i, n)
		}
	}
	if n := len(d.locks); n != 0 {
		t.Errorf("%d stream locks retained, want 0", n)
	}
}

func TestSeverity(t *testing.T) {
	tests := []struct {
		value float64
		want  Severity
	}{
		{40, Warning},
		{43.9, Warning},
		{44, Major},
		{49.9, Major},
		{50, Critical},
		{400, Critical},
	}
	for _, tt := range tests {
		if got := severityOf(tt.value, 40); got != tt.want {
			t.Errorf("severityOf(%v, 40) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestParseMode(t *testing.T) {
	for s, want := range map[string]Mode{"": Upper, "upper": Upper, "absolute": Absolute} {
		got, err := ParseMode(s)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %v, %v, want %v", s, got, err, want)
		}
	}
	if _, err := ParseMode("lower"); err == nil {
		t.Error("ParseMode(\"lower\") succeeded, want error")
	}
}
