package zone

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/go-digitaltwin/microclimate/device"
)

var epoch = time.Date(2026, 1, 28, 9, 0, 0, 0, time.UTC)

func newSensor(id string, typ device.SensorType, v float64) *device.Sensor {
	return device.NewSensor(id, typ, device.Constant(v), device.WithClock(func() time.Time { return epoch }))
}

func TestAddDevice(t *testing.T) {
	z := New("Zone_A", Environment{Temperature: 22.5, AirQualityIndex: 45})
	if err := z.AddDevice(newSensor("SENS-001", device.Temperature, 24.5)); err != nil {
		t.Fatalf("AddDevice() error = %v", err)
	}
	if err := z.AddDevice(device.NewActuator("ACT-001", "Zone_A", nil)); err != nil {
		t.Fatalf("AddDevice() error = %v", err)
	}

	err := z.AddDevice(newSensor("SENS-001", device.Humidity, 50))
	if !errors.Is(err, ErrDuplicateDeviceID) {
		t.Fatalf("AddDevice() of duplicate id error = %v, want ErrDuplicateDeviceID", err)
	}
	if got := len(z.Devices()); got != 2 {
		t.Errorf("len(Devices()) after failed AddDevice = %d, want 2", got)
	}
	// The original registration is retained.
	d, ok := z.Device("SENS-001")
	if !ok || d.(*device.Sensor).SensorType() != device.Temperature {
		t.Errorf("Device(SENS-001) = %v, %v; want the temperature sensor", d, ok)
	}
}

func TestRemoveDevice(t *testing.T) {
	z := New("Zone_A", Environment{Temperature: 22.5, AirQualityIndex: 45})
	s := newSensor("SENS-001", device.Temperature, 24.5)
	if err := z.AddDevice(s); err != nil {
		t.Fatal(err)
	}

	if err := z.RemoveDevice("nope"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("RemoveDevice(nope) error = %v, want ErrDeviceNotFound", err)
	}
	if err := z.RemoveDevice("SENS-001"); err != nil {
		t.Fatalf("RemoveDevice() error = %v", err)
	}

	// Removing the last device leaves the zone valid.
	want := Status{
		ID:          "Zone_A",
		Environment: Environment{Temperature: 22.5, AirQualityIndex: 45},
		Devices:     []DeviceStatus{},
	}
	if diff := cmp.Diff(want, z.Status()); diff != "" {
		t.Errorf("Status() mismatch (-want +got):\n%s", diff)
	}

	// Aggregation: the removed device is still usable on its own.
	s.Connect(context.Background())
	if _, err := s.MeasureData(context.Background()); err != nil {
		t.Errorf("MeasureData() on removed sensor error = %v", err)
	}
}

func TestCollectMeasurements(t *testing.T) {
	ctx := context.Background()
	z := New("Zone_A", Environment{})
	online := []*device.Sensor{
		newSensor("S1", device.Temperature, 24.5),
		newSensor("S3", device.Humidity, 40),
		newSensor("S4", device.AirQuality, 51),
	}
	offline := newSensor("S2", device.Temperature, 99)
	for _, d := range []device.Device{online[0], offline, device.NewActuator("A1", "Zone_A", nil), online[1], online[2]} {
		if err := z.AddDevice(d); err != nil {
			t.Fatal(err)
		}
	}
	for _, s := range online {
		s.Connect(ctx)
	}

	got, failures := z.CollectMeasurements(ctx)
	want := []device.Measurement{
		{ZoneID: "Zone_A", DeviceID: "S1", Metric: "temperature", Value: 24.5, Timestamp: epoch},
		{ZoneID: "Zone_A", DeviceID: "S3", Metric: "humidity", Value: 40, Timestamp: epoch},
		{ZoneID: "Zone_A", DeviceID: "S4", Metric: "air_quality_index", Value: 51, Timestamp: epoch},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("CollectMeasurements() mismatch (-want +got):\n%s", diff)
	}
	if len(failures) != 1 || failures[0].DeviceID != "S2" || !errors.Is(failures[0], device.ErrDeviceOffline) {
		t.Errorf("CollectMeasurements() failures = %v, want S2 offline", failures)
	}
}

// hung is a sensor source that ignores its context and answers only when
// released.
func hung(release <-chan struct{}) device.Source {
	return device.SourceFunc(func(context.Context) (device.Reading, error) {
		<-release
		return device.Reading{Value: 99}, nil
	})
}

func TestCollectMeasurementsAbandonsHungSensor(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	tests := []struct {
		name    string
		opts    []Option
		ctx     func() (context.Context, context.CancelFunc)
		wantErr error
	}{
		{
			name: "ContextDeadline",
			ctx: func() (context.Context, context.CancelFunc) {
				return context.WithTimeout(context.Background(), 50*time.Millisecond)
			},
			wantErr: context.DeadlineExceeded,
		},
		{
			name: "ReadTimeout",
			opts: []Option{WithReadTimeout(50 * time.Millisecond)},
			ctx: func() (context.Context, context.CancelFunc) {
				return context.WithCancel(context.Background())
			},
			wantErr: context.DeadlineExceeded,
		},
		{
			name: "Cancelled",
			ctx: func() (context.Context, context.CancelFunc) {
				ctx, cancel := context.WithCancel(context.Background())
				time.AfterFunc(50*time.Millisecond, cancel)
				return ctx, cancel
			},
			wantErr: context.Canceled,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			z := New("Zone_A", Environment{}, tt.opts...)
			stuck := device.NewSensor("S-HUNG", device.Temperature, hung(release))
			healthy := newSensor("S1", device.Temperature, 24.5)
			for _, s := range []*device.Sensor{stuck, healthy} {
				s.Connect(context.Background())
				if err := z.AddDevice(s); err != nil {
					t.Fatal(err)
				}
			}

			ctx, cancel := tt.ctx()
			defer cancel()
			type result struct {
				ms       []device.Measurement
				failures []*device.Error
			}
			done := make(chan result, 1)
			go func() {
				ms, failures := z.CollectMeasurements(ctx)
				done <- result{ms, failures}
			}()

			var got result
			select {
			case got = <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("CollectMeasurements() still blocked on a hung sensor")
			}
			if len(got.ms) != 1 || got.ms[0].DeviceID != "S1" {
				t.Errorf("CollectMeasurements() = %v, want the reading of S1 only", got.ms)
			}
			if len(got.failures) != 1 || got.failures[0].DeviceID != "S-HUNG" || !errors.Is(got.failures[0], tt.wantErr) {
				t.Errorf("CollectMeasurements() failures = %v, want S-HUNG failed with %v", got.failures, tt.wantErr)
			}
		})
	}
}

func TestApplyMeasurements(t *testing.T) {
	tests := []struct {
		name  string
		batch []device.Measurement
		want  Environment
	}{
		{
			name:  "LatestValueWins",
			batch: []device.Measurement{{Metric: "temperature", Value: 24.5, Timestamp: epoch}},
			want:  Environment{Temperature: 24.5, AirQualityIndex: 45, UpdatedAt: epoch},
		},
		{
			name: "LastOfEqualTimestampsWins",
			batch: []device.Measurement{
				{Metric: "temperature", Value: 23, Timestamp: epoch},
				{Metric: "temperature", Value: 26, Timestamp: epoch},
			},
			want: Environment{Temperature: 26, AirQualityIndex: 45, UpdatedAt: epoch},
		},
		{
			name: "StaleReadingIgnored",
			batch: []device.Measurement{
				{Metric: "temperature", Value: 25, Timestamp: epoch.Add(time.Second)},
				{Metric: "temperature", Value: 30, Timestamp: epoch},
			},
			want: Environment{Temperature: 25, AirQualityIndex: 45, UpdatedAt: epoch.Add(time.Second)},
		},
		{
			name: "UndatedReadingApplied",
			batch: []device.Measurement{
				{Metric: "temperature", Value: 25, Timestamp: epoch},
				{Metric: "temperature", Value: 24.5},
			},
			want: Environment{Temperature: 24.5, AirQualityIndex: 45, UpdatedAt: epoch},
		},
		{
			name: "EveryMetric",
			batch: []device.Measurement{
				{Metric: "humidity", Value: 61.5, Timestamp: epoch},
				{Metric: "air_quality_index", Value: 50.6, Timestamp: epoch},
				{Metric: "co2_ppm", Value: 800, Timestamp: epoch},
			},
			want: Environment{
				Temperature:     22.5,
				Humidity:        61.5,
				AirQualityIndex: 51,
				Other:           map[string]float64{"co2_ppm": 800},
				UpdatedAt:       epoch,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			z := New("Zone_A", Environment{Temperature: 22.5, AirQualityIndex: 45})
			got := z.ApplyMeasurements(tt.batch)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ApplyMeasurements() mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.want, z.Status().Environment); diff != "" {
				t.Errorf("Status().Environment mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// Readers must never observe a half-applied batch: temperature and humidity
// are always written together with equal values here.
func TestApplyMeasurementsAtomic(t *testing.T) {
	z := New("Zone_A", Environment{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := range 500 {
			ts := epoch.Add(time.Duration(i) * time.Millisecond)
			z.ApplyMeasurements([]device.Measurement{
				{Metric: "temperature", Value: float64(i), Timestamp: ts},
				{Metric: "humidity", Value: float64(i), Timestamp: ts},
			})
		}
	}()
	go func() {
		defer wg.Done()
		for range 500 {
			env := z.Status().Environment
			if env.Temperature != env.Humidity {
				t.Errorf("observed partial update: temperature=%v humidity=%v", env.Temperature, env.Humidity)
				return
			}
		}
	}()
	wg.Wait()
}

func TestStatusString(t *testing.T) {
	z := New("Zone_A", Environment{Temperature: 22.5, AirQualityIndex: 45})
	want := "Zone Zone_A: Temp=22.5, AQI=45, Devices=0"
	if got := z.Status().String(); got != want {
		t.Errorf("Status().String() = %q, want %q", got, want)
	}
}
