package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gocloud.dev/pubsub"
	"gocloud.dev/pubsub/mempubsub"

	"github.com/go-digitaltwin/microclimate"
	"github.com/go-digitaltwin/microclimate/anomaly"
	"github.com/go-digitaltwin/microclimate/device"
	"github.com/go-digitaltwin/microclimate/zone"
)

var epoch = time.Date(2026, 1, 28, 9, 0, 0, 0, time.UTC)

// newTopic returns an in-memory topic with a single subscription.
func newTopic(t *testing.T) (*pubsub.Topic, *pubsub.Subscription) {
	t.Helper()
	topic := mempubsub.NewTopic()
	sub := mempubsub.NewSubscription(topic, time.Minute)
	t.Cleanup(func() {
		ctx := context.Background()
		_ = sub.Shutdown(ctx)
		_ = topic.Shutdown(ctx)
	})
	return topic, sub
}

func receiveAlerts(t *testing.T, sub *pubsub.Subscription, n int) ([]anomaly.Alert, []string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var (
		alerts []anomaly.Alert
		keys   []string
	)
	for range n {
		msg, err := sub.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive() error = %v", err)
		}
		msg.Ack()
		a, err := DecodeAlert(msg.Body)
		if err != nil {
			t.Fatalf("DecodeAlert() error = %v", err)
		}
		alerts = append(alerts, a)
		keys = append(keys, msg.Metadata[ZoneIDKey]+"/"+msg.Metadata[DeviceIDKey])
	}
	return alerts, keys
}

func TestAlertPublisher(t *testing.T) {
	topic, sub := newTopic(t)
	p := NewAlertPublisher("DT-SEOUL-01", topic)

	alerts := []anomaly.Alert{
		{ID: "1", ZoneID: "Zone_A", DeviceID: "SENS-001", Metric: "temperature", Value: 42, Threshold: 40, Timestamp: epoch, Severity: anomaly.Warning},
		{ID: "2", ZoneID: "Zone_A", DeviceID: "SENS-002", Metric: "humidity", Value: 99, Threshold: 80, Timestamp: epoch, Severity: anomaly.Major},
		{ID: "3", ZoneID: "Zone_B", DeviceID: "SENS-001", Metric: "temperature", Value: 55, Threshold: 40, Timestamp: epoch.Add(time.Minute), Severity: anomaly.Critical},
	}
	if err := p.RecordAlerts(context.Background(), alerts); err != nil {
		t.Fatalf("RecordAlerts() error = %v", err)
	}

	got, keys := receiveAlerts(t, sub, len(alerts))
	if diff := cmp.Diff(alerts, got); diff != "" {
		t.Errorf("published alerts mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"Zone_A/SENS-001", "Zone_A/SENS-002", "Zone_B/SENS-001"}, keys); diff != "" {
		t.Errorf("message keys mismatch (-want +got):\n%s", diff)
	}
}

func TestAlertPublisherClosedTopic(t *testing.T) {
	topic := mempubsub.NewTopic()
	if err := topic.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	p := NewAlertPublisher("DT-SEOUL-01", topic)
	err := p.RecordAlerts(context.Background(), []anomaly.Alert{{ID: "1", DeviceID: "SENS-001"}})
	if err == nil {
		t.Error("RecordAlerts() to a closed topic succeeded, want error")
	}
}

func TestMeasurementFeed(t *testing.T) {
	topic, sub := newTopic(t)
	feed := NewMeasurementFeed(sub)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := feed.Source("SENS-001").Read(ctx); !errors.Is(err, ErrNoReading) {
		t.Errorf("Read() before any reading error = %v, want ErrNoReading", err)
	}

	readings := []Reading{
		{SensorID: "SENS-001", Value: 23, Timestamp: epoch.Add(time.Minute)},
		{SensorID: "SENS-001", Value: 21, Timestamp: epoch}, // late delivery
		{SensorID: "SENS-002", Value: 40, Timestamp: epoch},
	}
	for _, r := range readings {
		if err := PublishReading(ctx, topic, r); err != nil {
			t.Fatalf("PublishReading() error = %v", err)
		}
	}
	if err := topic.Send(ctx, &pubsub.Message{Body: []byte("not gob")}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	for range len(readings) + 1 {
		if err := feed.Receive(ctx); err != nil {
			t.Fatalf("Receive() error = %v", err)
		}
	}

	got, err := feed.Source("SENS-001").Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if diff := cmp.Diff(device.Reading{Value: 23, Timestamp: epoch.Add(time.Minute)}, got); diff != "" {
		t.Errorf("Read(SENS-001) mismatch (-want +got):\n%s", diff)
	}
	if r, ok := feed.Latest("SENS-002"); !ok || r.Value != 40 {
		t.Errorf("Latest(SENS-002) = %v, %v, want 40", r, ok)
	}
}

func TestMeasurementFeedReceiveCancelled(t *testing.T) {
	_, sub := newTopic(t)
	feed := NewMeasurementFeed(sub)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := feed.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Receive() error = %v, want context.DeadlineExceeded", err)
	}
}

// TestTwinPipeline feeds a twin from a readings topic and publishes its
// alerts to an alerts topic.
func TestTwinPipeline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	readings, readingsSub := newTopic(t)
	alerts, alertsSub := newTopic(t)
	feed := NewMeasurementFeed(readingsSub)

	twin, err := microclimate.New("DT-SEOUL-01", microclimate.GeoLocation{},
		microclimate.WithAlertSink(NewAlertPublisher("DT-SEOUL-01", alerts)),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer twin.Close()
	z := zone.New("Zone_A", zone.Environment{Temperature: 22.5})
	sensor := device.NewSensor("SENS-001", device.Temperature, feed.Source("SENS-001"))
	sensor.Connect(ctx)
	if err := z.AddDevice(sensor); err != nil {
		t.Fatalf("AddDevice() error = %v", err)
	}
	if err := twin.AddZone(z); err != nil {
		t.Fatalf("AddZone() error = %v", err)
	}

	// Before the first reading the sensor fails without failing the sync.
	report, err := twin.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if len(report.Failures) != 1 || !errors.Is(report.Failures[0], ErrNoReading) {
		t.Errorf("Sync() failures = %v, want SENS-001 without reading", report.Failures)
	}

	if err := PublishReading(ctx, readings, Reading{SensorID: "SENS-001", Value: 45, Timestamp: epoch}); err != nil {
		t.Fatalf("PublishReading() error = %v", err)
	}
	if err := feed.Receive(ctx); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	report, err = twin.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	got, _ := receiveAlerts(t, alertsSub, 1)
	if diff := cmp.Diff(report.Alerts, got); diff != "" {
		t.Errorf("published alerts mismatch (-report +published):\n%s", diff)
	}
	if got := z.Environment().Temperature; got != 45 {
		t.Errorf("Zone_A temperature = %v, want 45", got)
	}
}
