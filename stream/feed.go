package stream

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/danielorbach/go-component"
	"gocloud.dev/pubsub"

	"github.com/go-digitaltwin/microclimate/device"
)

// ErrNoReading is returned by a feed source whose sensor has not reported yet.
var ErrNoReading = errors.New("no reading received")

// Reading is the message consumed by a MeasurementFeed.
type Reading struct {
	SensorID  string
	Value     float64
	Timestamp time.Time
}

// PublishReading produces r to topic in the format a MeasurementFeed consumes.
func PublishReading(ctx context.Context, topic *pubsub.Topic, r Reading) error {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(r); err != nil {
		return fmt.Errorf("encode gob: %w", err)
	}
	msg := &pubsub.Message{Body: b.Bytes(), Metadata: map[string]string{DeviceIDKey: r.SensorID}}
	if err := topic.Send(ctx, msg); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// MeasurementFeed keeps the latest reading of every sensor reporting to a
// subscription.
//
// MeasurementFeed is safe for concurrent use.
type MeasurementFeed struct {
	source *pubsub.Subscription

	mu     sync.RWMutex
	latest map[string]device.Reading
}

// NewMeasurementFeed returns a feed consuming readings from source. Readings
// are only consumed while the feed's Proc runs, or by calls to Receive.
func NewMeasurementFeed(source *pubsub.Subscription) *MeasurementFeed {
	return &MeasurementFeed{
		source: source,
		latest: make(map[string]device.Reading),
	}
}

// Proc returns a component.Proc that continuously consumes readings until the
// component stops. A subscription that fails for another reason is fatal.
func (f *MeasurementFeed) Proc() component.Proc {
	return func(l *component.L) {
		for l.Continue() {
			if err := f.Receive(l.Context()); err != nil {
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
					// we're shutting down
					return
				}
				l.Fatal(fmt.Errorf("measurement feed: %w", err))
			}
		}
	}
}

// Receive consumes a single message. A message that cannot be decoded is
// acknowledged, logged and dropped; Receive only fails when the subscription
// does.
func (f *MeasurementFeed) Receive(ctx context.Context) error {
	msg, err := f.source.Receive(ctx)
	if err != nil {
		return fmt.Errorf("receive: %w", err)
	}
	// always ack, even if we fail to decode.
	// a malformed reading would otherwise be redelivered forever
	msg.Ack()

	var r Reading
	if err := gob.NewDecoder(bytes.NewReader(msg.Body)).Decode(&r); err != nil {
		component.Logger(ctx).Error("Couldn't decode reading, message dropped",
			slog.String("msg.id", msg.LoggableID),
			slog.Any("error", err),
		)
		return nil
	}
	f.update(r)
	return nil
}

// update stores r unless a newer reading of the same sensor is already known.
func (f *MeasurementFeed) update(r Reading) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if prev, ok := f.latest[r.SensorID]; ok && r.Timestamp.Before(prev.Timestamp) {
		return
	}
	f.latest[r.SensorID] = device.Reading{Value: r.Value, Timestamp: r.Timestamp}
}

// Latest returns the latest reading of a sensor.
func (f *MeasurementFeed) Latest(sensorID string) (device.Reading, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	r, ok := f.latest[sensorID]
	return r, ok
}

// Source returns a device.Source reading the latest value of a sensor. It
// fails with ErrNoReading until the sensor reports.
func (f *MeasurementFeed) Source(sensorID string) device.Source {
	return device.SourceFunc(func(context.Context) (device.Reading, error) {
		r, ok := f.Latest(sensorID)
		if !ok {
			return device.Reading{}, fmt.Errorf("sensor %s: %w", sensorID, ErrNoReading)
		}
		return r, nil
	})
}
