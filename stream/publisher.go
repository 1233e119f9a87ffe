package stream

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"time"

	"github.com/danielorbach/go-component"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gocloud.dev/pubsub"

	"github.com/go-digitaltwin/microclimate"
	"github.com/go-digitaltwin/microclimate/anomaly"
)

// Metadata keys naming the origin of a message. Device ids are unique only
// within a zone, so consumers tell devices apart by both keys.
const (
	ZoneIDKey   = "zoneID"
	DeviceIDKey = "deviceID"
)

// AlertPublisher produces alerts to a pubsub topic.
type AlertPublisher struct {
	twinID string
	sink   *pubsub.Topic
}

var _ microclimate.AlertSink = (*AlertPublisher)(nil)

// NewAlertPublisher returns an AlertPublisher producing to sink. Its
// measurements are labelled with twinID.
func NewAlertPublisher(twinID string, sink *pubsub.Topic) *AlertPublisher {
	return &AlertPublisher{twinID: twinID, sink: sink}
}

// RecordAlerts sends one message per alert, in order, and stops at the first
// failure. Messages of the same zone's device are therefore produced in the
// order the device raised them.
func (p *AlertPublisher) RecordAlerts(ctx context.Context, alerts []anomaly.Alert) (err error) {
	ctx, span := tracer.Start(ctx, "alertPublisher.Publish", trace.WithAttributes(
		attribute.String("twin.id", p.twinID),
		attribute.Int("alerts", len(alerts)),
	))
	defer span.End()
	defer func(start time.Time) {
		measurePublish(ctx, p.twinID, err == nil, time.Since(start))
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}(time.Now())

	logger := component.Logger(ctx)
	logger.Debug("Publishing alerts...", slog.Int("alerts", len(alerts)))
	for _, a := range alerts {
		if err := p.send(ctx, a); err != nil {
			return fmt.Errorf("publish alert %s: %w", a.ID, err)
		}
	}
	logger.Info("Alerts published", slog.Int("alerts", len(alerts)))
	return nil
}

func (p *AlertPublisher) send(ctx context.Context, a anomaly.Alert) error {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(a); err != nil {
		return fmt.Errorf("encode gob: %w", err)
	}
	msg := &pubsub.Message{Body: b.Bytes(), Metadata: map[string]string{
		ZoneIDKey:   a.ZoneID,
		DeviceIDKey: a.DeviceID,
	}}
	if err := p.sink.Send(ctx, msg); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// DecodeAlert decodes the body of a message produced by an AlertPublisher.
func DecodeAlert(body []byte) (anomaly.Alert, error) {
	var a anomaly.Alert
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&a); err != nil {
		return anomaly.Alert{}, fmt.Errorf("decode gob: %w", err)
	}
	return a, nil
}
