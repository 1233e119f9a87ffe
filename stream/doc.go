// Package stream bridges digital twins and pubsub services (see
// gocloud.dev/pubsub).
//
// An AlertPublisher is a microclimate.AlertSink that produces each alert of a
// sync cycle as a gob-encoded message. A MeasurementFeed consumes gob-encoded
// sensor readings and serves the latest one of every sensor as a
// device.Source, so that sensors of a twin read live values.
//
// Messages carry the originating device id as the "deviceID" metadata so that
// key-partitioned brokers deliver the messages of a device in order.
package stream
