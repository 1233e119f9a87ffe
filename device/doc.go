// Package device models the physical instruments of a micro-climate twin.
//
// Every instrument satisfies the Device contract (connect, heartbeat, status).
// Two concrete cases carry their own capabilities: a Sensor produces
// Measurements from a Source, and an Actuator executes Commands through an
// Executor. Devices start Offline; operations other than Connect fail with
// ErrDeviceOffline until the device is connected.
//
// Devices are created by the caller and registered with zones by reference, so
// a single Device value may be shared or moved between zones. All methods are
// safe for concurrent use.
package device
