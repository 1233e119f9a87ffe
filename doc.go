// Package microclimate maintains a digital twin of a micro-climate site; A
// digital twin is a virtual representation of a real-world environment -
// maintained by periodically synchronizing with the devices deployed in it in
// order to produce a consistent view of the site and to anticipate its future.
//
// A Twin is composed of zones (see package zone): bounded areas whose sensors
// and actuators (see package device) report and act on the zone's environment.
// Each sync cycle collects measurements from all zones, folds them into the
// zones' environments and streams them, per device and in arrival order,
// through the twin's anomaly detector (see package anomaly). The resulting
// alerts are returned to the caller and delivered to the configured
// AlertSinks.
//
// The twin also owns a simulation engine (see package simulation) that
// predicts the evolution of a zone's environment and runs what-if scenarios
// (see package scenario) from the latest synchronized state.
//
// Twins are usually described in YAML and built with package config.
package microclimate
