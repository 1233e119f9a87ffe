// Package neo4jstore persists digital twins to Neo4j.
//
// The topology of a twin is kept as a graph of its zones and their devices,
// with the latest environment of every zone and the status of every device:
//
//	(:Twin)-[:HAS_ZONE]->(:Zone)-[:HAS_DEVICE]->(:Device)
//
// Alerts are appended as (:Twin)-[:RAISED]->(:Alert) so that the alert history
// of a device survives the device and its zone. A Store is a
// microclimate.AlertSink.
package neo4jstore
