package dbtest

import (
	"flag"
	"os"
	"os/signal"
)

// Inspect keeps a failed test's container running until interrupted, so the
// stored topology and alerts can be browsed by hand. Containers left behind are
// still reaped by testcontainers eventually.
var Inspect = flag.Bool("dbtest.inspect", false, "keep the neo4j container of a failed test running until interrupted")

// image overrides Neo4jImage, e.g. to pin a patch release in CI.
var image = flag.String("dbtest.image", Neo4jImage, "neo4j image used by container-backed tests")

// awaitInterrupt blocks until SIGINT (Ctrl+C).
func awaitInterrupt() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	defer signal.Stop(c)
	<-c
}
