package dbtest

import (
	"context"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	neo4jtest "github.com/testcontainers/testcontainers-go/modules/neo4j"
)

// Neo4jImage exposes the image to use for the Neo4j container.
//
// The enterprise variant is required for multiple databases and node key
// constraints, both of which the store relies on.
//
// See <https://hub.docker.com/_/neo4j> for more images.
const Neo4jImage = "docker.io/neo4j:5-enterprise"

// Port of the Neo4j browser.
const neo4jHTTP = nat.Port("7474/tcp")

// SetupNeo4j starts a Neo4j server for t and returns a driver connected to
// it. The test is skipped in short mode and otherwise marked parallel; the
// driver and the container are released when t completes. Tests create a
// database of their own on the server, see DatabaseName.
func SetupNeo4j(t *testing.T) neo4j.DriverWithContext {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping neo4j-backed test in short mode...")
	}
	t.Parallel()

	ctx := context.Background()
	container, err := neo4jtest.Run(ctx, *image, containerOptions(t,
		neo4jtest.WithoutAuthentication(),
		neo4jtest.WithAcceptCommercialLicenseAgreement(),
	)...)
	if err != nil {
		t.Fatal("Failed to start neo4j:", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate neo4j container %s: %v", container.GetContainerID(), err)
		}
	})

	boltURL, err := container.BoltUrl(ctx)
	if err != nil {
		t.Fatal("Failed to resolve bolt url:", err)
	}
	driver, err := neo4j.NewDriverWithContext(boltURL, neo4j.NoAuth())
	if err != nil {
		t.Fatal("Failed to open neo4j driver:", err)
	}
	t.Cleanup(func() {
		if err := driver.Close(ctx); err != nil {
			t.Error("Failed to close neo4j driver:", err)
		}
	})
	if err := verifyConnectivityWithRetries(t, ctx, driver); err != nil {
		t.Fatalf("neo4j at %s never accepted connections: %v", boltURL, err)
	}

	// Registered last, so it runs before the container is terminated.
	t.Cleanup(func() {
		if t.Failed() && *Inspect {
			holdForInspection(t, container, boltURL)
		}
	})
	return driver
}

// holdForInspection prints where the failed test's store can be browsed and
// blocks until interrupted.
func holdForInspection(t *testing.T, container *neo4jtest.Neo4jContainer, boltURL string) {
	browser, err := container.PortEndpoint(context.Background(), neo4jHTTP, "http")
	if err != nil {
		t.Logf("No browser endpoint for container %s: %v", container.GetContainerID(), err)
	} else {
		t.Logf("Browser: %s/browser?preselectAuthMethod=%s&dbms=%s", browser, url.QueryEscape("[NO_AUTH]"), url.QueryEscape(boltURL))
	}
	t.Logf("Bolt: %s", boltURL)
	t.Logf("Container %s kept for inspection (Ctrl+C to terminate)...", container.GetContainerID())
	awaitInterrupt()
}

// verifyConnectivityWithRetries checks the connection to Neo4j, retrying with
// a doubling pause while the server is still starting. The container may
// report ready before the bolt endpoint accepts sessions.
func verifyConnectivityWithRetries(t *testing.T, ctx context.Context, driver neo4j.DriverWithContext) error {
	t.Helper()

	const retryLimit = 6
	pause := 100 * time.Millisecond

	err := driver.VerifyConnectivity(ctx)
	for r := 1; err != nil && r <= retryLimit; r++ {
		t.Logf("Retrying [%d/%d] in %v after failing to connect to neo4j: %v", r, retryLimit, pause, err)
		select {
		case <-time.After(pause):
		case <-ctx.Done():
			return fmt.Errorf("retry pause interrupted: %w", ctx.Err())
		}
		pause *= 2
		err = driver.VerifyConnectivity(ctx)
	}
	return err
}
