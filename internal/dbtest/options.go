package dbtest

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/log"
)

// A utility function to create a slice of options for a container with a
// logger that logs to the given [testing.TB].
func containerOptions(tb testing.TB, opts ...testcontainers.ContainerCustomizer) []testcontainers.ContainerCustomizer {
	customizers := make([]testcontainers.ContainerCustomizer, 0, len(opts)+1)
	customizers = append(customizers, testcontainers.WithLogger(log.TestLogger(tb)))
	return append(customizers, opts...)
}

// DatabaseName returns a database name unique to the calling test, so tests
// sharing a server do not observe each other's data. The name starts with a
// letter and contains only lowercase letters, digits and dashes.
func DatabaseName(tb testing.TB) string {
	tb.Helper()
	return "t-" + strings.ToLower(uuid.NewString())
}
