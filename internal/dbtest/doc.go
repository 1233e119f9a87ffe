/*
Package dbtest spins up database containers for tests of the persistence
layer. It wraps the testcontainers-go library for the common case where the
details of the container are not important; tests that need a specific
customisation of the database should use the testcontainers-go modules
directly.

Container-backed tests are skipped in short mode:

	go test -short ./...

To inspect the database after a test failure, keep the container running
with the Inspect flag:

	go test ./neo4jstore -dbtest.inspect

The Neo4j image can be overridden with -dbtest.image.

This package is intended to be used in tests only.
*/
package dbtest
