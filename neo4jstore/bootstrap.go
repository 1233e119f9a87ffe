package neo4jstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Node labels and their key properties.
var keys = []struct{ label, property string }{
	{"Twin", "id"},
	{"Zone", "key"},
	{"Device", "key"},
	{"Alert", "id"},
}

// BootstrapDatabase creates the named database and the key constraints
// required by a Store. Key constraints also index the keys, so lookups of
// twins, zones, devices and alerts are indexed.
//
// This function is idempotent.
func BootstrapDatabase(ctx context.Context, d neo4j.DriverWithContext, name string) error {
	if err := createDatabase(ctx, d, name); err != nil {
		return fmt.Errorf("create database: %w", err)
	}

	s := d.NewSession(ctx, neo4j.SessionConfig{DatabaseName: name})
	defer func() { _ = s.Close(ctx) }()

	// schema commands run in auto-commit transactions of their own.
	for _, k := range keys {
		// key constraints require the enterprise edition, which is what we deploy.
		err := run(ctx, s, `
			CREATE CONSTRAINT IF NOT EXISTS
			FOR (n:`+k.label+`)
			REQUIRE n.`+k.property+` IS NODE KEY
		`, nil)
		if err != nil {
			return fmt.Errorf("key constraint: label %v: %w", k.label, err)
		}
	}
	return s.Close(ctx)
}

func createDatabase(ctx context.Context, d neo4j.DriverWithContext, name string) error {
	if name == "" {
		panic("neo4jstore: database name must not be empty")
	}
	if name == "neo4j" {
		// the default database always exists
		return nil
	}
	if strings.HasPrefix(name, "system") || strings.HasPrefix(name, "_") {
		panic("neo4jstore: Names that begin with an underscore and with the prefix system are reserved for internal use")
	}

	s := d.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer func() { _ = s.Close(ctx) }()

	return run(ctx, s, `
			CREATE DATABASE $name IF NOT EXISTS WAIT
		`, map[string]any{
		"name": name,
	})
}

// run executes an auto-commit query and waits for its completion, surfacing
// errors the server reports while streaming the result.
func run(ctx context.Context, s neo4j.SessionWithContext, cypher string, params map[string]any) error {
	res, err := s.Run(ctx, cypher, params)
	if err != nil {
		return err
	}
	_, err = res.Consume(ctx)
	return err
}
