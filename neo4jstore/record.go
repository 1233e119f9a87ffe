package neo4jstore

import (
	"context"
	"errors"
	"reflect"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// exec runs a query within tx and waits for its completion.
func exec(ctx context.Context, tx neo4j.ManagedTransaction, cypher string, params map[string]any) error {
	res, err := tx.Run(ctx, cypher, params)
	if err != nil {
		return err
	}
	_, err = res.Consume(ctx)
	return err
}

// A errPropertyNotFound occurs when a returned column or property is missing.
//
// When encountering this error, it most likely occurs when changing a Cypher
// query without modifying the surrounding code properly.
var errPropertyNotFound = errors.New("property not found")

// An unexpectedPropertyTypeError occurs when a property has a runtime type that
// is different from the expected type. The error message contains the
// effective type of the property at runtime.
type unexpectedPropertyTypeError struct {
	Type reflect.Type // Effective type encountered at runtime.
}

func (e unexpectedPropertyTypeError) Error() string {
	if e.Type == nil {
		return "unexpected property type: null"
	}
	return "unexpected property type: " + e.Type.String()
}

func typeOf(v any) reflect.Type { return reflect.TypeOf(v) }

// The recordProperty interface lists the Neo4j values read by this package.
//
// When a new type is necessary, developers can simply add it to the list here.
type recordProperty interface {
	int64 | float64 | string | time.Time | neo4j.Node | []any | map[string]any
}

func getRecordProperty[T recordProperty](record *neo4j.Record, key string) (value T, err error) {
	prop, exists := record.Get(key)
	if !exists {
		return value, errPropertyNotFound
	}
	return cast[T](prop)
}

// getOptionalRecordProperty is like getRecordProperty but maps a null value to
// the zero value of T.
func getOptionalRecordProperty[T recordProperty](record *neo4j.Record, key string) (value T, err error) {
	prop, exists := record.Get(key)
	if !exists {
		return value, errPropertyNotFound
	}
	if prop == nil {
		return value, nil
	}
	return cast[T](prop)
}

func getMapProperty[T recordProperty](m map[string]any, key string) (value T, err error) {
	prop, exists := m[key]
	if !exists {
		return value, errPropertyNotFound
	}
	return cast[T](prop)
}

// getOptionalMapProperty maps both a missing and a null property to the zero
// value of T; Neo4j does not store null properties.
func getOptionalMapProperty[T recordProperty](m map[string]any, key string) (value T, err error) {
	prop := m[key]
	if prop == nil {
		return value, nil
	}
	return cast[T](prop)
}

func cast[T recordProperty](prop any) (T, error) {
	v, ok := prop.(T)
	if !ok {
		return v, unexpectedPropertyTypeError{Type: reflect.TypeOf(prop)}
	}
	return v, nil
}
