// Package store implements the durable state layer for the gateway.
//
// Every table is fronted by plain SQL written with ? placeholders and
// rebound per driver, so the same store runs on SQLite and PostgreSQL.
// All timestamps are epoch seconds (REAL columns) to keep ordering
// arithmetic trivial across drivers.
package store

import (
	"encoding/json"

	"github.com/jmoiron/sqlx"

	"github.com/modelmux/modelmux/pkg/database"
)

// Store provides the contracted persistence operations over a database client.
type Store struct {
	db     *sqlx.DB
	driver string
}

// New creates a store backed by the given database client.
func New(client *database.Client) *Store {
	return &Store{
		db:     client.DB(),
		driver: client.Driver(),
	}
}

// rebind converts ? placeholders to the driver's bindvar style.
func (s *Store) rebind(query string) string {
	return s.db.Rebind(query)
}

// jsonMarshal serializes a typed value for a JSON column.
func jsonMarshal(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// jsonUnmarshal deserializes a JSON column into a typed value.
func jsonUnmarshal(s string, v any) error {
	return json.Unmarshal([]byte(s), v)
}

// marshalMap serializes a metadata map, defaulting to an empty object.
func marshalMap(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// unmarshalMap deserializes a metadata column, tolerating empty values.
func unmarshalMap(s string) map[string]any {
	if s == "" || s == "{}" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

// marshalStrings serializes a string slice, defaulting to an empty array.
func marshalStrings(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// unmarshalStrings deserializes a string array column, tolerating empty values.
func unmarshalStrings(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var v []string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil
	}
	return v
}
