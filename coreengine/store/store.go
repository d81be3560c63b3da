// Package store is the tabular data capability the segment pipeline reads from.
//
// The pipeline only needs two operations: execute a read query and describe the
// table. SQLStore implements both over database/sql, using modernc.org/sqlite
// for embedded/in-memory data and jackc/pgx for Postgres.
package store

import (
	"context"
	"fmt"
)

// Row is one result row keyed by column name.
type Row = map[string]any

// Store executes read queries and reports the schema of the segment table.
type Store interface {
	Execute(ctx context.Context, sql string) ([]Row, error)
	Schema(ctx context.Context) (*Schema, error)
}

// Column describes one physical column of the segment table.
type Column struct {
	Name          string `json:"name"`
	Type          string `json:"type"`
	SampleValues  []any  `json:"sample_values"`
	DistinctCount int64  `json:"unique_count"`
}

// Schema is a snapshot of the segment table. Columns are in declaration order.
type Schema struct {
	Table      string   `json:"table_name"`
	Columns    []Column `json:"columns"`
	SampleRows []Row    `json:"sample_data"`
	RowCount   int64    `json:"total_rows"`
}

// ColumnNames returns the column names in declaration order.
func (s *Schema) ColumnNames() []string {
	if s == nil {
		return nil
	}
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// Column looks a column up by exact name.
func (s *Schema) Column(name string) (Column, bool) {
	if s == nil {
		return Column{}, false
	}
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ExecutionError wraps a failure of the underlying database.
type ExecutionError struct {
	Op    string
	Query string
	Cause error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Cause)
}

func (e *ExecutionError) Unwrap() error {
	return e.Cause
}
