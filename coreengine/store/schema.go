package store

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
)

const sampleSize = 3

// Schema describes the segment table. The snapshot is cached until the table
// is reloaded.
func (s *SQLStore) Schema(ctx context.Context) (*Schema, error) {
	s.mu.Lock()
	cached := s.schema
	s.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	snapshot, err := s.profile(ctx)
	if err != nil {
		return nil, &ExecutionError{Op: "schema", Query: s.cfg.Table, Cause: err}
	}

	s.mu.Lock()
	s.schema = snapshot
	s.mu.Unlock()
	s.logger.Info("schema_profiled", "table", snapshot.Table, "columns", len(snapshot.Columns), "rows", snapshot.RowCount)
	return snapshot, nil
}

func (s *SQLStore) profile(ctx context.Context) (*Schema, error) {
	table := QuoteIdent(s.cfg.Table)

	columns, err := s.columnTypes(ctx, table)
	if err != nil {
		return nil, err
	}

	samples, err := s.queryRows(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT %d", table, sampleSize))
	if err != nil {
		return nil, fmt.Errorf("sample rows: %w", err)
	}
	for i := range columns {
		vals := make([]any, 0, len(samples))
		for _, row := range samples {
			vals = append(vals, row[columns[i].Name])
		}
		columns[i].SampleValues = vals
	}

	total, err := s.count(ctx, fmt.Sprintf("SELECT COUNT(*) AS n FROM %s", table))
	if err != nil {
		return nil, fmt.Errorf("row count: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.ProfileConcurrency)
	for i := range columns {
		g.Go(func() error {
			q := fmt.Sprintf("SELECT COUNT(DISTINCT %s) AS n FROM %s", QuoteIdent(columns[i].Name), table)
			n, err := s.count(gctx, q)
			if err != nil {
				return fmt.Errorf("distinct count for %s: %w", columns[i].Name, err)
			}
			columns[i].DistinctCount = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &Schema{
		Table:      s.cfg.Table,
		Columns:    columns,
		SampleRows: samples,
		RowCount:   total,
	}, nil
}

// columnTypes reads the declared columns without fetching any data.
func (s *SQLStore) columnTypes(ctx context.Context, table string) ([]Column, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT 0", table))
	if err != nil {
		return nil, fmt.Errorf("describe table: %w", err)
	}
	defer rows.Close()

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("column types: %w", err)
	}
	columns := make([]Column, len(types))
	for i, ct := range types {
		typ := strings.ToUpper(ct.DatabaseTypeName())
		if typ == "" {
			typ = "TEXT"
		}
		columns[i] = Column{Name: ct.Name(), Type: typ}
	}
	return columns, rows.Err()
}

func (s *SQLStore) count(ctx context.Context, query string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
