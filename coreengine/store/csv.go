package store

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

const utf8BOM = "\uFEFF"

// CSVOptions configures LoadCSV.
type CSVOptions struct {
	// Comma is the field delimiter. The bank marketing export uses ';'.
	Comma rune
}

// Column affinities inferred from CSV data.
const (
	TypeInteger = "INTEGER"
	TypeReal    = "REAL"
	TypeText    = "TEXT"
)

// LoadCSVFile opens path and loads it with LoadCSV.
func (s *SQLStore) LoadCSVFile(ctx context.Context, path string, opts CSVOptions) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("store: open csv: %w", err)
	}
	defer f.Close()
	return s.LoadCSV(ctx, f, opts)
}

// LoadCSV replaces the segment table with the contents of r. The first record
// is the header. Column types are inferred from the data: INTEGER if every
// non-empty value parses as an integer, REAL if every one parses as a float,
// TEXT otherwise. Empty cells load as NULL.
//
// The drop, create and every insert run in one transaction, so a failed load
// leaves the previous table untouched.
func (s *SQLStore) LoadCSV(ctx context.Context, r io.Reader, opts CSVOptions) (int64, error) {
	if opts.Comma == 0 {
		opts.Comma = ';'
	}

	br := bufio.NewReader(r)
	if bom, err := br.Peek(len(utf8BOM)); err == nil && string(bom) == utf8BOM {
		_, _ = br.Discard(len(utf8BOM))
	}

	cr := csv.NewReader(br)
	cr.Comma = opts.Comma
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("store: csv is empty")
	}
	if err != nil {
		return 0, fmt.Errorf("store: read csv header: %w", err)
	}
	header = normalizeHeader(header)

	records, err := cr.ReadAll()
	if err != nil {
		return 0, fmt.Errorf("store: read csv: %w", err)
	}

	types := inferTypes(header, records)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin tx: %w", err)
	}
	if err := s.recreateTable(ctx, tx, header, types); err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	inserted, err := s.insertRows(ctx, tx, header, types, records)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit: %w", err)
	}

	s.InvalidateSchema()
	s.logger.Info("csv_loaded", "table", s.cfg.Table, "rows", inserted, "columns", len(header))
	return inserted, nil
}

// normalizeHeader trims and applies NFC so visually equal column names
// compare equal.
func normalizeHeader(header []string) []string {
	out := make([]string, len(header))
	for i, h := range header {
		out[i] = norm.NFC.String(strings.TrimSpace(h))
	}
	return out
}

func inferTypes(header []string, records [][]string) []string {
	types := make([]string, len(header))
	for col := range header {
		isInt, isReal, seen := true, true, false
		for _, rec := range records {
			if col >= len(rec) {
				continue
			}
			v := strings.TrimSpace(rec[col])
			if v == "" {
				continue
			}
			seen = true
			if isInt {
				if _, err := strconv.ParseInt(v, 10, 64); err != nil {
					isInt = false
				}
			}
			if isReal && !isInt {
				if _, err := strconv.ParseFloat(v, 64); err != nil {
					isReal = false
				}
			}
			if !isInt && !isReal {
				break
			}
		}
		switch {
		case !seen:
			types[col] = TypeText
		case isInt:
			types[col] = TypeInteger
		case isReal:
			types[col] = TypeReal
		default:
			types[col] = TypeText
		}
	}
	return types
}

func (s *SQLStore) recreateTable(ctx context.Context, tx *sql.Tx, header, types []string) error {
	table := QuoteIdent(s.cfg.Table)
	defs := make([]string, len(header))
	for i, name := range header {
		defs[i] = QuoteIdent(name) + " " + types[i]
	}

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
		return fmt.Errorf("store: drop table: %w", err)
	}
	ddl := fmt.Sprintf("CREATE TABLE %s (%s)", table, strings.Join(defs, ", "))
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("store: create table: %w", err)
	}
	return nil
}

func (s *SQLStore) insertRows(ctx context.Context, tx *sql.Tx, header, types []string, records [][]string) (int64, error) {
	cols := make([]string, len(header))
	marks := make([]string, len(header))
	for i, name := range header {
		cols[i] = QuoteIdent(name)
		marks[i] = s.placeholder(i + 1)
	}
	stmtSQL := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		QuoteIdent(s.cfg.Table), strings.Join(cols, ", "), strings.Join(marks, ", "))

	stmt, err := tx.PrepareContext(ctx, stmtSQL)
	if err != nil {
		return 0, fmt.Errorf("store: prepare insert: %w", err)
	}
	defer stmt.Close()

	var inserted int64
	for n, rec := range records {
		if len(rec) != len(types) {
			return 0, fmt.Errorf("store: csv row %d has %d fields, header has %d", n+2, len(rec), len(types))
		}
		args := make([]any, len(rec))
		for i, raw := range rec {
			args[i] = convertCell(raw, types[i])
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return 0, fmt.Errorf("store: insert row %d: %w", n+2, err)
		}
		inserted++
	}
	return inserted, nil
}

func convertCell(raw, typ string) any {
	v := strings.TrimSpace(raw)
	if v == "" {
		return nil
	}
	switch typ {
	case TypeInteger:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	case TypeReal:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return v
}
