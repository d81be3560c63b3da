package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "modernc.org/sqlite"             // registers the "sqlite" driver

	"github.com/jeeves-cluster-organization/segmentation/coreengine/agents"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/observability"
)

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

// Config configures an SQLStore.
type Config struct {
	Driver string
	DSN    string
	// Table is the segment table described by Schema.
	Table string
	// MaxOpenConns caps the pool. In-memory SQLite is always pinned to a
	// single connection since each connection would see its own database.
	MaxOpenConns int
	// ProfileConcurrency bounds concurrent distinct-count queries in Schema.
	ProfileConcurrency int
}

// SQLStore is a Store backed by database/sql.
type SQLStore struct {
	db     *sql.DB
	cfg    Config
	logger agents.Logger

	mu     sync.Mutex
	schema *Schema
}

// Open connects to the database and returns the store plus a close function.
func Open(ctx context.Context, cfg Config, logger agents.Logger) (*SQLStore, func(), error) {
	if cfg.Driver == "" {
		cfg.Driver = DriverSQLite
	}
	if cfg.Driver != DriverSQLite && cfg.Driver != DriverPostgres {
		return nil, nil, fmt.Errorf("store: unsupported driver %q", cfg.Driver)
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, nil, fmt.Errorf("store: DSN must not be empty")
	}
	if strings.TrimSpace(cfg.Table) == "" {
		return nil, nil, fmt.Errorf("store: table must not be empty")
	}
	if cfg.ProfileConcurrency <= 0 {
		cfg.ProfileConcurrency = 4
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("store: open: %w", err)
	}

	switch {
	case cfg.Driver == DriverSQLite && isMemoryDSN(cfg.DSN):
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	case cfg.MaxOpenConns > 0:
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("store: ping: %w", err)
	}

	s := &SQLStore{db: db, cfg: cfg, logger: agents.OrNop(logger).Bind("component", "store", "driver", cfg.Driver)}
	closeFn := func() { db.Close() }
	return s, closeFn, nil
}

// OpenMemory opens a private in-memory SQLite store for table.
func OpenMemory(ctx context.Context, table string) (*SQLStore, func(), error) {
	return Open(ctx, Config{Driver: DriverSQLite, DSN: ":memory:", Table: table}, nil)
}

func isMemoryDSN(dsn string) bool {
	return dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
}

// Table returns the configured segment table.
func (s *SQLStore) Table() string { return s.cfg.Table }

// Driver returns the database/sql driver name.
func (s *SQLStore) Driver() string { return s.cfg.Driver }

// Execute runs a read query and returns every row.
func (s *SQLStore) Execute(ctx context.Context, query string) ([]Row, error) {
	start := time.Now()
	out, err := s.queryRows(ctx, query)
	durationMS := int(time.Since(start).Milliseconds())
	if err != nil {
		observability.RecordStoreQuery("execute", "error", durationMS)
		s.logger.Debug("store_query_failed", "error", err.Error(), "duration_ms", durationMS)
		return nil, &ExecutionError{Op: "execute", Query: query, Cause: err}
	}
	observability.RecordStoreQuery("execute", "success", durationMS)
	s.logger.Debug("store_query_executed", "rows", len(out), "duration_ms", durationMS)
	return out, nil
}

// queryRows scans the whole result set into maps before returning, so the
// connection is released before the caller issues another query.
func (s *SQLStore) queryRows(ctx context.Context, query string, args ...any) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := make([]Row, 0)
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			row[col] = normalizeValue(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func normalizeValue(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case int32:
		return int64(x)
	case float32:
		return float64(x)
	}
	return v
}

// placeholder returns the n-th (1-based) bind parameter for the driver.
func (s *SQLStore) placeholder(n int) string {
	if s.cfg.Driver == DriverPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// InvalidateSchema drops the cached schema so the next Schema call profiles
// the table again.
func (s *SQLStore) InvalidateSchema() {
	s.mu.Lock()
	s.schema = nil
	s.mu.Unlock()
}

// QuoteIdent double-quotes an identifier for both SQLite and Postgres.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
