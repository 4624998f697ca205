// Package postgres implements the warehouse backend for PostgreSQL-hosted
// audit logs (mirrored or federated query-log tables).
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jdallman/lineage-miner/internal/config"
	"github.com/jdallman/lineage-miner/internal/warehouse"
)

func init() {
	warehouse.Register(&Driver{})
}

// Driver implements warehouse.Driver for PostgreSQL.
type Driver struct{}

func (d *Driver) Name() string { return "postgres" }

func (d *Driver) Aliases() []string { return []string{"postgresql", "pg"} }

func (d *Driver) Open(cfg *config.WarehouseConfig) (warehouse.Backend, error) {
	return NewBackend(cfg)
}

// Backend queries the audit schema over a pgx connection pool.
type Backend struct {
	pool *pgxpool.Pool
	cfg  *config.WarehouseConfig
}

// NewBackend opens a connection pool and verifies connectivity.
func NewBackend(cfg *config.WarehouseConfig) (*Backend, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database, cfg.SSLMode)

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}

	poolCfg.MaxConns = int32(cfg.MaxConnections)
	poolCfg.MinConns = int32(cfg.MaxConnections / 4)

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging warehouse: %w", err)
	}

	return &Backend{pool: pool, cfg: cfg}, nil
}

func (b *Backend) Name() string { return "postgres" }

// Close closes all connections in the pool.
func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}

// Ping verifies the connection is still alive.
func (b *Backend) Ping(ctx context.Context) error { return b.pool.Ping(ctx) }

// FetchBatch executes the bounded three-way audit join for one
// (batch x date-window) request. Read-only; safe to re-issue.
func (b *Backend) FetchBatch(ctx context.Context, req warehouse.Request) ([]warehouse.AuditRow, error) {
	args := []any{req.StatementType, req.Database, req.Start, req.End}
	placeholders := make([]string, len(req.Tables))
	for i, table := range req.Tables {
		placeholders[i] = fmt.Sprintf("$%d", len(args)+1)
		args = append(args, table)
	}

	schema := strings.ToLower(b.cfg.AuditSchema)
	query := fmt.Sprintf(`
		SELECT DISTINCT
			ql.proc_id, ql.log_date, ql.collect_timestamp,
			ob.session_id, ql.query_id, ob.statement_type,
			ql.object_database_name, ql.object_table_name,
			ob.username, sb.sql_text_info
		FROM
			( SELECT proc_id, query_id, log_date, session_id, statement_type, username
			    FROM %s.%s
			   WHERE TRIM(statement_type) = $1
			) ob
		JOIN
			( SELECT proc_id, query_id, log_date, object_database_name, object_table_name, collect_timestamp
			    FROM %s.%s
			   WHERE object_database_name = $2
			     AND object_table_name IN (%s)
			) ql
			ON ob.proc_id = ql.proc_id AND ob.query_id = ql.query_id AND ob.log_date = ql.log_date
		JOIN
			( SELECT proc_id, query_id, log_date, sql_text_info
			    FROM %s.%s
			   WHERE log_date BETWEEN $3 AND $4
			) sb
			ON sb.proc_id = ql.proc_id AND sb.query_id = ql.query_id AND sb.log_date = ql.log_date`,
		schema, strings.ToLower(warehouse.QueryLogTable),
		schema, strings.ToLower(warehouse.ObjectLogTable),
		strings.Join(placeholders, ","),
		schema, strings.ToLower(warehouse.SQLLogTable))

	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, warehouse.WrapQueryError(err)
	}
	defer rows.Close()

	var result []warehouse.AuditRow
	for rows.Next() {
		var r warehouse.AuditRow
		if err := rows.Scan(
			&r.ProcessID, &r.LogDate, &r.CollectTimestamp,
			&r.SessionID, &r.QueryID, &r.StatementType,
			&r.ObjectDatabase, &r.ObjectTable,
			&r.Username, &r.SQLText,
		); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, warehouse.WrapQueryError(err)
	}

	return result, nil
}

// LookupDatabase resolves a table's owning database from the data
// dictionary, preferring the most recently accessed owner. Returns ""
// when the table is unknown.
func (b *Backend) LookupDatabase(ctx context.Context, table string) (string, error) {
	query := `
		SELECT database_name
		FROM dbc.columns_v
		WHERE table_name = $1
		  AND last_access_timestamp IS NOT NULL
		ORDER BY last_access_timestamp DESC
		LIMIT 1`

	var database string
	err := b.pool.QueryRow(ctx, query, table).Scan(&database)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("looking up database for %s: %w", table, err)
	}
	return database, nil
}
