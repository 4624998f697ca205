// Package mssql implements the warehouse backend for MSSQL-hosted audit logs.
package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/jdallman/lineage-miner/internal/config"
	"github.com/jdallman/lineage-miner/internal/warehouse"
	_ "github.com/microsoft/go-mssqldb"
)

func init() {
	warehouse.Register(&Driver{})
}

// Driver implements warehouse.Driver for MSSQL.
type Driver struct{}

func (d *Driver) Name() string { return "mssql" }

func (d *Driver) Aliases() []string { return []string{"sqlserver"} }

func (d *Driver) Open(cfg *config.WarehouseConfig) (warehouse.Backend, error) {
	return NewBackend(cfg)
}

// Backend queries the audit schema over a pooled MSSQL connection.
type Backend struct {
	db  *sql.DB
	cfg *config.WarehouseConfig
}

// NewBackend opens a connection pool and verifies connectivity.
func NewBackend(cfg *config.WarehouseConfig) (*Backend, error) {
	dsn := fmt.Sprintf("sqlserver://%s:%s@%s:%d?database=%s",
		url.QueryEscape(cfg.User), url.QueryEscape(cfg.Password),
		cfg.Host, cfg.Port, url.QueryEscape(cfg.Database))
	if cfg.TrustServerCert {
		dsn += "&TrustServerCertificate=true"
	}

	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(max(cfg.MaxConnections/4, 1))

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging warehouse: %w", err)
	}

	return &Backend{db: db, cfg: cfg}, nil
}

func (b *Backend) Name() string { return "mssql" }

// Close closes all connections in the pool.
func (b *Backend) Close() error { return b.db.Close() }

// Ping verifies the connection is still alive.
func (b *Backend) Ping(ctx context.Context) error { return b.db.PingContext(ctx) }

// FetchBatch executes the bounded three-way audit join for one
// (batch x date-window) request. Read-only; safe to re-issue.
func (b *Backend) FetchBatch(ctx context.Context, req warehouse.Request) ([]warehouse.AuditRow, error) {
	args := []any{
		sql.Named("stmt", req.StatementType),
		sql.Named("db", req.Database),
		sql.Named("start", req.Start),
		sql.Named("end", req.End),
	}
	for i, table := range req.Tables {
		args = append(args, sql.Named(fmt.Sprintf("t%d", i), table))
	}

	rows, err := b.db.QueryContext(ctx, b.fetchQuery(len(req.Tables)), args...)
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

func (b *Backend) fetchQuery(tableCount int) string {
	placeholders := make([]string, tableCount)
	for i := range placeholders {
		placeholders[i] = fmt.Sprintf("@t%d", i)
	}

	return fmt.Sprintf(`
		SELECT DISTINCT
			QL.ProcID, QL.LogDate, QL.CollectTimeStamp,
			OB.SessionID, QL.QueryID, OB.StatementType,
			QL.ObjectDatabaseName, QL.ObjectTableName,
			OB.UserName, SB.SqlTextInfo
		FROM
			( SELECT ProcID, QueryID, LogDate, SessionID, StatementType, UserName
			    FROM [%s].[%s]
			   WHERE LTRIM(RTRIM(StatementType)) = @stmt
			) OB
		JOIN
			( SELECT ProcID, QueryID, LogDate, ObjectDatabaseName, ObjectTableName, CollectTimeStamp
			    FROM [%s].[%s]
			   WHERE ObjectDatabaseName = @db
			     AND ObjectTableName IN (%s)
			) QL
			ON OB.ProcID = QL.ProcID AND OB.QueryID = QL.QueryID AND OB.LogDate = QL.LogDate
		JOIN
			( SELECT ProcID, QueryID, LogDate, SqlTextInfo
			    FROM [%s].[%s]
			   WHERE LogDate BETWEEN @start AND @end
			) SB
			ON SB.ProcID = QL.ProcID AND SB.QueryID = QL.QueryID AND SB.LogDate = QL.LogDate`,
		b.cfg.AuditSchema, warehouse.QueryLogTable,
		b.cfg.AuditSchema, warehouse.ObjectLogTable,
		strings.Join(placeholders, ","),
		b.cfg.AuditSchema, warehouse.SQLLogTable)
}

// LookupDatabase resolves a table's owning database from the data
// dictionary, preferring the most recently accessed owner. Returns ""
// when the table is unknown.
func (b *Backend) LookupDatabase(ctx context.Context, table string) (string, error) {
	query := `
		SELECT TOP 1 DatabaseName
		FROM [dbc].[ColumnsV]
		WHERE TableName = @table
		  AND LastAccessTimeStamp IS NOT NULL
		ORDER BY LastAccessTimeStamp DESC`

	var database string
	err := b.db.QueryRowContext(ctx, query, sql.Named("table", table)).Scan(&database)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("looking up database for %s: %w", table, err)
	}
	return database, nil
}
