// Package warehouse provides pluggable backends for the warehouse's
// query-log audit tables. Each backend (MSSQL, PostgreSQL) implements the
// Backend interface and registers itself via init().
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jdallman/lineage-miner/internal/config"
)

// Audit relation names within the configured audit schema. The three-way
// join key across them is (process_id, query_id, log_date).
const (
	QueryLogTable  = "DBQLogTbl_Hst"  // operation metadata
	ObjectLogTable = "DBQLObjTbl_Hst" // per-object access metadata
	SQLLogTable    = "DBQLSqlTbl_Hst" // SQL text
)

// AuditRow is one matched query-log row.
type AuditRow struct {
	ProcessID        int64
	LogDate          time.Time
	CollectTimestamp time.Time
	SessionID        int64
	QueryID          int64
	StatementType    string
	ObjectDatabase   string
	ObjectTable      string
	Username         string
	SQLText          string
}

// Request identifies one bounded (batch x date-window) audit query.
type Request struct {
	StatementType string
	Database      string
	Tables        []string
	Start         time.Time // inclusive
	End           time.Time // inclusive
}

// Backend executes audit-log queries against a warehouse.
type Backend interface {
	Name() string

	// FetchBatch runs the bounded three-way audit join for one request.
	// Returned rows may be empty. Resource-limit failures are wrapped as
	// *ResourceLimitError so callers can classify them.
	FetchBatch(ctx context.Context, req Request) ([]AuditRow, error)

	// LookupDatabase resolves the owning database for a table name.
	// Returns "" with a nil error when the table is unknown to the warehouse.
	LookupDatabase(ctx context.Context, table string) (string, error)

	Ping(ctx context.Context) error
	Close() error
}

// Resource-limit kinds recognized by Classify.
const (
	LimitSpool    = "spool-space"
	LimitRowCount = "row-count"
)

// ResourceLimitError marks a query rejected by a backend resource ceiling.
// These are retryable by re-running the batch on a later invocation.
type ResourceLimitError struct {
	Kind string
	Err  error
}

func (e *ResourceLimitError) Error() string {
	return fmt.Sprintf("backend %s limit exceeded: %v", e.Kind, e.Err)
}

func (e *ResourceLimitError) Unwrap() error { return e.Err }

// Class is the failure class of a batch query error.
type Class int

const (
	// ClassFatal aborts the batch's remaining windows and records a failure.
	ClassFatal Class = iota
	// ClassSkip abandons the batch's remaining windows; the batch is retried
	// on a future run because no DoneRecord is written.
	ClassSkip
)

// Classify sorts a query error into the skip/fatal taxonomy. Resource-limit
// rejections and per-query timeouts are skips; everything else is fatal for
// the batch.
func Classify(err error) Class {
	var rl *ResourceLimitError
	if errors.As(err, &rl) {
		return ClassSkip
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassSkip
	}
	return ClassFatal
}

// Warehouse error codes carried through from the underlying engine. The
// audit store preserves the originating resource-limit codes in its error
// text (2646 = out of spool, 3149 = response row limit).
const (
	codeSpool    = "2646"
	codeRowLimit = "3149"
)

// WrapQueryError converts recognizable resource-limit failures into
// *ResourceLimitError and leaves everything else untouched.
func WrapQueryError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, codeSpool) {
		return &ResourceLimitError{Kind: LimitSpool, Err: err}
	}
	if strings.Contains(msg, codeRowLimit) {
		return &ResourceLimitError{Kind: LimitRowCount, Err: err}
	}
	return err
}

// Driver creates Backends for one warehouse type.
//
// To add a new warehouse:
// 1. Create a package under internal/warehouse/<name>/
// 2. Implement the Driver and Backend interfaces
// 3. Register via init(): warehouse.Register(&MyDriver{})
type Driver interface {
	// Name returns the primary driver name (e.g., "mssql", "postgres").
	Name() string

	// Aliases returns alternative names for this driver.
	Aliases() []string

	// Open connects to the warehouse and returns a ready Backend.
	Open(cfg *config.WarehouseConfig) (Backend, error)
}

var drivers = make(map[string]Driver)

// Register adds a driver to the registry under its name and aliases.
func Register(d Driver) {
	drivers[d.Name()] = d
	for _, alias := range d.Aliases() {
		drivers[alias] = d
	}
}

// Open connects using the driver named by cfg.Type.
func Open(cfg *config.WarehouseConfig) (Backend, error) {
	d, ok := drivers[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("unknown warehouse type %q (registered: %s)",
			cfg.Type, strings.Join(registeredNames(), ", "))
	}
	return d.Open(cfg)
}

func registeredNames() []string {
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
