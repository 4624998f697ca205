package mssql

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jdallman/lineage-miner/internal/config"
	"github.com/jdallman/lineage-miner/internal/warehouse"
)

func newMockBackend(t *testing.T) (*Backend, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return &Backend{db: db, cfg: &config.WarehouseConfig{AuditSchema: "pdcrinfo"}}, mock
}

var auditColumns = []string{
	"ProcID", "LogDate", "CollectTimeStamp", "SessionID", "QueryID",
	"StatementType", "ObjectDatabaseName", "ObjectTableName", "UserName", "SqlTextInfo",
}

func testRequest() warehouse.Request {
	return warehouse.Request{
		StatementType: "Insert",
		Database:      "DWH_CORE",
		Tables:        []string{"ORDERS", "ORDER_ITEMS"},
		Start:         time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:           time.Date(2024, 1, 30, 0, 0, 0, 0, time.UTC),
	}
}

func TestFetchBatch(t *testing.T) {
	b, mock := newMockBackend(t)

	logDate := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	collected := logDate.Add(3 * time.Hour)
	mock.ExpectQuery("SELECT DISTINCT").
		WillReturnRows(sqlmock.NewRows(auditColumns).
			AddRow(int64(101), logDate, collected, int64(7), int64(9001),
				"Insert", "DWH_CORE", "ORDERS", "etl_svc",
				"INSERT INTO DWH_CORE.ORDERS SELECT * FROM STG.ORDERS_RAW").
			AddRow(int64(101), logDate, collected, int64(7), int64(9002),
				"Insert", "DWH_CORE", "ORDER_ITEMS", "etl_svc",
				"INSERT INTO DWH_CORE.ORDER_ITEMS SELECT * FROM STG.ITEMS_RAW"))

	rows, err := b.FetchBatch(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("FetchBatch() error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0].ObjectTable != "ORDERS" || rows[0].QueryID != 9001 {
		t.Errorf("unexpected first row: %+v", rows[0])
	}
	if rows[1].SQLText == "" {
		t.Error("sql text not scanned")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestFetchBatchEmpty(t *testing.T) {
	b, mock := newMockBackend(t)
	mock.ExpectQuery("SELECT DISTINCT").WillReturnRows(sqlmock.NewRows(auditColumns))

	rows, err := b.FetchBatch(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("FetchBatch() error: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("got %d rows, want 0", len(rows))
	}
}

func TestFetchBatchSpoolErrorIsSkip(t *testing.T) {
	b, mock := newMockBackend(t)
	mock.ExpectQuery("SELECT DISTINCT").
		WillReturnError(errors.New("mssql: 2646: No more spool space in etl_svc"))

	_, err := b.FetchBatch(context.Background(), testRequest())
	if err == nil {
		t.Fatal("expected error")
	}
	if warehouse.Classify(err) != warehouse.ClassSkip {
		t.Errorf("spool error classified as fatal: %v", err)
	}

	var rl *warehouse.ResourceLimitError
	if !errors.As(err, &rl) || rl.Kind != warehouse.LimitSpool {
		t.Errorf("expected spool ResourceLimitError, got %v", err)
	}
}

func TestFetchBatchRowCeilingIsSkip(t *testing.T) {
	b, mock := newMockBackend(t)
	mock.ExpectQuery("SELECT DISTINCT").
		WillReturnError(errors.New("mssql: 3149: maximum row count exceeded"))

	_, err := b.FetchBatch(context.Background(), testRequest())
	if warehouse.Classify(err) != warehouse.ClassSkip {
		t.Errorf("row-ceiling error classified as fatal: %v", err)
	}
}

func TestFetchBatchOtherErrorIsFatal(t *testing.T) {
	b, mock := newMockBackend(t)
	mock.ExpectQuery("SELECT DISTINCT").
		WillReturnError(errors.New("mssql: 3807: object does not exist"))

	_, err := b.FetchBatch(context.Background(), testRequest())
	if err == nil {
		t.Fatal("expected error")
	}
	if warehouse.Classify(err) != warehouse.ClassFatal {
		t.Errorf("backend error classified as skip: %v", err)
	}
}

func TestLookupDatabase(t *testing.T) {
	b, mock := newMockBackend(t)
	mock.ExpectQuery("SELECT TOP 1 DatabaseName").
		WithArgs("ORDERS").
		WillReturnRows(sqlmock.NewRows([]string{"DatabaseName"}).AddRow("DWH_CORE"))

	db, err := b.LookupDatabase(context.Background(), "ORDERS")
	if err != nil {
		t.Fatalf("LookupDatabase() error: %v", err)
	}
	if db != "DWH_CORE" {
		t.Errorf("database = %q, want DWH_CORE", db)
	}
}

func TestLookupDatabaseNotFound(t *testing.T) {
	b, mock := newMockBackend(t)
	mock.ExpectQuery("SELECT TOP 1 DatabaseName").
		WithArgs("GHOST_TABLE").
		WillReturnRows(sqlmock.NewRows([]string{"DatabaseName"}))

	db, err := b.LookupDatabase(context.Background(), "GHOST_TABLE")
	if err != nil {
		t.Fatalf("LookupDatabase() error: %v", err)
	}
	if db != "" {
		t.Errorf("database = %q, want empty", db)
	}
}
