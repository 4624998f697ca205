package dedup

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func openCache(t *testing.T, path string) *Cache {
	t.Helper()
	c, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRecordAndLookup(t *testing.T) {
	c := openCache(t, filepath.Join(t.TempDir(), "mapping.csv"))

	if _, ok := c.Lookup("ORDERS"); ok {
		t.Error("fresh cache resolved ORDERS")
	}
	if err := c.Record("ORDERS", "DWH_CORE"); err != nil {
		t.Fatal(err)
	}
	db, ok := c.Lookup("ORDERS")
	if !ok || db != "DWH_CORE" {
		t.Errorf("Lookup() = (%q, %v), want (DWH_CORE, true)", db, ok)
	}
}

func TestUnknownNeverOverwritesKnown(t *testing.T) {
	c := openCache(t, filepath.Join(t.TempDir(), "mapping.csv"))

	if err := c.Record("ORDERS", "DWH_CORE"); err != nil {
		t.Fatal(err)
	}
	if err := c.Record("ORDERS", Unknown); err != nil {
		t.Fatal(err)
	}

	db, _ := c.Lookup("ORDERS")
	if db != "DWH_CORE" {
		t.Errorf("Unknown overwrote known value: %q", db)
	}
}

func TestKnownUpgradesUnknown(t *testing.T) {
	c := openCache(t, filepath.Join(t.TempDir(), "mapping.csv"))

	if err := c.Record("ORDERS", Unknown); err != nil {
		t.Fatal(err)
	}
	if err := c.Record("ORDERS", "DWH_CORE"); err != nil {
		t.Fatal(err)
	}

	db, _ := c.Lookup("ORDERS")
	if db != "DWH_CORE" {
		t.Errorf("known value did not upgrade Unknown: %q", db)
	}
}

func TestReplayAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mapping.csv")

	c := openCache(t, path)
	if err := c.Record("ORDERS", "DWH_CORE"); err != nil {
		t.Fatal(err)
	}
	if err := c.Record("GHOST", Unknown); err != nil {
		t.Fatal(err)
	}
	c.Close()

	c2 := openCache(t, path)
	if db, ok := c2.Lookup("ORDERS"); !ok || db != "DWH_CORE" {
		t.Errorf("ORDERS = (%q, %v) after reopen", db, ok)
	}
	if db, ok := c2.Lookup("GHOST"); !ok || db != Unknown {
		t.Errorf("GHOST = (%q, %v) after reopen", db, ok)
	}
	if c2.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c2.Len())
	}
}

func TestReplayFirstNonUnknownWins(t *testing.T) {
	// Duplicate entries written across runs: the first real value wins.
	path := filepath.Join(t.TempDir(), "mapping.csv")
	content := "table_name,database_name\nORDERS,Unknown\nORDERS,DWH_CORE\nORDERS,DWH_OLD\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	c := openCache(t, path)
	if db, _ := c.Lookup("ORDERS"); db != "DWH_CORE" {
		t.Errorf("ORDERS = %q, want first non-Unknown DWH_CORE", db)
	}
}

func TestAppendOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mapping.csv")

	c := openCache(t, path)
	if err := c.Record("A", "DB1"); err != nil {
		t.Fatal(err)
	}
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := c.Record("B", "DB2"); err != nil {
		t.Fatal(err)
	}
	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if !strings.HasPrefix(string(after), string(before)) {
		t.Error("Record rewrote history instead of appending")
	}
}
