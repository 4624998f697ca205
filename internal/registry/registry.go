// Package registry holds the set of (database, table) pairs a level
// processes and the arithmetic between level input and completed work.
package registry

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
)

// TableRef identifies a table by its (database, table) pair.
// Case-sensitivity is whatever the backend reports.
type TableRef struct {
	Database string
	Table    string
}

func (r TableRef) String() string {
	return r.Database + "." + r.Table
}

// Set is an unordered collection of TableRefs.
type Set map[TableRef]struct{}

// NewSet builds a Set from the given refs.
func NewSet(refs ...TableRef) Set {
	s := make(Set, len(refs))
	for _, r := range refs {
		s.Add(r)
	}
	return s
}

// Add inserts a ref.
func (s Set) Add(r TableRef) { s[r] = struct{}{} }

// AddAll inserts every ref from other.
func (s Set) AddAll(other Set) {
	for r := range other {
		s[r] = struct{}{}
	}
}

// Has reports membership.
func (s Set) Has(r TableRef) bool {
	_, ok := s[r]
	return ok
}

// Len returns the number of refs.
func (s Set) Len() int { return len(s) }

// LoadInput reads a level input list: a CSV with a "db,table" header.
// Malformed rows are fatal; the caller must not start backend work with a
// broken table list.
func LoadInput(path string) ([]TableRef, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening input list: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("input list %s is empty", path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading input list header: %w", err)
	}

	dbIdx, tableIdx := -1, -1
	for i, col := range header {
		switch strings.TrimSpace(strings.ToLower(col)) {
		case "db", "database", "target_db":
			dbIdx = i
		case "table", "target_table":
			tableIdx = i
		}
	}
	if dbIdx < 0 || tableIdx < 0 {
		return nil, fmt.Errorf("input list %s missing db/table columns (header: %v)", path, header)
	}

	var refs []TableRef
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("input list %s line %d: %w", path, line, err)
		}

		db := strings.TrimSpace(record[dbIdx])
		table := strings.TrimSpace(record[tableIdx])
		if db == "" || table == "" {
			return nil, fmt.Errorf("input list %s line %d: empty db or table", path, line)
		}
		refs = append(refs, TableRef{Database: db, Table: table})
	}

	return refs, nil
}

// WriteInput writes a level input list in the same db,table CSV shape,
// so every level's frontier is auditable on disk.
func WriteInput(path string, refs []TableRef) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating input list: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"db", "table"}); err != nil {
		return err
	}
	for _, r := range refs {
		if err := w.Write([]string{r.Database, r.Table}); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("writing input list: %w", err)
	}
	return f.Sync()
}

// Pending filters refs to those not yet done, preserving input order and
// dropping duplicate input rows. Order stability matters: batch numbers
// are derived from it.
func Pending(input []TableRef, done Set) []TableRef {
	seen := make(Set, len(input))
	var pending []TableRef
	for _, r := range input {
		if seen.Has(r) || done.Has(r) {
			continue
		}
		seen.Add(r)
		pending = append(pending, r)
	}
	return pending
}
