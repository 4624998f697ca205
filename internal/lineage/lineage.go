// Package lineage models the column-level lineage records produced by the
// external SQL parser. The miner never interprets derivation logic; it only
// reads table identities out of these records and rewrites their database
// columns after mapping.
package lineage

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jdallman/lineage-miner/internal/registry"
)

// Record is one source-to-target column edge from the parsed output.
type Record struct {
	SourceDB        string
	SourceTable     string
	SourceColumn    string
	TargetDB        string
	TargetTable     string
	TargetColumn    string
	DerivationLogic string
}

var header = []string{
	"source_db", "source_table", "source_col",
	"target_db", "target_table", "target_col",
	"Derivation_logic",
}

// columnIndex maps known column names (lowercased) to Record fields.
// Parser output has varied column order across versions, so files are read
// by header name, not position.
func columnIndex(cols []string) (map[string]int, error) {
	idx := make(map[string]int, len(cols))
	for i, col := range cols {
		idx[strings.TrimSpace(strings.ToLower(col))] = i
	}
	for _, required := range []string{"source_table", "target_table"} {
		if _, ok := idx[required]; !ok {
			return nil, fmt.Errorf("missing %s column (header: %v)", required, cols)
		}
	}
	return idx, nil
}

// ReadFile loads every record from a parsed or mapped lineage CSV.
// A missing file is an error; the caller decides whether the artifact is
// allowed to be absent.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening lineage file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	cols, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading lineage header: %w", err)
	}
	idx, err := columnIndex(cols)
	if err != nil {
		return nil, fmt.Errorf("lineage file %s: %w", path, err)
	}

	field := func(record []string, name string) string {
		i, ok := idx[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var records []Record
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading lineage file %s: %w", path, err)
		}
		records = append(records, Record{
			SourceDB:        field(record, "source_db"),
			SourceTable:     field(record, "source_table"),
			SourceColumn:    field(record, "source_col"),
			TargetDB:        field(record, "target_db"),
			TargetTable:     field(record, "target_table"),
			TargetColumn:    field(record, "target_col"),
			DerivationLogic: field(record, "derivation_logic"),
		})
	}

	return records, nil
}

// WriteFile writes records in the canonical column order.
func WriteFile(path string, records []Record) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating lineage file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{
			r.SourceDB, r.SourceTable, r.SourceColumn,
			r.TargetDB, r.TargetTable, r.TargetColumn,
			r.DerivationLogic,
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("writing lineage file: %w", err)
	}
	return f.Sync()
}

// Dedup drops exact duplicate records, preserving first-seen order.
func Dedup(records []Record) []Record {
	seen := make(map[Record]struct{}, len(records))
	out := records[:0:0]
	for _, r := range records {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

// Targets returns the distinct (db, table) pairs appearing on the target
// side, in first-seen order. Records without a target table are skipped.
func Targets(records []Record) []registry.TableRef {
	return collect(records, func(r Record) registry.TableRef {
		return registry.TableRef{Database: r.TargetDB, Table: r.TargetTable}
	})
}

// Sources returns the distinct (db, table) pairs appearing on the source
// side, in first-seen order.
func Sources(records []Record) []registry.TableRef {
	return collect(records, func(r Record) registry.TableRef {
		return registry.TableRef{Database: r.SourceDB, Table: r.SourceTable}
	})
}

func collect(records []Record, pick func(Record) registry.TableRef) []registry.TableRef {
	seen := registry.NewSet()
	var refs []registry.TableRef
	for _, r := range records {
		ref := pick(r)
		if ref.Table == "" || seen.Has(ref) {
			continue
		}
		seen.Add(ref)
		refs = append(refs, ref)
	}
	return refs
}
