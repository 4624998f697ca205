// Package sink appends extracted audit rows to per-statement-type CSV
// files. Each file gets its header exactly once, on first-ever write, and
// all appends go through a single serialized writer so concurrent batches
// cannot interleave rows.
package sink

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/jdallman/lineage-miner/internal/warehouse"
)

// Header is the column layout consumed by the external SQL-text parser.
var Header = []string{
	"ProcID", "LogDate", "CollectTimeStamp", "SessionID", "QueryID",
	"StatementType", "ObjectDatabaseName", "ObjectTableName", "UserName", "SqlTextInfo",
}

const dateLayout = "2006-01-02"

// Writer appends rows for one statement type. Safe for concurrent use.
type Writer struct {
	mu        sync.Mutex
	path      string
	file      *os.File
	csv       *csv.Writer
	hasHeader bool
}

// OpenWriter opens (or creates) the append-only output file for one
// statement type. A non-empty existing file already carries its header.
func OpenWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening sink %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stating sink %s: %w", path, err)
	}

	return &Writer{
		path:      path,
		file:      f,
		csv:       csv.NewWriter(f),
		hasHeader: info.Size() > 0,
	}, nil
}

// Path returns the underlying file path.
func (w *Writer) Path() string { return w.path }

// Append writes rows and fsyncs before returning, so a batch's next date
// window only starts after this window's rows are durable.
func (w *Writer) Append(rows []warehouse.AuditRow) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.hasHeader {
		if err := w.csv.Write(Header); err != nil {
			return fmt.Errorf("writing sink header: %w", err)
		}
		w.hasHeader = true
	}

	for _, r := range rows {
		record := []string{
			strconv.FormatInt(r.ProcessID, 10),
			r.LogDate.Format(dateLayout),
			r.CollectTimestamp.Format(time.RFC3339),
			strconv.FormatInt(r.SessionID, 10),
			strconv.FormatInt(r.QueryID, 10),
			r.StatementType,
			r.ObjectDatabase,
			r.ObjectTable,
			r.Username,
			r.SQLText,
		}
		if err := w.csv.Write(record); err != nil {
			return fmt.Errorf("writing sink row: %w", err)
		}
	}

	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return fmt.Errorf("flushing sink: %w", err)
	}
	return w.file.Sync()
}

// Close flushes and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// Set lazily opens one Writer per statement type under a directory.
type Set struct {
	mu      sync.Mutex
	dir     string
	writers map[string]*Writer
}

// NewSet creates a sink set rooted at dir.
func NewSet(dir string) *Set {
	return &Set{dir: dir, writers: make(map[string]*Writer)}
}

// FilePath returns the output path for a statement type.
func FilePath(dir, statementType string) string {
	return filepath.Join(dir, statementType+"_queries.csv")
}

// For returns the writer for a statement type, opening it on first use.
func (s *Set) For(statementType string) (*Writer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.writers[statementType]; ok {
		return w, nil
	}
	w, err := OpenWriter(FilePath(s.dir, statementType))
	if err != nil {
		return nil, err
	}
	s.writers[statementType] = w
	return w, nil
}

// Close closes every open writer, returning the first error.
func (s *Set) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, w := range s.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.writers = make(map[string]*Writer)
	return firstErr
}
