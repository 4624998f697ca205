package state

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
)

var failedHeader = []string{"statement_type", "db", "batch_number", "table_count", "tables", "error"}

// FailedBatch records one failed batch attempt. It never produces
// DoneRecords, so the batch stays eligible for retry on the next run.
type FailedBatch struct {
	StatementType string
	Database      string
	BatchNumber   int
	Tables        []string
	Error         string
}

// FailedLog is the machine-readable append-only log of failed batches,
// kept for operator visibility and automated retry tooling.
type FailedLog struct {
	mu   sync.Mutex
	path string
}

// NewFailedLog returns a log backed by the given file path.
func NewFailedLog(path string) *FailedLog {
	return &FailedLog{path: path}
}

// Append records one failure and fsyncs.
func (l *FailedLog) Append(fb FailedBatch) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening failed-batch log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stating failed-batch log: %w", err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(failedHeader); err != nil {
			return err
		}
	}

	record := []string{
		fb.StatementType,
		fb.Database,
		strconv.Itoa(fb.BatchNumber),
		strconv.Itoa(len(fb.Tables)),
		strings.Join(fb.Tables, ";"),
		fb.Error,
	}
	if err := w.Write(record); err != nil {
		return err
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("writing failed-batch record: %w", err)
	}
	return f.Sync()
}

// Load reads back every recorded failure. A missing file means none.
func (l *FailedLog) Load() ([]FailedBatch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening failed-batch log: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	if _, err := reader.Read(); err == io.EOF {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("reading failed-batch log header: %w", err)
	}

	var failures []FailedBatch
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading failed-batch log: %w", err)
		}
		if len(record) < 6 {
			return nil, fmt.Errorf("failed-batch log %s: short record %v", l.path, record)
		}

		batchNumber, err := strconv.Atoi(record[2])
		if err != nil {
			return nil, fmt.Errorf("failed-batch log %s: bad batch number %q", l.path, record[2])
		}

		var tables []string
		if record[4] != "" {
			tables = strings.Split(record[4], ";")
		}
		failures = append(failures, FailedBatch{
			StatementType: record[0],
			Database:      record[1],
			BatchNumber:   batchNumber,
			Tables:        tables,
			Error:         record[5],
		})
	}

	return failures, nil
}
