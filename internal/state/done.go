// Package state owns the durable bookkeeping that makes a multi-day run
// resumable: the append-only DoneRecord store, the failed-batch log, the
// level/step checkpoint, the completion marker, and the sqlite run history.
// Durable state is the only contract between runs; nothing in memory is
// assumed to survive a restart.
package state

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/jdallman/lineage-miner/internal/registry"
)

var doneHeader = []string{"target_db", "target_table", "batch_number", "batch_size", "processed_date"}

// DoneStore persists one DoneRecord per fully-extracted table in an
// append-only CSV. Records are never updated or removed.
type DoneStore struct {
	mu   sync.Mutex
	path string
}

// NewDoneStore returns a store backed by the given file path.
func NewDoneStore(path string) *DoneStore {
	return &DoneStore{path: path}
}

// Path returns the backing file path.
func (s *DoneStore) Path() string { return s.path }

// Load reconstructs the set of done tables strictly from DoneRecords.
// A missing file means nothing is done yet.
func (s *DoneStore) Load() (registry.Set, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	done := registry.NewSet()

	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return done, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening done store: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	if _, err := reader.Read(); err == io.EOF {
		return done, nil
	} else if err != nil {
		return nil, fmt.Errorf("reading done store header: %w", err)
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading done store: %w", err)
		}
		if len(record) < 2 {
			return nil, fmt.Errorf("done store %s: short record %v", s.path, record)
		}
		done.Add(registry.TableRef{Database: record[0], Table: record[1]})
	}

	return done, nil
}

// MarkDone appends one DoneRecord per table in a completed batch and
// fsyncs before returning. Callers must only invoke this after every date
// window for the batch has been attempted without a fatal error.
func (s *DoneStore) MarkDone(database string, batchNumber int, tables []string, batchSize int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening done store: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stating done store: %w", err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(doneHeader); err != nil {
			return err
		}
	}

	processed := time.Now().Format("2006-01-02")
	for _, table := range tables {
		record := []string{
			database,
			table,
			strconv.Itoa(batchNumber),
			strconv.Itoa(batchSize),
			processed,
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("writing done records: %w", err)
	}
	return f.Sync()
}
