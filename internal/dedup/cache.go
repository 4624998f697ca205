// Package dedup maintains the global table-to-database mapping shared by
// every discovery level: an append-only CSV log replayed into an in-memory
// index at open. The cache is consulted before any new backend lookup and
// never inside the extraction hot loop.
package dedup

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sync"
)

// Unknown is the placeholder recorded when a lookup found no database.
const Unknown = "Unknown"

var header = []string{"table_name", "database_name"}

// Cache is the global dedup cache. Appends are serialized; duplicate
// entries for a table are tolerated, with the first non-Unknown value
// winning on read.
type Cache struct {
	mu    sync.Mutex
	path  string
	file  *os.File
	csv   *csv.Writer
	index map[string]string
}

// Open replays the log at path (if any) into memory and readies the file
// for appends.
func Open(path string) (*Cache, error) {
	c := &Cache{path: path, index: make(map[string]string)}

	if err := c.replay(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening mapping log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stating mapping log: %w", err)
	}

	c.file = f
	c.csv = csv.NewWriter(f)
	if info.Size() == 0 {
		if err := c.csv.Write(header); err != nil {
			f.Close()
			return nil, err
		}
		c.csv.Flush()
		if err := c.csv.Error(); err != nil {
			f.Close()
			return nil, err
		}
	}

	return c, nil
}

func (c *Cache) replay() error {
	f, err := os.Open(c.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening mapping log: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	if _, err := reader.Read(); err == io.EOF {
		return nil
	} else if err != nil {
		return fmt.Errorf("reading mapping log header: %w", err)
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading mapping log: %w", err)
		}
		if len(record) < 2 {
			continue
		}
		c.apply(record[0], record[1])
	}
	return nil
}

// apply updates the index under first-non-Unknown-wins semantics.
func (c *Cache) apply(table, database string) {
	current, ok := c.index[table]
	if ok && current != Unknown {
		return
	}
	c.index[table] = database
}

// Lookup returns the cached database for a table.
func (c *Cache) Lookup(table string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	database, ok := c.index[table]
	return database, ok
}

// Record appends one mapping immediately (one lookup's persistence is
// never batched behind another, so a crash loses at most the in-flight
// entry) and updates the index.
func (c *Cache) Record(table, database string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.csv.Write([]string{table, database}); err != nil {
		return fmt.Errorf("appending mapping: %w", err)
	}
	c.csv.Flush()
	if err := c.csv.Error(); err != nil {
		return fmt.Errorf("flushing mapping log: %w", err)
	}
	if err := c.file.Sync(); err != nil {
		return fmt.Errorf("syncing mapping log: %w", err)
	}

	c.apply(table, database)
	return nil
}

// Len returns the number of distinct tables in the index.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

// Close closes the underlying log file.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.csv.Flush()
	if err := c.csv.Error(); err != nil {
		c.file.Close()
		return err
	}
	return c.file.Close()
}
