package state

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Checkpoint is the single overwrite-on-save progress marker recording the
// last fully-completed (level, step). It decides where a mid-level resume
// begins; it never protects backend work, DoneRecords do that.
type Checkpoint struct {
	path string
}

// NewCheckpoint returns a checkpoint backed by the given file path.
func NewCheckpoint(path string) *Checkpoint {
	return &Checkpoint{path: path}
}

// Save overwrites the marker with the given level and step.
func (c *Checkpoint) Save(level, step int) error {
	content := fmt.Sprintf("level=%d\nstep=%d\n", level, step)
	if err := os.WriteFile(c.path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}
	return nil
}

// Load reads the marker. ok is false when no checkpoint exists.
func (c *Checkpoint) Load() (level, step int, ok bool, err error) {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("reading checkpoint: %w", err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if value, found := strings.CutPrefix(line, "level="); found {
			if level, err = strconv.Atoi(value); err != nil {
				return 0, 0, false, fmt.Errorf("checkpoint %s: bad level %q", c.path, value)
			}
		}
		if value, found := strings.CutPrefix(line, "step="); found {
			if step, err = strconv.Atoi(value); err != nil {
				return 0, 0, false, fmt.Errorf("checkpoint %s: bad step %q", c.path, value)
			}
		}
	}
	if level == 0 || step == 0 {
		return 0, 0, false, fmt.Errorf("checkpoint %s: incomplete marker", c.path)
	}

	return level, step, true, nil
}

// Clear removes the marker (end of a successful run).
func (c *Checkpoint) Clear() error {
	err := os.Remove(c.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// CompletionMarker short-circuits the extract step once every input table
// has a DoneRecord.
type CompletionMarker struct {
	path string
}

// NewCompletionMarker returns a marker backed by the given file path.
func NewCompletionMarker(path string) *CompletionMarker {
	return &CompletionMarker{path: path}
}

// Exists reports whether the marker has been written.
func (m *CompletionMarker) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Write records completion with the processed-table count.
func (m *CompletionMarker) Write(tableCount int) error {
	content := fmt.Sprintf("Completed on %s\nTotal tables processed: %d\n",
		time.Now().Format("2006-01-02"), tableCount)
	if err := os.WriteFile(m.path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing completion marker: %w", err)
	}
	return nil
}
