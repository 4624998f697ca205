package level

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths derives every artifact location for one discovery level. All
// per-level state lives under <root>/level_<n>/ so a level can be inspected
// or re-run in isolation.
type Paths struct {
	root  string
	level int
}

// NewPaths returns the path layout for a level under root.
func NewPaths(root string, level int) Paths {
	return Paths{root: root, level: level}
}

// Level returns the level number.
func (p Paths) Level() int { return p.level }

// Dir is the level's root directory; extraction sinks land here.
func (p Paths) Dir() string {
	return filepath.Join(p.root, fmt.Sprintf("level_%d", p.level))
}

// InputCSV is the level's table list (db,table), written before the level
// starts so every frontier is auditable.
func (p Paths) InputCSV() string { return filepath.Join(p.Dir(), "param.csv") }

// DoneCSV is the level's append-only DoneRecord store.
func (p Paths) DoneCSV() string { return filepath.Join(p.Dir(), "done.csv") }

// FailedCSV is the level's failed-batch log.
func (p Paths) FailedCSV() string { return filepath.Join(p.Dir(), "failed_batches.csv") }

// CompletionFile marks that every input table of the level has a DoneRecord.
func (p Paths) CompletionFile() string {
	return filepath.Join(p.Dir(), "extraction_completed.txt")
}

// ParsedDir receives the external parser's per-file output.
func (p Paths) ParsedDir() string { return filepath.Join(p.Dir(), "parsed") }

// MergedDir holds the merger's output.
func (p Paths) MergedDir() string { return filepath.Join(p.Dir(), "merged") }

// MergedOutput is the single merged lineage CSV for the level.
func (p Paths) MergedOutput() string {
	return filepath.Join(p.MergedDir(), "combined_output.csv")
}

// MappedOutput is the level's lineage output with databases resolved. It is
// the level's final artifact and the next level's frontier source.
func (p Paths) MappedOutput() string {
	return filepath.Join(p.Dir(), "mapped_output.csv")
}

// Ensure creates the level's directory tree.
func (p Paths) Ensure() error {
	for _, dir := range []string{p.Dir(), p.ParsedDir(), p.MergedDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating level directory: %w", err)
		}
	}
	return nil
}
