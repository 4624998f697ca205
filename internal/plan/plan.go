// Package plan partitions pending tables into backend-safe query batches
// and slices the extraction date range into fixed-width windows. Everything
// here is a pure function of its inputs: re-planning the same pending set
// must reproduce the same batch numbers, or DoneRecords stop meaning
// anything across retries.
package plan

import (
	"time"

	"github.com/jdallman/lineage-miner/internal/registry"
)

// Batch is a bounded group of tables queried together in one backend
// statement. Immutable once planned for a run.
type Batch struct {
	Database string
	Number   int // sequential per database, starting at 1
	Tables   []string
}

// Size returns the number of tables in the batch.
func (b Batch) Size() int { return len(b.Tables) }

// DateWindow is one contiguous slice of the extraction date range,
// inclusive on both ends.
type DateWindow struct {
	Start time.Time
	End   time.Time
}

// Plan groups pending tables by database and chunks each group into
// consecutive batches of at most batchSize tables, preserving input
// iteration order. Databases with no pending tables get no batches.
func Plan(pending []registry.TableRef, batchSize int) map[string][]Batch {
	grouped := make(map[string][]string)
	var order []string
	for _, ref := range pending {
		if _, ok := grouped[ref.Database]; !ok {
			order = append(order, ref.Database)
		}
		grouped[ref.Database] = append(grouped[ref.Database], ref.Table)
	}

	batches := make(map[string][]Batch, len(order))
	for _, db := range order {
		tables := grouped[db]
		for i := 0; i < len(tables); i += batchSize {
			end := min(i+batchSize, len(tables))
			batches[db] = append(batches[db], Batch{
				Database: db,
				Number:   i/batchSize + 1,
				Tables:   tables[i:end],
			})
		}
	}
	return batches
}

// Windows slices [start, end] into contiguous, non-overlapping windows of
// `days` width, earliest first. The final window is clipped to end. Both
// bounds are date-granular and inclusive.
func Windows(start, end time.Time, days int) []DateWindow {
	var windows []DateWindow
	for cur := start; !cur.After(end); {
		windowEnd := cur.AddDate(0, 0, days-1)
		if windowEnd.After(end) {
			windowEnd = end
		}
		windows = append(windows, DateWindow{Start: cur, End: windowEnd})
		cur = windowEnd.AddDate(0, 0, 1)
	}
	return windows
}
