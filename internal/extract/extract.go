// Package extract runs the level's EXTRACT step: every
// (statement type x database x batch x date window) audit query, with
// bounded parallelism across (database x batch) units, strictly sequential
// date windows inside a unit, and DoneRecords written only for batches
// whose every window completed.
package extract

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jdallman/lineage-miner/internal/logging"
	"github.com/jdallman/lineage-miner/internal/plan"
	"github.com/jdallman/lineage-miner/internal/progress"
	"github.com/jdallman/lineage-miner/internal/sink"
	"github.com/jdallman/lineage-miner/internal/state"
	"github.com/jdallman/lineage-miner/internal/util"
	"github.com/jdallman/lineage-miner/internal/warehouse"
)

// Runner executes one extraction pass over planned batches.
type Runner struct {
	Backend      warehouse.Backend
	Done         *state.DoneStore
	Failed       *state.FailedLog
	Sinks        *sink.Set
	Windows      []plan.DateWindow
	Workers      int
	QueryTimeout time.Duration
	Progress     *progress.Tracker // optional
}

// Summary is the per-pass outcome reported to the operator.
type Summary struct {
	BatchesOK     int
	BatchesFailed int
	Rows          int64
	Failures      []state.FailedBatch
}

type unitOutcome struct {
	failure *state.FailedBatch
	rows    int64
	err     error // infrastructure failure, aborts the pass
}

// Run processes every statement type sequentially; within one statement
// type, (database x batch) units run on a bounded worker pool. Date
// windows inside a unit are strictly sequential and appear monotonically
// in the output file.
func (r *Runner) Run(ctx context.Context, statementTypes []string, batches map[string][]plan.Batch) (*Summary, error) {
	if r.Workers < 1 {
		r.Workers = 1
	}

	databases := make([]string, 0, len(batches))
	totalBatches := 0
	for db, dbBatches := range batches {
		databases = append(databases, db)
		totalBatches += len(dbBatches)
	}
	sort.Strings(databases)

	if r.Progress != nil {
		r.Progress.SetTotal(int64(len(statementTypes) * totalBatches * len(r.Windows)))
	}

	summary := &Summary{}
	for _, stmt := range statementTypes {
		logging.Info("Starting statement type %s (%d batches across %d databases)",
			stmt, totalBatches, len(databases))

		writer, err := r.Sinks.For(stmt)
		if err != nil {
			return nil, err
		}

		if err := r.runStatementType(ctx, stmt, databases, batches, writer, summary); err != nil {
			return nil, err
		}
	}

	logging.Info("Extraction summary: %d batches succeeded, %d failed, %d rows",
		summary.BatchesOK, summary.BatchesFailed, summary.Rows)
	for _, fb := range summary.Failures {
		logging.Error("  failed: %s %s batch %d (%d tables): %s",
			fb.StatementType, fb.Database, fb.BatchNumber, len(fb.Tables), fb.Error)
	}

	return summary, nil
}

func (r *Runner) runStatementType(ctx context.Context, stmt string, databases []string, batches map[string][]plan.Batch, writer *sink.Writer, summary *Summary) error {
	sem := make(chan struct{}, r.Workers)
	var wg sync.WaitGroup

	var totalUnits int
	for _, db := range databases {
		totalUnits += len(batches[db])
	}
	outcomes := make(chan unitOutcome, totalUnits)

	for _, db := range databases {
		for _, batch := range batches[db] {
			select {
			case <-ctx.Done():
				wg.Wait()
				return ctx.Err()
			case sem <- struct{}{}:
			}

			wg.Add(1)
			go func(b plan.Batch) {
				defer wg.Done()
				defer func() { <-sem }()

				outcomes <- r.runUnit(ctx, stmt, b, writer)
			}(batch)
		}
	}

	wg.Wait()
	close(outcomes)

	for outcome := range outcomes {
		if outcome.err != nil {
			return outcome.err
		}
		summary.Rows += outcome.rows
		if outcome.failure != nil {
			summary.BatchesFailed++
			summary.Failures = append(summary.Failures, *outcome.failure)
			continue
		}
		summary.BatchesOK++
	}

	return ctx.Err()
}

// runUnit processes one (database x batch) unit: every date window in
// order, each window's rows durably appended before the next starts.
// Skip-class errors abandon the remaining windows; the batch is recorded
// as failed and naturally retried on the next run because no DoneRecord
// is written.
func (r *Runner) runUnit(ctx context.Context, stmt string, b plan.Batch, writer *sink.Writer) unitOutcome {
	logging.Info("%s: %s batch %d (%d tables: %s)",
		stmt, b.Database, b.Number, b.Size(), util.PreviewList(b.Tables, 5))

	var unitRows int64
	for i, window := range r.Windows {
		rows, err := r.fetchWindow(ctx, stmt, b, window)
		if err != nil {
			remaining := len(r.Windows) - i
			if r.Progress != nil {
				r.Progress.Add(int64(remaining))
			}
			return r.failUnit(stmt, b, window, err)
		}

		if err := writer.Append(rows); err != nil {
			return unitOutcome{err: fmt.Errorf("appending %s batch %d rows: %w", b.Database, b.Number, err)}
		}

		unitRows += int64(len(rows))
		if r.Progress != nil {
			r.Progress.Add(1)
			r.Progress.AddRows(int64(len(rows)))
		}
		logging.Debug("%s batch %d | %s | %s -> %s | %d rows",
			b.Database, b.Number, stmt,
			window.Start.Format("2006-01-02"), window.End.Format("2006-01-02"), len(rows))
	}

	if err := r.Done.MarkDone(b.Database, b.Number, b.Tables, b.Size()); err != nil {
		return unitOutcome{err: fmt.Errorf("marking %s batch %d done: %w", b.Database, b.Number, err)}
	}
	logging.Info("Completed %s batch %d for %s: %d rows", b.Database, b.Number, stmt, unitRows)

	return unitOutcome{rows: unitRows}
}

func (r *Runner) fetchWindow(ctx context.Context, stmt string, b plan.Batch, window plan.DateWindow) ([]warehouse.AuditRow, error) {
	qctx := ctx
	if r.QueryTimeout > 0 {
		var cancel context.CancelFunc
		qctx, cancel = context.WithTimeout(ctx, r.QueryTimeout)
		defer cancel()
	}

	return r.Backend.FetchBatch(qctx, warehouse.Request{
		StatementType: stmt,
		Database:      b.Database,
		Tables:        b.Tables,
		Start:         window.Start,
		End:           window.End,
	})
}

func (r *Runner) failUnit(stmt string, b plan.Batch, window plan.DateWindow, err error) unitOutcome {
	switch warehouse.Classify(err) {
	case warehouse.ClassSkip:
		logging.Warn("Skipping %s batch %d [%s -> %s]: %v (will retry next run)",
			b.Database, b.Number,
			window.Start.Format("2006-01-02"), window.End.Format("2006-01-02"), err)
	default:
		logging.Error("%s batch %d failed [%s -> %s]: %v",
			b.Database, b.Number,
			window.Start.Format("2006-01-02"), window.End.Format("2006-01-02"), err)
	}

	// Cancellation of the whole pass is not a batch failure.
	if errors.Is(err, context.Canceled) {
		return unitOutcome{err: err}
	}

	failure := state.FailedBatch{
		StatementType: stmt,
		Database:      b.Database,
		BatchNumber:   b.Number,
		Tables:        b.Tables,
		Error:         err.Error(),
	}
	if logErr := r.Failed.Append(failure); logErr != nil {
		return unitOutcome{err: fmt.Errorf("recording failed batch: %w", logErr)}
	}

	return unitOutcome{failure: &failure}
}
