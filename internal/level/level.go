// Package level drives the multi-level discovery crawl: for each level it
// runs the five pipeline steps in order, checkpoints after each, and feeds
// newly discovered tables into the next level's input until the frontier is
// empty or the level bound is reached.
package level

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/jdallman/lineage-miner/internal/config"
	"github.com/jdallman/lineage-miner/internal/dedup"
	"github.com/jdallman/lineage-miner/internal/extract"
	"github.com/jdallman/lineage-miner/internal/lineage"
	"github.com/jdallman/lineage-miner/internal/logging"
	"github.com/jdallman/lineage-miner/internal/plan"
	"github.com/jdallman/lineage-miner/internal/progress"
	"github.com/jdallman/lineage-miner/internal/registry"
	"github.com/jdallman/lineage-miner/internal/sink"
	"github.com/jdallman/lineage-miner/internal/state"
	"github.com/jdallman/lineage-miner/internal/warehouse"
)

// Step identifies one of the five per-level pipeline steps.
type Step int

const (
	StepExtract Step = iota + 1
	StepParse
	StepMerge
	StepMapDedup
	StepExpand
)

func (s Step) String() string {
	switch s {
	case StepExtract:
		return "EXTRACT"
	case StepParse:
		return "PARSE"
	case StepMerge:
		return "MERGE"
	case StepMapDedup:
		return "MAP_AND_DEDUP"
	case StepExpand:
		return "EXPAND_FRONTIER"
	}
	return fmt.Sprintf("step(%d)", int(s))
}

// ErrMissingArtifact reports that a resume skipped past a step whose output
// no longer exists on disk.
var ErrMissingArtifact = errors.New("artifact from completed step is missing")

// Orchestrator runs the level state machine. Backend and Cache are shared
// across every level of a run; History is optional.
type Orchestrator struct {
	Config       *config.Config
	Backend      warehouse.Backend
	Cache        *dedup.Cache
	History      *state.History
	RunID        string
	Resume       bool
	ShowProgress bool

	levelsDone int // levels fully completed so far in this run
}

// Run executes levels from the configured (or checkpointed) start through
// the level bound. The checkpoint is cleared only after the crawl ends
// normally, so an aborted run resumes where it stopped.
func (o *Orchestrator) Run(ctx context.Context) error {
	root := o.Config.Run.Dir
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("creating run directory: %w", err)
	}

	ckpt := state.NewCheckpoint(filepath.Join(root, "checkpoint.txt"))
	startLevel, startStep := o.Config.Levels.Start, StepExtract
	if o.Resume {
		lvl, stp, ok, err := ckpt.Load()
		if err != nil {
			return err
		}
		if ok {
			startLevel, startStep = nextAfter(lvl, Step(stp))
			logging.Info("Resuming: level %d completed through %s, continuing at level %d step %s",
				lvl, Step(stp), startLevel, startStep)
		} else {
			logging.Info("No checkpoint found, starting fresh at level %d", startLevel)
		}
	}
	if startLevel > o.Config.Levels.Max {
		logging.Info("All %d levels already completed", o.Config.Levels.Max)
		return ckpt.Clear()
	}

	// Frontier expansion excludes everything any earlier level already
	// took as input; on resume that union is rebuilt from the level input
	// files on disk.
	visited := registry.NewSet()
	for lvl := o.Config.Levels.Start; lvl < startLevel; lvl++ {
		refs, err := registry.LoadInput(NewPaths(root, lvl).InputCSV())
		if err != nil {
			return fmt.Errorf("%w: level %d input: %v", ErrMissingArtifact, lvl, err)
		}
		visited.AddAll(registry.NewSet(refs...))
	}

	o.levelsDone = startLevel - o.Config.Levels.Start
	for lvl := startLevel; lvl <= o.Config.Levels.Max; lvl++ {
		paths := NewPaths(root, lvl)
		if err := paths.Ensure(); err != nil {
			return err
		}

		refs, err := o.levelInput(paths, lvl)
		if err != nil {
			return err
		}
		if len(refs) == 0 {
			logging.Info("Level %d input is empty, crawl complete", lvl)
			break
		}
		visited.AddAll(registry.NewSet(refs...))
		logging.Info("Starting level %d with %d tables", lvl, len(refs))

		first := StepExtract
		if lvl == startLevel {
			first = startStep
		}
		if first > StepExtract {
			if err := o.verifyArtifacts(paths, first); err != nil {
				return err
			}
		}

		frontier, err := o.runLevel(ctx, paths, refs, visited, first, ckpt)
		if err != nil {
			return fmt.Errorf("level %d: %w", lvl, err)
		}
		o.levelsDone++
		o.noteLevelComplete()

		if len(frontier) == 0 {
			logging.Info("Level %d discovered no new tables, crawl complete", lvl)
			break
		}
		if lvl == o.Config.Levels.Max {
			logging.Info("Reached level bound %d with %d tables left undiscovered",
				lvl, len(frontier))
			break
		}
	}

	logging.Info("Crawl finished: %d levels completed", o.levelsDone)
	return ckpt.Clear()
}

// nextAfter maps a completed (level, step) checkpoint to the next work item.
func nextAfter(level int, step Step) (int, Step) {
	if step >= StepExpand {
		return level + 1, StepExtract
	}
	return level, step + 1
}

// levelInput loads the level's table list. The first level is seeded from
// the configured seed list unless its input was already written by an
// earlier attempt; later levels must have been written by the previous
// level's frontier expansion.
func (o *Orchestrator) levelInput(paths Paths, lvl int) ([]registry.TableRef, error) {
	if _, err := os.Stat(paths.InputCSV()); err == nil {
		return registry.LoadInput(paths.InputCSV())
	}

	if lvl == o.Config.Levels.Start {
		refs, err := registry.LoadInput(o.Config.Run.SeedList)
		if err != nil {
			return nil, fmt.Errorf("seed list: %w", err)
		}
		if err := registry.WriteInput(paths.InputCSV(), refs); err != nil {
			return nil, err
		}
		logging.Info("Level %d seeded with %d tables from %s", lvl, len(refs), o.Config.Run.SeedList)
		return refs, nil
	}

	return nil, fmt.Errorf("%w: level %d input %s", ErrMissingArtifact, lvl, paths.InputCSV())
}

// verifyArtifacts fails fast when resuming past a step whose output is
// gone. Directory existence is not enough: Ensure recreates the level's
// directory tree on every start, so each completed step is checked for the
// files it actually produces.
func (o *Orchestrator) verifyArtifacts(paths Paths, first Step) error {
	missing := func(path string) error {
		return fmt.Errorf("%w: %s (resuming at %s)", ErrMissingArtifact, path, first)
	}

	if first > StepExtract {
		for _, stmt := range o.Config.Extraction.StatementTypes {
			path := sink.FilePath(paths.Dir(), stmt)
			if _, err := os.Stat(path); err != nil {
				return missing(path)
			}
		}
	}
	if first > StepParse {
		entries, err := os.ReadDir(paths.ParsedDir())
		if err != nil || len(entries) == 0 {
			return missing(paths.ParsedDir())
		}
	}
	if first > StepMerge {
		if _, err := os.Stat(paths.MergedOutput()); err != nil {
			return missing(paths.MergedOutput())
		}
	}
	if first > StepMapDedup {
		if _, err := os.Stat(paths.MappedOutput()); err != nil {
			return missing(paths.MappedOutput())
		}
	}
	return nil
}

func (o *Orchestrator) runLevel(ctx context.Context, paths Paths, refs []registry.TableRef, visited registry.Set, first Step, ckpt *state.Checkpoint) ([]registry.TableRef, error) {
	var frontier []registry.TableRef
	for step := first; step <= StepExpand; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		logging.Info("Level %d step %d/%d: %s", paths.Level(), int(step), int(StepExpand), step)

		var err error
		switch step {
		case StepExtract:
			err = o.stepExtract(ctx, paths, refs)
		case StepParse:
			err = o.runExternal(ctx, o.Config.Run.ParserCmd, paths.Dir(), paths.ParsedDir())
		case StepMerge:
			err = o.runExternal(ctx, o.Config.Run.MergerCmd, paths.ParsedDir(), paths.MergedOutput())
		case StepMapDedup:
			err = o.stepMapDedup(ctx, paths)
		case StepExpand:
			frontier, err = o.stepExpand(paths, visited)
			// The next level's input must be durable before the
			// checkpoint claims the step complete.
			if err == nil {
				err = o.writeFrontier(paths, frontier)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", step, err)
		}
		if err := ckpt.Save(paths.Level(), int(step)); err != nil {
			return nil, err
		}
	}
	return frontier, nil
}

// stepExtract runs the audit-query extraction for the level's pending
// tables. Failed batches do not fail the step; they stay pending for the
// next run and keep the completion marker unwritten.
func (o *Orchestrator) stepExtract(ctx context.Context, paths Paths, refs []registry.TableRef) error {
	marker := state.NewCompletionMarker(paths.CompletionFile())
	if marker.Exists() {
		logging.Info("Level %d extraction already completed, skipping", paths.Level())
		return nil
	}

	done := state.NewDoneStore(paths.DoneCSV())
	doneSet, err := done.Load()
	if err != nil {
		return err
	}
	pending := registry.Pending(refs, doneSet)
	if len(pending) == 0 {
		logging.Info("Every level %d table already has a done record", paths.Level())
		return marker.Write(len(refs))
	}
	logging.Info("%d of %d tables pending extraction", len(pending), len(refs))

	start, end, err := o.Config.Extraction.DateRange()
	if err != nil {
		return err
	}

	sinks := sink.NewSet(paths.Dir())
	defer sinks.Close()

	var tracker *progress.Tracker
	if o.ShowProgress {
		tracker = progress.New()
	}
	runner := &extract.Runner{
		Backend:      o.Backend,
		Done:         done,
		Failed:       state.NewFailedLog(paths.FailedCSV()),
		Sinks:        sinks,
		Windows:      plan.Windows(start, end, o.Config.Extraction.WindowDays),
		Workers:      o.Config.Extraction.Workers,
		QueryTimeout: o.Config.Extraction.Timeout(),
		Progress:     tracker,
	}

	summary, err := runner.Run(ctx, o.Config.Extraction.StatementTypes, plan.Plan(pending, o.Config.Extraction.BatchSize))
	if tracker != nil {
		tracker.Finish()
	}
	o.recordHistory(paths.Level(), summary)
	if err != nil {
		return err
	}

	if summary.BatchesFailed > 0 {
		logging.Warn("Level %d: %d batches failed and stay pending for the next run",
			paths.Level(), summary.BatchesFailed)
		return nil
	}
	return marker.Write(len(refs))
}

func (o *Orchestrator) recordHistory(lvl int, summary *extract.Summary) {
	if o.History == nil || o.RunID == "" || summary == nil {
		return
	}
	if err := o.History.UpdateProgress(o.RunID, o.levelsDone, summary.BatchesOK, summary.BatchesFailed); err != nil {
		logging.Warn("Recording run progress: %v", err)
	}
	for _, fb := range summary.Failures {
		if err := o.History.RecordFailedBatch(o.RunID, lvl, fb); err != nil {
			logging.Warn("Recording failed batch: %v", err)
		}
	}
}

func (o *Orchestrator) noteLevelComplete() {
	if o.History == nil || o.RunID == "" {
		return
	}
	if err := o.History.UpdateProgress(o.RunID, o.levelsDone, 0, 0); err != nil {
		logging.Warn("Recording run progress: %v", err)
	}
}

// writeFrontier persists the next level's input list. Nothing is written
// at the level bound or when the frontier is empty; the crawl ends there.
func (o *Orchestrator) writeFrontier(paths Paths, frontier []registry.TableRef) error {
	if len(frontier) == 0 || paths.Level() >= o.Config.Levels.Max {
		return nil
	}
	next := NewPaths(o.Config.Run.Dir, paths.Level()+1)
	if err := next.Ensure(); err != nil {
		return err
	}
	return registry.WriteInput(next.InputCSV(), frontier)
}

// runExternal invokes an opaque collaborator command with (input, output)
// appended to its configured argv.
func (o *Orchestrator) runExternal(ctx context.Context, argv []string, input, output string) error {
	if len(argv) == 0 {
		return errors.New("external command not configured")
	}
	args := append(append([]string{}, argv[1:]...), input, output)

	var buf bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], args...)
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	logging.Debug("Running %s %s", argv[0], strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w: %s", argv[0], err, tail(buf.String(), 10))
	}
	if logging.IsDebug() && buf.Len() > 0 {
		logging.Debug("%s output:\n%s", argv[0], strings.TrimSpace(buf.String()))
	}
	return nil
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// stepMapDedup resolves the database for every table in the merged lineage
// output. Databases already present in the records seed the resolution;
// everything else goes through the global cache, with backend lookups only
// for tables the cache has never seen.
func (o *Orchestrator) stepMapDedup(ctx context.Context, paths Paths) error {
	records, err := lineage.ReadFile(paths.MergedOutput())
	if err != nil {
		return err
	}
	before := len(records)
	records = lineage.Dedup(records)
	logging.Info("Mapping databases for %d lineage records (%d duplicates dropped)",
		len(records), before-len(records))

	local := make(map[string]string)
	note := func(table, db string) {
		if table == "" || db == "" || db == dedup.Unknown {
			return
		}
		if _, ok := local[table]; !ok {
			local[table] = db
		}
	}
	for _, r := range records {
		note(r.SourceTable, r.SourceDB)
		note(r.TargetTable, r.TargetDB)
	}

	// Inline values outrank any Unknown placeholder cached by an earlier
	// level.
	for table, db := range local {
		if cached, ok := o.Cache.Lookup(table); ok && cached == dedup.Unknown {
			if err := o.Cache.Record(table, db); err != nil {
				return err
			}
		}
	}

	lookups := 0
	resolve := func(table string) (string, error) {
		if table == "" {
			return "", nil
		}
		if db, ok := local[table]; ok {
			return db, nil
		}
		if db, ok := o.Cache.Lookup(table); ok {
			return db, nil
		}

		lookups++
		db, err := o.Backend.LookupDatabase(ctx, table)
		if err != nil {
			if ctx.Err() != nil {
				return "", err
			}
			logging.Warn("Database lookup failed for %s: %v", table, err)
			db = ""
		}
		if db == "" {
			db = dedup.Unknown
		}
		if err := o.Cache.Record(table, db); err != nil {
			return "", err
		}
		return db, nil
	}

	for i := range records {
		if records[i].SourceDB == "" || records[i].SourceDB == dedup.Unknown {
			db, err := resolve(records[i].SourceTable)
			if err != nil {
				return err
			}
			if db != "" {
				records[i].SourceDB = db
			}
		}
		if records[i].TargetDB == "" || records[i].TargetDB == dedup.Unknown {
			db, err := resolve(records[i].TargetTable)
			if err != nil {
				return err
			}
			if db != "" {
				records[i].TargetDB = db
			}
		}
	}

	logging.Info("Database mapping done: %d backend lookups, %d cached tables",
		lookups, o.Cache.Len())
	return lineage.WriteFile(paths.MappedOutput(), records)
}

// stepExpand computes the next level's input: target tables discovered at
// this level that no earlier level has taken as input. Tables whose
// database stayed unresolved cannot be queried and are excluded.
func (o *Orchestrator) stepExpand(paths Paths, visited registry.Set) ([]registry.TableRef, error) {
	records, err := lineage.ReadFile(paths.MappedOutput())
	if err != nil {
		return nil, err
	}

	var frontier []registry.TableRef
	unresolved := 0
	for _, ref := range lineage.Targets(records) {
		if visited.Has(ref) {
			continue
		}
		if ref.Database == "" || ref.Database == dedup.Unknown {
			logging.Warn("Excluding %s from the next frontier: database unresolved", ref.Table)
			unresolved++
			continue
		}
		frontier = append(frontier, ref)
	}

	logging.Info("Level %d discovered %d new tables (%d unresolved excluded)",
		paths.Level(), len(frontier), unresolved)
	return frontier, nil
}
