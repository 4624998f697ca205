package extract

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jdallman/lineage-miner/internal/plan"
	"github.com/jdallman/lineage-miner/internal/registry"
	"github.com/jdallman/lineage-miner/internal/sink"
	"github.com/jdallman/lineage-miner/internal/state"
	"github.com/jdallman/lineage-miner/internal/warehouse"
)

// fakeBackend scripts per-database failures and records every request.
type fakeBackend struct {
	mu        sync.Mutex
	calls     []warehouse.Request
	failWith  map[string]error // database -> error returned by FetchBatch
	failAfter map[string]int   // database -> successful windows before failing
	seen      map[string]int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		failWith:  make(map[string]error),
		failAfter: make(map[string]int),
		seen:      make(map[string]int),
	}
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) FetchBatch(ctx context.Context, req warehouse.Request) ([]warehouse.AuditRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)

	if err, ok := f.failWith[req.Database]; ok {
		if f.seen[req.Database] >= f.failAfter[req.Database] {
			return nil, err
		}
	}
	f.seen[req.Database]++

	return []warehouse.AuditRow{{
		ProcessID:      1,
		LogDate:        req.Start,
		QueryID:        int64(len(f.calls)),
		StatementType:  req.StatementType,
		ObjectDatabase: req.Database,
		ObjectTable:    req.Tables[0],
		Username:       "etl_svc",
		SQLText:        "INSERT INTO x SELECT 1",
	}}, nil
}

func (f *fakeBackend) LookupDatabase(ctx context.Context, table string) (string, error) {
	return "", nil
}

func (f *fakeBackend) Ping(ctx context.Context) error { return nil }

func (f *fakeBackend) Close() error { return nil }

func (f *fakeBackend) callsFor(db string) []warehouse.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []warehouse.Request
	for _, c := range f.calls {
		if c.Database == db {
			out = append(out, c)
		}
	}
	return out
}

func testWindows() []plan.DateWindow {
	date := func(s string) time.Time {
		t, _ := time.Parse("2006-01-02", s)
		return t
	}
	return plan.Windows(date("2023-01-01"), date("2023-03-02"), 30)
}

func newRunner(t *testing.T, backend warehouse.Backend, workers int) (*Runner, *state.DoneStore, *state.FailedLog) {
	t.Helper()
	dir := t.TempDir()
	done := state.NewDoneStore(filepath.Join(dir, "done.csv"))
	failed := state.NewFailedLog(filepath.Join(dir, "failed.csv"))
	sinks := sink.NewSet(dir)
	t.Cleanup(func() { sinks.Close() })

	return &Runner{
		Backend:      backend,
		Done:         done,
		Failed:       failed,
		Sinks:        sinks,
		Windows:      testWindows(),
		Workers:      workers,
		QueryTimeout: time.Minute,
	}, done, failed
}

func planFor(refs ...registry.TableRef) map[string][]plan.Batch {
	return plan.Plan(refs, 2)
}

func ref(db, table string) registry.TableRef {
	return registry.TableRef{Database: db, Table: table}
}

func TestRunAllSucceed(t *testing.T) {
	backend := newFakeBackend()
	r, done, _ := newRunner(t, backend, 2)

	batches := planFor(ref("DB1", "T1"), ref("DB1", "T2"), ref("DB1", "T3"), ref("DB2", "A"))
	summary, err := r.Run(context.Background(), []string{"Insert"}, batches)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	// DB1 has 2 batches, DB2 has 1
	if summary.BatchesOK != 3 || summary.BatchesFailed != 0 {
		t.Errorf("summary = %+v", summary)
	}

	doneSet, err := done.Load()
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range []registry.TableRef{ref("DB1", "T1"), ref("DB1", "T2"), ref("DB1", "T3"), ref("DB2", "A")} {
		if !doneSet.Has(r) {
			t.Errorf("missing done record for %v", r)
		}
	}
}

func TestSkipDoesNotBlockOtherBatches(t *testing.T) {
	backend := newFakeBackend()
	backend.failWith["DB1"] = &warehouse.ResourceLimitError{
		Kind: warehouse.LimitSpool, Err: errors.New("2646: no more spool"),
	}

	r, done, failed := newRunner(t, backend, 2)
	batches := planFor(ref("DB1", "T1"), ref("DB2", "A"), ref("DB3", "X"))

	summary, err := r.Run(context.Background(), []string{"Insert"}, batches)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if summary.BatchesOK != 2 || summary.BatchesFailed != 1 {
		t.Errorf("summary = %+v", summary)
	}

	doneSet, err := done.Load()
	if err != nil {
		t.Fatal(err)
	}
	if doneSet.Has(ref("DB1", "T1")) {
		t.Error("skipped batch produced a done record")
	}
	if !doneSet.Has(ref("DB2", "A")) || !doneSet.Has(ref("DB3", "X")) {
		t.Error("unaffected batches did not complete")
	}

	failures, err := failed.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(failures) != 1 || failures[0].Database != "DB1" {
		t.Errorf("failures = %+v", failures)
	}
}

func TestSkipAbandonsRemainingWindows(t *testing.T) {
	backend := newFakeBackend()
	backend.failWith["DB1"] = &warehouse.ResourceLimitError{
		Kind: warehouse.LimitRowCount, Err: errors.New("3149: row limit"),
	}
	backend.failAfter["DB1"] = 1 // first window succeeds, second trips the limit

	r, done, _ := newRunner(t, backend, 1)
	batches := planFor(ref("DB1", "T1"))

	if _, err := r.Run(context.Background(), []string{"Insert"}, batches); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	calls := backend.callsFor("DB1")
	if len(calls) != 2 {
		t.Errorf("issued %d queries after skip, want 2 (windows 3 total)", len(calls))
	}

	doneSet, _ := done.Load()
	if doneSet.Len() != 0 {
		t.Error("partially-extracted batch produced done records")
	}
}

func TestFatalErrorIsolatedToBatch(t *testing.T) {
	backend := newFakeBackend()
	backend.failWith["DB1"] = errors.New("3807: object does not exist")

	r, done, failed := newRunner(t, backend, 2)
	batches := planFor(ref("DB1", "T1"), ref("DB2", "A"))

	summary, err := r.Run(context.Background(), []string{"Insert"}, batches)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if summary.BatchesFailed != 1 || summary.BatchesOK != 1 {
		t.Errorf("summary = %+v", summary)
	}

	doneSet, _ := done.Load()
	if !doneSet.Has(ref("DB2", "A")) {
		t.Error("healthy batch blocked by another batch's fatal error")
	}

	failures, _ := failed.Load()
	if len(failures) != 1 || failures[0].Error != "3807: object does not exist" {
		t.Errorf("failures = %+v", failures)
	}
}

func TestWindowsSequentialAndOrdered(t *testing.T) {
	backend := newFakeBackend()
	r, _, _ := newRunner(t, backend, 1)

	if _, err := r.Run(context.Background(), []string{"Insert"}, planFor(ref("DB1", "T1"))); err != nil {
		t.Fatal(err)
	}

	calls := backend.callsFor("DB1")
	windows := testWindows()
	if len(calls) != len(windows) {
		t.Fatalf("issued %d queries, want %d", len(calls), len(windows))
	}
	for i, c := range calls {
		if !c.Start.Equal(windows[i].Start) || !c.End.Equal(windows[i].End) {
			t.Errorf("query %d window = [%v, %v], want [%v, %v]",
				i, c.Start, c.End, windows[i].Start, windows[i].End)
		}
	}
}

func TestResumeIssuesOnlyPendingQueries(t *testing.T) {
	backend := newFakeBackend()
	backend.failWith["DB1"] = &warehouse.ResourceLimitError{
		Kind: warehouse.LimitSpool, Err: errors.New("2646"),
	}

	r, done, _ := newRunner(t, backend, 1)
	input := []registry.TableRef{ref("DB1", "T1"), ref("DB2", "A")}

	// First run: DB2 completes, DB1 skipped.
	if _, err := r.Run(context.Background(), []string{"Insert"}, planFor(input...)); err != nil {
		t.Fatal(err)
	}

	// Second run plans only what is not done.
	doneSet, err := done.Load()
	if err != nil {
		t.Fatal(err)
	}
	pending := registry.Pending(input, doneSet)
	if len(pending) != 1 || pending[0] != ref("DB1", "T1") {
		t.Fatalf("pending = %v", pending)
	}

	backend2 := newFakeBackend()
	r2 := *r
	r2.Backend = backend2
	if _, err := r2.Run(context.Background(), []string{"Insert"}, planFor(pending...)); err != nil {
		t.Fatal(err)
	}
	if len(backend2.callsFor("DB2")) != 0 {
		t.Error("rerun issued queries for already-done tables")
	}
	if len(backend2.callsFor("DB1")) == 0 {
		t.Error("rerun did not retry the failed batch")
	}
}

func TestContextCancellationAbortsRun(t *testing.T) {
	backend := newFakeBackend()
	r, _, _ := newRunner(t, backend, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Run(ctx, []string{"Insert"}, planFor(ref("DB1", "T1")))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
}
