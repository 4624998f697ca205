package progress

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"
)

// Tracker tracks extraction progress in (batch x date-window) query units.
type Tracker struct {
	bar       *progressbar.ProgressBar
	total     int64
	current   atomic.Int64
	rows      atomic.Int64
	startTime time.Time
}

// New creates a new progress tracker
func New() *Tracker {
	return &Tracker{
		startTime: time.Now(),
	}
}

// SetTotal sets the total number of batch-window queries for this pass.
func (t *Tracker) SetTotal(total int64) {
	t.total = total
	t.bar = progressbar.NewOptions64(
		total,
		progressbar.OptionSetDescription("Extracting"),
		progressbar.OptionShowBytes(false),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("queries"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// Add increments the completed-query counter.
func (t *Tracker) Add(n int64) {
	t.current.Add(n)
	if t.bar != nil {
		t.bar.Add64(n)
	}
}

// AddRows accumulates extracted row counts for the final summary.
func (t *Tracker) AddRows(n int64) {
	t.rows.Add(n)
}

// Current returns the current completed-query count.
func (t *Tracker) Current() int64 {
	return t.current.Load()
}

// Rows returns the total rows extracted so far.
func (t *Tracker) Rows() int64 {
	return t.rows.Load()
}

// Finish marks the progress as complete
func (t *Tracker) Finish() {
	if t.bar != nil {
		t.bar.Finish()
	}

	elapsed := time.Since(t.startTime)

	fmt.Println()
	fmt.Printf("Ran %d audit queries (%d rows) in %s\n",
		t.current.Load(), t.rows.Load(), elapsed.Round(time.Second))
}
