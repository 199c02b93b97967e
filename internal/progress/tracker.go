package progress

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/johndauphine/redis-pg-sync/internal/logging"
	"github.com/schollz/progressbar/v3"
)

// Tracker tracks replay progress
type Tracker struct {
	bar       *progressbar.ProgressBar
	label     string
	total     int64
	current   atomic.Int64
	startTime time.Time
	writer    io.Writer
}

// New creates a new progress tracker. label names the unit being counted.
func New(label string) *Tracker {
	return &Tracker{
		label:     label,
		startTime: time.Now(),
		writer:    os.Stderr,
	}
}

// SetWriter redirects bar output. It must be called before SetTotal.
func (t *Tracker) SetWriter(w io.Writer) {
	t.writer = w
}

// SetTotal sets the total number of units and draws the bar
func (t *Tracker) SetTotal(total int64) {
	t.total = total
	t.bar = progressbar.NewOptions64(
		total,
		progressbar.OptionSetWriter(t.writer),
		progressbar.OptionSetDescription("Replaying"),
		progressbar.OptionShowBytes(false),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString(t.label),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// Add increments the progress counter
func (t *Tracker) Add(n int64) {
	t.current.Add(n)
	if t.bar != nil {
		t.bar.Add64(n)
	}
}

// Describe updates the bar description, e.g. with the table being replayed
func (t *Tracker) Describe(table string) {
	if t.bar != nil {
		t.bar.Describe(fmt.Sprintf("Replaying %s", table))
	}
}

// Current returns the current count
func (t *Tracker) Current() int64 {
	return t.current.Load()
}

// Total returns the expected count
func (t *Tracker) Total() int64 {
	return t.total
}

// Finish marks the progress as complete
func (t *Tracker) Finish() {
	if t.bar != nil {
		t.bar.Finish()
		fmt.Fprintln(t.writer)
	}

	elapsed := time.Since(t.startTime)
	logging.Info("Replay complete: %d %s in %s", t.current.Load(), t.label, elapsed.Round(time.Millisecond))
}
