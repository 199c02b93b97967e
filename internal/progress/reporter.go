package progress

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/johndauphine/redis-pg-sync/internal/logging"
	"github.com/johndauphine/redis-pg-sync/internal/syncer"
)

// CycleUpdate is a JSON line emitted per sync cycle for automation.
type CycleUpdate struct {
	Timestamp         string   `json:"timestamp"`
	Job               string   `json:"job"`
	CycleID           string   `json:"cycle_id"`
	Status            string   `json:"status"`
	Scanned           int      `json:"scanned"`
	Inserted          int      `json:"inserted"`
	Updated           int      `json:"updated"`
	Quarantined       int      `json:"quarantined,omitempty"`
	QuarantinedTables []string `json:"quarantined_tables,omitempty"`
	Skipped           int      `json:"skipped,omitempty"`
	Purged            int64    `json:"purged"`
	DurationMS        int64    `json:"duration_ms"`
	LimitReached      bool     `json:"limit_reached,omitempty"`
	Error             string   `json:"error,omitempty"`
}

// Reporter defines the interface for cycle reporting. It satisfies
// syncer.CycleRecorder.
type Reporter interface {
	RecordCycle(res *syncer.CycleResult) error
	Close()
}

// JSONReporter outputs one JSON line per cycle to a writer (typically stderr).
type JSONReporter struct {
	writer     io.Writer
	mu         sync.Mutex
	interval   time.Duration
	lastReport time.Time
	closed     bool
}

// NewJSONReporter creates a new JSON cycle reporter.
// interval specifies the minimum time between clean cycles; cycles with
// quarantines or errors are always reported.
func NewJSONReporter(writer io.Writer, interval time.Duration) *JSONReporter {
	if writer == nil {
		writer = os.Stderr
	}
	return &JSONReporter{
		writer:   writer,
		interval: interval,
	}
}

// RecordCycle emits the cycle as a JSON line.
func (r *JSONReporter) RecordCycle(res *syncer.CycleResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	now := time.Now()
	important := res.Status != syncer.StatusOK
	if !important && r.interval > 0 && now.Sub(r.lastReport) < r.interval {
		return nil
	}
	r.lastReport = now

	update := CycleUpdate{
		Timestamp:         now.Format(time.RFC3339),
		Job:               res.Job,
		CycleID:           res.ID,
		Status:            res.Status,
		Scanned:           res.Scanned,
		Inserted:          res.Inserted,
		Updated:           res.Updated,
		Quarantined:       res.Quarantined,
		QuarantinedTables: res.QuarantinedTables,
		Skipped:           res.Skipped,
		Purged:            res.Purged,
		DurationMS:        res.Duration.Milliseconds(),
		LimitReached:      res.LimitReached,
		Error:             res.Error,
	}

	data, err := json.Marshal(update)
	if err != nil {
		logging.Warn("Failed to marshal cycle update: %v", err)
		return nil
	}

	_, err = fmt.Fprintln(r.writer, string(data))
	return err
}

// Close marks the reporter as closed.
func (r *JSONReporter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// NullReporter is a no-op reporter for when cycle reporting is disabled.
type NullReporter struct{}

// RecordCycle does nothing.
func (r *NullReporter) RecordCycle(res *syncer.CycleResult) error { return nil }

// Close does nothing.
func (r *NullReporter) Close() {}
