package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/johndauphine/redis-pg-sync/internal/logging"
	"github.com/johndauphine/redis-pg-sync/internal/report"
	"github.com/johndauphine/redis-pg-sync/internal/syncer"
)

// statusTimeout bounds each remote lookup made by Status.
const statusTimeout = 10 * time.Second

// Status gathers the job summary. Cache and target failures are reported in
// the result rather than returned.
func (o *Orchestrator) Status(ctx context.Context) (*report.Status, error) {
	s := &report.Status{
		Job:      o.job.Name,
		Pattern:  o.job.Pattern,
		Tables:   o.tableNames(),
		Pending:  -1,
		Failures: -1,
	}

	cacheCtx, cancel := context.WithTimeout(ctx, statusTimeout)
	pending, err := o.PendingKeys(cacheCtx)
	cancel()
	if err != nil {
		s.CacheError = err.Error()
	} else {
		s.Pending = pending
	}

	targetCtx, cancel := context.WithTimeout(ctx, statusTimeout)
	count, err := o.failures.CountFailures(targetCtx)
	cancel()
	if err != nil {
		s.TargetError = err.Error()
	} else {
		s.Failures = count
	}

	worker, err := o.state.LastWorker(o.job.Name)
	if err != nil {
		return nil, fmt.Errorf("loading worker: %w", err)
	}
	s.Worker = worker

	stats, err := o.state.CycleStats(o.job.Name)
	if err != nil {
		return nil, fmt.Errorf("loading cycle stats: %w", err)
	}
	s.Stats = stats

	recent, err := o.state.RecentCycles(o.job.Name, 1)
	if err != nil {
		return nil, fmt.Errorf("loading last cycle: %w", err)
	}
	if len(recent) > 0 {
		s.LastCycle = &recent[0]
	}
	return s, nil
}

// PendingKeys counts the cache keys matching the job pattern.
func (o *Orchestrator) PendingKeys(ctx context.Context) (int, error) {
	it := o.cache.Scan(ctx, o.job.Pattern)
	n := 0
	for it.Next(ctx) {
		n++
	}
	if err := it.Err(); err != nil {
		return 0, fmt.Errorf("scanning %s: %w", o.job.Pattern, err)
	}
	return n, nil
}

// History returns recorded cycles for the job, newest first.
func (o *Orchestrator) History(limit int) ([]syncer.CycleResult, error) {
	cycles, err := o.state.RecentCycles(o.job.Name, limit)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	return cycles, nil
}

// Failures lists failure-history rows, newest first.
func (o *Orchestrator) Failures(ctx context.Context, limit int) ([]syncer.FailureEntry, error) {
	entries, err := o.failures.ListFailures(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("listing failures: %w", err)
	}
	logging.Debug("Loaded %d failure history entries", len(entries))
	return entries, nil
}
