package checkpoint

import "github.com/johndauphine/redis-pg-sync/internal/syncer"

// Ledger defines the interface for cycle history persistence.
type Ledger interface {
	syncer.CycleRecorder

	// Worker lifecycle
	StartWorker(id, job string, config any) error
	StopWorker(id, status, errorMsg string) error
	LastWorker(job string) (*Worker, error)

	// History
	RecentCycles(job string, limit int) ([]syncer.CycleResult, error)
	CycleStats(job string) (*Stats, error)
	CleanupOldCycles(retentionDays int) (int64, error)

	// Lifecycle
	Close() error
}

// Ensure State implements Ledger
var _ Ledger = (*State)(nil)
