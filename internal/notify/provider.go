package notify

import "time"

// Provider defines the notification contract for sync worker events.
// This interface allows for different notification backends (Slack, email, etc.)
// and enables easier testing through mock implementations.
type Provider interface {
	// WorkerStarted sends notification when a worker starts consuming a job.
	WorkerStarted(job, workerID, pattern string, tableCount int) error

	// WorkerStopped sends notification when a worker shuts down.
	WorkerStopped(job, workerID string, uptime time.Duration, cycles int, err error) error

	// TableQuarantined sends notification when a table batch is moved to the failure history.
	TableQuarantined(job, table string, records int, cause error) error

	// QuarantineFailed sends notification when the failure history itself could not be written.
	QuarantineFailed(job string, tables []string, err error) error

	// CacheUnavailable sends notification when the cache stops answering.
	CacheUnavailable(job string, err error) error
}

// Ensure Notifier implements Provider
var _ Provider = (*Notifier)(nil)
