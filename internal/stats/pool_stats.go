package stats

import "fmt"

// PoolStats contains connection pool statistics for logging.
// It gives the cache client and the target pool one shape.
type PoolStats struct {
	Name       string // "redis" or "postgres"
	MaxConns   int    // Maximum connections allowed
	TotalConns int    // Open connections
	IdleConns  int    // Currently idle connections
	WaitCount  int64  // Acquires that found no idle connection
	Timeouts   int64  // Acquires that gave up waiting
}

// ActiveConns returns the connections currently in use.
func (s PoolStats) ActiveConns() int {
	if s.TotalConns < s.IdleConns {
		return 0
	}
	return s.TotalConns - s.IdleConns
}

// String returns a formatted string for logging pool stats.
func (s PoolStats) String() string {
	return fmt.Sprintf("%s: %d/%d active, %d idle, %d waits, %d timeouts",
		s.Name, s.ActiveConns(), s.MaxConns, s.IdleConns, s.WaitCount, s.Timeouts)
}
