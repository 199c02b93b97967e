package orchestrator

import (
	"context"
	"sync"
	"time"
)

// HealthCheckResult reports connectivity to the cache and the target.
type HealthCheckResult struct {
	Timestamp       string `json:"timestamp"`
	Healthy         bool   `json:"healthy"`
	CacheConnected  bool   `json:"cache_connected"`
	CacheLatencyMs  int64  `json:"cache_latency_ms"`
	CacheError      string `json:"cache_error,omitempty"`
	TargetConnected bool   `json:"target_connected"`
	TargetLatencyMs int64  `json:"target_latency_ms"`
	TargetError     string `json:"target_error,omitempty"`
}

// checkTimeout is the budget of each individual check.
const checkTimeout = 30 * time.Second

// HealthCheck pings the cache and the target in parallel, each with its own
// timeout.
func (o *Orchestrator) HealthCheck(ctx context.Context) *HealthCheckResult {
	result := &HealthCheckResult{
		Timestamp: time.Now().Format(time.RFC3339),
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		start := time.Now()
		cacheCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		defer cancel()

		if err := o.cache.Ping(cacheCtx); err != nil {
			result.CacheError = err.Error()
		} else {
			result.CacheConnected = true
		}
		result.CacheLatencyMs = time.Since(start).Milliseconds()
	}()

	go func() {
		defer wg.Done()
		start := time.Now()
		targetCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		defer cancel()

		if o.ping == nil {
			result.TargetError = "no target configured"
		} else if err := o.ping(targetCtx); err != nil {
			result.TargetError = err.Error()
		} else {
			result.TargetConnected = true
		}
		result.TargetLatencyMs = time.Since(start).Milliseconds()
	}()

	wg.Wait()

	result.Healthy = result.CacheConnected && result.TargetConnected
	return result
}
