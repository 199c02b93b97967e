// Package orchestrator wires configuration, cache, target and ledger into a
// running sync worker and implements the operator commands around it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/johndauphine/redis-pg-sync/internal/cache"
	"github.com/johndauphine/redis-pg-sync/internal/checkpoint"
	"github.com/johndauphine/redis-pg-sync/internal/config"
	"github.com/johndauphine/redis-pg-sync/internal/logging"
	"github.com/johndauphine/redis-pg-sync/internal/notify"
	"github.com/johndauphine/redis-pg-sync/internal/progress"
	"github.com/johndauphine/redis-pg-sync/internal/stats"
	"github.com/johndauphine/redis-pg-sync/internal/syncer"
	"github.com/johndauphine/redis-pg-sync/internal/target"
)

// Options configures orchestrator behavior beyond the config file.
type Options struct {
	// Topic selects the job; empty selects the first configured job.
	Topic string

	// ProgressJSON emits one JSON line per cycle to stderr.
	ProgressJSON bool

	// Interactive enables progress bars for replay.
	Interactive bool
}

// FailureHistory is the failure-history table as the operator commands see it.
type FailureHistory interface {
	syncer.FailureStore
	EnsureFailureTable(ctx context.Context) error
	ListFailures(ctx context.Context, limit int) ([]syncer.FailureEntry, error)
	CountFailures(ctx context.Context) (int, error)
	GetFailure(ctx context.Context, id int64) (syncer.FailureEntry, error)
	DeleteFailure(ctx context.Context, id int64) error
}

// StoreFactory opens the store for one allow-listed table.
type StoreFactory func(spec syncer.TableSpec) (syncer.TableStore, error)

// Deps are the collaborators an orchestrator runs against.
type Deps struct {
	Cache      cache.Cache
	Tables     StoreFactory
	Failures   FailureHistory
	Ledger     checkpoint.Ledger
	Notifier   notify.Provider
	TargetPing func(ctx context.Context) error
	PoolStats  []func() stats.PoolStats
	Closers    []func()
}

// Orchestrator runs one job's sync worker.
type Orchestrator struct {
	config   *config.Config
	opts     Options
	job      *config.JobConfig
	tables   []config.TableConfig
	cache    cache.Cache
	failures FailureHistory
	state    checkpoint.Ledger
	notifier notify.Provider
	ping     func(ctx context.Context) error
	pools    []func() stats.PoolStats
	driver   *syncer.Driver
	reporter progress.Reporter
	closers  []func()

	cycles    atomic.Int64
	closeOnce sync.Once
}

// New connects to the cache, target and ledger described by cfg.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Orchestrator, error) {
	if _, err := cfg.Job(opts.Topic); err != nil {
		return nil, err
	}

	redisCache, err := cache.NewRedisCache(&cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("creating cache client: %w", err)
	}

	targetPool, err := target.NewPool(ctx, &cfg.Target, cfg.Target.MaxConns)
	if err != nil {
		redisCache.Close()
		return nil, fmt.Errorf("creating target pool: %w", err)
	}

	failures, err := targetPool.FailureHistory(cfg.Sync.FailureTable)
	if err != nil {
		redisCache.Close()
		targetPool.Close()
		return nil, err
	}

	state, err := checkpoint.New(cfg.Sync.DataDir)
	if err != nil {
		redisCache.Close()
		targetPool.Close()
		return nil, fmt.Errorf("creating state manager: %w", err)
	}

	return NewWithDeps(cfg, opts, Deps{
		Cache: redisCache,
		Tables: func(spec syncer.TableSpec) (syncer.TableStore, error) {
			return targetPool.Table(spec)
		},
		Failures:   failures,
		Ledger:     state,
		Notifier:   notify.New(&cfg.Slack),
		TargetPing: targetPool.Ping,
		PoolStats:  []func() stats.PoolStats{redisCache.Stats, targetPool.Stats},
		Closers:    []func(){targetPool.Close},
	})
}

// NewWithDeps builds an orchestrator on injected collaborators. On error the
// caller still owns deps.
func NewWithDeps(cfg *config.Config, opts Options, deps Deps) (*Orchestrator, error) {
	job, err := cfg.Job(opts.Topic)
	if err != nil {
		return nil, err
	}
	if deps.Cache == nil || deps.Tables == nil || deps.Failures == nil || deps.Ledger == nil {
		return nil, fmt.Errorf("orchestrator requires cache, tables, failures and ledger")
	}

	tables := cfg.TablesFor(job)
	registry := syncer.NewRegistry()
	for _, tc := range tables {
		spec := tableSpec(tc)
		store, err := deps.Tables(spec)
		if err != nil {
			return nil, fmt.Errorf("opening table %s: %w", tc.Name, err)
		}
		if err := registry.Register(spec, store); err != nil {
			return nil, err
		}
	}

	driver, err := syncer.NewDriver(deps.Cache, registry, deps.Failures, syncer.Options{
		Job:                job.Name,
		Pattern:            job.Pattern,
		ScanLimit:          cfg.Sync.ScanLimit,
		ChunkSize:          cfg.Sync.ChunkSize,
		DeleteBatch:        cfg.Sync.DeleteBatch,
		PollInterval:       cfg.Sync.PollInterval,
		UnavailableBackoff: cfg.Sync.UnavailableBackoff,
		PurgeQuarantined:   cfg.Sync.PurgeQuarantined,
		PurgeSkipped:       cfg.Sync.PurgeSkipped,
	})
	if err != nil {
		return nil, fmt.Errorf("creating sync driver: %w", err)
	}

	var reporter progress.Reporter = &progress.NullReporter{}
	if opts.ProgressJSON {
		reporter = progress.NewJSONReporter(os.Stderr, 5*time.Second)
	}

	o := &Orchestrator{
		config:   cfg,
		opts:     opts,
		job:      job,
		tables:   tables,
		cache:    deps.Cache,
		failures: deps.Failures,
		state:    deps.Ledger,
		notifier: deps.Notifier,
		ping:     deps.TargetPing,
		pools:    deps.PoolStats,
		driver:   driver,
		reporter: reporter,
		closers:  deps.Closers,
	}
	driver.SetRecorder(o)
	if deps.Notifier != nil {
		driver.SetNotifier(deps.Notifier)
	}
	return o, nil
}

func tableSpec(tc config.TableConfig) syncer.TableSpec {
	spec := syncer.TableSpec{Name: tc.Name, PrimaryKey: tc.PrimaryKey}
	if tc.Geo != nil {
		spec.Geo = &syncer.GeoSpec{
			XField: tc.Geo.XField,
			YField: tc.Geo.YField,
			Field:  tc.Geo.Field,
			SRID:   tc.Geo.SRID,
		}
	}
	return spec
}

// Close releases all resources.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		o.reporter.Close()
		o.cache.Close()
		for _, c := range o.closers {
			c()
		}
		o.state.Close()
	})
}

// Job returns the selected job.
func (o *Orchestrator) Job() *config.JobConfig {
	return o.job
}

// Driver returns the underlying sync driver.
func (o *Orchestrator) Driver() *syncer.Driver {
	return o.driver
}

// RecordCycle fans a finished cycle out to the ledger and the reporter.
func (o *Orchestrator) RecordCycle(res *syncer.CycleResult) error {
	o.cycles.Add(1)
	var errs []error
	if err := o.state.RecordCycle(res); err != nil {
		errs = append(errs, fmt.Errorf("ledger: %w", err))
	}
	if err := o.reporter.RecordCycle(res); err != nil {
		errs = append(errs, fmt.Errorf("reporter: %w", err))
	}
	return errors.Join(errs...)
}

// prepare makes sure the failure-history table exists before any cycle can
// need it.
func (o *Orchestrator) prepare(ctx context.Context) error {
	if err := o.failures.EnsureFailureTable(ctx); err != nil {
		return fmt.Errorf("preparing failure history: %w", err)
	}
	return nil
}

// Run consumes the job until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.prepare(ctx); err != nil {
		return err
	}

	workerID := uuid.New().String()[:8]
	startTime := time.Now()
	logging.Info("Starting sync worker %s for job %s (pattern %s, tables %s)",
		workerID, o.job.Name, o.job.Pattern, strings.Join(o.tableNames(), ", "))

	if err := o.state.StartWorker(workerID, o.job.Name, o.config.Sanitized()); err != nil {
		return fmt.Errorf("recording worker start: %w", err)
	}
	if n, err := o.state.CleanupOldCycles(o.config.Sync.RetainDays); err != nil {
		logging.Warn("Cleaning up cycle history: %v", err)
	} else if n > 0 {
		logging.Info("Removed %d cycle records older than %d days", n, o.config.Sync.RetainDays)
	}
	o.notifyStarted(workerID)

	runErr := o.driver.Run(ctx)

	status, errMsg := "stopped", ""
	if runErr != nil {
		status, errMsg = "failed", runErr.Error()
	}
	if err := o.state.StopWorker(workerID, status, errMsg); err != nil {
		logging.Warn("Recording worker stop: %v", err)
	}
	o.notifyStopped(workerID, time.Since(startTime), runErr)
	o.logPoolStats()

	logging.Info("Sync worker %s %s after %s (%d cycles)",
		workerID, status, time.Since(startTime).Round(time.Second), o.cycles.Load())
	return runErr
}

// RunOnce runs a single cycle. The error reflects the cycle outcome.
func (o *Orchestrator) RunOnce(ctx context.Context) (*syncer.CycleResult, error) {
	if err := o.prepare(ctx); err != nil {
		return nil, err
	}
	return o.driver.RunCycle(ctx)
}

func (o *Orchestrator) logPoolStats() {
	for _, fn := range o.pools {
		logging.Info("Connection pool %s", fn())
	}
}

func (o *Orchestrator) tableNames() []string {
	names := make([]string, len(o.tables))
	for i, t := range o.tables {
		names[i] = t.Name
	}
	return names
}

func (o *Orchestrator) tableConfig(name string) (config.TableConfig, bool) {
	for _, t := range o.config.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return config.TableConfig{}, false
}

func (o *Orchestrator) notifyStarted(workerID string) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.WorkerStarted(o.job.Name, workerID, o.job.Pattern, len(o.tables)); err != nil {
		logging.Warn("Slack notification failed: %v", err)
	}
}

func (o *Orchestrator) notifyStopped(workerID string, uptime time.Duration, runErr error) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.WorkerStopped(o.job.Name, workerID, uptime, int(o.cycles.Load()), runErr); err != nil {
		logging.Warn("Slack notification failed: %v", err)
	}
}
