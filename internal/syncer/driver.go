// Package syncer replays sync entries from the cache into the target store.
//
// One cycle runs SCANNING -> AGGREGATING -> CLASSIFYING -> WRITING ->
// (QUARANTINING) -> PURGING. A key is only deleted from the cache after its
// row was written, or after its batch was stored in the failure history when
// PurgeQuarantined is set. Everything else stays in the cache for the next
// cycle, so delivery is at-least-once.
//
// Only one driver may consume a key namespace at a time. Nothing enforces
// this; run a single worker per pattern.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/johndauphine/redis-pg-sync/internal/cache"
	"github.com/johndauphine/redis-pg-sync/internal/keyproto"
	"github.com/johndauphine/redis-pg-sync/internal/logging"
)

// State is the driver's position in a cycle.
type State string

const (
	StateIdle         State = "idle"
	StateScanning     State = "scanning"
	StateAggregating  State = "aggregating"
	StateClassifying  State = "classifying"
	StateWriting      State = "writing"
	StateQuarantining State = "quarantining"
	StatePurging      State = "purging"
)

// Cycle statuses recorded in CycleResult.Status.
const (
	StatusOK          = "ok"
	StatusEmpty       = "empty"
	StatusPartial     = "partial" // some tables quarantined
	StatusFailed      = "failed"  // quarantine write failed
	StatusUnavailable = "unavailable"
	StatusCancelled   = "cancelled"
)

// CycleResult summarizes one cycle.
type CycleResult struct {
	ID                string
	Job               string
	StartedAt         time.Time
	Duration          time.Duration
	Scanned           int
	Skipped           int
	Inserted          int
	Updated           int
	Quarantined       int
	QuarantinedTables []string
	Held              int // previously quarantined keys passed over unchanged
	Purged            int64
	LimitReached      bool
	Status            string
	Error             string
}

// CycleRecorder receives every finished cycle.
type CycleRecorder interface {
	RecordCycle(res *CycleResult) error
}

// Notifier is alerted about conditions operators should see outside logs.
type Notifier interface {
	TableQuarantined(job, table string, records int, cause error) error
	QuarantineFailed(job string, tables []string, err error) error
	CacheUnavailable(job string, err error) error
}

// Options configures a Driver.
type Options struct {
	Job                string
	Pattern            string
	ScanLimit          int
	ChunkSize          int
	DeleteBatch        int
	PollInterval       time.Duration
	UnavailableBackoff time.Duration
	PurgeQuarantined   bool
	PurgeSkipped       bool
}

func (o *Options) applyDefaults() {
	if o.Job == "" {
		o.Job = "sync_data"
	}
	if o.Pattern == "" {
		o.Pattern = keyproto.Pattern("")
	}
	if o.ScanLimit <= 0 {
		o.ScanLimit = DefaultScanLimit
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.UnavailableBackoff <= 0 {
		o.UnavailableBackoff = 5 * time.Second
	}
}

// Driver runs sync cycles. It is not safe for concurrent RunCycle calls.
type Driver struct {
	cache      cache.Cache
	scanner    *cache.Scanner
	registry   *Registry
	writer     *BulkWriter
	quarantine *Quarantine
	opts       Options

	recorder CycleRecorder
	notifier Notifier

	// held maps keys already stored in the failure history to a hash of
	// the value that failed. They are passed over until the value changes.
	held map[string]uint64

	mu         sync.Mutex
	state      State
	cacheDown  bool
	lastResult *CycleResult
}

// NewDriver wires a driver. The cache and stores are injected so tests and
// multiple workers can each own their clients.
func NewDriver(c cache.Cache, registry *Registry, failures FailureStore, opts Options) (*Driver, error) {
	if c == nil {
		return nil, fmt.Errorf("cache cannot be nil")
	}
	if registry == nil || registry.Len() == 0 {
		return nil, fmt.Errorf("registry must contain at least one table")
	}
	if failures == nil {
		return nil, fmt.Errorf("failure store cannot be nil")
	}
	opts.applyDefaults()

	scanner := cache.NewScanner(c)
	scanner.SetDeleteBatch(opts.DeleteBatch)

	return &Driver{
		cache:      c,
		scanner:    scanner,
		registry:   registry,
		writer:     NewBulkWriter(opts.ChunkSize),
		quarantine: NewQuarantine(failures),
		opts:       opts,
		held:       make(map[string]uint64),
		state:      StateIdle,
	}, nil
}

// SetRecorder registers a sink for cycle results.
func (d *Driver) SetRecorder(r CycleRecorder) { d.recorder = r }

// SetNotifier registers an operator alert sink.
func (d *Driver) SetNotifier(n Notifier) { d.notifier = n }

// State returns the current cycle state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// LastResult returns the most recent cycle result, or nil.
func (d *Driver) LastResult() *CycleResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastResult
}

func (d *Driver) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
	logging.Debug("[%s] state -> %s", d.opts.Job, s)
}

// Run loops over cycles until ctx is cancelled. A failing cycle never stops
// the loop. It returns nil on cancellation.
func (d *Driver) Run(ctx context.Context) error {
	logging.Info("Sync worker started: job=%s pattern=%s tables=%s scan_limit=%d chunk_size=%d",
		d.opts.Job, d.opts.Pattern, strings.Join(d.registry.Names(), ","), d.opts.ScanLimit, d.opts.ChunkSize)

	for {
		if ctx.Err() != nil {
			logging.Info("Sync worker stopped: job=%s", d.opts.Job)
			return nil
		}

		res, err := d.safeCycle(ctx)
		wait := d.opts.PollInterval

		var unavailable *CacheUnavailableError
		switch {
		case errors.As(err, &unavailable):
			wait = d.opts.UnavailableBackoff
			logging.Warn("[%s] %v; retrying in %s", d.opts.Job, err, wait)
		case errors.Is(err, context.Canceled):
			// loop exits at the top
		case err != nil:
			logging.Error("[%s] cycle failed: %v", d.opts.Job, err)
		}
		if err == nil && res != nil && res.LimitReached && (res.Purged > 0 || res.Quarantined > 0) {
			// More work is waiting and this cycle got past what it read.
			wait = 0
		}

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
		}
	}
}

// safeCycle runs one cycle and converts a panic into an error.
func (d *Driver) safeCycle(ctx context.Context) (res *CycleResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panicked: %v", r)
			d.setState(StateIdle)
		}
	}()
	return d.RunCycle(ctx)
}

// RunCycle performs one full pass. Errors from individual keys or tables are
// handled inside the cycle; the returned error is non-nil only when the cycle
// could not run (cache down, cancelled) or quarantine storage failed.
func (d *Driver) RunCycle(ctx context.Context) (*CycleResult, error) {
	res := &CycleResult{
		ID:        uuid.New().String()[:8],
		Job:       d.opts.Job,
		StartedAt: time.Now(),
	}
	err := d.runCycle(ctx, res)
	d.finish(res, err)
	return res, err
}

func (d *Driver) finish(res *CycleResult, err error) {
	res.Duration = time.Since(res.StartedAt)
	if err != nil && res.Error == "" {
		res.Error = err.Error()
	}
	d.setState(StateIdle)

	d.mu.Lock()
	d.lastResult = res
	d.mu.Unlock()

	if res.Status != StatusEmpty && res.Status != StatusUnavailable {
		logging.Info("[%s] cycle %s %s: scanned=%d inserted=%d updated=%d quarantined=%d skipped=%d purged=%d (%s)",
			res.Job, res.ID, res.Status, res.Scanned, res.Inserted, res.Updated,
			res.Quarantined, res.Skipped, res.Purged, res.Duration.Round(time.Millisecond))
	}

	if d.recorder != nil && res.Status != StatusEmpty {
		if rerr := d.recorder.RecordCycle(res); rerr != nil {
			logging.Warn("[%s] recording cycle %s: %v", res.Job, res.ID, rerr)
		}
	}
}

func (d *Driver) runCycle(ctx context.Context, res *CycleResult) error {
	if err := d.cache.Ping(ctx); err != nil {
		res.Status = StatusUnavailable
		if ctx.Err() != nil {
			res.Status = StatusCancelled
			return ctx.Err()
		}
		d.alertCacheDown(err)
		return &CacheUnavailableError{Err: err}
	}
	d.alertCacheUp()

	agg, skipped, err := d.scan(ctx, res)
	if err != nil {
		// Nothing has been written; leave every key in place.
		d.scanner.Release(d.scanner.Consumed()...)
		if ctx.Err() != nil {
			res.Status = StatusCancelled
			return ctx.Err()
		}
		res.Status = StatusUnavailable
		return &CacheUnavailableError{Err: err}
	}

	if agg.Len() == 0 && len(skipped) == 0 {
		res.Status = StatusEmpty
		return nil
	}

	d.setState(StateAggregating)
	batches := d.prepare(agg)

	// Past this point the cycle always finishes its bookkeeping, so writes,
	// quarantine and purge ignore cancellation.
	if ctx.Err() != nil {
		d.scanner.Release(d.scanner.Consumed()...)
		res.Status = StatusCancelled
		return ctx.Err()
	}
	wctx := context.WithoutCancel(ctx)

	var purge []string
	var failures []TableFailure
	for _, b := range batches {
		if err := d.apply(wctx, b, res); err != nil {
			logging.Error("[%s] %v; quarantining %d records", d.opts.Job, err, len(b.records))
			failures = append(failures, TableFailure{
				Table:      b.spec.Name,
				PrimaryKey: b.spec.PrimaryKey,
				Records:    b.records,
				Cause:      err,
			})
			continue
		}
		purge = append(purge, recordKeys(b.records)...)
	}

	var cycleErr error
	res.Status = StatusOK
	if len(failures) > 0 {
		d.setState(StateQuarantining)
		res.Status = StatusPartial
		if err := d.quarantine.Quarantine(wctx, failures); err != nil {
			// Keys of these tables stay in the cache and are retried next cycle.
			logging.Error("[%s] %v", d.opts.Job, err)
			res.Status = StatusFailed
			cycleErr = err
			var tables []string
			for _, f := range failures {
				tables = append(tables, f.Table)
			}
			d.notify(func(n Notifier) error { return n.QuarantineFailed(d.opts.Job, tables, err) })
		} else {
			for _, f := range failures {
				d.hold(f.Records)
				res.Quarantined += len(f.Records)
				res.QuarantinedTables = append(res.QuarantinedTables, f.Table)
				if d.opts.PurgeQuarantined {
					purge = append(purge, recordKeys(f.Records)...)
				}
				f := f
				d.notify(func(n Notifier) error {
					return n.TableQuarantined(d.opts.Job, f.Table, len(f.Records), f.Cause)
				})
			}
		}
	}

	if d.opts.PurgeSkipped {
		purge = append(purge, skipped...)
	}

	d.setState(StatePurging)
	n, err := d.scanner.Purge(wctx, purge)
	res.Purged = n
	if err != nil {
		// Rows are already written; leftover keys are re-applied next cycle.
		logging.Warn("[%s] purging consumed keys: %v", d.opts.Job, err)
	}
	d.scanner.Release(d.scanner.Consumed()...)

	return cycleErr
}

// scan pulls entries until the iterator is exhausted or the cap is hit.
// Undecodable keys and unknown tables are skipped and returned separately.
func (d *Driver) scan(ctx context.Context, res *CycleResult) (*Aggregator, []string, error) {
	d.setState(StateScanning)
	d.scanner.Scan(ctx, d.opts.Pattern)
	agg := NewAggregator(d.opts.ScanLimit)
	var skipped []string
	stillHeld := make(map[string]struct{})

	for !agg.Full() {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		entry, ok, err := d.scanner.Next(ctx)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			break
		}
		if sum, held := d.held[entry.Key]; held {
			if sum == valueHash(entry.Value) {
				stillHeld[entry.Key] = struct{}{}
				res.Held++
				d.scanner.Release(entry.Key)
				continue
			}
			delete(d.held, entry.Key)
		}
		res.Scanned++

		rec, err := DecodeEntry(entry.Key, entry.Value)
		if err == nil {
			_, _, err = d.registry.Lookup(rec.Table)
		}
		if err != nil {
			res.Skipped++
			logging.Warn("[%s] skipping %s: %v", d.opts.Job, entry.Key, err)
			if d.opts.PurgeSkipped {
				skipped = append(skipped, entry.Key)
			} else {
				d.scanner.Release(entry.Key)
			}
			continue
		}
		agg.Add(rec)
	}

	res.LimitReached = agg.Full()
	if !res.LimitReached {
		// A full pass saw every live key; forget held keys that are gone.
		for key := range d.held {
			if _, ok := stillHeld[key]; !ok {
				delete(d.held, key)
			}
		}
	}
	return agg, skipped, nil
}

// hold marks quarantined records so later cycles pass over them until their
// value is rewritten.
func (d *Driver) hold(recs []*Record) {
	for _, r := range recs {
		d.held[r.Key] = valueHash(r.Raw)
	}
}

func valueHash(v []byte) uint64 {
	h := fnv.New64a()
	h.Write(v)
	return h.Sum64()
}

type tableBatch struct {
	spec    TableSpec
	store   TableStore
	records []*Record
}

// prepare resolves each table group and applies per-record transforms.
func (d *Driver) prepare(agg *Aggregator) []tableBatch {
	batches := make([]tableBatch, 0, len(agg.Tables()))
	for _, table := range agg.Tables() {
		spec, store, err := d.registry.Lookup(table)
		if err != nil {
			// scan only aggregates registered tables
			continue
		}
		recs := agg.Batch(table)
		if spec.Geo != nil {
			for _, rec := range recs {
				if _, err := ApplyGeo(spec.Geo, rec.Payload); err != nil {
					logging.Warn("[%s] %s: coordinates not derived: %v", d.opts.Job, rec.Key, err)
				}
			}
		}
		batches = append(batches, tableBatch{spec: spec, store: store, records: recs})
	}
	return batches
}

// apply classifies and writes one table batch.
func (d *Driver) apply(ctx context.Context, b tableBatch, res *CycleResult) error {
	d.setState(StateClassifying)
	cls, err := Classify(ctx, b.spec.Name, b.store, b.records)
	if err != nil {
		return err
	}

	d.setState(StateWriting)
	inserts := toRows(b.spec, cls.Inserts)
	updates := toRows(b.spec, cls.Updates)
	if err := d.writer.Insert(ctx, b.spec.Name, b.store, inserts); err != nil {
		return err
	}
	if err := d.writer.Update(ctx, b.spec.Name, b.store, updates); err != nil {
		return err
	}
	res.Inserted += len(inserts)
	res.Updated += len(updates)
	return nil
}

func toRows(spec TableSpec, recs []*Record) []Row {
	rows := make([]Row, len(recs))
	for i, r := range recs {
		rows[i] = r.Row(spec)
	}
	return rows
}

func (d *Driver) alertCacheDown(err error) {
	d.mu.Lock()
	first := !d.cacheDown
	d.cacheDown = true
	d.mu.Unlock()
	if first {
		d.notify(func(n Notifier) error { return n.CacheUnavailable(d.opts.Job, err) })
	}
}

func (d *Driver) alertCacheUp() {
	d.mu.Lock()
	wasDown := d.cacheDown
	d.cacheDown = false
	d.mu.Unlock()
	if wasDown {
		logging.Info("[%s] cache reachable again", d.opts.Job)
	}
}

func (d *Driver) notify(fn func(Notifier) error) {
	if d.notifier == nil {
		return
	}
	if err := fn(d.notifier); err != nil {
		logging.Warn("[%s] notification failed: %v", d.opts.Job, err)
	}
}
