package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/johndauphine/redis-pg-sync/internal/cache"
	"github.com/johndauphine/redis-pg-sync/internal/config"
	"github.com/johndauphine/redis-pg-sync/internal/keyproto"
	"github.com/johndauphine/redis-pg-sync/internal/logging"
	"github.com/johndauphine/redis-pg-sync/internal/progress"
	"github.com/johndauphine/redis-pg-sync/internal/syncer"
)

// ReplayResult summarizes a replay.
type ReplayResult struct {
	Entries   int      // failure-history rows replayed and deleted
	Published int      // sync keys written
	Keys      []string // keys written, in order
}

// Replay re-publishes the payloads of the given failure-history rows as sync
// keys and deletes each row once all its payloads are in the cache. Payloads
// carrying an integer primary key become upserts; the rest are auto-key
// inserts. Every id is loaded before anything is published; repeated ids
// are replayed once.
func (o *Orchestrator) Replay(ctx context.Context, ids []int64) (*ReplayResult, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("no failure ids given")
	}

	entries := make([]syncer.FailureEntry, 0, len(ids))
	var total int64
	loaded := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if loaded[id] {
			continue
		}
		loaded[id] = true
		e, err := o.failures.GetFailure(ctx, id)
		if err != nil {
			return nil, err
		}
		if _, ok := o.tableConfig(e.TargetTable); !ok {
			return nil, fmt.Errorf("failure %d targets %s, which is not a configured table", id, e.TargetTable)
		}
		entries = append(entries, e)
		total += int64(len(e.SyncData))
	}

	var tracker *progress.Tracker
	if o.opts.Interactive {
		tracker = progress.New("payloads")
		tracker.SetTotal(total)
		defer tracker.Finish()
	}

	publisher := cache.NewPublisher(o.cache, o.config.Redis.EntryTTL)
	result := &ReplayResult{}
	for _, e := range entries {
		tc, _ := o.tableConfig(e.TargetTable)
		if tracker != nil {
			tracker.Describe(e.TargetTable)
		}
		for i, payload := range e.SyncData {
			op, id := replayKey(tc, payload)
			key, err := publisher.Publish(ctx, op, e.TargetTable, id, payload)
			if err != nil {
				return result, fmt.Errorf("replaying failure %d payload %d: %w", e.ID, i, err)
			}
			result.Published++
			result.Keys = append(result.Keys, key)
			if tracker != nil {
				tracker.Add(1)
			}
		}
		if err := o.failures.DeleteFailure(ctx, e.ID); err != nil {
			return result, fmt.Errorf("removing replayed failure %d: %w", e.ID, err)
		}
		result.Entries++
		logging.Info("Replayed failure %d: %d payloads for %s", e.ID, len(e.SyncData), e.TargetTable)
	}
	return result, nil
}

// replayKey picks the key for a quarantined payload from its primary-key
// column.
func replayKey(tc config.TableConfig, payload json.RawMessage) (keyproto.Operation, string) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return keyproto.InsertAutoKey, ""
	}

	switch v := fields[tc.PrimaryKey].(type) {
	case json.Number:
		if pk, err := v.Int64(); err == nil {
			return keyproto.UpdateWithKey, strconv.FormatInt(pk, 10)
		}
	case string:
		if pk, err := strconv.ParseInt(v, 10, 64); err == nil {
			return keyproto.UpdateWithKey, strconv.FormatInt(pk, 10)
		}
	}
	return keyproto.InsertAutoKey, ""
}

// Enqueue publishes one sync entry the way the upstream writer would. A
// negative ttl uses the configured entry TTL.
func (o *Orchestrator) Enqueue(ctx context.Context, op keyproto.Operation, table, id string, payload []byte, ttl time.Duration) (string, error) {
	if _, ok := o.tableConfig(table); !ok {
		return "", fmt.Errorf("table %s is not configured", table)
	}
	if ttl < 0 {
		ttl = o.config.Redis.EntryTTL
	}
	return cache.NewPublisher(o.cache, ttl).Publish(ctx, op, table, id, payload)
}

// Flush deletes the job's pending sync keys and returns how many were
// removed. With all set it empties the whole cache database instead and
// returns -1.
func (o *Orchestrator) Flush(ctx context.Context, all bool) (int64, error) {
	if all {
		if err := o.cache.FlushAll(ctx); err != nil {
			return 0, fmt.Errorf("flushing cache: %w", err)
		}
		logging.Warn("Flushed every key in the cache database")
		return -1, nil
	}

	batchSize := o.config.Sync.DeleteBatch
	if batchSize <= 0 {
		batchSize = 1000
	}

	var deleted int64
	batch := make([]string, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := o.cache.Delete(ctx, batch...)
		if err != nil {
			return fmt.Errorf("deleting keys: %w", err)
		}
		deleted += n
		batch = batch[:0]
		return nil
	}

	it := o.cache.Scan(ctx, o.job.Pattern)
	for it.Next(ctx) {
		batch = append(batch, it.Val())
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return deleted, err
			}
		}
	}
	if err := it.Err(); err != nil {
		return deleted, fmt.Errorf("scanning %s: %w", o.job.Pattern, err)
	}
	if err := flush(); err != nil {
		return deleted, err
	}
	logging.Info("Flushed %d keys matching %s", deleted, o.job.Pattern)
	return deleted, nil
}
