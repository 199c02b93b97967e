package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/johndauphine/redis-pg-sync/internal/cache"
	"github.com/johndauphine/redis-pg-sync/internal/checkpoint"
	"github.com/johndauphine/redis-pg-sync/internal/config"
	"github.com/johndauphine/redis-pg-sync/internal/keyproto"
	"github.com/johndauphine/redis-pg-sync/internal/stats"
	"github.com/johndauphine/redis-pg-sync/internal/syncer"
	"github.com/johndauphine/redis-pg-sync/internal/target"
)

type memStore struct {
	mu     sync.Mutex
	rows   map[int64]map[string]any
	nextID int64
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[int64]map[string]any), nextID: 100}
}

func (s *memStore) Exists(ctx context.Context, pk int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rows[pk]
	return ok, nil
}

func (s *memStore) InsertRows(ctx context.Context, rows []syncer.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		id := s.nextID
		if r.PrimaryKey != nil {
			id = *r.PrimaryKey
		} else {
			s.nextID++
		}
		s.rows[id] = r.Values
	}
	return nil
}

func (s *memStore) UpdateRows(ctx context.Context, rows []syncer.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		for k, v := range r.Values {
			s.rows[*r.PrimaryKey][k] = v
		}
	}
	return nil
}

type memHistory struct {
	mu      sync.Mutex
	entries map[int64]syncer.FailureEntry
	nextID  int64
	ensured int
}

func newMemHistory() *memHistory {
	return &memHistory{entries: make(map[int64]syncer.FailureEntry), nextID: 1}
}

func (h *memHistory) InsertFailures(ctx context.Context, entries []syncer.FailureEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range entries {
		e.ID = h.nextID
		e.CreatedAt = time.Now()
		h.entries[e.ID] = e
		h.nextID++
	}
	return nil
}

func (h *memHistory) EnsureFailureTable(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ensured++
	return nil
}

func (h *memHistory) ListFailures(ctx context.Context, limit int) ([]syncer.FailureEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []syncer.FailureEntry
	for _, e := range h.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (h *memHistory) CountFailures(ctx context.Context) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries), nil
}

func (h *memHistory) GetFailure(ctx context.Context, id int64) (syncer.FailureEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entries[id]
	if !ok {
		return syncer.FailureEntry{}, fmt.Errorf("id %d: %w", id, target.ErrFailureNotFound)
	}
	return e, nil
}

func (h *memHistory) DeleteFailure(ctx context.Context, id int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.entries[id]; !ok {
		return fmt.Errorf("id %d: %w", id, target.ErrFailureNotFound)
	}
	delete(h.entries, id)
	return nil
}

type recordingProvider struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingProvider) add(ev string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingProvider) WorkerStarted(job, workerID, pattern string, tableCount int) error {
	return p.add(fmt.Sprintf("started:%s:%d", job, tableCount))
}

func (p *recordingProvider) WorkerStopped(job, workerID string, uptime time.Duration, cycles int, err error) error {
	return p.add(fmt.Sprintf("stopped:%s", job))
}

func (p *recordingProvider) TableQuarantined(job, table string, records int, cause error) error {
	return p.add("quarantined:" + table)
}

func (p *recordingProvider) QuarantineFailed(job string, tables []string, err error) error {
	return p.add("quarantine_failed")
}

func (p *recordingProvider) CacheUnavailable(job string, err error) error {
	return p.add("cache_unavailable")
}

type fixture struct {
	mr      *miniredis.Miniredis
	cache   *cache.RedisCache
	sales   *memStore
	estates *memStore
	history *memHistory
	notes   *recordingProvider
	orch    *Orchestrator

	poolStatCalls int
}

const testConfig = `
target:
  host: localhost
  database: sync
sync:
  data_dir: %s
  chunk_size: 2
tables:
  - name: real_estates
    geo: {}
  - name: public_sales
jobs:
  - name: sync_data
  - name: sales_only
    pattern: "sync:*:public_sales:*"
    tables: [public_sales]
`

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	cfg, err := config.LoadBytes([]byte(fmt.Sprintf(testConfig, t.TempDir())))
	if err != nil {
		t.Fatal(err)
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	c := cache.NewRedisCacheFromClient(client, 100)

	state, err := checkpoint.New(cfg.Sync.DataDir)
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		mr:      mr,
		cache:   c,
		sales:   newMemStore(),
		estates: newMemStore(),
		history: newMemHistory(),
		notes:   &recordingProvider{},
	}
	stores := map[string]*memStore{"public_sales": f.sales, "real_estates": f.estates}
	poolStats := func() stats.PoolStats {
		f.poolStatCalls++
		return c.Stats()
	}

	o, err := NewWithDeps(cfg, opts, Deps{
		Cache: c,
		Tables: func(spec syncer.TableSpec) (syncer.TableStore, error) {
			return stores[spec.Name], nil
		},
		Failures:   f.history,
		Ledger:     state,
		Notifier:   f.notes,
		TargetPing: func(ctx context.Context) error { return nil },
		PoolStats:  []func() stats.PoolStats{poolStats},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(o.Close)
	f.orch = o
	return f
}

func (f *fixture) set(t *testing.T, key, value string) {
	t.Helper()
	if err := f.mr.Set(key, value); err != nil {
		t.Fatal(err)
	}
}

func TestNewWithDepsUnknownTopic(t *testing.T) {
	cfg, err := config.LoadBytes([]byte(fmt.Sprintf(testConfig, t.TempDir())))
	if err != nil {
		t.Fatal(err)
	}
	_, err = NewWithDeps(cfg, Options{Topic: "nope"}, Deps{})
	if err == nil || !strings.Contains(err.Error(), "unknown topic") {
		t.Fatalf("err = %v", err)
	}
}

func TestTopicSelectsTables(t *testing.T) {
	f := newFixture(t, Options{Topic: "sales_only"})
	if got := f.orch.tableNames(); len(got) != 1 || got[0] != "public_sales" {
		t.Errorf("tables = %v", got)
	}
	if f.orch.Job().Pattern != "sync:*:public_sales:*" {
		t.Errorf("pattern = %s", f.orch.Job().Pattern)
	}
}

func TestRunOnceWritesAndRecords(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	f.set(t, "sync:I:public_sales:1", `{"name":"a"}`)
	f.set(t, "sync:I:public_sales:2", `{"name":"b"}`)
	f.set(t, "sync:IA:public_sales:tok", `{"name":"c"}`)

	res, err := f.orch.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if res.Status != syncer.StatusOK || res.Inserted != 3 {
		t.Errorf("result = %+v", res)
	}
	if len(f.sales.rows) != 3 {
		t.Errorf("rows = %v", f.sales.rows)
	}
	if f.history.ensured != 1 {
		t.Errorf("failure table ensured %d times", f.history.ensured)
	}
	if keys := f.mr.Keys(); len(keys) != 0 {
		t.Errorf("keys left = %v", keys)
	}

	cycles, err := f.orch.History(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(cycles) != 1 || cycles[0].ID != res.ID {
		t.Errorf("history = %+v", cycles)
	}
	if f.orch.cycles.Load() != 1 {
		t.Errorf("cycle count = %d", f.orch.cycles.Load())
	}
}

func TestRunRecordsWorkerLifecycle(t *testing.T) {
	f := newFixture(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := f.orch.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	w, err := f.orch.state.LastWorker("sync_data")
	if err != nil {
		t.Fatal(err)
	}
	if w == nil || w.Status != "stopped" || w.StoppedAt == nil {
		t.Errorf("worker = %+v", w)
	}
	if f.poolStatCalls != 1 {
		t.Errorf("pool stats logged %d times", f.poolStatCalls)
	}
	want := []string{"started:sync_data:2", "stopped:sync_data"}
	if strings.Join(f.notes.events, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", f.notes.events, want)
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	f.set(t, "sync:I:public_sales:1", `{"name":"a"}`)
	f.set(t, "sync:U:real_estates:2", `{"x_vl":1,"y_vl":2}`)
	f.set(t, "unrelated", "x")
	if err := f.history.InsertFailures(ctx, []syncer.FailureEntry{{TargetTable: "public_sales"}}); err != nil {
		t.Fatal(err)
	}

	s, err := f.orch.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.Pending != 2 || s.Failures != 1 || s.Worker != nil || s.LastCycle != nil {
		t.Errorf("status = %+v", s)
	}
	if s.CacheError != "" || s.TargetError != "" {
		t.Errorf("unexpected errors: %q %q", s.CacheError, s.TargetError)
	}
}

func TestStatusReportsCacheError(t *testing.T) {
	f := newFixture(t, Options{})
	f.mr.Close()

	s, err := f.orch.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if s.Pending != -1 || s.CacheError == "" {
		t.Errorf("status = %+v", s)
	}
}

func TestReplay(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	err := f.history.InsertFailures(ctx, []syncer.FailureEntry{{
		TargetTable: "public_sales",
		SyncData: []json.RawMessage{
			json.RawMessage(`{"id":5,"name":"a"}`),
			json.RawMessage(`{"name":"b"}`),
		},
		Reason: "boom",
	}})
	if err != nil {
		t.Fatal(err)
	}

	res, err := f.orch.Replay(ctx, []int64{1})
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if res.Entries != 1 || res.Published != 2 {
		t.Errorf("result = %+v", res)
	}
	if res.Keys[0] != "sync:U:public_sales:5" {
		t.Errorf("first key = %s", res.Keys[0])
	}
	if !strings.HasPrefix(res.Keys[1], "sync:IA:public_sales:") {
		t.Errorf("second key = %s", res.Keys[1])
	}
	got, err := f.mr.Get("sync:U:public_sales:5")
	if err != nil || got != `{"id":5,"name":"a"}` {
		t.Errorf("payload = %q, %v", got, err)
	}
	if n, _ := f.history.CountFailures(ctx); n != 0 {
		t.Errorf("failures left = %d", n)
	}

	// The replayed keys sync like any other entry.
	cycle, err := f.orch.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cycle.Inserted != 2 || f.sales.rows[5] == nil {
		t.Errorf("cycle = %+v rows = %v", cycle, f.sales.rows)
	}
}

func TestReplayUnknownIDPublishesNothing(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	if err := f.history.InsertFailures(ctx, []syncer.FailureEntry{{
		TargetTable: "public_sales",
		SyncData:    []json.RawMessage{json.RawMessage(`{"id":1}`)},
	}}); err != nil {
		t.Fatal(err)
	}

	_, err := f.orch.Replay(ctx, []int64{1, 99})
	if !errors.Is(err, target.ErrFailureNotFound) {
		t.Fatalf("err = %v", err)
	}
	if keys := f.mr.Keys(); len(keys) != 0 {
		t.Errorf("keys = %v", keys)
	}
	if n, _ := f.history.CountFailures(ctx); n != 1 {
		t.Errorf("failures = %d", n)
	}
}

func TestReplayRepeatedIDs(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	if err := f.history.InsertFailures(ctx, []syncer.FailureEntry{{
		TargetTable: "public_sales",
		SyncData:    []json.RawMessage{json.RawMessage(`{"id":5}`)},
	}}); err != nil {
		t.Fatal(err)
	}

	res, err := f.orch.Replay(ctx, []int64{1, 1})
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if res.Entries != 1 || res.Published != 1 || len(res.Keys) != 1 {
		t.Errorf("result = %+v, want one entry published once", res)
	}
	if n, _ := f.history.CountFailures(ctx); n != 0 {
		t.Errorf("failures left = %d", n)
	}
}

func TestReplayUnknownTable(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	if err := f.history.InsertFailures(ctx, []syncer.FailureEntry{{TargetTable: "users"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.orch.Replay(ctx, []int64{1}); err == nil {
		t.Fatal("expected error for unconfigured table")
	}
}

func TestReplayKey(t *testing.T) {
	tc := config.TableConfig{Name: "public_sales", PrimaryKey: "id"}
	tests := []struct {
		payload string
		op      keyproto.Operation
		id      string
	}{
		{`{"id":7}`, keyproto.UpdateWithKey, "7"},
		{`{"id":"8"}`, keyproto.UpdateWithKey, "8"},
		{`{"id":1.5}`, keyproto.InsertAutoKey, ""},
		{`{"id":null}`, keyproto.InsertAutoKey, ""},
		{`{"name":"x"}`, keyproto.InsertAutoKey, ""},
		{`[1]`, keyproto.InsertAutoKey, ""},
	}
	for _, tt := range tests {
		op, id := replayKey(tc, json.RawMessage(tt.payload))
		if op != tt.op || id != tt.id {
			t.Errorf("replayKey(%s) = %s %q, want %s %q", tt.payload, op, id, tt.op, tt.id)
		}
	}
}

func TestEnqueue(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	key, err := f.orch.Enqueue(ctx, keyproto.InsertWithKey, "public_sales", "3", []byte(`{"name":"x"}`), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if key != "sync:I:public_sales:3" {
		t.Errorf("key = %s", key)
	}
	if ttl := f.mr.TTL(key); ttl != time.Minute {
		t.Errorf("ttl = %v", ttl)
	}

	if _, err := f.orch.Enqueue(ctx, keyproto.InsertWithKey, "users", "3", []byte(`{}`), 0); err == nil {
		t.Error("expected error for unconfigured table")
	}
	if _, err := f.orch.Enqueue(ctx, keyproto.InsertWithKey, "public_sales", "3", []byte(`{`), 0); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestFlush(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		f.set(t, fmt.Sprintf("sync:I:public_sales:%d", i), `{}`)
	}
	f.set(t, "unrelated", "x")

	n, err := f.orch.Flush(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("deleted = %d", n)
	}
	if keys := f.mr.Keys(); len(keys) != 1 || keys[0] != "unrelated" {
		t.Errorf("keys = %v", keys)
	}

	if n, err := f.orch.Flush(ctx, true); err != nil || n != -1 {
		t.Fatalf("Flush(all) = %d, %v", n, err)
	}
	if keys := f.mr.Keys(); len(keys) != 0 {
		t.Errorf("keys after flushall = %v", keys)
	}
}

func TestHealthCheck(t *testing.T) {
	f := newFixture(t, Options{})
	f.orch.ping = func(ctx context.Context) error { return errors.New("connection refused") }

	res := f.orch.HealthCheck(context.Background())
	if res.Healthy || !res.CacheConnected || res.TargetConnected {
		t.Errorf("result = %+v", res)
	}
	if res.TargetError != "connection refused" {
		t.Errorf("target error = %q", res.TargetError)
	}
}
