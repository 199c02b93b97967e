package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/johndauphine/redis-pg-sync/internal/keyproto"
)

// memStore is an in-memory TableStore. Each InsertRows/UpdateRows call is
// applied atomically, like a transaction per chunk.
type memStore struct {
	mu          sync.Mutex
	rows        map[int64]map[string]any
	nextID      int64
	existsCalls int
	insertSizes []int
	updateSizes []int

	failInsertCall int // 1-based InsertRows call to fail, 0 for never
	failUpdate     error
	existsErr      error
	panicOnExists  bool
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[int64]map[string]any), nextID: 1000}
}

func (s *memStore) seed(pk int64, values map[string]any) {
	s.rows[pk] = values
}

func (s *memStore) row(pk int64) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[pk]
	return r, ok
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func (s *memStore) Exists(ctx context.Context, pk int64) (bool, error) {
	if s.panicOnExists {
		panic("exists exploded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.existsCalls++
	if s.existsErr != nil {
		return false, s.existsErr
	}
	_, ok := s.rows[pk]
	return ok, nil
}

func (s *memStore) InsertRows(ctx context.Context, rows []Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertSizes = append(s.insertSizes, len(rows))
	if s.failInsertCall > 0 && len(s.insertSizes) == s.failInsertCall {
		return errors.New("insert rejected")
	}
	seen := make(map[int64]bool)
	for _, r := range rows {
		if r.PrimaryKey == nil {
			continue
		}
		if _, ok := s.rows[*r.PrimaryKey]; ok || seen[*r.PrimaryKey] {
			return fmt.Errorf("duplicate key %d", *r.PrimaryKey)
		}
		seen[*r.PrimaryKey] = true
	}
	for _, r := range rows {
		pk := s.nextID
		if r.PrimaryKey != nil {
			pk = *r.PrimaryKey
		} else {
			s.nextID++
		}
		s.rows[pk] = r.Values
	}
	return nil
}

func (s *memStore) UpdateRows(ctx context.Context, rows []Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateSizes = append(s.updateSizes, len(rows))
	if s.failUpdate != nil {
		return s.failUpdate
	}
	for _, r := range rows {
		if r.PrimaryKey == nil {
			return errors.New("update without key")
		}
		s.rows[*r.PrimaryKey] = r.Values
	}
	return nil
}

type memFailures struct {
	mu      sync.Mutex
	calls   int
	entries []FailureEntry
	err     error
}

func (f *memFailures) InsertFailures(ctx context.Context, entries []FailureEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, entries...)
	return nil
}

func mustRecord(t *testing.T, key, value string) *Record {
	t.Helper()
	rec, err := DecodeEntry(key, []byte(value))
	if err != nil {
		t.Fatalf("DecodeEntry(%q) error: %v", key, err)
	}
	return rec
}

func TestDecodeEntry(t *testing.T) {
	t.Run("keyed insert", func(t *testing.T) {
		rec := mustRecord(t, "sync:I:real_estates:42", `{"name":"a","price":12000000000,"ratio":0.5}`)
		if rec.Op != keyproto.InsertWithKey || rec.Table != "real_estates" {
			t.Errorf("got op=%s table=%s", rec.Op, rec.Table)
		}
		if !rec.HasKey || rec.PrimaryKey != 42 {
			t.Errorf("PrimaryKey = %d (HasKey=%v), want 42", rec.PrimaryKey, rec.HasKey)
		}
		if v, ok := rec.Payload["price"].(int64); !ok || v != 12000000000 {
			t.Errorf("price = %#v, want int64 12000000000", rec.Payload["price"])
		}
		if v, ok := rec.Payload["ratio"].(float64); !ok || v != 0.5 {
			t.Errorf("ratio = %#v, want 0.5", rec.Payload["ratio"])
		}
	})

	t.Run("auto key insert", func(t *testing.T) {
		rec := mustRecord(t, "sync:IA:public_sales:f81d4fae", `{"title":"x"}`)
		if rec.HasKey {
			t.Error("IA record should not have a key")
		}
		if rec.Token != "f81d4fae" {
			t.Errorf("Token = %q", rec.Token)
		}
		if string(rec.Raw) != `{"title":"x"}` {
			t.Errorf("Raw = %s", rec.Raw)
		}
	})

	tests := []struct {
		name  string
		key   string
		value string
		want  error
	}{
		{"bad json", "sync:I:t:1", `{"a":`, ErrInvalidPayload},
		{"array payload", "sync:I:t:1", `[1,2]`, ErrInvalidPayload},
		{"trailing data", "sync:I:t:1", `{"a":1} {"b":2}`, ErrInvalidPayload},
		{"malformed key", "sync:X:t:1", `{}`, keyproto.ErrMalformedKey},
		{"non-integer id", "sync:U:t:abc", `{}`, keyproto.ErrMalformedKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEntry(tt.key, []byte(tt.value))
			if !errors.Is(err, tt.want) {
				t.Errorf("DecodeEntry() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRecordRow(t *testing.T) {
	spec := TableSpec{Name: "real_estates", PrimaryKey: "id"}

	rec := mustRecord(t, "sync:U:real_estates:7", `{"id":99,"name":"b"}`)
	row := rec.Row(spec)
	if row.PrimaryKey == nil || *row.PrimaryKey != 7 {
		t.Fatalf("PrimaryKey = %v, want 7", row.PrimaryKey)
	}
	if row.Values["id"] != int64(7) {
		t.Errorf("id column = %v, want key segment 7", row.Values["id"])
	}
	if rec.Payload["id"] != int64(99) {
		t.Error("Row() must not mutate the record payload")
	}

	ia := mustRecord(t, "sync:IA:real_estates:tok", `{"id":null,"name":"c"}`)
	row = ia.Row(spec)
	if row.PrimaryKey != nil {
		t.Errorf("IA row PrimaryKey = %v, want nil", *row.PrimaryKey)
	}
	if _, ok := row.Values["id"]; ok {
		t.Error("null key column should be dropped for auto-key inserts")
	}
	if row.Values["name"] != "c" {
		t.Errorf("name = %v", row.Values["name"])
	}
}

func TestAggregator(t *testing.T) {
	agg := NewAggregator(3)
	keys := []string{
		"sync:I:b:1",
		"sync:I:a:2",
		"sync:U:b:3",
		"sync:I:a:4",
	}
	var accepted int
	for _, k := range keys {
		if agg.Add(mustRecord(t, k, `{}`)) {
			accepted++
		}
	}
	if accepted != 3 || agg.Len() != 3 || !agg.Full() {
		t.Fatalf("accepted=%d Len=%d Full=%v, want 3/3/true", accepted, agg.Len(), agg.Full())
	}
	if got := agg.Tables(); len(got) != 2 || got[0] != "b" || got[1] != "a" {
		t.Errorf("Tables() = %v, want [b a]", got)
	}
	b := agg.Batch("b")
	if len(b) != 2 || b[0].PrimaryKey != 1 || b[1].PrimaryKey != 3 {
		t.Errorf("Batch(b) out of order: %v", recordKeys(b))
	}
}

func TestApplyGeo(t *testing.T) {
	geo := &GeoSpec{XField: "x_vl", YField: "y_vl", Field: "coordinates", SRID: 4326}

	payload := map[string]any{"x_vl": float64(127), "y_vl": 37.5}
	ok, err := ApplyGeo(geo, payload)
	if err != nil || !ok {
		t.Fatalf("ApplyGeo() = %v, %v", ok, err)
	}
	if got := payload["coordinates"]; got != "SRID=4326;POINT(127 37.5)" {
		t.Errorf("coordinates = %v", got)
	}

	payload = map[string]any{"x_vl": "126.97", "y_vl": int64(37)}
	if ok, err := ApplyGeo(geo, payload); err != nil || !ok {
		t.Fatalf("string coordinates: %v, %v", ok, err)
	}
	if got := payload["coordinates"]; got != "SRID=4326;POINT(126.97 37)" {
		t.Errorf("coordinates = %v", got)
	}

	payload = map[string]any{"name": "none"}
	if ok, err := ApplyGeo(geo, payload); ok || err != nil {
		t.Errorf("no coordinates: got %v, %v", ok, err)
	}
	if _, set := payload["coordinates"]; set {
		t.Error("coordinates should not be set without x/y")
	}

	for _, bad := range []map[string]any{
		{"x_vl": 127.0},
		{"x_vl": 127.0, "y_vl": nil},
		{"x_vl": "east", "y_vl": 37.5},
		{"x_vl": true, "y_vl": 37.5},
	} {
		if _, err := ApplyGeo(geo, bad); err == nil {
			t.Errorf("ApplyGeo(%v) expected error", bad)
		}
	}

	if ok, err := ApplyGeo(nil, map[string]any{"x_vl": 1.0}); ok || err != nil {
		t.Errorf("nil geo: got %v, %v", ok, err)
	}
}

func TestClassify(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.seed(1, map[string]any{"id": int64(1)})

	recs := []*Record{
		mustRecord(t, "sync:U:t:1", `{}`),
		mustRecord(t, "sync:I:t:2", `{}`),
		mustRecord(t, "sync:IA:t:tok1", `{}`),
		mustRecord(t, "sync:I:t:1", `{}`),
		mustRecord(t, "sync:IA:t:tok2", `{}`),
	}
	cls, err := Classify(ctx, "t", store, recs)
	if err != nil {
		t.Fatalf("Classify() error: %v", err)
	}
	if len(cls.Inserts)+len(cls.Updates) != len(recs) {
		t.Fatalf("partition lost records: %d + %d != %d", len(cls.Inserts), len(cls.Updates), len(recs))
	}
	if got := recordKeys(cls.Updates); len(got) != 2 || got[0] != "sync:U:t:1" || got[1] != "sync:I:t:1" {
		t.Errorf("Updates = %v", got)
	}
	if got := recordKeys(cls.Inserts); len(got) != 3 || got[0] != "sync:I:t:2" {
		t.Errorf("Inserts = %v", got)
	}
	if store.existsCalls != 3 {
		t.Errorf("Exists called %d times, want 3 (auto-key inserts skip the check)", store.existsCalls)
	}

	store.existsErr = errors.New("connection reset")
	_, err = Classify(ctx, "t", store, recs[:1])
	var swe *StoreWriteError
	if !errors.As(err, &swe) || swe.Op != "exists" || swe.Table != "t" {
		t.Errorf("Classify() error = %v, want StoreWriteError(exists)", err)
	}
}

func TestBulkWriterChunks(t *testing.T) {
	ctx := context.Background()
	w := NewBulkWriter(10)

	rows := make([]Row, 25)
	for i := range rows {
		rows[i] = Row{Values: map[string]any{"n": i}}
	}

	store := newMemStore()
	if err := w.Insert(ctx, "t", store, rows); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}
	if fmt.Sprint(store.insertSizes) != "[10 10 5]" {
		t.Errorf("chunk sizes = %v, want [10 10 5]", store.insertSizes)
	}

	for _, tt := range []struct{ n, want int }{{0, 0}, {1, 1}, {10, 1}, {11, 2}, {25, 3}, {10000, 1000}} {
		if got := w.ChunkCount(tt.n); got != tt.want {
			t.Errorf("ChunkCount(%d) = %d, want %d", tt.n, got, tt.want)
		}
	}

	failing := newMemStore()
	failing.failInsertCall = 2
	err := w.Insert(ctx, "t", failing, rows)
	var swe *StoreWriteError
	if !errors.As(err, &swe) || swe.Chunk != 1 || swe.Op != "insert" {
		t.Fatalf("Insert() error = %v, want StoreWriteError chunk 1", err)
	}
	if len(failing.insertSizes) != 2 {
		t.Errorf("writer kept going after a failed chunk: %v", failing.insertSizes)
	}

	if NewBulkWriter(0).ChunkSize() != DefaultChunkSize {
		t.Error("non-positive chunk size should select the default")
	}
}

func TestQuarantine(t *testing.T) {
	ctx := context.Background()
	store := &memFailures{}
	q := NewQuarantine(store)

	if err := q.Quarantine(ctx, nil); err != nil || store.calls != 0 {
		t.Fatalf("empty quarantine: err=%v calls=%d", err, store.calls)
	}

	failures := []TableFailure{
		{Table: "a", Records: []*Record{mustRecord(t, "sync:I:a:1", `{"v":1}`), mustRecord(t, "sync:I:a:2", `{"v":2}`)}, Cause: errors.New("boom")},
		{Table: "b", Records: []*Record{mustRecord(t, "sync:U:b:3", `{"v":3}`)}, Cause: errors.New("bang")},
	}
	if err := q.Quarantine(ctx, failures); err != nil {
		t.Fatalf("Quarantine() error: %v", err)
	}
	if store.calls != 1 || len(store.entries) != 2 {
		t.Fatalf("calls=%d entries=%d, want one bulk insert of 2 rows", store.calls, len(store.entries))
	}
	a := store.entries[0]
	if a.TargetTable != "a" || a.Reason != "boom" || len(a.SyncData) != 2 || string(a.SyncData[1]) != `{"v":2}` {
		t.Errorf("entry a = %+v", a)
	}

	store.err = errors.New("disk full")
	err := q.Quarantine(ctx, failures)
	var qwe *QuarantineWriteError
	if !errors.As(err, &qwe) || len(qwe.Tables) != 2 {
		t.Errorf("Quarantine() error = %v, want QuarantineWriteError", err)
	}
}

func TestFailureEntrySyncDataIsJSONArray(t *testing.T) {
	f := TableFailure{Table: "a", Records: []*Record{mustRecord(t, "sync:I:a:1", `{"v":1}`)}}
	data, err := json.Marshal(f.Entry().SyncData)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `[{"v":1}]` {
		t.Errorf("sync_data = %s", data)
	}
}

func TestFailureEntryAddsKeyColumn(t *testing.T) {
	tests := []struct {
		key     string
		payload string
		want    string
	}{
		{"sync:I:a:1", `{"v":1}`, `{"id":1,"v":1}`},
		{"sync:U:a:7", `{}`, `{"id":7}`},
		{"sync:U:a:2", ` { "v" : 2 } `, `{"id":2,"v" : 2 }`},
		{"sync:I:a:3", `{"id":3,"v":3}`, `{"id":3,"v":3}`},
		{"sync:IA:a:tok", `{"v":4}`, `{"v":4}`},
	}
	for _, tt := range tests {
		f := TableFailure{Table: "a", PrimaryKey: "id", Records: []*Record{mustRecord(t, tt.key, tt.payload)}}
		got := string(f.Entry().SyncData[0])
		if got != tt.want {
			t.Errorf("%s: sync_data = %s, want %s", tt.key, got, tt.want)
		}
		if !json.Valid([]byte(got)) {
			t.Errorf("%s: invalid JSON %s", tt.key, got)
		}
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(TableSpec{Name: "b"}, newMemStore()); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(TableSpec{Name: "a", PrimaryKey: "uid"}, newMemStore()); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(TableSpec{Name: "a"}, newMemStore()); err == nil {
		t.Error("duplicate registration should fail")
	}
	if err := r.Register(TableSpec{Name: "c"}, nil); err == nil {
		t.Error("nil store should fail")
	}

	spec, _, err := r.Lookup("b")
	if err != nil || spec.PrimaryKey != "id" {
		t.Errorf("Lookup(b) = %+v, %v", spec, err)
	}
	if _, _, err := r.Lookup("missing"); !errors.Is(err, ErrUnknownTable) {
		t.Errorf("Lookup(missing) error = %v", err)
	}
	names := r.Names()
	if !sort.StringsAreSorted(names) || len(names) != 2 {
		t.Errorf("Names() = %v", names)
	}
}
