package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"time"
)

// FailureEntry is one failure-history row: every payload of a table batch
// that could not be applied. It is never mutated after it is stored.
type FailureEntry struct {
	ID          int64
	TargetTable string
	SyncData    []json.RawMessage
	Reason      string
	CreatedAt   time.Time
}

// FailureStore persists failure-history rows. InsertFailures must store all
// entries or none.
type FailureStore interface {
	InsertFailures(ctx context.Context, entries []FailureEntry) error
}

// Quarantine moves failed table batches into the failure store for manual
// reprocessing. There is no automatic retry.
type Quarantine struct {
	store FailureStore
}

// NewQuarantine creates a quarantine writing to store.
func NewQuarantine(store FailureStore) *Quarantine {
	return &Quarantine{store: store}
}

// TableFailure is a table batch whose write failed, with the cause.
// PrimaryKey names the key column; when set, keyed payloads that lack it
// get it added so the stored row identifies its target row.
type TableFailure struct {
	Table      string
	PrimaryKey string
	Records    []*Record
	Cause      error
}

// Entry converts the failure to its failure-history row.
func (f TableFailure) Entry() FailureEntry {
	reason := ""
	if f.Cause != nil {
		reason = f.Cause.Error()
	}
	data := make([]json.RawMessage, len(f.Records))
	for i, r := range f.Records {
		data[i] = r.Raw
		if f.PrimaryKey == "" || !r.HasKey {
			continue
		}
		if _, ok := r.Payload[f.PrimaryKey]; !ok {
			data[i] = withKeyColumn(r.Raw, f.PrimaryKey, r.PrimaryKey)
		}
	}
	return FailureEntry{
		TargetTable: f.Table,
		SyncData:    data,
		Reason:      reason,
	}
}

// withKeyColumn prepends "col": pk to a raw JSON object, leaving the
// rest of the text untouched.
func withKeyColumn(raw json.RawMessage, col string, pk int64) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) < 2 || trimmed[0] != '{' {
		return raw
	}
	name, _ := json.Marshal(col)

	var b bytes.Buffer
	b.WriteByte('{')
	b.Write(name)
	b.WriteByte(':')
	b.WriteString(strconv.FormatInt(pk, 10))
	rest := bytes.TrimSpace(trimmed[1:])
	if len(rest) > 0 && rest[0] != '}' {
		b.WriteByte(',')
	}
	b.Write(rest)
	return json.RawMessage(b.Bytes())
}

// Quarantine stores one row per failed table in a single bulk insert.
func (q *Quarantine) Quarantine(ctx context.Context, failures []TableFailure) error {
	if len(failures) == 0 {
		return nil
	}
	entries := make([]FailureEntry, len(failures))
	tables := make([]string, len(failures))
	for i, f := range failures {
		entries[i] = f.Entry()
		tables[i] = f.Table
	}
	if err := q.store.InsertFailures(ctx, entries); err != nil {
		return &QuarantineWriteError{Tables: tables, Err: err}
	}
	return nil
}
