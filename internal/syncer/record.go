package syncer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/johndauphine/redis-pg-sync/internal/keyproto"
)

// Record is one decoded unit of work. It lives for a single cycle.
type Record struct {
	Key        string
	Op         keyproto.Operation
	Table      string
	PrimaryKey int64 // valid when HasKey
	HasKey     bool
	Token      string // IA only
	Payload    map[string]any
	Raw        json.RawMessage
}

// DecodeEntry turns a cache entry into a Record. Key errors match
// keyproto.ErrMalformedKey; value errors match ErrInvalidPayload.
func DecodeEntry(key string, value []byte) (*Record, error) {
	k, err := keyproto.Decode(key)
	if err != nil {
		return nil, err
	}

	payload, err := decodePayload(value)
	if err != nil {
		return nil, &PayloadError{Key: key, Err: err}
	}

	rec := &Record{
		Key:     key,
		Op:      k.Op,
		Table:   k.Table,
		Payload: payload,
		Raw:     json.RawMessage(append([]byte(nil), value...)),
	}
	if pk, ok := k.PrimaryKey(); ok {
		rec.PrimaryKey = pk
		rec.HasKey = true
	} else {
		rec.Token = k.ID
	}
	return rec, nil
}

// decodePayload decodes a JSON object keeping integers exact.
func decodePayload(value []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(value))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding JSON: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after JSON object")
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected JSON object, got %T", raw)
	}
	return normalizeNumbers(obj).(map[string]any), nil
}

// normalizeNumbers converts json.Number to int64 when integral, float64 otherwise.
func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeNumbers(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = normalizeNumbers(val)
		}
		return t
	default:
		return v
	}
}

// Row is what a TableStore writes: the primary key (nil for auto-key
// inserts) and the column values.
type Row struct {
	PrimaryKey *int64
	Values     map[string]any
}

// Row converts the record for writing into the table described by spec.
// Keyed records always carry their key column; auto-key inserts drop a null
// key column so the store can assign one.
func (r *Record) Row(spec TableSpec) Row {
	values := make(map[string]any, len(r.Payload)+1)
	for k, v := range r.Payload {
		values[k] = v
	}

	if !r.HasKey {
		if v, ok := values[spec.PrimaryKey]; ok && v == nil {
			delete(values, spec.PrimaryKey)
		}
		return Row{Values: values}
	}

	// The key segment is authoritative over any id inside the payload.
	pk := r.PrimaryKey
	values[spec.PrimaryKey] = pk
	return Row{PrimaryKey: &pk, Values: values}
}
