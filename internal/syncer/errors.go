package syncer

import (
	"errors"
	"fmt"
)

// ErrUnknownTable is matched by every *UnknownTableError.
var ErrUnknownTable = errors.New("unknown target table")

// UnknownTableError reports a key whose table segment is not in the allow-list.
type UnknownTableError struct {
	Table string
}

func (e *UnknownTableError) Error() string {
	return fmt.Sprintf("table %q is not in the sync allow-list", e.Table)
}

func (e *UnknownTableError) Is(target error) bool {
	return target == ErrUnknownTable
}

// ErrInvalidPayload is matched by every *PayloadError.
var ErrInvalidPayload = errors.New("invalid sync payload")

// PayloadError reports a cache value that is not a JSON object.
type PayloadError struct {
	Key string
	Err error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("payload of %s: %v", e.Key, e.Err)
}

func (e *PayloadError) Unwrap() error { return e.Err }

func (e *PayloadError) Is(target error) bool {
	return target == ErrInvalidPayload
}

// StoreWriteError reports a failed existence check or bulk write for a table.
// The whole table batch is quarantined when one is returned.
type StoreWriteError struct {
	Table string
	Op    string // "exists", "insert" or "update"
	Chunk int    // zero-based chunk index, -1 when not chunked
	Err   error
}

func (e *StoreWriteError) Error() string {
	if e.Chunk >= 0 {
		return fmt.Sprintf("%s %s (chunk %d): %v", e.Op, e.Table, e.Chunk, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Table, e.Err)
}

func (e *StoreWriteError) Unwrap() error { return e.Err }

// QuarantineWriteError reports that failure-history rows could not be stored.
// Keys of the affected tables stay in the cache.
type QuarantineWriteError struct {
	Tables []string
	Err    error
}

func (e *QuarantineWriteError) Error() string {
	return fmt.Sprintf("writing failure history for %v: %v", e.Tables, e.Err)
}

func (e *QuarantineWriteError) Unwrap() error { return e.Err }

// CacheUnavailableError aborts a cycle before anything is scanned or written.
type CacheUnavailableError struct {
	Err error
}

func (e *CacheUnavailableError) Error() string {
	return fmt.Sprintf("cache unavailable: %v", e.Err)
}

func (e *CacheUnavailableError) Unwrap() error { return e.Err }
