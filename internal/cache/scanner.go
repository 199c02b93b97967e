package cache

import (
	"context"
	"errors"
	"fmt"
)

// DefaultDeleteBatch is the number of keys removed per DEL command.
const DefaultDeleteBatch = 1000

// Entry is one key/value pair pulled from the cache.
type Entry struct {
	Key   string
	Value []byte
}

// Scanner pulls entries for one sync cycle and remembers every key it handed
// out. Keys are only removed by Purge or PurgeConsumed, after the caller has
// written or quarantined them, so a crash mid-cycle leaves the cache intact.
type Scanner struct {
	cache       Cache
	iter        Iterator
	consumed    []string
	pending     map[string]struct{}
	seen        map[string]struct{} // keys handed out since the last Scan
	deleteBatch int
}

// NewScanner creates a scanner over c.
func NewScanner(c Cache) *Scanner {
	return &Scanner{
		cache:       c,
		pending:     make(map[string]struct{}),
		seen:        make(map[string]struct{}),
		deleteBatch: DefaultDeleteBatch,
	}
}

// SetDeleteBatch overrides how many keys are sent per DEL.
func (s *Scanner) SetDeleteBatch(n int) {
	if n > 0 {
		s.deleteBatch = n
	}
}

// Scan registers a lazy iterator over keys matching pattern and resets the
// consumed set.
func (s *Scanner) Scan(ctx context.Context, pattern string) {
	s.iter = s.cache.Scan(ctx, pattern)
	s.consumed = s.consumed[:0]
	s.pending = make(map[string]struct{})
	s.seen = make(map[string]struct{})
}

// Next returns the next entry. ok is false once the iterator is exhausted.
// Keys that disappear between SCAN and GET are skipped. SCAN may return a key
// more than once; a key is handed out at most once per Scan, even after it
// was purged or released.
func (s *Scanner) Next(ctx context.Context) (entry Entry, ok bool, err error) {
	if s.iter == nil {
		return Entry{}, false, errors.New("scanner: Next called before Scan")
	}
	for s.iter.Next(ctx) {
		key := s.iter.Val()
		if _, dup := s.seen[key]; dup {
			continue
		}
		val, err := s.cache.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return Entry{}, false, err
		}
		s.seen[key] = struct{}{}
		s.pending[key] = struct{}{}
		s.consumed = append(s.consumed, key)
		return Entry{Key: key, Value: val}, true, nil
	}
	if err := s.iter.Err(); err != nil {
		return Entry{}, false, fmt.Errorf("scanning keys: %w", err)
	}
	return Entry{}, false, nil
}

// Consumed returns the keys handed out since the last Scan or purge, in
// arrival order.
func (s *Scanner) Consumed() []string {
	out := make([]string, len(s.consumed))
	copy(out, s.consumed)
	return out
}

// Pending reports how many consumed keys have not been purged.
func (s *Scanner) Pending() int {
	return len(s.consumed)
}

// Purge deletes the given keys (which must have been returned by Next) and
// stops tracking them. Keys that were never handed out are ignored.
func (s *Scanner) Purge(ctx context.Context, keys []string) (int64, error) {
	drop := make(map[string]struct{}, len(keys))
	targets := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := s.pending[k]; !ok {
			continue
		}
		if _, dup := drop[k]; dup {
			continue
		}
		drop[k] = struct{}{}
		targets = append(targets, k)
	}

	deleted, err := s.deleteKeys(ctx, targets)
	// Forget only what was actually sent before any error.
	forgotten := targets
	if err != nil {
		forgotten = targets[:deleted.sent]
	}
	s.forget(forgotten)
	return deleted.count, err
}

// Release stops tracking keys without deleting them. They stay in the cache
// and are picked up again by a later scan.
func (s *Scanner) Release(keys ...string) {
	s.forget(keys)
}

// PurgeConsumed deletes every consumed key and resets tracking.
func (s *Scanner) PurgeConsumed(ctx context.Context) (int64, error) {
	return s.Purge(ctx, s.Consumed())
}

type deleteResult struct {
	count int64
	sent  int
}

func (s *Scanner) deleteKeys(ctx context.Context, keys []string) (deleteResult, error) {
	var res deleteResult
	for start := 0; start < len(keys); start += s.deleteBatch {
		end := start + s.deleteBatch
		if end > len(keys) {
			end = len(keys)
		}
		n, err := s.cache.Delete(ctx, keys[start:end]...)
		if err != nil {
			return res, err
		}
		res.count += n
		res.sent = end
	}
	return res, nil
}

func (s *Scanner) forget(keys []string) {
	if len(keys) == 0 {
		return
	}
	for _, k := range keys {
		delete(s.pending, k)
	}
	kept := s.consumed[:0]
	for _, k := range s.consumed {
		if _, ok := s.pending[k]; ok {
			kept = append(kept, k)
		}
	}
	s.consumed = kept
}
