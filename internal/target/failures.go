package target

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/johndauphine/redis-pg-sync/internal/syncer"
)

// ErrFailureNotFound is returned when a failure-history id does not exist.
var ErrFailureNotFound = errors.New("failure history entry not found")

// FailureHistory stores quarantined batches. It implements
// syncer.FailureStore.
type FailureHistory struct {
	pool   *pgxpool.Pool
	schema string
	table  string
}

// FailureHistory returns the failure-history store backed by table.
func (p *Pool) FailureHistory(table string) (*FailureHistory, error) {
	if err := validateIdent(table); err != nil {
		return nil, fmt.Errorf("failure table: %w", err)
	}
	return &FailureHistory{pool: p.pool, schema: p.schema, table: table}, nil
}

func (f *FailureHistory) qualified() string {
	return qualifyPGTable(f.schema, f.table)
}

// EnsureFailureTable creates the failure-history table if it is missing.
func (f *FailureHistory) EnsureFailureTable(ctx context.Context) error {
	if _, err := f.pool.Exec(ctx, buildFailureDDL(f.schema, f.table)); err != nil {
		return fmt.Errorf("creating %s: %w", f.table, err)
	}
	return nil
}

func buildFailureDDL(schema, table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	target_table TEXT NOT NULL,
	sync_data JSONB NOT NULL,
	reason TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, qualifyPGTable(schema, table))
}

// InsertFailures stores all entries in one multi-row INSERT. The statement
// is atomic, so either every entry is stored or none is.
func (f *FailureHistory) InsertFailures(ctx context.Context, entries []syncer.FailureEntry) error {
	if len(entries) == 0 {
		return nil
	}
	sql, args, err := buildFailureInsertSQL(f.schema, f.table, entries)
	if err != nil {
		return err
	}
	if _, err := f.pool.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("inserting into %s: %w", f.table, err)
	}
	return nil
}

func buildFailureInsertSQL(schema, table string, entries []syncer.FailureEntry) (string, []any, error) {
	args := make([]any, 0, len(entries)*3)
	tuples := make([]string, len(entries))
	for i, e := range entries {
		data := e.SyncData
		if data == nil {
			data = []json.RawMessage{}
		}
		encoded, err := json.Marshal(data)
		if err != nil {
			return "", nil, fmt.Errorf("encoding sync_data for %s: %w", e.TargetTable, err)
		}
		n := i * 3
		tuples[i] = fmt.Sprintf("($%d, $%d::jsonb, $%d)", n+1, n+2, n+3)
		args = append(args, e.TargetTable, string(encoded), e.Reason)
	}
	sql := fmt.Sprintf("INSERT INTO %s (target_table, sync_data, reason) VALUES %s",
		qualifyPGTable(schema, table), strings.Join(tuples, ", "))
	return sql, args, nil
}

// ListFailures returns the newest entries first. A non-positive limit
// returns every entry.
func (f *FailureHistory) ListFailures(ctx context.Context, limit int) ([]syncer.FailureEntry, error) {
	query := fmt.Sprintf(`SELECT id, target_table, sync_data, COALESCE(reason, ''), created_at
		FROM %s ORDER BY id DESC`, f.qualified())
	var args []any
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := f.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", f.table, err)
	}
	defer rows.Close()

	var entries []syncer.FailureEntry
	for rows.Next() {
		e, err := scanFailure(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountFailures returns the number of stored entries.
func (f *FailureHistory) CountFailures(ctx context.Context) (int, error) {
	var n int
	if err := f.pool.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", f.qualified())).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s: %w", f.table, err)
	}
	return n, nil
}

// GetFailure returns one entry by id.
func (f *FailureHistory) GetFailure(ctx context.Context, id int64) (syncer.FailureEntry, error) {
	row := f.pool.QueryRow(ctx, fmt.Sprintf(`SELECT id, target_table, sync_data, COALESCE(reason, ''), created_at
		FROM %s WHERE id = $1`, f.qualified()), id)
	e, err := scanFailure(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return syncer.FailureEntry{}, fmt.Errorf("id %d: %w", id, ErrFailureNotFound)
	}
	return e, err
}

// DeleteFailure removes one entry by id.
func (f *FailureHistory) DeleteFailure(ctx context.Context, id int64) error {
	tag, err := f.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", f.qualified()), id)
	if err != nil {
		return fmt.Errorf("deleting %s id %d: %w", f.table, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("id %d: %w", id, ErrFailureNotFound)
	}
	return nil
}

func scanFailure(row pgx.Row) (syncer.FailureEntry, error) {
	var e syncer.FailureEntry
	var data []byte
	if err := row.Scan(&e.ID, &e.TargetTable, &data, &e.Reason, &e.CreatedAt); err != nil {
		return e, err
	}
	if err := json.Unmarshal(data, &e.SyncData); err != nil {
		return e, fmt.Errorf("decoding sync_data of id %d: %w", e.ID, err)
	}
	return e, nil
}
