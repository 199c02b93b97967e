package target

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/johndauphine/redis-pg-sync/internal/syncer"
)

// Table writes sync rows into one target table. It implements
// syncer.TableStore.
type Table struct {
	pool   *pgxpool.Pool
	schema string
	spec   syncer.TableSpec
}

// Spec returns the table description.
func (t *Table) Spec() syncer.TableSpec {
	return t.spec
}

// Exists reports whether a row with the given primary key is present.
func (t *Table) Exists(ctx context.Context, pk int64) (bool, error) {
	var exists bool
	err := t.pool.QueryRow(ctx, buildExistsSQL(t.schema, t.spec), pk).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking %s.%s = %d: %w", t.spec.Name, t.spec.PrimaryKey, pk, err)
	}
	return exists, nil
}

// InsertRows inserts rows in a single transaction.
func (t *Table) InsertRows(ctx context.Context, rows []syncer.Row) error {
	stmts := make([]statement, 0, len(rows))
	for _, row := range rows {
		s, err := buildInsertSQL(t.schema, t.spec, row)
		if err != nil {
			return err
		}
		stmts = append(stmts, s)
	}
	return execBatch(ctx, t.pool, stmts)
}

// UpdateRows updates rows by primary key in a single transaction. Rows that
// carry nothing but the key are skipped.
func (t *Table) UpdateRows(ctx context.Context, rows []syncer.Row) error {
	stmts := make([]statement, 0, len(rows))
	for _, row := range rows {
		s, ok, err := buildUpdateSQL(t.schema, t.spec, row)
		if err != nil {
			return err
		}
		if ok {
			stmts = append(stmts, s)
		}
	}
	return execBatch(ctx, t.pool, stmts)
}

func buildExistsSQL(schema string, spec syncer.TableSpec) string {
	return fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE %s = $1)",
		qualifyPGTable(schema, spec.Name), quotePGIdent(spec.PrimaryKey))
}

// placeholder returns the bind expression for a column. The geometry column
// receives EWKT text and is converted server side.
func placeholder(spec syncer.TableSpec, col string, n int) string {
	if spec.Geo != nil && col == spec.Geo.Field {
		return fmt.Sprintf("ST_GeomFromEWKT($%d)", n)
	}
	return fmt.Sprintf("$%d", n)
}

// buildInsertSQL generates
// INSERT INTO schema.table (cols) VALUES ($1, ...)
// with columns taken from the row in sorted order.
func buildInsertSQL(schema string, spec syncer.TableSpec, row syncer.Row) (statement, error) {
	cols, err := sortedColumns(row.Values)
	if err != nil {
		return statement{}, fmt.Errorf("insert into %s: %w", spec.Name, err)
	}

	table := qualifyPGTable(schema, spec.Name)
	if len(cols) == 0 {
		return statement{sql: fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", table)}, nil
	}

	quoted := make([]string, len(cols))
	params := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		quoted[i] = quotePGIdent(col)
		params[i] = placeholder(spec, col, i+1)
		args[i] = row.Values[col]
	}

	return statement{
		sql: fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			table, strings.Join(quoted, ", "), strings.Join(params, ", ")),
		args: args,
	}, nil
}

// buildUpdateSQL generates
// UPDATE schema.table SET col1 = $1, ... WHERE pk = $N
// ok is false when the row has no columns besides the key.
func buildUpdateSQL(schema string, spec syncer.TableSpec, row syncer.Row) (statement, bool, error) {
	if row.PrimaryKey == nil {
		return statement{}, false, fmt.Errorf("update %s: row has no primary key", spec.Name)
	}
	cols, err := sortedColumns(row.Values)
	if err != nil {
		return statement{}, false, fmt.Errorf("update %s: %w", spec.Name, err)
	}

	sets := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols)+1)
	for _, col := range cols {
		if col == spec.PrimaryKey {
			continue
		}
		args = append(args, row.Values[col])
		sets = append(sets, fmt.Sprintf("%s = %s", quotePGIdent(col), placeholder(spec, col, len(args))))
	}
	if len(sets) == 0 {
		return statement{}, false, nil
	}
	args = append(args, *row.PrimaryKey)

	return statement{
		sql: fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d",
			qualifyPGTable(schema, spec.Name), strings.Join(sets, ", "),
			quotePGIdent(spec.PrimaryKey), len(args)),
		args: args,
	}, true, nil
}
