package syncer

import (
	"context"
	"fmt"
	"sort"
)

// TableStore is the capability bundle the pipeline needs for one target
// table. Implementations must apply InsertRows and UpdateRows atomically per
// call; the BulkWriter already bounds the slice to one chunk.
type TableStore interface {
	Exists(ctx context.Context, pk int64) (bool, error)
	InsertRows(ctx context.Context, rows []Row) error
	UpdateRows(ctx context.Context, rows []Row) error
}

// GeoSpec describes the point-geometry column derived from x/y payload fields.
type GeoSpec struct {
	XField string
	YField string
	Field  string
	SRID   int
}

// TableSpec describes a table in the allow-list.
type TableSpec struct {
	Name       string
	PrimaryKey string
	Geo        *GeoSpec
}

type registeredTable struct {
	spec  TableSpec
	store TableStore
}

// Registry maps allow-listed table names to their stores. It is built once
// at startup and read-only afterwards.
type Registry struct {
	tables map[string]registeredTable
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tables: make(map[string]registeredTable)}
}

// Register adds a table. Registering the same name twice is an error.
func (r *Registry) Register(spec TableSpec, store TableStore) error {
	if spec.Name == "" {
		return fmt.Errorf("registering table: empty name")
	}
	if spec.PrimaryKey == "" {
		spec.PrimaryKey = "id"
	}
	if store == nil {
		return fmt.Errorf("registering table %s: nil store", spec.Name)
	}
	if _, dup := r.tables[spec.Name]; dup {
		return fmt.Errorf("registering table %s: already registered", spec.Name)
	}
	r.tables[spec.Name] = registeredTable{spec: spec, store: store}
	return nil
}

// Lookup returns the spec and store for a table, or an *UnknownTableError.
func (r *Registry) Lookup(name string) (TableSpec, TableStore, error) {
	t, ok := r.tables[name]
	if !ok {
		return TableSpec{}, nil, &UnknownTableError{Table: name}
	}
	return t.spec, t.store, nil
}

// Names returns the registered table names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tables))
	for name := range r.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered tables.
func (r *Registry) Len() int {
	return len(r.tables)
}
