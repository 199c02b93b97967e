package syncer

import (
	"context"

	"github.com/johndauphine/redis-pg-sync/internal/keyproto"
)

// Classification partitions one table batch. Every record lands in exactly
// one of the two slices, in arrival order.
type Classification struct {
	Inserts []*Record
	Updates []*Record
}

// Classify routes each record to an insert or an update. Auto-key inserts
// skip the existence check. Keyed records are checked one by one against the
// store as it is now; a key repeated within the batch is checked each time
// and is not coalesced.
func Classify(ctx context.Context, table string, store TableStore, recs []*Record) (Classification, error) {
	var c Classification
	for _, rec := range recs {
		if rec.Op == keyproto.InsertAutoKey || !rec.HasKey {
			c.Inserts = append(c.Inserts, rec)
			continue
		}

		exists, err := store.Exists(ctx, rec.PrimaryKey)
		if err != nil {
			return Classification{}, &StoreWriteError{Table: table, Op: "exists", Chunk: -1, Err: err}
		}
		if exists {
			c.Updates = append(c.Updates, rec)
		} else {
			c.Inserts = append(c.Inserts, rec)
		}
	}
	return c, nil
}
