package syncer

import "context"

// DefaultChunkSize bounds the rows sent to the store in a single call.
const DefaultChunkSize = 10000

// BulkWriter applies rows to a TableStore in fixed-size chunks. The first
// failing chunk aborts the batch; chunks already applied stay applied.
type BulkWriter struct {
	chunkSize int
}

// NewBulkWriter creates a writer. A non-positive size selects DefaultChunkSize.
func NewBulkWriter(chunkSize int) *BulkWriter {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &BulkWriter{chunkSize: chunkSize}
}

// ChunkSize returns the configured chunk size.
func (w *BulkWriter) ChunkSize() int {
	return w.chunkSize
}

// Insert writes rows with one InsertRows call per chunk.
func (w *BulkWriter) Insert(ctx context.Context, table string, store TableStore, rows []Row) error {
	return w.apply(ctx, table, "insert", rows, store.InsertRows)
}

// Update writes rows with one UpdateRows call per chunk.
func (w *BulkWriter) Update(ctx context.Context, table string, store TableStore, rows []Row) error {
	return w.apply(ctx, table, "update", rows, store.UpdateRows)
}

func (w *BulkWriter) apply(ctx context.Context, table, op string, rows []Row, fn func(context.Context, []Row) error) error {
	for i, start := 0, 0; start < len(rows); i, start = i+1, start+w.chunkSize {
		end := start + w.chunkSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := fn(ctx, rows[start:end]); err != nil {
			return &StoreWriteError{Table: table, Op: op, Chunk: i, Err: err}
		}
	}
	return nil
}

// ChunkCount returns how many store calls n rows need.
func (w *BulkWriter) ChunkCount(n int) int {
	return (n + w.chunkSize - 1) / w.chunkSize
}
