package syncer

// DefaultScanLimit bounds the number of records handled per cycle.
const DefaultScanLimit = 10000

// Aggregator groups records by table, keeping arrival order inside each
// group. Order across tables is the order in which tables first appeared.
type Aggregator struct {
	limit   int
	count   int
	groups  map[string][]*Record
	ordered []string
}

// NewAggregator creates an aggregator that accepts at most limit records.
func NewAggregator(limit int) *Aggregator {
	if limit <= 0 {
		limit = DefaultScanLimit
	}
	return &Aggregator{
		limit:  limit,
		groups: make(map[string][]*Record),
	}
}

// Add appends rec to its table group. It returns false, without adding,
// once the cap has been reached.
func (a *Aggregator) Add(rec *Record) bool {
	if a.Full() {
		return false
	}
	if _, ok := a.groups[rec.Table]; !ok {
		a.ordered = append(a.ordered, rec.Table)
	}
	a.groups[rec.Table] = append(a.groups[rec.Table], rec)
	a.count++
	return true
}

// Full reports whether the per-cycle cap has been reached.
func (a *Aggregator) Full() bool {
	return a.count >= a.limit
}

// Len returns the number of records accepted.
func (a *Aggregator) Len() int {
	return a.count
}

// Tables returns table names in first-seen order.
func (a *Aggregator) Tables() []string {
	out := make([]string, len(a.ordered))
	copy(out, a.ordered)
	return out
}

// Batch returns the records for one table in arrival order.
func (a *Aggregator) Batch(table string) []*Record {
	return a.groups[table]
}

func recordKeys(recs []*Record) []string {
	keys := make([]string, len(recs))
	for i, r := range recs {
		keys[i] = r.Key
	}
	return keys
}
