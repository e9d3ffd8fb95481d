// Package table implements the double-buffered, lock-free-read snapshot of
// a single configured query: two {arena, indexes} slots, one active and one
// being rebuilt by a refresh, switched by an atomically published selector.
package table

import (
	"fmt"
	"sync/atomic"

	"github.com/snapread/snapread/arena"
	"github.com/snapread/snapread/hashindex"
	"github.com/snapread/snapread/protocol"
	"github.com/snapread/snapread/rowsource"
)

// Index key types, per spec.md §3.2/§3.3/§6.4. A string type never
// contributes to a table's min/max key statistic, even as the primary index.
const (
	IndexTypeInt    = "int"
	IndexTypeString = "string"
)

// IndexSpec describes one index over a table's rows: the column it is keyed
// on, matched by field name in each row yielded by RowSource, and its key
// type (IndexTypeInt or IndexTypeString).
type IndexSpec struct {
	Name   string
	Column string
	Type   string
}

// Config is the static, load-time description of one table: its id, its
// backing query, and the indexes built over its rows.
type Config struct {
	ID      uint8
	Name    string
	Query   string // passed verbatim to RowSource.IterateRows
	Period  uint32 // refresh period in seconds; 0 uses the driver default
	Indexes []IndexSpec

	// StripNulls, when set, omits ValueNull fields from the encoded row
	// payload entirely instead of encoding a zero-length null value.
	StripNulls bool
}

// Stats mirrors spec.md §4.3/§4.8's per-table statistics surface.
type Stats struct {
	LastLoadedUnix int64
	Rows           uint32
	MinKey         int64
	MaxKey         int64
	HasIntKeyRange bool
}

// slot is one half of the double buffer: an arena holding row payloads and
// keys, and one hashindex.Index per configured IndexSpec, in Config.Indexes
// order.
type slot struct {
	arena   *arena.Arena
	indexes []*hashindex.Index
	stats   Stats
}

// Table is the runtime double buffer for one configured query. Exactly one
// refresh may be in flight against a given Table at a time (enforced by the
// refresh package's per-table serialization, not by Table itself); any
// number of readers may call Fetch concurrently with a refresh in progress,
// since refreshes only ever write into the inactive slot.
type Table struct {
	cfg Config

	slots       [2]*slot
	currentSlot atomic.Uint32 // 0 or 1, indexes into slots
}

// New constructs a Table with both slots empty. The table serves zero rows
// (every Fetch misses) until the first successful Refresh.
func New(cfg Config) *Table {
	t := &Table{cfg: cfg}
	t.slots[0] = &slot{arena: arena.New(0), indexes: make([]*hashindex.Index, len(cfg.Indexes))}
	t.slots[1] = &slot{arena: arena.New(0), indexes: make([]*hashindex.Index, len(cfg.Indexes))}
	return t
}

// Config returns the static configuration this table was built from.
func (t *Table) Config() Config { return t.cfg }

// Stats returns the statistics of the currently active (published) slot.
func (t *Table) Stats() Stats {
	return t.slots[t.currentSlot.Load()].stats
}

// IndexByID returns the zero-based index configured at position id within
// this table's Config.Indexes, or false if id is out of range.
func (t *Table) IndexByID(id uint8) (IndexSpec, bool) {
	if int(id) >= len(t.cfg.Indexes) {
		return IndexSpec{}, false
	}
	return t.cfg.Indexes[id], true
}

// ArenaStats returns the capacity and used-byte count of the currently
// active slot's arena, for the stats_json arena block.
func (t *Table) ArenaStats() (capacity, used uint32) {
	s := t.slots[t.currentSlot.Load()]
	return s.arena.Capacity(), s.arena.Used()
}

// IndexStats returns the probe/query histogram and the capacity/used bucket
// counts of the index at position i (matching Config().Indexes[i]) in the
// currently active slot. Returns the zero Stats and zero counts if i is out
// of range or that index was never built.
func (t *Table) IndexStats(i int) (stats hashindex.Stats, capacity, used uint32) {
	s := t.slots[t.currentSlot.Load()]
	if i < 0 || i >= len(s.indexes) || s.indexes[i] == nil {
		return hashindex.Stats{}, 0, 0
	}
	idx := s.indexes[i]
	return idx.Stats(), idx.Cap(), idx.Used()
}

// Fetch performs a point lookup against index indexID of the currently
// active slot. Returns the framed payload (4-byte length prefix + row
// bytes, exactly as stored by Refresh) ready to be copied onto the wire, or
// (nil, false) on a miss or out-of-range index. Safe to call concurrently
// with an in-progress Refresh: the active slot this call observes is never
// the one a concurrent refresh is writing into.
func (t *Table) Fetch(indexID uint8, key []byte) ([]byte, bool) {
	s := t.slots[t.currentSlot.Load()]
	if int(indexID) >= len(s.indexes) {
		return nil, false
	}
	idx := s.indexes[indexID]
	if idx == nil {
		return nil, false
	}
	b, ok := idx.Get(key)
	if !ok {
		return nil, false
	}
	return b.PayloadRef, true
}

// Refresh rebuilds the inactive slot from src and, on success, atomically
// publishes it as the new active slot. It never touches the currently
// active slot, so concurrent Fetch calls observe either the old or the new
// generation, never a partially built one. Callers (the refresh package)
// are responsible for ensuring only one Refresh runs for a given Table at a
// time; Refresh itself does not take a lock.
func (t *Table) Refresh(src rowsource.RowSource, nowUnix int64) error {
	pos := 1 - t.currentSlot.Load()
	dst := t.slots[pos]

	dst.arena.Reset()

	rowCount, err := src.CountRows(t.cfg.Query)
	if err != nil {
		return fmt.Errorf("table %s: count rows: %w", t.cfg.Name, err)
	}

	cap := hashindex.CapacityFor(rowCount)
	for i := range t.cfg.Indexes {
		dst.indexes[i] = hashindex.Build(cap, dst.arena)
	}

	stats := Stats{LastLoadedUnix: nowUnix}

	// A missing index column, a row that fails to encode, or an oversized
	// field name only ever disqualifies that one row: the refresh as a whole
	// still completes and publishes whatever rows did encode cleanly. Only a
	// hash table that cannot accept any more entries (a capacity-sizing bug,
	// not a data problem) aborts the refresh outright.
	err = src.IterateRows(t.cfg.Query, func(row rowsource.Row) error {
		keyVals := make([][]byte, len(t.cfg.Indexes))
		for i, ispec := range t.cfg.Indexes {
			v, ok := findColumn(row.Fields, ispec.Column)
			if !ok {
				return nil // skip: index column absent from this row
			}
			keyVals[i] = v
		}

		fields := make([]protocol.Field, 0, len(row.Fields))
		for _, f := range row.Fields {
			if t.cfg.StripNulls && f.Type == protocol.ValueNull {
				continue
			}
			fields = append(fields, f)
		}
		payload, encErr := protocol.EncodeRow(fields)
		if encErr != nil {
			return nil // skip: row failed to encode (e.g. oversized field name)
		}
		payloadOff := dst.arena.StoreFramed(payload)
		payloadLen := uint32(len(payload))

		for i, ispec := range t.cfg.Indexes {
			if !dst.indexes[i].Insert(keyVals[i], payloadOff, payloadLen) {
				return fmt.Errorf("index %s: hash table full", ispec.Name)
			}
			if i == 0 && ispec.Type == IndexTypeInt {
				if n, ok := asInt64(keyVals[i], row.Fields, ispec.Column); ok {
					if !stats.HasIntKeyRange {
						stats.MinKey, stats.MaxKey = n, n
						stats.HasIntKeyRange = true
					} else {
						if n < stats.MinKey {
							stats.MinKey = n
						}
						if n > stats.MaxKey {
							stats.MaxKey = n
						}
					}
				}
			}
		}
		stats.Rows++
		return nil
	})
	if err != nil {
		return fmt.Errorf("table %s: iterate rows: %w", t.cfg.Name, err)
	}

	for _, idx := range dst.indexes {
		idx.Finalize()
	}
	dst.stats = stats

	t.currentSlot.Store(pos)
	return nil
}

func findColumn(fields []protocol.Field, column string) ([]byte, bool) {
	for _, f := range fields {
		if f.Name == column {
			return f.Value, true
		}
	}
	return nil, false
}

// asInt64 extracts a comparable int64 from the raw field bytes for an
// index's first (min/max-tracked) column, when that column was encoded as
// ValueInt64. Non-integer key columns simply never contribute to the
// min/max statistic.
func asInt64(raw []byte, fields []protocol.Field, column string) (int64, bool) {
	for _, f := range fields {
		if f.Name == column && f.Type == protocol.ValueInt64 && len(f.Value) == 8 {
			var n int64
			for i := 0; i < 8; i++ {
				n |= int64(f.Value[i]) << (8 * uint(i))
			}
			return n, true
		}
	}
	return 0, false
}
