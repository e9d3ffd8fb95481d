// Package hashindex implements the fixed-capacity open-addressed hash map
// that backs each table index. Buckets store references into an Arena;
// during the build phase those references are arena offsets, and Finalize
// converts every occupied bucket's offsets into ready-to-use byte slices so
// that readers never have to re-derive anything on the lookup path.
package hashindex

import (
	"github.com/cespare/xxhash/v2"

	"github.com/snapread/snapread/arena"
)

// Bucket is one entry in the hash index. KeyRef and PayloadRef are set once,
// by Finalize, and are nil in every bucket until that point — Get must only
// ever be called on a finalized index.
type Bucket struct {
	hash       uint64
	keyLen     uint32
	keyOff     uint32
	payloadOff uint32
	payloadLen uint32
	filled     bool // set by Insert; a zero-length key still occupies its bucket

	KeyRef     []byte // raw key bytes, valid after Finalize
	PayloadRef []byte // framed payload (4-byte length + value), valid after Finalize
}

func (b *Bucket) occupied() bool { return b.filled }

// Stats is the per-index probe histogram required by spec.md §4.2/§4.8.
type Stats struct {
	Queries uint64
	Probes  []uint64 // probes[n] = number of lookups that took n probes
}

// Index is a fixed-capacity, power-of-two-sized open-addressed hash map
// keyed by arbitrary byte slices, backed by an Arena for key/payload
// storage. A load factor <= 0.5 is the caller's responsibility (see
// CapacityFor); Index itself will probe forever on a completely full table,
// matching the teacher corpus's documented degenerate behavior.
type Index struct {
	cap   uint32
	used  uint32
	tab   []Bucket
	arena *arena.Arena

	finalized bool
	stats     Stats
}

// CapacityFor returns the bucket-table capacity to use for an index expected
// to hold rowCount entries, applying the spec's load-factor policy
// (cap = next_pow2(2 * row_count)) with a floor so tiny or empty tables
// still get a usable table.
func CapacityFor(rowCount uint32) uint32 {
	const floor = 16
	cap := arena.NextPow2(2 * rowCount)
	if cap < floor {
		cap = floor
	}
	return cap
}

// Build allocates a fresh hash index of the given power-of-two capacity,
// backed by arena for key/payload storage.
func Build(capPow2 uint32, a *arena.Arena) *Index {
	return &Index{
		cap:   capPow2,
		tab:   make([]Bucket, capPow2),
		arena: a,
		stats: Stats{Probes: make([]uint64, capPow2+2)},
	}
}

// Insert stores a key and a reference to an already-arena-stored framed
// payload (payloadOff/payloadLen as returned by arena.Arena.StoreFramed).
// The key itself is copied into the arena by Insert. Returns false only if
// the table is completely full — callers are responsible for sizing via
// CapacityFor so this never happens in practice.
func (idx *Index) Insert(key []byte, payloadOff, payloadLen uint32) bool {
	if idx.finalized {
		panic("hashindex: insert after finalize")
	}
	h := xxhash.Sum64(key)
	mask := idx.cap - 1
	i := uint32(h) & mask
	for probes := uint32(0); probes < idx.cap; probes++ {
		b := &idx.tab[i]
		if !b.occupied() {
			keyOff := idx.arena.Store(key)
			b.hash = h
			b.keyLen = uint32(len(key))
			b.keyOff = keyOff
			b.payloadOff = payloadOff
			b.payloadLen = payloadLen
			b.filled = true
			idx.used++
			return true
		}
		i = (i + 1) & mask
	}
	return false
}

// Finalize converts every occupied bucket's arena offsets into byte slices.
// Must be called exactly once, after the last Insert and before the index
// is published to readers (see table.Table.Refresh).
func (idx *Index) Finalize() {
	for i := range idx.tab {
		b := &idx.tab[i]
		if !b.occupied() {
			continue
		}
		b.KeyRef = idx.arena.Get(b.keyOff, b.keyLen)
		b.PayloadRef = idx.arena.GetFramed(b.payloadOff)
	}
	idx.finalized = true
}

// Get performs a point lookup. Returns (bucket, true) on a hit, or
// (nil, false) on a miss. Must only be called once Finalize has run and the
// index has been published. Get updates the index's query/probe counters
// without synchronization, so it is not safe for concurrent callers.
func (idx *Index) Get(key []byte) (*Bucket, bool) {
	idx.stats.Queries++ // only ever called from the single event-loop thread
	h := xxhash.Sum64(key)
	mask := idx.cap - 1
	i := uint32(h) & mask

	var probes uint32
	for {
		probes++
		b := &idx.tab[i]
		if !b.occupied() {
			idx.recordProbes(probes)
			return nil, false
		}
		if b.hash == h && len(b.KeyRef) == len(key) && bytesEqual(b.KeyRef, key) {
			idx.recordProbes(probes)
			return b, true
		}
		i = (i + 1) & mask
	}
}

func (idx *Index) recordProbes(probes uint32) {
	if int(probes) < len(idx.stats.Probes) {
		idx.stats.Probes[probes]++
	}
}

// Stats returns a snapshot of this index's query/probe counters.
func (idx *Index) Stats() Stats {
	out := Stats{Queries: idx.stats.Queries, Probes: make([]uint64, len(idx.stats.Probes))}
	copy(out.Probes, idx.stats.Probes)
	return out
}

// Cap returns the bucket-table capacity.
func (idx *Index) Cap() uint32 { return idx.cap }

// Used returns the number of occupied buckets.
func (idx *Index) Used() uint32 { return idx.used }

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
