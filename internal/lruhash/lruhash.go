// Package lruhash implements a hash table with LRU eviction and byte-size
// accounting. The table owns five stored function values (size, compare and
// destructor hooks); since those are classic targets for heap corruption,
// every operation verifies them against the function whitelist before the
// critical region that calls them.
package lruhash

import (
	"sync"

	"github.com/vk/warden/internal/fnwlist"
)

// SizeFunc reports the memory charge of an entry, key and data together.
type SizeFunc func(key, data any) uint64

// CompFunc compares two keys that landed on the same hash value. Zero means
// equal.
type CompFunc func(k1, k2 any) int

// DelKeyFunc releases a key that leaves the table. arg is the table's user
// argument.
type DelKeyFunc func(key, arg any)

// DelDataFunc releases data that leaves the table.
type DelDataFunc func(data, arg any)

// MarkDelFunc marks a key as deleted for owners that still hold a reference
// to the entry while it is being evicted.
type MarkDelFunc func(key any)

const startBins = 1024

// Table is the hash table. All operations lock; the callbacks run inside
// the lock, after their whitelist check.
type Table struct {
	mu      sync.Mutex
	bins    []*entry
	num     int
	space   uint64
	maxMem  uint64
	size    SizeFunc
	comp    CompFunc
	delKey  DelKeyFunc
	delData DelDataFunc
	markDel MarkDelFunc
	arg     any

	// LRU list, front is most recent.
	front, back *entry
}

type entry struct {
	hash       uint64
	key, data  any
	overflow   *entry
	prev, next *entry
}

// New creates a table bounded to maxMem bytes as measured by size.
func New(maxMem uint64, size SizeFunc, comp CompFunc, delKey DelKeyFunc, delData DelDataFunc, arg any) *Table {
	return &Table{
		bins:    make([]*entry, startBins),
		maxMem:  maxMem,
		size:    size,
		comp:    comp,
		delKey:  delKey,
		delData: delData,
		arg:     arg,
	}
}

// SetMarkDel installs the mark-deleted hook. Called once during setup by the
// owner of the cached data; the hook is whitelist-checked like the rest.
func (t *Table) SetMarkDel(fn MarkDelFunc) {
	t.mu.Lock()
	t.markDel = fn
	t.mu.Unlock()
}

// checkFuncs verifies the stored callbacks ahead of the critical region.
func (t *Table) checkFuncs() {
	fnwlist.Check(fnwlist.HashSize, t.size)
	fnwlist.Check(fnwlist.HashComp, t.comp)
	fnwlist.Check(fnwlist.HashDelKey, t.delKey)
	fnwlist.Check(fnwlist.HashDelData, t.delData)
	if t.markDel != nil {
		fnwlist.Check(fnwlist.HashMarkDel, t.markDel)
	}
}

// Insert stores data under (hash, key). An existing equal key has its data
// replaced. Inserting may evict least-recently-used entries to stay within
// the memory bound.
func (t *Table) Insert(hash uint64, key, data any) {
	t.checkFuncs()
	t.mu.Lock()
	defer t.mu.Unlock()

	need := t.size(key, data)
	if e := t.lookupBin(hash, key); e != nil {
		t.space -= t.size(e.key, e.data)
		t.delData(e.data, t.arg)
		e.data = data
		t.space += need
		t.lruTouch(e)
	} else {
		e := &entry{hash: hash, key: key, data: data}
		bin := hash % uint64(len(t.bins))
		e.overflow = t.bins[bin]
		t.bins[bin] = e
		t.num++
		t.space += need
		t.lruPushFront(e)
		if t.num > len(t.bins) {
			t.grow()
		}
	}
	for t.space > t.maxMem && t.back != nil && t.back != t.front {
		t.evict(t.back)
	}
}

// Lookup returns the data stored under (hash, key) and marks the entry
// recently used.
func (t *Table) Lookup(hash uint64, key any) (any, bool) {
	fnwlist.Check(fnwlist.HashComp, t.comp)
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.lookupBin(hash, key)
	if e == nil {
		return nil, false
	}
	t.lruTouch(e)
	return e.data, true
}

// Remove deletes the entry under (hash, key), running the destructors.
func (t *Table) Remove(hash uint64, key any) bool {
	t.checkFuncs()
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.lookupBin(hash, key)
	if e == nil {
		return false
	}
	t.evict(e)
	return true
}

// Clear deletes every entry, running the destructors.
func (t *Table) Clear() {
	t.checkFuncs()
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.back != nil {
		t.evict(t.back)
	}
}

// Len returns the number of entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.num
}

// SpaceUsed returns the accounted size of all entries.
func (t *Table) SpaceUsed() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.space
}

func (t *Table) lookupBin(hash uint64, key any) *entry {
	for e := t.bins[hash%uint64(len(t.bins))]; e != nil; e = e.overflow {
		if e.hash == hash && t.comp(e.key, key) == 0 {
			return e
		}
	}
	return nil
}

// evict unlinks e and runs markdel and the destructors. Caller holds the
// lock and has verified the callbacks.
func (t *Table) evict(e *entry) {
	bin := e.hash % uint64(len(t.bins))
	p := &t.bins[bin]
	for *p != e {
		p = &(*p).overflow
	}
	*p = e.overflow
	t.lruUnlink(e)
	t.num--
	t.space -= t.size(e.key, e.data)
	if t.markDel != nil {
		t.markDel(e.key)
	}
	t.delKey(e.key, t.arg)
	t.delData(e.data, t.arg)
}

func (t *Table) grow() {
	bins := make([]*entry, len(t.bins)*2)
	for _, e := range t.bins {
		for e != nil {
			next := e.overflow
			bin := e.hash % uint64(len(bins))
			e.overflow = bins[bin]
			bins[bin] = e
			e = next
		}
	}
	t.bins = bins
}

func (t *Table) lruPushFront(e *entry) {
	e.prev = nil
	e.next = t.front
	if t.front != nil {
		t.front.prev = e
	}
	t.front = e
	if t.back == nil {
		t.back = e
	}
}

func (t *Table) lruUnlink(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		t.front = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		t.back = e.prev
	}
	e.prev, e.next = nil, nil
}

func (t *Table) lruTouch(e *entry) {
	if t.front == e {
		return
	}
	t.lruUnlink(e)
	t.lruPushFront(e)
}
