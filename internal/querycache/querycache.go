// Package querycache caches finished replies per query. It supplies the
// hash table's stored callbacks (size, compare, destructors, mark-deleted)
// for its key and data types; those functions are the whitelisted
// implementations of the hash callback roles in the running kernel.
package querycache

import (
	"hash/fnv"
	"sync/atomic"
	"time"

	"github.com/vk/warden/internal/fnwlist"
	"github.com/vk/warden/internal/lruhash"
	"github.com/vk/warden/internal/module"
)

// Key identifies a cached reply.
type Key struct {
	Name  string
	Type  uint16
	Class uint16
	// deleted is set by the mark-deleted hook for owners that still hold
	// the entry while it leaves the table.
	deleted atomic.Bool
}

// Data is one cached reply.
type Data struct {
	Reply  []byte
	Expiry time.Time
}

func init() {
	fnwlist.Register(fnwlist.HashSize, entrySize)
	fnwlist.Register(fnwlist.HashComp, keyCompare)
	fnwlist.Register(fnwlist.HashDelKey, delKey)
	fnwlist.Register(fnwlist.HashDelData, delData)
	fnwlist.Register(fnwlist.HashMarkDel, markDeleted)
}

// entrySize implements lruhash.SizeFunc for cache entries.
func entrySize(key, data any) uint64 {
	k := key.(*Key)
	d := data.(*Data)
	const overhead = 64
	return uint64(len(k.Name)) + uint64(len(d.Reply)) + overhead
}

// keyCompare implements lruhash.CompFunc for cache keys.
func keyCompare(k1, k2 any) int {
	a, b := k1.(*Key), k2.(*Key)
	if a.Name != b.Name {
		if a.Name < b.Name {
			return -1
		}
		return 1
	}
	if c := int(a.Type) - int(b.Type); c != 0 {
		return c
	}
	return int(a.Class) - int(b.Class)
}

// delKey implements lruhash.DelKeyFunc; arg is the owning *Cache.
func delKey(key, arg any) {
	if c, ok := arg.(*Cache); ok {
		c.evictedKeys.Add(1)
	}
}

// delData implements lruhash.DelDataFunc; arg is the owning *Cache.
func delData(data, arg any) {
	if c, ok := arg.(*Cache); ok {
		c.evictedData.Add(1)
	}
}

// markDeleted implements lruhash.MarkDelFunc.
func markDeleted(key any) {
	key.(*Key).deleted.Store(true)
}

// Cache is the reply cache.
type Cache struct {
	table       *lruhash.Table
	hits        atomic.Uint64
	misses      atomic.Uint64
	evictedKeys atomic.Uint64
	evictedData atomic.Uint64
}

// New creates a cache bounded to maxMem bytes.
func New(maxMem uint64) *Cache {
	c := &Cache{}
	c.table = lruhash.New(maxMem, entrySize, keyCompare, delKey, delData, c)
	c.table.SetMarkDel(markDeleted)
	return c
}

func hashKey(k *Key) uint64 {
	h := fnv.New64a()
	h.Write([]byte(k.Name))
	h.Write([]byte{byte(k.Type >> 8), byte(k.Type), byte(k.Class >> 8), byte(k.Class)})
	return h.Sum64()
}

// Store caches reply for q until ttl elapses.
func (c *Cache) Store(q module.QueryInfo, reply []byte, ttl time.Duration) {
	k := &Key{Name: q.Name, Type: q.Type, Class: q.Class}
	d := &Data{Reply: reply, Expiry: time.Now().Add(ttl)}
	c.table.Insert(hashKey(k), k, d)
}

// Lookup returns the cached reply for q. Expired entries are removed and
// reported as a miss.
func (c *Cache) Lookup(q module.QueryInfo) ([]byte, bool) {
	k := &Key{Name: q.Name, Type: q.Type, Class: q.Class}
	h := hashKey(k)
	v, ok := c.table.Lookup(h, k)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	d := v.(*Data)
	if time.Now().After(d.Expiry) {
		c.table.Remove(h, k)
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return d.Reply, true
}

// Clear drops every cached entry.
func (c *Cache) Clear() { c.table.Clear() }

// Stats reports cache counters.
func (c *Cache) Stats() (hits, misses, evictions uint64) {
	return c.hits.Load(), c.misses.Load(), c.evictedKeys.Load()
}

// Len returns the number of cached entries.
func (c *Cache) Len() int { return c.table.Len() }

// SpaceUsed returns the accounted size of the cache.
func (c *Cache) SpaceUsed() uint64 { return c.table.SpaceUsed() }
