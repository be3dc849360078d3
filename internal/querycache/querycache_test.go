package querycache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/warden/internal/module"
)

func q(name string) module.QueryInfo {
	return module.QueryInfo{Name: name, Type: 1, Class: 1}
}

func TestStoreAndLookup(t *testing.T) {
	c := New(1 << 20)
	c.Store(q("alpha."), []byte("reply-a"), time.Minute)

	got, ok := c.Lookup(q("alpha."))
	require.True(t, ok)
	assert.Equal(t, []byte("reply-a"), got)

	_, ok = c.Lookup(q("beta."))
	assert.False(t, ok)

	hits, misses, _ := c.Stats()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(1), misses)
}

func TestExpiredEntryIsAMiss(t *testing.T) {
	c := New(1 << 20)
	c.Store(q("stale."), []byte("old"), -time.Second)

	_, ok := c.Lookup(q("stale."))
	require.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestKeyCompareDistinguishesTypeAndClass(t *testing.T) {
	c := New(1 << 20)
	c.Store(module.QueryInfo{Name: "x.", Type: 1, Class: 1}, []byte("one"), time.Minute)
	c.Store(module.QueryInfo{Name: "x.", Type: 28, Class: 1}, []byte("two"), time.Minute)

	got, ok := c.Lookup(module.QueryInfo{Name: "x.", Type: 28, Class: 1})
	require.True(t, ok)
	assert.Equal(t, []byte("two"), got)
}

func TestEvictionRunsDestructors(t *testing.T) {
	// Entries are ~164 bytes each; cap the cache so inserting many forces
	// the oldest out through the whitelisted destructors.
	c := New(1000)
	for i := 0; i < 20; i++ {
		c.Store(q(fmt.Sprintf("name-%02d.", i)), make([]byte, 100), time.Minute)
	}
	require.LessOrEqual(t, c.SpaceUsed(), uint64(1000))

	_, _, evictions := c.Stats()
	assert.Greater(t, evictions, uint64(0))
	assert.Equal(t, c.evictedKeys.Load(), c.evictedData.Load())

	// Newest entry survives.
	_, ok := c.Lookup(q("name-19."))
	assert.True(t, ok)
}

func TestClear(t *testing.T) {
	c := New(1 << 20)
	c.Store(q("a."), []byte("1"), time.Minute)
	c.Store(q("b."), []byte("2"), time.Minute)
	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, uint64(0), c.SpaceUsed())
}
